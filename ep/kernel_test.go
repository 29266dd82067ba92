package ep

import (
	"fmt"
	"sync"
	"testing"

	"github.com/gomlx/dnn-ep/dnn"
	"github.com/gomlx/dnn-ep/host"
	"github.com/gomlx/dnn-ep/internal/reference"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEngines = []string{dnn.GoMLXEngineName, dnn.Im2colEngineName}

func newTestProvider(t *testing.T, engine string) *Provider {
	p, err := NewProvider("test", Config{Backend: "go", Engine: engine})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

// compileKernel compiles g as a single fused node and returns its kernel.
func compileKernel(t *testing.T, p *Provider, g host.Graph) *Kernel {
	_, err := p.Compile([]host.Graph{g}, []string{g.Name()})
	require.NoError(t, err)
	k := p.Kernel(g.Name())
	require.NotNil(t, k)
	return k
}

// runKernel executes k with inputs in host memory and returns its outputs.
func runKernel(t *testing.T, k *Kernel, elemType host.ElementType, inputs ...*host.Tensor) []*host.Tensor {
	outputTypes := make([]host.ElementType, len(k.OutputUIDs()))
	for ii := range outputTypes {
		outputTypes[ii] = elemType
	}
	ctx := host.NewCallContext(inputs, outputTypes, host.CPUDevice, nil)
	require.NoError(t, k.Execute(ctx))
	return ctx.Outputs()
}

func float32s(t *testing.T, tensor *host.Tensor) []float32 {
	values, err := tensor.Float32s()
	require.NoError(t, err)
	return values
}

func TestKernelConvOnes(t *testing.T) {
	spec := reference.ConvSpec{
		ElemType: host.Float, XDims: [4]int{1, 1, 4, 4}, WDims: [4]int{1, 1, 3, 3},
		Params: reference.DefaultConvParams,
	}
	for _, engine := range testEngines {
		t.Run(engine, func(t *testing.T) {
			p := newTestProvider(t, engine)
			k := compileKernel(t, p, reference.ConvGraph("ones_"+engine, spec))
			assert.Equal(t, engine, k.EngineName())
			outputs := runKernel(t, k, host.Float,
				host.FromFloat32(host.Float, []int64{1, 1, 4, 4}, reference.Ones(16)),
				host.FromFloat32(host.Float, []int64{1, 1, 3, 3}, reference.Ones(9)))
			require.Len(t, outputs, 1)
			assert.Equal(t, []int64{1, 1, 2, 2}, outputs[0].Dims)
			assert.Equal(t, []float32{9, 9, 9, 9}, float32s(t, outputs[0]))
		})
	}
}

func TestKernelConvRamp(t *testing.T) {
	spec := reference.ConvSpec{
		ElemType: host.Float, XDims: [4]int{1, 1, 8, 8}, WDims: [4]int{1, 1, 3, 3},
		Params: reference.DefaultConvParams,
	}
	x, w := reference.Ramp(64), reference.Ones(9)
	want, wantDims := reference.Conv2D(x, spec.XDims, w, spec.WDims, nil, spec.Params)
	require.Equal(t, [4]int{1, 1, 6, 6}, wantDims)
	for _, engine := range testEngines {
		t.Run(engine, func(t *testing.T) {
			p := newTestProvider(t, engine)
			k := compileKernel(t, p, reference.ConvGraph("ramp_"+engine, spec))
			outputs := runKernel(t, k, host.Float,
				host.FromFloat32(host.Float, []int64{1, 1, 8, 8}, x),
				host.FromFloat32(host.Float, []int64{1, 1, 3, 3}, w))
			assert.Equal(t, []int64{1, 1, 6, 6}, outputs[0].Dims)
			assert.Less(t, reference.MaxAbsDiff(want, float32s(t, outputs[0])), float32(1e-4))
		})
	}
}

func TestKernelConvBiasStridesPads(t *testing.T) {
	spec := reference.ConvSpec{
		ElemType: host.Float, XDims: [4]int{2, 3, 9, 7}, WDims: [4]int{4, 3, 3, 2}, Bias: true,
		Params: reference.ConvParams{Pads: [4]int{1, 2, 1, 2}, Strides: [2]int{2, 1}, Dilations: [2]int{1, 1}},
	}
	x := reference.Ramp(2 * 3 * 9 * 7)
	w := reference.Ramp(4 * 3 * 3 * 2)
	bias := []float32{0.5, -1, 2, 0}
	want, wantDims := reference.Conv2D(x, spec.XDims, w, spec.WDims, bias, spec.Params)
	for _, engine := range testEngines {
		t.Run(engine, func(t *testing.T) {
			p := newTestProvider(t, engine)
			k := compileKernel(t, p, reference.ConvGraph("bias_"+engine, spec))
			outputs := runKernel(t, k, host.Float,
				host.FromFloat32(host.Float, []int64{2, 3, 9, 7}, x),
				host.FromFloat32(host.Float, []int64{4, 3, 3, 2}, w),
				host.FromFloat32(host.Float, []int64{4}, bias))
			assert.Equal(t, toDims(wantDims), outputs[0].Dims)
			assert.Less(t, reference.MaxAbsDiff(want, float32s(t, outputs[0])), float32(1e-4))

			// Steady state: executing again gives the same result.
			outputs = runKernel(t, k, host.Float,
				host.FromFloat32(host.Float, []int64{2, 3, 9, 7}, x),
				host.FromFloat32(host.Float, []int64{4, 3, 3, 2}, w),
				host.FromFloat32(host.Float, []int64{4}, bias))
			assert.Less(t, reference.MaxAbsDiff(want, float32s(t, outputs[0])), float32(1e-4))
		})
	}
}

func toDims(dims [4]int) []int64 {
	return []int64{int64(dims[0]), int64(dims[1]), int64(dims[2]), int64(dims[3])}
}

func TestKernelConvFloat16(t *testing.T) {
	spec := reference.ConvSpec{
		ElemType: host.Float16, XDims: [4]int{1, 2, 5, 5}, WDims: [4]int{3, 2, 3, 3},
		Params: reference.ConvParams{Pads: [4]int{1, 1, 1, 1}, Strides: [2]int{1, 1}, Dilations: [2]int{1, 1}},
	}
	x, w := reference.Ramp(50), reference.Ones(54)
	want, _ := reference.Conv2D(x, spec.XDims, w, spec.WDims, nil, spec.Params)
	p := newTestProvider(t, dnn.Im2colEngineName)
	k := compileKernel(t, p, reference.ConvGraph("half", spec))
	assert.Equal(t, dnn.Half, k.Symbol("Y").DataType())
	outputs := runKernel(t, k, host.Float16,
		host.FromFloat32(host.Float16, []int64{1, 2, 5, 5}, x),
		host.FromFloat32(host.Float16, []int64{3, 2, 3, 3}, w))
	assert.Equal(t, host.Float16, outputs[0].ElemType)
	assert.Less(t, reference.MaxAbsDiff(want, float32s(t, outputs[0])), float32(0.02))
}

func TestKernelUIDs(t *testing.T) {
	spec := reference.ConvSpec{
		ElemType: host.Float, XDims: [4]int{1, 2, 6, 6}, WDims: [4]int{4, 2, 3, 3}, Bias: true,
		Params: reference.DefaultConvParams,
	}
	p := newTestProvider(t, "")
	k := compileKernel(t, p, reference.ConvGraph("uids", spec))

	// Graph inputs get the first UIDs, in order, and are bound by the host.
	assert.Equal(t, []int64{1, 2, 3}, k.InputUIDs())
	for ii, name := range []string{"X", "W", "B"} {
		tensor := k.Symbol(name)
		require.NotNil(t, tensor, name)
		assert.Equal(t, int64(ii+1), tensor.UID())
		assert.False(t, tensor.IsVirtual())
	}

	// Graph outputs are non-virtual, with the shape recorded at compile time.
	y := k.Symbol("Y")
	require.NotNil(t, y)
	assert.Equal(t, []int64{4}, k.OutputUIDs())
	assert.Equal(t, int64(4), y.UID())
	assert.False(t, y.IsVirtual())
	assert.Equal(t, [][]int64{{1, 4, 4, 4}}, k.OutputShapes())
	assert.Equal(t, []int64{64, 16, 4, 1}, y.Strides())
}

func TestKernelChainedConvs(t *testing.T) {
	// Two convolutions in one subgraph: the intermediate "H" stays virtual.
	model := reference.ChainedConvModel(host.Float, [4]int{1, 1, 6, 6}, [4]int{2, 1, 3, 3}, [4]int{1, 2, 3, 3},
		reference.Ones(18), reference.Ones(18), reference.DefaultConvParams)
	g := host.NewGraph("chained")
	g.AddInput(model.Graph.ValueInfo("X"))
	g.AddInput(model.Graph.ValueInfo("W1"))
	g.AddInput(model.Graph.ValueInfo("W2"))
	g.SetValueInfo(model.Graph.ValueInfo("H"))
	g.AddOutput(model.Graph.ValueInfo("Y"))
	for _, node := range model.Graph.Nodes() {
		gn := node.(*host.GraphNode)
		g.AddNode(gn.OpType(), gn.Name(), gn.InputNames(), gn.OutputNames(), gn.Attributes()...)
	}

	for _, engine := range testEngines {
		t.Run(engine, func(t *testing.T) {
			p := newTestProvider(t, engine)
			k := compileKernel(t, p, g)
			assert.True(t, k.Symbol("H").IsVirtual())
			assert.Equal(t, int64(4), k.Symbol("H").UID())
			assert.Equal(t, int64(5), k.Symbol("Y").UID())
			outputs := runKernel(t, k, host.Float,
				host.FromFloat32(host.Float, []int64{1, 1, 6, 6}, reference.Ones(36)),
				host.FromFloat32(host.Float, []int64{2, 1, 3, 3}, reference.Ones(18)),
				host.FromFloat32(host.Float, []int64{1, 2, 3, 3}, reference.Ones(18)))
			assert.Equal(t, []int64{1, 1, 2, 2}, outputs[0].Dims)
			// Each H value is 9, each Y value sums 2*3*3 of them.
			assert.Equal(t, []float32{162, 162, 162, 162}, float32s(t, outputs[0]))
		})
	}
}

func TestKernelPads(t *testing.T) {
	x := reference.Ramp(25)
	w := reference.Ones(9)
	want, _ := reference.Conv2D(x, [4]int{1, 1, 5, 5}, w, [4]int{1, 1, 3, 3}, nil,
		reference.ConvParams{Pads: [4]int{1, 1, 1, 1}, Strides: [2]int{1, 1}, Dilations: [2]int{1, 1}})
	p := newTestProvider(t, "")

	// Two pads values are the same as the four symmetric ones.
	for ii, pads := range [][]int64{{1, 1}, {1, 1, 1, 1}} {
		g := host.NewGraph(fmt.Sprintf("pads_%d", ii))
		g.AddInput(host.NewValueInfo("X", host.Float, 1, 1, 5, 5))
		g.AddInput(host.NewValueInfo("W", host.Float, 1, 1, 3, 3))
		g.AddOutput(host.NewValueInfo("Y", host.Float, 1, 1, 5, 5))
		g.AddNode("Conv", "conv", []string{"X", "W"}, []string{"Y"}, host.IntsAttr("pads", pads...))
		k := compileKernel(t, p, g)
		outputs := runKernel(t, k, host.Float,
			host.FromFloat32(host.Float, []int64{1, 1, 5, 5}, x),
			host.FromFloat32(host.Float, []int64{1, 1, 3, 3}, w))
		assert.Less(t, reference.MaxAbsDiff(want, float32s(t, outputs[0])), float32(1e-4), "pads=%v", pads)
	}

	got, err := normalizePads([]int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 1, 2}, got)
	for _, pads := range [][]int64{{}, {1}, {1, 1, 1}, {1, 1, 1, 1, 1, 1}} {
		_, err = normalizePads(pads)
		require.Error(t, err)
		assert.Equal(t, KindTranslation, KindOf(err))
		assert.Contains(t, err.Error(), "Conv pads must have 2 or 4 elements")
	}
}

func TestKernelTranslationErrors(t *testing.T) {
	testCases := []struct {
		name    string
		build   func(g *host.GraphDef)
		message string
	}{
		{"dynamic shape", func(g *host.GraphDef) {
			g.AddInput(host.NewValueInfo("X", host.Float, 1, 1, -1, 4))
			g.AddInput(host.NewValueInfo("W", host.Float, 1, 1, 3, 3))
			g.AddOutput(host.NewValueInfo("Y", host.Float, 1, 1, 2, 2))
			g.AddNode("Conv", "conv", []string{"X", "W"}, []string{"Y"})
		}, "Value must have static shape: X"},
		{"unsupported type", func(g *host.GraphDef) {
			g.AddInput(host.NewValueInfo("X", host.Int32, 1, 1, 4, 4))
			g.AddInput(host.NewValueInfo("W", host.Float, 1, 1, 3, 3))
			g.AddOutput(host.NewValueInfo("Y", host.Float, 1, 1, 2, 2))
			g.AddNode("Conv", "conv", []string{"X", "W"}, []string{"Y"})
		}, "Unsupported data type for value: X"},
		{"missing input", func(g *host.GraphDef) {
			g.AddInput(host.NewValueInfo("X", host.Float, 1, 1, 4, 4))
			g.SetValueInfo(host.NewValueInfo("W", host.Float, 1, 1, 3, 3))
			g.AddOutput(host.NewValueInfo("Y", host.Float, 1, 1, 2, 2))
			g.AddNode("Conv", "conv", []string{"X", "W"}, []string{"Y"})
		}, "Input not found in symbol table: W"},
		{"missing output", func(g *host.GraphDef) {
			g.AddInput(host.NewValueInfo("X", host.Float, 1, 1, 4, 4))
			g.AddInput(host.NewValueInfo("W", host.Float, 1, 1, 3, 3))
			g.SetValueInfo(host.NewValueInfo("Y", host.Float, 1, 1, 2, 2))
			g.AddOutput(host.NewValueInfo("Z", host.Float, 1, 1, 2, 2))
			g.AddNode("Conv", "conv", []string{"X", "W"}, []string{"Y"})
		}, "Graph output not found in symbol table: Z"},
		{"output count", func(g *host.GraphDef) {
			g.AddInput(host.NewValueInfo("X", host.Float, 1, 1, 4, 4))
			g.AddInput(host.NewValueInfo("W", host.Float, 1, 1, 3, 3))
			g.AddOutput(host.NewValueInfo("Y", host.Float, 1, 1, 2, 2))
			g.SetValueInfo(host.NewValueInfo("Y2", host.Float, 1, 1, 2, 2))
			g.AddNode("Conv", "conv", []string{"X", "W"}, []string{"Y", "Y2"})
		}, "Output count mismatch for node conv: expected 2, got 1"},
		{"bad pads", func(g *host.GraphDef) {
			g.AddInput(host.NewValueInfo("X", host.Float, 1, 1, 4, 4))
			g.AddInput(host.NewValueInfo("W", host.Float, 1, 1, 3, 3))
			g.AddOutput(host.NewValueInfo("Y", host.Float, 1, 1, 2, 2))
			g.AddNode("Conv", "conv", []string{"X", "W"}, []string{"Y"}, host.IntsAttr("pads", 0, 0, 0))
		}, "Conv pads must have 2 or 4 elements"},
		{"malformed attribute", func(g *host.GraphDef) {
			g.AddInput(host.NewValueInfo("X", host.Float, 1, 1, 4, 4))
			g.AddInput(host.NewValueInfo("W", host.Float, 1, 1, 3, 3))
			g.AddOutput(host.NewValueInfo("Y", host.Float, 1, 1, 2, 2))
			g.AddNode("Conv", "conv", []string{"X", "W"}, []string{"Y"}, host.StringAttr("strides", "1,1"))
		}, "failed to translate subgraph"},
		{"unsupported op", func(g *host.GraphDef) {
			g.AddInput(host.NewValueInfo("X", host.Float, 1, 1, 4, 4))
			g.AddOutput(host.NewValueInfo("Y", host.Float, 1, 1, 4, 4))
			g.AddNode("Relu", "relu", []string{"X"}, []string{"Y"})
		}, "Unsupported op type \"Relu\""},
	}
	p := newTestProvider(t, "")
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g := host.NewGraph(tc.name)
			tc.build(g)
			k := NewKernel(tc.name, p.handle, "")
			err := k.BuildAndCompile(g)
			require.Error(t, err)
			assert.Equal(t, KindTranslation, KindOf(err), "error: %v", err)
			assert.Contains(t, err.Error(), tc.message)
		})
	}
}

func TestKernelCompileErrors(t *testing.T) {
	// Asymmetric pads: the host output shape accounts for the end pads, the convolution doesn't.
	g := host.NewGraph("asymmetric")
	g.AddInput(host.NewValueInfo("X", host.Float, 1, 1, 4, 4))
	g.AddInput(host.NewValueInfo("W", host.Float, 1, 1, 3, 3))
	g.AddOutput(host.NewValueInfo("Y", host.Float, 1, 1, 3, 3))
	g.AddNode("Conv", "conv", []string{"X", "W"}, []string{"Y"}, host.IntsAttr("pads", 0, 0, 1, 1))
	p := newTestProvider(t, "")
	err := NewKernel("asymmetric", p.handle, "").BuildAndCompile(g)
	require.Error(t, err)
	assert.Equal(t, KindCompile, KindOf(err))
	assert.Equal(t, StageValidate, StageOf(err))
	assert.Contains(t, err.Error(), "validation failed")

	// Destroyed handle: fails when lowering the graph.
	spec := reference.ConvSpec{
		ElemType: host.Float, XDims: [4]int{1, 1, 4, 4}, WDims: [4]int{1, 1, 3, 3},
		Params: reference.DefaultConvParams,
	}
	handle, err := dnn.NewHandle("go")
	require.NoError(t, err)
	handle.Destroy()
	err = NewKernel("destroyed", handle, "").BuildAndCompile(reference.ConvGraph("destroyed", spec))
	require.Error(t, err)
	assert.Equal(t, KindCompile, KindOf(err))
	assert.Equal(t, StageBuildOperationGraph, StageOf(err))
	assert.Contains(t, err.Error(), "build_operation_graph failed")

	// Every engine excluded.
	err = NewKernel("all_excluded", p.handle, "").ExcludeEngines(dnn.EngineNames()...).
		BuildAndCompile(reference.ConvGraph("all_excluded", spec))
	require.Error(t, err)
	assert.Equal(t, KindCompile, KindOf(err))
	assert.Equal(t, StageCreateExecutionPlans, StageOf(err))

	// No engine with that name.
	err = NewKernel("no_engine", p.handle, "no_such_engine").BuildAndCompile(reference.ConvGraph("no_engine", spec))
	require.Error(t, err)
	assert.Equal(t, KindCompile, KindOf(err))
	assert.Equal(t, StageCreateExecutionPlans, StageOf(err))
}

func TestKernelExecuteErrors(t *testing.T) {
	spec := reference.ConvSpec{
		ElemType: host.Float, XDims: [4]int{1, 1, 4, 4}, WDims: [4]int{1, 1, 3, 3},
		Params: reference.DefaultConvParams,
	}
	p := newTestProvider(t, "")
	k := compileKernel(t, p, reference.ConvGraph("exec_errors", spec))
	x := host.FromFloat32(host.Float, []int64{1, 1, 4, 4}, reference.Ones(16))
	w := host.FromFloat32(host.Float, []int64{1, 1, 3, 3}, reference.Ones(9))

	err := k.Execute(host.NewCallContext([]*host.Tensor{x}, []host.ElementType{host.Float}, host.CPUDevice, nil))
	require.Error(t, err)
	assert.Equal(t, KindExec, KindOf(err))
	assert.Contains(t, err.Error(), "Input count mismatch: expected 2, got 1")

	err = k.Execute(host.NewCallContext([]*host.Tensor{x, w}, nil, host.CPUDevice, nil))
	require.Error(t, err)
	assert.Equal(t, KindExec, KindOf(err))
	assert.Contains(t, err.Error(), "Output count mismatch: expected 1, got 0")

	// The host fails to allocate the output.
	noMemory := func(int) []byte { return nil }
	err = k.Execute(host.NewCallContext([]*host.Tensor{x, w}, []host.ElementType{host.Float}, host.CPUDevice, noMemory))
	require.Error(t, err)
	assert.Equal(t, KindExec, KindOf(err))

	// Input buffer of the wrong size.
	short := &host.Tensor{ElemType: host.Float, Dims: []int64{1, 1, 4, 4}, Data: make([]byte, 8)}
	err = k.Execute(host.NewCallContext([]*host.Tensor{short, w}, []host.ElementType{host.Float}, host.CPUDevice, nil))
	require.Error(t, err)
	assert.Equal(t, KindExec, KindOf(err))
	assert.Contains(t, err.Error(), "execute failed")

	// Missing input tensor.
	err = k.Execute(host.NewCallContext([]*host.Tensor{x, nil}, []host.ElementType{host.Float}, host.CPUDevice, nil))
	require.Error(t, err)
	assert.Equal(t, KindExec, KindOf(err))
	assert.Contains(t, err.Error(), "input #1 is nil")

	// Panics of the host while allocating the output are returned as errors.
	for _, exception := range []any{errors.New("allocator failed"), "allocator failed"} {
		panicking := func(int) []byte { panic(exception) }
		require.NotPanics(t, func() {
			err = k.Execute(host.NewCallContext([]*host.Tensor{x, w}, []host.ElementType{host.Float}, host.CPUDevice, panicking))
		})
		require.Error(t, err)
		assert.Equal(t, KindExec, KindOf(err))
		assert.Contains(t, err.Error(), "allocator failed")
	}

	// The kernel is still usable.
	ctx := host.NewCallContext([]*host.Tensor{x, w}, []host.ElementType{host.Float}, host.CPUDevice, nil)
	require.NoError(t, k.Execute(ctx))
	assert.Equal(t, []float32{9, 9, 9, 9}, float32s(t, ctx.Outputs()[0]))

	k.Release()
	err = k.Execute(host.NewCallContext([]*host.Tensor{x, w}, []host.ElementType{host.Float}, host.CPUDevice, nil))
	require.Error(t, err)
	assert.Equal(t, KindExec, KindOf(err))
}

func TestKernelConcurrentExecute(t *testing.T) {
	spec := reference.ConvSpec{
		ElemType: host.Float, XDims: [4]int{1, 2, 8, 8}, WDims: [4]int{3, 2, 3, 3},
		Params: reference.DefaultConvParams,
	}
	x, w := reference.Ramp(128), reference.Ramp(54)
	want, _ := reference.Conv2D(x, spec.XDims, w, spec.WDims, nil, spec.Params)
	for _, engine := range testEngines {
		t.Run(engine, func(t *testing.T) {
			p := newTestProvider(t, engine)
			k := compileKernel(t, p, reference.ConvGraph("concurrent_"+engine, spec))
			const numCalls = 8
			results := make([][]float32, numCalls)
			errs := make([]error, numCalls)
			var wg sync.WaitGroup
			for ii := range numCalls {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ctx := host.NewCallContext([]*host.Tensor{
						host.FromFloat32(host.Float, []int64{1, 2, 8, 8}, x),
						host.FromFloat32(host.Float, []int64{3, 2, 3, 3}, w),
					}, []host.ElementType{host.Float}, host.CPUDevice, nil)
					errs[ii] = k.Execute(ctx)
					if errs[ii] == nil {
						results[ii], errs[ii] = ctx.Outputs()[0].Float32s()
					}
				}()
			}
			wg.Wait()
			for ii := range numCalls {
				require.NoError(t, errs[ii])
				assert.Less(t, reference.MaxAbsDiff(want, results[ii]), float32(1e-4))
			}
		})
	}
}

func TestKernelExcludeEngines(t *testing.T) {
	p, err := NewProvider("exclude", Config{Backend: "go", ExcludeEngines: []string{dnn.GoMLXEngineName}})
	require.NoError(t, err)
	defer p.Close()
	k := compileKernel(t, p, reference.ConvGraph("no_gomlx", onesSpec))
	assert.Equal(t, dnn.Im2colEngineName, k.EngineName())

	// A selected engine takes precedence over the exclusions.
	k = NewKernel("selected", p.handle, dnn.GoMLXEngineName).ExcludeEngines(dnn.GoMLXEngineName)
	require.NoError(t, k.BuildAndCompile(reference.ConvGraph("selected", onesSpec)))
	defer k.Release()
	assert.Equal(t, dnn.GoMLXEngineName, k.EngineName())
}
