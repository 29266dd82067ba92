package benchmarks

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/gomlx/dnn-ep/dnn"
	"github.com/gomlx/dnn-ep/ep"
	"github.com/gomlx/dnn-ep/host"
	"github.com/gomlx/dnn-ep/internal/reference"
	"github.com/gomlx/dnn-ep/session"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/go-benchmarks"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	flagBenchDuration = flag.Duration("bench_duration", 0, "Benchmark duration, typically use 10 seconds. If left as 0, benchmark tests are disabled")
	flagBackend       = flag.String("backend", "go", "GoMLX backend used by the dnn handle")

	// ConvSpecs benchmarked, from a toy convolution to a ResNet-like layer.
	ConvSpecs = []reference.ConvSpec{
		{ElemType: host.Float, XDims: [4]int{1, 1, 8, 8}, WDims: [4]int{1, 1, 3, 3}, Params: reference.DefaultConvParams},
		{ElemType: host.Float, XDims: [4]int{1, 16, 32, 32}, WDims: [4]int{32, 16, 3, 3}, Bias: true,
			Params: reference.ConvParams{Pads: [4]int{1, 1, 1, 1}, Strides: [2]int{1, 1}, Dilations: [2]int{1, 1}}},
		{ElemType: host.Float, XDims: [4]int{4, 32, 56, 56}, WDims: [4]int{64, 32, 3, 3}, Bias: true,
			Params: reference.ConvParams{Pads: [4]int{1, 1, 1, 1}, Strides: [2]int{2, 2}, Dilations: [2]int{1, 1}}},
	}
)

func specName(s reference.ConvSpec) string {
	return fmt.Sprintf("%v*%v/stride=%d", s.XDims, s.WDims, s.Params.Strides[0])
}

func numElements(dims [4]int) int {
	return dims[0] * dims[1] * dims[2] * dims[3]
}

// convModel returns the model of s with deterministic weights.
func convModel(s reference.ConvSpec) *host.Model {
	var bias []float32
	if s.Bias {
		bias = reference.Ramp(s.WDims[0])
	}
	return reference.ConvModel(s, reference.Ramp(numElements(s.WDims)), bias)
}

// writeConvModel saves the model of s as an .onnx file in dir and returns its path.
func writeConvModel(dir string, s reference.ConvSpec) string {
	filePath := filepath.Join(dir, strings.NewReplacer(" ", "_", "[", "", "]", "", "*", "x", "/", "_", "=", "").Replace(specName(s))+".onnx")
	must.M(os.WriteFile(filePath, convModel(s).Marshal(), 0o644))
	return filePath
}

// benchmarkConvWithEP runs the convolution through a session of the execution provider, including the
// copies of input and output between host and device memory.
func benchmarkConvWithEP(withHeader bool, engine string, s reference.ConvSpec) {
	sess := must.M1(session.New(convModel(s), map[string]string{
		ep.OptionBackend: *flagBackend,
		ep.OptionEngine:  engine,
	}))
	defer sess.Close()
	x := host.FromFloat32(s.ElemType, toInt64s(s.XDims), reference.Ramp(numElements(s.XDims)))
	inputs := map[string]*host.Tensor{"X": x}

	runIdx := 0
	testFn := benchmarks.NamedFunction{
		Name: fmt.Sprintf("EP/%s/%s:", engine, specName(s)),
		Func: func() {
			outputs := must.M1(sess.Run(inputs))
			if runIdx == 0 {
				flat := must.M1(outputs["Y"].Float32s())
				fmt.Printf("\t> Last value of result: %v\n", flat[len(flat)-1])
			}
			runIdx++
		},
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	benchmarks.New(testFn).
		WithWarmUps(10).
		WithDuration(*flagBenchDuration).
		WithHeader(withHeader).
		Done()
}

// benchmarkConvKernel runs only the compiled kernel, with inputs and outputs in host memory.
func benchmarkConvKernel(withHeader bool, engine string, s reference.ConvSpec) {
	p := must.M1(ep.NewProvider("bench", ep.Config{Backend: *flagBackend, Engine: engine}))
	defer p.Close()
	g := reference.ConvGraph("conv", s)
	must.M1(p.Compile([]host.Graph{g}, []string{"conv"}))
	k := p.Kernel("conv")
	inputs := []*host.Tensor{
		host.FromFloat32(s.ElemType, toInt64s(s.XDims), reference.Ramp(numElements(s.XDims))),
		host.FromFloat32(s.ElemType, toInt64s(s.WDims), reference.Ramp(numElements(s.WDims))),
	}
	if s.Bias {
		inputs = append(inputs, host.FromFloat32(s.ElemType, []int64{int64(s.WDims[0])}, reference.Ramp(s.WDims[0])))
	}
	output := host.NewTensor(s.ElemType, toInt64s(s.YDims())...)
	reuseOutput := func(int) []byte { return output.Data }

	testFn := benchmarks.NamedFunction{
		Name: fmt.Sprintf("Kernel/%s/%s:", k.EngineName(), specName(s)),
		Func: func() {
			ctx := host.NewCallContext(inputs, []host.ElementType{s.ElemType}, host.CPUDevice, reuseOutput)
			must.M(k.Execute(ctx))
		},
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	benchmarks.New(testFn).
		WithWarmUps(10).
		WithDuration(*flagBenchDuration).
		WithHeader(withHeader).
		Done()
}

func toInt64s(dims [4]int) []int64 {
	return []int64{int64(dims[0]), int64(dims[1]), int64(dims[2]), int64(dims[3])}
}

// ortInitFn will execute only once.
var ortInitFn = sync.OnceFunc(func() {
	ortPath := os.Getenv("ORT_SO_PATH")
	if ortPath == "" {
		exceptions.Panicf("Please set environment ORT_SO_PATH with the path to your ONNX Runtime dynamic linked library")
	}
	ort.SetSharedLibraryPath(ortPath)
	must.M(ort.InitializeEnvironment())
	// Since we may run this function multiple times, we never destroy the environment.
})

// newORTConvSession creates an ONNX Runtime session for the model file of s, bound to the returned input
// and output tensors.
func newORTConvSession(modelPath string, s reference.ConvSpec) (*ort.AdvancedSession, *ort.Tensor[float32], *ort.Tensor[float32]) {
	ortInitFn()
	input := must.M1(ort.NewTensor(ort.NewShape(toInt64s(s.XDims)...), reference.Ramp(numElements(s.XDims))))
	output := must.M1(ort.NewEmptyTensor[float32](ort.NewShape(toInt64s(s.YDims())...)))
	session := must.M1(ort.NewAdvancedSession(
		modelPath,
		[]string{"X"},
		[]string{"Y"},
		[]ort.Value{input},
		[]ort.Value{output},
		nil))
	return session, input, output
}

func benchmarkConvWithORT(withHeader bool, modelPath string, s reference.ConvSpec) {
	session, input, output := newORTConvSession(modelPath, s)
	defer func() {
		must.M(session.Destroy())
		must.M(input.Destroy())
		must.M(output.Destroy())
	}()

	runIdx := 0
	testFn := benchmarks.NamedFunction{
		Name: fmt.Sprintf("ORT/%s:", specName(s)),
		Func: func() {
			must.M(session.Run())
			if runIdx == 0 {
				flat := output.GetData()
				fmt.Printf("\t> Last value of result: %v\n", flat[len(flat)-1])
			}
			runIdx++
		},
	}
	benchmarks.New(testFn).
		WithWarmUps(10).
		WithDuration(*flagBenchDuration).
		WithHeader(withHeader).
		Done()
}

func TestBenchConvEP(t *testing.T) {
	if testing.Short() || *flagBenchDuration == 0 {
		t.SkipNow()
	}
	withHeader := true
	for _, engine := range dnn.EngineNames() {
		for _, s := range ConvSpecs {
			benchmarkConvWithEP(withHeader, engine, s)
			withHeader = false
		}
	}
}

func TestBenchConvKernel(t *testing.T) {
	if testing.Short() || *flagBenchDuration == 0 {
		t.SkipNow()
	}
	withHeader := true
	for _, engine := range dnn.EngineNames() {
		for _, s := range ConvSpecs {
			benchmarkConvKernel(withHeader, engine, s)
			withHeader = false
		}
	}
}

func TestBenchConvORT(t *testing.T) {
	if testing.Short() || *flagBenchDuration == 0 || os.Getenv("ORT_SO_PATH") == "" {
		t.SkipNow()
	}
	dir := t.TempDir()
	for ii, s := range ConvSpecs {
		benchmarkConvWithORT(ii == 0, writeConvModel(dir, s), s)
	}
}

// TestConvMatchesORT compares the outputs of the execution provider with ONNX Runtime on the same model files.
func TestConvMatchesORT(t *testing.T) {
	if os.Getenv("ORT_SO_PATH") == "" {
		t.Skip("ORT_SO_PATH not set")
	}
	dir := t.TempDir()
	for _, s := range ConvSpecs {
		t.Run(specName(s), func(t *testing.T) {
			modelPath := writeConvModel(dir, s)
			session, _, output := newORTConvSession(modelPath, s)
			defer func() { _ = session.Destroy() }()
			require.NoError(t, session.Run())
			want := output.GetData()

			model, err := host.ReadFile(modelPath)
			require.NoError(t, err)
			sess, err := newSession(model)
			require.NoError(t, err)
			defer sess.Close()
			outputs, err := sess.Run(map[string]*host.Tensor{
				"X": host.FromFloat32(s.ElemType, toInt64s(s.XDims), reference.Ramp(numElements(s.XDims))),
			})
			require.NoError(t, err)
			got := must.M1(outputs["Y"].Float32s())
			require.Less(t, reference.MaxAbsDiff(want, got), float32(1e-2))
		})
	}
}

func newSession(model *host.Model) (*session.Session, error) {
	return session.New(model, map[string]string{ep.OptionBackend: *flagBackend})
}
