package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/dnn-ep/ep"
	"github.com/gomlx/dnn-ep/host"
	"github.com/gomlx/dnn-ep/internal/reference"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOptions = map[string]string{ep.OptionBackend: "go"}

func TestSessionConv(t *testing.T) {
	spec := reference.ConvSpec{
		ElemType: host.Float, XDims: [4]int{1, 2, 8, 8}, WDims: [4]int{3, 2, 3, 3}, Bias: true,
		Params: reference.ConvParams{Pads: [4]int{1, 1, 1, 1}, Strides: [2]int{2, 2}, Dilations: [2]int{1, 1}},
	}
	x, w, bias := reference.Ramp(128), reference.Ramp(54), []float32{1, 2, 3}
	want, wantDims := reference.Conv2D(x, spec.XDims, w, spec.WDims, bias, spec.Params)

	for _, engine := range []string{"", "gomlx", "im2col"} {
		t.Run("engine="+engine, func(t *testing.T) {
			options := map[string]string{ep.OptionBackend: "go", ep.OptionEngine: engine}
			s, err := New(reference.ConvModel(spec, w, bias), options)
			require.NoError(t, err)
			defer s.Close()
			require.Len(t, s.FusedNodeNames(), 1)
			assert.Equal(t, 1, s.Provider().NumKernels())

			initializersBytes := int64((54 + 3) * 4)
			assert.Equal(t, initializersBytes, s.Allocator().Stats().BytesInUse)
			for range 3 {
				outputs, err := s.Run(map[string]*host.Tensor{
					"X": host.FromFloat32(host.Float, []int64{1, 2, 8, 8}, x),
				})
				require.NoError(t, err)
				y := outputs["Y"]
				require.NotNil(t, y)
				assert.True(t, y.Device.IsHost())
				assert.Equal(t, []int64{int64(wantDims[0]), int64(wantDims[1]), int64(wantDims[2]), int64(wantDims[3])}, y.Dims)
				assert.Less(t, reference.MaxAbsDiff(want, must.M1(y.Float32s())), float32(1e-4))
			}
			// Only the initializers remain on the device.
			assert.Equal(t, initializersBytes, s.Allocator().Stats().BytesInUse)
		})
	}
}

func TestSessionChainedConvs(t *testing.T) {
	model := reference.ChainedConvModel(host.Float, [4]int{1, 1, 6, 6}, [4]int{2, 1, 3, 3}, [4]int{1, 2, 3, 3},
		reference.Ones(18), reference.Ones(18), reference.DefaultConvParams)
	s, err := New(model, testOptions)
	require.NoError(t, err)
	defer s.Close()
	assert.Len(t, s.FusedNodeNames(), 2)

	outputs, err := s.Run(map[string]*host.Tensor{"X": host.FromFloat32(host.Float, []int64{1, 1, 6, 6}, reference.Ones(36))})
	require.NoError(t, err)
	assert.Equal(t, []float32{162, 162, 162, 162}, must.M1(outputs["Y"].Float32s()))
}

func TestSessionFloat16(t *testing.T) {
	spec := reference.ConvSpec{
		ElemType: host.Float16, XDims: [4]int{1, 1, 8, 8}, WDims: [4]int{1, 1, 3, 3},
		Params: reference.DefaultConvParams,
	}
	x, w := reference.Ramp(64), reference.Ones(9)
	want, _ := reference.Conv2D(x, spec.XDims, w, spec.WDims, nil, spec.Params)
	s, err := New(reference.ConvModel(spec, w, nil), map[string]string{ep.OptionBackend: "go", ep.OptionEngine: "im2col"})
	require.NoError(t, err)
	defer s.Close()
	outputs, err := s.Run(map[string]*host.Tensor{"X": host.FromFloat32(host.Float16, []int64{1, 1, 8, 8}, x)})
	require.NoError(t, err)
	assert.Equal(t, host.Float16, outputs["Y"].ElemType)
	assert.Less(t, reference.MaxAbsDiff(want, must.M1(outputs["Y"].Float32s())), float32(0.02))
}

func TestSessionFromFile(t *testing.T) {
	spec := reference.ConvSpec{
		ElemType: host.Float, XDims: [4]int{1, 1, 8, 8}, WDims: [4]int{1, 1, 3, 3},
		Params: reference.DefaultConvParams,
	}
	filePath := filepath.Join(t.TempDir(), "conv.onnx")
	require.NoError(t, os.WriteFile(filePath, reference.ConvModel(spec, reference.Ones(9), nil).Marshal(), 0o644))
	model, err := host.ReadFile(filePath)
	require.NoError(t, err)

	s, err := New(model, testOptions)
	require.NoError(t, err)
	defer s.Close()
	x := reference.Ramp(64)
	want, _ := reference.Conv2D(x, spec.XDims, reference.Ones(9), spec.WDims, nil, spec.Params)
	outputs, err := s.Run(map[string]*host.Tensor{"X": host.FromFloat32(host.Float, []int64{1, 1, 8, 8}, x)})
	require.NoError(t, err)
	assert.Less(t, reference.MaxAbsDiff(want, must.M1(outputs["Y"].Float32s())), float32(1e-4))
}

func TestSessionErrors(t *testing.T) {
	// Nodes not supported by the provider.
	g := host.NewGraph("relu")
	g.AddInput(host.NewValueInfo("X", host.Float, 1, 1, 4, 4))
	g.AddOutput(host.NewValueInfo("Y", host.Float, 1, 1, 4, 4))
	g.AddNode("Relu", "relu", []string{"X"}, []string{"Y"})
	_, err := New(&host.Model{Graph: g}, testOptions)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")

	_, err = New(&host.Model{}, testOptions)
	require.Error(t, err)

	spec := reference.ConvSpec{
		ElemType: host.Float, XDims: [4]int{1, 1, 8, 8}, WDims: [4]int{1, 1, 3, 3},
		Params: reference.DefaultConvParams,
	}
	_, err = New(reference.ConvModel(spec, reference.Ones(9), nil), map[string]string{"ep.dnn.bogus": "1"})
	require.Error(t, err)

	s, err := New(reference.ConvModel(spec, reference.Ones(9), nil), testOptions)
	require.NoError(t, err)
	for _, inputs := range []map[string]*host.Tensor{
		nil,
		{"X": host.FromFloat32(host.Float, []int64{1, 1, 4, 16}, reference.Ones(64))},
		{"X": host.FromFloat32(host.Float16, []int64{1, 1, 8, 8}, reference.Ones(64))},
		{"X": {ElemType: host.Float, Dims: []int64{1, 1, 8, 8}, Data: make([]byte, 10)}},
	} {
		_, err = s.Run(inputs)
		assert.Error(t, err)
	}
	assert.Equal(t, int64(36), s.Allocator().Stats().BytesInUse)
	s.Close()
	s.Close()
	_, err = s.Run(map[string]*host.Tensor{"X": host.FromFloat32(host.Float, []int64{1, 1, 8, 8}, reference.Ones(64))})
	require.Error(t, err)
}

func TestSessionMemoryLimit(t *testing.T) {
	spec := reference.ConvSpec{
		ElemType: host.Float, XDims: [4]int{1, 1, 8, 8}, WDims: [4]int{1, 1, 3, 3},
		Params: reference.DefaultConvParams,
	}
	// Enough for the filter (36 bytes), not for the input (256 bytes).
	s, err := New(reference.ConvModel(spec, reference.Ones(9), nil),
		map[string]string{ep.OptionBackend: "go", ep.OptionMemoryLimit: "100B"})
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Run(map[string]*host.Tensor{"X": host.FromFloat32(host.Float, []int64{1, 1, 8, 8}, reference.Ones(64))})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of device memory")
	assert.Equal(t, int64(36), s.Allocator().Stats().BytesInUse)
}
