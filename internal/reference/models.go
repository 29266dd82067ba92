package reference

import (
	"fmt"

	"github.com/gomlx/dnn-ep/host"
)

// ConvSpec describes a single Conv node: its input and filter shapes, and whether it has a bias.
type ConvSpec struct {
	ElemType host.ElementType
	XDims    [4]int
	WDims    [4]int
	Bias     bool
	Params   ConvParams
}

// YDims returns the output dimensions of the convolution.
func (s ConvSpec) YDims() [4]int {
	return OutputDims(s.XDims, s.WDims, s.Params)
}

func toInt64s(dims [4]int) []int64 {
	return []int64{int64(dims[0]), int64(dims[1]), int64(dims[2]), int64(dims[3])}
}

// convAttributes returns the ONNX attributes of the Conv node, with explicit 4-element pads.
func (s ConvSpec) convAttributes() []*host.Attribute {
	p := s.Params
	return []*host.Attribute{
		host.IntsAttr("pads", int64(p.Pads[0]), int64(p.Pads[1]), int64(p.Pads[2]), int64(p.Pads[3])),
		host.IntsAttr("strides", int64(p.Strides[0]), int64(p.Strides[1])),
		host.IntsAttr("dilations", int64(p.Dilations[0]), int64(p.Dilations[1])),
		host.IntsAttr("kernel_shape", int64(s.WDims[2]), int64(s.WDims[3])),
	}
}

// ConvGraph returns a graph with a single Conv node "conv": graph inputs are "X", "W" and, if the
// spec has a bias, "B". The output is "Y".
func ConvGraph(name string, s ConvSpec) *host.GraphDef {
	g := host.NewGraph(name)
	inputs := []string{"X", "W"}
	g.AddInput(host.NewValueInfo("X", s.ElemType, toInt64s(s.XDims)...))
	g.AddInput(host.NewValueInfo("W", s.ElemType, toInt64s(s.WDims)...))
	if s.Bias {
		g.AddInput(host.NewValueInfo("B", s.ElemType, int64(s.WDims[0])))
		inputs = append(inputs, "B")
	}
	g.AddOutput(host.NewValueInfo("Y", s.ElemType, toInt64s(s.YDims())...))
	g.AddNode("Conv", "conv", inputs, []string{"Y"}, s.convAttributes()...)
	return g
}

// ConvModel returns a model with one Conv node whose only graph input is "X": the filter "W" and
// the bias "B" (if given) are initializers.
func ConvModel(s ConvSpec, w, bias []float32) *host.Model {
	g := host.NewGraph(fmt.Sprintf("conv_%dx%d", s.WDims[2], s.WDims[3]))
	inputs := []string{"X", "W"}
	g.AddInput(host.NewValueInfo("X", s.ElemType, toInt64s(s.XDims)...))
	g.AddInitializer("W", host.FromFloat32(s.ElemType, toInt64s(s.WDims), w))
	if bias != nil {
		g.AddInitializer("B", host.FromFloat32(s.ElemType, []int64{int64(s.WDims[0])}, bias))
		inputs = append(inputs, "B")
	}
	g.AddOutput(host.NewValueInfo("Y", s.ElemType, toInt64s(s.YDims())...))
	g.AddNode("Conv", "conv", inputs, []string{"Y"}, s.convAttributes()...)
	return &host.Model{
		IRVersion:    8,
		ProducerName: "dnn-ep",
		OperatorSets: []host.OperatorSetID{{Version: 17}},
		Graph:        g,
	}
}

// ChainedConvModel returns a model with two Conv nodes: "X" -> conv1 (filter "W1") -> "H" -> conv2 (filter "W2") -> "Y",
// with the filters as initializers. Both convolutions use params.
func ChainedConvModel(elemType host.ElementType, xDims, w1Dims, w2Dims [4]int, w1, w2 []float32, params ConvParams) *host.Model {
	first := ConvSpec{ElemType: elemType, XDims: xDims, WDims: w1Dims, Params: params}
	second := ConvSpec{ElemType: elemType, XDims: first.YDims(), WDims: w2Dims, Params: params}
	g := host.NewGraph("chained_conv")
	g.AddInput(host.NewValueInfo("X", elemType, toInt64s(xDims)...))
	g.AddInitializer("W1", host.FromFloat32(elemType, toInt64s(w1Dims), w1))
	g.AddInitializer("W2", host.FromFloat32(elemType, toInt64s(w2Dims), w2))
	g.SetValueInfo(host.NewValueInfo("H", elemType, toInt64s(first.YDims())...))
	g.AddOutput(host.NewValueInfo("Y", elemType, toInt64s(second.YDims())...))
	g.AddNode("Conv", "conv1", []string{"X", "W1"}, []string{"H"}, first.convAttributes()...)
	g.AddNode("Conv", "conv2", []string{"H", "W2"}, []string{"Y"}, second.convAttributes()...)
	return &host.Model{
		IRVersion:    8,
		ProducerName: "dnn-ep",
		OperatorSets: []host.OperatorSetID{{Version: 17}},
		Graph:        g,
	}
}
