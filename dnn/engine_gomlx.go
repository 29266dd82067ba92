package dnn

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
)

// GoMLXEngineName is the name of the engine that compiles graphs with the handle's GoMLX backend.
const GoMLXEngineName = "gomlx"

// gomlxEngine lowers the whole Graph to one GoMLX computation, compiled by the handle's backend.
// It needs no workspace: intermediate values are managed by the backend.
type gomlxEngine struct{}

var _ Engine = (*gomlxEngine)(nil)

func (e *gomlxEngine) Name() string { return GoMLXEngineName }

// capabilitiesProvider is implemented by backends that report what they support.
type capabilitiesProvider interface {
	Capabilities() backends.Capabilities
}

func (e *gomlxEngine) Supports(g *Graph) error {
	backend := g.handle.Backend()
	if backend == nil {
		return errorf(StatusNotInitialized, "handle destroyed")
	}
	for _, op := range g.ops {
		conv, ok := op.(*convFpropOp)
		if !ok {
			return errorf(StatusNotSupported, "operation %q not supported", op.opName())
		}
		if conv.attrs.mode != CrossCorrelation {
			return errorf(StatusNotSupported, "operation %q: only cross-correlation mode is supported", op.opName())
		}
	}
	cp, ok := backend.(capabilitiesProvider)
	if !ok {
		return nil
	}
	caps := cp.Capabilities()
	for _, opType := range []backends.OpType{backends.OpTypeConvGeneral, backends.OpTypeConvertDType,
		backends.OpTypeAdd, backends.OpTypeReshape} {
		if !caps.Operations[opType] {
			return errorf(StatusNotSupported, "backend %q doesn't support %v", backend.Name(), opType)
		}
	}
	for _, t := range g.tensors {
		if dtype := t.dataType.DType(); !caps.DTypes[dtype] {
			return errorf(StatusNotSupported, "backend %q doesn't support dtype %s of tensor %s", backend.Name(), dtype, t)
		}
	}
	return nil
}

func (e *gomlxEngine) Build(g *Graph) (Plan, error) {
	p := &gomlxPlan{}
	err := exceptions.TryCatch[error](func() {
		p.graph = graph.NewGraph(g.handle.Backend(), fmt.Sprintf("dnn_%s", g.name))
		nodes := make(map[*TensorAttributes]*graph.Node, len(g.tensors))
		for _, t := range g.external {
			if t.producer != nil {
				continue
			}
			shape := shapes.Make(t.dataType.DType(), dimsToInts(t.dims)...)
			nodes[t] = graph.Parameter(p.graph, fmt.Sprintf("uid_%d", t.uid), shape)
			p.inputs = append(p.inputs, t)
			p.inputShapes = append(p.inputShapes, shape)
		}
		for _, op := range g.ops {
			conv := op.(*convFpropOp)
			nodes[conv.y] = convFpropGraph(conv, nodes)
		}
		var outputs []*graph.Node
		for _, t := range g.external {
			if t.producer != nil {
				outputs = append(outputs, nodes[t])
				p.outputs = append(p.outputs, t)
			}
		}
		if len(outputs) == 0 {
			exceptions.Panicf("graph %q has no non-virtual outputs", g.name)
		}
		p.graph.Compile(outputs...)
	})
	if err != nil {
		if p.graph != nil {
			p.graph.Finalize()
		}
		return nil, errors.WithMessagef(err, "failed to compile graph %q with GoMLX", g.name)
	}
	return p, nil
}

// convFpropGraph builds the GoMLX computation of a convolution. It panics on errors.
func convFpropGraph(conv *convFpropOp, nodes map[*TensorAttributes]*graph.Node) *graph.Node {
	computeDType := conv.attrs.computeDataType.DType()
	operand := func(t *TensorAttributes) *graph.Node {
		node, found := nodes[t]
		if !found {
			exceptions.Panicf("tensor %s used before it was produced", t)
		}
		if node.DType() != computeDType {
			node = graph.ConvertDType(node, computeDType)
		}
		return node
	}
	x, w := operand(conv.x), operand(conv.w)
	a := conv.attrs
	y := graph.Convolve(x, w).
		ChannelsAxis(timage.ChannelsFirst).
		StridePerAxis(dimsToInts(a.stride)...).
		PaddingPerDim([][2]int{
			{int(a.padding[0]), int(a.padding[0])},
			{int(a.padding[1]), int(a.padding[1])},
		}).
		DilationPerAxis(dimsToInts(a.dilation)...).
		Done()
	if a.bias != nil {
		bias := operand(a.bias)
		y = graph.Add(y, graph.Reshape(bias, 1, bias.Shape().Dimensions[0], 1, 1))
	}
	if outputDType := conv.y.dataType.DType(); outputDType != computeDType {
		y = graph.ConvertDType(y, outputDType)
	}
	return y
}

// gomlxPlan executes a compiled GoMLX graph.
type gomlxPlan struct {
	graph       *graph.Graph
	inputs      []*TensorAttributes
	inputShapes []shapes.Shape
	outputs     []*TensorAttributes
}

func (p *gomlxPlan) WorkspaceSize() int64 { return 0 }

func (p *gomlxPlan) Execute(pack VariantPack, _ []byte) error {
	inputs := make([]any, len(p.inputs))
	for ii, t := range p.inputs {
		tensor := tensors.FromShape(p.inputShapes[ii])
		tensor.MutableBytes(func(data []byte) {
			copy(data, pack[t.uid])
		})
		inputs[ii] = tensor
	}
	defer func() {
		for _, input := range inputs {
			input.(*tensors.Tensor).FinalizeAll()
		}
	}()

	outputs := p.graph.Run(inputs...)
	defer func() {
		for _, output := range outputs {
			output.FinalizeAll()
		}
	}()
	if len(outputs) != len(p.outputs) {
		return errors.Errorf("GoMLX graph returned %d outputs, expected %d", len(outputs), len(p.outputs))
	}
	for ii, output := range outputs {
		buf := pack[p.outputs[ii].uid]
		output.ConstBytes(func(data []byte) {
			if len(data) != len(buf) {
				exceptions.Panicf("output %s has %d bytes, buffer has %d", p.outputs[ii], len(data), len(buf))
			}
			copy(buf, data)
		})
	}
	return nil
}

func (p *gomlxPlan) Finalize() {
	if p.graph != nil {
		p.graph.Finalize()
		p.graph = nil
	}
}

func dimsToInts(dims []int64) []int {
	ints := make([]int, len(dims))
	for ii, dim := range dims {
		ints[ii] = int(dim)
	}
	return ints
}

// dtypeSupported is used by tests to skip engine checks on backends without Float16.
func dtypeSupported(backend backends.Backend, dtype dtypes.DType) bool {
	cp, ok := backend.(capabilitiesProvider)
	return !ok || cp.Capabilities().DTypes[dtype]
}
