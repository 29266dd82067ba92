package ep

import (
	"slices"

	"github.com/gomlx/dnn-ep/dnn"
	"github.com/gomlx/dnn-ep/host"
)

// nodeTranslator adds the operations of node to the kernel's dnn graph and returns
// the tensors of its outputs (one per node output). inputs are the node's inputs
// already resolved in the symbol table.
//
// It may panic with an exception, which is converted to a translation error.
type nodeTranslator func(k *Kernel, node host.Node, inputs []*dnn.TensorAttributes) ([]*dnn.TensorAttributes, error)

// nodeTranslators per ONNX op type.
var nodeTranslators = map[string]nodeTranslator{
	"Conv": translateConv,
}

// dataTypeFor maps an element type to the dnn data type.
func dataTypeFor(vi *host.ValueInfo) (dnn.DataType, error) {
	switch vi.ElemType {
	case host.Float:
		return dnn.Float, nil
	case host.Float16:
		return dnn.Half, nil
	}
	return dnn.DataTypeNotSet, translationErrorf("Unsupported data type for value: %s", vi.Name)
}

// tagTensor sets the identity and layout of t from the value vi, with a fresh UID.
func (k *Kernel) tagTensor(t *dnn.TensorAttributes, vi *host.ValueInfo) error {
	dims, ok := vi.StaticShape()
	if !ok {
		return translationErrorf("Value must have static shape: %s", vi.Name)
	}
	dataType, err := dataTypeFor(vi)
	if err != nil {
		return err
	}
	t.SetUID(k.nextUID).
		SetName(vi.Name).
		SetDataType(dataType).
		SetDims(slices.Clone(dims)).
		SetStrides(dnn.ComputeStrides(dims))
	k.nextUID++
	return nil
}

// normalizePads returns the Conv pads as [h_begin, w_begin, h_end, w_end].
// Two values are taken as symmetric [h, w] padding.
func normalizePads(pads []int64) ([]int64, error) {
	switch len(pads) {
	case 2:
		return []int64{pads[0], pads[1], pads[0], pads[1]}, nil
	case 4:
		return pads, nil
	}
	return nil, translationErrorf("Conv pads must have 2 or 4 elements, got %v", pads)
}

// convComputeType returns the accumulation type of a convolution of x by w.
func convComputeType(x, w dnn.DataType) (dnn.DataType, error) {
	isFloatOrHalf := func(dt dnn.DataType) bool { return dt == dnn.Float || dt == dnn.Half }
	if isFloatOrHalf(x) && isFloatOrHalf(w) {
		return dnn.Float, nil
	}
	return dnn.DataTypeNotSet, translationErrorf("Unsupported data type combination for Conv compute: X=%s, W=%s", x, w)
}

// translateConv adds a forward convolution (cross-correlation), with the optional bias.
//
// Only the begin pads are passed on: the convolution pads symmetrically.
func translateConv(k *Kernel, node host.Node, inputs []*dnn.TensorAttributes) ([]*dnn.TensorAttributes, error) {
	if len(inputs) < 2 {
		return nil, translationErrorf("Conv %q requires at least 2 inputs, got %d", node.Name(), len(inputs))
	}
	x, w := inputs[0], inputs[1]

	pads, err := normalizePads(intsAttrOr(node, "pads", []int64{0, 0, 0, 0}))
	if err != nil {
		return nil, err
	}
	strides := intsAttrOr(node, "strides", []int64{1, 1})
	dilations := intsAttrOr(node, "dilations", []int64{1, 1})
	computeType, err := convComputeType(x.DataType(), w.DataType())
	if err != nil {
		return nil, err
	}

	attrs := dnn.NewConvFpropAttributes().
		SetName(node.Name()).
		SetPadding(pads[:2]).
		SetStride(strides).
		SetDilation(dilations).
		SetConvMode(dnn.CrossCorrelation).
		SetComputeDataType(computeType)
	if len(inputs) > 2 {
		attrs.SetBias(inputs[2])
	}
	y := k.graph.ConvFprop(x, w, attrs)
	return []*dnn.TensorAttributes{y}, nil
}
