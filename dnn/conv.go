package dnn

import (
	"slices"
)

// ConvMode selects between cross-correlation (the usual deep-learning "convolution") and true convolution
// (kernel flipped along the spatial axes).
type ConvMode int

const (
	CrossCorrelation ConvMode = iota
	Convolution
)

// ConvFpropAttributes configures a 2D forward convolution over NCHW inputs and KCRS (out, in, height, width) filters.
//
// Padding is applied symmetrically: Padding[i] is added to both sides of spatial axis i.
type ConvFpropAttributes struct {
	name            string
	padding         []int64
	stride          []int64
	dilation        []int64
	mode            ConvMode
	computeDataType DataType
	bias            *TensorAttributes
}

// NewConvFpropAttributes returns attributes with no padding, unit strides and dilations, in cross-correlation mode.
func NewConvFpropAttributes() *ConvFpropAttributes {
	return &ConvFpropAttributes{
		padding:  []int64{0, 0},
		stride:   []int64{1, 1},
		dilation: []int64{1, 1},
	}
}

func (a *ConvFpropAttributes) SetName(name string) *ConvFpropAttributes {
	a.name = name
	return a
}

func (a *ConvFpropAttributes) Name() string { return a.name }

func (a *ConvFpropAttributes) SetPadding(padding []int64) *ConvFpropAttributes {
	a.padding = slices.Clone(padding)
	return a
}

func (a *ConvFpropAttributes) Padding() []int64 { return a.padding }

func (a *ConvFpropAttributes) SetStride(stride []int64) *ConvFpropAttributes {
	a.stride = slices.Clone(stride)
	return a
}

func (a *ConvFpropAttributes) Stride() []int64 { return a.stride }

func (a *ConvFpropAttributes) SetDilation(dilation []int64) *ConvFpropAttributes {
	a.dilation = slices.Clone(dilation)
	return a
}

func (a *ConvFpropAttributes) Dilation() []int64 { return a.dilation }

func (a *ConvFpropAttributes) SetConvMode(mode ConvMode) *ConvFpropAttributes {
	a.mode = mode
	return a
}

func (a *ConvFpropAttributes) ConvMode() ConvMode { return a.mode }

func (a *ConvFpropAttributes) SetComputeDataType(dataType DataType) *ConvFpropAttributes {
	a.computeDataType = dataType
	return a
}

func (a *ConvFpropAttributes) ComputeDataType() DataType { return a.computeDataType }

// SetBias adds a per-output-channel bias of shape [K] to the convolution result.
func (a *ConvFpropAttributes) SetBias(bias *TensorAttributes) *ConvFpropAttributes {
	a.bias = bias
	return a
}

func (a *ConvFpropAttributes) Bias() *TensorAttributes { return a.bias }

// convFpropOp is the operation added by Graph.ConvFprop.
type convFpropOp struct {
	x, w, y *TensorAttributes
	attrs   *ConvFpropAttributes
}

var _ operation = (*convFpropOp)(nil)

func (op *convFpropOp) opName() string {
	if op.attrs.name != "" {
		return op.attrs.name
	}
	return "conv_fprop"
}

func (op *convFpropOp) inputs() []*TensorAttributes {
	if op.attrs.bias != nil {
		return []*TensorAttributes{op.x, op.w, op.attrs.bias}
	}
	return []*TensorAttributes{op.x, op.w}
}

func (op *convFpropOp) outputs() []*TensorAttributes {
	return []*TensorAttributes{op.y}
}

// validate checks the operation parameters and infers (or checks) the output dimensions.
func (op *convFpropOp) validate() error {
	name := op.opName()
	a := op.attrs
	for _, param := range []struct {
		what   string
		values []int64
		min    int64
	}{{"padding", a.padding, 0}, {"stride", a.stride, 1}, {"dilation", a.dilation, 1}} {
		if len(param.values) != 2 {
			return errorf(StatusBadParam, "%s: %s must have 2 values (one per spatial axis), got %v", name, param.what, param.values)
		}
		for _, v := range param.values {
			if v < param.min {
				return errorf(StatusBadParam, "%s: invalid %s %v", name, param.what, param.values)
			}
		}
	}
	if a.computeDataType == DataTypeNotSet {
		return errorf(StatusBadParam, "%s: compute data type not set", name)
	}
	xDims, wDims := op.x.dims, op.w.dims
	if len(xDims) != 4 || len(wDims) != 4 {
		return errorf(StatusBadParam, "%s: input and filter must be rank 4 (NCHW and KCRS), got %v and %v", name, xDims, wDims)
	}
	if xDims[1] != wDims[1] {
		return errorf(StatusBadParam, "%s: input has %d channels but filter expects %d", name, xDims[1], wDims[1])
	}
	if a.bias != nil {
		if len(a.bias.dims) != 1 || a.bias.dims[0] != wDims[0] {
			return errorf(StatusBadParam, "%s: bias must have shape [%d], got %v", name, wDims[0], a.bias.dims)
		}
	}
	outDims := []int64{xDims[0], wDims[0], 0, 0}
	for axis := range 2 {
		size := xDims[2+axis] + 2*a.padding[axis]
		window := a.dilation[axis]*(wDims[2+axis]-1) + 1
		if size < window {
			return errorf(StatusBadParam, "%s: filter window %d is larger than padded input %d on spatial axis %d",
				name, window, size, axis)
		}
		outDims[2+axis] = (size-window)/a.stride[axis] + 1
	}
	if len(op.y.dims) == 0 {
		op.y.SetDims(outDims)
	} else if !slices.Equal(op.y.dims, outDims) {
		return errorf(StatusBadParam, "%s: output %q has dimensions %v, but the convolution produces %v",
			name, op.y.name, op.y.dims, outDims)
	}
	if op.y.dataType == DataTypeNotSet {
		op.y.dataType = op.x.dataType
	}
	return nil
}
