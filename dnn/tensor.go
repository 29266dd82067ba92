package dnn

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// DataType of tensor elements and of operation compute precision.
type DataType int

const (
	DataTypeNotSet DataType = iota
	Float
	Half
)

// String implements fmt.Stringer.
func (dt DataType) String() string {
	switch dt {
	case DataTypeNotSet:
		return "NOT_SET"
	case Float:
		return "FLOAT"
	case Half:
		return "HALF"
	}
	return fmt.Sprintf("DataType(%d)", int(dt))
}

// Size in bytes of one element.
func (dt DataType) Size() int {
	switch dt {
	case Float:
		return 4
	case Half:
		return 2
	}
	return 0
}

// DType returns the corresponding GoMLX dtype.
func (dt DataType) DType() dtypes.DType {
	switch dt {
	case Float:
		return dtypes.Float32
	case Half:
		return dtypes.Float16
	}
	return dtypes.InvalidDType
}

// TensorAttributes describes one tensor of a Graph.
//
// The UID identifies the tensor when binding buffers in Graph.Execute, and must be set (non-zero) and unique
// within a graph. Virtual tensors are intermediate values that live only in the workspace; non-virtual tensors
// are bound to caller supplied buffers.
type TensorAttributes struct {
	uid       int64
	name      string
	dataType  DataType
	dims      []int64
	strides   []int64
	isVirtual bool

	// producer is the operation that outputs this tensor, if any.
	producer operation
}

// NewTensorAttributes creates an empty, non-virtual tensor description.
func NewTensorAttributes() *TensorAttributes {
	return &TensorAttributes{}
}

func (t *TensorAttributes) SetUID(uid int64) *TensorAttributes {
	t.uid = uid
	return t
}

func (t *TensorAttributes) UID() int64 { return t.uid }

func (t *TensorAttributes) SetName(name string) *TensorAttributes {
	t.name = name
	return t
}

func (t *TensorAttributes) Name() string { return t.name }

func (t *TensorAttributes) SetDataType(dataType DataType) *TensorAttributes {
	t.dataType = dataType
	return t
}

func (t *TensorAttributes) DataType() DataType { return t.dataType }

func (t *TensorAttributes) SetDims(dims []int64) *TensorAttributes {
	t.dims = slices.Clone(dims)
	return t
}

func (t *TensorAttributes) Dims() []int64 { return t.dims }

func (t *TensorAttributes) SetStrides(strides []int64) *TensorAttributes {
	t.strides = slices.Clone(strides)
	return t
}

func (t *TensorAttributes) Strides() []int64 { return t.strides }

func (t *TensorAttributes) SetIsVirtual(isVirtual bool) *TensorAttributes {
	t.isVirtual = isVirtual
	return t
}

func (t *TensorAttributes) IsVirtual() bool { return t.isVirtual }

// NumElements of the tensor.
func (t *TensorAttributes) NumElements() int64 {
	n := int64(1)
	for _, dim := range t.dims {
		n *= dim
	}
	return n
}

// SizeBytes of a buffer holding the tensor.
func (t *TensorAttributes) SizeBytes() int64 {
	return t.NumElements() * int64(t.dataType.Size())
}

// String implements fmt.Stringer.
func (t *TensorAttributes) String() string {
	virtual := ""
	if t.isVirtual {
		virtual = ", virtual"
	}
	return fmt.Sprintf("#%d %q (%s)%v%s", t.uid, t.name, t.dataType, t.dims, virtual)
}

// ComputeStrides returns the row-major (packed) strides for the given dimensions.
func ComputeStrides(dims []int64) []int64 {
	strides := make([]int64, len(dims))
	stride := int64(1)
	for ii := len(dims) - 1; ii >= 0; ii-- {
		strides[ii] = stride
		stride *= dims[ii]
	}
	return strides
}
