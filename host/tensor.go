package host

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DeviceType of a memory device or hardware device.
type DeviceType int

const (
	DeviceCPU DeviceType = iota
	DeviceGPU
	DeviceNPU
)

// String implements fmt.Stringer.
func (t DeviceType) String() string {
	switch t {
	case DeviceCPU:
		return "CPU"
	case DeviceGPU:
		return "GPU"
	case DeviceNPU:
		return "NPU"
	}
	return fmt.Sprintf("DeviceType(%d)", int(t))
}

// MemType distinguishes device memory proper from device memory accessible by the host.
type MemType int

const (
	MemDefault MemType = iota
	MemHostAccessible
)

// MemoryDevice identifies where a tensor's memory lives.
type MemoryDevice struct {
	Type     DeviceType
	MemType  MemType
	VendorID uint32
	DeviceID int
}

// CPUDevice is the memory device of host memory.
var CPUDevice = MemoryDevice{Type: DeviceCPU}

// String implements fmt.Stringer.
func (d MemoryDevice) String() string {
	if d.Type == DeviceCPU {
		return "CPU"
	}
	s := fmt.Sprintf("%s:%d", d.Type, d.DeviceID)
	if d.MemType == MemHostAccessible {
		s += "(host-accessible)"
	}
	return s
}

// IsHost returns whether the memory is addressable by the host as regular memory.
func (d MemoryDevice) IsHost() bool {
	return d.Type == DeviceCPU
}

// Tensor is a dense row-major tensor. Data holds exactly NumElements*ElemType.Size() bytes.
type Tensor struct {
	ElemType ElementType
	Dims     []int64
	Data     []byte
	Device   MemoryDevice
}

// NumElements returns the number of elements of a tensor with the given dimensions.
func NumElements(dims []int64) int64 {
	n := int64(1)
	for _, dim := range dims {
		n *= dim
	}
	return n
}

// NewTensor allocates a zero-initialized tensor in host memory.
func NewTensor(elemType ElementType, dims ...int64) *Tensor {
	return &Tensor{
		ElemType: elemType,
		Dims:     slices.Clone(dims),
		Data:     make([]byte, NumElements(dims)*int64(elemType.Size())),
		Device:   CPUDevice,
	}
}

// NumElements of the tensor.
func (t *Tensor) NumElements() int64 {
	return NumElements(t.Dims)
}

// SizeBytes is the expected size of Data.
func (t *Tensor) SizeBytes() int64 {
	return t.NumElements() * int64(t.ElemType.Size())
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("(%s)%v@%s", t.ElemType, t.Dims, t.Device)
}

// FromFloat32 creates a host tensor of the given element type (FLOAT or FLOAT16) with the values.
// It panics if the number of values doesn't match the dimensions or the element type is not supported.
func FromFloat32(elemType ElementType, dims []int64, values []float32) *Tensor {
	t := NewTensor(elemType, dims...)
	if int64(len(values)) != t.NumElements() {
		panic(errors.Errorf("%d values given for tensor with dimensions %v", len(values), dims))
	}
	if err := t.SetFloat32s(values); err != nil {
		panic(err)
	}
	return t
}

// SetFloat32s stores the values in t, converting to the tensor element type (FLOAT or FLOAT16).
func (t *Tensor) SetFloat32s(values []float32) error {
	switch t.ElemType {
	case Float:
		for ii, v := range values {
			binary.LittleEndian.PutUint32(t.Data[4*ii:], math.Float32bits(v))
		}
	case Float16:
		for ii, v := range values {
			binary.LittleEndian.PutUint16(t.Data[2*ii:], float16.Fromfloat32(v).Bits())
		}
	default:
		return errors.Errorf("cannot store float32 values in tensor of type %s", t.ElemType)
	}
	return nil
}

// Float32s returns the tensor values converted to float32. Only FLOAT and FLOAT16 host tensors are supported.
func (t *Tensor) Float32s() ([]float32, error) {
	if !t.Device.IsHost() {
		return nil, errors.Errorf("tensor %s is not in host memory", t)
	}
	n := t.NumElements()
	if int64(len(t.Data)) < n*int64(t.ElemType.Size()) {
		return nil, errors.Errorf("tensor %s has %d bytes of data, expected %d", t, len(t.Data), t.SizeBytes())
	}
	values := make([]float32, n)
	switch t.ElemType {
	case Float:
		for ii := range values {
			values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*ii:]))
		}
	case Float16:
		for ii := range values {
			values[ii] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[2*ii:])).Float32()
		}
	default:
		return nil, errors.Errorf("cannot read tensor of type %s as float32", t.ElemType)
	}
	return values, nil
}
