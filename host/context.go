package host

import (
	"slices"

	"github.com/pkg/errors"
)

// KernelContext is what a compiled kernel sees when invoked by the host engine:
// the runtime inputs, and a way to materialize outputs of a requested shape.
type KernelContext interface {
	NumInputs() int
	NumOutputs() int

	// Input returns the i-th input tensor.
	Input(i int) (*Tensor, error)

	// Output materializes the i-th output with the given dimensions and returns it.
	// The returned tensor's Data is owned by the host engine.
	Output(i int, dims []int64) (*Tensor, error)
}

// AllocFn allocates size bytes of memory on some device. It returns nil if the allocation failed.
type AllocFn func(size int) []byte

// CallContext is a KernelContext over a fixed set of input tensors.
// Outputs are allocated with alloc on device, with the element types given at construction.
type CallContext struct {
	inputs      []*Tensor
	outputTypes []ElementType
	outputs     []*Tensor
	device      MemoryDevice
	alloc       AllocFn
}

var _ KernelContext = (*CallContext)(nil)

// NewCallContext creates a KernelContext. If alloc is nil outputs are allocated in host memory.
func NewCallContext(inputs []*Tensor, outputTypes []ElementType, device MemoryDevice, alloc AllocFn) *CallContext {
	if alloc == nil {
		alloc = func(size int) []byte { return make([]byte, size) }
		device = CPUDevice
	}
	return &CallContext{
		inputs:      inputs,
		outputTypes: slices.Clone(outputTypes),
		outputs:     make([]*Tensor, len(outputTypes)),
		device:      device,
		alloc:       alloc,
	}
}

// NumInputs implements KernelContext.
func (c *CallContext) NumInputs() int { return len(c.inputs) }

// NumOutputs implements KernelContext.
func (c *CallContext) NumOutputs() int { return len(c.outputTypes) }

// Input implements KernelContext.
func (c *CallContext) Input(i int) (*Tensor, error) {
	if i < 0 || i >= len(c.inputs) {
		return nil, errors.Errorf("input index %d out of range, there are %d inputs", i, len(c.inputs))
	}
	return c.inputs[i], nil
}

// Output implements KernelContext.
func (c *CallContext) Output(i int, dims []int64) (*Tensor, error) {
	if i < 0 || i >= len(c.outputTypes) {
		return nil, errors.Errorf("output index %d out of range, there are %d outputs", i, len(c.outputTypes))
	}
	elemType := c.outputTypes[i]
	size := NumElements(dims) * int64(elemType.Size())
	var data []byte
	if size > 0 {
		data = c.alloc(int(size))
		if data == nil {
			return nil, errors.Errorf("failed to allocate %d bytes for output #%d on %s", size, i, c.device)
		}
	}
	t := &Tensor{ElemType: elemType, Dims: slices.Clone(dims), Data: data, Device: c.device}
	c.outputs[i] = t
	return t, nil
}

// Outputs returns the outputs materialized so far. Outputs never requested are nil.
func (c *CallContext) Outputs() []*Tensor { return c.outputs }

// HardwareDevice is a physical device enumerated by the host engine.
type HardwareDevice struct {
	Type     DeviceType
	VendorID uint32
	Vendor   string
	DeviceID int
	Metadata map[string]string
}

// AllocatorType of a MemoryInfo.
type AllocatorType int

const (
	DeviceAllocatorType AllocatorType = iota
	ArenaAllocatorType
)

// MemoryInfo names an allocator and the memory device it allocates on.
type MemoryInfo struct {
	Name          string
	Device        MemoryDevice
	AllocatorType AllocatorType
	ReadOnly      bool
}
