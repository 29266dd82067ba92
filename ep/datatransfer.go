package ep

import (
	"github.com/gomlx/dnn-ep/host"
	"github.com/pkg/errors"
)

// CopyKind is the direction of a tensor copy.
type CopyKind int

const (
	HostToDevice CopyKind = iota
	DeviceToHost
	DeviceToDevice
	HostToHost
)

// String implements fmt.Stringer.
func (k CopyKind) String() string {
	switch k {
	case HostToDevice:
		return "HostToDevice"
	case DeviceToHost:
		return "DeviceToHost"
	case DeviceToDevice:
		return "DeviceToDevice"
	case HostToHost:
		return "HostToHost"
	}
	return "Unknown"
}

// DataTransfer copies tensors between host memory and the memory of the provider devices.
type DataTransfer struct{}

// NewDataTransfer creates a DataTransfer for the devices of this provider.
func NewDataTransfer() *DataTransfer {
	return &DataTransfer{}
}

func isProviderDevice(d host.MemoryDevice) bool {
	return d.Type == host.DeviceGPU && d.VendorID == VendorID && d.MemType == host.MemDefault
}

// copyKind returns the direction of a copy from src to dst, or false if it is not supported.
func copyKind(src, dst host.MemoryDevice) (CopyKind, bool) {
	switch {
	case src.Type == host.DeviceCPU && isProviderDevice(dst):
		return HostToDevice, true
	case isProviderDevice(src) && dst.Type == host.DeviceCPU:
		return DeviceToHost, true
	case isProviderDevice(src) && isProviderDevice(dst) && src.DeviceID == dst.DeviceID:
		return DeviceToDevice, true
	}
	return 0, false
}

// CanCopy returns whether tensors can be copied from src to dst, when one of them is a provider device.
// Host to host copies are not claimed, but CopyTensors still does them.
func (dt *DataTransfer) CanCopy(src, dst host.MemoryDevice) bool {
	_, ok := copyKind(src, dst)
	return ok
}

// copyElementSize is the element size of the types that can be copied.
func copyElementSize(elemType host.ElementType) (int, error) {
	switch elemType {
	case host.Float, host.Int32:
		return 4, nil
	case host.Float16, host.BFloat16:
		return 2, nil
	case host.Double, host.Int64:
		return 8, nil
	}
	return 0, errors.Errorf("element type %s can't be copied", elemType)
}

// CopyTensors copies each src[i] to dst[i]. Tensors must have the same element type and number of elements,
// and dst buffers must be already allocated.
func (dt *DataTransfer) CopyTensors(src, dst []*host.Tensor) error {
	if len(src) != len(dst) {
		return errors.Errorf("CopyTensors: %d source tensors but %d destination tensors", len(src), len(dst))
	}
	for ii := range src {
		if err := dt.copyTensor(src[ii], dst[ii]); err != nil {
			return errors.WithMessagef(err, "CopyTensors: tensor #%d", ii)
		}
	}
	return nil
}

func (dt *DataTransfer) copyTensor(src, dst *host.Tensor) error {
	kind, ok := copyKind(src.Device, dst.Device)
	if !ok && src.Device.IsHost() && dst.Device.IsHost() {
		kind, ok = HostToHost, true
	}
	if !ok {
		return errors.Errorf("copy from %s to %s not supported", src.Device, dst.Device)
	}
	if src.ElemType != dst.ElemType {
		return errors.Errorf("%s: source is %s but destination is %s", kind, src.ElemType, dst.ElemType)
	}
	elemSize, err := copyElementSize(src.ElemType)
	if err != nil {
		return err
	}
	numElements := src.NumElements()
	if numElements != dst.NumElements() {
		return errors.Errorf("%s: source has %d elements but destination has %d", kind, numElements, dst.NumElements())
	}
	numBytes := numElements * int64(elemSize)
	if int64(len(src.Data)) < numBytes || int64(len(dst.Data)) < numBytes {
		return errors.Errorf("%s: %d bytes to copy, but buffers have %d (source) and %d (destination) bytes",
			kind, numBytes, len(src.Data), len(dst.Data))
	}
	copy(dst.Data[:numBytes], src.Data[:numBytes])
	return nil
}
