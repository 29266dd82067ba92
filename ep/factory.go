package ep

import (
	"strconv"
	"sync"

	"github.com/gomlx/dnn-ep/host"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Identity of the provider reported to the host.
const (
	DefaultName = "DnnEP"
	Vendor      = "GoMLX"
	Version     = "0.1.0"

	// VendorID of the devices the provider runs on, used in their MemoryDevice.
	VendorID uint32 = 0x474d
)

// SupportedDevice is a hardware device the provider can run on, with the metadata and the
// default provider options the host should use for it.
type SupportedDevice struct {
	Device   host.HardwareDevice
	Metadata map[string]string
	Options  map[string]string
}

// Factory describes the provider to the host and creates its providers, allocators and data transfer.
type Factory struct {
	name         string
	dataTransfer *DataTransfer

	mu            sync.Mutex
	allocator     *DeviceAllocator
	allocatorRefs int
}

// NewFactory creates the factory of providers with the given name. If name is empty DefaultName is used.
func NewFactory(name string) *Factory {
	if name == "" {
		name = DefaultName
	}
	return &Factory{name: name, dataTransfer: NewDataTransfer()}
}

func (f *Factory) Name() string { return f.name }

func (f *Factory) Vendor() string { return Vendor }

func (f *Factory) VendorID() uint32 { return VendorID }

func (f *Factory) Version() string { return Version }

// SupportedDevices selects the devices the provider runs on: all GPUs if there are any,
// otherwise the CPUs, where the dnn engines run on the host.
func (f *Factory) SupportedDevices(devices []host.HardwareDevice) []SupportedDevice {
	selected := f.supportedDevicesOfType(devices, host.DeviceGPU)
	if len(selected) == 0 {
		selected = f.supportedDevicesOfType(devices, host.DeviceCPU)
		if len(selected) > 0 {
			klog.V(1).Infof("%s: no GPU found, running on %d CPU device(s)", f.name, len(selected))
		}
	}
	return selected
}

func (f *Factory) supportedDevicesOfType(devices []host.HardwareDevice, deviceType host.DeviceType) []SupportedDevice {
	var selected []SupportedDevice
	for _, device := range devices {
		if device.Type != deviceType {
			continue
		}
		selected = append(selected, SupportedDevice{
			Device:   device,
			Metadata: map[string]string{"backend": "dnn"},
			Options:  map[string]string{OptionDeviceID: strconv.Itoa(device.DeviceID)},
		})
	}
	return selected
}

// providerDevice is the memory device of the provider on the given device id.
func providerDevice(deviceID int) host.MemoryDevice {
	return host.MemoryDevice{Type: host.DeviceGPU, MemType: host.MemDefault, VendorID: VendorID, DeviceID: deviceID}
}

// DefaultMemoryInfo describes the device memory used for inputs, outputs and intermediates.
func (f *Factory) DefaultMemoryInfo(deviceID int) host.MemoryInfo {
	return host.MemoryInfo{
		Name:          f.name + "_GPU",
		Device:        providerDevice(deviceID),
		AllocatorType: host.DeviceAllocatorType,
	}
}

// ReadOnlyMemoryInfo describes the device memory used for initializers.
func (f *Factory) ReadOnlyMemoryInfo(deviceID int) host.MemoryInfo {
	info := f.DefaultMemoryInfo(deviceID)
	info.Name = f.name + "_GPU_ReadOnly"
	info.ReadOnly = true
	return info
}

// CreateAllocator returns the allocator of the provider device memory. It is shared by all callers:
// each call must be matched by a ReleaseAllocator.
//
// The only option used is OptionMemoryLimit, and only when the shared allocator is first created.
func (f *Factory) CreateAllocator(info host.MemoryInfo, options map[string]string) (*DeviceAllocator, error) {
	if info.Device.Type != host.DeviceGPU || info.Device.VendorID != VendorID {
		return nil, errors.Errorf("%s: can't create allocator for memory %q on %s", f.name, info.Name, info.Device)
	}
	limit, err := parseMemoryLimit(options[OptionMemoryLimit])
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: invalid allocator option %s", f.name, OptionMemoryLimit)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allocator == nil {
		f.allocator = NewDeviceAllocator(f.DefaultMemoryInfo(info.Device.DeviceID), limit)
	}
	f.allocatorRefs++
	return f.allocator, nil
}

// ReleaseAllocator releases a reference to the shared allocator. The allocator is dropped with the last reference.
func (f *Factory) ReleaseAllocator(allocator *DeviceAllocator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if allocator == nil || allocator != f.allocator {
		return
	}
	f.allocatorRefs--
	if f.allocatorRefs <= 0 {
		klog.V(1).Infof("%s: allocator released: %s", f.name, f.allocator.Stats())
		f.allocator = nil
		f.allocatorRefs = 0
	}
}

// DataTransfer returns the data transfer between host and device memory.
func (f *Factory) DataTransfer() *DataTransfer { return f.dataTransfer }

// CreateProvider parses options (see ParseConfig) and creates a provider.
func (f *Factory) CreateProvider(options map[string]string) (*Provider, error) {
	config, err := ParseConfig(options)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: failed to create provider", f.name)
	}
	return NewProvider(f.name, config)
}

// ReleaseProvider closes a provider created by CreateProvider.
func (f *Factory) ReleaseProvider(p *Provider) {
	if p != nil {
		p.Close()
	}
}
