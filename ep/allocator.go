package ep

import (
	"fmt"
	"strconv"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/dnn-ep/host"
	"k8s.io/klog/v2"
)

// AllocatorStats are the usage counters of a DeviceAllocator.
type AllocatorStats struct {
	NumAllocs           int64
	BytesInUse          int64
	TotalAllocatedBytes int64
	MaxBytesInUse       int64
	MaxAllocSize        int64
}

// String implements fmt.Stringer.
func (s AllocatorStats) String() string {
	return fmt.Sprintf("%d allocations, %s in use (max %s), %s allocated in total, largest allocation %s",
		s.NumAllocs, humanize.IBytes(uint64(s.BytesInUse)), humanize.IBytes(uint64(s.MaxBytesInUse)),
		humanize.IBytes(uint64(s.TotalAllocatedBytes)), humanize.IBytes(uint64(s.MaxAllocSize)))
}

// DeviceAllocator allocates buffers on the provider device and keeps usage statistics.
// It is safe for concurrent use.
type DeviceAllocator struct {
	info  host.MemoryInfo
	limit uint64

	mu    sync.Mutex
	sizes map[*byte]int64
	stats AllocatorStats
}

// NewDeviceAllocator creates an allocator for the memory described by info.
// If limit > 0, allocations that would take the bytes in use above limit fail.
func NewDeviceAllocator(info host.MemoryInfo, limit uint64) *DeviceAllocator {
	return &DeviceAllocator{
		info:  info,
		limit: limit,
		sizes: make(map[*byte]int64),
	}
}

// Info returns the memory info the allocator was created for.
func (a *DeviceAllocator) Info() host.MemoryInfo { return a.info }

// Alloc returns a buffer of size bytes, or nil if size is not positive or the memory is exhausted.
func (a *DeviceAllocator) Alloc(size int) []byte {
	if size <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limit > 0 && uint64(a.stats.BytesInUse)+uint64(size) > a.limit {
		klog.Warningf("DeviceAllocator %q: out of memory allocating %s, %s in use with a limit of %s",
			a.info.Name, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(a.stats.BytesInUse)), humanize.IBytes(a.limit))
		return nil
	}
	buf := make([]byte, size)
	a.sizes[unsafe.SliceData(buf)] = int64(size)
	a.stats.NumAllocs++
	a.stats.BytesInUse += int64(size)
	a.stats.TotalAllocatedBytes += int64(size)
	a.stats.MaxBytesInUse = max(a.stats.MaxBytesInUse, a.stats.BytesInUse)
	a.stats.MaxAllocSize = max(a.stats.MaxAllocSize, int64(size))
	return buf
}

// Reserve is the same as Alloc: there is no arena to bypass.
func (a *DeviceAllocator) Reserve(size int) []byte { return a.Alloc(size) }

// Free returns a buffer obtained from Alloc. Unknown or nil buffers are ignored.
func (a *DeviceAllocator) Free(buf []byte) {
	if len(buf) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ptr := unsafe.SliceData(buf)
	size, found := a.sizes[ptr]
	if !found {
		return
	}
	delete(a.sizes, ptr)
	a.stats.BytesInUse -= size
}

// Stats returns a snapshot of the usage counters.
func (a *DeviceAllocator) Stats() AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// KeyValuePairs returns the statistics keyed the way the host reports allocator stats.
// It is empty if nothing was ever allocated.
func (a *DeviceAllocator) KeyValuePairs() map[string]string {
	stats := a.Stats()
	if stats.NumAllocs == 0 {
		return map[string]string{}
	}
	return map[string]string{
		"InUse":          strconv.FormatInt(stats.BytesInUse, 10),
		"TotalAllocated": strconv.FormatInt(stats.TotalAllocatedBytes, 10),
		"MaxInUse":       strconv.FormatInt(stats.MaxBytesInUse, 10),
		"NumAllocs":      strconv.FormatInt(stats.NumAllocs, 10),
		"MaxAllocSize":   strconv.FormatInt(stats.MaxAllocSize, 10),
	}
}
