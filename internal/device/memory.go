package device

import (
	"sync"

	"github.com/23skdu/longbow-xlora/internal/metrics"
)

// HostMemory reports system RAM. On unified-memory devices it also
// backs the accelerator.
type HostMemory interface {
	Available() (uint64, error)
	Total() (uint64, error)
}

// MemoryUsage answers free/total byte queries per device. It is used by
// session admission; the scaling core never calls it.
type MemoryUsage struct {
	host    HostMemory
	unified HostMemory
	cuda    CUDADriver

	// serializes CUDA context switches
	mu sync.Mutex
}

// NewMemoryUsage wires the platform implementations for this build.
func NewMemoryUsage() *MemoryUsage {
	return &MemoryUsage{
		host:    platformHostMemory(),
		unified: platformUnifiedMemory(),
		cuda:    defaultCUDADriver(),
	}
}

// NewMemoryUsageWith wires explicit collaborators. Any of them may be nil,
// in which case the matching device kind is unsupported.
func NewMemoryUsageWith(host, unified HostMemory, cuda CUDADriver) *MemoryUsage {
	return &MemoryUsage{host: host, unified: unified, cuda: cuda}
}

// AvailableBytes returns the amount of free memory on dev.
func (m *MemoryUsage) AvailableBytes(dev Device) (uint64, error) {
	var (
		n   uint64
		err error
	)
	switch dev.Kind {
	case KindCPU:
		if m.host == nil {
			return 0, &UnsupportedDeviceError{Op: "available memory", Device: dev}
		}
		n, err = m.host.Available()
	case KindCUDA:
		if m.cuda == nil {
			return 0, &UnsupportedDeviceError{Op: "available memory", Device: dev}
		}
		m.mu.Lock()
		n, _, err = cudaMemInfo(m.cuda, dev.Ordinal)
		m.mu.Unlock()
	case KindMetal:
		if m.unified == nil {
			return 0, &UnsupportedDeviceError{Op: "available memory", Device: dev}
		}
		n, err = m.unified.Available()
	default:
		return 0, &UnsupportedDeviceError{Op: "available memory", Device: dev}
	}
	if err != nil {
		return 0, err
	}
	metrics.RecordDeviceMemoryAvailable(dev.String(), n)
	return n, nil
}

// TotalBytes returns the total memory of dev.
func (m *MemoryUsage) TotalBytes(dev Device) (uint64, error) {
	var (
		n   uint64
		err error
	)
	switch dev.Kind {
	case KindCPU:
		if m.host == nil {
			return 0, &UnsupportedDeviceError{Op: "total memory", Device: dev}
		}
		n, err = m.host.Total()
	case KindCUDA:
		if m.cuda == nil {
			return 0, &UnsupportedDeviceError{Op: "total memory", Device: dev}
		}
		m.mu.Lock()
		_, n, err = cudaMemInfo(m.cuda, dev.Ordinal)
		m.mu.Unlock()
	case KindMetal:
		if m.unified == nil {
			return 0, &UnsupportedDeviceError{Op: "total memory", Device: dev}
		}
		n, err = m.unified.Total()
	default:
		return 0, &UnsupportedDeviceError{Op: "total memory", Device: dev}
	}
	if err != nil {
		return 0, err
	}
	metrics.RecordDeviceMemoryTotal(dev.String(), n)
	return n, nil
}
