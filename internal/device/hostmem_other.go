//go:build !linux && !darwin

package device

func platformHostMemory() HostMemory {
	return nil
}

func platformUnifiedMemory() HostMemory {
	return nil
}
