//go:build !(linux && cuda)

package device

func defaultCUDADriver() CUDADriver {
	return nil
}
