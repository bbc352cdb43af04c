package device

// CUDAContext is an opaque driver context handle.
type CUDAContext uintptr

// CUDADriver is the slice of the CUDA driver API needed for memory queries.
type CUDADriver interface {
	CurrentContext() (CUDAContext, error)
	RetainPrimaryContext(ordinal int) (CUDAContext, error)
	SetCurrentContext(ctx CUDAContext) error
	MemGetInfo() (free, total uint64, err error)
	ReleasePrimaryContext(ordinal int) error
}

// cudaMemInfo queries free/total bytes of a GPU through its primary
// context. The caller's current context is restored on every path.
func cudaMemInfo(drv CUDADriver, ordinal int) (free, total uint64, err error) {
	orig, err := drv.CurrentContext()
	if err != nil {
		return 0, 0, &PlatformQueryError{Op: "cuCtxGetCurrent", Err: err}
	}

	// primary context initialization, can fail with OOM
	primary, err := drv.RetainPrimaryContext(ordinal)
	if err != nil {
		return 0, 0, &PlatformQueryError{Op: "cuDevicePrimaryCtxRetain", Err: err}
	}
	defer func() {
		if rerr := drv.SetCurrentContext(orig); rerr != nil && err == nil {
			free, total = 0, 0
			err = &PlatformQueryError{Op: "restore cuda context", Err: rerr}
		}
	}()
	defer func() {
		if rerr := drv.ReleasePrimaryContext(ordinal); rerr != nil && err == nil {
			free, total = 0, 0
			err = &PlatformQueryError{Op: "cuDevicePrimaryCtxRelease", Err: rerr}
		}
	}()

	if err = drv.SetCurrentContext(primary); err != nil {
		return 0, 0, &PlatformQueryError{Op: "cuCtxSetCurrent", Err: err}
	}
	free, total, err = drv.MemGetInfo()
	if err != nil {
		return 0, 0, &PlatformQueryError{Op: "cuMemGetInfo", Err: err}
	}
	return free, total, nil
}
