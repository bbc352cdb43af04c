//go:build linux && cuda

package device

/*
#cgo LDFLAGS: -lcuda
#include <cuda.h>
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"
)

type cudaDriverAPI struct {
	once    sync.Once
	initErr error
}

func defaultCUDADriver() CUDADriver {
	return &cudaDriverAPI{}
}

func cudaResult(op string, r C.CUresult) error {
	if r == C.CUDA_SUCCESS {
		return nil
	}
	return fmt.Errorf("%s failed with CUresult %d", op, int(r))
}

func (d *cudaDriverAPI) init() error {
	d.once.Do(func() {
		d.initErr = cudaResult("cuInit", C.cuInit(0))
	})
	return d.initErr
}

func (d *cudaDriverAPI) CurrentContext() (CUDAContext, error) {
	if err := d.init(); err != nil {
		return 0, err
	}
	var ctx C.CUcontext
	if err := cudaResult("cuCtxGetCurrent", C.cuCtxGetCurrent(&ctx)); err != nil {
		return 0, err
	}
	return CUDAContext(uintptr(unsafe.Pointer(ctx))), nil
}

func (d *cudaDriverAPI) RetainPrimaryContext(ordinal int) (CUDAContext, error) {
	if err := d.init(); err != nil {
		return 0, err
	}
	var dev C.CUdevice
	if err := cudaResult("cuDeviceGet", C.cuDeviceGet(&dev, C.int(ordinal))); err != nil {
		return 0, err
	}
	var ctx C.CUcontext
	if err := cudaResult("cuDevicePrimaryCtxRetain", C.cuDevicePrimaryCtxRetain(&ctx, dev)); err != nil {
		return 0, err
	}
	return CUDAContext(uintptr(unsafe.Pointer(ctx))), nil
}

func (d *cudaDriverAPI) SetCurrentContext(ctx CUDAContext) error {
	return cudaResult("cuCtxSetCurrent", C.cuCtxSetCurrent(C.CUcontext(unsafe.Pointer(uintptr(ctx)))))
}

func (d *cudaDriverAPI) MemGetInfo() (uint64, uint64, error) {
	var free, total C.size_t
	if err := cudaResult("cuMemGetInfo", C.cuMemGetInfo_v2(&free, &total)); err != nil {
		return 0, 0, err
	}
	return uint64(free), uint64(total), nil
}

func (d *cudaDriverAPI) ReleasePrimaryContext(ordinal int) error {
	var dev C.CUdevice
	if err := cudaResult("cuDeviceGet", C.cuDeviceGet(&dev, C.int(ordinal))); err != nil {
		return err
	}
	return cudaResult("cuDevicePrimaryCtxRelease", C.cuDevicePrimaryCtxRelease_v2(dev))
}
