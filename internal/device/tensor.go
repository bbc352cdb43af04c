package device

import (
	"fmt"
	"math"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Tensor is a dense host-side array. data holds []float32 for F32,
// []uint16 half bits for F16/BF16, []uint32 for U32 and []uint8 for U8.
type Tensor struct {
	data   interface{}
	dims   []int
	dtype  DType
	device Device
}

func elements(dims []int) (int, error) {
	n := 1
	for _, d := range dims {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension in shape %v", dims)
		}
		n *= d
	}
	return n, nil
}

func alloc(dtype DType, n int) interface{} {
	switch dtype {
	case F32:
		return make([]float32, n)
	case F16, BF16:
		return make([]uint16, n)
	case U32:
		return make([]uint32, n)
	default:
		return make([]uint8, n)
	}
}

// Zeros allocates a zero-filled tensor.
func Zeros(dims []int, dtype DType, dev Device) (*Tensor, error) {
	n, err := elements(dims)
	if err != nil {
		return nil, err
	}
	return &Tensor{data: alloc(dtype, n), dims: slices.Clone(dims), dtype: dtype, device: dev}, nil
}

// Full allocates a tensor with every element set to value, rounded to dtype.
func Full(value float64, dims []int, dtype DType, dev Device) (*Tensor, error) {
	t, err := Zeros(dims, dtype, dev)
	if err != nil {
		return nil, err
	}
	switch d := t.data.(type) {
	case []float32:
		fill(d, float32(value))
	case []uint16:
		if dtype == F16 {
			fill(d, float16.Fromfloat32(float32(value)).Bits())
		} else {
			fill(d, uint16(bfloat16.FromFloat32(float32(value))))
		}
	case []uint32:
		if value < 0 {
			return nil, fmt.Errorf("cannot fill %s tensor with %v", dtype, value)
		}
		fill(d, uint32(value))
	case []uint8:
		if value < 0 || value > math.MaxUint8 {
			return nil, fmt.Errorf("cannot fill %s tensor with %v", dtype, value)
		}
		fill(d, uint8(value))
	}
	return t, nil
}

func fill[T any](s []T, v T) {
	for i := range s {
		s[i] = v
	}
}

// FromFloat32 wraps data (not copied) as an F32 tensor.
func FromFloat32(data []float32, dims ...int) (*Tensor, error) {
	n, err := elements(dims)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("shape %v needs %d elements, got %d", dims, n, len(data))
	}
	return &Tensor{data: data, dims: slices.Clone(dims), dtype: F32, device: CPU()}, nil
}

// FromUint32 wraps data (not copied) as a U32 tensor.
func FromUint32(data []uint32, dims ...int) (*Tensor, error) {
	n, err := elements(dims)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("shape %v needs %d elements, got %d", dims, n, len(data))
	}
	return &Tensor{data: data, dims: slices.Clone(dims), dtype: U32, device: CPU()}, nil
}

// FromIDs builds a (batch, seq_len) U32 token tensor. Rows must share a length.
func FromIDs(rows [][]int32) (*Tensor, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows")
	}
	seqLen := len(rows[0])
	data := make([]uint32, 0, len(rows)*seqLen)
	for i, row := range rows {
		if len(row) != seqLen {
			return nil, fmt.Errorf("row %d has %d tokens, expected %d", i, len(row), seqLen)
		}
		for _, id := range row {
			if id < 0 {
				return nil, fmt.Errorf("negative token id %d in row %d", id, i)
			}
			data = append(data, uint32(id))
		}
	}
	return &Tensor{data: data, dims: []int{len(rows), seqLen}, dtype: U32, device: CPU()}, nil
}

// Placeholder returns the zero-length tensor used to blank a KV slot.
func Placeholder() *Tensor {
	return &Tensor{data: []uint8{}, dims: []int{0}, dtype: U8, device: CPU()}
}

func (t *Tensor) IsPlaceholder() bool {
	return t != nil && t.dtype == U8 && len(t.dims) == 1 && t.dims[0] == 0
}

func (t *Tensor) Dims() []int    { return slices.Clone(t.dims) }
func (t *Tensor) Rank() int      { return len(t.dims) }
func (t *Tensor) DType() DType   { return t.dtype }
func (t *Tensor) Device() Device { return t.device }

func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.dims)
	}
	return t.dims[i]
}

func (t *Tensor) Elements() int {
	n, _ := elements(t.dims)
	return n
}

func (t *Tensor) SizeBytes() int64 {
	return int64(t.Elements() * t.dtype.Size())
}

// Dims2 returns the two dimensions of a rank-2 tensor.
func (t *Tensor) Dims2() (int, int, error) {
	if len(t.dims) != 2 {
		return 0, 0, fmt.Errorf("expected rank 2, got shape %v", t.dims)
	}
	return t.dims[0], t.dims[1], nil
}

// To relabels the tensor's device. Storage stays on the host.
func (t *Tensor) To(dev Device) *Tensor {
	c := t.Clone()
	c.device = dev
	return c
}

// Float32s decodes the tensor into a fresh []float32.
func (t *Tensor) Float32s() []float32 {
	switch d := t.data.(type) {
	case []float32:
		return slices.Clone(d)
	case []uint16:
		out := make([]float32, len(d))
		for i, v := range d {
			if t.dtype == F16 {
				out[i] = float16.Frombits(v).Float32()
			} else {
				out[i] = bfloat16.ToFloat32(bfloat16.BF16(v))
			}
		}
		return out
	case []uint32:
		out := make([]float32, len(d))
		for i, v := range d {
			out[i] = float32(v)
		}
		return out
	case []uint8:
		out := make([]float32, len(d))
		for i, v := range d {
			out[i] = float32(v)
		}
		return out
	}
	return nil
}

// Uint32s returns a copy of U32 storage, or nil for other dtypes.
func (t *Tensor) Uint32s() []uint32 {
	if d, ok := t.data.([]uint32); ok {
		return slices.Clone(d)
	}
	return nil
}

func (t *Tensor) Clone() *Tensor {
	c := &Tensor{dims: slices.Clone(t.dims), dtype: t.dtype, device: t.device}
	switch d := t.data.(type) {
	case []float32:
		c.data = slices.Clone(d)
	case []uint16:
		c.data = slices.Clone(d)
	case []uint32:
		c.data = slices.Clone(d)
	case []uint8:
		c.data = slices.Clone(d)
	}
	return c
}

// BitEqual reports whether both tensors have the same dtype, shape and bits.
func (t *Tensor) BitEqual(o *Tensor) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.dtype != o.dtype || !slices.Equal(t.dims, o.dims) {
		return false
	}
	switch a := t.data.(type) {
	case []float32:
		b := o.data.([]float32)
		for i := range a {
			if math.Float32bits(a[i]) != math.Float32bits(b[i]) {
				return false
			}
		}
		return true
	case []uint16:
		return slices.Equal(a, o.data.([]uint16))
	case []uint32:
		return slices.Equal(a, o.data.([]uint32))
	case []uint8:
		return slices.Equal(a, o.data.([]uint8))
	}
	return false
}

// IsFilledWith reports whether every element decodes to value after rounding to dtype.
func (t *Tensor) IsFilledWith(value float64) bool {
	ref, err := Full(value, t.dims, t.dtype, t.device)
	if err != nil {
		return false
	}
	return t.BitEqual(ref)
}

// Reshape returns a copy with new dims covering the same element count.
func (t *Tensor) Reshape(dims ...int) (*Tensor, error) {
	n, err := elements(dims)
	if err != nil {
		return nil, err
	}
	if n != t.Elements() {
		return nil, fmt.Errorf("cannot reshape %v into %v", t.dims, dims)
	}
	c := t.Clone()
	c.dims = slices.Clone(dims)
	return c, nil
}

// Cat concatenates a and b along axis. All other dims and dtypes must match.
func Cat(a, b *Tensor, axis int) (*Tensor, error) {
	if a.dtype != b.dtype {
		return nil, fmt.Errorf("cat dtype mismatch: %s vs %s", a.dtype, b.dtype)
	}
	if a.Rank() != b.Rank() || axis < 0 || axis >= a.Rank() {
		return nil, fmt.Errorf("cat shape mismatch: %v vs %v on axis %d", a.dims, b.dims, axis)
	}
	for i := range a.dims {
		if i != axis && a.dims[i] != b.dims[i] {
			return nil, fmt.Errorf("cat shape mismatch: %v vs %v on axis %d", a.dims, b.dims, axis)
		}
	}
	outer := 1
	for _, d := range a.dims[:axis] {
		outer *= d
	}
	inner := 1
	for _, d := range a.dims[axis+1:] {
		inner *= d
	}
	dims := slices.Clone(a.dims)
	dims[axis] = a.dims[axis] + b.dims[axis]
	out := &Tensor{dims: dims, dtype: a.dtype, device: a.device}
	sa, sb := a.dims[axis]*inner, b.dims[axis]*inner
	switch da := a.data.(type) {
	case []float32:
		out.data = interleave(da, b.data.([]float32), outer, sa, sb)
	case []uint16:
		out.data = interleave(da, b.data.([]uint16), outer, sa, sb)
	case []uint32:
		out.data = interleave(da, b.data.([]uint32), outer, sa, sb)
	case []uint8:
		out.data = interleave(da, b.data.([]uint8), outer, sa, sb)
	}
	return out, nil
}

func interleave[T any](a, b []T, outer, sa, sb int) []T {
	out := make([]T, 0, len(a)+len(b))
	for o := 0; o < outer; o++ {
		out = append(out, a[o*sa:(o+1)*sa]...)
		out = append(out, b[o*sb:(o+1)*sb]...)
	}
	return out
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor[%v, %s, %s]", t.dims, t.dtype, t.device)
}
