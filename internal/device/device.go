package device

import (
	"fmt"
	"strconv"
	"strings"
)

type Kind int

const (
	KindCPU Kind = iota
	KindCUDA
	KindMetal
)

func (k Kind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindCUDA:
		return "cuda"
	case KindMetal:
		return "metal"
	default:
		return "unknown"
	}
}

// Device identifies where a tensor lives. Ordinal is ignored for CPU.
type Device struct {
	Kind    Kind
	Ordinal int
}

func CPU() Device              { return Device{Kind: KindCPU} }
func CUDA(ordinal int) Device  { return Device{Kind: KindCUDA, Ordinal: ordinal} }
func Metal(ordinal int) Device { return Device{Kind: KindMetal, Ordinal: ordinal} }

func (d Device) String() string {
	if d.Kind == KindCPU {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Ordinal)
}

// Parse accepts "cpu", "cuda", "cuda:1", "metal" and "metal:0".
func Parse(s string) (Device, error) {
	name, ord, hasOrd := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	ordinal := 0
	if hasOrd {
		n, err := strconv.Atoi(ord)
		if err != nil || n < 0 {
			return Device{}, fmt.Errorf("invalid device ordinal %q", s)
		}
		ordinal = n
	}
	switch name {
	case "cpu":
		if hasOrd {
			return Device{}, fmt.Errorf("cpu device takes no ordinal: %q", s)
		}
		return CPU(), nil
	case "cuda", "gpu":
		return CUDA(ordinal), nil
	case "metal", "mps":
		return Metal(ordinal), nil
	default:
		return Device{}, fmt.Errorf("unknown device %q", s)
	}
}

type DType int

const (
	F32 DType = iota
	F16
	BF16
	U32
	U8
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	case U32:
		return "u32"
	case U8:
		return "u8"
	default:
		return "unknown"
	}
}

// Size returns the element width in bytes.
func (d DType) Size() int {
	switch d {
	case F16, BF16:
		return 2
	case U8:
		return 1
	default:
		return 4
	}
}

func (d DType) IsFloat() bool {
	return d == F32 || d == F16 || d == BF16
}

func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "float32":
		return F32, nil
	case "f16", "float16", "half":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	case "u32", "uint32":
		return U32, nil
	case "u8", "uint8":
		return U8, nil
	default:
		return 0, fmt.Errorf("unknown dtype %q", s)
	}
}
