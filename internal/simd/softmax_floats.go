//go:build (amd64 || arm64) && !noasm

package simd

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

func init() {
	softmaxImpl = softmaxFloats
}

// softmaxFloats does the reductions and the final scale through gonum's
// assembly kernels.
func softmaxFloats(x []float64) {
	max := floats.Max(x)
	for i, v := range x {
		x[i] = math.Exp(v - max)
	}
	floats.Scale(1/floats.Sum(x), x)
}
