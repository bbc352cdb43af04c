// Package simd holds vectorised reductions used on the scalings hot path.
package simd

import "math"

var softmaxImpl = softmaxGeneric

// Softmax normalises x in place. An empty slice is left unchanged.
func Softmax(x []float64) {
	if len(x) == 0 {
		return
	}
	softmaxImpl(x)
}

// SoftmaxTemperature normalises x / temperature in place.
func SoftmaxTemperature(x []float64, temperature float64) {
	if temperature != 1 {
		inv := 1 / temperature
		for i := range x {
			x[i] *= inv
		}
	}
	Softmax(x)
}

func softmaxGeneric(x []float64) {
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}

	sum := 0.0
	for i := range x {
		x[i] = math.Exp(x[i] - max)
		sum += x[i]
	}

	for i := range x {
		x[i] /= sum
	}
}
