package xlora

import (
	"fmt"
	"strings"
)

// ConfigurationError reports an adapter ordering that references a layer
// the architecture does not expose.
type ConfigurationError struct {
	Path      string
	Supported []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("got a layer name %q in the ordering, expected it to end with one of [%s]",
		e.Path, strings.Join(e.Supported, ", "))
}

// ShapeError reports a tensor whose dimensionality does not match what an
// operation requires.
type ShapeError struct {
	Op     string
	Tensor string
	Dims   []int
	Want   string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %s has shape %v, expected %s", e.Op, e.Tensor, e.Dims, e.Want)
}
