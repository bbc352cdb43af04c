package xlora

import (
	"slices"
	"strings"

	"github.com/23skdu/longbow-xlora/internal/lora"
	"github.com/23skdu/longbow-xlora/internal/metrics"
)

// VerifySanityAdapters checks that every layer path in the ordering ends
// with one of the supported layer suffixes. Paths are visited in sorted
// order so the reported violation is stable.
func VerifySanityAdapters(ordering *lora.Ordering, supportedLayers []string) error {
	if ordering == nil {
		return nil
	}
	for _, path := range ordering.Paths() {
		if !hasSupportedSuffix(path, supportedLayers) {
			metrics.RecordValidationError("verify_adapters", "configuration")
			return &ConfigurationError{Path: path, Supported: slices.Clone(supportedLayers)}
		}
	}
	return nil
}

func hasSupportedSuffix(path string, supported []string) bool {
	for _, suffix := range supported {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}
