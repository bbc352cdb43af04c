package xlora

import (
	"time"

	"github.com/23skdu/longbow-xlora/internal/device"
	"github.com/23skdu/longbow-xlora/internal/kvcache"
	"github.com/23skdu/longbow-xlora/internal/logger"
	"github.com/23skdu/longbow-xlora/internal/metrics"
)

// Classifier maps hidden states to per-layer adapter scalings.
type Classifier interface {
	// ScalingPassValue is the constant used to fill dummy scalings.
	ScalingPassValue() float64
	// Device is where the classifier expects its inputs.
	Device() device.Device
	// DummyScalings returns a [batch, seqLen, layers, adapters] tensor
	// filled with ScalingPassValue.
	DummyScalings(batch, seqLen int, dev device.Device, dtype device.DType) (*device.Tensor, error)
	// Forward predicts scalings from a [batch, seqLen, hidden] tensor.
	Forward(hidden *device.Tensor) (*device.Tensor, error)
}

// ForwardArgs carries one transformer forward invocation.
type ForwardArgs struct {
	InputIDs           *device.Tensor
	SeqlenOffsets      []int
	StartOffsetsKernel *device.Tensor
	Scalings           *device.Tensor
	IsFullPass         bool
	NoKVCache          bool
	// IsScalingPass is non-nil for the auxiliary pass and holds the dummy
	// fill value.
	IsScalingPass *float64
	ContextLens   []int
}

// ScalingsMaker is implemented by every X-LoRA model family.
type ScalingsMaker interface {
	Classifier() Classifier
	DType() device.DType
	Forward(args ForwardArgs) (*device.Tensor, error)
	Cache() *kvcache.Cache
}

// ScalingsRequest holds the inputs of one scalings computation. The *Full
// fields describe the whole sequence so far; the others cover only the
// tokens of the current step.
type ScalingsRequest struct {
	InputIDs               *device.Tensor
	InputIDsFull           *device.Tensor
	SeqlenOffsets          []int
	SeqlenOffsetsFull      []int
	StartOffsetsKernel     *device.Tensor
	StartOffsetsKernelFull *device.Tensor
	NoKVCache              bool
	PositionIDs            []int
	// Logger carries the caller's fields, such as the session id. Nil uses
	// the global logger.
	Logger *logger.Logger
}

// GetScalings computes the adapter scalings for one generation step.
//
// When state is non-nil and the cache already holds frozen scalings, a copy
// of them is returned without running the model. Otherwise the model runs an
// auxiliary pass with dummy scalings, the classifier turns the resulting
// hidden states into real scalings, and, in non-granular mode, the result is
// frozen into the cache once the state reaches its target step.
func GetScalings(m ScalingsMaker, req ScalingsRequest, state *NonGranularState) (*device.Tensor, error) {
	batch, _, err := dims2(req.InputIDsFull, "input_ids_full")
	if err != nil {
		return nil, err
	}
	_, seqLen, err := dims2(req.InputIDs, "input_ids")
	if err != nil {
		return nil, err
	}

	log := req.Logger
	if log == nil {
		log = logger.Log
	}
	cache := m.Cache()
	reached := false
	if state != nil {
		if cached := cache.Scalings(); cached != nil {
			metrics.RecordScalingsRequest(true)
			log.Debug("Using cached scalings", "seq_len", seqLen, "index", state.Index())
			return cached, nil
		}
		reached = state.TryAdvanceAndCheckThreshold(seqLen)
	}

	classifier := m.Classifier()
	passValue := classifier.ScalingPassValue()
	dummy, err := classifier.DummyScalings(batch, seqLen, classifier.Device(), m.DType())
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var hidden *device.Tensor
	if req.NoKVCache {
		hidden, err = m.Forward(ForwardArgs{
			InputIDs:           req.InputIDsFull,
			SeqlenOffsets:      req.SeqlenOffsetsFull,
			StartOffsetsKernel: req.StartOffsetsKernelFull,
			Scalings:           dummy,
			IsFullPass:         true,
			NoKVCache:          true,
			IsScalingPass:      &passValue,
			ContextLens:        req.PositionIDs,
		})
		if err != nil {
			return nil, err
		}
		// the auxiliary pass wrote scratch KV state
		cache.ResetPlaceholders()
		metrics.RecordKVReset()
		log.Debug("Reset KV cache after scaling pass", "layers", cache.Layers())
	} else {
		hidden, err = m.Forward(ForwardArgs{
			InputIDs:           req.InputIDs,
			SeqlenOffsets:      req.SeqlenOffsets,
			StartOffsetsKernel: req.StartOffsetsKernel,
			Scalings:           dummy,
			IsFullPass:         false,
			NoKVCache:          false,
			IsScalingPass:      &passValue,
			ContextLens:        req.PositionIDs,
		})
		if err != nil {
			return nil, err
		}
	}
	metrics.RecordScalingPass(req.NoKVCache, time.Since(start))

	start = time.Now()
	scalings, err := classifier.Forward(hidden)
	if err != nil {
		return nil, err
	}
	metrics.RecordClassifier(time.Since(start))
	metrics.RecordScalingsRequest(false)

	if reached && cache.SetScalingsIfEmpty(scalings) {
		metrics.RecordCacheSeed()
		log.Debug("Froze scalings", "index", state.Index(), "target", state.Target())
	}
	return scalings, nil
}

func dims2(t *device.Tensor, name string) (int, int, error) {
	if t != nil {
		if a, b, err := t.Dims2(); err == nil {
			return a, b, nil
		}
	}
	metrics.RecordValidationError("get_scalings", "shape")
	e := &ShapeError{Op: "get_scalings", Tensor: name, Want: "rank 2 (batch, seq_len)"}
	if t != nil {
		e.Dims = t.Dims()
	}
	return 0, 0, e
}
