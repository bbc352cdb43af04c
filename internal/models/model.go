package models

import (
	"fmt"

	"github.com/23skdu/longbow-xlora/internal/device"
	"github.com/23skdu/longbow-xlora/internal/kvcache"
	"github.com/23skdu/longbow-xlora/internal/logger"
	"github.com/23skdu/longbow-xlora/internal/lora"
	"github.com/23skdu/longbow-xlora/internal/metrics"
	"github.com/23skdu/longbow-xlora/internal/xlora"
)

// Backbone runs the transformer stack of a family against a session cache.
type Backbone interface {
	Forward(cache *kvcache.Cache, args xlora.ForwardArgs) (*device.Tensor, error)
}

// Options configures a Model.
type Options struct {
	Layers   int
	Ordering *lora.Ordering
	// DType overrides the family default when non-empty.
	DType string
}

// Model is an X-LoRA model instance bound to one generation cache.
type Model struct {
	family     Family
	backbone   Backbone
	classifier xlora.Classifier
	cache      *kvcache.Cache
	dtype      device.DType
	ordering   *lora.Ordering
}

var _ xlora.ScalingsMaker = (*Model)(nil)

// New creates a model of the named family. The ordering, if any, is checked
// against the family's supported layers before anything is allocated.
func New(family string, backbone Backbone, classifier xlora.Classifier, opts Options) (*Model, error) {
	f, err := Lookup(family)
	if err != nil {
		return nil, err
	}
	if backbone == nil || classifier == nil {
		return nil, fmt.Errorf("%s: backbone and classifier are required", family)
	}
	if err := xlora.VerifySanityAdapters(opts.Ordering, f.SupportedLayers); err != nil {
		return nil, err
	}

	dtype := f.DefaultDType
	if opts.DType != "" {
		dtype, err = device.ParseDType(opts.DType)
		if err != nil {
			return nil, err
		}
		if !dtype.IsFloat() {
			return nil, fmt.Errorf("invalid dtype: %s (must be a float type)", dtype)
		}
	}

	cache, err := kvcache.New(opts.Layers)
	if err != nil {
		return nil, err
	}
	if err := checkClassifier(classifier, opts, dtype); err != nil {
		metrics.RecordValidationError("new_model", "configuration")
		return nil, fmt.Errorf("%s: %w", family, err)
	}

	logger.Log.Debug("Created X-LoRA model", "family", f.Name, "layers", opts.Layers, "dtype", dtype.String())
	return &Model{
		family:     f,
		backbone:   backbone,
		classifier: classifier,
		cache:      cache,
		dtype:      dtype,
		ordering:   opts.Ordering,
	}, nil
}

// checkClassifier builds a 1x1 dummy scalings tensor so a classifier built
// for a different layer or adapter count fails here rather than on the
// first step.
func checkClassifier(c xlora.Classifier, opts Options, dtype device.DType) error {
	dummy, err := c.DummyScalings(1, 1, c.Device(), dtype)
	if err != nil {
		return err
	}
	if dummy.Rank() != 4 {
		return fmt.Errorf("invalid classifier: scalings shape %v, expected (batch, seq_len, layers, adapters)", dummy.Dims())
	}
	if got := dummy.Dim(2); got != opts.Layers {
		return fmt.Errorf("invalid classifier: %d layers, model has %d", got, opts.Layers)
	}
	if opts.Ordering != nil {
		if got, want := dummy.Dim(3), opts.Ordering.NumAdapters(); got != want {
			return fmt.Errorf("invalid classifier: %d adapters, ordering has %d", got, want)
		}
	}
	return nil
}

func (m *Model) Family() Family               { return m.family }
func (m *Model) Ordering() *lora.Ordering     { return m.ordering }
func (m *Model) Classifier() xlora.Classifier { return m.classifier }
func (m *Model) DType() device.DType          { return m.dtype }
func (m *Model) Cache() *kvcache.Cache        { return m.cache }

// Forward runs the backbone against the model's cache.
func (m *Model) Forward(args xlora.ForwardArgs) (*device.Tensor, error) {
	return m.backbone.Forward(m.cache, args)
}
