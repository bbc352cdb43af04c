// Package classifier implements a linear X-LoRA scalings head.
package classifier

import (
	"cmp"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/23skdu/longbow-xlora/internal/config"
	"github.com/23skdu/longbow-xlora/internal/device"
	"github.com/23skdu/longbow-xlora/internal/simd"
	"github.com/23skdu/longbow-xlora/internal/xlora"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Classifier maps hidden states [batch, seq, hidden] to scalings
// [batch, seq, layers, adapters] through one dense layer.
type Classifier struct {
	cfg      config.XLoRAConfig
	layers   int
	adapters int
	dev      device.Device

	weights *mat.Dense // hidden x outputs
	bias    []float64
}

var _ xlora.Classifier = (*Classifier)(nil)

// New builds a classifier with weights drawn deterministically from cfg.Seed.
func New(cfg config.XLoRAConfig, layers int, dev device.Device) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if layers <= 0 {
		return nil, fmt.Errorf("invalid layers: %d (must be positive)", layers)
	}
	c := &Classifier{
		cfg:      cfg,
		layers:   layers,
		adapters: len(cfg.Adapters),
		dev:      dev,
	}
	outputs := c.outputs()
	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(cfg.Seed)^0x9e3779b97f4a7c15))
	scale := 1 / math.Sqrt(float64(cfg.HiddenSize))
	data := make([]float64, cfg.HiddenSize*outputs)
	for i := range data {
		data[i] = rng.NormFloat64() * scale
	}
	c.weights = mat.NewDense(cfg.HiddenSize, outputs, data)
	c.bias = make([]float64, outputs)
	return c, nil
}

func (c *Classifier) outputs() int {
	if c.cfg.LayerwiseScalings {
		return c.layers * c.adapters
	}
	return c.adapters
}

// SetHead replaces the dense layer. w must be hidden x outputs and bias
// must have one entry per output.
func (c *Classifier) SetHead(w *mat.Dense, bias []float64) error {
	r, cols := w.Dims()
	if r != c.cfg.HiddenSize || cols != c.outputs() {
		return fmt.Errorf("head is %dx%d, expected %dx%d", r, cols, c.cfg.HiddenSize, c.outputs())
	}
	if len(bias) != cols {
		return fmt.Errorf("bias has %d entries, expected %d", len(bias), cols)
	}
	c.weights = mat.DenseCopyOf(w)
	c.bias = slices.Clone(bias)
	return nil
}

func (c *Classifier) ScalingPassValue() float64 { return c.cfg.ScalingPassValue }
func (c *Classifier) Device() device.Device     { return c.dev }
func (c *Classifier) Layers() int               { return c.layers }
func (c *Classifier) Adapters() int             { return c.adapters }

// DummyScalings returns a tensor filled with the scaling pass value.
func (c *Classifier) DummyScalings(batch, seqLen int, dev device.Device, dtype device.DType) (*device.Tensor, error) {
	return device.Full(c.cfg.ScalingPassValue, []int{batch, seqLen, c.layers, c.adapters}, dtype, dev)
}

// Forward computes scalings from hidden states.
func (c *Classifier) Forward(hidden *device.Tensor) (*device.Tensor, error) {
	if hidden == nil || hidden.Rank() != 3 || hidden.Dim(2) != c.cfg.HiddenSize {
		e := &xlora.ShapeError{Op: "classifier", Tensor: "hidden_states", Want: fmt.Sprintf("[batch, seq_len, %d]", c.cfg.HiddenSize)}
		if hidden != nil {
			e.Dims = hidden.Dims()
		}
		return nil, e
	}
	batch, seqLen := hidden.Dim(0), hidden.Dim(1)
	rows := batch * seqLen

	in := hidden.Float32s()
	x := mat.NewDense(rows, c.cfg.HiddenSize, nil)
	for r := 0; r < rows; r++ {
		for h := 0; h < c.cfg.HiddenSize; h++ {
			x.Set(r, h, float64(in[r*c.cfg.HiddenSize+h]))
		}
	}

	var logits mat.Dense
	logits.Mul(x, c.weights)

	out := make([]float32, 0, rows*c.layers*c.adapters)
	group := make([]float64, c.adapters)
	for r := 0; r < rows; r++ {
		row := logits.RawRowView(r)
		for l := 0; l < c.layers; l++ {
			offset := 0
			if c.cfg.LayerwiseScalings {
				offset = l * c.adapters
			}
			for a := range group {
				group[a] = row[offset+a] + c.bias[offset+a]
			}
			c.mix(group)
			for _, v := range group {
				out = append(out, float32(v))
			}
		}
	}

	t, err := device.FromFloat32(out, batch, seqLen, c.layers, c.adapters)
	if err != nil {
		return nil, err
	}
	return t.To(c.dev), nil
}

// mix turns one group of adapter logits into weights in place.
func (c *Classifier) mix(logits []float64) {
	if c.cfg.EnableSoftmax {
		simd.SoftmaxTemperature(logits, c.cfg.SoftmaxTemperature)
	}
	if k := c.cfg.TopKLoRA; k > 0 && k < len(logits) {
		keep := topK(logits, k)
		if c.cfg.EnableSoftmaxTopK {
			kept := make([]float64, len(keep))
			for i, idx := range keep {
				kept[i] = logits[idx]
			}
			simd.Softmax(kept)
			clear(logits)
			for i, idx := range keep {
				logits[idx] = kept[i]
			}
		} else {
			masked := make([]float64, len(logits))
			for _, idx := range keep {
				masked[idx] = logits[idx]
			}
			copy(logits, masked)
		}
	}
	floats.Scale(c.cfg.GlobalScalingWeight, logits)
}

// topK returns the indices of the k largest values, ties broken by index.
func topK(values []float64, k int) []int {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return -cmp.Compare(values[a], values[b])
	})
	return idx[:k]
}
