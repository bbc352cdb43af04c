package models

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-xlora/internal/device"
	"github.com/23skdu/longbow-xlora/internal/kvcache"
	"github.com/23skdu/longbow-xlora/internal/xlora"
)

// ReferenceBackbone is a small deterministic stand-in for a transformer.
// Hidden states depend on token ids, positions, scalings and, for
// incremental passes, on the KV history already in the cache. An incremental
// scaling pass reads the history without extending it.
type ReferenceBackbone struct {
	Layers int
	Hidden int
	KVDim  int
}

func NewReferenceBackbone(layers, hidden, kvDim int) (*ReferenceBackbone, error) {
	if layers <= 0 || hidden <= 0 || kvDim <= 0 {
		return nil, fmt.Errorf("invalid reference backbone: layers=%d hidden=%d kv_dim=%d", layers, hidden, kvDim)
	}
	return &ReferenceBackbone{Layers: layers, Hidden: hidden, KVDim: kvDim}, nil
}

func (r *ReferenceBackbone) Forward(cache *kvcache.Cache, args xlora.ForwardArgs) (*device.Tensor, error) {
	batch, seqLen, err := args.InputIDs.Dims2()
	if err != nil {
		return nil, err
	}
	if cache.Layers() != r.Layers {
		return nil, fmt.Errorf("cache has %d layers, backbone has %d", cache.Layers(), r.Layers)
	}
	mix, err := r.adapterMix(args.Scalings, batch)
	if err != nil {
		return nil, err
	}

	fresh := args.NoKVCache || args.IsFullPass
	write := args.IsScalingPass == nil || args.IsFullPass
	tokens := args.InputIDs.Uint32s()
	x := make([]float32, batch*seqLen*r.Hidden)
	for b := 0; b < batch; b++ {
		base := offsetFor(args.SeqlenOffsets, b)
		for p := 0; p < seqLen; p++ {
			row := x[(b*seqLen+p)*r.Hidden : (b*seqLen+p+1)*r.Hidden]
			tok := float64(tokens[b*seqLen+p])
			for h := range row {
				row[h] = float32(math.Sin(tok*0.01*float64(h+1) + float64(base+p)*0.1))
			}
		}
	}

	for layer := 0; layer < r.Layers; layer++ {
		var history []float32
		if !fresh {
			kv, err := cache.Get(layer)
			if err != nil {
				return nil, err
			}
			if !kv.Empty() {
				history = r.historyMean(kv.K, batch)
			}
		}
		for b := 0; b < batch; b++ {
			gain := 1 + 0.1*mix[b*r.Layers+layer]
			for p := 0; p < seqLen; p++ {
				row := x[(b*seqLen+p)*r.Hidden : (b*seqLen+p+1)*r.Hidden]
				for h := range row {
					v := float64(row[h])*gain + 0.01*float64(layer)
					if history != nil {
						v += 0.05 * float64(history[b*r.KVDim+h%r.KVDim])
					}
					row[h] = float32(math.Tanh(v))
				}
			}
		}

		if !write {
			continue
		}
		k, v, err := r.project(x, batch, seqLen)
		if err != nil {
			return nil, err
		}
		if fresh {
			err = cache.Set(layer, kvcache.KV{K: k, V: v})
		} else {
			err = cache.Append(layer, k, v)
		}
		if err != nil {
			return nil, err
		}
	}

	return device.FromFloat32(x, batch, seqLen, r.Hidden)
}

// adapterMix reduces scalings [batch, seq, layers, adapters] to one weighted
// adapter sum per (batch, layer), averaged over the sequence axis.
func (r *ReferenceBackbone) adapterMix(scalings *device.Tensor, batch int) ([]float64, error) {
	if scalings == nil || scalings.Rank() != 4 {
		var dims []int
		if scalings != nil {
			dims = scalings.Dims()
		}
		return nil, &xlora.ShapeError{Op: "forward", Tensor: "scalings", Dims: dims, Want: "rank 4 (batch, seq_len, layers, adapters)"}
	}
	sb, seq, layers, adapters := scalings.Dim(0), scalings.Dim(1), scalings.Dim(2), scalings.Dim(3)
	if (sb != batch && sb != 1) || layers != r.Layers {
		return nil, &xlora.ShapeError{Op: "forward", Tensor: "scalings", Dims: scalings.Dims(),
			Want: fmt.Sprintf("[%d, *, %d, *]", batch, r.Layers)}
	}
	values := scalings.Float32s()
	mix := make([]float64, batch*r.Layers)
	for b := 0; b < batch; b++ {
		src := b
		if sb == 1 {
			src = 0
		}
		for p := 0; p < seq; p++ {
			for l := 0; l < layers; l++ {
				off := ((src*seq+p)*layers + l) * adapters
				for a := 0; a < adapters; a++ {
					mix[b*r.Layers+l] += float64(values[off+a]) * float64(a+1)
				}
			}
		}
		if seq > 0 {
			for l := 0; l < layers; l++ {
				mix[b*r.Layers+l] /= float64(seq)
			}
		}
	}
	return mix, nil
}

func (r *ReferenceBackbone) project(x []float32, batch, seqLen int) (*device.Tensor, *device.Tensor, error) {
	k := make([]float32, batch*seqLen*r.KVDim)
	v := make([]float32, batch*seqLen*r.KVDim)
	for i := 0; i < batch*seqLen; i++ {
		for d := 0; d < r.KVDim; d++ {
			h := x[i*r.Hidden+d%r.Hidden]
			k[i*r.KVDim+d] = h
			v[i*r.KVDim+d] = -h
		}
	}
	kt, err := device.FromFloat32(k, batch, seqLen, r.KVDim)
	if err != nil {
		return nil, nil, err
	}
	vt, err := device.FromFloat32(v, batch, seqLen, r.KVDim)
	if err != nil {
		return nil, nil, err
	}
	return kt, vt, nil
}

// historyMean averages cached keys over the sequence axis per batch row.
func (r *ReferenceBackbone) historyMean(k *device.Tensor, batch int) []float32 {
	if k.Rank() != 3 || k.Dim(0) != batch || k.Dim(2) != r.KVDim {
		return nil
	}
	seq := k.Dim(1)
	data := k.Float32s()
	out := make([]float32, batch*r.KVDim)
	for b := 0; b < batch; b++ {
		for p := 0; p < seq; p++ {
			for d := 0; d < r.KVDim; d++ {
				out[b*r.KVDim+d] += data[(b*seq+p)*r.KVDim+d] / float32(seq)
			}
		}
	}
	return out
}

func offsetFor(offsets []int, b int) int {
	switch {
	case b < len(offsets):
		return offsets[b]
	case len(offsets) > 0:
		return offsets[0]
	default:
		return 0
	}
}
