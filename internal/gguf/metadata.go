package gguf

import (
	"fmt"
	"strings"
)

// ModelInfo is the backbone geometry described by a GGUF header.
type ModelInfo struct {
	Architecture  string
	Name          string
	Layers        int
	HiddenSize    int
	HeadCount     int
	HeadCountKV   int
	ContextLength int
	Quantized     bool
	TensorCount   int
	Parameters    uint64
}

// KVDim is the per-token width of one layer's K (or V) cache.
func (m ModelInfo) KVDim() int {
	if m.HeadCount == 0 {
		return m.HiddenSize
	}
	return m.HiddenSize / m.HeadCount * m.HeadCountKV
}

// Family is the adapter family name for the model. Quantized llama and phi3
// files map to their quantized families.
func (m ModelInfo) Family() string {
	arch := strings.ToLower(m.Architecture)
	if m.Quantized && (arch == "llama" || arch == "phi3") {
		return "quantized-" + arch
	}
	return arch
}

// ModelInfo extracts the backbone geometry. The architecture, block count
// and embedding length must be present.
func (f *File) ModelInfo() (ModelInfo, error) {
	info := ModelInfo{TensorCount: len(f.Tensors)}
	arch, ok := f.KV["general.architecture"].(string)
	if !ok || arch == "" {
		return info, fmt.Errorf("missing general.architecture")
	}
	info.Architecture = arch
	info.Name, _ = f.KV["general.name"].(string)

	info.Layers = int(getKVInt(f.KV, arch+".block_count", arch+".layer_count"))
	info.HiddenSize = int(getKVInt(f.KV, arch+".embedding_length", arch+".hidden_size"))
	if info.Layers <= 0 || info.HiddenSize <= 0 {
		return info, fmt.Errorf("%s: missing block_count or embedding_length", arch)
	}
	info.HeadCount = int(getKVInt(f.KV, arch+".attention.head_count"))
	info.HeadCountKV = int(getKVInt(f.KV, arch+".attention.head_count_kv"))
	if info.HeadCountKV == 0 {
		info.HeadCountKV = info.HeadCount
	}
	info.ContextLength = int(getKVInt(f.KV, arch+".context_length"))

	for _, t := range f.Tensors {
		info.Parameters += t.Elements()
		if t.Type.IsQuantized() && strings.HasSuffix(t.Name, ".weight") {
			info.Quantized = true
		}
	}
	return info, nil
}

func getKVInt(kv map[string]interface{}, keys ...string) uint64 {
	for _, key := range keys {
		switch v := kv[key].(type) {
		case uint8:
			return uint64(v)
		case uint16:
			return uint64(v)
		case uint32:
			return uint64(v)
		case uint64:
			return v
		case int32:
			if v > 0 {
				return uint64(v)
			}
		case int64:
			if v > 0 {
				return uint64(v)
			}
		}
	}
	return 0
}
