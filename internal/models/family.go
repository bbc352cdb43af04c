package models

import (
	"fmt"
	"sort"

	"github.com/23skdu/longbow-xlora/internal/device"
)

// Family describes one X-LoRA capable architecture: the module suffixes
// adapters may target and the activation dtype used for dummy scalings.
type Family struct {
	Name            string
	SupportedLayers []string
	DefaultDType    device.DType
}

var llamaLayers = []string{
	"self_attn.q_proj",
	"self_attn.k_proj",
	"self_attn.v_proj",
	"self_attn.o_proj",
	"mlp.gate_proj",
	"mlp.up_proj",
	"mlp.down_proj",
	"lm_head",
}

var families = map[string]Family{
	"llama":   {Name: "llama", SupportedLayers: llamaLayers, DefaultDType: device.BF16},
	"mistral": {Name: "mistral", SupportedLayers: llamaLayers, DefaultDType: device.BF16},
	"gemma":   {Name: "gemma", SupportedLayers: llamaLayers, DefaultDType: device.BF16},
	"mixtral": {
		Name: "mixtral",
		SupportedLayers: []string{
			"self_attn.q_proj",
			"self_attn.k_proj",
			"self_attn.v_proj",
			"self_attn.o_proj",
			"block_sparse_moe.gate",
			"w1",
			"w2",
			"w3",
			"lm_head",
		},
		DefaultDType: device.BF16,
	},
	"phi2": {
		Name: "phi2",
		SupportedLayers: []string{
			"self_attn.q_proj",
			"self_attn.k_proj",
			"self_attn.v_proj",
			"self_attn.dense",
			"mlp.fc1",
			"mlp.fc2",
			"lm_head",
		},
		DefaultDType: device.F16,
	},
	"phi3": {
		Name: "phi3",
		SupportedLayers: []string{
			"self_attn.qkv_proj",
			"self_attn.o_proj",
			"mlp.gate_up_proj",
			"mlp.down_proj",
			"lm_head",
		},
		DefaultDType: device.BF16,
	},
	"starcoder2": {
		Name: "starcoder2",
		SupportedLayers: []string{
			"self_attn.q_proj",
			"self_attn.k_proj",
			"self_attn.v_proj",
			"self_attn.o_proj",
			"mlp.c_fc",
			"mlp.c_proj",
			"lm_head",
		},
		DefaultDType: device.F16,
	},
	// GGUF weights dequantize into f32 activations.
	"quantized-llama": {Name: "quantized-llama", SupportedLayers: llamaLayers, DefaultDType: device.F32},
	"quantized-phi3": {
		Name:            "quantized-phi3",
		SupportedLayers: []string{"self_attn.qkv_proj", "self_attn.o_proj", "mlp.gate_up_proj", "mlp.down_proj"},
		DefaultDType:    device.F32,
	},
}

// Lookup returns the family registered under name.
func Lookup(name string) (Family, error) {
	f, ok := families[name]
	if !ok {
		return Family{}, fmt.Errorf("unsupported architecture: %s", name)
	}
	return f, nil
}

// Families lists the registered family names in sorted order.
func Families() []string {
	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
