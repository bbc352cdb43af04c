package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// XLoRAConfig configures the scalings classifier. Field names follow the
// xlora_config.json files shipped with X-LoRA checkpoints.
type XLoRAConfig struct {
	HiddenSize           int               `json:"hidden_size"`
	BaseModelID          string            `json:"base_model_id"`
	Adapters             map[string]string `json:"adapters"`
	LayerwiseScalings    bool              `json:"layerwise_scalings"`
	EnableSoftmax        bool              `json:"enable_softmax"`
	SoftmaxTemperature   float64           `json:"softmax_temperature"`
	ScalingPassValue     float64           `json:"scaling_pass_value"`
	TopKLoRA             int               `json:"top_k_lora"`
	EnableSoftmaxTopK    bool              `json:"enable_softmax_topk"`
	GlobalScalingWeight  float64           `json:"global_scaling_weight"`
	UseTrainableAdapters bool              `json:"use_trainable_adapters"`
	Seed                 int64             `json:"seed"`
}

func DefaultXLoRA() XLoRAConfig {
	return XLoRAConfig{
		EnableSoftmax:       true,
		SoftmaxTemperature:  1.0,
		GlobalScalingWeight: 1.0,
	}
}

func (c *XLoRAConfig) Validate() error {
	if c.HiddenSize <= 0 {
		return fmt.Errorf("invalid hidden_size: %d (must be positive)", c.HiddenSize)
	}
	if len(c.Adapters) == 0 {
		return fmt.Errorf("no adapters configured")
	}
	if c.SoftmaxTemperature <= 0 {
		return fmt.Errorf("invalid softmax_temperature: %v (must be positive)", c.SoftmaxTemperature)
	}
	if c.TopKLoRA < 0 || c.TopKLoRA > len(c.Adapters) {
		return fmt.Errorf("invalid top_k_lora: %d (must be in [0, %d])", c.TopKLoRA, len(c.Adapters))
	}
	if c.EnableSoftmaxTopK && c.TopKLoRA == 0 {
		return fmt.Errorf("enable_softmax_topk requires top_k_lora > 0")
	}
	return nil
}

// ParseXLoRA decodes an xlora_config.json document over DefaultXLoRA().
func ParseXLoRA(data []byte) (XLoRAConfig, error) {
	cfg := DefaultXLoRA()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse xlora config: %w", err)
	}
	return cfg, cfg.Validate()
}

func LoadXLoRA(path string) (XLoRAConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return XLoRAConfig{}, fmt.Errorf("read xlora config %s: %w", path, err)
	}
	return ParseXLoRA(data)
}
