package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/23skdu/longbow-xlora/internal/device"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Layers != 4 {
		t.Errorf("expected Layers 4, got %d", cfg.Layers)
	}
	if !cfg.Granular {
		t.Error("expected granular mode by default")
	}
	if cfg.NonGranular() {
		t.Error("expected NonGranular to be false by default")
	}
	if cfg.MaxParallel != 4 {
		t.Errorf("expected MaxParallel 4, got %d", cfg.MaxParallel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected default config to validate, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"invalid layers", func(c *Config) { c.Layers = 0 }, "invalid layers"},
		{"invalid hidden size", func(c *Config) { c.HiddenSize = -1 }, "invalid hidden_size"},
		{"invalid kv dim", func(c *Config) { c.KVDim = 0 }, "invalid kv_dim"},
		{"negative target", func(c *Config) { c.Granular = false; c.TgtNonGranularIndex = -2 }, "tgt_non_granular_index"},
		{"negative target ignored when granular", func(c *Config) { c.TgtNonGranularIndex = -2 }, ""},
		{"invalid parallelism", func(c *Config) { c.MaxParallel = 0 }, "invalid max_parallel"},
		{"missing architecture", func(c *Config) { c.Architecture = "" }, "architecture is required"},
		{"bad device", func(c *Config) { c.Device = "tpu:0" }, "unknown device"},
		{"bad dtype", func(c *Config) { c.DType = "f64" }, "unknown dtype"},
		{"integer dtype", func(c *Config) { c.DType = "u32" }, "must be a float type"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "invalid log_format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseDevice(t *testing.T) {
	cfg := Default()
	cfg.Device = "cuda:1"
	dev, err := cfg.ParseDevice()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dev != device.CUDA(1) {
		t.Errorf("expected cuda:1, got %v", dev)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xlora.yaml")
	content := `
architecture: mistral
granular: false
tgt_non_granular_index: 3
no_kv_cache: true
dtype: bf16
scalings_log: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.GetArchitecture() != "mistral" {
		t.Errorf("expected mistral, got %s", cfg.Architecture)
	}
	if !cfg.NonGranular() || cfg.TgtNonGranularIndex != 3 {
		t.Errorf("expected non-granular with target 3, got granular=%v target=%d", cfg.Granular, cfg.TgtNonGranularIndex)
	}
	if !cfg.NoKVCache || !cfg.ScalingsLog {
		t.Error("expected no_kv_cache and scalings_log to be set")
	}
	// untouched keys keep defaults
	if cfg.Layers != 4 || cfg.MetricsAddr != ":9090" {
		t.Errorf("expected defaults to survive, got layers=%d metrics=%q", cfg.Layers, cfg.MetricsAddr)
	}
}

func TestLoadFileMissingAndMalformed(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should yield defaults, got %v", err)
	}
	if cfg != Default() {
		t.Error("expected defaults for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("layers: [1, 2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("expected parse error for malformed yaml")
	}
}

func TestParseXLoRA(t *testing.T) {
	data := []byte(`{
		"hidden_size": 64,
		"base_model_id": "mistralai/Mistral-7B-Instruct-v0.1",
		"adapters": {"math": "adapters/math", "code": "adapters/code"},
		"layerwise_scalings": true,
		"scaling_pass_value": 0.5,
		"top_k_lora": 1
	}`)
	cfg, err := ParseXLoRA(data)
	if err != nil {
		t.Fatalf("ParseXLoRA failed: %v", err)
	}
	if cfg.HiddenSize != 64 || len(cfg.Adapters) != 2 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.ScalingPassValue != 0.5 {
		t.Errorf("expected scaling pass value 0.5, got %v", cfg.ScalingPassValue)
	}
	// defaults survive for omitted keys
	if !cfg.EnableSoftmax || cfg.SoftmaxTemperature != 1.0 || cfg.GlobalScalingWeight != 1.0 {
		t.Errorf("expected defaults for omitted keys, got %+v", cfg)
	}
}

func TestXLoRAValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*XLoRAConfig)
	}{
		{"no hidden size", func(c *XLoRAConfig) { c.HiddenSize = 0 }},
		{"no adapters", func(c *XLoRAConfig) { c.Adapters = nil }},
		{"zero temperature", func(c *XLoRAConfig) { c.SoftmaxTemperature = 0 }},
		{"top k too large", func(c *XLoRAConfig) { c.TopKLoRA = 3 }},
		{"topk softmax without k", func(c *XLoRAConfig) { c.EnableSoftmaxTopK = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultXLoRA()
			cfg.HiddenSize = 8
			cfg.Adapters = map[string]string{"a": "a", "b": "b"}
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if _, err := ParseXLoRA([]byte(`{"hidden_size": "wide"}`)); err == nil {
		t.Error("expected decode error")
	}
}
