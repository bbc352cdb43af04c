package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-xlora/internal/device"
)

// Config is the runtime configuration for an X-LoRA engine. Zero-valued
// fields in a YAML file leave the defaults in place.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Architecture string `yaml:"architecture"`
	Device       string `yaml:"device"`
	DType        string `yaml:"dtype"`
	Layers       int    `yaml:"layers"`
	HiddenSize   int    `yaml:"hidden_size"`
	KVDim        int    `yaml:"kv_dim"`

	// Granular recomputes scalings every step. When false, scalings are
	// frozen once TgtNonGranularIndex decode steps have run.
	Granular            bool `yaml:"granular"`
	TgtNonGranularIndex int  `yaml:"tgt_non_granular_index"`
	NoKVCache           bool `yaml:"no_kv_cache"`

	MaxParallel  int    `yaml:"max_parallel"`
	MinFreeBytes uint64 `yaml:"min_free_bytes"`

	MetricsAddr string `yaml:"metrics_addr"`
	ScalingsLog bool   `yaml:"scalings_log"`
	FlightAddr  string `yaml:"flight_addr"`

	OrderingPath    string `yaml:"ordering_path"`
	XLoRAConfigPath string `yaml:"xlora_config_path"`
}

func Default() Config {
	return Config{
		LogLevel:     "info",
		LogFormat:    "console",
		Architecture: "llama",
		Device:       "cpu",
		DType:        "f32",
		Layers:       4,
		HiddenSize:   32,
		KVDim:        8,
		Granular:     true,
		MaxParallel:  4,
		MetricsAddr:  ":9090",
	}
}

func (c *Config) Validate() error {
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.HiddenSize <= 0 {
		return fmt.Errorf("invalid hidden_size: %d (must be positive)", c.HiddenSize)
	}
	if c.KVDim <= 0 {
		return fmt.Errorf("invalid kv_dim: %d (must be positive)", c.KVDim)
	}
	if !c.Granular && c.TgtNonGranularIndex < 0 {
		return fmt.Errorf("invalid tgt_non_granular_index: %d (must be non-negative)", c.TgtNonGranularIndex)
	}
	if c.MaxParallel <= 0 {
		return fmt.Errorf("invalid max_parallel: %d (must be positive)", c.MaxParallel)
	}
	if c.Architecture == "" {
		return errors.New("architecture is required")
	}
	if _, err := c.ParseDevice(); err != nil {
		return err
	}
	if dt, err := c.ParseDType(); err != nil {
		return err
	} else if !dt.IsFloat() {
		return fmt.Errorf("invalid dtype: %s (must be a float type)", dt)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %q (want console or json)", c.LogFormat)
	}
	return nil
}

func (c *Config) ParseDevice() (device.Device, error) {
	return device.Parse(c.Device)
}

func (c *Config) ParseDType() (device.DType, error) {
	return device.ParseDType(c.DType)
}

func (c *Config) GetArchitecture() string {
	return strings.ToLower(c.Architecture)
}

// NonGranular reports whether sessions should freeze scalings.
func (c *Config) NonGranular() bool {
	return !c.Granular
}

// LoadFile overlays a YAML file on Default(). A missing file yields the
// defaults; a malformed file is an error.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
