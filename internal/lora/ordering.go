package lora

import (
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-json"
)

// PreloadAdapter names an adapter that is loaded alongside the X-LoRA set.
type PreloadAdapter struct {
	Name           string `json:"name"`
	AdapterModelID string `json:"adapter_model_id"`
}

// Ordering describes the adapter topology of an X-LoRA model: the order in
// which the classifier emits adapter weights and the layer slot each
// adapted module path maps to.
type Ordering struct {
	Order           []string         `json:"order"`
	Layers          map[string]int   `json:"layers"`
	BaseModelID     string           `json:"base_model_id"`
	PreloadAdapters []PreloadAdapter `json:"preload_adapters,omitempty"`
}

// NumAdapters returns the number of adapters the classifier mixes.
func (o *Ordering) NumAdapters() int {
	return len(o.Order)
}

// NumLayers returns the number of distinct layer slots referenced by Layers.
func (o *Ordering) NumLayers() int {
	seen := make(map[int]struct{}, len(o.Layers))
	for _, slot := range o.Layers {
		seen[slot] = struct{}{}
	}
	return len(seen)
}

// Paths returns the layer paths in sorted order.
func (o *Ordering) Paths() []string {
	paths := make([]string, 0, len(o.Layers))
	for p := range o.Layers {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// AdapterIndex returns the classifier output position of the named adapter.
func (o *Ordering) AdapterIndex(name string) (int, bool) {
	for i, n := range o.Order {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

func (o *Ordering) validate() error {
	if len(o.Order) == 0 {
		return fmt.Errorf("ordering has no adapters")
	}
	seen := make(map[string]struct{}, len(o.Order))
	for _, name := range o.Order {
		if name == "" {
			return fmt.Errorf("ordering contains an empty adapter name")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate adapter %q in ordering", name)
		}
		seen[name] = struct{}{}
	}
	for path, slot := range o.Layers {
		if slot < 0 {
			return fmt.Errorf("layer %q has negative slot %d", path, slot)
		}
	}
	return nil
}

// ParseOrdering decodes an ordering document.
func ParseOrdering(data []byte) (*Ordering, error) {
	var o Ordering
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to parse ordering: %w", err)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return &o, nil
}

// LoadOrdering reads and decodes an ordering file.
func LoadOrdering(path string) (*Ordering, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ordering %s: %w", path, err)
	}
	return ParseOrdering(data)
}
