package kvcache

import (
	"fmt"
	"sync"

	"github.com/23skdu/longbow-xlora/internal/device"
	"github.com/23skdu/longbow-xlora/internal/metrics"
)

// KV holds the key and value history of one layer. Tensors are shaped
// [batch, seq, kvDim]. A nil pair means the layer has not been written.
type KV struct {
	K *device.Tensor
	V *device.Tensor
}

// Empty reports whether the slot holds no history.
func (kv KV) Empty() bool {
	return kv.K == nil || kv.K.IsPlaceholder()
}

// SeqLen returns the number of cached positions.
func (kv KV) SeqLen() int {
	if kv.Empty() {
		return 0
	}
	return kv.K.Dim(1)
}

// Cache is the per-session generation cache: one KV slot per layer plus
// the X-LoRA scalings slot.
type Cache struct {
	mu       sync.Mutex
	layers   []KV
	scalings *device.Tensor
}

// New creates a cache with the given number of empty layer slots.
func New(layers int) (*Cache, error) {
	if layers <= 0 {
		return nil, fmt.Errorf("invalid config: layers=%d", layers)
	}
	return &Cache{layers: make([]KV, layers)}, nil
}

// Layers returns the number of KV slots.
func (c *Cache) Layers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.layers)
}

// Get returns the KV slot for a layer.
func (c *Cache) Get(layer int) (KV, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if layer < 0 || layer >= len(c.layers) {
		return KV{}, fmt.Errorf("invalid layer index: %d", layer)
	}
	return c.layers[layer], nil
}

// Set replaces the KV slot for a layer.
func (c *Cache) Set(layer int, kv KV) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if layer < 0 || layer >= len(c.layers) {
		return fmt.Errorf("invalid layer index: %d", layer)
	}
	c.layers[layer] = kv
	c.recordUsedLocked()
	return nil
}

// Append extends the history of a layer along the sequence axis. An empty
// slot is replaced outright.
func (c *Cache) Append(layer int, k, v *device.Tensor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if layer < 0 || layer >= len(c.layers) {
		return fmt.Errorf("invalid layer index: %d", layer)
	}
	cur := c.layers[layer]
	if cur.Empty() {
		c.layers[layer] = KV{K: k, V: v}
		c.recordUsedLocked()
		return nil
	}
	nk, err := device.Cat(cur.K, k, 1)
	if err != nil {
		return fmt.Errorf("layer %d key append: %w", layer, err)
	}
	nv, err := device.Cat(cur.V, v, 1)
	if err != nil {
		return fmt.Errorf("layer %d value append: %w", layer, err)
	}
	c.layers[layer] = KV{K: nk, V: nv}
	c.recordUsedLocked()
	return nil
}

// Slots returns a snapshot of every KV slot in layer order.
func (c *Cache) Slots() []KV {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]KV, len(c.layers))
	copy(out, c.layers)
	return out
}

// ResetPlaceholders replaces every KV slot with zero-length placeholders.
// The slot count is unchanged.
func (c *Cache) ResetPlaceholders() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.layers {
		c.layers[i] = KV{K: device.Placeholder(), V: device.Placeholder()}
	}
	c.recordUsedLocked()
}

// Clear drops every KV slot back to the unwritten state.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.layers {
		c.layers[i] = KV{}
	}
	c.recordUsedLocked()
}

// Scalings returns a copy of the cached scalings, or nil when unset.
func (c *Cache) Scalings() *device.Tensor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scalings == nil {
		return nil
	}
	return c.scalings.Clone()
}

// HasScalings reports whether the scalings slot is populated.
func (c *Cache) HasScalings() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scalings != nil
}

// SetScalings overwrites the scalings slot.
func (c *Cache) SetScalings(t *device.Tensor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t == nil {
		c.scalings = nil
		return
	}
	c.scalings = t.Clone()
}

// SetScalingsIfEmpty stores t only when the slot is empty and reports
// whether it did.
func (c *Cache) SetScalingsIfEmpty(t *device.Tensor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scalings != nil {
		return false
	}
	c.scalings = t.Clone()
	return true
}

// SizeBytes returns the bytes held by the KV slots.
func (c *Cache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizeLocked()
}

func (c *Cache) sizeLocked() int64 {
	var n int64
	for _, kv := range c.layers {
		if kv.K != nil {
			n += kv.K.SizeBytes()
		}
		if kv.V != nil {
			n += kv.V.SizeBytes()
		}
	}
	return n
}

func (c *Cache) recordUsedLocked() {
	metrics.RecordKVCacheUsed(c.sizeLocked())
}

// Close releases the KV history and the scalings slot.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.layers {
		c.layers[i] = KV{}
	}
	c.scalings = nil
	metrics.RecordKVCacheUsed(0)
}
