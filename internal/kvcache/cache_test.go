package kvcache

import (
	"reflect"
	"sync"
	"testing"

	"github.com/23skdu/longbow-xlora/internal/device"
)

func kvTensor(t *testing.T, seq int, fill float32) *device.Tensor {
	t.Helper()
	data := make([]float32, seq*2)
	for i := range data {
		data[i] = fill
	}
	tensor, err := device.FromFloat32(data, 1, seq, 2)
	if err != nil {
		t.Fatalf("FromFloat32 failed: %v", err)
	}
	return tensor
}

func TestCache_Lifecycle(t *testing.T) {
	cache, err := New(2)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer cache.Close()

	if cache.Layers() != 2 {
		t.Errorf("Expected 2 layers, got %d", cache.Layers())
	}

	kv, err := cache.Get(0)
	if err != nil {
		t.Fatalf("Get(0) failed: %v", err)
	}
	if !kv.Empty() {
		t.Errorf("Get(0) should be empty on a fresh cache")
	}

	if _, err := cache.Get(2); err == nil {
		t.Errorf("Get(2) should fail for invalid layer")
	}
	if err := cache.Append(-1, nil, nil); err == nil {
		t.Errorf("Append(-1) should fail for invalid layer")
	}
	if _, err := New(0); err == nil {
		t.Errorf("New(0) should fail")
	}
}

func TestCache_Append(t *testing.T) {
	cache, err := New(1)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := cache.Append(0, kvTensor(t, 3, 1), kvTensor(t, 3, 1)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := cache.Append(0, kvTensor(t, 1, 2), kvTensor(t, 1, 2)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	kv, err := cache.Get(0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if kv.SeqLen() != 4 {
		t.Errorf("Expected seq len 4, got %d", kv.SeqLen())
	}
	if !reflect.DeepEqual(kv.K.Dims(), []int{1, 4, 2}) {
		t.Errorf("Expected dims [1 4 2], got %v", kv.K.Dims())
	}
	if got := kv.V.Float32s(); !reflect.DeepEqual(got, []float32{1, 1, 1, 1, 1, 1, 2, 2}) {
		t.Errorf("Unexpected values %v", got)
	}
	if cache.SizeBytes() != 2*8*4 {
		t.Errorf("Expected %d bytes, got %d", 2*8*4, cache.SizeBytes())
	}

	// mismatched kvDim cannot be appended
	bad, err := device.FromFloat32(make([]float32, 3), 1, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := cache.Append(0, bad, bad); err == nil {
		t.Errorf("Append with kv dim 3 should fail")
	}
}

func TestCache_ResetPlaceholders(t *testing.T) {
	cache, err := New(3)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := cache.Append(i, kvTensor(t, 2, float32(i)), kvTensor(t, 2, float32(i))); err != nil {
			t.Fatalf("Append(%d) failed: %v", i, err)
		}
	}

	cache.ResetPlaceholders()

	slots := cache.Slots()
	if len(slots) != 3 {
		t.Fatalf("Expected 3 slots, got %d", len(slots))
	}
	for i, kv := range slots {
		if !kv.K.IsPlaceholder() || !kv.V.IsPlaceholder() {
			t.Errorf("layer %d: expected placeholder K and V", i)
		}
		if kv.SeqLen() != 0 {
			t.Errorf("layer %d: expected seq len 0, got %d", i, kv.SeqLen())
		}
	}
	if cache.SizeBytes() != 0 {
		t.Errorf("Expected 0 bytes after reset, got %d", cache.SizeBytes())
	}

	// a placeholder slot accepts fresh history
	if err := cache.Append(1, kvTensor(t, 1, 9), kvTensor(t, 1, 9)); err != nil {
		t.Fatalf("Append after reset failed: %v", err)
	}
	kv, _ := cache.Get(1)
	if kv.SeqLen() != 1 {
		t.Errorf("Expected seq len 1, got %d", kv.SeqLen())
	}
}

func TestCache_ScalingsSlot(t *testing.T) {
	cache, err := New(1)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if cache.Scalings() != nil || cache.HasScalings() {
		t.Errorf("Fresh cache should have no scalings")
	}

	first := kvTensor(t, 1, 0.25)
	if !cache.SetScalingsIfEmpty(first) {
		t.Errorf("First SetScalingsIfEmpty should succeed")
	}
	if cache.SetScalingsIfEmpty(kvTensor(t, 1, 0.75)) {
		t.Errorf("Second SetScalingsIfEmpty should be refused")
	}

	got := cache.Scalings()
	if got == nil || !got.BitEqual(first) {
		t.Fatalf("Expected the first scalings back, got %v", got)
	}

	// callers receive copies
	if cache.Scalings() == got {
		t.Errorf("Scalings should return a fresh copy")
	}

	// KV resets leave the scalings slot alone
	cache.ResetPlaceholders()
	if !cache.HasScalings() {
		t.Errorf("ResetPlaceholders should keep scalings")
	}

	cache.SetScalings(kvTensor(t, 1, 0.5))
	if !cache.Scalings().IsFilledWith(0.5) {
		t.Errorf("SetScalings should overwrite the slot")
	}

	cache.Close()
	if cache.HasScalings() {
		t.Errorf("Close should drop scalings")
	}
}

func TestCache_SetScalingsIfEmptyConcurrent(t *testing.T) {
	cache, err := New(1)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		candidate := kvTensor(t, 1, float32(i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cache.SetScalingsIfEmpty(candidate) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("Expected exactly 1 winner, got %d", winners)
	}
}
