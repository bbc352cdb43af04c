package xlora

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestNonGranularState_Advance(t *testing.T) {
	s := NewNonGranularState(2)

	if s.TryAdvanceAndCheckThreshold(5) {
		t.Error("prefill should not reach target 2")
	}
	if s.Index() != 0 {
		t.Errorf("prefill advanced the index to %d", s.Index())
	}
	if s.TryAdvanceAndCheckThreshold(1) {
		t.Error("index 1 should not reach target 2")
	}
	if !s.TryAdvanceAndCheckThreshold(1) {
		t.Error("index 2 should reach target 2")
	}
	if s.TryAdvanceAndCheckThreshold(1) {
		t.Error("index 3 should be past target 2")
	}
	if s.Index() != 3 || s.Target() != 2 {
		t.Errorf("unexpected state index=%d target=%d", s.Index(), s.Target())
	}
}

func TestNonGranularState_ZeroTargetPrefill(t *testing.T) {
	s := NewNonGranularState(0)
	if !s.TryAdvanceAndCheckThreshold(8) {
		t.Error("prefill at index 0 should match target 0")
	}
}

func TestNonGranularState_SingleWinner(t *testing.T) {
	const callers = 64
	s := NewNonGranularState(17)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryAdvanceAndCheckThreshold(1) {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Errorf("expected exactly one caller to reach the target, got %d", got)
	}
	if s.Index() != callers {
		t.Errorf("expected index %d, got %d", callers, s.Index())
	}
}
