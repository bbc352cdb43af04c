package xlora

import "sync"

// NonGranularState counts single-token decode steps for one session and
// decides when the scalings computed so far are frozen into the cache.
type NonGranularState struct {
	mu     sync.Mutex
	index  int
	target int
}

func NewNonGranularState(target int) *NonGranularState {
	return &NonGranularState{target: target}
}

func (s *NonGranularState) Index() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

func (s *NonGranularState) Target() int {
	return s.target
}

// TryAdvanceAndCheckThreshold advances the index when seqLen is 1 and
// reports whether the index equals the target afterwards. Both happen under
// one lock, so among concurrent decode callers at most one observes the
// target.
func (s *NonGranularState) TryAdvanceAndCheckThreshold(seqLen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seqLen == 1 {
		s.index++
	}
	return s.index == s.target
}
