package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-xlora/internal/device"
	"github.com/23skdu/longbow-xlora/internal/logger"
	"github.com/23skdu/longbow-xlora/internal/metrics"
	"github.com/23skdu/longbow-xlora/internal/scalingslog"
	"github.com/23skdu/longbow-xlora/internal/xlora"
)

// ErrSessionClosed is returned by Step after Close.
var ErrSessionClosed = errors.New("session closed")

// SessionOptions selects the scalings strategy of a session.
type SessionOptions struct {
	// NonGranular freezes scalings after TgtNonGranularIndex decode steps.
	NonGranular         bool
	TgtNonGranularIndex int
	// NoKVCache recomputes the whole sequence on every pass.
	NoKVCache bool
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID               string `json:"id"`
	Steps            int64  `json:"steps"`
	Tokens           int    `json:"tokens"`
	Batch            int    `json:"batch"`
	NonGranular      bool   `json:"non_granular"`
	NonGranularIndex int    `json:"non_granular_index"`
	ScalingsFrozen   bool   `json:"scalings_frozen"`
	KVCacheBytes     int64  `json:"kv_cache_bytes"`
}

// StepResult carries the outputs of one generation step.
type StepResult struct {
	Step     int64
	Hidden   *device.Tensor
	Scalings *device.Tensor
	Cached   bool
}

// Session is one generation request. Steps on a session run one at a time.
type Session struct {
	id     string
	engine *Engine
	model  xlora.ScalingsMaker
	opts   SessionOptions
	state  *xlora.NonGranularState
	logger *logger.Logger

	mu      sync.Mutex
	history [][]int32
	offset  int
	steps   int64
	closed  bool
}

func (s *Session) ID() string { return s.id }

// State returns the non-granular state, or nil in granular mode.
func (s *Session) State() *xlora.NonGranularState { return s.state }

// Step feeds tokens (one row per batch entry, equal lengths) through the
// scaling pass and the real pass.
func (s *Session) Step(tokens [][]int32) (*StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	res, err := s.step(tokens)
	seqLen := 0
	if len(tokens) > 0 {
		seqLen = len(tokens[0])
	}
	metrics.RecordStep(seqLen, time.Since(start), err)
	if err != nil {
		s.logger.Error("Step failed", "step", s.steps+1, "error", err)
		return nil, err
	}
	return res, nil
}

func (s *Session) step(tokens [][]int32) (*StepResult, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	ids, err := device.FromIDs(tokens)
	if err != nil {
		return nil, fmt.Errorf("invalid tokens: %w", err)
	}
	batch, seqLen, _ := ids.Dims2()
	if seqLen == 0 {
		return nil, fmt.Errorf("invalid tokens: empty step")
	}
	if s.history != nil && batch != len(s.history) {
		return nil, fmt.Errorf("invalid tokens: batch %d does not match session batch %d", batch, len(s.history))
	}

	history := make([][]int32, batch)
	for b := range history {
		if s.history != nil {
			history[b] = append(history[b], s.history[b]...)
		}
		history[b] = append(history[b], tokens[b]...)
	}
	full, err := device.FromIDs(history)
	if err != nil {
		return nil, err
	}

	offsets := repeat(s.offset, batch)
	fullOffsets := repeat(0, batch)
	positions := repeat(s.offset, batch)

	cache := s.model.Cache()
	cached := s.state != nil && cache.HasScalings()
	scalings, err := xlora.GetScalings(s.model, xlora.ScalingsRequest{
		InputIDs:          ids,
		InputIDsFull:      full,
		SeqlenOffsets:     offsets,
		SeqlenOffsetsFull: fullOffsets,
		NoKVCache:         s.opts.NoKVCache,
		PositionIDs:       positions,
		Logger:            s.logger,
	}, s.state)
	if err != nil {
		return nil, err
	}

	args := xlora.ForwardArgs{
		InputIDs:      ids,
		SeqlenOffsets: offsets,
		Scalings:      scalings,
		ContextLens:   positions,
	}
	if s.opts.NoKVCache {
		args.InputIDs = full
		args.SeqlenOffsets = fullOffsets
		args.IsFullPass = true
		args.NoKVCache = true
	}
	hidden, err := s.model.Forward(args)
	if err != nil {
		return nil, err
	}

	s.history = history
	s.offset += seqLen
	s.steps++

	if log := s.engine.log; log != nil {
		if err := log.Record(scalingslog.Entry{SessionID: s.id, Step: s.steps, Cached: cached, Scalings: scalings}); err != nil {
			s.logger.Warn("Failed to record scalings", "step", s.steps, "error", err)
		}
	}

	s.logger.Debug("Step complete", "step", s.steps, "seq_len", seqLen, "cached", cached)
	return &StepResult{Step: s.steps, Hidden: hidden, Scalings: scalings, Cached: cached}, nil
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		ID:           s.id,
		Steps:        s.steps,
		Tokens:       s.offset,
		Batch:        len(s.history),
		NonGranular:  s.state != nil,
		KVCacheBytes: s.model.Cache().SizeBytes(),
	}
	if s.state != nil {
		info.NonGranularIndex = s.state.Index()
		info.ScalingsFrozen = s.model.Cache().HasScalings()
	}
	return info
}

// Close releases the session cache. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.history = nil
	s.mu.Unlock()

	cache := s.model.Cache()
	cache.Close()
	s.engine.remove(s.id, cache)
	metrics.RecordSessionClosed()
	s.logger.Info("Session closed")
}

func repeat(v, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = v
	}
	return out
}
