package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/23skdu/longbow-xlora/internal/config"
	"github.com/23skdu/longbow-xlora/internal/device"
	"github.com/23skdu/longbow-xlora/internal/kvcache"
	"github.com/23skdu/longbow-xlora/internal/logger"
	"github.com/23skdu/longbow-xlora/internal/metrics"
	"github.com/23skdu/longbow-xlora/internal/scalingslog"
	"github.com/23skdu/longbow-xlora/internal/xlora"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrInsufficientMemory is returned when a session is refused because the
// target device has less free memory than configured.
var ErrInsufficientMemory = errors.New("insufficient device memory")

// ErrCacheInUse is returned when a model's generation cache is already
// bound to an open session.
var ErrCacheInUse = errors.New("generation cache already bound to an open session")

// MemoryQuery reports free memory on a device.
type MemoryQuery interface {
	AvailableBytes(dev device.Device) (uint64, error)
}

// Engine admits generation sessions and drives their steps.
type Engine struct {
	cfg    config.Config
	dev    device.Device
	memory MemoryQuery
	log    *scalingslog.Log

	mu       sync.Mutex
	sessions map[string]*Session
	bound    map[*kvcache.Cache]string
}

// New creates an engine. memory may be nil to skip admission checks and log
// may be nil to disable scalings logging.
func New(cfg config.Config, memory MemoryQuery, log *scalingslog.Log) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dev, err := cfg.ParseDevice()
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		dev:      dev,
		memory:   memory,
		log:      log,
		sessions: make(map[string]*Session),
		bound:    make(map[*kvcache.Cache]string),
	}, nil
}

// Device returns the device sessions are admitted against.
func (e *Engine) Device() device.Device { return e.dev }

// SessionOptionsFromConfig returns the session defaults carried by the
// engine configuration.
func (e *Engine) SessionOptionsFromConfig() SessionOptions {
	return SessionOptions{
		NonGranular:         e.cfg.NonGranular(),
		TgtNonGranularIndex: e.cfg.TgtNonGranularIndex,
		NoKVCache:           e.cfg.NoKVCache,
	}
}

// NewSession admits a session for model. The model's cache is bound to the
// session until Close; a model whose cache is already bound is refused.
func (e *Engine) NewSession(model xlora.ScalingsMaker, opts SessionOptions) (*Session, error) {
	if model == nil {
		return nil, fmt.Errorf("model is required")
	}
	if opts.NonGranular && opts.TgtNonGranularIndex < 0 {
		return nil, fmt.Errorf("invalid tgt_non_granular_index: %d (must be non-negative)", opts.TgtNonGranularIndex)
	}
	cache := model.Cache()
	if cache == nil {
		return nil, fmt.Errorf("model has no generation cache")
	}
	if owner, ok := e.owner(cache); ok {
		return nil, fmt.Errorf("%w: session %s", ErrCacheInUse, owner)
	}
	if err := e.admit(); err != nil {
		return nil, err
	}

	s := &Session{
		id:     uuid.NewString(),
		engine: e,
		model:  model,
		opts:   opts,
	}
	if opts.NonGranular {
		s.state = xlora.NewNonGranularState(opts.TgtNonGranularIndex)
	}
	s.logger = logger.Log.With("session", s.id)

	e.mu.Lock()
	if owner, ok := e.bound[cache]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s", ErrCacheInUse, owner)
	}
	e.bound[cache] = s.id
	e.sessions[s.id] = s
	e.mu.Unlock()

	metrics.RecordSessionOpened()
	s.logger.Info("Session opened", "non_granular", opts.NonGranular, "target", opts.TgtNonGranularIndex, "no_kv_cache", opts.NoKVCache)
	return s, nil
}

func (e *Engine) admit() error {
	if e.memory == nil || e.cfg.MinFreeBytes == 0 {
		return nil
	}
	avail, err := e.memory.AvailableBytes(e.dev)
	if err != nil {
		metrics.RecordSessionRejected("memory_query")
		return fmt.Errorf("admission memory query on %s: %w", e.dev, err)
	}
	if avail < e.cfg.MinFreeBytes {
		metrics.RecordSessionRejected("memory")
		logger.Log.Warn("Session refused", "device", e.dev.String(), "available", avail, "required", e.cfg.MinFreeBytes)
		return fmt.Errorf("%w on %s: %d bytes available, %d required", ErrInsufficientMemory, e.dev, avail, e.cfg.MinFreeBytes)
	}
	return nil
}

func (e *Engine) owner(cache *kvcache.Cache) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.bound[cache]
	return id, ok
}

func (e *Engine) remove(id string, cache *kvcache.Cache) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, id)
	if e.bound[cache] == id {
		delete(e.bound, cache)
	}
}

// Session returns an open session by id.
func (e *Engine) Session(id string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of every open session, ordered by id.
func (e *Engine) Sessions() []SessionInfo {
	e.mu.Lock()
	open := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		open = append(open, s)
	}
	e.mu.Unlock()

	infos := make([]SessionInfo, 0, len(open))
	for _, s := range open {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// StepRequest pairs a session with the tokens of its next step.
type StepRequest struct {
	Session *Session
	Tokens  [][]int32
}

// StepAll runs one step on each session concurrently, at most
// cfg.MaxParallel at a time. Results are returned in request order. The
// first failing step cancels steps that have not started yet.
func (e *Engine) StepAll(ctx context.Context, steps []StepRequest) ([]*StepResult, error) {
	results := make([]*StepResult, len(steps))
	sem := semaphore.NewWeighted(int64(e.cfg.MaxParallel))
	g, ctx := errgroup.WithContext(ctx)
	for i, req := range steps {
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			res, err := req.Session.Step(req.Tokens)
			if err != nil {
				return fmt.Errorf("session %s: %w", req.Session.ID(), err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// FlushScalings exports the scalings log, if enabled.
func (e *Engine) FlushScalings(ctx context.Context) error {
	if e.log == nil {
		return nil
	}
	return e.log.Flush(ctx)
}

// Close closes every open session.
func (e *Engine) Close() {
	e.mu.Lock()
	open := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		open = append(open, s)
	}
	e.mu.Unlock()
	for _, s := range open {
		s.Close()
	}
}
