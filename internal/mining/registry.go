package mining

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"hardmine/internal/logger"
	"hardmine/internal/metrics"

	"github.com/jonboulle/clockwork"
)

// Registry keeps one controller per user for the lifetime of its subscribers
// and suspends it after an idle period without any.
type Registry struct {
	store SessionStore
	rates RateTable
	clock clockwork.Clock
	cfg   Config
	idle  time.Duration
	log   *slog.Logger

	mu      sync.Mutex
	entries map[int64]*registryEntry
}

type registryEntry struct {
	ctrl  *Controller
	refs  int
	timer clockwork.Timer
}

func NewRegistry(store SessionStore, rates RateTable, clock clockwork.Clock, cfg Config, idle time.Duration) *Registry {
	return &Registry{
		store:   store,
		rates:   rates,
		clock:   clock,
		cfg:     cfg.withDefaults(),
		idle:    idle,
		log:     logger.With("component", "mining_registry"),
		entries: make(map[int64]*registryEntry),
	}
}

// Acquire returns the user's live controller, starting it if needed.
// Every successful Acquire must be paired with Release.
func (r *Registry) Acquire(ctx context.Context, userID int64) (*Controller, error) {
	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok {
		e = &registryEntry{ctrl: NewController(userID, r.store, r.rates, r.clock, r.cfg)}
		r.entries[userID] = e
		metrics.ActiveControllers.Inc()
	}
	e.refs++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	r.mu.Unlock()

	if err := e.ctrl.Start(ctx); err != nil {
		r.mu.Lock()
		e.refs--
		if e.refs == 0 && r.entries[userID] == e {
			delete(r.entries, userID)
			metrics.ActiveControllers.Dec()
		}
		r.mu.Unlock()
		return nil, err
	}
	return e.ctrl, nil
}

// Get returns the controller without taking a reference.
func (r *Registry) Get(userID int64) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok {
		return nil, false
	}
	return e.ctrl, true
}

func (r *Registry) Release(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok || e.refs == 0 {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = r.clock.AfterFunc(r.idle, func() { r.evict(userID, e) })
}

func (r *Registry) evict(userID int64, e *registryEntry) {
	r.mu.Lock()
	if r.entries[userID] != e || e.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, userID)
	metrics.ActiveControllers.Dec()
	r.mu.Unlock()

	if err := e.ctrl.Suspend(context.Background()); err != nil {
		r.log.Warn("idle suspend flush failed", "user_id", userID, "error", err)
	}
}

// Suspend is the visibility-lost hook for one tab. The controller is suspended only
// when nothing holds it; while other streams do, it makes one bounded flush and stays live.
// A nil controller means the user had none.
func (r *Registry) Suspend(ctx context.Context, userID int64) (*Controller, error) {
	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok {
		r.mu.Unlock()
		return nil, nil
	}
	if e.refs > 0 {
		r.mu.Unlock()
		flushCtx, cancel := context.WithTimeout(ctx, r.cfg.SuspendFlushTimeout)
		defer cancel()
		return e.ctrl, e.ctrl.Flush(flushCtx)
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	delete(r.entries, userID)
	metrics.ActiveControllers.Dec()
	r.mu.Unlock()

	return e.ctrl, e.ctrl.Suspend(ctx)
}

// HandleSessionChanged reseeds a held controller when another writer moved the
// session past the version it knows.
func (r *Registry) HandleSessionChanged(ctx context.Context, userID, version int64) {
	ctrl, ok := r.Get(userID)
	if !ok || ctrl.Snapshot().Version >= version {
		return
	}
	if err := ctrl.Reseed(ctx); err != nil {
		r.log.Warn("reseed on session change failed", "user_id", userID, "error", err)
	}
}

// SuspendAll flushes and suspends every controller, e.g. on shutdown.
func (r *Registry) SuspendAll(ctx context.Context) error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[int64]*registryEntry)
	for _, e := range entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	metrics.ActiveControllers.Sub(float64(len(entries)))
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, e := range entries {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			if err := c.Suspend(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(e.ctrl)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
