package mining

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hardmine/internal/domain"
	"hardmine/internal/logger"
	"hardmine/internal/metrics"

	"github.com/jonboulle/clockwork"
)

// Status is the lifecycle state of a Controller.
type Status int

const (
	StatusUninitialized Status = iota
	StatusBootstrapping
	StatusLive
	StatusClaiming
	StatusFaulted
	StatusSuspended
)

var statusNames = [...]string{
	StatusUninitialized: "uninitialized",
	StatusBootstrapping: "bootstrapping",
	StatusLive:          "live",
	StatusClaiming:      "claiming",
	StatusFaulted:       "faulted",
	StatusSuspended:     "suspended",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// Snapshot is what the UI layer observes on every display tick.
type Snapshot struct {
	UserID         int64     `json:"user_id"`
	Pending        float64   `json:"pending"`
	Status         Status    `json:"status"`
	Saved          bool      `json:"saved"`
	Stale          bool      `json:"stale"`
	TierID         int       `json:"tier_id"`
	RatePerDay     float64   `json:"rate_per_day"`
	TotalMined     float64   `json:"total_mined"`
	CheckpointTime time.Time `json:"checkpoint_time"`
	Version        int64     `json:"version"`
	At             time.Time `json:"at"`
}

// Config holds the controller timings.
type Config struct {
	TickInterval        time.Duration
	HeartbeatInterval   time.Duration
	SaveTimeout         time.Duration
	SuspendFlushTimeout time.Duration
	RetryBackoff        time.Duration
	MaxRetryBackoff     time.Duration
	// FaultAfter is the number of consecutive writes (flushes or claims) that could
	// not reach the store before the controller reports Faulted.
	FaultAfter int
}

func DefaultConfig() Config {
	return Config{
		TickInterval:        time.Second,
		HeartbeatInterval:   30 * time.Second,
		SaveTimeout:         8 * time.Second,
		SuspendFlushTimeout: 2 * time.Second,
		RetryBackoff:        500 * time.Millisecond,
		MaxRetryBackoff:     30 * time.Second,
		FaultAfter:          3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = d.SaveTimeout
	}
	if c.SuspendFlushTimeout <= 0 {
		c.SuspendFlushTimeout = d.SuspendFlushTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.MaxRetryBackoff < c.RetryBackoff {
		c.MaxRetryBackoff = max(d.MaxRetryBackoff, c.RetryBackoff)
	}
	if c.FaultAfter <= 0 {
		c.FaultAfter = d.FaultAfter
	}
	return c
}

// Controller owns the live checkpoint of one user. It republishes pending accrual
// on a display tick, checkpoints it on a heartbeat, and hosts the claim transition.
type Controller struct {
	userID int64
	store  SessionStore
	rates  RateTable
	clock  clockwork.Clock
	cfg    Config
	log    *slog.Logger

	// lifecycle serialises Start and Suspend.
	lifecycle sync.Mutex
	// writes is a one-slot semaphore held by every durable write this controller issues.
	writes chan struct{}

	mu         sync.Mutex
	status     Status
	cp         *domain.MiningSession
	saved      bool
	failures   int
	claiming   bool
	prevStatus Status
	cancel     context.CancelFunc
	done       chan struct{}

	subMu sync.Mutex
	subs  map[chan Snapshot]struct{}
}

func NewController(userID int64, store SessionStore, rates RateTable, clock clockwork.Clock, cfg Config) *Controller {
	return &Controller{
		userID: userID,
		store:  store,
		rates:  rates,
		clock:  clock,
		cfg:    cfg.withDefaults(),
		log:    logger.With("component", "mining_controller", "user_id", userID),
		writes: make(chan struct{}, 1),
		subs:   make(map[chan Snapshot]struct{}),
	}
}

func (c *Controller) UserID() int64 {
	return c.userID
}

// Start bootstraps the checkpoint from the store and launches the display tick and
// heartbeat loops. It also resumes a suspended controller. Calling it on a running
// controller is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.status != StatusUninitialized && c.status != StatusSuspended {
		c.mu.Unlock()
		return nil
	}
	c.setStatusLocked(StatusBootstrapping)
	c.mu.Unlock()
	c.publish()

	if err := c.bootstrap(ctx); err != nil {
		c.mu.Lock()
		c.setStatusLocked(StatusUninitialized)
		c.mu.Unlock()
		c.publish()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.run(loopCtx, done)
	c.publish()
	c.log.Debug("mining session live")
	return nil
}

// OnResume is the host hook for visibility regained. Accrual while away needs no
// replay: pending is a function of elapsed time, so reloading the checkpoint is enough.
func (c *Controller) OnResume(ctx context.Context) error {
	return c.Start(ctx)
}

// OnSuspend is the host hook for visibility lost or shutdown.
func (c *Controller) OnSuspend(ctx context.Context) error {
	return c.Suspend(ctx)
}

// Suspend stops both loops and makes one best-effort flush bounded by SuspendFlushTimeout.
// The durable checkpoint plus the next bootstrap recover whatever this flush misses.
func (c *Controller) Suspend(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	status := c.status
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if status == StatusUninitialized || status == StatusSuspended {
		return nil
	}
	if cancel != nil {
		cancel()
		<-done
	}

	flushCtx, cancelFlush := context.WithTimeout(ctx, c.cfg.SuspendFlushTimeout)
	defer cancelFlush()

	err := c.acquireWrites(flushCtx)
	if err == nil {
		err = c.flush(flushCtx)
		c.releaseWrites()
	}

	c.mu.Lock()
	c.setStatusLocked(StatusSuspended)
	c.mu.Unlock()
	c.publish()

	if err != nil {
		c.log.Warn("suspend flush failed, relying on last checkpoint", "error", err)
		return err
	}
	return nil
}

// Pending is cheap and always available: it never touches the store.
func (c *Controller) Pending() float64 {
	return c.Snapshot().Pending
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(c.now())
}

func (c *Controller) snapshotLocked(now time.Time) Snapshot {
	snap := Snapshot{
		UserID: c.userID,
		Status: c.status,
		Saved:  c.saved,
		At:     now,
	}
	if c.cp == nil {
		snap.Stale = true
		return snap
	}
	snap.Stale = c.status == StatusBootstrapping
	snap.TierID = c.cp.TierID
	if c.cp.IsActive {
		snap.RatePerDay = c.rates.Rate(c.cp.TierID)
	}
	snap.TotalMined = c.cp.TotalMined
	snap.CheckpointTime = c.cp.CheckpointTime
	snap.Version = c.cp.Version
	if !c.claiming {
		snap.Pending = PendingFor(c.cp, c.rates, now)
	}
	return snap
}

// Subscribe returns a channel receiving the latest snapshot on every tick.
// Slow readers only ever see the newest value.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, ch)
			close(ch)
			c.subMu.Unlock()
		})
	}
}

func (c *Controller) publish() {
	snap := c.Snapshot()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// Flush writes pending(now) as the new checkpoint, guarded on the version last seen.
// A lost race is resolved by reloading, never by retrying the stale write.
func (c *Controller) Flush(ctx context.Context) error {
	if err := c.acquireWrites(ctx); err != nil {
		return err
	}
	defer c.releaseWrites()
	return c.flush(ctx)
}

// flush requires the writes semaphore.
func (c *Controller) flush(ctx context.Context) error {
	c.mu.Lock()
	if c.cp == nil || !c.writableLocked() {
		c.mu.Unlock()
		metrics.FlushTotal.WithLabelValues(metrics.OutcomeSkipped).Inc()
		return nil
	}
	now := c.now()
	if now.Before(c.cp.CheckpointTime) {
		c.mu.Unlock()
		metrics.FlushTotal.WithLabelValues(metrics.OutcomeSkipped).Inc()
		return nil
	}
	balance := PendingFor(c.cp, c.rates, now)
	guard := c.cp.Version
	c.mu.Unlock()

	saveCtx, cancel := context.WithTimeout(ctx, c.cfg.SaveTimeout)
	s, err := c.store.Save(saveCtx, c.userID, domain.Checkpoint(balance, now), guard)
	cancel()
	err = classify(err)

	switch {
	case err == nil:
		metrics.FlushTotal.WithLabelValues(metrics.OutcomeOK).Inc()
		c.mu.Lock()
		c.seedLocked(s)
		c.recoverLocked()
		c.mu.Unlock()
		return nil

	case errors.Is(err, ErrConflict), errors.Is(err, domain.ErrInvalidUpdate):
		metrics.FlushTotal.WithLabelValues(metrics.OutcomeConflict).Inc()
		c.log.Debug("heartbeat superseded by another writer, reseeding", "guard", guard)
		if rerr := c.reseed(ctx); rerr != nil {
			c.markFailure(rerr)
			return rerr
		}
		return nil

	case errors.Is(err, context.Canceled):
		return err

	case errors.Is(err, ErrNotFound):
		metrics.FlushTotal.WithLabelValues(metrics.OutcomeNotFound).Inc()
		c.markFailure(err)
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		metrics.FlushTotal.WithLabelValues(metrics.OutcomeTimeout).Inc()
	} else {
		metrics.FlushTotal.WithLabelValues(metrics.OutcomeTransient).Inc()
	}

	// The write may or may not have landed. Reload and let the stored version decide.
	s, lerr := c.load(ctx)
	if lerr != nil {
		c.markFailure(lerr)
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	c.mu.Lock()
	c.seedLocked(s)
	landed := c.cp.Version > guard
	if landed {
		c.recoverLocked()
	}
	c.mu.Unlock()
	if landed {
		c.publish()
		return nil
	}
	c.markFailure(err)
	return err
}

// Reseed reloads the durable record, e.g. after another tab or instance wrote it.
func (c *Controller) Reseed(ctx context.Context) error {
	err := c.reseed(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrNotFound) {
		c.markFailure(err)
	}
	return err
}

func (c *Controller) reseed(ctx context.Context) error {
	s, err := c.load(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.seedLocked(s)
	c.recoverLocked()
	c.mu.Unlock()
	c.publish()
	return nil
}

// ChangeTier closes the current accrual interval at the old rate and switches tier
// in the same guarded write, so the new rate applies only from now onward.
func (c *Controller) ChangeTier(ctx context.Context, tierID int) error {
	if tierID < 0 {
		return domain.ErrInvalidUpdate
	}
	if err := c.acquireWrites(ctx); err != nil {
		return err
	}
	defer c.releaseWrites()

	c.mu.Lock()
	if c.cp == nil || !c.writableLocked() {
		c.mu.Unlock()
		return ErrNotLive
	}
	upd := TierChange(c.cp, c.rates, tierID, c.now())
	guard := c.cp.Version
	c.mu.Unlock()

	saveCtx, cancel := context.WithTimeout(ctx, c.cfg.SaveTimeout)
	s, err := c.store.Save(saveCtx, c.userID, upd, guard)
	cancel()
	if err = classify(err); err != nil {
		if errors.Is(err, ErrConflict) {
			_ = c.reseed(ctx)
		}
		return fmt.Errorf("change tier: %w", err)
	}

	c.mu.Lock()
	c.seedLocked(s)
	c.recoverLocked()
	c.mu.Unlock()
	c.publish()
	c.log.Info("tier changed", "tier_id", tierID, "version", s.Version)
	return nil
}

// TierChange builds the write that checkpoints accrual at the old tier and sets the new one.
func TierChange(s *domain.MiningSession, rates RateTable, tierID int, at time.Time) domain.SessionUpdate {
	if at.Before(s.CheckpointTime) {
		at = s.CheckpointTime
	}
	return domain.Checkpoint(PendingFor(s, rates, at), at).WithTier(tierID)
}

// ApplyTierChange performs a tier change for a user without a live controller.
func ApplyTierChange(ctx context.Context, store SessionStore, rates RateTable, userID int64, tierID int, at time.Time) (*domain.MiningSession, error) {
	if tierID < 0 {
		return nil, domain.ErrInvalidUpdate
	}
	s, err := store.Load(ctx, userID)
	if err != nil {
		return nil, classify(err)
	}
	s, err = store.Save(ctx, userID, TierChange(s, rates, tierID, at), s.Version)
	return s, classify(err)
}

// claimTicket is the frozen view of the checkpoint a claim is about to consume.
type claimTicket struct {
	amount float64
	guard  int64
	at     time.Time
}

// beginClaim moves the controller into Claiming and zeroes the displayed pending.
// The in-memory checkpoint is left untouched so endClaim(nil) can roll back.
func (c *Controller) beginClaim(ctx context.Context) (*claimTicket, error) {
	c.mu.Lock()
	if c.claiming {
		c.mu.Unlock()
		return nil, ErrInsufficientPending
	}
	if c.cp == nil || !c.writableLocked() {
		c.mu.Unlock()
		return nil, ErrNotLive
	}
	c.claiming = true
	c.mu.Unlock()
	c.publish()

	if err := c.acquireWrites(ctx); err != nil {
		c.mu.Lock()
		c.claiming = false
		c.mu.Unlock()
		c.publish()
		return nil, err
	}

	c.mu.Lock()
	if !c.writableLocked() {
		c.claiming = false
		c.mu.Unlock()
		c.releaseWrites()
		c.publish()
		return nil, ErrNotLive
	}
	now := c.now()
	amount := PendingFor(c.cp, c.rates, now)
	if amount <= 0 {
		c.claiming = false
		c.mu.Unlock()
		c.releaseWrites()
		c.publish()
		return nil, ErrInsufficientPending
	}
	t := &claimTicket{amount: amount, guard: c.cp.Version, at: now}
	c.prevStatus = c.status
	c.setStatusLocked(StatusClaiming)
	c.mu.Unlock()
	return t, nil
}

// endClaim leaves Claiming. A nil session means the claim did not commit: display
// resumes from the untouched checkpoint, including what accrued while it was in flight.
func (c *Controller) endClaim(s *domain.MiningSession) {
	c.mu.Lock()
	c.claiming = false
	if c.status == StatusClaiming {
		c.setStatusLocked(c.prevStatus)
	}
	if s != nil {
		c.seedLocked(s)
		c.recoverLocked()
	}
	c.mu.Unlock()
	c.releaseWrites()
	c.publish()
}

func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.tickLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop(ctx)
	}()
	wg.Wait()
}

func (c *Controller) tickLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.publish()
		}
	}
}

func (c *Controller) heartbeatLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := c.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.log.Warn("heartbeat flush failed", "error", err)
			}
		}
	}
}

func (c *Controller) bootstrap(ctx context.Context) error {
	backoff := c.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		s, err := c.load(ctx)
		if err == nil {
			c.mu.Lock()
			c.seedLocked(s)
			c.recoverLocked()
			c.setStatusLocked(StatusLive)
			c.mu.Unlock()
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			c.log.Error("mining session is not provisioned")
			return fmt.Errorf("bootstrap user %d: %w", c.userID, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.log.Warn("bootstrap load failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(backoff):
		}
		backoff = min(backoff*2, c.cfg.MaxRetryBackoff)
	}
}

func (c *Controller) load(ctx context.Context) (*domain.MiningSession, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SaveTimeout)
	defer cancel()
	s, err := c.store.Load(ctx, c.userID)
	return s, classify(err)
}

// seedLocked replaces the in-memory checkpoint unless s is older than what we hold.
func (c *Controller) seedLocked(s *domain.MiningSession) bool {
	if s == nil {
		return false
	}
	if c.cp != nil && s.Version < c.cp.Version {
		return false
	}
	c.cp = s.Clone()
	return true
}

// recoverLocked records that memory matches a durable row again.
func (c *Controller) recoverLocked() {
	c.saved = true
	c.failures = 0
	if c.status == StatusFaulted {
		c.setStatusLocked(StatusLive)
	}
}

func (c *Controller) markFailure(err error) {
	c.mu.Lock()
	c.failures++
	c.saved = false
	if c.failures >= c.cfg.FaultAfter && c.status == StatusLive {
		c.setStatusLocked(StatusFaulted)
		c.log.Warn("session store unreachable, accrual continues from memory", "failures", c.failures, "error", err)
	}
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) writableLocked() bool {
	return c.status == StatusLive || c.status == StatusFaulted
}

func (c *Controller) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	if s == StatusFaulted {
		metrics.FaultedControllers.Inc()
	} else if c.status == StatusFaulted {
		metrics.FaultedControllers.Dec()
	}
	c.status = s
}

func (c *Controller) acquireWrites(ctx context.Context) error {
	select {
	case c.writes <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) releaseWrites() {
	<-c.writes
}

// now is truncated to the store's timestamp precision so guards compare exactly.
func (c *Controller) now() time.Time {
	return c.clock.Now().UTC().Truncate(time.Microsecond)
}
