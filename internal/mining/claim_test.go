package mining

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hardmine/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimAfterOneHour(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1, 0)
	c := f.start(t, 1, testConfig())
	co := NewCoordinator(f.store, f.mem)

	f.clock.Advance(time.Hour)
	res, err := co.Claim(context.Background(), c)
	require.NoError(t, err)
	assert.InDelta(t, 0.0416667, res.CreditedAmount, 1e-6)
	assert.InDelta(t, res.CreditedAmount, res.TotalMined, 1e-12)
	assert.True(t, res.Credited)
	assert.Equal(t, t0.Add(time.Hour), res.ClaimedAt)

	s := f.stored(t, 1)
	assert.Equal(t, 0.0, s.CheckpointBalance)
	assert.Equal(t, t0.Add(time.Hour), s.CheckpointTime)
	assert.Equal(t, int64(2), s.Version)
	assert.InDelta(t, perHour, s.TotalMined, 1e-9)
	assert.InDelta(t, perHour, f.mem.Balance(1), 1e-9)

	assert.Equal(t, 0.0, c.Pending())
	assert.Equal(t, StatusLive, c.Status())

	// nothing accrued since the claim
	_, err = co.Claim(context.Background(), c)
	require.ErrorIs(t, err, ErrInsufficientPending)
	assert.Equal(t, int64(2), f.stored(t, 1).Version)
}

func TestClaimConservesAccrual(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1, 0)
	c := f.start(t, 1, testConfig())
	co := NewCoordinator(f.store, f.mem)

	f.clock.Advance(20 * time.Minute)
	require.NoError(t, c.Flush(context.Background()))
	f.clock.Advance(10 * time.Minute)
	_, err := co.Claim(context.Background(), c)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	// claimed plus pending always equals what an hour accrues
	assert.InDelta(t, perHour, f.stored(t, 1).TotalMined+c.Pending(), 1e-9)

	_, err = co.Claim(context.Background(), c)
	require.NoError(t, err)

	claims, err := f.mem.ListClaims(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, claims, 2)
	assert.InDelta(t, perHour, claims[0].ResultingTotalMined, 1e-9)
	assert.InDelta(t, perHour, f.mem.Balance(1), 1e-9)
}

func TestClaimTwoInstancesOnlyOneCommits(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1, 0)
	a := f.start(t, 1, testConfig())
	b := f.start(t, 1, testConfig())
	co := NewCoordinator(f.store, f.mem)

	f.clock.Advance(time.Hour)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, c := range []*Controller{a, b} {
		wg.Add(1)
		go func(i int, c *Controller) {
			defer wg.Done()
			_, errs[i] = co.Claim(context.Background(), c)
		}(i, c)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, ErrConflict)
	}
	assert.Equal(t, 1, succeeded)
	assert.InDelta(t, perHour, f.stored(t, 1).TotalMined, 1e-9)
	assert.InDelta(t, perHour, f.mem.Balance(1), 1e-9)

	// the loser converged on the committed record
	assert.Equal(t, int64(2), a.Snapshot().Version)
	assert.Equal(t, int64(2), b.Snapshot().Version)
}

func TestClaimSameControllerTwice(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1, 0)
	c := f.start(t, 1, testConfig())
	co := NewCoordinator(f.store, f.mem)

	f.clock.Advance(time.Hour)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = co.Claim(context.Background(), c)
		}(i)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ErrInsufficientPending)
			failed++
		}
	}
	assert.Equal(t, 1, failed)
	assert.InDelta(t, perHour, f.stored(t, 1).TotalMined, 1e-9)
}

func TestClaimConflictWithAnotherWriter(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1, 0)
	c := f.start(t, 1, testConfig())
	co := NewCoordinator(f.store, f.mem)

	f.clock.Advance(time.Hour)
	_, err := ApplyTierChange(context.Background(), f.store, testRates, 1, 1, f.clock.Now())
	require.NoError(t, err)

	_, err = co.Claim(context.Background(), c)
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, c.Snapshot().TierID)
	assert.Equal(t, StatusLive, c.Status())

	res, err := co.Claim(context.Background(), c)
	require.NoError(t, err)
	assert.InDelta(t, perHour, res.CreditedAmount, 1e-9)
}

func TestClaimCommitFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1, 0)
	c := f.start(t, 1, testConfig())
	co := NewCoordinator(f.store, f.mem)

	f.clock.Advance(time.Hour)
	f.store.failCommit(errors.New("connection refused"), false)

	_, err := co.Claim(context.Background(), c)
	require.ErrorIs(t, err, ErrStoreUnavailable)

	assert.Equal(t, StatusLive, c.Status())
	assert.False(t, c.Snapshot().Saved)
	assert.InDelta(t, perHour, c.Pending(), 1e-9)
	s := f.stored(t, 1)
	assert.Equal(t, int64(1), s.Version)
	assert.Equal(t, 0.0, s.TotalMined)
	assert.Equal(t, 0.0, f.mem.Balance(1))

	f.store.failCommit(nil, false)
	res, err := co.Claim(context.Background(), c)
	require.NoError(t, err)
	assert.InDelta(t, perHour, res.CreditedAmount, 1e-9)
	assert.True(t, c.Snapshot().Saved)
}

func TestClaimStoreFailuresFaultController(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1, 0)
	cfg := testConfig()
	cfg.FaultAfter = 2
	c := f.start(t, 1, cfg)
	co := NewCoordinator(f.store, f.mem)

	f.clock.Advance(time.Hour)
	f.store.failCommit(errors.New("connection refused"), false)

	_, err := co.Claim(context.Background(), c)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, StatusLive, c.Status())

	_, err = co.Claim(context.Background(), c)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, StatusFaulted, c.Status())
	assert.False(t, c.Snapshot().Saved)
	// display keeps accruing from memory
	assert.InDelta(t, perHour, c.Pending(), 1e-9)

	f.store.failCommit(nil, false)
	res, err := co.Claim(context.Background(), c)
	require.NoError(t, err)
	assert.InDelta(t, perHour, res.CreditedAmount, 1e-9)
	assert.Equal(t, StatusLive, c.Status())
	assert.True(t, c.Snapshot().Saved)
}

func TestClaimCommitTimeoutThatLanded(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1, 0)
	c := f.start(t, 1, testConfig())
	co := NewCoordinator(f.store, f.mem)

	f.clock.Advance(time.Hour)
	f.store.failCommit(context.DeadlineExceeded, true)

	res, err := co.Claim(context.Background(), c)
	require.NoError(t, err)
	assert.InDelta(t, perHour, res.CreditedAmount, 1e-9)
	assert.True(t, res.Credited)

	assert.Equal(t, int64(2), c.Snapshot().Version)
	assert.Equal(t, 0.0, c.Pending())
	assert.InDelta(t, perHour, f.mem.Balance(1), 1e-9)

	claims, err := f.mem.ListClaims(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Len(t, claims, 1)
}

func TestClaimLedgerFailureIsReconciled(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1, 0)
	c := f.start(t, 1, testConfig())
	down := ledgerFunc(func(context.Context, int64, float64, int64) error {
		return errors.New("wallet unavailable")
	})
	co := NewCoordinator(f.store, down)

	f.clock.Advance(time.Hour)
	res, err := co.Claim(context.Background(), c)
	require.NoError(t, err)
	assert.False(t, res.Credited)
	assert.Equal(t, 0.0, f.mem.Balance(1))

	r := NewReconciler(f.mem, f.mem, f.clock, 30*time.Second)

	// still inside the grace period
	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(31 * time.Second)
	n, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.InDelta(t, res.CreditedAmount, f.mem.Balance(1), 1e-12)

	n, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestClaimLock(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1, 0)
	c := f.start(t, 1, testConfig())
	f.clock.Advance(time.Hour)

	held := &stubLocker{ok: false}
	_, err := NewCoordinator(f.store, f.mem, WithLocker(held, time.Second)).Claim(context.Background(), c)
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, int64(1), f.stored(t, 1).Version)
	assert.InDelta(t, perHour, c.Pending(), 1e-9)

	// a broken lock backend does not block claims
	broken := &stubLocker{err: errors.New("redis: connection refused")}
	_, err = NewCoordinator(f.store, f.mem, WithLocker(broken, time.Second)).Claim(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, 0, broken.released)

	f.clock.Advance(time.Hour)
	free := &stubLocker{ok: true}
	_, err = NewCoordinator(f.store, f.mem, WithLocker(free, time.Second)).Claim(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, 1, free.released)
}

func TestClaimLogsAndNotifies(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1, 0)
	c := f.start(t, 1, testConfig())

	txlog := &recordingLog{}
	notifier := &recordingNotifier{}
	co := NewCoordinator(f.store, f.mem,
		WithTransactionLog(txlog),
		WithNotifier(notifier),
		WithCommitTimeout(time.Second),
	)

	f.clock.Advance(time.Hour)
	res, err := co.Claim(context.Background(), c)
	require.NoError(t, err)

	require.Len(t, txlog.recs, 1)
	assert.Equal(t, res.ClaimID, txlog.recs[0].ID)
	assert.Equal(t, t0, txlog.recs[0].SourceCheckpointTime)
	assert.NotEmpty(t, txlog.recs[0].RequestID)
	assert.Equal(t, []published{{userID: 1, version: 2}}, notifier.sent)
}

func TestClaimNotLive(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1, 0)
	c := NewController(1, f.store, testRates, f.clock, testConfig())

	_, err := NewCoordinator(f.store, f.mem).Claim(context.Background(), c)
	require.ErrorIs(t, err, ErrNotLive)
}

func TestChangeTierNotifies(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1, 0)
	c := f.start(t, 1, testConfig())

	notifier := &recordingNotifier{}
	co := NewCoordinator(f.store, f.mem, WithNotifier(notifier))

	f.clock.Advance(time.Hour)
	require.NoError(t, co.ChangeTier(context.Background(), c, 1))
	assert.Equal(t, 1, c.Snapshot().TierID)
	assert.Equal(t, []published{{userID: 1, version: 2}}, notifier.sent)

	// a rejected change publishes nothing
	require.ErrorIs(t, co.ChangeTier(context.Background(), c, -1), domain.ErrInvalidUpdate)
	assert.Len(t, notifier.sent, 1)
}

func TestChangeTierReachesOtherInstance(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1, 0)
	here := f.start(t, 1, testConfig())

	other := NewRegistry(f.store, testRates, f.clock, testConfig(), time.Hour)
	t.Cleanup(func() { _ = other.SuspendAll(context.Background()) })
	held, err := other.Acquire(context.Background(), 1)
	require.NoError(t, err)

	relay := notifierFunc(func(ctx context.Context, userID, version int64) error {
		other.HandleSessionChanged(ctx, userID, version)
		return nil
	})
	co := NewCoordinator(f.store, f.mem, WithNotifier(relay))

	f.clock.Advance(time.Hour)
	require.NoError(t, co.ChangeTier(context.Background(), here, 1))

	snap := held.Snapshot()
	assert.Equal(t, 1, snap.TierID)
	assert.Equal(t, int64(2), snap.Version)
	assert.Equal(t, 2.0, snap.RatePerDay)
}
