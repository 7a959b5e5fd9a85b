package mining

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"hardmine/internal/domain"
	"hardmine/internal/logger"
	"hardmine/internal/metrics"

	"github.com/google/uuid"
)

// ClaimResult is returned to the caller after a committed claim.
type ClaimResult struct {
	ClaimID        int64     `json:"claim_id"`
	CreditedAmount float64   `json:"credited_amount"`
	TotalMined     float64   `json:"total_mined"`
	Credited       bool      `json:"credited"`
	ClaimedAt      time.Time `json:"claimed_at"`
}

// Coordinator moves pending accrual into total mined and the user's wallet.
type Coordinator struct {
	claims   ClaimStore
	ledger   Ledger
	txlog    TransactionLog
	notifier Notifier
	locker   Locker
	lockTTL  time.Duration
	timeout  time.Duration
	log      *slog.Logger
}

type CoordinatorOption func(*Coordinator)

func WithTransactionLog(l TransactionLog) CoordinatorOption {
	return func(co *Coordinator) { co.txlog = l }
}

func WithNotifier(n Notifier) CoordinatorOption {
	return func(co *Coordinator) { co.notifier = n }
}

// WithLocker serialises claims for the same user across processes.
func WithLocker(l Locker, ttl time.Duration) CoordinatorOption {
	return func(co *Coordinator) {
		co.locker = l
		co.lockTTL = ttl
	}
}

func WithCommitTimeout(d time.Duration) CoordinatorOption {
	return func(co *Coordinator) {
		if d > 0 {
			co.timeout = d
		}
	}
}

func NewCoordinator(claims ClaimStore, ledger Ledger, opts ...CoordinatorOption) *Coordinator {
	co := &Coordinator{
		claims:  claims,
		ledger:  ledger,
		lockTTL: 15 * time.Second,
		timeout: DefaultConfig().SaveTimeout,
		log:     logger.With("component", "mining_claim"),
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

func claimLockKey(userID int64) string {
	return "mining:claim:" + strconv.FormatInt(userID, 10)
}

// Claim captures pending(now) from ctrl, commits it in one guarded write and credits
// the wallet. Errors leave both the durable session and the display as they were.
func (co *Coordinator) Claim(ctx context.Context, ctrl *Controller) (ClaimResult, error) {
	userID := ctrl.UserID()

	if co.locker != nil {
		key := claimLockKey(userID)
		token, ok, err := co.locker.TryLock(ctx, key, co.lockTTL)
		switch {
		case err != nil:
			co.log.Warn("claim lock unavailable, relying on version guard", "user_id", userID, "error", err)
		case !ok:
			metrics.ClaimTotal.WithLabelValues(metrics.OutcomeConflict).Inc()
			return ClaimResult{}, ErrConflict
		default:
			defer func() {
				if err := co.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
					co.log.Warn("failed to release claim lock", "user_id", userID, "error", err)
				}
			}()
		}
	}

	t, err := ctrl.beginClaim(ctx)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientPending):
			metrics.ClaimTotal.WithLabelValues(metrics.OutcomeInsufficient).Inc()
		default:
			metrics.ClaimTotal.WithLabelValues(metrics.OutcomeSkipped).Inc()
		}
		return ClaimResult{}, err
	}

	requestID := uuid.NewString()
	commitCtx, cancel := context.WithTimeout(ctx, co.timeout)
	sess, rec, err := co.claims.CommitClaim(commitCtx, userID, t.guard, t.amount, t.at, requestID)
	cancel()
	err = classify(err)

	switch {
	case err == nil:
		ctrl.endClaim(sess)

	case errors.Is(err, ErrConflict):
		ctrl.endClaim(nil)
		metrics.ClaimTotal.WithLabelValues(metrics.OutcomeConflict).Inc()
		if rerr := ctrl.Reseed(ctx); rerr != nil {
			co.log.Warn("reseed after claim conflict failed", "user_id", userID, "error", rerr)
		}
		return ClaimResult{}, ErrConflict

	case errors.Is(err, ErrNotFound), errors.Is(err, domain.ErrInvalidUpdate):
		ctrl.endClaim(nil)
		metrics.ClaimTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return ClaimResult{}, err

	default:
		// The commit may have landed before the error surfaced. Our request id decides.
		rec, err = co.resolve(ctx, userID, requestID, err)
		ctrl.endClaim(nil)
		if err != nil {
			// Durable state is where the last good write left it; memory is not saved.
			ctrl.markFailure(err)
			if errors.Is(err, context.DeadlineExceeded) {
				metrics.ClaimTotal.WithLabelValues(metrics.OutcomeTimeout).Inc()
			} else {
				metrics.ClaimTotal.WithLabelValues(metrics.OutcomeTransient).Inc()
			}
			return ClaimResult{}, err
		}
		if rerr := ctrl.Reseed(context.WithoutCancel(ctx)); rerr != nil {
			co.log.Warn("reseed after uncertain claim failed", "user_id", userID, "error", rerr)
		}
	}

	metrics.ClaimTotal.WithLabelValues(metrics.OutcomeOK).Inc()
	metrics.ClaimedUnits.Add(rec.Amount)
	co.log.Info("claim committed", "user_id", userID, "claim_id", rec.ID, "amount", rec.Amount)

	res := ClaimResult{
		ClaimID:        rec.ID,
		CreditedAmount: rec.Amount,
		TotalMined:     rec.ResultingTotalMined,
		ClaimedAt:      rec.CreatedAt,
	}

	bg := context.WithoutCancel(ctx)
	creditCtx, cancelCredit := context.WithTimeout(bg, co.timeout)
	if err := co.ledger.Credit(creditCtx, userID, rec.Amount, rec.ID); err != nil {
		metrics.ClaimTotal.WithLabelValues(metrics.OutcomeUncredited).Inc()
		co.log.Warn("claim committed but wallet credit failed, left for reconciliation",
			"user_id", userID, "claim_id", rec.ID, "error", err)
	} else {
		res.Credited = true
	}
	cancelCredit()

	if co.txlog != nil {
		co.txlog.LogClaim(bg, rec)
	}
	version := ctrl.Snapshot().Version
	if sess != nil {
		version = sess.Version
	}
	co.publish(bg, userID, version)

	return res, nil
}

// ChangeTier switches ctrl to tierID and tells other instances holding the user.
func (co *Coordinator) ChangeTier(ctx context.Context, ctrl *Controller, tierID int) error {
	if err := ctrl.ChangeTier(ctx, tierID); err != nil {
		return err
	}
	co.publish(context.WithoutCancel(ctx), ctrl.UserID(), ctrl.Snapshot().Version)
	return nil
}

func (co *Coordinator) publish(ctx context.Context, userID, version int64) {
	if co.notifier == nil {
		return
	}
	if err := co.notifier.Publish(ctx, userID, version); err != nil {
		co.log.Warn("failed to publish session change", "user_id", userID, "error", err)
	}
}

// resolve looks up a claim whose commit outcome is unknown.
func (co *Coordinator) resolve(ctx context.Context, userID int64, requestID string, cause error) (*domain.ClaimRecord, error) {
	findCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), co.timeout)
	defer cancel()

	rec, err := co.claims.FindClaim(findCtx, userID, requestID)
	switch {
	case err == nil:
		co.log.Info("claim outcome recovered after commit error", "user_id", userID, "request_id", requestID, "cause", cause)
		return rec, nil
	case errors.Is(err, domain.ErrNotFound):
		co.log.Warn("claim did not commit", "user_id", userID, "error", cause)
	default:
		co.log.Error("claim outcome unknown, store unreachable", "user_id", userID, "error", err)
	}
	return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, cause)
}
