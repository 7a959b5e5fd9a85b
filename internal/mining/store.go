package mining

import (
	"context"
	"time"

	"hardmine/internal/domain"
)

// SessionStore reads and writes the durable MiningSession.
// Save applies upd only while the stored version still equals guard and
// returns domain.ErrConflict otherwise; it never overwrites blindly.
type SessionStore interface {
	Load(ctx context.Context, userID int64) (*domain.MiningSession, error)
	Save(ctx context.Context, userID int64, upd domain.SessionUpdate, guard int64) (*domain.MiningSession, error)
}

// ClaimStore commits claims and exposes the claim log used for reconciliation.
type ClaimStore interface {
	// CommitClaim resets the checkpoint to (0, at), adds amount to total mined and
	// appends the claim record, all guarded on version == guard.
	CommitClaim(ctx context.Context, userID int64, guard int64, amount float64, at time.Time, requestID string) (*domain.MiningSession, *domain.ClaimRecord, error)
	FindClaim(ctx context.Context, userID int64, requestID string) (*domain.ClaimRecord, error)
	ListClaims(ctx context.Context, userID int64, limit int) ([]*domain.ClaimRecord, error)
	ListUncredited(ctx context.Context, createdBefore time.Time, limit int) ([]*domain.ClaimRecord, error)
}

// Ledger credits spendable balance. Credit must be a no-op for a claim id it already credited.
type Ledger interface {
	Credit(ctx context.Context, userID int64, amount float64, claimID int64) error
}

// TransactionLog records claims for history. Failures are the log's own concern.
type TransactionLog interface {
	LogClaim(ctx context.Context, rec *domain.ClaimRecord)
}

// Notifier tells other processes and tabs that a session changed durably.
type Notifier interface {
	Publish(ctx context.Context, userID int64, version int64) error
}

// Locker is an optional cross-process mutex around claims.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}
