package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"hardmine/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionColumns = `user_id, tier_id, checkpoint_balance, checkpoint_time, total_mined, is_active, version, updated_at`

const claimColumns = `id, user_id, request_id::text, amount, source_checkpoint_time, resulting_total_mined, created_at, credited_at`

// SessionRepository is the Postgres session store. Every write is guarded on version.
type SessionRepository struct {
	db *pgxpool.Pool
}

func NewSessionRepository(db *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Load(ctx context.Context, userID int64) (*domain.MiningSession, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM mining_sessions
		 WHERE user_id = $1`,
		userID,
	)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// Create provisions the session at signup.
func (r *SessionRepository) Create(ctx context.Context, s *domain.MiningSession) error {
	return r.db.QueryRow(ctx,
		`INSERT INTO mining_sessions (user_id, tier_id, checkpoint_balance, checkpoint_time, total_mined, is_active, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING updated_at`,
		s.UserID, s.TierID, s.CheckpointBalance, s.CheckpointTime, s.TotalMined, s.IsActive, s.Version,
	).Scan(&s.UpdatedAt)
}

// CreateWithTx provisions the session inside the signup transaction.
func (r *SessionRepository) CreateWithTx(ctx context.Context, tx pgx.Tx, s *domain.MiningSession) error {
	return tx.QueryRow(ctx,
		`INSERT INTO mining_sessions (user_id, tier_id, checkpoint_balance, checkpoint_time, total_mined, is_active, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		 RETURNING tier_id, checkpoint_balance, checkpoint_time, total_mined, is_active, version, updated_at`,
		s.UserID, s.TierID, s.CheckpointBalance, s.CheckpointTime, s.TotalMined, s.IsActive, s.Version,
	).Scan(&s.TierID, &s.CheckpointBalance, &s.CheckpointTime, &s.TotalMined, &s.IsActive, &s.Version, &s.UpdatedAt)
}

// Save applies upd only while version still equals guard.
func (r *SessionRepository) Save(ctx context.Context, userID int64, upd domain.SessionUpdate, guard int64) (*domain.MiningSession, error) {
	if err := upd.Validate(nil); err != nil {
		return nil, err
	}

	row := r.db.QueryRow(ctx,
		`UPDATE mining_sessions
		 SET checkpoint_balance = COALESCE($3::double precision, checkpoint_balance),
		     checkpoint_time = COALESCE($4::timestamptz, checkpoint_time),
		     tier_id = COALESCE($5::integer, tier_id),
		     is_active = COALESCE($6::boolean, is_active),
		     version = version + 1,
		     updated_at = now()
		 WHERE user_id = $1 AND version = $2
		   AND ($4::timestamptz IS NULL OR $4::timestamptz >= checkpoint_time)
		 RETURNING `+sessionColumns,
		userID, guard, upd.CheckpointBalance, upd.CheckpointTime, upd.TierID, upd.IsActive,
	)
	s, err := scanSession(row)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	// Nothing matched: tell a missing row from a stale guard from a backwards checkpoint.
	return nil, r.explainMiss(ctx, r.db, userID, guard)
}

// QueryRower is satisfied by *pgxpool.Pool and pgx.Tx.
type QueryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *SessionRepository) explainMiss(ctx context.Context, q QueryRower, userID, guard int64) error {
	var version int64
	err := q.QueryRow(ctx, `SELECT version FROM mining_sessions WHERE user_id = $1`, userID).Scan(&version)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return domain.ErrNotFound
	case err != nil:
		return err
	case version != guard:
		return domain.ErrConflict
	default:
		return domain.ErrInvalidUpdate
	}
}

// CommitClaim resets the checkpoint, adds amount to total mined and appends the claim
// record in one transaction guarded on version.
func (r *SessionRepository) CommitClaim(ctx context.Context, userID int64, guard int64, amount float64, at time.Time, requestID string) (*domain.MiningSession, *domain.ClaimRecord, error) {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, nil, domain.ErrInvalidUpdate
	}
	reqID, err := uuid.Parse(requestID)
	if err != nil {
		return nil, nil, fmt.Errorf("claim request id: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the session row
	var (
		version    int64
		checkpoint time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT version, checkpoint_time FROM mining_sessions WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&version, &checkpoint)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, domain.ErrNotFound
		}
		return nil, nil, err
	}
	if version != guard {
		return nil, nil, domain.ErrConflict
	}
	if at.Before(checkpoint) {
		return nil, nil, domain.ErrInvalidUpdate
	}

	s, err := scanSession(tx.QueryRow(ctx,
		`UPDATE mining_sessions
		 SET checkpoint_balance = 0,
		     checkpoint_time = $2,
		     total_mined = total_mined + $3,
		     version = version + 1,
		     updated_at = now()
		 WHERE user_id = $1
		 RETURNING `+sessionColumns,
		userID, at, amount,
	))
	if err != nil {
		return nil, nil, err
	}

	rec := &domain.ClaimRecord{
		UserID:               userID,
		RequestID:            reqID.String(),
		Amount:               amount,
		SourceCheckpointTime: checkpoint,
		ResultingTotalMined:  s.TotalMined,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO mining_claims (user_id, request_id, amount, source_checkpoint_time, resulting_total_mined)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		rec.UserID, reqID, rec.Amount, rec.SourceCheckpointTime, rec.ResultingTotalMined,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return nil, nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return s, rec, nil
}

// FindClaim looks up a claim by the request id it was committed with.
func (r *SessionRepository) FindClaim(ctx context.Context, userID int64, requestID string) (*domain.ClaimRecord, error) {
	reqID, err := uuid.Parse(requestID)
	if err != nil {
		return nil, domain.ErrNotFound
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+claimColumns+`
		 FROM mining_claims
		 WHERE user_id = $1 AND request_id = $2`,
		userID, reqID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs, err := scanClaims(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, domain.ErrNotFound
	}
	return recs[0], nil
}

// ListClaims returns a user's most recent claims
func (r *SessionRepository) ListClaims(ctx context.Context, userID int64, limit int) ([]*domain.ClaimRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+claimColumns+`
		 FROM mining_claims
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanClaims(rows)
}

// ListUncredited returns claims the wallet ledger has not received, oldest first.
func (r *SessionRepository) ListUncredited(ctx context.Context, createdBefore time.Time, limit int) ([]*domain.ClaimRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+claimColumns+`
		 FROM mining_claims
		 WHERE credited_at IS NULL AND created_at < $1
		 ORDER BY created_at
		 LIMIT $2`,
		createdBefore, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanClaims(rows)
}

// ClaimExists reports whether the user owns claimID.
func ClaimExists(ctx context.Context, q QueryRower, claimID, userID int64) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM mining_claims WHERE id = $1 AND user_id = $2)`,
		claimID, userID,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// MarkCreditedWithTx flips credited_at once. It reports false when the claim was
// already credited, which makes replays no-ops.
func (r *SessionRepository) MarkCreditedWithTx(ctx context.Context, tx pgx.Tx, claimID, userID int64) (bool, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE mining_claims SET credited_at = now()
		 WHERE id = $1 AND user_id = $2 AND credited_at IS NULL`,
		claimID, userID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanSession(row pgx.Row) (*domain.MiningSession, error) {
	var s domain.MiningSession
	if err := row.Scan(
		&s.UserID,
		&s.TierID,
		&s.CheckpointBalance,
		&s.CheckpointTime,
		&s.TotalMined,
		&s.IsActive,
		&s.Version,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.CheckpointTime = s.CheckpointTime.UTC()
	return &s, nil
}

func scanClaims(rows pgx.Rows) ([]*domain.ClaimRecord, error) {
	var recs []*domain.ClaimRecord
	for rows.Next() {
		var c domain.ClaimRecord
		if err := rows.Scan(
			&c.ID,
			&c.UserID,
			&c.RequestID,
			&c.Amount,
			&c.SourceCheckpointTime,
			&c.ResultingTotalMined,
			&c.CreatedAt,
			&c.CreditedAt,
		); err != nil {
			return nil, err
		}
		recs = append(recs, &c)
	}
	return recs, rows.Err()
}
