package repository

import (
	"context"
	"errors"
	"time"

	"hardmine/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type UserRepository struct {
	db       *pgxpool.Pool
	sessions *SessionRepository
}

func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db, sessions: NewSessionRepository(db)}
}

func (r *UserRepository) GetByTgID(ctx context.Context, tgID int64) (*domain.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, tg_id, COALESCE(username, ''), COALESCE(first_name, ''), balance, created_at
		 FROM users
		 WHERE tg_id = $1`,
		tgID,
	)
	return scanUser(row)
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, tg_id, COALESCE(username, ''), COALESCE(first_name, ''), balance, created_at
		 FROM users
		 WHERE id = $1`,
		id,
	)
	return scanUser(row)
}

// CreateWithSession registers the user and provisions the mining session in one
// transaction, so a user never exists without a session to accrue into.
// An existing tg_id keeps its row and its session; created reports a new signup.
func (r *UserRepository) CreateWithSession(ctx context.Context, u *domain.User, now time.Time) (s *domain.MiningSession, created bool, err error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// xmax = 0 only for a freshly inserted row
	err = tx.QueryRow(ctx,
		`INSERT INTO users (tg_id, username, first_name)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (tg_id) DO UPDATE
		 SET username = EXCLUDED.username, first_name = EXCLUDED.first_name
		 RETURNING id, balance, created_at, (xmax = 0)`,
		u.TgID, u.Username, u.FirstName,
	).Scan(&u.ID, &u.Balance, &u.CreatedAt, &created)
	if err != nil {
		return nil, false, err
	}

	s = domain.NewMiningSession(u.ID, now.UTC().Truncate(time.Microsecond))
	if err = r.sessions.CreateWithTx(ctx, tx, s); err != nil {
		return nil, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return s, created, nil
}

// GetBalance returns the user's spendable balance
func (r *UserRepository) GetBalance(ctx context.Context, userID int64) (float64, error) {
	var balance float64
	err := r.db.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	return balance, err
}

// CreditBalanceWithTx adds amount within an existing transaction
func (r *UserRepository) CreditBalanceWithTx(ctx context.Context, tx pgx.Tx, userID int64, amount float64) (float64, error) {
	var balance float64
	err := tx.QueryRow(ctx,
		`UPDATE users SET balance = balance + $1 WHERE id = $2 RETURNING balance`,
		amount, userID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	return balance, err
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(
		&u.ID,
		&u.TgID,
		&u.Username,
		&u.FirstName,
		&u.Balance,
		&u.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}
