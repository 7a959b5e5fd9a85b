package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"hardmine/internal/domain"
	"hardmine/internal/repository"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrClaimNotFound = errors.New("claim not found")
	ErrInvalidAmount = errors.New("invalid amount")
)

// LedgerService is the wallet ledger. Mining claims are its only credit source.
type LedgerService struct {
	db              *pgxpool.Pool
	userRepo        *repository.UserRepository
	sessionRepo     *repository.SessionRepository
	transactionRepo *repository.TransactionRepository
	audit           *AuditService
}

func NewLedgerService(db *pgxpool.Pool, audit *AuditService) *LedgerService {
	return &LedgerService{
		db:              db,
		userRepo:        repository.NewUserRepository(db),
		sessionRepo:     repository.NewSessionRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		audit:           audit,
	}
}

// Balance returns user's spendable balance
func (s *LedgerService) Balance(ctx context.Context, userID int64) (float64, error) {
	balance, err := s.userRepo.GetBalance(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, ErrUserNotFound
	}
	return balance, err
}

// Credit moves a committed claim into the wallet. It is keyed by claim id:
// the first call credits, every replay is a no-op.
func (s *LedgerService) Credit(ctx context.Context, userID int64, amount float64, claimID int64) error {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	first, err := s.sessionRepo.MarkCreditedWithTx(ctx, tx, claimID, userID)
	if err != nil {
		return err
	}
	if !first {
		exists, err := repository.ClaimExists(ctx, tx, claimID, userID)
		if err != nil {
			return fmt.Errorf("check claim %d: %w", claimID, err)
		}
		if !exists {
			return ErrClaimNotFound
		}
		return nil
	}

	newBalance, err := s.userRepo.CreditBalanceWithTx(ctx, tx, userID, amount)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	// Record wallet history
	transaction := &domain.Transaction{
		UserID: userID,
		Type:   domain.TransactionTypeMiningClaim,
		Amount: amount,
		Meta:   map[string]interface{}{"claim_id": claimID},
	}
	if err = s.transactionRepo.CreateWithTx(ctx, tx, transaction); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}

	if s.audit != nil {
		s.audit.LogBalanceCredit(ctx, userID, amount, claimID, newBalance)
	}
	return nil
}

// History returns user's wallet history
func (s *LedgerService) History(ctx context.Context, userID int64, limit int) ([]*domain.Transaction, error) {
	return s.transactionRepo.GetByUserID(ctx, userID, limit)
}
