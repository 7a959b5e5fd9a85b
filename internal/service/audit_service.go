package service

import (
	"context"

	"hardmine/internal/domain"
	"hardmine/internal/logger"
	"hardmine/internal/repository"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditService handles audit logging. It doubles as the claim transaction log:
// failures are logged and never surface to the caller.
type AuditService struct {
	repo *repository.AuditRepository
}

func NewAuditService(db *pgxpool.Pool) *AuditService {
	return &AuditService{
		repo: repository.NewAuditRepository(db),
	}
}

// Log creates a new audit log entry
func (s *AuditService) Log(ctx context.Context, userID int64, action, category string, details map[string]interface{}) {
	s.LogWithRequest(ctx, userID, action, category, "", "", details)
}

// LogWithRequest creates an audit log with request info (IP, User-Agent)
func (s *AuditService) LogWithRequest(ctx context.Context, userID int64, action, category, ip, userAgent string, details map[string]interface{}) {
	entry := &domain.AuditLog{
		UserID:    userID,
		Action:    action,
		Category:  category,
		Details:   details,
		IP:        ip,
		UserAgent: userAgent,
	}

	if err := s.repo.Create(ctx, entry); err != nil {
		logger.Error("failed to create audit log", "error", err, "action", action, "user_id", userID)
	}
}

// LogLogin logs a user login
func (s *AuditService) LogLogin(ctx context.Context, userID int64, ip, userAgent string) {
	s.LogWithRequest(ctx, userID, domain.AuditActionLogin, domain.AuditCategoryAuth, ip, userAgent, nil)
}

func (s *AuditService) LogSessionProvision(ctx context.Context, sess *domain.MiningSession) {
	s.Log(ctx, sess.UserID, domain.AuditActionSessionProvision, domain.AuditCategoryMining, map[string]interface{}{
		"tier_id":         sess.TierID,
		"checkpoint_time": sess.CheckpointTime,
	})
}

// LogClaim appends the claim to the user's history.
func (s *AuditService) LogClaim(ctx context.Context, rec *domain.ClaimRecord) {
	s.Log(ctx, rec.UserID, domain.AuditActionMiningClaim, domain.AuditCategoryMining, map[string]interface{}{
		"claim_id":               rec.ID,
		"request_id":             rec.RequestID,
		"amount":                 rec.Amount,
		"source_checkpoint_time": rec.SourceCheckpointTime,
		"resulting_total_mined":  rec.ResultingTotalMined,
	})
}

func (s *AuditService) LogTierChange(ctx context.Context, userID int64, from, to int) {
	s.Log(ctx, userID, domain.AuditActionTierChange, domain.AuditCategoryMining, map[string]interface{}{
		"from": from,
		"to":   to,
	})
}

func (s *AuditService) LogBalanceCredit(ctx context.Context, userID int64, amount float64, claimID int64, newBalance float64) {
	s.Log(ctx, userID, domain.AuditActionBalanceCredit, domain.AuditCategoryBalance, map[string]interface{}{
		"amount":      amount,
		"claim_id":    claimID,
		"new_balance": newBalance,
	})
}

// GetUserAuditLogs returns audit logs for a user
func (s *AuditService) GetUserAuditLogs(ctx context.Context, userID int64, category string, limit int) ([]*domain.AuditLog, error) {
	return s.repo.GetByUserID(ctx, userID, category, limit)
}
