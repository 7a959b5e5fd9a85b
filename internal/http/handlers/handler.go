package handlers

import (
	"context"
	"time"

	"hardmine/internal/domain"
	"hardmine/internal/mining"
)

// UserStore registers users and provisions their mining session at signup.
type UserStore interface {
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	CreateWithSession(ctx context.Context, u *domain.User, now time.Time) (*domain.MiningSession, bool, error)
}

// Wallet is the read side of the wallet ledger.
type Wallet interface {
	Balance(ctx context.Context, userID int64) (float64, error)
	History(ctx context.Context, userID int64, limit int) ([]*domain.Transaction, error)
}

type Auditor interface {
	LogLogin(ctx context.Context, userID int64, ip, userAgent string)
	LogSessionProvision(ctx context.Context, s *domain.MiningSession)
	LogTierChange(ctx context.Context, userID int64, from, to int)
}

// AuthConfig holds what the auth endpoint needs to validate and issue tokens.
type AuthConfig struct {
	BotToken       string
	DevMode        bool
	TokenTTL       time.Duration
	InitDataMaxAge time.Duration
}

type Handler struct {
	Users       UserStore
	Wallet      Wallet
	Audit       Auditor
	Registry    *mining.Registry
	Coordinator *mining.Coordinator
	Claims      mining.ClaimStore
	Rates       mining.RateTable
	AuthConfig  AuthConfig
}

// getUserID извлекает user_id из контекста Gin
func getUserID(c interface{ Get(any) (any, bool) }) (int64, bool) {
	uidVal, ok := c.Get("user_id")
	if !ok {
		return 0, false
	}
	switch v := uidVal.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
