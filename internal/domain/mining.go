package domain

import (
	"math"
	"time"
)

// MiningSession is the durable accrual checkpoint of a single user.
// Pending reward is never stored; it is derived from the checkpoint and the clock.
type MiningSession struct {
	UserID            int64     `db:"user_id" json:"user_id"`
	TierID            int       `db:"tier_id" json:"tier_id"`
	CheckpointBalance float64   `db:"checkpoint_balance" json:"checkpoint_balance"`
	CheckpointTime    time.Time `db:"checkpoint_time" json:"checkpoint_time"`
	TotalMined        float64   `db:"total_mined" json:"total_mined"`
	IsActive          bool      `db:"is_active" json:"is_active"`
	Version           int64     `db:"version" json:"version"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// NewMiningSession returns the record provisioned at signup.
func NewMiningSession(userID int64, now time.Time) *MiningSession {
	return &MiningSession{
		UserID:         userID,
		CheckpointTime: now,
		IsActive:       true,
		Version:        1,
		UpdatedAt:      now,
	}
}

// Clone returns a copy that can be handed out without sharing state.
func (s *MiningSession) Clone() *MiningSession {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// SessionUpdate is a partial write to a MiningSession. Nil fields are left untouched.
type SessionUpdate struct {
	CheckpointBalance *float64   `json:"checkpoint_balance,omitempty"`
	CheckpointTime    *time.Time `json:"checkpoint_time,omitempty"`
	TierID            *int       `json:"tier_id,omitempty"`
	IsActive          *bool      `json:"is_active,omitempty"`
}

// Checkpoint builds the update written by a heartbeat flush.
func Checkpoint(balance float64, at time.Time) SessionUpdate {
	return SessionUpdate{CheckpointBalance: &balance, CheckpointTime: &at}
}

// WithTier sets the tier on an update.
func (u SessionUpdate) WithTier(tierID int) SessionUpdate {
	u.TierID = &tierID
	return u
}

// Validate checks the update against the stored record it is about to replace.
func (u SessionUpdate) Validate(current *MiningSession) error {
	if u.CheckpointBalance != nil {
		b := *u.CheckpointBalance
		if b < 0 || math.IsNaN(b) || math.IsInf(b, 0) {
			return ErrInvalidUpdate
		}
	}
	if u.TierID != nil && *u.TierID < 0 {
		return ErrInvalidUpdate
	}
	if u.CheckpointTime != nil && current != nil && u.CheckpointTime.Before(current.CheckpointTime) {
		return ErrInvalidUpdate
	}
	return nil
}

// Apply copies the non-nil fields onto s.
func (u SessionUpdate) Apply(s *MiningSession) {
	if u.CheckpointBalance != nil {
		s.CheckpointBalance = *u.CheckpointBalance
	}
	if u.CheckpointTime != nil {
		s.CheckpointTime = *u.CheckpointTime
	}
	if u.TierID != nil {
		s.TierID = *u.TierID
	}
	if u.IsActive != nil {
		s.IsActive = *u.IsActive
	}
}

// ClaimRecord is the append-only audit entry written once per successful claim.
// A record with a nil CreditedAt is owed to the wallet ledger.
type ClaimRecord struct {
	ID                   int64      `db:"id" json:"id"`
	UserID               int64      `db:"user_id" json:"user_id"`
	RequestID            string     `db:"request_id" json:"request_id"`
	Amount               float64    `db:"amount" json:"amount"`
	SourceCheckpointTime time.Time  `db:"source_checkpoint_time" json:"source_checkpoint_time"`
	ResultingTotalMined  float64    `db:"resulting_total_mined" json:"resulting_total_mined"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	CreditedAt           *time.Time `db:"credited_at" json:"credited_at,omitempty"`
}

// Credited reports whether the ledger has already received this claim.
func (c *ClaimRecord) Credited() bool {
	return c.CreditedAt != nil
}
