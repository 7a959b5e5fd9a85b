package mining

import (
	"time"

	"hardmine/internal/domain"
)

const secondsPerDay = 86400.0

// Pending returns the accrued-but-unclaimed amount at now for a checkpoint.
// It is a pure function of its inputs; time is never read here.
func Pending(balance float64, checkpoint time.Time, ratePerDay float64, active bool, now time.Time) float64 {
	if !active || ratePerDay <= 0 || !now.After(checkpoint) {
		return balance
	}
	elapsed := now.Sub(checkpoint).Seconds()
	return balance + ratePerDay*elapsed/secondsPerDay
}

// PendingFor evaluates Pending for a stored session.
func PendingFor(s *domain.MiningSession, rates RateTable, now time.Time) float64 {
	if s == nil {
		return 0
	}
	return Pending(s.CheckpointBalance, s.CheckpointTime, rates.Rate(s.TierID), s.IsActive, now)
}
