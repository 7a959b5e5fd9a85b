package repository

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"hardmine/internal/domain"
)

// MemorySessionRepository keeps sessions, claims and wallet balances in process memory.
// Writes are read-compare-modify under one mutex, so the version guard behaves
// exactly like the Postgres store.
type MemorySessionRepository struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[int64]*domain.MiningSession
	claims   []*domain.ClaimRecord
	balances map[int64]float64
	nextID   int64
}

func NewMemorySessionRepository(now func() time.Time) *MemorySessionRepository {
	if now == nil {
		now = time.Now
	}
	return &MemorySessionRepository{
		now:      now,
		sessions: make(map[int64]*domain.MiningSession),
		balances: make(map[int64]float64),
	}
}

func (r *MemorySessionRepository) Create(_ context.Context, s *domain.MiningSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.UserID]; ok {
		return domain.ErrConflict
	}
	s.UpdatedAt = r.now()
	r.sessions[s.UserID] = s.Clone()
	return nil
}

func (r *MemorySessionRepository) Load(ctx context.Context, userID int64) (*domain.MiningSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.Clone(), nil
}

func (r *MemorySessionRepository) Save(ctx context.Context, userID int64, upd domain.SessionUpdate, guard int64) (*domain.MiningSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if s.Version != guard {
		return nil, domain.ErrConflict
	}
	if err := upd.Validate(s); err != nil {
		return nil, err
	}
	next := s.Clone()
	upd.Apply(next)
	next.Version++
	next.UpdatedAt = r.now()
	r.sessions[userID] = next
	return next.Clone(), nil
}

func (r *MemorySessionRepository) CommitClaim(ctx context.Context, userID int64, guard int64, amount float64, at time.Time, requestID string) (*domain.MiningSession, *domain.ClaimRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, nil, domain.ErrInvalidUpdate
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[userID]
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	if s.Version != guard {
		return nil, nil, domain.ErrConflict
	}
	if at.Before(s.CheckpointTime) {
		return nil, nil, domain.ErrInvalidUpdate
	}
	for _, c := range r.claims {
		if c.RequestID == requestID {
			return nil, nil, domain.ErrConflict
		}
	}

	next := s.Clone()
	next.CheckpointBalance = 0
	next.CheckpointTime = at
	next.TotalMined += amount
	next.Version++
	next.UpdatedAt = r.now()

	r.nextID++
	rec := &domain.ClaimRecord{
		ID:                   r.nextID,
		UserID:               userID,
		RequestID:            requestID,
		Amount:               amount,
		SourceCheckpointTime: s.CheckpointTime,
		ResultingTotalMined:  next.TotalMined,
		CreatedAt:            r.now(),
	}
	r.sessions[userID] = next
	r.claims = append(r.claims, rec)

	out := *rec
	return next.Clone(), &out, nil
}

func (r *MemorySessionRepository) FindClaim(_ context.Context, userID int64, requestID string) (*domain.ClaimRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.claims {
		if c.UserID == userID && c.RequestID == requestID {
			out := *c
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MemorySessionRepository) ListClaims(_ context.Context, userID int64, limit int) ([]*domain.ClaimRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.ClaimRecord
	for i := len(r.claims) - 1; i >= 0; i-- {
		if r.claims[i].UserID != userID {
			continue
		}
		c := *r.claims[i]
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MemorySessionRepository) ListUncredited(_ context.Context, createdBefore time.Time, limit int) ([]*domain.ClaimRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.ClaimRecord
	for _, c := range r.claims {
		if c.CreditedAt != nil || !c.CreatedAt.Before(createdBefore) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Credit is the in-memory wallet ledger. A claim is credited at most once.
func (r *MemorySessionRepository) Credit(ctx context.Context, userID int64, amount float64, claimID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.claims {
		if c.ID != claimID || c.UserID != userID {
			continue
		}
		if c.CreditedAt != nil {
			return nil
		}
		at := r.now()
		c.CreditedAt = &at
		r.balances[userID] += c.Amount
		return nil
	}
	return domain.ErrNotFound
}

func (r *MemorySessionRepository) Balance(userID int64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances[userID]
}
