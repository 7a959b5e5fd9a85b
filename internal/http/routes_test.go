package http

import (
	"bytes"
	"context"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"hardmine/internal/domain"
	"hardmine/internal/http/handlers"
	"hardmine/internal/http/middleware"
	"hardmine/internal/mining"
	"hardmine/internal/repository"
	"hardmine/internal/service"
	"hardmine/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryUsers provisions users into the in-memory session store.
// Sessions start on the injected clock, not the request time.
type memoryUsers struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	sessions *repository.MemorySessionRepository
	byTg     map[int64]*domain.User
	nextID   int64
}

func (u *memoryUsers) GetByID(_ context.Context, id int64) (*domain.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, usr := range u.byTg {
		if usr.ID == id {
			cp := *usr
			cp.Balance = u.sessions.Balance(id)
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (u *memoryUsers) CreateWithSession(ctx context.Context, usr *domain.User, _ time.Time) (*domain.MiningSession, bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if existing, ok := u.byTg[usr.TgID]; ok {
		*usr = *existing
		s, err := u.sessions.Load(ctx, usr.ID)
		return s, false, err
	}
	now := u.clock.Now()
	u.nextID++
	usr.ID = u.nextID
	usr.CreatedAt = now
	cp := *usr
	u.byTg[usr.TgID] = &cp

	s := domain.NewMiningSession(usr.ID, now)
	if err := u.sessions.Create(ctx, s); err != nil {
		return nil, false, err
	}
	return s, true, nil
}

type memoryWallet struct {
	sessions *repository.MemorySessionRepository
}

func (w memoryWallet) Balance(_ context.Context, userID int64) (float64, error) {
	return w.sessions.Balance(userID), nil
}

func (w memoryWallet) History(context.Context, int64, int) ([]*domain.Transaction, error) {
	return nil, nil
}

type testServer struct {
	engine   *gin.Engine
	clock    *clockwork.FakeClock
	store    *repository.MemorySessionRepository
	registry *mining.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	service.InitJWT("test-secret")

	clock := clockwork.NewFakeClockAt(time.Now().UTC().Truncate(time.Second))
	store := repository.NewMemorySessionRepository(clock.Now)
	rates := mining.StaticRates{0: 1, 1: 2}

	cfg := mining.DefaultConfig()
	cfg.HeartbeatInterval = 24 * time.Hour
	// idle eviction stays out of the way of these tests
	registry := mining.NewRegistry(store, rates, clock, cfg, 48*time.Hour)
	t.Cleanup(func() { _ = registry.SuspendAll(context.Background()) })

	h := &handlers.Handler{
		Users:       &memoryUsers{clock: clock, sessions: store, byTg: make(map[int64]*domain.User)},
		Wallet:      memoryWallet{sessions: store},
		Registry:    registry,
		Coordinator: mining.NewCoordinator(store, store),
		Claims:      store,
		Rates:       rates,
		AuthConfig:  handlers.AuthConfig{DevMode: true, TokenTTL: time.Hour},
	}

	r := gin.New()
	RegisterRoutes(r, Deps{
		Handler: h,
		Health:  handlers.NewHealthHandler("test", nil, registry.Len),
		Limiter: middleware.NewRateLimiter(nil),
		Hub:     ws.NewHub(),
		Limits:  DefaultLimits(),
	})
	return &testServer{engine: r, clock: clock, store: store, registry: registry}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *testServer) login(t *testing.T, tgID int) string {
	t.Helper()
	initData := `user={"id":` + itoa(tgID) + `,"username":"miner"}`
	w := s.do(t, nethttp.MethodPost, "/api/v1/auth", "", gin.H{"init_data": initData})
	require.Equal(t, nethttp.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestMiningFlow(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, 777)

	w := s.do(t, nethttp.MethodGet, "/api/v1/mining", token, nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	snap := decode[mining.Snapshot](t, w)
	assert.Equal(t, mining.StatusLive, snap.Status)
	assert.Equal(t, 0.0, snap.Pending)

	s.clock.Advance(time.Hour)
	snap = decode[mining.Snapshot](t, s.do(t, nethttp.MethodGet, "/api/v1/mining", token, nil))
	assert.InDelta(t, 1.0/24, snap.Pending, 1e-9)

	w = s.do(t, nethttp.MethodPost, "/api/v1/mining/claim", token, nil)
	require.Equal(t, nethttp.StatusOK, w.Code, w.Body.String())
	res := decode[mining.ClaimResult](t, w)
	assert.InDelta(t, 0.0416667, res.CreditedAmount, 1e-6)
	assert.True(t, res.Credited)

	w = s.do(t, nethttp.MethodPost, "/api/v1/mining/claim", token, nil)
	assert.Equal(t, nethttp.StatusUnprocessableEntity, w.Code)

	claims := decode[struct {
		Claims []domain.ClaimRecord `json:"claims"`
	}](t, s.do(t, nethttp.MethodGet, "/api/v1/mining/claims", token, nil))
	require.Len(t, claims.Claims, 1)
	assert.InDelta(t, res.CreditedAmount, claims.Claims[0].Amount, 1e-12)

	wallet := decode[struct {
		Balance float64 `json:"balance"`
	}](t, s.do(t, nethttp.MethodGet, "/api/v1/wallet", token, nil))
	assert.InDelta(t, res.CreditedAmount, wallet.Balance, 1e-12)

	me := decode[struct {
		TgID    int64   `json:"tg_id"`
		Balance float64 `json:"balance"`
	}](t, s.do(t, nethttp.MethodGet, "/api/me", token, nil))
	assert.Equal(t, int64(777), me.TgID)
	assert.InDelta(t, res.CreditedAmount, me.Balance, 1e-12)
}

func TestMiningTierChange(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, 778)

	s.clock.Advance(12 * time.Hour)
	w := s.do(t, nethttp.MethodPost, "/api/v1/mining/tier", token, gin.H{"tier": 1})
	require.Equal(t, nethttp.StatusOK, w.Code, w.Body.String())
	snap := decode[mining.Snapshot](t, w)
	assert.Equal(t, 1, snap.TierID)
	assert.Equal(t, 2.0, snap.RatePerDay)

	s.clock.Advance(12 * time.Hour)
	snap = decode[mining.Snapshot](t, s.do(t, nethttp.MethodGet, "/api/v1/mining", token, nil))
	assert.InDelta(t, 1.5, snap.Pending, 1e-9)

	assert.Equal(t, nethttp.StatusBadRequest, s.do(t, nethttp.MethodPost, "/api/v1/mining/tier", token, gin.H{"tier": 9}).Code)
	assert.Equal(t, nethttp.StatusBadRequest, s.do(t, nethttp.MethodPost, "/api/v1/mining/tier", token, gin.H{}).Code)
}

func TestMiningSuspendResume(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, 779)
	require.Equal(t, nethttp.StatusOK, s.do(t, nethttp.MethodGet, "/api/v1/mining", token, nil).Code)

	s.clock.Advance(time.Hour)
	// no stream holds the controller, so it is suspended for real
	w := s.do(t, nethttp.MethodPost, "/api/v1/mining/suspend", token, nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	assert.Equal(t, mining.StatusSuspended, decode[mining.Snapshot](t, w).Status)
	assert.Equal(t, 0, s.registry.Len())

	s.clock.Advance(time.Hour)
	w = s.do(t, nethttp.MethodPost, "/api/v1/mining/resume", token, nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	snap := decode[mining.Snapshot](t, w)
	assert.Equal(t, mining.StatusLive, snap.Status)
	assert.InDelta(t, 2.0/24, snap.Pending, 1e-9)

	w = s.do(t, nethttp.MethodPost, "/api/v1/mining/flush", token, nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	assert.True(t, decode[mining.Snapshot](t, w).Saved)
}

func TestMiningSuspendWithOpenStream(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, 780)
	snap := decode[mining.Snapshot](t, s.do(t, nethttp.MethodGet, "/api/v1/mining", token, nil))

	// a stream in another tab holds the controller
	ctrl, err := s.registry.Acquire(context.Background(), snap.UserID)
	require.NoError(t, err)
	defer s.registry.Release(snap.UserID)

	s.clock.Advance(time.Hour)
	w := s.do(t, nethttp.MethodPost, "/api/v1/mining/suspend", token, nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	snap = decode[mining.Snapshot](t, w)
	assert.Equal(t, mining.StatusLive, snap.Status)
	assert.True(t, snap.Saved)
	assert.Equal(t, int64(2), snap.Version)
	assert.Equal(t, mining.StatusLive, ctrl.Status())

	w = s.do(t, nethttp.MethodPost, "/api/v1/mining/claim", token, nil)
	require.Equal(t, nethttp.StatusOK, w.Code, w.Body.String())
	assert.InDelta(t, 1.0/24, decode[mining.ClaimResult](t, w).CreditedAmount, 1e-9)
}

func TestMiningRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, nethttp.StatusUnauthorized, s.do(t, nethttp.MethodGet, "/api/v1/mining", "", nil).Code)
	assert.Equal(t, nethttp.StatusUnauthorized, s.do(t, nethttp.MethodGet, "/api/v1/mining", "garbage", nil).Code)

	// a valid token for a user that was never provisioned
	token, err := service.GenerateJWT(424242, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusNotFound, s.do(t, nethttp.MethodGet, "/api/v1/mining", token, nil).Code)
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, nethttp.StatusOK, s.do(t, nethttp.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, nethttp.StatusOK, s.do(t, nethttp.MethodGet, "/readyz", "", nil).Code)
	assert.Equal(t, nethttp.StatusOK, s.do(t, nethttp.MethodGet, "/api/health", "", nil).Code)

	w := s.do(t, nethttp.MethodGet, "/metrics", "", nil)
	assert.Equal(t, nethttp.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mining_active_controllers")
}
