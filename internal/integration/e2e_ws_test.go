package integration

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	httpserver "hardmine/internal/http"
	"hardmine/internal/http/handlers"
	"hardmine/internal/http/middleware"
	"hardmine/internal/mining"
	"hardmine/internal/repository"
	"hardmine/internal/service"
	"hardmine/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

func TestE2E_WS_Claim(t *testing.T) {
	dbp := connect(t)
	service.InitJWT("test-secret")

	// the session was opened an hour ago
	u, _ := provision(t, dbp, time.Now().Add(-time.Hour))

	sessions := repository.NewSessionRepository(dbp)
	audit := service.NewAuditService(dbp)
	ledger := service.NewLedgerService(dbp, audit)
	registry := mining.NewRegistry(sessions, mining.DefaultRates(), clockwork.NewRealClock(), mining.DefaultConfig(), time.Minute)
	defer func() { _ = registry.SuspendAll(context.Background()) }()

	// start server with real routes
	gin.SetMode(gin.TestMode)
	r := gin.New()
	hub := ws.NewHub()
	httpserver.RegisterRoutes(r, httpserver.Deps{
		Handler: &handlers.Handler{
			Users:       repository.NewUserRepository(dbp),
			Wallet:      ledger,
			Audit:       audit,
			Registry:    registry,
			Coordinator: mining.NewCoordinator(sessions, ledger, mining.WithTransactionLog(audit)),
			Claims:      sessions,
			Rates:       mining.DefaultRates(),
		},
		Health:  handlers.NewHealthHandler("test", map[string]handlers.Pinger{"database": dbp}, registry.Len),
		Limiter: middleware.NewRateLimiter(nil),
		Hub:     hub,
		Limits:  httpserver.DefaultLimits(),
	})
	ts := httptest.NewServer(r)
	defer ts.Close()
	defer hub.CloseAll()

	token, err := service.GenerateJWT(u.ID, time.Minute)
	if err != nil {
		t.Fatalf("gen token: %v", err)
	}

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws/mining?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func(want string) json.RawMessage {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		for {
			var fr struct {
				Type    string          `json:"type"`
				Payload json.RawMessage `json:"payload"`
			}
			if err := conn.ReadJSON(&fr); err != nil {
				t.Fatalf("waiting for %s: %v", want, err)
			}
			if fr.Type == want {
				return fr.Payload
			}
		}
	}

	var snap mining.Snapshot
	if err := json.Unmarshal(read(ws.MsgPending), &snap); err != nil {
		t.Fatalf("decode pending: %v", err)
	}
	if snap.Pending < 1.0/24 {
		t.Fatalf("offline hour not accrued: pending=%v", snap.Pending)
	}

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"claim"}`))
	var res mining.ClaimResult
	if err := json.Unmarshal(read(ws.MsgClaimResult), &res); err != nil {
		t.Fatalf("decode claim result: %v", err)
	}
	if res.CreditedAmount < 1.0/24 || !res.Credited {
		t.Fatalf("unexpected claim result: %+v", res)
	}

	balance, err := ledger.Balance(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != res.CreditedAmount {
		t.Fatalf("balance %v != credited %v", balance, res.CreditedAmount)
	}
}
