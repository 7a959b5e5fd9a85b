package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hardmine/internal/config"
	"hardmine/internal/db"
	httpServer "hardmine/internal/http"
	"hardmine/internal/http/handlers"
	"hardmine/internal/http/middleware"
	"hardmine/internal/lock"
	"hardmine/internal/logger"
	"hardmine/internal/mining"
	"hardmine/internal/notify"
	"hardmine/internal/repository"
	"hardmine/internal/service"
	"hardmine/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
)

var version = "dev"

func main() {
	logger.Init(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_JSON") == "true")

	cfg := config.Load()
	service.InitJWT(cfg.JWTSecret)

	dbPool := db.Connect(cfg.DatabaseURL)
	defer dbPool.Close()

	redisClient := db.ConnectRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if redisClient != nil {
		defer redisClient.Close()
	}

	clock := clockwork.NewRealClock()

	// Stores and services
	sessions := repository.NewSessionRepository(dbPool)
	users := repository.NewUserRepository(dbPool)
	audit := service.NewAuditService(dbPool)
	ledger := service.NewLedgerService(dbPool, audit)

	// Mining engine
	registry := mining.NewRegistry(sessions, cfg.Rates, clock, cfg.Mining(), cfg.IdleTimeout)

	coordOpts := []mining.CoordinatorOption{
		mining.WithTransactionLog(audit),
		mining.WithCommitTimeout(cfg.SaveTimeout),
	}

	listenCtx, stopListening := context.WithCancel(context.Background())
	defer stopListening()

	if redisClient != nil {
		notifier := notify.NewRedisNotifier(redisClient, notify.DefaultChannel)
		coordOpts = append(coordOpts,
			mining.WithNotifier(notifier),
			mining.WithLocker(lock.NewLocker(redisClient, "hardmine:"), cfg.ClaimLockTTL),
		)
		go func() {
			err := notifier.Listen(listenCtx, registry.HandleSessionChanged)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("session notifier stopped", "error", err)
			}
		}()
	}
	coordinator := mining.NewCoordinator(sessions, ledger, coordOpts...)

	reconciler := mining.NewReconciler(sessions, ledger, clock, cfg.ReconcileGrace)
	if err := reconciler.Start(cfg.ReconcileInterval); err != nil {
		logger.Fatal("failed to start reconciler", "error", err)
	}

	// HTTP
	if !cfg.DevMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	// CORS for production (frontend on different domain)
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	checks := map[string]handlers.Pinger{"database": dbPool}
	if redisClient != nil {
		checks["redis"] = handlers.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	hub := ws.NewHub()
	httpServer.RegisterRoutes(r, httpServer.Deps{
		Handler: &handlers.Handler{
			Users:       users,
			Wallet:      ledger,
			Audit:       audit,
			Registry:    registry,
			Coordinator: coordinator,
			Claims:      sessions,
			Rates:       cfg.Rates,
			AuthConfig: handlers.AuthConfig{
				BotToken:       cfg.BotToken,
				DevMode:        cfg.DevMode,
				TokenTTL:       cfg.JWTTTL,
				InitDataMaxAge: cfg.InitDataMaxAge,
			},
		},
		Health:  handlers.NewHealthHandler(version, checks, registry.Len),
		Limiter: middleware.NewRateLimiter(redisClient),
		Hub:     hub,
		Limits: httpServer.Limits{
			API:         cfg.RateLimit,
			APIWindow:   cfg.RateWindow,
			Auth:        5,
			AuthWindow:  time.Minute,
			Claim:       cfg.ClaimRateLimit,
			ClaimWindow: cfg.ClaimRateWindow,
		},
	})

	srv := &http.Server{
		Addr:    ":" + cfg.AppPort,
		Handler: r,
	}

	go func() {
		logger.Info("server started", "port", cfg.AppPort, "version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.CloseAll()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// every live session gets one last checkpoint
	if err := registry.SuspendAll(ctx); err != nil {
		logger.Warn("some sessions were not flushed on shutdown", "error", err)
	}
	stopListening()
	if err := reconciler.Stop(); err != nil {
		logger.Warn("reconciler shutdown", "error", err)
	}

	logger.Info("server exited")
}
