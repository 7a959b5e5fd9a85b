package config

import (
	"os"
	"strconv"
	"time"

	"hardmine/internal/logger"
	"hardmine/internal/mining"

	"github.com/joho/godotenv"
)

type Config struct {
	AppPort        string
	DatabaseURL    string
	BotToken       string
	JWTSecret      string
	JWTTTL         time.Duration
	InitDataMaxAge time.Duration
	DevMode        bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Mining engine
	Rates               mining.StaticRates
	TickInterval        time.Duration
	HeartbeatInterval   time.Duration
	SaveTimeout         time.Duration
	SuspendFlushTimeout time.Duration
	IdleTimeout         time.Duration
	ReconcileInterval   time.Duration
	ReconcileGrace      time.Duration
	ClaimLockTTL        time.Duration

	// HTTP limits
	RateLimit       int
	RateWindow      time.Duration
	ClaimRateLimit  int
	ClaimRateWindow time.Duration
}

// Load reads the environment (and .env when present).
func Load() *Config {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Fatal("DATABASE_URL is not set")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		logger.Fatal("JWT_SECRET is not set")
	}

	devMode := os.Getenv("DEV_MODE") == "true"

	botToken := os.Getenv("BOT_TOKEN")
	if botToken == "" && !devMode {
		logger.Fatal("BOT_TOKEN is not set")
	}

	port := os.Getenv("APP_PORT")
	if port == "" {
		port = "8080"
	}

	rates := mining.DefaultRates()
	if v := os.Getenv("MINING_RATES"); v != "" {
		parsed, err := mining.ParseRates(v)
		if err != nil {
			logger.Fatal("invalid MINING_RATES", "error", err)
		}
		rates = parsed
	}

	defaults := mining.DefaultConfig()

	return &Config{
		AppPort:        port,
		DatabaseURL:    dbURL,
		BotToken:       botToken,
		JWTSecret:      jwtSecret,
		JWTTTL:         durationEnv("JWT_TTL", 24*time.Hour),
		InitDataMaxAge: durationEnv("INIT_DATA_MAX_AGE", time.Hour),
		DevMode:        devMode,

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       intEnv("REDIS_DB", 0),

		Rates:               rates,
		TickInterval:        durationEnv("MINING_TICK_INTERVAL", defaults.TickInterval),
		HeartbeatInterval:   durationEnv("MINING_HEARTBEAT_INTERVAL", defaults.HeartbeatInterval),
		SaveTimeout:         durationEnv("MINING_SAVE_TIMEOUT", defaults.SaveTimeout),
		SuspendFlushTimeout: durationEnv("MINING_SUSPEND_FLUSH_TIMEOUT", defaults.SuspendFlushTimeout),
		IdleTimeout:         durationEnv("MINING_IDLE_TIMEOUT", 2*time.Minute),
		ReconcileInterval:   durationEnv("MINING_RECONCILE_INTERVAL", time.Minute),
		ReconcileGrace:      durationEnv("MINING_RECONCILE_GRACE", 30*time.Second),
		ClaimLockTTL:        durationEnv("MINING_CLAIM_LOCK_TTL", 15*time.Second),

		RateLimit:       intEnv("RATE_LIMIT", 120),
		RateWindow:      durationEnv("RATE_WINDOW", time.Minute),
		ClaimRateLimit:  intEnv("CLAIM_RATE_LIMIT", 10),
		ClaimRateWindow: durationEnv("CLAIM_RATE_WINDOW", time.Minute),
	}
}

// Mining returns the controller timings.
func (c *Config) Mining() mining.Config {
	cfg := mining.DefaultConfig()
	cfg.TickInterval = c.TickInterval
	cfg.HeartbeatInterval = c.HeartbeatInterval
	cfg.SaveTimeout = c.SaveTimeout
	cfg.SuspendFlushTimeout = c.SuspendFlushTimeout
	return cfg
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		logger.Warn("ignoring invalid duration", "key", key, "value", v)
		return def
	}
	return d
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		logger.Warn("ignoring invalid integer", "key", key, "value", v)
		return def
	}
	return n
}
