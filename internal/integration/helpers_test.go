package integration

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"hardmine/internal/domain"
	"hardmine/internal/repository"

	"github.com/jackc/pgx/v5/pgxpool"
)

func applyMigrationsToPool(t *testing.T, dbp *pgxpool.Pool) {
	t.Helper()
	migDir := filepath.Join("..", "migrations")
	files, err := os.ReadDir(migDir)
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	var names []string
	for _, f := range files {
		names = append(names, f.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(migDir, name))
		if err != nil {
			t.Fatalf("read file: %v", err)
		}
		if _, err := dbp.Exec(context.Background(), string(b)); err != nil {
			t.Fatalf("apply migration %s: %v", name, err)
		}
	}
}

// connect skips the test unless DATABASE_URL points at a disposable database.
func connect(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	dbp, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(dbp.Close)

	applyMigrationsToPool(t, dbp)
	return dbp
}

// provision registers a fresh user with its mining session.
func provision(t *testing.T, dbp *pgxpool.Pool, now time.Time) (*domain.User, *domain.MiningSession) {
	t.Helper()
	u := &domain.User{
		TgID:      time.Now().UnixNano(),
		Username:  "miner",
		FirstName: "Integration",
	}
	s, created, err := repository.NewUserRepository(dbp).CreateWithSession(context.Background(), u, now)
	if err != nil {
		t.Fatalf("provision user: %v", err)
	}
	if !created {
		t.Fatalf("tg id %d already registered", u.TgID)
	}
	return u, s
}
