package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"hardmine/internal/db"
	"hardmine/internal/domain"
	"hardmine/internal/repository"
	"hardmine/internal/service"
)

// provision_user creates (or finds) a user together with its mining session and
// prints a bearer token for it.
func main() {
	tgID := flag.Int64("tg", 1234567890, "telegram user id")
	username := flag.String("username", "testuser", "username")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL not set")
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET not set")
	}

	pool := db.Connect(dsn)
	defer pool.Close()

	repo := repository.NewUserRepository(pool)
	ctx := context.Background()

	u := &domain.User{
		TgID:      *tgID,
		Username:  *username,
		FirstName: "Tester",
	}
	sess, created, err := repo.CreateWithSession(ctx, u, time.Now().UTC())
	if err != nil {
		log.Fatalf("provision user failed: %v", err)
	}
	if created {
		log.Printf("user created id=%d\n", u.ID)
	} else {
		log.Printf("user already exists id=%d\n", u.ID)
	}
	log.Printf("session tier=%d total_mined=%.6f checkpoint=%s version=%d\n",
		sess.TierID, sess.TotalMined, sess.CheckpointTime.Format(time.RFC3339), sess.Version)

	service.InitJWT(secret)
	token, err := service.GenerateJWT(u.ID, *ttl)
	if err != nil {
		log.Fatalf("failed to generate token: %v", err)
	}
	log.Printf("token=%s\n", token)
}
