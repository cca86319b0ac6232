package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"rollcall/attendance/internal/config"
	"rollcall/attendance/internal/crypto"
	"rollcall/attendance/internal/db"
	internalhttp "rollcall/attendance/internal/http"
	"rollcall/attendance/internal/jobs"
	"rollcall/attendance/internal/scan"
	"rollcall/attendance/internal/session"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connection failed: %v", err)
	}
	defer pool.Close()
	store := db.NewStore(pool)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("redis ping failed: %v", err)
	}
	cancel()
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
	}()

	cipher := crypto.NewCipher(cfg.QRSecret)
	sessions := session.NewStore(redisClient)
	rotator := session.NewRotator(sessions, cipher, cfg.RotateInterval, cfg.SessionTTL, cfg.StoreWriteTimeout)
	defer rotator.Close()

	validator := scan.NewValidator(cipher, sessions, store.Queries, store.Queries)
	server := internalhttp.NewServer(cfg, store, rotator, validator)

	jobs.StartPercentageJob(ctx, cfg, store.Queries)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("attendance http listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
