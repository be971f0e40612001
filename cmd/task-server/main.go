package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/guardianlink/project/internal/app/httpapi"
	"github.com/guardianlink/project/internal/app/identity"
	"github.com/guardianlink/project/internal/app/notify"
	"github.com/guardianlink/project/internal/app/reminder"
	"github.com/guardianlink/project/internal/app/taskauthority"
	platformauth "github.com/guardianlink/project/internal/platform/auth"
	"github.com/guardianlink/project/internal/platform/dbpool"
	"github.com/guardianlink/project/internal/platform/env"
	"github.com/guardianlink/project/internal/platform/natsutil"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := env.String("SERVER_ADDR", env.DefaultServerAddr)
	uiOrigin := env.String("UI_ORIGIN", "http://localhost:5173")
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	tokenTTL := env.Duration("TOKEN_TTL", 24*time.Hour)
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	identityRepo := identity.NewPostgresRepository(pool)
	taskRepo := taskauthority.NewPostgresRepository(pool)
	if err := waitForSchemas(runCtx, 30*time.Second, identityRepo.EnsureSchema, taskRepo.EnsureSchema); err != nil {
		log.Fatal(err)
	}

	identitySvc := identity.NewService(identityRepo, platformauth.NewManager(jwtSecret, tokenTTL))

	hub := notify.NewHub()
	hub.HeartbeatInterval = env.Duration("WS_HEARTBEAT_INTERVAL", 30*time.Second)
	go hub.Run(runCtx)

	nc, err := natsutil.ConnectWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 20*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	defer natsutil.Close(nc)

	relay := notify.NewRelay(nc, hub)
	if err := relay.Start(); err != nil {
		log.Fatal(err)
	}
	defer relay.Stop()

	taskSvc := taskauthority.NewService(taskRepo, identitySvc, relay)

	scheduler := reminder.New(taskRepo, relay)
	scheduler.Interval = env.Duration("REMINDER_INTERVAL", time.Minute)
	scheduler.Lookahead = env.Duration("REMINDER_LOOKAHEAD", 30*time.Minute)
	go scheduler.Run(runCtx)

	handler := httpapi.NewHandler(identitySvc, taskSvc, relay, uiOrigin)
	handler.Ready = func(ctx context.Context) error {
		return checkReadiness(ctx, pool, nc)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	fmt.Printf("Task server listening on %s\n", addr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal(err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("task-server graceful shutdown failed: %v", err)
	}
}

func waitForSchemas(ctx context.Context, timeout time.Duration, ensure ...func(context.Context) error) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		lastErr = nil
		for _, fn := range ensure {
			attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			lastErr = fn(attemptCtx)
			cancel()
			if lastErr != nil {
				break
			}
		}
		if lastErr == nil {
			return nil
		}
		log.Printf("waiting for schema readiness: %v", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func checkReadiness(ctx context.Context, pool *pgxpool.Pool, nc *nats.Conn) error {
	if nc == nil || nc.Status() != nats.CONNECTED {
		return errors.New("nats is not connected")
	}
	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
