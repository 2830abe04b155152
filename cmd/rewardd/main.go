// Command rewardd runs the reward settlement engine: the HTTP API, the
// settlement poller, and the backing store.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	app "github.com/aria-network/reward-engine/internal/app"
	"github.com/aria-network/reward-engine/internal/app/config"
	"github.com/aria-network/reward-engine/internal/app/httpapi"
	"github.com/aria-network/reward-engine/internal/app/storage/postgres"
	"github.com/aria-network/reward-engine/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "rewardd:", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("REWARD_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.New("rewardd", logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	stores, db, err := buildStores(cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	application, err := app.New(stores, app.Options{
		SettleSchedule: cfg.Settlement.Schedule,
		MaxAttempts:    cfg.Settlement.MaxAttempts,
		ConfirmTimeout: cfg.Settlement.ConfirmTimeout,
		RewardMin:      cfg.Rewards.Min,
		RewardMax:      cfg.Rewards.Max,
		RewardRates:    cfg.Rewards.Rates,
	}, log)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	auth := httpapi.NewTokenAuth(parseTokens(os.Getenv("REWARD_API_TOKENS")))
	var limiter *httpapi.RateLimiter
	if cfg.HTTP.RatePerSecond > 0 {
		limiter = httpapi.NewRateLimiter(cfg.HTTP.RatePerSecond, cfg.HTTP.RateBurst, log)
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewHandler(application, auth, limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown")
	}
	return application.Stop(shutdownCtx)
}

func buildStores(cfg config.Config) (app.Stores, *sql.DB, error) {
	if cfg.Store.Driver != "postgres" {
		// Nil stores default to the shared in-memory implementation.
		return app.Stores{}, nil, nil
	}

	db, err := sql.Open("postgres", cfg.Store.DSN)
	if err != nil {
		return app.Stores{}, nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return app.Stores{}, nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := postgres.New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return app.Stores{}, nil, fmt.Errorf("apply schema: %w", err)
	}

	return app.Stores{
		Records: store,
		Rewards: store,
		Batches: store,
		Wallets: store,
	}, db, nil
}

// parseTokens reads "token:user,token:user" pairs.
func parseTokens(raw string) map[string]string {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, userID, ok := strings.Cut(pair, ":")
		if !ok || token == "" || userID == "" {
			continue
		}
		tokens[token] = userID
	}
	return tokens
}
