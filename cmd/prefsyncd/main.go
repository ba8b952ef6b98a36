// ABOUTME: prefsyncd is the reference implementation of the preferences
// ABOUTME: endpoint contract, used for integration tests and local development.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	dbPath := flag.String("db", "prefsyncd.db", "sqlite database path")
	tokenTTL := flag.Duration("token-ttl", 12*time.Hour, "bearer token lifetime")
	dev := flag.Bool("dev", false, "development logging")
	flag.Parse()

	logger, err := buildLogger(*dev)
	if err != nil {
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	store, err := openServerStore(*dbPath)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer func() {
		_ = store.Close()
	}()

	if err := seedUsers(store, logger); err != nil {
		logger.Fatal("seed users", zap.Error(err))
	}

	srv := newServer(store, newTokenStore(*tokenTTL), logger)
	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", *addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("serve", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	logger.Info("stopped")
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// seedUsers provisions accounts from ORIEL_SEED_USERS, a comma-separated
// list of email:password pairs. Meant for local development only; a real
// deployment fronts this with the product's account system.
func seedUsers(store *serverStore, logger *zap.Logger) error {
	seed := os.Getenv("ORIEL_SEED_USERS")
	if seed == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, pair := range strings.Split(seed, ",") {
		email, password, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || email == "" || password == "" {
			logger.Warn("skipping malformed seed user", zap.String("pair", pair))
			continue
		}
		id, err := store.ensureUser(ctx, email, password)
		if err != nil {
			return err
		}
		logger.Info("seeded user", zap.String("email", email), zap.String("user", id))
	}
	return nil
}
