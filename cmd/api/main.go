package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-social-nosql/internal/application/account"
	"github.com/go-social-nosql/internal/application/conflict"
	"github.com/go-social-nosql/internal/application/content"
	"github.com/go-social-nosql/internal/application/follow"
	"github.com/go-social-nosql/internal/application/session"
	"github.com/go-social-nosql/internal/application/stream"
	"github.com/go-social-nosql/internal/config"
	"github.com/go-social-nosql/internal/infrastructure/dynamo"
	jwtinfra "github.com/go-social-nosql/internal/infrastructure/jwt"
	"github.com/go-social-nosql/internal/infrastructure/memstore"
	otelinfra "github.com/go-social-nosql/internal/infrastructure/otel"
	"github.com/go-social-nosql/internal/pkg/password"
	"github.com/go-social-nosql/internal/store"
	transporthttp "github.com/go-social-nosql/internal/transport/http"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const serviceName = "go-social-nosql"

// backend is the storage the services and background workers run against.
type backend struct {
	store     store.Store
	changes   store.ChangeFeed
	conflicts store.ConflictFeed
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, reading from environment")
	}

	cfg := config.Load()
	if cfg.AppEnv == "development" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otelinfra.Setup(ctx, serviceName, cfg.OTelEndpoint, cfg.OTelEnabled)
	if err != nil {
		slog.Warn("tracing not available", "err", err)
	}

	be, err := openBackend(ctx, cfg)
	if err != nil {
		slog.Error("open store", "driver", cfg.StoreDriver, "err", err)
		os.Exit(1)
	}

	// JWT provider (optional; protected routes answer 401 without it).
	var jwtProvider *jwtinfra.Provider
	if p, err := jwtinfra.NewProvider(cfg); err == nil {
		jwtProvider = p
	} else {
		slog.Warn("JWT provider not available", "err", err)
	}

	hasher := password.Bcrypt{}
	deps := &transporthttp.Deps{
		Accounts:      account.NewService(be.store, hasher, cfg.LockTTL),
		Follows:       follow.NewService(be.store),
		Conversations: content.NewService(be.store, cfg.TombstoneTTL),
		Store:         be.store,
	}
	if jwtProvider != nil {
		deps.Sessions = session.NewService(be.store, hasher, jwtProvider, cfg.SessionTTL)
		deps.Tokens = jwtProvider
	} else {
		deps.Sessions = session.NewService(be.store, hasher, unavailableSigner{}, cfg.SessionTTL)
	}

	processor := stream.NewProcessor(be.store, be.changes, stream.Config{
		BatchSize:    cfg.StreamBatchSize,
		PollInterval: cfg.StreamPollInterval,
		RangeRefresh: cfg.StreamRangeRefresh,
		RetryDelay:   cfg.StreamRetryDelay,
		Parallelism:  cfg.FanOutParallelism,
		FanOutRate:   cfg.FanOutRate,
		FeedTTL:      cfg.FeedTTL,
		TombstoneTTL: cfg.TombstoneTTL,
		UnlikeTTL:    cfg.UnlikeTTL,
	})
	sweeper := account.NewSweeper(be.store, cfg.PendingAccountMaxAge, cfg.SweepInterval)
	merger := conflict.NewMerger(be.store, be.conflicts, cfg.ConflictPollInterval)

	var workers sync.WaitGroup
	for _, run := range []func(context.Context){processor.Run, sweeper.Run, merger.Run} {
		workers.Add(1)
		go func() {
			defer workers.Done()
			run(ctx)
		}()
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.AppPort),
		Handler:      otelhttp.NewHandler(transporthttp.NewRouter(cfg, deps), serviceName),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.AppPort, "env", cfg.AppEnv, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "err", err)
	}
	workers.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("flush traces", "err", err)
	}
	slog.Info("server stopped")
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.StoreDriver {
	case "memory":
		s := memstore.New(cfg.MemstoreRanges)
		return &backend{store: s, changes: s, conflicts: s}, nil
	case "dynamo":
		clients, err := dynamo.NewClients(ctx, cfg)
		if err != nil {
			return nil, err
		}
		arn, err := dynamo.Bootstrap(ctx, clients.DB, cfg.DynamoTables.Documents)
		if err != nil {
			return nil, err
		}
		s := dynamo.NewStore(clients.DB, cfg.DynamoTables.Documents)
		feed := dynamo.NewChangeFeed(clients.Streams, arn)
		return &backend{store: s, changes: feed, conflicts: s}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

type unavailableSigner struct{}

func (unavailableSigner) Sign(string, string) (string, error) {
	return "", errors.New("token signing is not configured")
}
