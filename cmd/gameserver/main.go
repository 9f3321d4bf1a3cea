package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/udisondev/gamecore/internal/config"
	"github.com/udisondev/gamecore/internal/dispatch"
	"github.com/udisondev/gamecore/internal/eventbus"
	"github.com/udisondev/gamecore/internal/game"
	"github.com/udisondev/gamecore/internal/server"
	"github.com/udisondev/gamecore/internal/session"
	"github.com/udisondev/gamecore/internal/store"
)

const (
	defaultConfigPath = "config/gamecore.yaml"

	// drainTimeout bounds the final actor flush after the listener is down.
	drainTimeout = 30 * time.Second
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := defaultConfigPath
	if p := os.Getenv("GAMECORE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	log := slog.Default()

	slog.Info("gamecore starting",
		"log_level", cfg.LogLevel,
		"bind", cfg.Server.Addr(),
		"storage", cfg.Storage.Backend)

	bus := eventbus.New(log)
	defer bus.Close()

	playerStore, accounts, closeStorage, err := buildStorage(ctx, cfg, bus)
	if err != nil {
		return err
	}
	defer closeStorage()

	sessions := session.NewManager(session.Options{
		Grace:         cfg.Session.ReconnectGrace,
		SendQueueSize: cfg.Session.SendQueueSize,
		WriteTimeout:  cfg.Session.WriteTimeout,
		ReapInterval:  cfg.Session.ReapInterval,
		MaxSessions:   cfg.Server.MaxSessions,
		MaxFrame:      cfg.Server.MaxFrame,
		ServerID:      cfg.Server.ID,
		Logger:        log,
		Bus:           bus,
	})

	var signSecret []byte
	if cfg.Security.RequestSignEnabled {
		if cfg.Security.SignKey == "" {
			return errors.New("security.request_sign_enabled requires security.sign_key")
		}
		signSecret, err = hex.DecodeString(cfg.Security.SignKey)
		if err != nil {
			return fmt.Errorf("parsing security.sign_key: %w", err)
		}
	}

	mod, err := game.New(game.Options{
		Sessions:     sessions,
		Accounts:     accounts,
		Store:        playerStore,
		Bus:          bus,
		Logger:       log,
		Actor:        cfg.Actor,
		AuthRequired: cfg.Security.AuthRequiredByDefault,
		SignSecret:   signSecret,
	})
	if err != nil {
		return fmt.Errorf("building game module: %w", err)
	}

	reg := dispatch.NewRegistry()
	if err := mod.Register(reg); err != nil {
		return fmt.Errorf("registering handlers: %w", err)
	}

	d, err := dispatch.New(dispatch.Options{
		Registry:      reg,
		Sessions:      sessions,
		Actors:        mod.Players(),
		Bus:           bus,
		Logger:        log,
		BaseContext:   ctx,
		Timeout:       cfg.Dispatcher.DefaultTimeout,
		AsyncWorkers:  cfg.Dispatcher.AsyncWorkers,
		SignEnabled:   cfg.Security.RequestSignEnabled,
		SignTolerance: time.Duration(cfg.Security.TimestampToleranceSec) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("building dispatcher: %w", err)
	}

	srv, err := server.New(server.Options{
		Addr:            cfg.Server.Addr(),
		MaxFrame:        cfg.Server.MaxFrame,
		IdleReadTimeout: cfg.Session.IdleReadTimeout,
		Sessions:        sessions,
		Dispatcher:      d,
		Logger:          log,
	})
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	monitor := eventbus.NewMonitor(bus, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return sessions.Run(gctx) })
	g.Go(func() error { return mod.Players().Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	err = g.Wait()

	// Listener and sessions are down; flush whatever the actors still hold.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if derr := mod.Players().Shutdown(drainCtx); derr != nil {
		slog.Error("actor drain incomplete", "err", derr)
	}

	slog.Info("gamecore stopped")
	return err
}

// buildStorage wires the snapshot store and the account repository for the
// configured backend. Network backends get a save circuit breaker; the
// returned closer releases the underlying pool or client.
func buildStorage(ctx context.Context, cfg config.Config, bus *eventbus.Bus) (store.Store[game.PlayerState], store.AccountRepository, func(), error) {
	autoCreate := cfg.Security.AutoCreateAccounts

	switch cfg.Storage.Backend {
	case "", "memory":
		slog.Warn("memory storage selected, state is lost on restart")
		return store.NewMemory[game.PlayerState](), store.NewMemoryAccounts(autoCreate), func() {}, nil

	case "postgres":
		dsn := cfg.Storage.Postgres.DSN()
		pool, err := store.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := store.RunMigrations(ctx, dsn); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("running migrations: %w", err)
		}
		slog.Info("postgres connected, migrations applied",
			"host", cfg.Storage.Postgres.Host, "db", cfg.Storage.Postgres.DBName)
		st := store.NewBreaker[game.PlayerState]("player_store", store.NewPostgres[game.PlayerState](pool), bus)
		return st, store.NewPostgresAccounts(pool, autoCreate), pool.Close, nil

	case "redis":
		client, err := store.ConnectRedis(ctx, cfg.Storage.Redis.Addr,
			cfg.Storage.Redis.Password, cfg.Storage.Redis.DB)
		if err != nil {
			return nil, nil, nil, err
		}
		slog.Info("redis connected", "addr", cfg.Storage.Redis.Addr)
		st := store.NewBreaker[game.PlayerState]("player_store", store.NewRedis[game.PlayerState](client), bus)
		// redis keeps snapshots only; accounts live in memory
		return st, store.NewMemoryAccounts(autoCreate), func() { _ = client.Close() }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// parseLogLevel converts string log level to slog.Level.
// Defaults to Info if invalid or empty.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
