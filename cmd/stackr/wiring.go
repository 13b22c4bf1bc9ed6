package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/Architsharma7/Lit-Stackr/pkg/artifacts"
	"github.com/Architsharma7/Lit-Stackr/pkg/audit"
	"github.com/Architsharma7/Lit-Stackr/pkg/config"
	"github.com/Architsharma7/Lit-Stackr/pkg/gate"
	"github.com/Architsharma7/Lit-Stackr/pkg/limiter"
	"github.com/Architsharma7/Lit-Stackr/pkg/nonce"
	"github.com/Architsharma7/Lit-Stackr/pkg/observability"
	"github.com/Architsharma7/Lit-Stackr/pkg/registry"
	"github.com/Architsharma7/Lit-Stackr/pkg/substrate"
)

// env bundles what every command needs after configuration is loaded.
type env struct {
	cfg       *config.Config
	logger    *slog.Logger
	telemetry *observability.Provider
	closers   []func() error
}

func setup(ctx context.Context, stderr io.Writer) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat, stderr)
	slog.SetDefault(logger)

	e := &env{cfg: cfg, logger: logger}
	if cfg.Telemetry.Enabled {
		tel, err := observability.New(ctx, &cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		e.telemetry = tel
		e.closers = append(e.closers, func() error { return tel.Shutdown(context.Background()) })
	}
	return e, nil
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Warn("shutdown step failed", "error", err)
		}
	}
}

func (e *env) store(ctx context.Context) (artifacts.Store, error) {
	store, err := artifacts.NewStoreFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	if c, ok := store.(interface{ Close() error }); ok {
		e.closers = append(e.closers, c.Close)
	}
	return store, nil
}

func (e *env) registry(store artifacts.Store) (*registry.Registry, error) {
	mode, err := registry.ParseMode(e.cfg.Client.CodeMode)
	if err != nil {
		return nil, err
	}
	return registry.NewWithBuiltins(mode, store, registry.WithLogger(e.logger.With("component", "registry")))
}

func (e *env) limiter(ctx context.Context) (limiter.Store, error) {
	if e.cfg.Node.RedisAddr == "" {
		return limiter.NewMemoryStore(), nil
	}
	rs := limiter.NewRedisStore(limiter.RedisConfig{Addr: e.cfg.Node.RedisAddr, Prefix: "stackr:ratelimit:"})
	if err := rs.Ping(ctx); err != nil {
		_ = rs.Close()
		return nil, fmt.Errorf("redis %s: %w", e.cfg.Node.RedisAddr, err)
	}
	e.closers = append(e.closers, rs.Close)
	return rs, nil
}

func (e *env) auditSink(ctx context.Context) (audit.Sink, error) {
	if e.cfg.Node.AuditDriver == "" {
		return nil, nil
	}
	store, err := audit.Open(ctx, e.cfg.Node.AuditDriver, e.cfg.Node.AuditDSN)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, store.Close)
	return store, nil
}

// node wires a substrate from configuration.
func (e *env) node(ctx context.Context, store artifacts.Store) (*substrate.Node, error) {
	authority, err := nonce.NewAuthority(
		nonce.WithMaxAge(e.cfg.Node.NonceMaxAge),
		nonce.WithFreshnessWindow(e.cfg.Node.NonceWindow),
	)
	if err != nil {
		return nil, fmt.Errorf("nonce authority: %w", err)
	}
	evaluator, err := gate.NewBalanceGate(
		gate.WithFetchTimeout(e.cfg.Node.StateFetchTimeout),
		gate.WithLogger(e.logger.With("component", "gate")),
	)
	if err != nil {
		return nil, fmt.Errorf("balance gate: %w", err)
	}
	limits, err := e.limiter(ctx)
	if err != nil {
		return nil, err
	}
	return substrate.NewNode(authority, store, evaluator,
		substrate.WithURI(e.cfg.Node.PublicURI),
		substrate.WithLimiter(limits, e.cfg.Node.RateLimit),
		substrate.WithExecTimeout(e.cfg.Node.ExecTimeout),
		substrate.WithTelemetry(e.telemetry),
		substrate.WithLogger(e.logger.With("component", "substrate")),
	)
}
