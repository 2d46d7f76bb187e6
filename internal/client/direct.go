package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vpstools/fastsearch/internal/config"
	"github.com/vpstools/fastsearch/internal/manager"
	"github.com/vpstools/fastsearch/internal/search"
	"github.com/vpstools/fastsearch/internal/store"
)

// Direct runs searches in-process without a daemon. Models are loaded
// into this process and released on Close, so it is slower to start
// than a daemon call but always available.
type Direct struct {
	store   *store.Store
	manager *manager.Manager
	engine  *search.Engine
	logger  *slog.Logger
}

// OpenDirect opens the store at dbPath ("" = configured default) and
// starts an in-process model manager.
func OpenDirect(cfg *config.Config, dbPath string, logger *slog.Logger) (*Direct, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath == "" {
		dbPath = config.DBPath()
	}

	st, err := store.Open(dbPath, 0, logger)
	if err != nil {
		return nil, err
	}

	mgr := manager.New(cfg, logger)
	if err := mgr.Start(context.Background()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to start model manager: %w", err)
	}

	return &Direct{
		store:   st,
		manager: mgr,
		engine:  search.NewEngine(st, mgr, logger),
		logger:  logger,
	}, nil
}

// Store exposes the underlying store for indexing operations.
func (d *Direct) Store() *store.Store { return d.store }

// Models exposes the in-process model manager.
func (d *Direct) Models() *manager.Manager { return d.manager }

// Search runs a query against the in-process engine.
func (d *Direct) Search(ctx context.Context, query string, opts SearchOptions) (*search.Response, error) {
	mode, err := search.ParseMode(opts.Mode)
	if err != nil {
		return nil, err
	}
	if opts.Rerank {
		mode = search.ModeHybridReranked
	}
	return d.engine.Search(ctx, query, search.Options{Mode: mode, Limit: opts.Limit})
}

// Close unloads models and closes the store.
func (d *Direct) Close() error {
	d.manager.Stop()
	return d.store.Close()
}

// SearchAuto runs the query against the daemon when one answers on the
// configured socket and falls back to direct mode otherwise. Direct
// mode pays the model load cost on every call, so long-running callers
// should keep a Client or Direct of their own instead.
func SearchAuto(ctx context.Context, cfg *config.Config, query string, opts SearchOptions, logger *slog.Logger) (*search.Response, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := New(cfg.Daemon.SocketPath, WithLogger(logger))
	if c.Available(ctx) {
		defer func() { _ = c.Close() }()
		return c.Search(ctx, query, opts)
	}
	_ = c.Close()

	logger.Debug("daemon_unavailable_using_direct_mode",
		slog.String("socket", cfg.Daemon.SocketPath))

	d, err := OpenDirect(cfg, opts.DBPath, logger)
	if err != nil {
		return nil, err
	}
	defer func() { _ = d.Close() }()
	return d.Search(ctx, query, opts)
}
