package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vpstools/fastsearch/internal/config"
	fserr "github.com/vpstools/fastsearch/internal/errors"
	"github.com/vpstools/fastsearch/internal/manager"
	"github.com/vpstools/fastsearch/internal/search"
	"github.com/vpstools/fastsearch/internal/store"
)

// maxConcurrentHeavy caps in-flight search/embed/rerank requests
// across all connections; excess requests queue on the semaphore until
// a slot frees up.
const maxConcurrentHeavy = 8

// liveProbeTimeout bounds the dial used to detect a live server on a
// leftover socket file.
const liveProbeTimeout = 500 * time.Millisecond

// storeEntry is one opened database with its engine.
type storeEntry struct {
	store  *store.Store
	engine *search.Engine
}

// Server is the FastSearch daemon: a JSON-RPC server over a unix
// socket. Connections are accepted concurrently and serviced
// sequentially, one request and one response at a time.
type Server struct {
	cfg        *config.Config
	configPath string
	manager    *manager.Manager
	logger     *slog.Logger
	pidFile    *PIDFile

	mu       sync.Mutex
	stores   map[string]*storeEntry
	listener net.Listener

	startTime    time.Time
	requestCount atomic.Int64

	heavySem     chan struct{}
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	conns        sync.WaitGroup
}

// NewServer creates a daemon from a loaded configuration. configPath
// is remembered for reload_config.
func NewServer(cfg *config.Config, configPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		manager:    manager.New(cfg, logger),
		logger:     logger,
		pidFile:    NewPIDFile(cfg.Daemon.PIDPath),
		stores:     make(map[string]*storeEntry),
		heavySem:   make(chan struct{}, maxConcurrentHeavy),
		shutdownCh: make(chan struct{}),
	}
}

// Manager exposes the slot manager (used by the CLI in direct mode).
func (s *Server) Manager() *manager.Manager {
	return s.manager
}

// Run binds the socket and serves until ctx is canceled or a shutdown
// request arrives. It owns the PID file and socket file lifecycles.
func (s *Server) Run(ctx context.Context) error {
	if err := s.pidFile.Acquire(); err != nil {
		return err
	}
	defer func() { _ = s.pidFile.Release() }()

	if err := s.manager.Start(ctx); err != nil {
		return err
	}
	defer s.manager.Stop()

	listener, err := s.bind()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.startTime = time.Now()
	s.mu.Unlock()

	defer s.closeStores()
	defer func() { _ = os.Remove(s.cfg.Daemon.SocketPath) }()

	s.logger.Info("daemon_started",
		slog.String("socket", s.cfg.Daemon.SocketPath),
		slog.Int("pid", os.Getpid()))

	go func() {
		select {
		case <-ctx.Done():
			s.beginShutdown()
		case <-s.shutdownCh:
		}
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				// Drain in-flight connections before returning.
				s.conns.Wait()
				s.logger.Info("daemon_stopped")
				return nil
			default:
			}
			s.logger.Error("accept_failed", slog.String("error", err.Error()))
			return err
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// bind creates the listening socket with 0600 permissions. A socket
// file with a live server behind it refuses the bind; a stale one is
// unlinked first.
func (s *Server) bind() (net.Listener, error) {
	path := s.cfg.Daemon.SocketPath
	if _, err := os.Stat(path); err == nil {
		conn, dialErr := net.DialTimeout("unix", path, liveProbeTimeout)
		if dialErr == nil {
			_ = conn.Close()
			return nil, fmt.Errorf("socket %s is held by a live server", path)
		}
		s.logger.Warn("stale_socket_removed", slog.String("path", path))
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to bind socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to restrict socket permissions: %w", err)
	}
	return listener, nil
}

func (s *Server) beginShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

func (s *Server) closeStores() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.stores {
		_ = entry.store.Close()
	}
	s.stores = make(map[string]*storeEntry)
}

// handleConnection services one client: read frame, dispatch, write
// frame, repeat. Responses go out in request order by construction.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case errors.Is(err, ErrFrameTooLarge):
				s.logger.Warn("oversize_frame_rejected",
					slog.String("remote", conn.RemoteAddr().String()))
			case errors.Is(err, net.ErrClosed):
			default:
				s.logger.Debug("connection_read_failed", slog.String("error", err.Error()))
			}
			return
		}

		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.respond(conn, NewErrorResponse(nil, &RPCError{
				Code:    ErrCodeParseError,
				Message: "parse error: " + err.Error(),
			}))
			continue
		}
		if req.JSONRPC != "2.0" || req.Method == "" {
			s.respond(conn, NewErrorResponse(req.ID, &RPCError{
				Code:    ErrCodeInvalidRequest,
				Message: "invalid request: jsonrpc must be \"2.0\" with a method",
			}))
			continue
		}

		resp, shutdown := s.dispatch(ctx, &req)
		if req.ID != nil {
			if !s.respond(conn, resp) {
				return
			}
		}
		if shutdown {
			s.beginShutdown()
			return
		}
	}
}

func (s *Server) respond(conn net.Conn, resp Response) bool {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("response_marshal_failed", slog.String("error", err.Error()))
		return false
	}
	if err := WriteFrame(conn, payload); err != nil {
		s.logger.Debug("connection_write_failed", slog.String("error", err.Error()))
		return false
	}
	return true
}

// dispatch routes one request. The bool result requests server
// shutdown after the response is written.
func (s *Server) dispatch(ctx context.Context, req *Request) (Response, bool) {
	s.requestCount.Add(1)

	var (
		result   any
		err      error
		shutdown bool
	)
	switch req.Method {
	case MethodPing:
		result = map[string]bool{"ok": true}
	case MethodStatus:
		result = s.handleStatus()
	case MethodSearch:
		result, err = s.handleSearch(ctx, req.Params)
	case MethodEmbed:
		result, err = s.handleEmbed(ctx, req.Params)
	case MethodRerank:
		result, err = s.handleRerank(ctx, req.Params)
	case MethodLoadModel:
		result, err = s.handleLoadModel(ctx, req.Params)
	case MethodUnloadModel:
		result, err = s.handleUnloadModel(ctx, req.Params)
	case MethodReloadConfig:
		result, err = s.handleReloadConfig(req.Params)
	case MethodShutdown:
		result = map[string]bool{"stopping": true}
		shutdown = true
	default:
		return NewErrorResponse(req.ID, &RPCError{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("method %q not found", req.Method),
		}), false
	}

	if err != nil {
		return NewErrorResponse(req.ID, s.mapError(req.Method, err)), false
	}
	return NewSuccessResponse(req.ID, result), shutdown
}

// errInvalidParams marks parameter decode/validation failures so they
// map to -32602 instead of the generic server error.
type errInvalidParams struct{ cause error }

func (e errInvalidParams) Error() string { return e.cause.Error() }

func (s *Server) mapError(method string, err error) *RPCError {
	var ip errInvalidParams
	if errors.As(err, &ip) {
		return &RPCError{Code: ErrCodeInvalidParams, Message: "invalid params: " + ip.Error()}
	}
	s.logger.Warn("request_failed",
		slog.String("method", method),
		slog.String("kind", string(fserr.KindOf(err))),
		slog.String("error", err.Error()))
	return RPCErrorFromKind(err)
}

func decodeParams[T any](raw json.RawMessage, params *T) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, params); err != nil {
		return errInvalidParams{cause: err}
	}
	return nil
}

// acquireHeavy reserves one of the bounded inference/search slots,
// waiting for one to free up when all are taken. Only cancellation or
// server shutdown turns the wait into a DaemonBusy error.
func (s *Server) acquireHeavy(ctx context.Context) (func(), error) {
	select {
	case s.heavySem <- struct{}{}:
		return func() { <-s.heavySem }, nil
	case <-ctx.Done():
		return nil, fserr.Wrap(fserr.KindDaemonBusy, "canceled while waiting for a request slot", ctx.Err())
	case <-s.shutdownCh:
		return nil, fserr.New(fserr.KindDaemonBusy, "server is shutting down")
	}
}

func (s *Server) handleStatus() StatusResult {
	s.mu.Lock()
	start := s.startTime
	socket := s.cfg.Daemon.SocketPath
	s.mu.Unlock()

	return StatusResult{
		UptimeSeconds: time.Since(start).Seconds(),
		RequestCount:  s.requestCount.Load(),
		SocketPath:    socket,
		LoadedModels:  s.manager.Status(),
		TotalMemoryMB: s.manager.TotalMemoryMB(),
		MaxMemoryMB:   s.manager.MaxMemoryMB(),
	}
}

func (s *Server) handleSearch(ctx context.Context, raw json.RawMessage) (any, error) {
	var params SearchParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, errInvalidParams{cause: err}
	}

	release, err := s.acquireHeavy(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	engine, err := s.engineFor(params.DBPath)
	if err != nil {
		return nil, err
	}

	mode, _ := search.ParseMode(params.Mode)
	if params.Rerank {
		mode = search.ModeHybridReranked
	}
	return engine.Search(ctx, params.Query, search.Options{Mode: mode, Limit: params.Limit})
}

func (s *Server) handleEmbed(ctx context.Context, raw json.RawMessage) (any, error) {
	var params EmbedParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if len(params.Texts) == 0 {
		return nil, errInvalidParams{cause: fmt.Errorf("texts must not be empty")}
	}

	release, err := s.acquireHeavy(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	embedder, releaseModel, err := s.manager.AcquireEmbedder(ctx)
	if err != nil {
		return nil, err
	}
	defer releaseModel()

	start := time.Now()
	embeddings, err := embedder.EmbedBatch(ctx, params.Texts)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindInternal, "embedding failed", err)
	}
	return EmbedResult{
		Embeddings:  embeddings,
		Count:       len(embeddings),
		EmbedTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}, nil
}

func (s *Server) handleRerank(ctx context.Context, raw json.RawMessage) (any, error) {
	var params RerankParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Query == "" {
		return nil, errInvalidParams{cause: fmt.Errorf("query is required")}
	}
	if len(params.Documents) == 0 {
		return nil, errInvalidParams{cause: fmt.Errorf("documents must not be empty")}
	}

	release, err := s.acquireHeavy(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	reranker, releaseModel, err := s.manager.AcquireReranker(ctx)
	if err != nil {
		return nil, err
	}
	defer releaseModel()

	start := time.Now()
	ranked, err := reranker.Rerank(ctx, params.Query, params.Documents, 0)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindInternal, "reranking failed", err)
	}

	result := RerankResult{
		Scores:       make([]float64, len(params.Documents)),
		Ranked:       make([]RankedScore, len(ranked)),
		RerankTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}
	for i, r := range ranked {
		result.Scores[r.Index] = r.Score
		result.Ranked[i] = RankedScore{Index: r.Index, Score: r.Score}
	}
	return result, nil
}

func (s *Server) handleLoadModel(ctx context.Context, raw json.RawMessage) (any, error) {
	var params ModelParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Slot == "" {
		return nil, errInvalidParams{cause: fmt.Errorf("slot is required")}
	}
	mem, err := s.manager.Load(ctx, params.Slot)
	if err != nil {
		return nil, err
	}
	return LoadModelResult{Slot: params.Slot, MemoryMB: mem}, nil
}

func (s *Server) handleUnloadModel(ctx context.Context, raw json.RawMessage) (any, error) {
	var params ModelParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Slot == "" {
		return nil, errInvalidParams{cause: fmt.Errorf("slot is required")}
	}
	if err := s.manager.Unload(ctx, params.Slot); err != nil {
		return nil, err
	}
	return UnloadModelResult{Slot: params.Slot}, nil
}

func (s *Server) handleReloadConfig(raw json.RawMessage) (any, error) {
	var params ReloadConfigParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	path := params.ConfigPath
	if path == "" {
		path = s.configPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, errInvalidParams{cause: err}
	}
	if err := s.manager.Reload(cfg); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cfg.Models = cfg.Models
	s.cfg.Memory = cfg.Memory
	s.mu.Unlock()

	s.logger.Info("config_reloaded", slog.String("path", path))
	return map[string]bool{"reloaded": true}, nil
}

// engineFor returns the engine for a store path, opening and caching
// the store on first use. "" selects the daemon default path.
func (s *Server) engineFor(path string) (*search.Engine, error) {
	if path == "" {
		path = config.DBPath()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.stores[path]; ok {
		return entry.engine, nil
	}

	st, err := store.Open(path, 0, s.logger)
	if err != nil {
		return nil, err
	}
	entry := &storeEntry{
		store:  st,
		engine: search.NewEngine(st, s.manager, s.logger),
	}
	s.stores[path] = entry
	return entry.engine, nil
}
