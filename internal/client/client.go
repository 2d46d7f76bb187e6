// Package client is the Go client for the FastSearch daemon. It keeps
// one persistent framed connection, reconnects once on transient I/O
// failures, and can fall back to an in-process engine when no daemon
// is listening.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/vpstools/fastsearch/internal/config"
	"github.com/vpstools/fastsearch/internal/daemon"
	fserr "github.com/vpstools/fastsearch/internal/errors"
	"github.com/vpstools/fastsearch/internal/search"
)

// DefaultDialTimeout bounds the unix socket dial.
const DefaultDialTimeout = 2 * time.Second

// Client talks JSON-RPC to one daemon socket.
type Client struct {
	socketPath  string
	dialTimeout time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	nextID int64
}

// Option configures a Client.
type Option func(*Client)

// WithDialTimeout overrides the socket dial timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for the daemon socket ("" = configured default).
// No connection is made until the first call.
func New(socketPath string, opts ...Option) *Client {
	if socketPath == "" {
		socketPath = config.DefaultSocketPath
	}
	c := &Client{
		socketPath:  socketPath,
		dialTimeout: DefaultDialTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes the persistent connection eagerly.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.connLocked()
	return err
}

// Close drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Available reports whether a daemon answers on the socket.
func (c *Client) Available(ctx context.Context) bool {
	return c.Ping(ctx) == nil
}

func (c *Client) connLocked() (net.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := net.DialTimeout("unix", c.socketPath, c.dialTimeout)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindStoreUnavailable,
			fmt.Sprintf("daemon not reachable at %s", c.socketPath), err)
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// call performs one request/response exchange. A transport failure
// triggers one reconnect and resend; a retryable ModelLoadFailed
// answer triggers one application-level retry.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	err := c.roundTrip(ctx, method, params, result)
	if err != nil && fserr.IsKind(err, fserr.KindModelLoadFailed) {
		c.logger.Debug("retrying_after_model_load_failure", slog.String("method", method))
		err = c.roundTrip(ctx, method, params, result)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, id, err := c.encodeLocked(method, params)
	if err != nil {
		return err
	}

	raw, ioErr := c.exchangeLocked(ctx, payload)
	if ioErr != nil {
		// One reconnect for transient transport failures.
		c.dropLocked()
		raw, ioErr = c.exchangeLocked(ctx, payload)
		if ioErr != nil {
			c.dropLocked()
			return ioErr
		}
	}
	return decodeResponse(raw, id, result)
}

func (c *Client) encodeLocked(method string, params any) ([]byte, int64, error) {
	c.nextID++
	id := c.nextID

	req := map[string]any{"jsonrpc": "2.0", "method": method, "id": id}
	if params != nil {
		req["params"] = params
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fserr.Wrap(fserr.KindProtocolError, "failed to encode request", err)
	}
	return payload, id, nil
}

func (c *Client) exchangeLocked(ctx context.Context, payload []byte) ([]byte, error) {
	conn, err := c.connLocked()
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}

	if err := daemon.WriteFrame(conn, payload); err != nil {
		return nil, fserr.Wrap(fserr.KindProtocolError, "failed to send request", err)
	}
	raw, err := daemon.ReadFrame(conn)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindProtocolError, "failed to read response", err)
	}
	return raw, nil
}

// decodeResponse validates the envelope and unmarshals the result.
func decodeResponse(raw []byte, id int64, result any) error {
	var resp struct {
		JSONRPC string           `json:"jsonrpc"`
		Result  json.RawMessage  `json:"result"`
		Error   *daemon.RPCError `json:"error"`
		ID      json.RawMessage  `json:"id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fserr.Wrap(fserr.KindProtocolError, "malformed response", err)
	}
	if resp.Error != nil {
		return errorFromRPC(resp.Error)
	}
	if string(resp.ID) != fmt.Sprintf("%d", id) {
		return fserr.Newf(fserr.KindProtocolError, "response id %s does not match request %d", resp.ID, id)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fserr.Wrap(fserr.KindProtocolError, "failed to decode result", err)
	}
	return nil
}

// errorFromRPC reconstructs the structured error from the wire form.
func errorFromRPC(rpcErr *daemon.RPCError) error {
	kind := fserr.KindProtocolError
	switch rpcErr.Code {
	case daemon.ErrCodeInvalidParams, daemon.ErrCodeMethodNotFound:
		kind = fserr.KindInvalidArgument
	case daemon.ErrCodeServerError:
		kind = fserr.KindInternal
	}

	err := fserr.New(kind, rpcErr.Message)
	if rpcErr.Data != nil {
		if data, marshalErr := json.Marshal(rpcErr.Data); marshalErr == nil {
			var parsed daemon.ErrorData
			if json.Unmarshal(data, &parsed) == nil && parsed.Kind != "" {
				err = fserr.New(parsed.Kind, rpcErr.Message)
				for k, v := range parsed.Details {
					err = err.WithDetail(k, v)
				}
			}
		}
	}
	return err
}

// Ping checks daemon liveness.
func (c *Client) Ping(ctx context.Context) error {
	var result struct {
		OK bool `json:"ok"`
	}
	if err := c.call(ctx, daemon.MethodPing, nil, &result); err != nil {
		return err
	}
	if !result.OK {
		return fserr.New(fserr.KindProtocolError, "daemon ping returned ok=false")
	}
	return nil
}

// Status fetches the daemon status snapshot.
func (c *Client) Status(ctx context.Context) (*daemon.StatusResult, error) {
	var result daemon.StatusResult
	if err := c.call(ctx, daemon.MethodStatus, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SearchOptions shape one search call.
type SearchOptions struct {
	DBPath string
	Limit  int
	Mode   string
	Rerank bool
}

// Search runs a query on the daemon.
func (c *Client) Search(ctx context.Context, query string, opts SearchOptions) (*search.Response, error) {
	params := daemon.SearchParams{
		Query:  query,
		DBPath: opts.DBPath,
		Limit:  opts.Limit,
		Mode:   opts.Mode,
		Rerank: opts.Rerank,
	}
	var result search.Response
	if err := c.call(ctx, daemon.MethodSearch, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Embed embeds texts on the daemon.
func (c *Client) Embed(ctx context.Context, texts []string) (*daemon.EmbedResult, error) {
	var result daemon.EmbedResult
	if err := c.call(ctx, daemon.MethodEmbed, daemon.EmbedParams{Texts: texts}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Rerank scores documents against a query on the daemon.
func (c *Client) Rerank(ctx context.Context, query string, documents []string) (*daemon.RerankResult, error) {
	params := daemon.RerankParams{Query: query, Documents: documents}
	var result daemon.RerankResult
	if err := c.call(ctx, daemon.MethodRerank, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// LoadModel loads a slot.
func (c *Client) LoadModel(ctx context.Context, slot string) (*daemon.LoadModelResult, error) {
	var result daemon.LoadModelResult
	if err := c.call(ctx, daemon.MethodLoadModel, daemon.ModelParams{Slot: slot}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UnloadModel unloads a slot.
func (c *Client) UnloadModel(ctx context.Context, slot string) error {
	var result daemon.UnloadModelResult
	return c.call(ctx, daemon.MethodUnloadModel, daemon.ModelParams{Slot: slot}, &result)
}

// ReloadConfig asks the daemon to re-read its configuration.
func (c *Client) ReloadConfig(ctx context.Context, configPath string) error {
	params := daemon.ReloadConfigParams{ConfigPath: configPath}
	var result struct {
		Reloaded bool `json:"reloaded"`
	}
	return c.call(ctx, daemon.MethodReloadConfig, params, &result)
}

// Shutdown asks the daemon to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	var result struct {
		Stopping bool `json:"stopping"`
	}
	return c.call(ctx, daemon.MethodShutdown, nil, &result)
}
