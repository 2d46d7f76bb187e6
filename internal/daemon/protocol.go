// Package daemon implements the FastSearch RPC server: JSON-RPC 2.0
// over a length-framed unix socket stream.
package daemon

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	fserr "github.com/vpstools/fastsearch/internal/errors"
	"github.com/vpstools/fastsearch/internal/manager"
	"github.com/vpstools/fastsearch/internal/search"
)

// JSON-RPC 2.0 method names.
const (
	MethodPing         = "ping"
	MethodStatus       = "status"
	MethodSearch       = "search"
	MethodEmbed        = "embed"
	MethodRerank       = "rerank"
	MethodLoadModel    = "load_model"
	MethodUnloadModel  = "unload_model"
	MethodReloadConfig = "reload_config"
	MethodShutdown     = "shutdown"
)

// Standard JSON-RPC 2.0 error codes, plus the generic server error
// that carries the structured kind in data.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeServerError    = -32000
)

// MaxFrameSize caps one framed message. Oversize frames close the
// connection.
const MaxFrameSize = 64 << 20

// ErrFrameTooLarge is returned by ReadFrame for oversize frames.
var ErrFrameTooLarge = fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)

// WriteFrame writes a length-prefixed message: uint32 big-endian
// payload length, then the payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed message.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}
	return payload, nil
}

// Request is a JSON-RPC 2.0 request. ID is echoed back verbatim and
// may be a number or a string; nil marks a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is a JSON-RPC 2.0 response: exactly one of Result or Error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ErrorData is the structured payload on server errors.
type ErrorData struct {
	Kind      fserr.Kind        `json:"kind"`
	Retryable bool              `json:"retryable"`
	Details   map[string]string `json:"details,omitempty"`
}

// NewSuccessResponse creates a successful response.
func NewSuccessResponse(id json.RawMessage, result any) Response {
	return Response{JSONRPC: "2.0", Result: result, ID: id}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id json.RawMessage, rpcErr *RPCError) Response {
	return Response{JSONRPC: "2.0", Error: rpcErr, ID: id}
}

// RPCErrorFromKind maps a structured error to the generic server error
// with data.kind, so clients can branch without parsing messages.
func RPCErrorFromKind(err error) *RPCError {
	return &RPCError{
		Code:    ErrCodeServerError,
		Message: err.Error(),
		Data: ErrorData{
			Kind:      fserr.KindOf(err),
			Retryable: fserr.IsRetryable(err),
			Details:   fserr.DetailsOf(err),
		},
	}
}

// SearchParams are the parameters for the search method.
type SearchParams struct {
	// Query is the search query. Blank queries pass validation and are
	// rejected by the engine with the EmptyQuery kind, so clients see
	// the same structured error for "" and for whitespace.
	Query string `json:"query"`

	// DBPath selects the store file ("" = daemon default).
	DBPath string `json:"db_path,omitempty"`

	// Limit is the maximum number of results (default: 10).
	Limit int `json:"limit,omitempty"`

	// Mode is the retrieval mode (default: hybrid).
	Mode string `json:"mode,omitempty"`

	// Rerank forces hybrid_reranked regardless of Mode.
	Rerank bool `json:"rerank,omitempty"`
}

// Validate normalizes the limit and checks the mode.
func (p *SearchParams) Validate() error {
	if p.Limit < 0 {
		p.Limit = 0
	}
	if _, err := search.ParseMode(p.Mode); err != nil {
		return err
	}
	return nil
}

// EmbedParams are the parameters for the embed method.
type EmbedParams struct {
	Texts []string `json:"texts"`
}

// EmbedResult is the embed method result.
type EmbedResult struct {
	Embeddings  [][]float32 `json:"embeddings"`
	Count       int         `json:"count"`
	EmbedTimeMs float64     `json:"embed_time_ms"`
}

// RerankParams are the parameters for the rerank method.
type RerankParams struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

// RankedScore pairs an input document index with its score.
type RankedScore struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// RerankResult is the rerank method result. Scores is in input order;
// Ranked is sorted best first.
type RerankResult struct {
	Scores       []float64     `json:"scores"`
	Ranked       []RankedScore `json:"ranked"`
	RerankTimeMs float64       `json:"rerank_time_ms"`
}

// ModelParams name a slot for load_model and unload_model.
type ModelParams struct {
	Slot string `json:"slot"`
}

// LoadModelResult is the load_model result.
type LoadModelResult struct {
	Slot     string `json:"slot"`
	MemoryMB int    `json:"memory_mb"`
}

// UnloadModelResult is the unload_model result.
type UnloadModelResult struct {
	Slot string `json:"slot"`
}

// ReloadConfigParams optionally override the config path.
type ReloadConfigParams struct {
	ConfigPath string `json:"config_path,omitempty"`
}

// StatusResult is the status method result.
type StatusResult struct {
	UptimeSeconds float64                       `json:"uptime_seconds"`
	RequestCount  int64                         `json:"request_count"`
	SocketPath    string                        `json:"socket_path"`
	LoadedModels  map[string]manager.SlotStatus `json:"loaded_models"`
	TotalMemoryMB int                           `json:"total_memory_mb"`
	MaxMemoryMB   int                           `json:"max_memory_mb"`
}

// SearchResult is the search method result: the engine envelope, with
// search_time_ms measured daemon-side.
type SearchResult = search.Response
