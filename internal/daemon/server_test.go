package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpstools/fastsearch/internal/config"
	fserr "github.com/vpstools/fastsearch/internal/errors"
	"github.com/vpstools/fastsearch/internal/model"
	"github.com/vpstools/fastsearch/internal/store"
)

// startTestServer runs a daemon on a temp socket with hermetic local
// models and a seeded default store.
func startTestServer(t *testing.T, seed ...string) (*Server, string) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Daemon.SocketPath = filepath.Join(dir, "fs.sock")
	cfg.Daemon.PIDPath = filepath.Join(dir, "fs.pid")
	cfg.Models[config.SlotEmbedder] = config.ModelConfig{
		Name: "static-test", KeepLoaded: config.KeepOnDemand, MemoryEstimateMB: 10}
	cfg.Models[config.SlotReranker] = config.ModelConfig{
		Name: "lexical-test", KeepLoaded: config.KeepOnDemand, MemoryEstimateMB: 10}

	dbPath := filepath.Join(dir, "fs.db")
	t.Setenv(config.EnvDB, dbPath)
	if len(seed) > 0 {
		st, err := store.Open(dbPath, model.DefaultDimensions, nil)
		require.NoError(t, err)
		embedder := model.NewStaticEmbedder("static-test", model.DefaultDimensions)
		chunks := make([]store.Chunk, len(seed))
		for i, content := range seed {
			chunks[i] = store.Chunk{Source: "seed.md", ChunkIndex: i, Content: content}
		}
		vectors, err := embedder.EmbedBatch(context.Background(), seed)
		require.NoError(t, err)
		_, err = st.InsertBatch(context.Background(), chunks, vectors)
		require.NoError(t, err)
		require.NoError(t, st.Close())
	}

	srv := NewServer(cfg, "", nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.Daemon.SocketPath)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "socket should appear")

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv, cfg.Daemon.SocketPath
}

func dialTest(t *testing.T, socket string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// call sends one request and decodes the response envelope.
func call(t *testing.T, conn net.Conn, id int, method string, params any) Response {
	t.Helper()

	req := map[string]any{"jsonrpc": "2.0", "method": method, "id": id}
	if params != nil {
		req["params"] = params
	}
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, WriteFrame(conn, payload))

	raw, err := ReadFrame(conn)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	return resp
}

func resultMap(t *testing.T, resp Response) map[string]any {
	t.Helper()
	require.Nil(t, resp.Error, "expected success, got %+v", resp.Error)
	m, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	return m
}

func TestServer_Ping(t *testing.T) {
	_, socket := startTestServer(t)
	conn := dialTest(t, socket)

	resp := call(t, conn, 1, MethodPing, nil)
	assert.Equal(t, true, resultMap(t, resp)["ok"])
	assert.Equal(t, "1", string(resp.ID))
}

func TestServer_MethodNotFound(t *testing.T) {
	_, socket := startTestServer(t)
	conn := dialTest(t, socket)

	resp := call(t, conn, 1, "bogus_method", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestServer_ParseError(t *testing.T) {
	_, socket := startTestServer(t)
	conn := dialTest(t, socket)

	require.NoError(t, WriteFrame(conn, []byte("{not json")))
	raw, err := ReadFrame(conn)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeParseError, resp.Error.Code)
}

func TestServer_InvalidRequest(t *testing.T) {
	_, socket := startTestServer(t)
	conn := dialTest(t, socket)

	require.NoError(t, WriteFrame(conn, []byte(`{"jsonrpc":"1.0","method":"ping","id":1}`)))
	raw, err := ReadFrame(conn)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)
}

func TestServer_OversizeFrameClosesConnection(t *testing.T) {
	_, socket := startTestServer(t)
	conn := dialTest(t, socket)

	header := []byte{0xFF, 0xFF, 0xFF, 0xFF} // ~4 GiB claimed length
	_, err := conn.Write(header)
	require.NoError(t, err)

	_, err = ReadFrame(conn)
	assert.Error(t, err, "server closes the connection without a response")
}

func TestServer_SearchEndToEnd(t *testing.T) {
	_, socket := startTestServer(t,
		"the daemon listens on a unix socket",
		"models are evicted under memory pressure",
		"cooking pasta requires boiling water")
	conn := dialTest(t, socket)

	resp := call(t, conn, 7, MethodSearch, SearchParams{Query: "daemon socket", Mode: "hybrid", Limit: 2})
	result := resultMap(t, resp)

	assert.Equal(t, "hybrid", result["mode"])
	assert.NotNil(t, result["search_time_ms"])
	results, ok := result["results"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, results)

	top, ok := results[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "seed.md", top["source"])
	assert.Contains(t, top["content"], "daemon")
}

func TestServer_SearchInvalidParams(t *testing.T) {
	_, socket := startTestServer(t)
	conn := dialTest(t, socket)

	resp := call(t, conn, 1, MethodSearch, map[string]any{"query": "q", "mode": "bogus"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
}

func TestServer_EmptyQueryCarriesKind(t *testing.T) {
	_, socket := startTestServer(t, "content")
	conn := dialTest(t, socket)

	// Missing and whitespace-only queries both surface the structured
	// EmptyQuery kind, not a params error.
	for i, query := range []string{"", "   "} {
		resp := call(t, conn, i+1, MethodSearch, SearchParams{Query: query})
		require.NotNil(t, resp.Error)
		assert.Equal(t, ErrCodeServerError, resp.Error.Code)

		data, ok := resp.Error.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "EmptyQuery", data["kind"])
	}
}

func TestServer_Embed(t *testing.T) {
	_, socket := startTestServer(t)
	conn := dialTest(t, socket)

	resp := call(t, conn, 1, MethodEmbed, EmbedParams{Texts: []string{"one", "two"}})
	result := resultMap(t, resp)

	assert.Equal(t, float64(2), result["count"])
	embeddings, ok := result["embeddings"].([]any)
	require.True(t, ok)
	require.Len(t, embeddings, 2)
	first, ok := embeddings[0].([]any)
	require.True(t, ok)
	assert.Len(t, first, model.DefaultDimensions)
}

func TestServer_Rerank(t *testing.T) {
	_, socket := startTestServer(t)
	conn := dialTest(t, socket)

	resp := call(t, conn, 1, MethodRerank, RerankParams{
		Query:     "daemon socket",
		Documents: []string{"pasta recipe", "daemon socket configuration"},
	})
	result := resultMap(t, resp)

	scores, ok := result["scores"].([]any)
	require.True(t, ok)
	require.Len(t, scores, 2)

	ranked, ok := result["ranked"].([]any)
	require.True(t, ok)
	best, ok := ranked[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), best["index"], "relevant document ranks first")
}

func TestServer_ModelLifecycleAndStatus(t *testing.T) {
	_, socket := startTestServer(t)
	conn := dialTest(t, socket)

	loadResp := call(t, conn, 1, MethodLoadModel, ModelParams{Slot: config.SlotEmbedder})
	loaded := resultMap(t, loadResp)
	assert.Equal(t, config.SlotEmbedder, loaded["slot"])
	assert.Equal(t, float64(10), loaded["memory_mb"])

	statusResp := call(t, conn, 2, MethodStatus, nil)
	status := resultMap(t, statusResp)
	models, ok := status["loaded_models"].(map[string]any)
	require.True(t, ok)
	embedder, ok := models[config.SlotEmbedder].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "LOADED", embedder["state"])
	assert.Equal(t, float64(10), status["total_memory_mb"])

	unloadResp := call(t, conn, 3, MethodUnloadModel, ModelParams{Slot: config.SlotEmbedder})
	resultMap(t, unloadResp)

	statusResp = call(t, conn, 4, MethodStatus, nil)
	models = resultMap(t, statusResp)["loaded_models"].(map[string]any)
	embedder = models[config.SlotEmbedder].(map[string]any)
	assert.Equal(t, "UNLOADED", embedder["state"])
}

func TestServer_HeavyRequestsQueueWhenSlotsSaturated(t *testing.T) {
	srv, _ := startTestServer(t)

	// Saturate every inference slot.
	releases := make([]func(), 0, maxConcurrentHeavy)
	for i := 0; i < maxConcurrentHeavy; i++ {
		release, err := srv.acquireHeavy(context.Background())
		require.NoError(t, err)
		releases = append(releases, release)
	}

	acquired := make(chan func(), 1)
	go func() {
		release, err := srv.acquireHeavy(context.Background())
		if err == nil {
			acquired <- release
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquire should wait while all slots are taken")
	case <-time.After(100 * time.Millisecond):
	}

	releases[0]()
	select {
	case release := <-acquired:
		release()
	case <-time.After(2 * time.Second):
		t.Fatal("waiter should get the freed slot")
	}
	for _, release := range releases[1:] {
		release()
	}
}

func TestServer_HeavyWaitCanceledReportsBusy(t *testing.T) {
	srv, _ := startTestServer(t)

	releases := make([]func(), 0, maxConcurrentHeavy)
	for i := 0; i < maxConcurrentHeavy; i++ {
		release, err := srv.acquireHeavy(context.Background())
		require.NoError(t, err)
		releases = append(releases, release)
	}
	defer func() {
		for _, release := range releases {
			release()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := srv.acquireHeavy(ctx)
	require.Error(t, err)
	assert.True(t, fserr.IsKind(err, fserr.KindDaemonBusy))
}

func TestServer_ConcurrentEmbedsAllSucceed(t *testing.T) {
	_, socket := startTestServer(t)

	const clients = 50
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func(id int) {
			conn, err := net.Dial("unix", socket)
			if err != nil {
				errs <- err
				return
			}
			defer func() { _ = conn.Close() }()

			req, err := json.Marshal(map[string]any{
				"jsonrpc": "2.0", "method": MethodEmbed, "id": id,
				"params": EmbedParams{Texts: []string{"concurrent load"}},
			})
			if err != nil {
				errs <- err
				return
			}
			if err := WriteFrame(conn, req); err != nil {
				errs <- err
				return
			}
			raw, err := ReadFrame(conn)
			if err != nil {
				errs <- err
				return
			}
			var resp Response
			if err := json.Unmarshal(raw, &resp); err != nil {
				errs <- err
				return
			}
			if resp.Error != nil {
				errs <- fmt.Errorf("embed %d failed: %s", id, resp.Error.Message)
				return
			}
			errs <- nil
		}(i)
	}

	for i := 0; i < clients; i++ {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("embed requests did not complete")
		}
	}
}

func TestServer_ResponsesInRequestOrder(t *testing.T) {
	_, socket := startTestServer(t)
	conn := dialTest(t, socket)

	for _, id := range []int{1, 2, 3} {
		req, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": "ping", "id": id})
		require.NoError(t, err)
		require.NoError(t, WriteFrame(conn, req))
	}
	for _, want := range []string{"1", "2", "3"} {
		raw, err := ReadFrame(conn)
		require.NoError(t, err)
		var resp Response
		require.NoError(t, json.Unmarshal(raw, &resp))
		assert.Equal(t, want, string(resp.ID))
	}
}

func TestServer_ShutdownMethod(t *testing.T) {
	srv, socket := startTestServer(t)
	conn := dialTest(t, socket)

	resp := call(t, conn, 1, MethodShutdown, nil)
	assert.Equal(t, true, resultMap(t, resp)["stopping"])

	select {
	case <-srv.shutdownCh:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown was not initiated")
	}

	require.Eventually(t, func() bool {
		_, err := os.Stat(socket)
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond, "socket file is removed on shutdown")
}

func TestServer_StaleSocketTakeover(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "fs.sock")

	// A dead socket file with no listener behind it.
	l, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	if _, statErr := os.Stat(socketPath); os.IsNotExist(statErr) {
		require.NoError(t, os.WriteFile(socketPath, nil, 0o600))
	}

	cfg := config.Default()
	cfg.Daemon.SocketPath = socketPath
	cfg.Daemon.PIDPath = filepath.Join(dir, "fs.pid")
	srv := NewServer(cfg, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		conn, dialErr := net.Dial("unix", socketPath)
		if dialErr != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServer_SocketPermissions(t *testing.T) {
	_, socket := startTestServer(t)

	info, err := os.Stat(socket)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
