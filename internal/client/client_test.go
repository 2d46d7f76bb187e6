package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpstools/fastsearch/internal/config"
	"github.com/vpstools/fastsearch/internal/daemon"
	fserr "github.com/vpstools/fastsearch/internal/errors"
	"github.com/vpstools/fastsearch/internal/model"
	"github.com/vpstools/fastsearch/internal/store"
)

// testConfig builds a hermetic configuration with local models and
// temp socket, PID and store paths.
func testConfig(t *testing.T) (*config.Config, string) {
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
	return cfg, dbPath
}

func seedStore(t *testing.T, dbPath string, contents ...string) {
	t.Helper()
	st, err := store.Open(dbPath, model.DefaultDimensions, nil)
	require.NoError(t, err)
	embedder := model.NewStaticEmbedder("static-test", model.DefaultDimensions)
	chunks := make([]store.Chunk, len(contents))
	for i, content := range contents {
		chunks[i] = store.Chunk{Source: "seed.md", ChunkIndex: i, Content: content}
	}
	vectors, err := embedder.EmbedBatch(context.Background(), contents)
	require.NoError(t, err)
	_, err = st.InsertBatch(context.Background(), chunks, vectors)
	require.NoError(t, err)
	require.NoError(t, st.Close())
}

// startDaemon runs a real server on the configured socket.
func startDaemon(t *testing.T, cfg *config.Config) {
	t.Helper()

	srv := daemon.NewServer(cfg, "", nil)
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
}

func TestClient_PingAndStatus(t *testing.T) {
	cfg, _ := testConfig(t)
	startDaemon(t, cfg)
	ctx := context.Background()

	c := New(cfg.Daemon.SocketPath)
	defer func() { _ = c.Close() }()

	require.NoError(t, c.Ping(ctx))
	assert.True(t, c.Available(ctx))

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.Daemon.SocketPath, status.SocketPath)
	assert.Contains(t, status.LoadedModels, config.SlotEmbedder)
}

func TestClient_SearchEndToEnd(t *testing.T) {
	cfg, dbPath := testConfig(t)
	seedStore(t, dbPath,
		"the daemon listens on a unix socket",
		"models are evicted under memory pressure",
		"cooking pasta requires boiling water")
	startDaemon(t, cfg)

	c := New(cfg.Daemon.SocketPath)
	defer func() { _ = c.Close() }()

	resp, err := c.Search(context.Background(), "daemon socket", SearchOptions{Limit: 2})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "seed.md", resp.Results[0].Source)
	assert.Contains(t, resp.Results[0].Content, "daemon")
}

func TestClient_ErrorKindRoundTrip(t *testing.T) {
	cfg, dbPath := testConfig(t)
	seedStore(t, dbPath, "content")
	startDaemon(t, cfg)

	c := New(cfg.Daemon.SocketPath)
	defer func() { _ = c.Close() }()

	_, err := c.Search(context.Background(), "   ", SearchOptions{})
	require.Error(t, err)
	assert.True(t, fserr.IsKind(err, fserr.KindEmptyQuery),
		"wire error kind survives the round trip, got %v", err)
}

func TestClient_EmbedAndRerank(t *testing.T) {
	cfg, _ := testConfig(t)
	startDaemon(t, cfg)
	ctx := context.Background()

	c := New(cfg.Daemon.SocketPath)
	defer func() { _ = c.Close() }()

	embedded, err := c.Embed(ctx, []string{"one", "two"})
	require.NoError(t, err)
	assert.Equal(t, 2, embedded.Count)
	require.Len(t, embedded.Embeddings, 2)
	assert.Len(t, embedded.Embeddings[0], model.DefaultDimensions)

	reranked, err := c.Rerank(ctx, "daemon socket",
		[]string{"pasta recipe", "daemon socket configuration"})
	require.NoError(t, err)
	require.Len(t, reranked.Ranked, 2)
	assert.Equal(t, 1, reranked.Ranked[0].Index, "relevant document ranks first")
}

func TestClient_ModelLifecycle(t *testing.T) {
	cfg, _ := testConfig(t)
	startDaemon(t, cfg)
	ctx := context.Background()

	c := New(cfg.Daemon.SocketPath)
	defer func() { _ = c.Close() }()

	loaded, err := c.LoadModel(ctx, config.SlotEmbedder)
	require.NoError(t, err)
	assert.Equal(t, config.SlotEmbedder, loaded.Slot)
	assert.Equal(t, 10, loaded.MemoryMB)

	require.NoError(t, c.UnloadModel(ctx, config.SlotEmbedder))

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.TotalMemoryMB)
}

func TestClient_ReconnectsAfterDroppedConnection(t *testing.T) {
	cfg, _ := testConfig(t)
	startDaemon(t, cfg)
	ctx := context.Background()

	c := New(cfg.Daemon.SocketPath)
	defer func() { _ = c.Close() }()
	require.NoError(t, c.Ping(ctx))

	// Kill the transport under the client; the next call must
	// transparently reconnect.
	c.mu.Lock()
	require.NoError(t, c.conn.Close())
	c.mu.Unlock()

	assert.NoError(t, c.Ping(ctx))
}

func TestClient_UnreachableDaemon(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "nobody-home.sock"),
		WithDialTimeout(100*time.Millisecond))
	ctx := context.Background()

	err := c.Ping(ctx)
	require.Error(t, err)
	assert.True(t, fserr.IsKind(err, fserr.KindStoreUnavailable))
	assert.False(t, c.Available(ctx))
}

func TestDirect_Search(t *testing.T) {
	cfg, dbPath := testConfig(t)
	seedStore(t, dbPath,
		"reciprocal rank fusion combines ranked lists",
		"unrelated gardening tips")

	d, err := OpenDirect(cfg, dbPath, nil)
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	resp, err := d.Search(context.Background(), "rank fusion", SearchOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Contains(t, resp.Results[0].Content, "fusion")
}

func TestDirect_RerankFlagForcesRerankedMode(t *testing.T) {
	cfg, dbPath := testConfig(t)
	seedStore(t, dbPath, "alpha document", "beta document")

	d, err := OpenDirect(cfg, dbPath, nil)
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	resp, err := d.Search(context.Background(), "alpha", SearchOptions{Rerank: true})
	require.NoError(t, err)
	assert.True(t, resp.Reranked)
}

func TestSearchAuto_PrefersDaemon(t *testing.T) {
	cfg, dbPath := testConfig(t)
	seedStore(t, dbPath, "served by the daemon")
	startDaemon(t, cfg)

	resp, err := SearchAuto(context.Background(), cfg, "daemon", SearchOptions{}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
}

func TestSearchAuto_FallsBackToDirectMode(t *testing.T) {
	cfg, dbPath := testConfig(t)
	seedStore(t, dbPath, "found without a daemon")

	resp, err := SearchAuto(context.Background(), cfg, "daemon", SearchOptions{DBPath: dbPath}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
}
