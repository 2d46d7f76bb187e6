// Package manager owns the process-wide model slots: it loads backends
// on demand, coalesces concurrent loads, evicts under a memory budget
// and unloads idle slots in the background.
package manager

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vpstools/fastsearch/internal/config"
	fserr "github.com/vpstools/fastsearch/internal/errors"
	"github.com/vpstools/fastsearch/internal/model"
)

// State is a slot lifecycle state.
type State string

const (
	StateUnloaded  State = "UNLOADED"
	StateLoading   State = "LOADING"
	StateLoaded    State = "LOADED"
	StateUnloading State = "UNLOADING"
)

// DefaultSweepInterval is how often the idle sweeper wakes.
const DefaultSweepInterval = 10 * time.Second

// SlotStatus is a point-in-time view of one slot.
type SlotStatus struct {
	Name        string  `json:"name"`
	Model       string  `json:"model"`
	Policy      string  `json:"policy"`
	State       State   `json:"state"`
	MemoryMB    int     `json:"memory_mb"`
	LoadedAt    string  `json:"loaded_at,omitempty"`
	LastUsed    string  `json:"last_used,omitempty"`
	IdleSeconds float64 `json:"idle_seconds"`
}

// slot is the mutable record behind one named model slot. All fields
// are guarded by the manager mutex.
type slot struct {
	name string
	cfg  config.ModelConfig

	state    State
	embedder model.Embedder
	reranker model.Reranker
	loadedAt time.Time
	lastUsed time.Time
	loadSeq  int
	inUse    int
}

func (s *slot) memoryMB() int {
	return s.cfg.MemoryEstimateMB
}

func (s *slot) closeBackend() {
	if s.embedder != nil {
		_ = s.embedder.Close()
		s.embedder = nil
	}
	if s.reranker != nil {
		_ = s.reranker.Close()
		s.reranker = nil
	}
}

// Manager coordinates the fixed slot set. The slot set is established
// at construction; Reload updates parameters but never adds slots.
type Manager struct {
	mu     sync.Mutex
	slots  map[string]*slot
	memory config.MemoryConfig

	group   singleflight.Group
	logger  *slog.Logger
	nextSeq int

	sweepInterval time.Duration
	sweepStop     chan struct{}
	sweepDone     chan struct{}

	// now and the factories are swapped in tests.
	now         func() time.Time
	newEmbedder func(name string, dims int) model.Embedder
	newReranker func(name string) model.Reranker
}

// New creates a manager for the slots in cfg. Nothing is loaded until
// Start or the first acquire.
func New(cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	slots := make(map[string]*slot, len(cfg.Models))
	for name, mc := range cfg.Models {
		slots[name] = &slot{name: name, cfg: mc, state: StateUnloaded}
	}
	return &Manager{
		slots:         slots,
		memory:        cfg.Memory,
		logger:        logger,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		newEmbedder:   model.NewEmbedder,
		newReranker:   model.NewReranker,
	}
}

// Start loads always-policy slots and starts the idle sweeper.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	var eager []string
	for name, s := range m.slots {
		if s.cfg.KeepLoaded == config.KeepAlways {
			eager = append(eager, name)
		}
	}
	m.mu.Unlock()

	sort.Strings(eager)
	for _, name := range eager {
		if _, err := m.Load(ctx, name); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if m.sweepStop == nil {
		m.sweepStop = make(chan struct{})
		m.sweepDone = make(chan struct{})
		go m.sweep(m.sweepStop, m.sweepDone)
	}
	m.mu.Unlock()
	return nil
}

// Stop halts the sweeper and unloads every slot.
func (m *Manager) Stop() {
	m.mu.Lock()
	stop, done := m.sweepStop, m.sweepDone
	m.sweepStop, m.sweepDone = nil, nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		if s.state == StateLoaded {
			m.unloadLocked(s)
		}
	}
}

// AcquireEmbedder returns the loaded embedder, loading the slot first
// if needed. The release func unpins the slot.
func (m *Manager) AcquireEmbedder(ctx context.Context) (model.Embedder, func(), error) {
	s, release, err := m.acquire(ctx, config.SlotEmbedder)
	if err != nil {
		return nil, nil, err
	}
	return s.embedder, release, nil
}

// AcquireReranker returns the loaded reranker, loading the slot first
// if needed. The release func unpins the slot.
func (m *Manager) AcquireReranker(ctx context.Context) (model.Reranker, func(), error) {
	s, release, err := m.acquire(ctx, config.SlotReranker)
	if err != nil {
		return nil, nil, err
	}
	return s.reranker, release, nil
}

// acquire pins a loaded slot, loading it when necessary. Concurrent
// acquires of a loading slot coalesce onto the in-flight load and all
// see its outcome.
func (m *Manager) acquire(ctx context.Context, name string) (*slot, func(), error) {
	for {
		m.mu.Lock()
		s, ok := m.slots[name]
		if !ok {
			m.mu.Unlock()
			return nil, nil, fserr.Newf(fserr.KindInvalidArgument, "unknown model slot %q", name)
		}
		if s.cfg.KeepLoaded == config.KeepDisabled {
			m.mu.Unlock()
			return nil, nil, fserr.Newf(fserr.KindModelDisabled, "model slot %q is disabled", name)
		}
		if s.state == StateLoaded {
			s.lastUsed = m.now()
			s.inUse++
			m.mu.Unlock()
			var once sync.Once
			release := func() {
				once.Do(func() {
					m.mu.Lock()
					s.inUse--
					m.mu.Unlock()
				})
			}
			return s, release, nil
		}
		m.mu.Unlock()

		if _, err, _ := m.group.Do(name, func() (any, error) {
			return nil, m.load(ctx, name)
		}); err != nil {
			return nil, nil, err
		}
		// Loaded by us or by the flight we joined; loop to pin it.
		// The slot can be evicted between the load and the retry, in
		// which case the loop simply loads again.
	}
}

// Load loads a slot (idempotent) and returns its memory estimate.
func (m *Manager) Load(ctx context.Context, name string) (int, error) {
	m.mu.Lock()
	s, ok := m.slots[name]
	if !ok {
		m.mu.Unlock()
		return 0, fserr.Newf(fserr.KindInvalidArgument, "unknown model slot %q", name)
	}
	if s.cfg.KeepLoaded == config.KeepDisabled {
		m.mu.Unlock()
		return 0, fserr.Newf(fserr.KindModelDisabled, "model slot %q is disabled", name)
	}
	mem := s.memoryMB()
	if s.state == StateLoaded {
		m.mu.Unlock()
		return mem, nil
	}
	m.mu.Unlock()

	if _, err, _ := m.group.Do(name, func() (any, error) {
		return nil, m.load(ctx, name)
	}); err != nil {
		return 0, err
	}
	return mem, nil
}

// load performs the actual state transition. Runs inside singleflight,
// so at most one load per slot is in flight.
func (m *Manager) load(ctx context.Context, name string) error {
	m.mu.Lock()
	s := m.slots[name]
	if s.state == StateLoaded {
		m.mu.Unlock()
		return nil
	}
	s.state = StateLoading

	if err := m.makeRoomLocked(s); err != nil {
		s.state = StateUnloaded
		m.mu.Unlock()
		return err
	}
	cfg := s.cfg
	m.mu.Unlock()

	// Backend construction happens outside the lock: remote backends
	// may probe the network.
	var (
		embedder model.Embedder
		reranker model.Reranker
	)
	if name == config.SlotReranker {
		reranker = m.newReranker(cfg.Name)
		if !reranker.Available(ctx) {
			_ = reranker.Close()
			m.failLoad(name)
			return fserr.Newf(fserr.KindModelLoadFailed, "reranker %q is not available", cfg.Name)
		}
	} else {
		embedder = m.newEmbedder(cfg.Name, 0)
		if !embedder.Available(ctx) {
			_ = embedder.Close()
			m.failLoad(name)
			return fserr.Newf(fserr.KindModelLoadFailed, "embedder %q is not available", cfg.Name)
		}
	}

	m.mu.Lock()
	s.embedder = embedder
	s.reranker = reranker
	s.state = StateLoaded
	s.loadedAt = m.now()
	s.lastUsed = s.loadedAt
	s.loadSeq = m.nextSeq
	m.nextSeq++
	m.mu.Unlock()

	m.logger.Info("model_loaded",
		slog.String("slot", name),
		slog.String("model", cfg.Name),
		slog.Int("memory_mb", cfg.MemoryEstimateMB))
	return nil
}

func (m *Manager) failLoad(name string) {
	m.mu.Lock()
	m.slots[name].state = StateUnloaded
	m.mu.Unlock()
}

// makeRoomLocked evicts on_demand slots until s fits the budget.
// Eviction order follows the configured policy: least recently used,
// or oldest load for fifo. Pinned and always slots are skipped.
func (m *Manager) makeRoomLocked(s *slot) error {
	budget := m.memory.MaxRAMMB
	for m.loadedMemoryLocked()+s.memoryMB() > budget {
		victim := m.pickVictimLocked(s)
		if victim == nil {
			return fserr.Newf(fserr.KindMemoryBudgetExceeded,
				"loading %q needs %d MB but only %d MB of the %d MB budget is free",
				s.name, s.memoryMB(), budget-m.loadedMemoryLocked(), budget)
		}
		m.unloadLocked(victim)
	}
	return nil
}

func (m *Manager) loadedMemoryLocked() int {
	total := 0
	for _, s := range m.slots {
		if s.state == StateLoaded {
			total += s.memoryMB()
		}
	}
	return total
}

func (m *Manager) pickVictimLocked(loading *slot) *slot {
	var victim *slot
	for _, s := range m.slots {
		if s == loading || s.state != StateLoaded || s.inUse > 0 {
			continue
		}
		if s.cfg.KeepLoaded != config.KeepOnDemand {
			continue
		}
		if victim == nil || m.evictsBefore(s, victim) {
			victim = s
		}
	}
	return victim
}

func (m *Manager) evictsBefore(a, b *slot) bool {
	if m.memory.EvictionPolicy == config.EvictFIFO {
		return a.loadSeq < b.loadSeq
	}
	return a.lastUsed.Before(b.lastUsed)
}

// unloadLocked tears a slot down. Caller holds the mutex and has
// verified the slot is not pinned.
func (m *Manager) unloadLocked(s *slot) {
	s.state = StateUnloading
	s.closeBackend()
	s.state = StateUnloaded
	s.loadedAt = time.Time{}
	m.logger.Info("model_unloaded", slog.String("slot", s.name))
}

// Unload unloads a slot explicitly. Pinned slots are refused.
func (m *Manager) Unload(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[name]
	if !ok {
		return fserr.Newf(fserr.KindInvalidArgument, "unknown model slot %q", name)
	}
	if s.state != StateLoaded {
		return nil
	}
	if s.inUse > 0 {
		return fserr.Newf(fserr.KindDaemonBusy, "model slot %q is in use", name)
	}
	m.unloadLocked(s)
	return nil
}

// Status reports every slot.
func (m *Manager) Status() map[string]SlotStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make(map[string]SlotStatus, len(m.slots))
	for name, s := range m.slots {
		st := SlotStatus{
			Name:   name,
			Model:  s.cfg.Name,
			Policy: s.cfg.KeepLoaded,
			State:  s.state,
		}
		if s.state == StateLoaded {
			st.MemoryMB = s.memoryMB()
			st.LoadedAt = s.loadedAt.UTC().Format(time.RFC3339)
			st.LastUsed = s.lastUsed.UTC().Format(time.RFC3339)
			st.IdleSeconds = now.Sub(s.lastUsed).Seconds()
		}
		out[name] = st
	}
	return out
}

// TotalMemoryMB is the memory estimate of currently loaded slots.
func (m *Manager) TotalMemoryMB() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadedMemoryLocked()
}

// MaxMemoryMB is the configured budget.
func (m *Manager) MaxMemoryMB() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memory.MaxRAMMB
}

// Reload applies new slot parameters and budget. Slots are never added
// or removed; a changed model name takes effect on the next load (a
// loaded slot keeps serving the old model until restarted). A policy
// switched to disabled unloads immediately; a shrunk budget evicts
// until it fits.
func (m *Manager) Reload(cfg *config.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.memory = cfg.Memory
	for name, s := range m.slots {
		mc, ok := cfg.Models[name]
		if !ok {
			continue
		}
		if s.state == StateLoaded && mc.Name != s.cfg.Name {
			m.logger.Warn("model_identity_change_requires_restart",
				slog.String("slot", name),
				slog.String("loaded", s.cfg.Name),
				slog.String("configured", mc.Name))
		}
		s.cfg = mc
		if mc.KeepLoaded == config.KeepDisabled && s.state == StateLoaded && s.inUse == 0 {
			m.unloadLocked(s)
		}
	}

	// A smaller budget can leave the loaded set oversized.
	for m.loadedMemoryLocked() > m.memory.MaxRAMMB {
		victim := m.pickVictimLocked(nil)
		if victim == nil {
			break
		}
		m.unloadLocked(victim)
	}

	m.logger.Info("manager_config_reloaded",
		slog.Int("max_ram_mb", m.memory.MaxRAMMB),
		slog.String("eviction_policy", m.memory.EvictionPolicy))
	return nil
}

// sweep is the idle sweeper loop: one background actor unloading
// on_demand slots whose idle timeout elapsed. A timeout of 0 exempts
// the slot.
func (m *Manager) sweep(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, s := range m.slots {
		if s.state != StateLoaded || s.inUse > 0 {
			continue
		}
		if s.cfg.KeepLoaded != config.KeepOnDemand || s.cfg.IdleTimeoutSeconds <= 0 {
			continue
		}
		idle := now.Sub(s.lastUsed)
		if idle >= time.Duration(s.cfg.IdleTimeoutSeconds)*time.Second {
			m.logger.Info("model_idle_timeout",
				slog.String("slot", s.name),
				slog.Float64("idle_seconds", idle.Seconds()))
			m.unloadLocked(s)
		}
	}
}
