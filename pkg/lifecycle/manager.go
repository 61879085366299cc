// Package lifecycle owns the loaded model handles.
//
// Handles are keyed by capability id, so at most one live handle exists per
// descriptor. Loads are de-duplicated with a single-flight group keyed by the
// descriptor id and run outside the manager lock, so a slow load for one task
// never blocks lookups or loads for another. A waiting caller gives up after
// Config.LoadTimeout (or its own deadline) with types.ErrTimeout; the shared
// load keeps running and is cached for the callers still waiting on it.
//
// Capacity is enforced with slot reservations: a load reserves a slot before
// calling the backend, evicting the least recently used handle when the
// manager is full. Loaded handles plus in-flight reservations never exceed
// Config.MaxConcurrent.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/menta2k/visionhub/pkg/capability"
	"github.com/menta2k/visionhub/pkg/client"
	"github.com/menta2k/visionhub/pkg/router"
	"github.com/menta2k/visionhub/pkg/types"
)

// Loader instantiates the runtime for a descriptor
type Loader interface {
	Load(ctx context.Context, d capability.Descriptor) (client.Model, error)
}

// LoaderFunc adapts a function to Loader
type LoaderFunc func(ctx context.Context, d capability.Descriptor) (client.Model, error)

func (f LoaderFunc) Load(ctx context.Context, d capability.Descriptor) (client.Model, error) {
	return f(ctx, d)
}

// Selector picks a capability for a task
type Selector interface {
	SelectForTask(task string, c router.Constraints) (capability.Descriptor, bool)
}

// Catalog resolves capability ids, used for preloading
type Catalog interface {
	Get(id string) (capability.Descriptor, bool)
}

// Config holds lifecycle limits
type Config struct {
	MaxConcurrent int           // 0 or less means unlimited
	Preload       []string      // capability ids loaded by Initialize
	LoadTimeout   time.Duration // max wait per caller, 0 means the caller's deadline only
}

// Handle is a loaded, ready-to-invoke model
type Handle struct {
	Descriptor capability.Descriptor
	Model      client.Model
	LoadedAt   time.Time

	// guarded by Manager.mu
	lastUsed time.Time
	useSeq   uint64
}

// HandleInfo is a read-only snapshot of a handle
type HandleInfo struct {
	ID       string
	Tasks    []string
	Backend  string
	LoadedAt time.Time
	LastUsed time.Time
}

// Stats counts lifecycle events
type Stats struct {
	Loads     uint64
	Hits      uint64
	Evictions uint64
	Failures  uint64
	Timeouts  uint64
}

// Manager loads, caches and evicts model handles
type Manager struct {
	cfg      Config
	selector Selector
	catalog  Catalog
	loaders  map[string]Loader

	mu        sync.Mutex
	handles   map[string]*Handle
	reserved  int
	useSeq    uint64
	slotFreed chan struct{}

	group singleflight.Group

	loads     atomic.Uint64
	hits      atomic.Uint64
	evictions atomic.Uint64
	failures  atomic.Uint64
	timeouts  atomic.Uint64
}

// NewManager creates a manager. loaders maps Descriptor.Backend to the loader
// that instantiates it.
func NewManager(cfg Config, selector Selector, catalog Catalog, loaders map[string]Loader) *Manager {
	ls := make(map[string]Loader, len(loaders))
	for name, l := range loaders {
		ls[name] = l
	}
	return &Manager{
		cfg:       cfg,
		selector:  selector,
		catalog:   catalog,
		loaders:   ls,
		handles:   make(map[string]*Handle),
		slotFreed: make(chan struct{}),
	}
}

// Initialize preloads every configured capability in order. A failed entry
// is logged and skipped; the joined failures are returned once all entries
// have been attempted.
func (m *Manager) Initialize(ctx context.Context) error {
	var errs []error
	for _, id := range m.cfg.Preload {
		d, ok := m.catalog.Get(id)
		if !ok {
			err := fmt.Errorf("%w: preload capability %s is not registered", types.ErrModelUnavailable, id)
			slog.Warn("preload skipped", "id", id, "error", err)
			errs = append(errs, err)
			continue
		}
		if _, err := m.acquire(ctx, d); err != nil {
			slog.Warn("preload failed", "id", id, "error", err)
			errs = append(errs, err)
			continue
		}
		slog.Info("model preloaded", "id", id)
	}
	return errors.Join(errs...)
}

// GetOrLoad returns a handle able to serve task. A cached handle serving the
// task is returned without I/O; otherwise the router picks a capability and
// it is loaded. Constraints only influence a fresh selection, except
// ModelHint, which must match the cached handle for a cache hit.
func (m *Manager) GetOrLoad(ctx context.Context, task string, c router.Constraints) (*Handle, error) {
	m.mu.Lock()
	if h := m.cachedLocked(task, c.ModelHint); h != nil {
		m.touchLocked(h)
		m.mu.Unlock()
		m.hits.Add(1)
		return h, nil
	}
	m.mu.Unlock()

	d, ok := m.selector.SelectForTask(task, c)
	if !ok {
		return nil, fmt.Errorf("%w: no capability serves task %q", types.ErrModelUnavailable, task)
	}
	return m.acquire(ctx, d)
}

// Unload releases the handle for id and reports whether it was loaded
func (m *Manager) Unload(id string) bool {
	m.mu.Lock()
	h, ok := m.handles[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.removeLocked(id)
	m.mu.Unlock()

	m.release(h, "unload")
	return true
}

// UnloadAll releases every handle
func (m *Manager) UnloadAll() {
	m.mu.Lock()
	all := make([]*Handle, 0, len(m.handles))
	for id, h := range m.handles {
		all = append(all, h)
		delete(m.handles, id)
	}
	m.notifyLocked()
	m.mu.Unlock()

	for _, h := range all {
		m.release(h, "unload-all")
	}
}

// Close unloads everything
func (m *Manager) Close() error {
	m.UnloadAll()
	return nil
}

// Loaded returns a snapshot of the loaded handles, most recently used first
func (m *Manager) Loaded() []HandleInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	hs := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		hs = append(hs, h)
	}
	for i := 1; i < len(hs); i++ {
		for j := i; j > 0 && hs[j].useSeq > hs[j-1].useSeq; j-- {
			hs[j], hs[j-1] = hs[j-1], hs[j]
		}
	}

	out := make([]HandleInfo, len(hs))
	for i, h := range hs {
		out[i] = HandleInfo{
			ID:       h.Descriptor.ID,
			Tasks:    append([]string(nil), h.Descriptor.Tasks...),
			Backend:  h.Descriptor.Backend,
			LoadedAt: h.LoadedAt,
			LastUsed: h.lastUsed,
		}
	}
	return out
}

// Stats returns the event counters
func (m *Manager) Stats() Stats {
	return Stats{
		Loads:     m.loads.Load(),
		Hits:      m.hits.Load(),
		Evictions: m.evictions.Load(),
		Failures:  m.failures.Load(),
		Timeouts:  m.timeouts.Load(),
	}
}

// acquire returns the handle for d, loading it once no matter how many
// callers ask concurrently.
func (m *Manager) acquire(ctx context.Context, d capability.Descriptor) (*Handle, error) {
	m.mu.Lock()
	if h, ok := m.handles[d.ID]; ok {
		m.touchLocked(h)
		m.mu.Unlock()
		m.hits.Add(1)
		return h, nil
	}
	m.mu.Unlock()

	// The load outlives any single caller; waiters bound their own wait below.
	loadCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(d.ID, func() (interface{}, error) {
		return m.load(loadCtx, d)
	})

	waitCtx := ctx
	if m.cfg.LoadTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, m.cfg.LoadTimeout)
		defer cancel()
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		h := res.Val.(*Handle)
		m.mu.Lock()
		m.touchLocked(h)
		m.mu.Unlock()
		return h, nil
	case <-waitCtx.Done():
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			m.timeouts.Add(1)
			return nil, fmt.Errorf("%w: waiting for model %s to load", types.ErrTimeout, d.ID)
		}
		return nil, waitCtx.Err()
	}
}

func (m *Manager) load(ctx context.Context, d capability.Descriptor) (*Handle, error) {
	m.mu.Lock()
	if h, ok := m.handles[d.ID]; ok {
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	loader, ok := m.loaders[d.Backend]
	if !ok {
		m.failures.Add(1)
		return nil, fmt.Errorf("%w: %s: no loader for backend %q", types.ErrModelLoadFailed, d.ID, d.Backend)
	}

	if err := m.reserve(ctx); err != nil {
		m.failures.Add(1)
		return nil, fmt.Errorf("%w: %s: %v", types.ErrModelLoadFailed, d.ID, err)
	}

	slog.Info("loading model", "id", d.ID, "backend", d.Backend, "size_bytes", d.SizeBytes)
	start := time.Now()

	model, err := loader.Load(ctx, d)
	if err == nil && model == nil {
		err = errors.New("loader returned no model")
	}
	if err != nil {
		m.mu.Lock()
		m.reserved--
		m.notifyLocked()
		m.mu.Unlock()

		m.failures.Add(1)
		slog.Error("model load failed", "id", d.ID, "backend", d.Backend, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", types.ErrModelLoadFailed, d.ID, err)
	}

	now := time.Now()
	h := &Handle{Descriptor: d, Model: model, LoadedAt: now}

	m.mu.Lock()
	m.reserved--
	m.handles[d.ID] = h
	m.touchLocked(h)
	// A completed load turns a reservation into an evictable handle
	m.notifyLocked()
	m.mu.Unlock()

	m.loads.Add(1)
	slog.Info("model loaded", "id", d.ID, "duration", time.Since(start))
	return h, nil
}

// reserve claims a slot for a new handle, evicting least recently used
// handles while the manager is full. When every slot belongs to an in-flight
// load it waits for one to be released.
func (m *Manager) reserve(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.cfg.MaxConcurrent <= 0 || len(m.handles)+m.reserved < m.cfg.MaxConcurrent {
			m.reserved++
			m.mu.Unlock()
			return nil
		}
		if victim := m.lruLocked(); victim != nil {
			m.removeLocked(victim.Descriptor.ID)
			m.mu.Unlock()
			m.evictions.Add(1)
			m.release(victim, "evict")
			continue
		}
		wait := m.slotFreed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// cachedLocked finds the most recently used handle serving task. With a hint
// only a handle whose id or name matches it qualifies.
func (m *Manager) cachedLocked(task, hint string) *Handle {
	var best *Handle
	for _, h := range m.handles {
		if !h.Descriptor.HasTask(task) {
			continue
		}
		if hint != "" && !strings.EqualFold(hint, h.Descriptor.ID) && !strings.EqualFold(hint, h.Descriptor.Name) {
			continue
		}
		if best == nil || h.useSeq > best.useSeq {
			best = h
		}
	}
	return best
}

func (m *Manager) lruLocked() *Handle {
	var victim *Handle
	for _, h := range m.handles {
		if victim == nil || h.useSeq < victim.useSeq {
			victim = h
		}
	}
	return victim
}

func (m *Manager) touchLocked(h *Handle) {
	m.useSeq++
	h.useSeq = m.useSeq
	h.lastUsed = time.Now()
}

func (m *Manager) removeLocked(id string) {
	delete(m.handles, id)
	m.notifyLocked()
}

func (m *Manager) notifyLocked() {
	close(m.slotFreed)
	m.slotFreed = make(chan struct{})
}

func (m *Manager) release(h *Handle, reason string) {
	if err := h.Model.Close(); err != nil {
		slog.Warn("model close failed", "id", h.Descriptor.ID, "reason", reason, "error", err)
		return
	}
	slog.Info("model unloaded", "id", h.Descriptor.ID, "reason", reason)
}
