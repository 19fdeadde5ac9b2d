// Package degrade tracks backend health and decides what the system can
// still do when parts of it cannot be reached. It owns the per-backend
// circuit breakers and rate-limit timers, the network check, the advisory
// request queue, and the offline tool-result cache. The dispatcher reports
// outcomes here and asks for the preferred backend; nothing in this package
// ever calls a backend itself.
package degrade

import (
	"sync"
	"time"

	"github.com/valethq/valet/internal/observability"
	"github.com/valethq/valet/pkg/api"
)

// Mode is the derived degradation state. Modes are recomputed from health on
// every update and are purely observational: routing decisions come from
// PreferredBackend, not from the mode.
type Mode string

const (
	ModeNormal               Mode = "NORMAL"
	ModeDegraded             Mode = "DEGRADED"
	ModePrimaryUnavailable   Mode = "PRIMARY_UNAVAILABLE"
	ModeSecondaryUnavailable Mode = "SECONDARY_UNAVAILABLE"
	ModeRateLimited          Mode = "RATE_LIMITED"
	ModeOffline              Mode = "OFFLINE"
)

// AllModes lists every mode, for gauges that need the full set.
var AllModes = []Mode{
	ModeNormal, ModeDegraded, ModePrimaryUnavailable,
	ModeSecondaryUnavailable, ModeRateLimited, ModeOffline,
}

// failureThreshold is the consecutive-failure count that opens a circuit.
const failureThreshold = 3

// defaultRetryAfter applies when a backend signals rate limiting without
// saying for how long.
const defaultRetryAfter = 60 * time.Second

type backendState struct {
	consecutiveFailures int
	lastSuccess         time.Time
	lastFailure         time.Time
	rateLimitedUntil    time.Time
	tripped             bool
}

// Config wires a Manager. Backends lists every backend name in fallback
// order with the local backend last; Primary must be one of them.
type Config struct {
	Backends       []string
	Primary        string
	Local          string
	LocalOnly      bool
	RecoveryWindow time.Duration
	CacheTTL       time.Duration
	QueueCap       int
	ProbeHost      string
	Metrics        *observability.Metrics

	// OnModeChange fires after a recorded outcome moves the derived mode.
	// Called without the manager lock held.
	OnModeChange func(from, to Mode)
}

// Manager owns all degradation state. Safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	backends map[string]*backendState
	order    []string

	primary        string
	local          string
	localOnly      bool
	recoveryWindow time.Duration

	net     *NetChecker
	queue   *Queue
	cache   *ToolCache
	metrics *observability.Metrics

	onModeChange func(from, to Mode)
	lastMode     Mode

	now func() time.Time
}

// NewManager builds a Manager with fresh (healthy) state for every backend.
func NewManager(cfg Config) *Manager {
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = 60 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = 100
	}

	backends := make(map[string]*backendState, len(cfg.Backends))
	for _, name := range cfg.Backends {
		backends[name] = &backendState{}
	}

	m := &Manager{
		backends:       backends,
		order:          append([]string(nil), cfg.Backends...),
		primary:        cfg.Primary,
		local:          cfg.Local,
		localOnly:      cfg.LocalOnly,
		recoveryWindow: cfg.RecoveryWindow,
		net:            NewNetChecker(cfg.ProbeHost),
		queue:          NewQueue(cfg.QueueCap),
		cache:          NewToolCache(cfg.CacheTTL),
		metrics:        cfg.Metrics,
		onModeChange:   cfg.OnModeChange,
		lastMode:       ModeNormal,
		now:            time.Now,
	}
	m.publishMetrics()
	return m
}

// Cache returns the offline tool-result cache.
func (m *Manager) Cache() *ToolCache { return m.cache }

// Queue returns the advisory request queue.
func (m *Manager) Queue() *Queue { return m.queue }

// Net returns the network checker.
func (m *Manager) Net() *NetChecker { return m.net }

// RecordSuccess closes the backend's circuit and resets its failure count.
func (m *Manager) RecordSuccess(backend string) {
	m.mu.Lock()
	if st, ok := m.backends[backend]; ok {
		st.consecutiveFailures = 0
		st.tripped = false
		st.lastSuccess = m.now()
	}
	m.mu.Unlock()
	m.refresh()
}

// RecordFailure counts one failure against the backend, opening the circuit
// at the threshold. Rate-limit failures set the rate-limit timer instead of
// the breaker: they expire on their own schedule.
func (m *Manager) RecordFailure(backend string, kind api.ErrorKind, retryAfter time.Duration) {
	m.mu.Lock()
	if st, ok := m.backends[backend]; ok {
		now := m.now()
		if kind == api.ErrRateLimited {
			if retryAfter <= 0 {
				retryAfter = defaultRetryAfter
			}
			st.rateLimitedUntil = now.Add(retryAfter)
		} else {
			st.consecutiveFailures++
			st.lastFailure = now
			if st.consecutiveFailures >= failureThreshold {
				st.tripped = true
			}
		}
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.BackendFailures.WithLabelValues(backend, string(kind)).Inc()
	}
	m.refresh()
}

// available reports whether the backend can be tried right now. A tripped
// circuit reopens for a probe attempt once the recovery window has elapsed;
// the caller's next RecordSuccess or RecordFailure settles it.
func (m *Manager) available(st *backendState, now time.Time) bool {
	if st == nil {
		return false
	}
	if now.Before(st.rateLimitedUntil) {
		return false
	}
	if st.tripped && now.Sub(st.lastFailure) < m.recoveryWindow {
		return false
	}
	return true
}

// PreferredBackend returns the backend the dispatcher should call, trying
// preferred first, then the remaining backends in configured order with the
// local backend as last resort. When the network is down only the local
// backend is a candidate. ok=false means nothing can serve the request.
func (m *Manager) PreferredBackend(preferred string) (string, bool) {
	online := m.net.Available(false)

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	if m.localOnly {
		return m.local, m.available(m.backends[m.local], now)
	}

	candidates := make([]string, 0, len(m.order))
	if preferred != "" {
		candidates = append(candidates, preferred)
	}
	for _, name := range m.order {
		if name != preferred {
			candidates = append(candidates, name)
		}
	}

	for _, name := range candidates {
		if !online && name != m.local {
			continue
		}
		if m.available(m.backends[name], now) {
			return name, true
		}
	}
	return "", false
}

// Mode derives the current degradation mode from the health snapshot.
func (m *Manager) Mode() Mode {
	online := m.net.Available(false)

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modeLocked(online)
}

func (m *Manager) modeLocked(online bool) Mode {
	if !online {
		return ModeOffline
	}
	now := m.now()

	secondary := ""
	for _, name := range m.order {
		if name != m.primary && name != m.local {
			secondary = name
			break
		}
	}

	primaryUp := m.available(m.backends[m.primary], now)
	secondaryUp := secondary == "" || m.available(m.backends[secondary], now)

	switch {
	case !primaryUp && !secondaryUp:
		return ModeDegraded
	case !primaryUp:
		if st := m.backends[m.primary]; st != nil && now.Before(st.rateLimitedUntil) {
			return ModeRateLimited
		}
		return ModePrimaryUnavailable
	case !secondaryUp:
		return ModeSecondaryUnavailable
	default:
		return ModeNormal
	}
}

// Snapshot returns the externally visible status: mode, network state, and
// a point-in-time copy of every backend's health.
func (m *Manager) Snapshot() api.StatusResponse {
	online := m.net.Available(false)

	m.mu.Lock()
	now := m.now()
	mode := m.modeLocked(online)
	healths := make([]api.BackendHealth, 0, len(m.order))
	for _, name := range m.order {
		st := m.backends[name]
		h := api.BackendHealth{
			Name:                name,
			Available:           m.available(st, now),
			ConsecutiveFailures: st.consecutiveFailures,
		}
		if !st.lastSuccess.IsZero() {
			t := st.lastSuccess
			h.LastSuccess = &t
		}
		if !st.lastFailure.IsZero() {
			t := st.lastFailure
			h.LastFailure = &t
		}
		if now.Before(st.rateLimitedUntil) {
			t := st.rateLimitedUntil
			h.RateLimitedUntil = &t
		}
		healths = append(healths, h)
	}
	m.mu.Unlock()

	return api.StatusResponse{
		Mode:             string(mode),
		NetworkAvailable: online,
		Backends:         healths,
		QueueDepth:       m.queue.Depth(),
	}
}

// Offline reports whether the last network check failed.
func (m *Manager) Offline() bool {
	return !m.net.Available(false)
}

// refresh recomputes the derived mode after a recorded outcome, firing the
// mode-change hook on a transition.
func (m *Manager) refresh() {
	m.mu.Lock()
	mode := m.modeLocked(m.net.Last())
	prev := m.lastMode
	m.lastMode = mode
	m.mu.Unlock()

	if mode != prev && m.onModeChange != nil {
		m.onModeChange(prev, mode)
	}
	m.publishMetrics()
}

func (m *Manager) publishMetrics() {
	if m.metrics == nil {
		return
	}

	m.mu.Lock()
	now := m.now()
	avail := make(map[string]bool, len(m.order))
	for _, name := range m.order {
		avail[name] = m.available(m.backends[name], now)
	}
	mode := m.modeLocked(m.net.Last())
	m.mu.Unlock()

	for name, up := range avail {
		v := 0.0
		if up {
			v = 1.0
		}
		m.metrics.BackendAvailable.WithLabelValues(name).Set(v)
	}
	all := make([]string, len(AllModes))
	for i, md := range AllModes {
		all[i] = string(md)
	}
	m.metrics.SetMode(string(mode), all)
	m.metrics.QueueDepth.Set(float64(m.queue.Depth()))
}
