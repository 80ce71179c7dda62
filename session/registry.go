package session

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicebridge/errors"
	"github.com/c360/devicebridge/metric"
)

const (
	// DefaultIdleTimeout is how long a session may go without activity
	// before the sweep closes it.
	DefaultIdleTimeout = 30 * time.Minute

	// DefaultSweepInterval is how often the background sweep runs.
	DefaultSweepInterval = 60 * time.Second
)

// Conn is the slice of a network connection the registry needs. The
// server's WebSocket wrapper satisfies it; tests use in-memory fakes.
type Conn interface {
	RemoteAddr() net.Addr
	Close() error
}

// Session is one bound device connection.
type Session struct {
	ID           string
	DeviceID     string
	PeerAddr     string
	Conn         Conn
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Registry maps session IDs to live connections. All methods are safe for
// concurrent use; connection Close calls happen outside the registry lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byConn   map[Conn]*Session

	idleTimeout   time.Duration
	sweepInterval time.Duration

	logger  *slog.Logger
	metrics *registryMetrics

	// now is replaceable in tests.
	now func() time.Time

	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Registry.
type Option func(*Registry)

// WithIdleTimeout overrides the idle timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.idleTimeout = d }
}

// WithSweepInterval overrides the sweep interval.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepInterval = d }
}

// WithClock replaces the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry and starts its background sweep. Pass a
// nil registrar to disable metrics.
func NewRegistry(logger *slog.Logger, registrar metric.Registrar, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		sessions:      make(map[string]*Session),
		byConn:        make(map[Conn]*Session),
		idleTimeout:   DefaultIdleTimeout,
		sweepInterval: DefaultSweepInterval,
		logger:        logger.With("component", "SessionRegistry"),
		now:           time.Now,
		shutdown:      make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.metrics = newRegistryMetrics(registrar)

	go r.sweepLoop()
	return r
}

// Create registers a new session for conn and returns it. The returned
// session is a snapshot; the registry keeps the authoritative copy.
func (r *Registry) Create(deviceID string, conn Conn) Session {
	now := r.now()
	s := &Session{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		PeerAddr:     conn.RemoteAddr().String(),
		Conn:         conn,
		CreatedAt:    now,
		LastActiveAt: now,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.byConn[conn] = s
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.setActive(count)
	r.metrics.created()
	r.logger.Info("session created",
		"sessionID", s.ID, "deviceID", deviceID, "peer", s.PeerAddr)
	return *s
}

// Get returns the session by ID and refreshes its activity timestamp.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, errors.Wrap(
			fmt.Errorf("%w: %s", errors.ErrSessionNotFound, id),
			"SessionRegistry", "Get", "look up session")
	}
	s.LastActiveAt = r.now()
	return *s, nil
}

// GetByConn returns the session bound to conn and refreshes its activity
// timestamp. Used by the server's read loop to stamp inbound messages.
func (r *Registry) GetByConn(conn Conn) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byConn[conn]
	if !ok {
		return Session{}, false
	}
	s.LastActiveAt = r.now()
	return *s, true
}

// Touch refreshes the activity timestamp for a session, if it exists.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		s.LastActiveAt = r.now()
	}
	r.mu.Unlock()
}

// Remove deletes the session and closes its connection, reporting
// whether the session existed. Removing an unknown ID is a no-op.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		delete(r.byConn, s.Conn)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.metrics.setActive(count)
	r.metrics.removed("explicit")
	if err := s.Conn.Close(); err != nil {
		r.logger.Debug("close on remove", "sessionID", id, "error", err)
	}
	r.logger.Info("session removed", "sessionID", id, "deviceID", s.DeviceID)
	return true
}

// ListActive returns snapshots of all live sessions. Sessions past the
// idle timeout are evicted here rather than returned, so the result is
// accurate even if the sweep has not run yet.
func (r *Registry) ListActive() []Session {
	cutoff := r.now().Add(-r.idleTimeout)

	r.mu.Lock()
	active := make([]Session, 0, len(r.sessions))
	var expired []*Session
	for id, s := range r.sessions {
		if s.LastActiveAt.Before(cutoff) {
			delete(r.sessions, id)
			delete(r.byConn, s.Conn)
			expired = append(expired, s)
			continue
		}
		active = append(active, *s)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	r.closeExpired(expired, count)
	return active
}

// Shutdown stops the sweep and closes every remaining connection.
// Safe to call more than once.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() {
		close(r.shutdown)
		<-r.done

		r.mu.Lock()
		remaining := make([]*Session, 0, len(r.sessions))
		for _, s := range r.sessions {
			remaining = append(remaining, s)
		}
		r.sessions = make(map[string]*Session)
		r.byConn = make(map[Conn]*Session)
		r.mu.Unlock()

		for _, s := range remaining {
			if err := s.Conn.Close(); err != nil {
				r.logger.Debug("close on shutdown", "sessionID", s.ID, "error", err)
			}
		}
		r.metrics.setActive(0)
		r.logger.Info("registry shut down", "closedSessions", len(remaining))
	})
}

func (r *Registry) sweepLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.shutdown:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := r.now().Add(-r.idleTimeout)

	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.LastActiveAt.Before(cutoff) {
			delete(r.sessions, id)
			delete(r.byConn, s.Conn)
			expired = append(expired, s)
		}
	}
	count := len(r.sessions)
	r.mu.Unlock()

	r.closeExpired(expired, count)
}

func (r *Registry) closeExpired(expired []*Session, activeCount int) {
	if len(expired) == 0 {
		return
	}
	r.metrics.setActive(activeCount)
	for _, s := range expired {
		r.metrics.removed("idle")
		if err := s.Conn.Close(); err != nil {
			r.logger.Debug("close expired session", "sessionID", s.ID, "error", err)
		}
		r.logger.Info("session expired",
			"sessionID", s.ID, "deviceID", s.DeviceID,
			"lastActive", s.LastActiveAt)
	}
}

type registryMetrics struct {
	active       prometheus.Gauge
	createdTotal prometheus.Counter
	removedTotal *prometheus.CounterVec
}

func newRegistryMetrics(registrar metric.Registrar) *registryMetrics {
	if registrar == nil {
		return nil
	}
	m := &registryMetrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devicebridge_sessions_active",
			Help: "Number of live device sessions.",
		}),
		createdTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicebridge_sessions_created_total",
			Help: "Total sessions created.",
		}),
		removedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicebridge_sessions_removed_total",
			Help: "Total sessions removed, by reason.",
		}, []string{"reason"}),
	}
	_ = registrar.RegisterGauge("session", "active", m.active)
	_ = registrar.RegisterCounter("session", "created_total", m.createdTotal)
	_ = registrar.RegisterCounterVec("session", "removed_total", m.removedTotal)
	return m
}

func (m *registryMetrics) setActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

func (m *registryMetrics) created() {
	if m == nil {
		return
	}
	m.createdTotal.Inc()
}

func (m *registryMetrics) removed(reason string) {
	if m == nil {
		return
	}
	m.removedTotal.WithLabelValues(reason).Inc()
}
