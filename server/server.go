package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/c360/devicebridge/dispatch"
	"github.com/c360/devicebridge/errors"
	"github.com/c360/devicebridge/metric"
	"github.com/c360/devicebridge/session"
	"github.com/c360/devicebridge/wire"
)

// Config holds server tuning. Zero values take the documented defaults.
type Config struct {
	// ListenAddr is the bind address, e.g. ":8765".
	ListenAddr string

	// Path is the WebSocket endpoint path. Default "/ws".
	Path string

	// ReadLimit bounds a single inbound WebSocket message. Default 32 MiB.
	ReadLimit int64

	// FrameRate caps inbound frames per second per connection. Default 100.
	FrameRate float64

	// FrameBurst is the rate limiter burst. Default 20.
	FrameBurst int
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8765"
	}
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 32 << 20
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 100
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = 20
	}
	return c
}

// wsConn wraps a WebSocket connection with a write mutex so concurrent
// action sends cannot interleave frames. It satisfies session.Conn.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *wsConn) Close() error { return c.conn.Close() }

func (c *wsConn) writeFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Server accepts device connections and bridges them to the dispatcher.
type Server struct {
	cfg        Config
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	metrics    *serverMetrics
	upgrader   websocket.Upgrader

	lifecycleMu sync.Mutex
	started     bool
	httpServer  *http.Server
	listener    net.Listener

	serveErr chan error
}

// NewServer creates an unstarted server. Pass a nil registrar to disable
// metrics.
func NewServer(cfg Config, registry *session.Registry, dispatcher *dispatch.Dispatcher,
	logger *slog.Logger, registrar metric.Registrar) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg.withDefaults(),
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger.With("component", "Server"),
		metrics:    newServerMetrics(registrar),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		serveErr: make(chan error, 1),
	}
}

// Start binds the listener and begins serving. It does not block.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.started {
		return errors.Wrap(errors.ErrAlreadyStarted, "Server", "Start", "check lifecycle")
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.WrapTransport(err, "Server", "Start", "bind listener")
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	s.httpServer = &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.serveErr <- err
		}
	}()

	s.started = true
	s.logger.Info("listening", "addr", ln.Addr().String(), "path", s.cfg.Path)
	return nil
}

// Stop shuts the HTTP server down, waiting up to timeout for in-flight
// handlers. Device sessions are closed through the registry by its owner.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if !s.started {
		return errors.Wrap(errors.ErrNotStarted, "Server", "Stop", "check lifecycle")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	s.started = false
	if err != nil {
		return errors.WrapTransport(err, "Server", "Stop", "shutdown http server")
	}
	return nil
}

// Addr returns the bound listener address, useful when ListenAddr used
// port 0.
func (s *Server) Addr() net.Addr {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ServeErr reports an asynchronous Serve failure, if any.
func (s *Server) ServeErr() <-chan error { return s.serveErr }

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		s.metrics.rejected("missing_device_id")
		http.Error(w, "device_id query parameter is required", http.StatusBadRequest)
		return
	}

	var respHeader http.Header
	if proto := r.URL.Query().Get("protocol"); proto != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": []string{proto}}
	}

	raw, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		s.metrics.rejected("upgrade_failed")
		s.logger.Warn("upgrade failed", "deviceID", deviceID, "error", err)
		return
	}
	raw.SetReadLimit(s.cfg.ReadLimit)

	conn := &wsConn{conn: raw}
	sess := s.registry.Create(deviceID, conn)
	s.metrics.accepted()

	s.readLoop(sess, conn)
}

// readLoop serves one connection until it drops. Each frame passes the
// per-connection rate limiter, then the codec, then the dispatcher.
func (s *Server) readLoop(sess session.Session, conn *wsConn) {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.FrameRate), s.cfg.FrameBurst)
	logger := s.logger.With("sessionID", sess.ID, "deviceID", sess.DeviceID)

	defer s.registry.Remove(sess.ID)

	for {
		_, frame, err := conn.conn.ReadMessage()
		if err != nil {
			logger.Info("connection closed", "error", err)
			return
		}
		if !limiter.Allow() {
			s.metrics.rateLimited()
			logger.Warn("frame rate limit exceeded, dropping frame", "bytes", len(frame))
			continue
		}
		s.registry.Touch(sess.ID)

		msg, err := wire.Decode(frame)
		if err != nil {
			// Bad frame: drop it, keep the connection.
			s.metrics.protocolError()
			logger.Warn("undecodable frame dropped", "error", err, "bytes", len(frame))
			continue
		}

		if err := s.dispatcher.Dispatch(sess.ID, msg); err != nil {
			logger.Warn("dispatch rejected message", "kind", msg.Kind(), "error", err)
		}
	}
}

// SendAction delivers an action descriptor to the device behind
// sessionID using the JSON envelope. A missing or expired session
// returns an error wrapping ErrSessionNotFound.
func (s *Server) SendAction(sessionID string, descriptor wire.ActionDescriptor) error {
	return s.Send(sessionID, wire.Action{Descriptor: descriptor})
}

// Send delivers any message to the device behind sessionID using the
// JSON envelope framing.
func (s *Server) Send(sessionID string, msg wire.Message) error {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	conn, ok := sess.Conn.(*wsConn)
	if !ok {
		return errors.WrapTransport(
			fmt.Errorf("session %s holds no writable connection", sessionID),
			"Server", "Send", "resolve connection")
	}

	frame, err := wire.Encode(msg, wire.FramingJSON)
	if err != nil {
		return err
	}
	if err := conn.writeFrame(frame); err != nil {
		s.registry.Remove(sessionID)
		return errors.WrapTransport(err, "Server", "Send", "write frame")
	}
	s.metrics.sent(string(msg.Kind()))
	return nil
}

type serverMetrics struct {
	acceptedTotal  prometheus.Counter
	rejectedTotal  *prometheus.CounterVec
	sentTotal      *prometheus.CounterVec
	protocolErrors prometheus.Counter
	rateLimitDrops prometheus.Counter
}

func newServerMetrics(registrar metric.Registrar) *serverMetrics {
	if registrar == nil {
		return nil
	}
	m := &serverMetrics{
		acceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicebridge_server_connections_accepted_total",
			Help: "Device connections accepted.",
		}),
		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicebridge_server_connections_rejected_total",
			Help: "Connection attempts rejected, by reason.",
		}, []string{"reason"}),
		sentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicebridge_server_sent_total",
			Help: "Frames delivered to devices, by kind.",
		}, []string{"kind"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicebridge_server_protocol_errors_total",
			Help: "Inbound frames dropped as undecodable.",
		}),
		rateLimitDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicebridge_server_rate_limited_total",
			Help: "Inbound frames dropped by the per-connection rate limit.",
		}),
	}
	_ = registrar.RegisterCounter("server", "connections_accepted_total", m.acceptedTotal)
	_ = registrar.RegisterCounterVec("server", "connections_rejected_total", m.rejectedTotal)
	_ = registrar.RegisterCounterVec("server", "sent_total", m.sentTotal)
	_ = registrar.RegisterCounter("server", "protocol_errors_total", m.protocolErrors)
	_ = registrar.RegisterCounter("server", "rate_limited_total", m.rateLimitDrops)
	return m
}

func (m *serverMetrics) accepted() {
	if m == nil {
		return
	}
	m.acceptedTotal.Inc()
}

func (m *serverMetrics) rejected(reason string) {
	if m == nil {
		return
	}
	m.rejectedTotal.WithLabelValues(reason).Inc()
}

func (m *serverMetrics) sent(kind string) {
	if m == nil {
		return
	}
	m.sentTotal.WithLabelValues(kind).Inc()
}

func (m *serverMetrics) protocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

func (m *serverMetrics) rateLimited() {
	if m == nil {
		return
	}
	m.rateLimitDrops.Inc()
}
