package transport

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicebridge/errors"
	"github.com/c360/devicebridge/metric"
	"github.com/c360/devicebridge/pkg/buffer"
	"github.com/c360/devicebridge/pkg/retry"
	"github.com/c360/devicebridge/wire"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Listener receives connection events and inbound messages. All methods
// are invoked on the client's coordination goroutine, in order.
type Listener interface {
	OnConnected()
	OnDisconnected(reason string)
	OnMessageReceived(msg wire.Message)
	OnError(reason string)
}

// Config holds client tuning. Zero values take the documented defaults.
type Config struct {
	// QueueCapacity bounds the outbound queue. Default 200.
	QueueCapacity int

	// Reconnect governs the reconnect schedule. Default: 3 attempts,
	// 5 second fixed delay.
	Reconnect retry.Config

	// Path is the WebSocket endpoint path. Default "/ws".
	Path string

	// Subprotocol, when set, is sent as the protocol query parameter to
	// request an alternate binary sub-protocol.
	Subprotocol string

	// HandshakeTimeout bounds the WebSocket dial. Default 10s.
	HandshakeTimeout time.Duration

	// Framing selects the outbound encoding for kinds that support both
	// formats. Action and heartbeat always use the JSON envelope.
	Framing wire.Framing
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 200
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect = retry.DefaultConfig()
	}
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

// connParams is what a reconnect needs to redial.
type connParams struct {
	host     string
	port     int
	deviceID string
	listener Listener
}

// clientConn serializes writes to one WebSocket connection. The flush
// goroutine and caller-side sends race otherwise, and the library allows
// only one concurrent writer.
type clientConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *clientConn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *clientConn) read() ([]byte, error) {
	_, frame, err := c.ws.ReadMessage()
	return frame, err
}

func (c *clientConn) close() error { return c.ws.Close() }

// Client manages the device's link to the controller.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *clientMetrics
	dialer  *websocket.Dialer

	mu             sync.Mutex
	state          State
	conn           *clientConn
	params         *connParams
	queue          *buffer.Ring[wire.Message]
	reconnectTimer *time.Timer
	reconnects     int
	// gen invalidates goroutines belonging to a previous connection
	// lifetime. Bumped by Connect and Disconnect.
	gen uint64

	events   chan func()
	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewClient creates a client and starts its coordination goroutine. Pass a
// nil registrar to disable metrics. Call Close when finished.
func NewClient(cfg Config, logger *slog.Logger, registrar metric.Registrar) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	c := &Client{
		cfg:    cfg,
		logger: logger.With("component", "TransportClient"),
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},

		events:   make(chan func(), 64),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.metrics = newClientMetrics(registrar)
	c.queue = buffer.New[wire.Message](cfg.QueueCapacity, buffer.DropOldest, c.onQueueDrop)

	go c.coordinationLoop()
	return c
}

func (c *Client) coordinationLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.shutdown:
			return
		case fn := <-c.events:
			fn()
		}
	}
}

// emit schedules fn on the coordination goroutine. Never call while
// holding c.mu: a full event channel would deadlock against a callback
// that re-enters the client.
func (c *Client) emit(fn func()) {
	select {
	case c.events <- fn:
	case <-c.shutdown:
	}
}

func (c *Client) onQueueDrop(msg wire.Message) {
	c.metrics.dropped()
	c.logger.Warn("outbound queue full, dropping oldest", "kind", msg.Kind())
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueueSize returns the number of messages waiting to be flushed.
func (c *Client) QueueSize() int {
	return c.queue.Size()
}

// Connect stores the connection parameters and begins opening the link.
// It does not block; the outcome arrives via the listener. Calling
// Connect while a previous connection is live supersedes it.
func (c *Client) Connect(host string, port int, deviceID string, listener Listener) error {
	if host == "" || port <= 0 || deviceID == "" || listener == nil {
		return errors.Wrap(
			fmt.Errorf("%w: host, port, deviceID and listener are required", errors.ErrInvalidConfig),
			"TransportClient", "Connect", "validate parameters")
	}

	c.mu.Lock()
	old := c.teardownLocked()
	c.gen++
	gen := c.gen
	c.params = &connParams{host: host, port: port, deviceID: deviceID, listener: listener}
	c.state = StateConnecting
	c.reconnects = 0
	c.mu.Unlock()

	if old != nil {
		_ = old.close()
	}

	c.logger.Info("connecting", "host", host, "port", port, "deviceID", deviceID)
	go c.dial(gen)
	return nil
}

// Disconnect cancels any pending reconnect, closes the transport, and
// clears the outbound queue and stored parameters. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	conn := c.teardownLocked()
	c.params = nil
	c.state = StateDisconnected
	c.reconnects = 0
	c.mu.Unlock()

	cleared := c.queue.Clear()
	if cleared > 0 {
		c.logger.Info("outbound queue cleared", "discarded", cleared)
	}
	if conn != nil {
		_ = conn.close()
		c.logger.Info("disconnected")
	}
}

// Close disconnects and stops the coordination goroutine. The client
// cannot be reused afterwards.
func (c *Client) Close() {
	c.Disconnect()
	c.stopOnce.Do(func() {
		close(c.shutdown)
		<-c.done
	})
}

// teardownLocked stops the reconnect timer and detaches the current
// connection, returning it for the caller to close outside the lock.
func (c *Client) teardownLocked() *clientConn {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	return conn
}

// Send encodes and transmits msg if connected; otherwise it enqueues.
// Transmission failure re-enqueues the message — delivery is at-least-
// once with no deduplication. The returned error covers encoding only.
func (c *Client) Send(msg wire.Message) error {
	frame, err := c.encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected && conn != nil
	c.mu.Unlock()

	if !connected {
		c.enqueue(msg)
		return nil
	}

	if err := conn.write(frame); err != nil {
		c.logger.Warn("send failed, re-enqueueing", "kind", msg.Kind(), "error", err)
		c.enqueue(msg)
		return nil
	}
	c.metrics.sent(string(msg.Kind()))
	return nil
}

// SendHeartbeat constructs and sends a heartbeat for deviceID. The
// periodic schedule belongs to the caller.
func (c *Client) SendHeartbeat(deviceID string) error {
	return c.Send(wire.Heartbeat{DeviceID: deviceID})
}

func (c *Client) encode(msg wire.Message) ([]byte, error) {
	framing := c.cfg.Framing
	switch msg.Kind() {
	case wire.KindAction, wire.KindHeartbeat:
		framing = wire.FramingJSON
	}
	return wire.Encode(msg, framing)
}

func (c *Client) enqueue(msg wire.Message) {
	c.queue.Write(msg)
	c.metrics.queued()
}

func (c *Client) dial(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.params == nil {
		c.mu.Unlock()
		return
	}
	params := *c.params
	c.mu.Unlock()

	u := url.URL{
		Scheme:   "ws",
		Host:     fmt.Sprintf("%s:%d", params.host, params.port),
		Path:     c.cfg.Path,
		RawQuery: dialQuery(params.deviceID, c.cfg.Subprotocol),
	}

	ws, resp, err := c.dialer.Dial(u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.handleFailure(gen, fmt.Sprintf("dial %s: %v", u.Host, err))
		return
	}
	conn := &clientConn{ws: ws}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		conn.close()
		return
	}
	c.conn = conn
	c.state = StateConnected
	c.reconnects = 0
	pending := c.queue.ReadBatch(c.queue.Size())
	listener := c.params.listener
	c.mu.Unlock()

	c.logger.Info("connected", "host", u.Host, "flushing", len(pending))
	c.flush(conn, pending)
	c.emit(listener.OnConnected)

	go c.readLoop(conn, gen, listener)
}

func dialQuery(deviceID, subprotocol string) string {
	q := url.Values{}
	q.Set("device_id", deviceID)
	if subprotocol != "" {
		q.Set("protocol", subprotocol)
	}
	return q.Encode()
}

// flush drains queued messages in FIFO order. A failed write puts the
// message back at the tail and stops; the read loop will notice the dead
// connection and drive reconnection.
func (c *Client) flush(conn *clientConn, pending []wire.Message) {
	for i, msg := range pending {
		frame, err := c.encode(msg)
		if err != nil {
			c.logger.Error("dropping unencodable queued message",
				"kind", msg.Kind(), "error", err)
			continue
		}
		if err := conn.write(frame); err != nil {
			c.logger.Warn("flush interrupted, re-enqueueing remainder",
				"remaining", len(pending)-i, "error", err)
			for _, rest := range pending[i:] {
				c.enqueue(rest)
			}
			return
		}
		c.metrics.sent(string(msg.Kind()))
	}
}

func (c *Client) readLoop(conn *clientConn, gen uint64, listener Listener) {
	for {
		frame, err := conn.read()
		if err != nil {
			c.handleConnectionLost(gen, listener, fmt.Sprintf("read: %v", err))
			return
		}

		msg, decodeErr := wire.Decode(frame)
		if decodeErr != nil {
			// Bad frame, live connection: report and keep reading.
			c.metrics.decodeError()
			reason := decodeErr.Error()
			c.emit(func() { listener.OnError(reason) })
			continue
		}
		c.metrics.received(string(msg.Kind()))
		c.emit(func() { listener.OnMessageReceived(msg) })
	}
}

func (c *Client) handleConnectionLost(gen uint64, listener Listener, reason string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.close()
	}
	c.logger.Warn("connection lost", "reason", reason)
	c.emit(func() { listener.OnDisconnected(reason) })
	c.handleFailure(gen, reason)
}

// handleFailure applies the reconnect policy after a dial failure or a
// lost connection. Each failure schedules at most one reconnect; the
// schedule is bounded by Reconnect.MaxAttempts per connection lifetime.
func (c *Client) handleFailure(gen uint64, reason string) {
	c.mu.Lock()
	if gen != c.gen || c.params == nil {
		c.mu.Unlock()
		return
	}
	listener := c.params.listener

	if c.reconnects >= c.cfg.Reconnect.MaxAttempts {
		c.state = StateFailed
		c.reconnectTimer = nil
		c.mu.Unlock()

		c.metrics.exhausted()
		c.logger.Error("reconnect attempts exhausted",
			"attempts", c.cfg.Reconnect.MaxAttempts, "reason", reason)
		msg := fmt.Sprintf("%v after %d attempts: %s",
			errors.ErrReconnectExhausted, c.cfg.Reconnect.MaxAttempts, reason)
		c.emit(func() {
			listener.OnError(msg)
			listener.OnDisconnected(msg)
		})
		return
	}

	c.reconnects++
	attempt := c.reconnects
	delay := c.cfg.Reconnect.NextDelay(attempt)
	c.state = StateConnecting
	c.reconnectTimer = time.AfterFunc(delay, func() { c.dial(gen) })
	c.mu.Unlock()

	c.metrics.reconnectScheduled()
	c.logger.Info("reconnect scheduled",
		"attempt", attempt, "max", c.cfg.Reconnect.MaxAttempts,
		"delay", delay, "reason", reason)
}

type clientMetrics struct {
	sentTotal        *prometheus.CounterVec
	receivedTotal    *prometheus.CounterVec
	queuedTotal      prometheus.Counter
	droppedTotal     prometheus.Counter
	decodeErrTotal   prometheus.Counter
	reconnectsTotal  prometheus.Counter
	exhaustionsTotal prometheus.Counter
}

func newClientMetrics(registrar metric.Registrar) *clientMetrics {
	if registrar == nil {
		return nil
	}
	m := &clientMetrics{
		sentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicebridge_transport_sent_total",
			Help: "Frames transmitted, by kind.",
		}, []string{"kind"}),
		receivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicebridge_transport_received_total",
			Help: "Frames decoded from the controller, by kind.",
		}, []string{"kind"}),
		queuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicebridge_transport_queued_total",
			Help: "Messages placed on the outbound queue.",
		}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicebridge_transport_dropped_total",
			Help: "Messages dropped by queue overflow.",
		}),
		decodeErrTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicebridge_transport_decode_errors_total",
			Help: "Inbound frames that failed to decode.",
		}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicebridge_transport_reconnects_total",
			Help: "Reconnect attempts scheduled.",
		}),
		exhaustionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicebridge_transport_reconnect_exhaustions_total",
			Help: "Times the reconnect budget ran out.",
		}),
	}
	_ = registrar.RegisterCounterVec("transport", "sent_total", m.sentTotal)
	_ = registrar.RegisterCounterVec("transport", "received_total", m.receivedTotal)
	_ = registrar.RegisterCounter("transport", "queued_total", m.queuedTotal)
	_ = registrar.RegisterCounter("transport", "dropped_total", m.droppedTotal)
	_ = registrar.RegisterCounter("transport", "decode_errors_total", m.decodeErrTotal)
	_ = registrar.RegisterCounter("transport", "reconnects_total", m.reconnectsTotal)
	_ = registrar.RegisterCounter("transport", "reconnect_exhaustions_total", m.exhaustionsTotal)
	return m
}

func (m *clientMetrics) sent(kind string) {
	if m == nil {
		return
	}
	m.sentTotal.WithLabelValues(kind).Inc()
}

func (m *clientMetrics) received(kind string) {
	if m == nil {
		return
	}
	m.receivedTotal.WithLabelValues(kind).Inc()
}

func (m *clientMetrics) queued() {
	if m == nil {
		return
	}
	m.queuedTotal.Inc()
}

func (m *clientMetrics) dropped() {
	if m == nil {
		return
	}
	m.droppedTotal.Inc()
}

func (m *clientMetrics) decodeError() {
	if m == nil {
		return
	}
	m.decodeErrTotal.Inc()
}

func (m *clientMetrics) reconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

func (m *clientMetrics) exhausted() {
	if m == nil {
		return
	}
	m.exhaustionsTotal.Inc()
}
