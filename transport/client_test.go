package transport

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devicebridge/pkg/retry"
	"github.com/c360/devicebridge/wire"
)

// recordingListener captures events in arrival order.
type recordingListener struct {
	mu           sync.Mutex
	connected    int
	disconnected []string
	messages     []wire.Message
	errs         []string

	connectedCh chan struct{}
	messageCh   chan wire.Message
	errCh       chan string
	disconnCh   chan string
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		connectedCh: make(chan struct{}, 8),
		messageCh:   make(chan wire.Message, 64),
		errCh:       make(chan string, 8),
		disconnCh:   make(chan string, 8),
	}
}

func (l *recordingListener) OnConnected() {
	l.mu.Lock()
	l.connected++
	l.mu.Unlock()
	l.connectedCh <- struct{}{}
}

func (l *recordingListener) OnDisconnected(reason string) {
	l.mu.Lock()
	l.disconnected = append(l.disconnected, reason)
	l.mu.Unlock()
	l.disconnCh <- reason
}

func (l *recordingListener) OnMessageReceived(msg wire.Message) {
	l.mu.Lock()
	l.messages = append(l.messages, msg)
	l.mu.Unlock()
	l.messageCh <- msg
}

func (l *recordingListener) OnError(reason string) {
	l.mu.Lock()
	l.errs = append(l.errs, reason)
	l.mu.Unlock()
	l.errCh <- reason
}

// wsTestServer accepts WebSocket upgrades and records received frames.
type wsTestServer struct {
	srv    *httptest.Server
	conns  chan *websocket.Conn
	frames chan []byte
	query  chan string
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	s := &wsTestServer{
		conns:  make(chan *websocket.Conn, 8),
		frames: make(chan []byte, 1024),
		query:  make(chan string, 8),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.query <- r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.frames <- frame
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsTestServer) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c := NewClient(cfg, nil, nil)
	t.Cleanup(c.Close)
	return c
}

func fastReconnect() retry.Config {
	return retry.Config{MaxAttempts: 3, Delay: 30 * time.Millisecond, Multiplier: 1.0}
}

func TestConnectDeliversOnConnected(t *testing.T) {
	server := newWSTestServer(t)
	host, port := server.hostPort(t)
	client := newTestClient(t, Config{Reconnect: fastReconnect()})
	listener := newRecordingListener()

	require.NoError(t, client.Connect(host, port, "dev-1", listener))

	select {
	case <-listener.connectedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnConnected")
	}
	assert.Equal(t, StateConnected, client.State())

	query := <-server.query
	assert.Contains(t, query, "device_id=dev-1")
}

func TestConnectSendsSubprotocolParam(t *testing.T) {
	server := newWSTestServer(t)
	host, port := server.hostPort(t)
	client := newTestClient(t, Config{Subprotocol: "cbor", Reconnect: fastReconnect()})
	listener := newRecordingListener()

	require.NoError(t, client.Connect(host, port, "dev-1", listener))
	<-listener.connectedCh

	query := <-server.query
	assert.Contains(t, query, "protocol=cbor")
}

func TestConnectValidatesParameters(t *testing.T) {
	client := newTestClient(t, Config{})
	listener := newRecordingListener()

	assert.Error(t, client.Connect("", 80, "dev-1", listener))
	assert.Error(t, client.Connect("host", 0, "dev-1", listener))
	assert.Error(t, client.Connect("host", 80, "", listener))
	assert.Error(t, client.Connect("host", 80, "dev-1", nil))
}

func TestSendWhileDisconnectedEnqueues(t *testing.T) {
	client := newTestClient(t, Config{QueueCapacity: 10})

	require.NoError(t, client.Send(wire.Instruction{Text: "queued"}))
	assert.Equal(t, 1, client.QueueSize())
	assert.Equal(t, StateDisconnected, client.State())
}

func TestQueueBoundDropsOldest(t *testing.T) {
	client := newTestClient(t, Config{QueueCapacity: 200})

	for i := 1; i <= 201; i++ {
		require.NoError(t, client.Send(wire.Instruction{Text: "msg-" + strconv.Itoa(i)}))
	}
	assert.Equal(t, 200, client.QueueSize())
}

func TestFlushDeliversQueuedInOrder(t *testing.T) {
	server := newWSTestServer(t)
	host, port := server.hostPort(t)
	client := newTestClient(t, Config{QueueCapacity: 200, Reconnect: fastReconnect()})
	listener := newRecordingListener()

	// Enqueue 201 into capacity 200 while disconnected: msg-1 is dropped.
	for i := 1; i <= 201; i++ {
		require.NoError(t, client.Send(wire.Instruction{Text: "msg-" + strconv.Itoa(i)}))
	}

	require.NoError(t, client.Connect(host, port, "dev-1", listener))
	<-listener.connectedCh

	var texts []string
	for i := 0; i < 200; i++ {
		select {
		case frame := <-server.frames:
			msg, err := wire.Decode(frame)
			require.NoError(t, err)
			texts = append(texts, msg.(wire.Instruction).Text)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d flushed frames", i)
		}
	}

	assert.Equal(t, "msg-2", texts[0], "msg-1 must have been dropped")
	assert.Equal(t, "msg-201", texts[199])
	for i := 1; i < len(texts); i++ {
		prev, _ := strconv.Atoi(texts[i-1][4:])
		cur, _ := strconv.Atoi(texts[i][4:])
		assert.Equal(t, prev+1, cur, "flush must preserve FIFO order")
	}
	assert.Equal(t, 0, client.QueueSize())
}

func TestSendTransmitsWhenConnected(t *testing.T) {
	server := newWSTestServer(t)
	host, port := server.hostPort(t)
	client := newTestClient(t, Config{Reconnect: fastReconnect()})
	listener := newRecordingListener()

	require.NoError(t, client.Connect(host, port, "dev-1", listener))
	<-listener.connectedCh

	require.NoError(t, client.Send(wire.XML{Content: "<node/>"}))

	frame := <-server.frames
	msg, err := wire.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, wire.XML{Content: "<node/>"}, msg)
}

func TestSendHeartbeatUsesJSONFraming(t *testing.T) {
	server := newWSTestServer(t)
	host, port := server.hostPort(t)
	// Legacy framing configured, heartbeat must still go JSON.
	client := newTestClient(t, Config{Framing: wire.FramingLegacy, Reconnect: fastReconnect()})
	listener := newRecordingListener()

	require.NoError(t, client.Connect(host, port, "dev-1", listener))
	<-listener.connectedCh

	require.NoError(t, client.SendHeartbeat("dev-1"))

	frame := <-server.frames
	assert.Equal(t, byte('J'), frame[0])
	msg, err := wire.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, wire.Heartbeat{DeviceID: "dev-1"}, msg)
}

func TestInboundMessageDelivered(t *testing.T) {
	server := newWSTestServer(t)
	host, port := server.hostPort(t)
	client := newTestClient(t, Config{Reconnect: fastReconnect()})
	listener := newRecordingListener()

	require.NoError(t, client.Connect(host, port, "dev-1", listener))
	<-listener.connectedCh
	conn := <-server.conns

	frame, err := wire.Encode(wire.Action{
		Descriptor: wire.ActionDescriptor{Type: "tap", Target: "login"},
	}, wire.FramingJSON)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

	select {
	case msg := <-listener.messageCh:
		action, ok := msg.(wire.Action)
		require.True(t, ok)
		assert.Equal(t, "tap", action.Descriptor.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound action")
	}
}

func TestInvalidInboundFrameKeepsConnectionOpen(t *testing.T) {
	server := newWSTestServer(t)
	host, port := server.hostPort(t)
	client := newTestClient(t, Config{Reconnect: fastReconnect()})
	listener := newRecordingListener()

	require.NoError(t, client.Connect(host, port, "dev-1", listener))
	<-listener.connectedCh
	conn := <-server.conns

	// Garbage frame, then a valid one: OnError first, then delivery.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("Xnot-a-length\n")))
	valid, err := wire.Encode(wire.Instruction{Text: "still here"}, wire.FramingLegacy)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, valid))

	select {
	case <-listener.errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnError")
	}
	select {
	case msg := <-listener.messageCh:
		assert.Equal(t, wire.Instruction{Text: "still here"}, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("connection should survive a bad frame")
	}
	assert.Equal(t, StateConnected, client.State())
}

func TestReconnectBound(t *testing.T) {
	var mu sync.Mutex
	var dialTimes []time.Time

	// Rejects every upgrade attempt.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dialTimes = append(dialTimes, time.Now())
		mu.Unlock()
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)

	delay := 50 * time.Millisecond
	client := newTestClient(t, Config{
		Reconnect: retry.Config{MaxAttempts: 3, Delay: delay, Multiplier: 1.0},
	})
	listener := newRecordingListener()

	require.NoError(t, client.Connect(host, port, "dev-1", listener))

	// Terminal failure arrives via OnDisconnected after exhaustion.
	select {
	case reason := <-listener.disconnCh:
		assert.Contains(t, reason, "maximum reconnect attempts exceeded")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal disconnect")
	}
	select {
	case reason := <-listener.errCh:
		assert.Contains(t, reason, "maximum reconnect attempts exceeded")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal OnError")
	}

	assert.Equal(t, StateFailed, client.State())

	// 1 initial dial + 3 scheduled reconnects, spaced at least the delay.
	mu.Lock()
	times := append([]time.Time(nil), dialTimes...)
	mu.Unlock()
	require.Len(t, times, 4)
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), delay,
			"reconnects must honor the fixed delay")
	}

	// No further attempts without an explicit Connect.
	time.Sleep(4 * delay)
	mu.Lock()
	assert.Len(t, dialTimes, 4)
	mu.Unlock()
}

func TestReconnectCounterResetsOnSuccess(t *testing.T) {
	server := newWSTestServer(t)
	host, port := server.hostPort(t)
	client := newTestClient(t, Config{Reconnect: fastReconnect()})
	listener := newRecordingListener()

	require.NoError(t, client.Connect(host, port, "dev-1", listener))
	<-listener.connectedCh
	conn := <-server.conns

	// Drop the connection server side; the client should come back.
	conn.Close()
	select {
	case <-listener.disconnCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect notice")
	}
	select {
	case <-listener.connectedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for automatic reconnect")
	}
	assert.Equal(t, StateConnected, client.State())
}

func TestDisconnectIsIdempotentAndClears(t *testing.T) {
	server := newWSTestServer(t)
	host, port := server.hostPort(t)
	client := newTestClient(t, Config{QueueCapacity: 10, Reconnect: fastReconnect()})
	listener := newRecordingListener()

	require.NoError(t, client.Connect(host, port, "dev-1", listener))
	<-listener.connectedCh

	client.Disconnect()
	assert.Equal(t, StateDisconnected, client.State())

	// Queue and parameters are gone: sends enqueue fresh, no reconnect fires.
	require.NoError(t, client.Send(wire.Instruction{Text: "after"}))
	assert.Equal(t, 1, client.QueueSize())

	client.Disconnect()
	assert.Equal(t, StateDisconnected, client.State())
	assert.Equal(t, 0, client.QueueSize(), "disconnect clears the queue")
}

func TestConcurrentSendsDuringFlush(t *testing.T) {
	server := newWSTestServer(t)
	host, port := server.hostPort(t)
	client := newTestClient(t, Config{QueueCapacity: 600, Reconnect: fastReconnect()})
	listener := newRecordingListener()

	// Pre-fill a large queue so the post-connect flush overlaps with
	// caller-side sends; both paths write to the same connection.
	const queued = 500
	for i := 0; i < queued; i++ {
		require.NoError(t, client.Send(wire.Instruction{Text: "pre-" + strconv.Itoa(i)}))
	}

	// Senders start before the flush finishes: the state flips to
	// connected ahead of the queue flush, so these writes race it.
	require.NoError(t, client.Connect(host, port, "dev-1", listener))

	const senders, perSender = 4, 25
	var wg sync.WaitGroup
	for g := 0; g < senders; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				require.NoError(t, client.SendHeartbeat("dev-1"))
			}
		}()
	}
	wg.Wait()

	// Heartbeats enqueued in the instant between the connected flip and
	// the flush batch stay queued, so count arrivals against the queue
	// remainder. A concurrent-writer panic would have killed the process
	// long before these counts settle.
	total := queued + senders*perSender
	received := 0
	for {
		select {
		case frame := <-server.frames:
			_, err := wire.Decode(frame)
			require.NoError(t, err)
			received++
		case <-time.After(time.Second):
			assert.Equal(t, total, received+client.QueueSize())
			assert.GreaterOrEqual(t, received, queued, "the full pre-fill must flush")
			return
		}
	}
}

func TestFlushFailureReenqueuesWithoutDedup(t *testing.T) {
	server := newWSTestServer(t)
	host, port := server.hostPort(t)
	client := newTestClient(t, Config{QueueCapacity: 10})

	// A locally closed connection fails every write immediately.
	ws, resp, err := websocket.DefaultDialer.Dial(
		"ws://"+net.JoinHostPort(host, strconv.Itoa(port))+"/", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	ws.Close()
	dead := &clientConn{ws: ws}

	// Flush against the dead connection: the unsent remainder goes back
	// on the queue. Delivery is at-least-once; a message written just
	// before a failure could reach the wire twice after reconnect.
	pending := []wire.Message{
		wire.Instruction{Text: "one"},
		wire.Instruction{Text: "two"},
	}
	client.flush(dead, pending)
	assert.Equal(t, 2, client.QueueSize(),
		"failed flush must re-enqueue the unsent remainder in order")
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dials++
		mu.Unlock()
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)

	client := newTestClient(t, Config{
		Reconnect: retry.Config{MaxAttempts: 3, Delay: 80 * time.Millisecond, Multiplier: 1.0},
	})
	listener := newRecordingListener()
	require.NoError(t, client.Connect(host, port, "dev-1", listener))

	// Wait for the first dial to fail, then disconnect before the
	// scheduled reconnect can fire.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials == 1
	}, 2*time.Second, 5*time.Millisecond)
	client.Disconnect()

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, dials, "disconnect must cancel the pending reconnect")
	mu.Unlock()
}
