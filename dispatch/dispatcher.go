// Package dispatch routes decoded wire messages to the controller's
// message callback. It normalizes each device-originated kind into a flat
// ProcessedMessage record and drops anything the controller has no
// handler for, counting the drop.
package dispatch

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicebridge/errors"
	"github.com/c360/devicebridge/metric"
	"github.com/c360/devicebridge/wire"
)

// ProcessedMessage is the flattened form handed to the controller
// callback. Kind selects which payload fields are meaningful.
type ProcessedMessage struct {
	Kind      wire.Kind
	SessionID string

	InstructionText  string
	XMLContent       string
	XMLLength        int
	ScreenshotData   []byte
	ScreenshotLength int
	QAText           string
	ErrorText        string

	// RequestType is set for request-style messages such as get_actions.
	RequestType string
}

// Callback receives every message the dispatcher admits. Callbacks run on
// the caller's goroutine; slow callbacks stall the owning read loop.
type Callback func(ProcessedMessage)

// Dispatcher turns wire messages into ProcessedMessage deliveries.
type Dispatcher struct {
	callback Callback
	logger   *slog.Logger
	metrics  *dispatcherMetrics
}

// NewDispatcher creates a dispatcher delivering to cb. Pass a nil
// registrar to disable metrics.
func NewDispatcher(cb Callback, logger *slog.Logger, registrar metric.Registrar) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		callback: cb,
		logger:   logger.With("component", "Dispatcher"),
		metrics:  newDispatcherMetrics(registrar),
	}
}

// Dispatch normalizes msg and delivers it to the callback. Messages with
// no device-to-controller meaning (action, heartbeat) and unknown kinds
// are dropped; unknown kinds additionally return a protocol error so the
// transport can surface it.
func (d *Dispatcher) Dispatch(sessionID string, msg wire.Message) error {
	processed := ProcessedMessage{Kind: msg.Kind(), SessionID: sessionID}

	switch m := msg.(type) {
	case wire.Instruction:
		processed.InstructionText = m.Text

	case wire.XML:
		processed.XMLContent = m.Content
		processed.XMLLength = len(m.Content)

	case wire.Screenshot:
		processed.ScreenshotData = m.Data
		processed.ScreenshotLength = len(m.Data)

	case wire.QA:
		processed.QAText = m.Text

	case wire.ErrorReport:
		processed.ErrorText = m.Text

	case wire.GetActions:
		processed.RequestType = "get_actions"

	case wire.Action, wire.Heartbeat:
		// Controller-originated kinds have no inbound handler.
		d.drop(sessionID, msg.Kind(), "controller-originated kind")
		return nil

	default:
		d.drop(sessionID, msg.Kind(), "unknown kind")
		return errors.WrapProtocol(
			fmt.Errorf("%w: %q", errors.ErrUnknownKind, msg.Kind()),
			"Dispatcher", "Dispatch", "match message kind")
	}

	d.metrics.processed(string(msg.Kind()))
	if d.callback != nil {
		d.callback(processed)
	}
	return nil
}

func (d *Dispatcher) drop(sessionID string, kind wire.Kind, reason string) {
	d.metrics.dropped(string(kind))
	d.logger.Warn("message dropped",
		"sessionID", sessionID, "kind", kind, "reason", reason)
}

type dispatcherMetrics struct {
	processedTotal *prometheus.CounterVec
	droppedTotal   *prometheus.CounterVec
}

func newDispatcherMetrics(registrar metric.Registrar) *dispatcherMetrics {
	if registrar == nil {
		return nil
	}
	m := &dispatcherMetrics{
		processedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicebridge_dispatch_processed_total",
			Help: "Messages delivered to the controller callback, by kind.",
		}, []string{"kind"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicebridge_dispatch_dropped_total",
			Help: "Messages dropped without delivery, by kind.",
		}, []string{"kind"}),
	}
	_ = registrar.RegisterCounterVec("dispatch", "processed_total", m.processedTotal)
	_ = registrar.RegisterCounterVec("dispatch", "dropped_total", m.droppedTotal)
	return m
}

func (m *dispatcherMetrics) processed(kind string) {
	if m == nil {
		return
	}
	m.processedTotal.WithLabelValues(kind).Inc()
}

func (m *dispatcherMetrics) dropped(kind string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(kind).Inc()
}
