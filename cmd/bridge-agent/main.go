// Command bridge-agent runs the device-side transport client: it keeps a
// connection to the controller, emits periodic heartbeats, and logs every
// inbound message. The action-execution hook is where a host runtime
// plugs in.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/c360/devicebridge/config"
	"github.com/c360/devicebridge/pkg/retry"
	"github.com/c360/devicebridge/transport"
	"github.com/c360/devicebridge/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bridge-agent: %v\n", err)
		os.Exit(1)
	}
}

// loggingListener reports connection events and surfaces inbound actions.
type loggingListener struct {
	logger *slog.Logger
}

func (l *loggingListener) OnConnected() {
	l.logger.Info("connected to controller")
}

func (l *loggingListener) OnDisconnected(reason string) {
	l.logger.Warn("disconnected", "reason", reason)
}

func (l *loggingListener) OnMessageReceived(msg wire.Message) {
	switch m := msg.(type) {
	case wire.Action:
		l.logger.Info("action received",
			"type", m.Descriptor.Type, "target", m.Descriptor.Target,
			"x", m.Descriptor.X, "y", m.Descriptor.Y)
	default:
		l.logger.Info("message received", "kind", msg.Kind())
	}
}

func (l *loggingListener) OnError(reason string) {
	l.logger.Error("transport error", "reason", reason)
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to JSON config file")
		host       = flag.String("host", "", "override controller host")
		port       = flag.Int("port", 0, "override controller port")
		deviceID   = flag.String("device-id", "", "override device identifier")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *host != "" {
		cfg.Transport.Host = *host
	}
	if *port != 0 {
		cfg.Transport.Port = *port
	}
	if *deviceID != "" {
		cfg.Transport.DeviceID = *deviceID
	}
	if cfg.Transport.DeviceID == "" {
		return fmt.Errorf("device id is required (flag, config, or DEVICEBRIDGE_DEVICE_ID)")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With(
		"service", "bridge-agent",
		"pid", os.Getpid(),
		"deviceID", cfg.Transport.DeviceID,
	)

	framing := wire.FramingJSON
	if cfg.Transport.Framing == "legacy" {
		framing = wire.FramingLegacy
	}

	client := transport.NewClient(transport.Config{
		QueueCapacity: cfg.Transport.QueueCapacity,
		Reconnect: retry.Config{
			MaxAttempts: cfg.Transport.ReconnectMaxAttempts,
			Delay:       cfg.Transport.ReconnectDelay.Std(),
			Multiplier:  1.0,
		},
		Path:             cfg.Transport.Path,
		Subprotocol:      cfg.Transport.Subprotocol,
		HandshakeTimeout: cfg.Transport.HandshakeTimeout.Std(),
		Framing:          framing,
	}, logger, nil)
	defer client.Close()

	listener := &loggingListener{logger: logger}
	if err := client.Connect(cfg.Transport.Host, cfg.Transport.Port, cfg.Transport.DeviceID, listener); err != nil {
		return err
	}

	// The heartbeat schedule belongs here, not inside the client.
	heartbeat := time.NewTicker(cfg.Transport.HeartbeatInterval.Std())
	defer heartbeat.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-heartbeat.C:
			if err := client.SendHeartbeat(cfg.Transport.DeviceID); err != nil {
				logger.Warn("heartbeat send failed", "error", err)
			}
		case s := <-sig:
			logger.Info("shutting down", "signal", s.String())
			client.Disconnect()
			return nil
		}
	}
}
