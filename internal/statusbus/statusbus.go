// Package statusbus publishes session lifecycle events over NATS so that
// desktop widgets can show live dictation state. The bus is optional and
// disabled by default; a nil *Bus is safe to publish on.
package statusbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/karstenba/stt-widget/internal/config"
)

// Event is a session lifecycle notification.
type Event struct {
	SessionID    string    `json:"session_id"`
	State        string    `json:"state"`
	AudioSeconds float64   `json:"audio_seconds,omitempty"`
	At           time.Time `json:"at"`
}

// Session states carried in Event.State.
const (
	StateAccepted     = "accepted"
	StateTranscribing = "transcribing"
	StateDone         = "done"
	StateFailed       = "failed"
)

// Bus owns an optional embedded NATS server and a publishing connection.
type Bus struct {
	ns      *server.Server
	conn    *nats.Conn
	subject string
	log     *slog.Logger
}

// Start brings up the bus per config. Returns (nil, nil) when disabled.
func Start(cfg config.StatusBusConfig, log *slog.Logger) (*Bus, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	b := &Bus{
		subject: cfg.SubjectPrefix + ".session",
		log:     log,
	}

	url := cfg.Server
	if cfg.Embedded {
		// Status events are ephemeral, so the embedded server stays
		// loopback-only and skips JetStream entirely.
		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: false,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("create embedded status bus: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded status bus failed to start within 5 seconds")
		}
		b.ns = ns
		url = ns.ClientURL()
		log.Info("embedded status bus started", slog.Int("port", cfg.Port))
	}

	conn, err := nats.Connect(url,
		nats.Name("dictd"),
		nats.Timeout(time.Duration(cfg.ConnectTimeoutMS)*time.Millisecond))
	if err != nil {
		b.shutdownServer()
		return nil, fmt.Errorf("connect to status bus: %w", err)
	}
	b.conn = conn

	log.Info("status bus connected", slog.String("url", url), slog.String("subject", b.subject))
	return b, nil
}

// Publish sends one event. Failures are logged, never returned; status
// updates must not disturb a running session.
func (b *Bus) Publish(ev Event) {
	if b == nil || b.conn == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn("encode status event", slog.String("error", err.Error()))
		return
	}
	if err := b.conn.Publish(b.subject, payload); err != nil {
		b.log.Warn("publish status event", slog.String("error", err.Error()))
	}
}

// Healthy reports whether the publishing connection is up.
func (b *Bus) Healthy() bool {
	return b != nil && b.conn != nil && b.conn.Status() == nats.CONNECTED
}

// Close drains the connection and stops the embedded server if one runs.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if b.conn != nil {
		b.conn.Drain()
		b.conn.Close()
	}
	b.shutdownServer()
}

func (b *Bus) shutdownServer() {
	if b.ns == nil {
		return
	}
	b.log.Info("shutting down embedded status bus")
	b.ns.Shutdown()
	b.ns.WaitForShutdown()
}
