package daemon

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/karstenba/stt-widget/internal/config"
)

func TestNewLoggerLevels(t *testing.T) {
	cases := []struct {
		level   string
		enabled slog.Level
		muted   slog.Level
	}{
		{"debug", slog.LevelDebug, slog.LevelDebug - 4},
		{"info", slog.LevelInfo, slog.LevelDebug},
		{"warn", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
		{"bogus", slog.LevelInfo, slog.LevelDebug},
	}
	for _, tc := range cases {
		log := NewLogger(config.TelemetryConfig{LogLevel: tc.level})
		ctx := context.Background()
		if !log.Enabled(ctx, tc.enabled) {
			t.Errorf("level %q: %v should be enabled", tc.level, tc.enabled)
		}
		if log.Enabled(ctx, tc.muted) {
			t.Errorf("level %q: %v should be muted", tc.level, tc.muted)
		}
	}
}

func TestReadinessFollowsLifecycle(t *testing.T) {
	d := New(config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := httptest.NewRecorder()
	d.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz before start = %d", rec.Code)
	}

	d.ready.Store(true)
	rec = httptest.NewRecorder()
	d.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readyz after start = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	d.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
}

func TestRunWithMockEngineShutsDownCleanly(t *testing.T) {
	cfg := config.Default()
	cfg.Daemon.SocketPath = filepath.Join(t.TempDir(), "d.sock")
	cfg.Daemon.ShutdownGraceMS = 500
	cfg.Engine.Mode = "mock"
	cfg.Telemetry.HTTPBind = ""
	cfg.Telemetry.OTLPEndpoint = ""
	cfg.TimingLog.Enabled = true
	cfg.TimingLog.Path = filepath.Join(t.TempDir(), "timing.db")

	d := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}
