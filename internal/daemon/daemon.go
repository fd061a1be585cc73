// Package daemon assembles the transcription service: telemetry, engine,
// timing log, status bus, the socket server, and graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/karstenba/stt-widget/internal/config"
	"github.com/karstenba/stt-widget/internal/engine"
	"github.com/karstenba/stt-widget/internal/server"
	"github.com/karstenba/stt-widget/internal/statusbus"
	"github.com/karstenba/stt-widget/internal/timinglog"
)

type Daemon struct {
	cfg        config.Config
	log        *slog.Logger
	httpServer *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg config.Config, log *slog.Logger) *Daemon {
	return &Daemon{cfg: cfg, log: log}
}

// NewLogger builds the process logger from telemetry config.
func NewLogger(cfg config.TelemetryConfig) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// Run starts everything and blocks until ctx is cancelled, then shuts down
// in reverse order of startup.
func (d *Daemon) Run(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(d.cfg.Telemetry, d.log)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}

	// A missing or broken model is the one thing the daemon cannot limp
	// along without.
	eng, err := engine.New(d.cfg.Engine)
	if err != nil {
		return fmt.Errorf("load engine: %w", err)
	}
	if closer, ok := eng.(io.Closer); ok {
		defer closer.Close()
	}
	d.log.Info("engine ready", slog.String("mode", d.cfg.Engine.Mode))

	timings, err := timinglog.Open(ctx, timinglog.Config{
		Enabled:       d.cfg.TimingLog.Enabled,
		Path:          d.cfg.TimingLog.Path,
		RetentionDays: d.cfg.TimingLog.RetentionDays,
	}, d.log)
	if err != nil {
		d.log.Warn("timing log unavailable, continuing without it",
			slog.String("error", err.Error()))
		timings, _ = timinglog.Open(ctx, timinglog.Config{}, d.log)
	}
	defer timings.Close()

	bus, err := statusbus.Start(d.cfg.StatusBus, d.log)
	if err != nil {
		d.log.Warn("status bus unavailable, continuing without it",
			slog.String("error", err.Error()))
	}
	defer bus.Close()

	srv, err := server.New(server.Options{
		SocketPath:    d.cfg.Daemon.SocketPath,
		Engine:        eng,
		Log:           d.log,
		Timings:       timings,
		Bus:           bus,
		SampleRate:    d.cfg.Engine.SampleRate,
		ShutdownGrace: time.Duration(d.cfg.Daemon.ShutdownGraceMS) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	d.startHTTP(metricsHandler)

	d.ready.Store(true)
	serveErr := srv.Serve(ctx)
	d.ready.Store(false)

	d.log.Info("daemon stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if d.httpServer != nil {
		if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
			d.log.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	d.wg.Wait()

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		d.log.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}

	return serveErr
}

func (d *Daemon) startHTTP(metricsHandler http.Handler) {
	if d.cfg.Telemetry.HTTPBind == "" {
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", d.handleHealth)
	mux.HandleFunc("/readyz", d.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	d.httpServer = &http.Server{
		Addr:              d.cfg.Telemetry.HTTPBind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	d.log.Info("http server started", slog.String("addr", d.cfg.Telemetry.HTTPBind))
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (d *Daemon) handleReady(w http.ResponseWriter, _ *http.Request) {
	if d.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
