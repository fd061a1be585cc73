package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/karstenba/stt-widget/internal/capture"
	"github.com/karstenba/stt-widget/internal/client"
	"github.com/karstenba/stt-widget/internal/config"
	"github.com/karstenba/stt-widget/internal/device"
	"github.com/karstenba/stt-widget/internal/paste"
)

var version = "0.1.0-dev"

// noopNegotiator is used when bluetooth profile switching is disabled.
type noopNegotiator struct{}

func (noopNegotiator) Prepare(ctx context.Context) (string, error) { return "", nil }
func (noopNegotiator) Restore(ctx context.Context)                 {}

// printPaster replaces window pasting when paste is disabled: the
// transcript goes to stdout instead.
type printPaster struct{}

func (printPaster) CurrentTarget() (paste.Target, error) { return paste.Target{}, nil }
func (printPaster) Deliver(text string, _ paste.Target) error {
	fmt.Println(text)
	return nil
}

func main() {
	var (
		configPath  string
		maxSeconds  int
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (optional)")
	flag.IntVar(&maxSeconds, "max-seconds", 0, "Stop recording automatically after this many seconds")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := newLogger(cfg.Telemetry)

	if err := capture.Initialize(); err != nil {
		logger.Error("audio init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer capture.Terminate()

	var negotiator client.Negotiator = noopNegotiator{}
	if cfg.Bluetooth.Enabled {
		negotiator = device.NewNegotiator(device.NewExecControl(), logger, device.Options{
			Settle:     time.Duration(cfg.Bluetooth.SettleMS) * time.Millisecond,
			PreferMSBC: cfg.Bluetooth.PreferMSBC,
		})
	}

	var paster paste.Paster = printPaster{}
	if cfg.Paste.Enabled {
		paster = paste.NewXDoTool(cfg.Paste.TerminalClasses, logger)
	}

	coord, err := client.New(client.Options{
		Negotiator: negotiator,
		Source:     client.NewMicSource(cfg.Capture),
		Dial:       client.UnixDialer(cfg.Daemon.SocketPath),
		Paster:     paster,
		Log:        logger,
	})
	if err != nil {
		logger.Error("session setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Enter finishes the recording; a signal abandons it.
	go func() {
		bufio.NewReader(os.Stdin).ReadString('\n')
		coord.Stop()
	}()
	go func() {
		<-ctx.Done()
		coord.Cancel()
	}()
	if maxSeconds > 0 {
		go func() {
			select {
			case <-time.After(time.Duration(maxSeconds) * time.Second):
				coord.Stop()
			case <-ctx.Done():
			}
		}()
	}

	runDone := make(chan error, 1)
	go func() { runDone <- coord.Run(context.Background()) }()

	for ev := range coord.Events() {
		switch ev.Kind {
		case client.EventRecording:
			fmt.Fprintln(os.Stderr, "recording... press Enter to transcribe, Ctrl+C to cancel")
		case client.EventTranscribing:
			fmt.Fprintln(os.Stderr, "transcribing...")
		case client.EventLog:
			fmt.Fprintln(os.Stderr, ev.Text)
		case client.EventFinal:
			if ev.Text == "" {
				fmt.Fprintln(os.Stderr, "(nothing transcribed)")
			}
		case client.EventFailed:
			fmt.Fprintf(os.Stderr, "failed: %v\n", ev.Err)
		case client.EventCancelled:
			fmt.Fprintln(os.Stderr, "cancelled")
		}
	}

	if err := <-runDone; err != nil && !errors.Is(err, client.ErrCancelled) {
		os.Exit(1)
	}
}

func newLogger(cfg config.TelemetryConfig) *slog.Logger {
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
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
