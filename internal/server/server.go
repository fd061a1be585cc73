// Package server accepts dictation sessions on a unix socket. A session is
// one connection: the client streams raw float32 samples, half-closes its
// write side, and reads back log lines followed by a single final result.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/karstenba/stt-widget/internal/engine"
	"github.com/karstenba/stt-widget/internal/protocol"
	"github.com/karstenba/stt-widget/internal/statusbus"
	"github.com/karstenba/stt-widget/internal/timinglog"
)

// Options configures a Server. Engine, Log and SocketPath are required;
// Timings and Bus may be nil or disabled.
type Options struct {
	SocketPath    string
	Engine        engine.Transcriber
	Log           *slog.Logger
	Timings       *timinglog.Store
	Bus           *statusbus.Bus
	SampleRate    int
	ShutdownGrace time.Duration
}

type job struct {
	ctx     context.Context
	samples []float32
	result  chan jobResult
}

type jobResult struct {
	text    string
	elapsed time.Duration
	err     error
}

// Server owns the socket listener and the single transcription worker.
type Server struct {
	opts Options
	log  *slog.Logger

	// work is unbuffered so sessions queue on the send and the worker
	// serves them strictly one at a time in arrival order.
	work chan job
	wg   sync.WaitGroup

	sessions   metric.Int64Counter
	transcribe metric.Float64Histogram
}

// New builds a server. It does not touch the filesystem until Serve.
func New(opts Options) (*Server, error) {
	if opts.SocketPath == "" {
		return nil, errors.New("socket path required")
	}
	if opts.Engine == nil {
		return nil, errors.New("engine required")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}

	meter := otel.Meter("github.com/karstenba/stt-widget/dictd")
	sessions, err := meter.Int64Counter("dictation.sessions",
		metric.WithDescription("Completed dictation sessions by result"))
	if err != nil {
		return nil, fmt.Errorf("create sessions counter: %w", err)
	}
	transcribe, err := meter.Float64Histogram("dictation.transcribe.seconds",
		metric.WithDescription("Wall-clock transcription time per session"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create transcribe histogram: %w", err)
	}

	return &Server{
		opts:       opts,
		log:        opts.Log,
		work:       make(chan job),
		sessions:   sessions,
		transcribe: transcribe,
	}, nil
}

// Serve listens on the unix socket and handles sessions until ctx is
// cancelled, then waits up to the shutdown grace for in-flight sessions.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.claimSocket(); err != nil {
		return err
	}

	ln, err := net.Listen("unix", s.opts.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.SocketPath, err)
	}
	if err := os.Chmod(s.opts.SocketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}
	defer os.Remove(s.opts.SocketPath)

	s.log.Info("listening", slog.String("socket", s.opts.SocketPath))

	go s.transcribeLoop(ctx)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn("accept failed", slog.String("error", err.Error()))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.ShutdownGrace):
		s.log.Warn("shutdown grace expired with sessions in flight")
	}
	return nil
}

// claimSocket removes a stale socket file left by a crashed daemon. If a
// live daemon still answers on it, Serve must not steal the path.
func (s *Server) claimSocket() error {
	if _, err := os.Stat(s.opts.SocketPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat socket: %w", err)
	}
	conn, err := net.DialTimeout("unix", s.opts.SocketPath, time.Second)
	if err == nil {
		conn.Close()
		return fmt.Errorf("socket %s already in use by a running daemon", s.opts.SocketPath)
	}
	s.log.Info("removing stale socket", slog.String("socket", s.opts.SocketPath))
	if err := os.Remove(s.opts.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

// transcribeLoop is the only goroutine that calls the engine.
func (s *Server) transcribeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.work:
			start := time.Now()
			text, err := s.opts.Engine.Transcribe(j.ctx, j.samples)
			j.result <- jobResult{text: text, elapsed: time.Since(start), err: err}
		}
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	id := uuid.NewString()
	log := s.log.With(slog.String("session", id))
	log.Debug("session accepted")
	s.opts.Bus.Publish(statusbus.Event{SessionID: id, State: statusbus.StateAccepted})

	data, err := io.ReadAll(conn)
	if err != nil {
		log.Warn("read audio stream", slog.String("error", err.Error()))
		s.finish(ctx, id, "failed")
		return
	}

	samples, err := protocol.Samples(data)
	if err != nil {
		// Misaligned payloads never reach the engine and get no final.
		log.Error("rejecting session",
			slog.Int("bytes", len(data)),
			slog.String("error", err.Error()))
		s.opts.Bus.Publish(statusbus.Event{SessionID: id, State: statusbus.StateFailed})
		s.finish(ctx, id, "misaligned")
		return
	}

	audioSeconds := float64(len(samples)) / float64(s.opts.SampleRate)

	if len(samples) == 0 {
		log.Info("empty session")
		if err := protocol.WriteMessage(conn, protocol.Message{Kind: protocol.KindFinal}); err != nil {
			log.Warn("write final", slog.String("error", err.Error()))
		}
		s.finish(ctx, id, "empty")
		return
	}

	log.Info("transcribing", slog.Float64("audio_seconds", audioSeconds))
	s.opts.Bus.Publish(statusbus.Event{
		SessionID:    id,
		State:        statusbus.StateTranscribing,
		AudioSeconds: audioSeconds,
	})

	res, ok := s.dispatch(ctx, samples)
	if !ok {
		s.finish(ctx, id, "shutdown")
		return
	}
	if res.err != nil {
		log.Error("transcription failed", slog.String("error", res.err.Error()))
		msg := protocol.Message{
			Kind: protocol.KindLog,
			Text: fmt.Sprintf("transcription failed: %v", res.err),
		}
		if err := protocol.WriteMessage(conn, msg); err != nil {
			log.Warn("write log line", slog.String("error", err.Error()))
		}
		s.opts.Bus.Publish(statusbus.Event{SessionID: id, State: statusbus.StateFailed})
		s.finish(ctx, id, "engine_error")
		return
	}

	elapsed := res.elapsed.Seconds()
	log.Info("transcribed",
		slog.Float64("audio_seconds", audioSeconds),
		slog.Float64("transcribe_seconds", elapsed))

	timing := protocol.Message{
		Kind: protocol.KindLog,
		Text: fmt.Sprintf("transcribed %.2fs audio in %.2fs", audioSeconds, elapsed),
	}
	if err := protocol.WriteMessage(conn, timing); err != nil {
		log.Warn("write log line", slog.String("error", err.Error()))
	}
	if err := protocol.WriteMessage(conn, protocol.Message{Kind: protocol.KindFinal, Text: res.text}); err != nil {
		log.Warn("write final", slog.String("error", err.Error()))
	}

	s.transcribe.Record(ctx, elapsed)
	s.opts.Bus.Publish(statusbus.Event{
		SessionID:    id,
		State:        statusbus.StateDone,
		AudioSeconds: audioSeconds,
	})
	if s.opts.Timings != nil {
		err := s.opts.Timings.Append(ctx, timinglog.Entry{
			SessionID:         id,
			AudioSeconds:      audioSeconds,
			TranscribeSeconds: elapsed,
		})
		if err != nil {
			log.Warn("record timing", slog.String("error", err.Error()))
		}
	}
	s.finish(ctx, id, "ok")
}

// dispatch queues the samples for the transcription worker and waits for the
// result. Returns ok=false when the server is shutting down.
func (s *Server) dispatch(ctx context.Context, samples []float32) (jobResult, bool) {
	j := job{ctx: ctx, samples: samples, result: make(chan jobResult, 1)}
	select {
	case s.work <- j:
	case <-ctx.Done():
		return jobResult{}, false
	}
	select {
	case res := <-j.result:
		return res, true
	case <-ctx.Done():
		return jobResult{}, false
	}
}

func (s *Server) finish(ctx context.Context, id, result string) {
	s.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	s.log.Debug("session closed", slog.String("session", id), slog.String("result", result))
}
