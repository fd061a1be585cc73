// Package client runs one dictation session end to end: snapshot the paste
// target, negotiate the headset profile, capture and stream audio to the
// daemon, then paste the transcript into the original window.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/karstenba/stt-widget/internal/audio"
	"github.com/karstenba/stt-widget/internal/paste"
	"github.com/karstenba/stt-widget/internal/protocol"
)

// ErrCancelled reports that the user abandoned the session. It is a normal
// outcome, not a failure.
var ErrCancelled = errors.New("dictation cancelled")

// TransportError wraps failures talking to the daemon socket.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

type EventKind int

const (
	EventRecording EventKind = iota
	EventTranscribing
	EventLog
	EventFinal
	EventFailed
	EventCancelled
)

// Event is a state change surfaced to the presenter.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Negotiator prepares the input device and restores it afterwards.
// *device.Negotiator satisfies it.
type Negotiator interface {
	Prepare(ctx context.Context) (string, error)
	Restore(ctx context.Context)
}

// Source supplies resampled capture blocks. *MicSource is the real one.
type Source interface {
	Start(hint string) error
	Blocks() *audio.BlockQueue
	Stop() error
}

// Conn is the daemon transport. *net.UnixConn satisfies it; the half-close
// is how the daemon learns the audio stream is complete.
type Conn interface {
	net.Conn
	CloseWrite() error
}

type Options struct {
	Negotiator Negotiator
	Source     Source
	Dial       func(ctx context.Context) (Conn, error)
	Paster     paste.Paster
	Log        *slog.Logger
}

// Coordinator drives a single session. Run may be called once; Stop and
// Cancel are safe from any goroutine, in any state, any number of times.
type Coordinator struct {
	opts   Options
	log    *slog.Logger
	events chan Event

	stopOnce   sync.Once
	cancelOnce sync.Once
	cancelCh   chan struct{}

	mu        sync.Mutex
	cancelled bool
	cancelRun context.CancelFunc
	conn      Conn
}

func New(opts Options) (*Coordinator, error) {
	if opts.Negotiator == nil || opts.Source == nil || opts.Dial == nil || opts.Paster == nil {
		return nil, errors.New("negotiator, source, dial and paster are all required")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Coordinator{
		opts:     opts,
		log:      opts.Log,
		events:   make(chan Event, 32),
		cancelCh: make(chan struct{}),
	}, nil
}

// Events delivers state changes in order. The channel closes when Run
// returns.
func (c *Coordinator) Events() <-chan Event { return c.events }

// Stop ends capture and lets the session finish: buffered audio is drained
// to the daemon and the transcript is awaited.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		if err := c.opts.Source.Stop(); err != nil {
			c.log.Warn("stop capture", slog.String("error", err.Error()))
		}
	})
}

// Cancel abandons the session: capture stops, the transport is torn down,
// and no paste happens even if a transcript arrives concurrently. The
// device profile is still restored by Run.
func (c *Coordinator) Cancel() {
	c.cancelOnce.Do(func() {
		c.mu.Lock()
		c.cancelled = true
		cancelRun := c.cancelRun
		conn := c.conn
		c.mu.Unlock()

		if err := c.opts.Source.Stop(); err != nil {
			c.log.Warn("stop capture", slog.String("error", err.Error()))
		}
		if cancelRun != nil {
			cancelRun()
		}
		if conn != nil {
			conn.Close()
		}
		close(c.cancelCh)
	})
}

type readOutcome struct {
	final    string
	sawFinal bool
	err      error
}

// Run executes the session and returns when it has fully settled. The
// audio profile restore is guaranteed regardless of outcome and never
// waits on session I/O.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.events)

	// Snapshot the focus target before capture or negotiation can shift it.
	target, err := c.opts.Paster.CurrentTarget()
	if err != nil {
		c.log.Warn("snapshot paste target", slog.String("error", err.Error()))
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		c.emit(Event{Kind: EventCancelled})
		return ErrCancelled
	}
	c.cancelRun = cancelRun
	c.mu.Unlock()

	hint, err := c.opts.Negotiator.Prepare(runCtx)
	defer func() {
		restoreCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.opts.Negotiator.Restore(restoreCtx)
	}()
	if err != nil {
		return c.fail(fmt.Errorf("prepare audio device: %w", err))
	}

	if err := c.opts.Source.Start(hint); err != nil {
		return c.fail(fmt.Errorf("start capture: %w", err))
	}
	defer c.Stop()

	conn, err := c.opts.Dial(runCtx)
	if err != nil {
		return c.fail(err)
	}
	defer conn.Close()

	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		c.emit(Event{Kind: EventCancelled})
		return ErrCancelled
	}
	c.conn = conn
	c.mu.Unlock()

	c.emit(Event{Kind: EventRecording})

	writerDone := make(chan error, 1)
	go func() { writerDone <- c.pump(runCtx, conn) }()

	readerDone := make(chan readOutcome, 1)
	go func() {
		final, saw, err := c.consume(conn)
		readerDone <- readOutcome{final: final, sawFinal: saw, err: err}
	}()

	if werr := <-writerDone; werr != nil {
		if c.isCancelled() {
			<-readerDone
			c.emit(Event{Kind: EventCancelled})
			return ErrCancelled
		}
		conn.Close()
		<-readerDone
		return c.fail(werr)
	}

	c.emit(Event{Kind: EventTranscribing})

	select {
	case res := <-readerDone:
		return c.settle(res, target)
	case <-c.cancelCh:
		conn.Close()
		<-readerDone
		c.emit(Event{Kind: EventCancelled})
		return ErrCancelled
	}
}

// pump streams capture blocks to the daemon in order. When the queue is
// closed it drains fully, then half-closes so the daemon sees end of input.
func (c *Coordinator) pump(ctx context.Context, conn Conn) error {
	q := c.opts.Source.Blocks()
	for {
		block, err := q.Next(ctx)
		if errors.Is(err, io.EOF) {
			if err := conn.CloseWrite(); err != nil {
				return &TransportError{Op: "close-write", Err: err}
			}
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := conn.Write(protocol.Bytes(block)); err != nil {
			return &TransportError{Op: "write", Err: err}
		}
	}
}

func (c *Coordinator) consume(conn Conn) (string, bool, error) {
	r := protocol.NewMessageReader(conn)
	var final string
	sawFinal := false
	for {
		m, err := r.Next()
		if errors.Is(err, io.EOF) {
			return final, sawFinal, nil
		}
		if err != nil {
			return "", false, &TransportError{Op: "read", Err: err}
		}
		switch m.Kind {
		case protocol.KindLog:
			c.emit(Event{Kind: EventLog, Text: m.Text})
		case protocol.KindFinal:
			final, sawFinal = m.Text, true
		}
	}
}

func (c *Coordinator) settle(res readOutcome, target paste.Target) error {
	if c.isCancelled() {
		c.emit(Event{Kind: EventCancelled})
		return ErrCancelled
	}
	if res.err != nil {
		return c.fail(res.err)
	}
	if !res.sawFinal {
		// The daemon closing without a final means it gave up, which is
		// different from an empty transcript.
		return c.fail(&TransportError{Op: "read", Err: io.ErrUnexpectedEOF})
	}

	c.emit(Event{Kind: EventFinal, Text: res.final})
	if res.final != "" {
		if err := c.opts.Paster.Deliver(res.final, target); err != nil {
			c.emit(Event{Kind: EventLog, Text: "paste failed: " + err.Error()})
		}
	}
	return nil
}

func (c *Coordinator) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *Coordinator) fail(err error) error {
	c.emit(Event{Kind: EventFailed, Err: err})
	return err
}

func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("event dropped, presenter not keeping up", slog.Int("kind", int(ev.Kind)))
	}
}
