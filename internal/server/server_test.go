package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/karstenba/stt-widget/internal/protocol"
)

type recordingEngine struct {
	mu        sync.Mutex
	active    int
	maxActive int
	calls     int
	delay     time.Duration
	err       error
}

func (e *recordingEngine) Transcribe(ctx context.Context, samples []float32) (string, error) {
	e.mu.Lock()
	e.calls++
	e.active++
	if e.active > e.maxActive {
		e.maxActive = e.active
	}
	e.mu.Unlock()

	if e.delay > 0 {
		time.Sleep(e.delay)
	}

	e.mu.Lock()
	e.active--
	e.mu.Unlock()

	if e.err != nil {
		return "", e.err
	}
	return fmt.Sprintf("heard %d samples", len(samples)), nil
}

func startServer(t *testing.T, eng *recordingEngine) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "d.sock")
	srv, err := New(Options{
		SocketPath:    sock,
		Engine:        eng,
		Log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		SampleRate:    16000,
		ShutdownGrace: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	waitForSocket(t, sock)
	return sock
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", path)
}

// runSession streams payload, half-closes, and collects every response
// message until the daemon closes the connection.
func runSession(t *testing.T, sock string, payload []byte) []protocol.Message {
	t.Helper()
	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			t.Fatalf("write payload: %v", err)
		}
	}
	if err := conn.(*net.UnixConn).CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}

	var msgs []protocol.Message
	r := protocol.NewMessageReader(conn)
	for {
		m, err := r.Next()
		if errors.Is(err, io.EOF) {
			return msgs
		}
		if err != nil {
			t.Fatalf("read message: %v", err)
		}
		msgs = append(msgs, m)
	}
}

func TestEmptySessionGetsEmptyFinal(t *testing.T) {
	eng := &recordingEngine{}
	sock := startServer(t, eng)

	msgs := runSession(t, sock, nil)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d: %v", len(msgs), msgs)
	}
	if msgs[0].Kind != protocol.KindFinal || msgs[0].Text != "" {
		t.Errorf("expected empty final, got %+v", msgs[0])
	}
	if eng.calls != 0 {
		t.Errorf("engine called %d times for empty session", eng.calls)
	}
}

func TestMisalignedPayloadRejected(t *testing.T) {
	eng := &recordingEngine{}
	sock := startServer(t, eng)

	msgs := runSession(t, sock, []byte{1, 2, 3, 4, 5, 6})
	for _, m := range msgs {
		if m.Kind == protocol.KindFinal {
			t.Fatalf("misaligned session received a final: %+v", m)
		}
	}
	if eng.calls != 0 {
		t.Errorf("engine called %d times for misaligned payload", eng.calls)
	}
}

func TestLogThenFinalOrdering(t *testing.T) {
	eng := &recordingEngine{}
	sock := startServer(t, eng)

	samples := make([]float32, 1600) // 100ms at 16kHz
	msgs := runSession(t, sock, protocol.Bytes(samples))
	if len(msgs) != 2 {
		t.Fatalf("expected log then final, got %v", msgs)
	}
	if msgs[0].Kind != protocol.KindLog {
		t.Errorf("first message should be a log line, got %+v", msgs[0])
	}
	if msgs[1].Kind != protocol.KindFinal || msgs[1].Text != "heard 1600 samples" {
		t.Errorf("unexpected final: %+v", msgs[1])
	}
}

func TestEngineFailureClosesWithoutFinal(t *testing.T) {
	eng := &recordingEngine{err: errors.New("model exploded")}
	sock := startServer(t, eng)

	msgs := runSession(t, sock, protocol.Bytes([]float32{0.1, 0.2}))
	if len(msgs) != 1 || msgs[0].Kind != protocol.KindLog {
		t.Fatalf("expected a single log line, got %v", msgs)
	}
	for _, m := range msgs {
		if m.Kind == protocol.KindFinal {
			t.Fatalf("failed session received a final: %+v", m)
		}
	}
}

func TestTranscriptionIsSingleFlight(t *testing.T) {
	eng := &recordingEngine{delay: 30 * time.Millisecond}
	sock := startServer(t, eng)

	const n = 6
	var wg sync.WaitGroup
	finals := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msgs := runSession(t, sock, protocol.Bytes([]float32{0.5, -0.5}))
			for _, m := range msgs {
				if m.Kind == protocol.KindFinal {
					finals <- m.Text
				}
			}
		}()
	}
	wg.Wait()
	close(finals)

	got := 0
	for range finals {
		got++
	}
	if got != n {
		t.Errorf("expected %d finals, got %d", n, got)
	}
	if eng.maxActive != 1 {
		t.Errorf("engine ran %d transcriptions concurrently", eng.maxActive)
	}
}

func TestStaleSocketIsReclaimed(t *testing.T) {
	eng := &recordingEngine{}
	dir := t.TempDir()
	sock := filepath.Join(dir, "d.sock")

	// A leftover socket path nobody answers on must not block startup.
	if err := os.WriteFile(sock, nil, 0o600); err != nil {
		t.Fatalf("create stale socket file: %v", err)
	}

	srv, err := New(Options{
		SocketPath: sock,
		Engine:     eng,
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	waitForSocket(t, sock)

	msgs := runSession(t, sock, nil)
	if len(msgs) != 1 || msgs[0].Kind != protocol.KindFinal {
		t.Fatalf("expected empty final over reclaimed socket, got %v", msgs)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}
}
