// Package engine abstracts the transcription backends. A Transcriber is
// assumed single-threaded-safe only: the server's coordinator serializes
// calls, and each backend holds its own mutex as well.
package engine

import (
	"context"
	"fmt"

	"github.com/karstenba/stt-widget/internal/config"
)

// Transcriber converts a complete mono float32 recording at the configured
// sample rate into text. An empty string with a nil error means no speech
// was detected.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32) (string, error)
}

// New builds the backend selected by cfg.Mode. Loading failures are
// surfaced to the caller; the daemon treats them as fatal since there is no
// server without an engine.
func New(cfg config.EngineConfig) (Transcriber, error) {
	switch cfg.Mode {
	case "mock":
		return NewMock(), nil
	case "exec":
		return NewExec(cfg)
	case "whisper":
		return NewWhisper(cfg)
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
}
