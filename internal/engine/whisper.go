package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/karstenba/stt-widget/internal/config"
)

// whisperTranscriber runs whisper.cpp in-process. The model stays loaded
// for the lifetime of the daemon; a fresh decoding context is created per
// recording.
type whisperTranscriber struct {
	model    whisper.Model
	language string
	threads  int
	mu       sync.Mutex
}

func NewWhisper(cfg config.EngineConfig) (Transcriber, error) {
	model, err := whisper.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %q: %w", cfg.ModelPath, err)
	}
	return &whisperTranscriber{
		model:    model,
		language: cfg.Language,
		threads:  cfg.Threads,
	}, nil
}

func (t *whisperTranscriber) Transcribe(ctx context.Context, samples []float32) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(samples) == 0 {
		return "", nil
	}

	wctx, err := t.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("create whisper context: %w", err)
	}
	lang := t.language
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return "", fmt.Errorf("set whisper language %q: %w", lang, err)
	}
	if t.threads > 0 {
		wctx.SetThreads(uint(t.threads))
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper inference: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if err != nil {
			break
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// Close releases the loaded model.
func (t *whisperTranscriber) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.model.Close()
}
