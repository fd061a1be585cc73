package engine

import (
	"context"
	"fmt"
)

type mockTranscriber struct{}

// NewMock returns a backend that fabricates deterministic text from the
// input length. Useful for tests and end-to-end smoke runs without a model.
func NewMock() Transcriber {
	return &mockTranscriber{}
}

func (m *mockTranscriber) Transcribe(_ context.Context, samples []float32) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}
	return fmt.Sprintf("[mock transcript length=%d]", len(samples)), nil
}
