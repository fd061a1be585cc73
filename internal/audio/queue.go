package audio

import (
	"context"
	"io"
	"sync"
)

// BlockQueue hands captured blocks from the real-time capture callback to
// the writer. Put never blocks: the queue grows without bound, which is
// bounded in practice by the length of a push-to-talk session (16 kHz
// float32 mono is under 4 MB per minute). Dropping audio on backpressure
// would silently corrupt the transcription, so growth is the chosen policy.
//
// Blocks are immutable once enqueued and consumed exactly once.
type BlockQueue struct {
	mu     sync.Mutex
	blocks [][]float32
	closed bool
	notify chan struct{}
}

func NewBlockQueue() *BlockQueue {
	return &BlockQueue{notify: make(chan struct{}, 1)}
}

// Put appends a block. It is safe to call from the capture callback and is
// a no-op after Close.
func (q *BlockQueue) Put(block []float32) {
	if len(block) == 0 {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.blocks = append(q.blocks, block)
	q.mu.Unlock()
	q.wake()
}

// Next returns the oldest block, blocking until one is available. Once the
// queue is closed and fully drained it returns io.EOF.
func (q *BlockQueue) Next(ctx context.Context) ([]float32, error) {
	for {
		q.mu.Lock()
		if len(q.blocks) > 0 {
			block := q.blocks[0]
			q.blocks = q.blocks[1:]
			q.mu.Unlock()
			return block, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, io.EOF
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close marks the end of input. Blocks enqueued before Close remain
// readable; Next drains them before reporting io.EOF.
func (q *BlockQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Len reports the number of queued blocks.
func (q *BlockQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.blocks)
}

func (q *BlockQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
