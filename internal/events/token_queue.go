package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultTokenQueueSize bounds the number of undelivered tokens per stage.
const DefaultTokenQueueSize = 256

// ErrQueueClosed is returned by Push after Close.
var ErrQueueClosed = errors.New("token queue closed")

// TokenQueue forwards streamed tokens of one stage to an emitter in order.
// Push blocks while the queue is full, so a slow consumer slows the producer
// instead of losing tokens. Close waits until every accepted token has been
// handed to the emitter.
type TokenQueue struct {
	emitter   Emitter
	sessionID string
	stage     string
	ctx       context.Context
	tokens    chan string
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
	delivered int
	logger    *slog.Logger
}

// NewTokenQueue starts the forwarding goroutine. The context bounds both
// Push and delivery.
func NewTokenQueue(ctx context.Context, emitter Emitter, sessionID, stage string, size int, logger *slog.Logger) *TokenQueue {
	if size <= 0 {
		size = DefaultTokenQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &TokenQueue{
		emitter:   emitter,
		sessionID: sessionID,
		stage:     stage,
		ctx:       ctx,
		tokens:    make(chan string, size),
		done:      make(chan struct{}),
		logger:    logger,
	}
	go q.run()
	return q
}

// Push enqueues a token, waiting for room when the queue is full.
func (q *TokenQueue) Push(tok string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.tokens <- tok:
		return nil
	case <-q.ctx.Done():
		return q.ctx.Err()
	}
}

func (q *TokenQueue) run() {
	defer close(q.done)
	for tok := range q.tokens {
		ev := Event{
			SessionID: q.sessionID,
			Type:      TypeToken,
			Stage:     q.stage,
			Payload:   map[string]any{"text": tok},
			Time:      time.Now().UTC(),
		}
		if err := q.emitter.Emit(q.ctx, ev); err != nil {
			q.logger.Warn("failed to emit token event", "session_id", q.sessionID, "stage", q.stage, "error", err)
		}
		q.delivered++
	}
}

// Close stops accepting tokens and blocks until the queue is drained.
// It returns the number of tokens delivered.
func (q *TokenQueue) Close() int {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.tokens)
		q.mu.Unlock()
	})
	<-q.done
	return q.delivered
}
