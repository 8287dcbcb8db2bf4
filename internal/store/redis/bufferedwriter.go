package redis

import (
	"context"
	"errors"
	"log"
	"sync"

	"smawatch/internal/model"
)

// resultSink is the write path the BufferedWriter protects.
type resultSink interface {
	writeResults(ctx context.Context, results []model.MAResult) error
}

// BufferedWriter wraps a Redis Writer with a circuit breaker.
// During circuit-open state, committed results are buffered locally and
// flushed when the circuit closes again. Live projections are dropped: they
// are stale by the time Redis comes back.
type BufferedWriter struct {
	sink resultSink
	cb   *CircuitBreaker
	ctx  context.Context

	mu     sync.Mutex
	buffer []model.MAResult
	maxBuf int // max buffered results before dropping oldest (default: 10000)

	// Callbacks
	OnBuffer func(n int)     // called when results are buffered (for metrics)
	OnFlush  func(count int) // called after flushing buffered results
}

// NewBufferedWriter creates a BufferedWriter wrapping the given Writer.
func NewBufferedWriter(ctx context.Context, w *Writer, cb *CircuitBreaker, maxBufferSize int) *BufferedWriter {
	return newBufferedWriter(ctx, w, cb, maxBufferSize)
}

func newBufferedWriter(ctx context.Context, sink resultSink, cb *CircuitBreaker, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bw := &BufferedWriter{
		sink:   sink,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]model.MAResult, 0, 256),
		maxBuf: maxBufferSize,
	}

	// Register flush on circuit close
	prevCallback := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prevCallback != nil {
			prevCallback(from, to)
		}
		if to == StateClosed {
			go bw.flush()
		}
	}

	return bw
}

// PublishResults implements model.ResultPublisher through the circuit breaker.
func (bw *BufferedWriter) PublishResults(ctx context.Context, results []model.MAResult) {
	err := bw.cb.Execute(func() error {
		return bw.sink.writeResults(ctx, results)
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrCircuitOpen):
		bw.bufferCommitted(results)
	default:
		log.Printf("[buffered-writer] %v", err)
		bw.bufferCommitted(results)
	}
}

func (bw *BufferedWriter) bufferCommitted(results []model.MAResult) {
	bw.mu.Lock()
	n := 0
	for _, r := range results {
		if r.Live || !r.Ready() {
			continue
		}
		if len(bw.buffer) >= bw.maxBuf {
			// full: drop oldest
			bw.buffer = bw.buffer[1:]
		}
		bw.buffer = append(bw.buffer, r)
		n++
	}
	hook := bw.OnBuffer
	bw.mu.Unlock()

	if n > 0 && hook != nil {
		hook(n)
	}
}

// flush replays all buffered results through the underlying writer.
func (bw *BufferedWriter) flush() {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	// Take ownership of the buffer
	toFlush := bw.buffer
	bw.buffer = make([]model.MAResult, 0, 256)
	bw.mu.Unlock()

	if err := bw.sink.writeResults(bw.ctx, toFlush); err != nil {
		log.Printf("[buffered-writer] flush failed, re-buffering %d results: %v", len(toFlush), err)
		bw.bufferCommitted(toFlush)
		return
	}

	log.Printf("[buffered-writer] flushed %d buffered results", len(toFlush))
	if bw.OnFlush != nil {
		bw.OnFlush(len(toFlush))
	}
}

// PendingCount returns the number of buffered results waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}
