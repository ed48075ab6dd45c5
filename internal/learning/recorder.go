package learning

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// #region recorder

// Recorder records outcomes on background workers so callers finishing a
// task do not wait on the store. Failed records are logged and reported to
// the optional OnError callback; they never reach the submitter.
type Recorder struct {
	engine  *Engine
	queue   chan Transition
	group   *errgroup.Group
	onError func(Transition, error)

	mu     sync.RWMutex
	closed bool
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithErrorHandler is called for every transition that failed to persist.
func WithErrorHandler(fn func(Transition, error)) RecorderOption {
	return func(r *Recorder) { r.onError = fn }
}

// NewRecorder starts workers goroutines draining a queue of depth capacity.
func NewRecorder(ctx context.Context, e *Engine, workers, capacity int, opts ...RecorderOption) *Recorder {
	workers = max(workers, 1)
	capacity = max(capacity, 0)
	r := &Recorder{
		engine: e,
		queue:  make(chan Transition, capacity),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.group, ctx = errgroup.WithContext(ctx)
	for range workers {
		r.group.Go(func() error {
			for tr := range r.queue {
				if _, err := r.engine.RecordOutcome(ctx, tr); err != nil {
					r.engine.logger.Warn("async outcome dropped",
						zap.String("task_id", tr.TaskID), zap.Error(err))
					if r.onError != nil {
						r.onError(tr, err)
					}
				}
			}
			return nil
		})
	}
	return r
}

// Submit enqueues tr, blocking while the queue is full. It fails with
// ErrRecorderClosed after Close, or with ctx's error if ctx ends first.
func (r *Recorder) Submit(ctx context.Context, tr Transition) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRecorderClosed
	}
	select {
	case r.queue <- tr:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits for queued transitions to finish.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	return r.group.Wait()
}

// #endregion recorder
