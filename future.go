package requestcontrol

import (
	"context"
	"sync"
	"time"
)

// Future is a single-assignment, observable, cancellable completion handle.
// It reports the asynchronous outcome of suspend/resume phases and of
// admission waits: exactly one of Complete, Fail or Cancel wins, every later
// attempt is a no-op, and all observers see the same outcome.
//
// A nil resolution error means success. Cancellation resolves the future
// with ErrFutureCancelled; observers should treat it as "the operation was
// aborted", not as a failure of the operation itself.
type Future struct {
	mu        sync.Mutex
	resolved  bool
	cancelled bool
	err       error
	done      chan struct{}
	callbacks []func(err error)
	timer     *time.Timer
}

// NewFuture creates an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// CompletedFuture returns a future that is already resolved successfully.
// Activities whose phase finishes synchronously return this rather than
// allocating a fresh future per call.
func CompletedFuture() *Future {
	f := NewFuture()
	f.Complete()
	return f
}

// FailedFuture returns a future that is already resolved with err.
func FailedFuture(err error) *Future {
	f := NewFuture()
	f.Fail(err)
	return f
}

// Complete resolves the future successfully. It reports whether this call
// won the resolution; false means the future was already resolved.
func (f *Future) Complete() bool {
	return f.resolve(nil, false)
}

// Fail resolves the future with err. A nil err is equivalent to Complete.
// It reports whether this call won the resolution.
func (f *Future) Fail(err error) bool {
	return f.resolve(err, false)
}

// Cancel resolves the future with ErrFutureCancelled and marks it cancelled.
// It reports whether this call won the resolution.
func (f *Future) Cancel() bool {
	return f.resolve(ErrFutureCancelled, true)
}

func (f *Future) resolve(err error, cancelled bool) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.resolved = true
	f.cancelled = cancelled
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	close(f.done)
	f.mu.Unlock()

	// Callbacks run outside the lock so they may inspect the future freely.
	for _, callback := range callbacks {
		callback(err)
	}
	return true
}

// Done returns a channel that is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has been resolved.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether the future was resolved by Cancel.
func (f *Future) IsCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// Err returns the resolution error: nil for success or while still pending,
// ErrFutureCancelled after Cancel, or the error passed to Fail. Use IsDone
// or Done to distinguish pending from success.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// OnComplete registers fn to run when the future resolves, receiving the
// resolution error (nil on success). If the future is already resolved, fn
// runs synchronously on the calling goroutine.
func (f *Future) OnComplete(fn func(err error)) {
	f.mu.Lock()
	if !f.resolved {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	err := f.err
	f.mu.Unlock()
	fn(err)
}

// Await blocks until the future resolves or ctx is done, whichever happens
// first. It returns the resolution error, or ctx.Err() if the context won.
// This is the outermost-boundary wait; internal phase gating composes
// futures instead of blocking workers.
func (f *Future) Await(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CompleteOnTimeout arranges for the future to resolve successfully after d
// if nothing else resolves it first. It returns the future for chaining.
// Used by callers that want a bounded wait with a default outcome, such as
// a shutdown hook granting a grace period.
func (f *Future) CompleteOnTimeout(d time.Duration) *Future {
	f.mu.Lock()
	if !f.resolved && f.timer == nil {
		f.timer = time.AfterFunc(d, func() { f.Complete() })
	}
	f.mu.Unlock()
	return f
}

// joinFutures returns a future that resolves successfully once every input
// resolves successfully, and fails as soon as any input fails or is
// cancelled (counted completion with first-failure short-circuit). An empty
// input resolves immediately.
func joinFutures(futures []*Future) *Future {
	result := NewFuture()
	if len(futures) == 0 {
		result.Complete()
		return result
	}
	var remaining sync.WaitGroup
	remaining.Add(len(futures))
	var once sync.Once
	for _, future := range futures {
		future.OnComplete(func(err error) {
			if err != nil {
				once.Do(func() { result.Fail(err) })
			}
			remaining.Done()
		})
	}
	go func() {
		remaining.Wait()
		result.Complete()
	}()
	return result
}

// awaitAll waits for every future to resolve, regardless of outcome, and
// returns the first failure observed (or ctx.Err() if the context expires
// first). Unlike joinFutures it never abandons stragglers: phase gating
// requires every member of a group to finish before the next group starts.
func awaitAll(ctx context.Context, futures []*Future) error {
	var firstErr error
	for _, future := range futures {
		select {
		case <-future.Done():
			if err := future.Err(); err != nil && firstErr == nil {
				firstErr = err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return firstErr
}
