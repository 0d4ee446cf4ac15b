package requestcontrol

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DelayScheduler runs one-shot functions after a delay. It keeps a single
// min-heap of deadlines serviced by one dispatch goroutine, so scheduling a
// timeout costs one heap insert rather than one goroutine per pending task.
// It is safe for use from any goroutine and is decoupled from any one
// component's lifecycle: the controller uses it for queued-task timeouts,
// but nothing prevents sharing an instance.
type DelayScheduler struct {
	logger  Logger
	tasks   deadlineHeap
	wake    chan struct{}
	done    chan struct{}
	stopped bool
	seq     uint64
	mu      sync.Mutex
}

// ScheduledTask is a handle to a pending delayed function.
type ScheduledTask struct {
	deadline time.Time
	fn       func()
	seq      uint64
	index    int
	fired    atomic.Bool
}

// Cancel prevents the task from running if it has not fired yet. It reports
// whether the cancellation won: false means the function already ran or is
// running. Exactly one of {run, cancel} wins.
func (t *ScheduledTask) Cancel() bool {
	return t.fired.CompareAndSwap(false, true)
}

// NewDelayScheduler creates a scheduler and starts its dispatch goroutine.
func NewDelayScheduler(logger Logger) *DelayScheduler {
	s := &DelayScheduler{
		logger: ensureLogger(logger),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Schedule arranges for fn to run on its own goroutine once delay has
// elapsed, returning a cancellable handle. A non-positive delay fires as
// soon as the dispatch loop sees the task.
func (s *DelayScheduler) Schedule(delay time.Duration, fn func()) (*ScheduledTask, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrSchedulerStopped
	}
	s.seq++
	task := &ScheduledTask{
		deadline: time.Now().Add(delay),
		fn:       fn,
		seq:      s.seq,
	}
	heap.Push(&s.tasks, task)
	s.mu.Unlock()

	s.poke()
	return task, nil
}

// Stop shuts the scheduler down. Pending tasks are cancelled, not fired;
// delayed cancellations are best-effort by nature and the owning component
// flushes or rejects its queue through its own shutdown path. Stop waits for
// the dispatch goroutine to exit or ctx to expire.
func (s *DelayScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for _, task := range s.tasks {
		task.Cancel()
	}
	s.tasks = nil
	s.mu.Unlock()

	s.poke()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// poke nudges the dispatch loop after the heap changed.
func (s *DelayScheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the dispatch loop: sleep until the earliest deadline, pop every due
// task and fire it on a fresh goroutine.
func (s *DelayScheduler) run() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}

		now := time.Now()
		var due []*ScheduledTask
		for s.tasks.Len() > 0 && !s.tasks[0].deadline.After(now) {
			due = append(due, heap.Pop(&s.tasks).(*ScheduledTask))
		}

		empty := s.tasks.Len() == 0
		var wait time.Duration
		if !empty {
			wait = time.Until(s.tasks[0].deadline)
		}
		s.mu.Unlock()

		for _, task := range due {
			if task.fired.CompareAndSwap(false, true) {
				go task.fn()
			}
		}

		if empty {
			// Nothing pending: sleep until poked.
			<-s.wake
			continue
		}
		if wait <= 0 {
			// The head came due while dispatching; go straight around.
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-s.wake:
		}
	}
}

// deadlineHeap orders tasks by deadline, breaking ties by submission order.
type deadlineHeap []*ScheduledTask

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	task := x.(*ScheduledTask)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}
