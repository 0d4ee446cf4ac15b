package requestcontrol

import "sync"

// taskQueue is a concurrent FIFO of queued tasks. It supports the plain
// append/poll used during normal drain plus the forced-task scan used while
// paused. A mutex-guarded slice is used rather than a lock-free structure:
// the scan must observe and preserve the relative order of every skipped
// entry, which is not expressible as a single CAS.
type taskQueue struct {
	items []*queuedTask
	mu    sync.Mutex
}

func newTaskQueue() *taskQueue {
	return &taskQueue{}
}

// add appends a task at the tail.
func (q *taskQueue) add(task *queuedTask) {
	q.mu.Lock()
	q.items = append(q.items, task)
	q.mu.Unlock()
}

// poll removes and returns the head, or nil when empty.
func (q *taskQueue) poll() *queuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	task := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return task
}

// pollForced scans for the first task marked forced, removes it and returns
// it, or returns nil if there is none. Skipped non-forced tasks keep their
// original relative order. Forced tasks are thereby served out of FIFO order
// during a paused drain; that reordering is deliberate and documented, not a
// bug.
func (q *taskQueue) pollForced() *queuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, task := range q.items {
		if task.forced {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return task
		}
	}
	return nil
}

// len returns the number of queued tasks.
func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drainAll removes and returns every queued task in FIFO order. Used by the
// shutdown flush.
func (q *taskQueue) drainAll() []*queuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
