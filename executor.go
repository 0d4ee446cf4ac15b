package requestcontrol

// Executor runs submitted work. Queued tasks carry the executor their work
// and rejection callbacks must be dispatched on, which keeps the admission
// path decoupled from any particular worker-pool implementation.
type Executor interface {
	// Execute submits fn for execution. Implementations decide whether the
	// call runs inline or is handed to another goroutine; callers must not
	// assume fn has finished when Execute returns.
	Execute(fn func())
}

// ExecutorFunc adapts an ordinary function to the Executor interface.
type ExecutorFunc func(fn func())

// Execute calls e(fn).
func (e ExecutorFunc) Execute(fn func()) { e(fn) }

// GoExecutor returns an Executor that runs every task on a fresh goroutine.
// This is the default executor used when queueing tasks without one.
func GoExecutor() Executor {
	return ExecutorFunc(func(fn func()) { go fn() })
}

// InlineExecutor returns an Executor that runs tasks synchronously on the
// calling goroutine. Used by the shutdown flush, where queued work must be
// forced through before the controller goes away.
func InlineExecutor() Executor {
	return ExecutorFunc(func(fn func()) { fn() })
}
