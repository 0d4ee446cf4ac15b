package requestcontrol

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	eventuallyTimeout = time.Second
	eventuallyTick    = 2 * time.Millisecond
)

// testLogger records log lines so tests can assert on failure paths.
type testLogger struct {
	t  *testing.T
	mu sync.Mutex

	entries []string
}

func newTestLogger(t *testing.T) *testLogger {
	return &testLogger{t: t}
}

func (l *testLogger) log(level, msg string) {
	l.mu.Lock()
	l.entries = append(l.entries, level+": "+msg)
	l.mu.Unlock()
	l.t.Logf("%s: %s", level, msg)
}

func (l *testLogger) hasEntry(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.entries {
		if strings.Contains(entry, substr) {
			return true
		}
	}
	return false
}

func (l *testLogger) Info(msg string, _ ...any)  { l.log("INFO", msg) }
func (l *testLogger) Error(msg string, _ ...any) { l.log("ERROR", msg) }
func (l *testLogger) Warn(msg string, _ ...any)  { l.log("WARN", msg) }
func (l *testLogger) Debug(msg string, _ ...any) { l.log("DEBUG", msg) }

// recordingActivity notes the order its phases run in on a shared trace and
// lets tests control each phase's outcome.
type recordingActivity struct {
	name  string
	group int
	trace *phaseTrace

	prepareErr error
	suspendErr error

	blockSuspend chan struct{}
}

type phaseTrace struct {
	mu    sync.Mutex
	calls []string
}

func (tr *phaseTrace) record(call string) {
	tr.mu.Lock()
	tr.calls = append(tr.calls, call)
	tr.mu.Unlock()
}

func (tr *phaseTrace) snapshot() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.calls...)
}

func (a *recordingActivity) ExecutionGroup() int { return a.group }

func (a *recordingActivity) Prepare(context.Context) *Future {
	a.trace.record(a.name + ".prepare")
	if a.prepareErr != nil {
		return FailedFuture(a.prepareErr)
	}
	return CompletedFuture()
}

func (a *recordingActivity) Suspend(context.Context) *Future {
	a.trace.record(a.name + ".suspend")
	if a.suspendErr != nil {
		return FailedFuture(a.suspendErr)
	}
	if a.blockSuspend != nil {
		f := NewFuture()
		go func() {
			<-a.blockSuspend
			f.Complete()
		}()
		return f
	}
	return CompletedFuture()
}

func (a *recordingActivity) Resume(context.Context) *Future {
	a.trace.record(a.name + ".resume")
	return CompletedFuture()
}

// awaitFuture fails the test if the future does not resolve in time.
func awaitFuture(t *testing.T, f *Future, timeout time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	select {
	case <-f.Done():
		return f.Err()
	case <-ctx.Done():
		t.Fatalf("future did not resolve within %v", timeout)
		return nil
	}
}
