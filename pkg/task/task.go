// Package task runs cancellable background goroutines that can be joined.
package task

import (
	"context"

	"github.com/sourcegraph/conc"
)

// Task is a background goroutine bound to its own context.
type Task struct {
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// Go starts fn with a context derived from parent. A panic in fn is
// re-raised by Stop.
func Go(parent context.Context, fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{cancel: cancel}
	t.wg.Go(func() { fn(ctx) })
	return t
}

// Stop cancels the task and waits until it has returned. Stopping a task
// that already exited returns immediately.
func (t *Task) Stop() {
	t.cancel()
	t.wg.Wait()
}
