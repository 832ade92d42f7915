package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Task is the handle for one background run. StartRun returns it so
// callers that need completion (tests, embedders, drain logic) can wait
// without polling; HTTP callers just keep the RunID.
type Task struct {
	RunID uuid.UUID

	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func newTask(id uuid.UUID, cancel context.CancelFunc) *Task {
	return &Task{RunID: id, done: make(chan struct{}), cancel: cancel}
}

// Done is closed when the run reaches a terminal status.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the error the run finished with, nil for success. Valid
// only after Done is closed.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// finish records the outcome and releases waiters. Called exactly once.
func (t *Task) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	close(t.done)
}
