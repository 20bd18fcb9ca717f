package engine

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
	ErrNoRun       = errors.New("task has no run func")
)

// PanicError is returned in place of a task panic.
type PanicError struct {
	Task  string
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic in %s: %v", e.Task, e.Value) }
