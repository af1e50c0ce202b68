package pipeline

import (
	"errors"
	"fmt"
)

// Pipeline errors.
var (
	// ErrInvalidConfig indicates a session configuration that cannot be started.
	ErrInvalidConfig = errors.New("invalid pipeline configuration")

	// ErrUnsupportedContainer indicates an output container kind no sink can write.
	ErrUnsupportedContainer = errors.New("unsupported container kind")

	// ErrOutputWrite indicates a failed write to the output container. It ends
	// the session.
	ErrOutputWrite = errors.New("output write failed")

	// ErrNoVideoStream indicates a transform session on an input without video.
	ErrNoVideoStream = errors.New("input has no video stream")

	// ErrWorkerPanic indicates the previous session worker panicked.
	ErrWorkerPanic = errors.New("pipeline worker panicked")

	// ErrControllerClosed indicates a start after Shutdown.
	ErrControllerClosed = errors.New("controller is shut down")
)

// PanicError records a recovered panic from a session worker.
type PanicError struct {
	SessionID string
	Value     any
	Stack     []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("session %s: %v: %v", e.SessionID, ErrWorkerPanic, e.Value)
}

// Unwrap returns ErrWorkerPanic.
func (e *PanicError) Unwrap() error {
	return ErrWorkerPanic
}
