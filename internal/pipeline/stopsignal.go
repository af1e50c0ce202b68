package pipeline

import (
	"context"
	"sync"
)

// StopSignal is a one-shot stop request shared between a controller and its
// session worker.
type StopSignal struct {
	once sync.Once
	ch   chan struct{}
}

// NewStopSignal returns a signal in the continue state.
func NewStopSignal() *StopSignal {
	return &StopSignal{ch: make(chan struct{})}
}

// Request asks the worker to stop. Only the first call has an effect.
func (s *StopSignal) Request() {
	s.once.Do(func() { close(s.ch) })
}

// Requested reports whether a stop has been requested. It never blocks.
func (s *StopSignal) Requested() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done is closed once a stop has been requested.
func (s *StopSignal) Done() <-chan struct{} {
	return s.ch
}

// Context derives a context from parent that is also cancelled by a stop
// request, so blocking reads return promptly.
func (s *StopSignal) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-s.ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
