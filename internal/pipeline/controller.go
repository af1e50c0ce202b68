package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/osdrelay/internal/observability"
)

// Status is a snapshot of the active or most recently finished session.
type Status struct {
	SessionID string        `json:"session_id"`
	Mode      string        `json:"mode"`
	OSD       string        `json:"osd"`
	Input     string        `json:"input"`
	Output    string        `json:"output"`
	Format    string        `json:"format"`
	State     string        `json:"state"`
	Active    bool          `json:"active"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Stats     StatsSnapshot `json:"stats"`
	Resources []Resource    `json:"resources,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// worker is one session running on its own goroutine.
type worker struct {
	session   *Session
	stop      *StopSignal
	done      chan struct{}
	startedAt time.Time

	// Written before done is closed.
	endedAt       time.Time
	err           error
	panicErr      *PanicError
	panicReported bool
}

func (w *worker) finished() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Controller owns the single active session and replaces it on request.
type Controller struct {
	backend  Backend
	template SessionConfig
	logger   *slog.Logger

	mu     sync.Mutex
	active *worker
	closed bool
}

// NewController creates a controller. template supplies input, output and
// format for OSD-only requests.
func NewController(backend Backend, template SessionConfig, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Controller{
		backend:  backend,
		template: template,
		logger:   observability.WithComponent(logger, "controller"),
	}
}

// Template returns the configuration used by ApplyOSD.
func (c *Controller) Template() SessionConfig {
	return c.template
}

// ApplyOSD restarts the pipeline from the template with new overlay text.
// Empty text selects remux-only.
func (c *Controller) ApplyOSD(ctx context.Context, osd string) (string, error) {
	return c.Start(ctx, c.template.WithOSD(osd))
}

// Start stops and joins the active session, then starts a new one for cfg
// and returns its id without waiting for it to initialize. Configuration
// errors are returned before anything is stopped. If the previous worker
// panicked, that failure is returned and no session is started.
func (c *Controller) Start(ctx context.Context, cfg SessionConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if !c.backend.SupportsContainer(cfg.Format) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedContainer, cfg.Format)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", ErrControllerClosed
	}
	if err := c.stopLocked(ctx); err != nil {
		return "", err
	}

	id := ulid.Make().String()
	stop := NewStopSignal()
	w := &worker{
		session:   NewSession(id, cfg, c.backend, stop, c.logger),
		stop:      stop,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	c.active = w

	go c.run(observability.ContextWithSessionID(context.WithoutCancel(ctx), id), w)

	c.logger.InfoContext(ctx, "session started",
		slog.String("session_id", id),
		slog.String("mode", cfg.Mode().String()),
		slog.String("osd", cfg.OSD),
	)
	return id, nil
}

func (c *Controller) run(ctx context.Context, w *worker) {
	defer close(w.done)
	defer func() {
		w.endedAt = time.Now()
		if r := recover(); r != nil {
			w.panicErr = &PanicError{SessionID: w.session.ID(), Value: r, Stack: debug.Stack()}
			w.err = w.panicErr
			c.logger.Error("session worker panicked",
				slog.String("session_id", w.session.ID()),
				slog.Any("panic", r),
				slog.String("stack", string(w.panicErr.Stack)),
			)
		}
	}()

	w.err = w.session.Run(ctx)
	if w.err != nil {
		c.logger.Error("session failed",
			slog.String("session_id", w.session.ID()),
			slog.String("error", w.err.Error()),
		)
	}
}

// Stop stops and joins the active session without starting another. It is a
// no-op when nothing is running.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked(ctx)
}

// Shutdown stops the active session and refuses further starts.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.stopLocked(ctx)
}

// stopLocked requests a stop and waits for the worker to terminate. A panic
// of that worker is reported once.
func (c *Controller) stopLocked(ctx context.Context) error {
	w := c.active
	if w == nil {
		return nil
	}

	if !w.finished() {
		w.stop.Request()
		c.logger.InfoContext(ctx, "stopping session", slog.String("session_id", w.session.ID()))
		select {
		case <-w.done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for session %s to stop: %w", w.session.ID(), ctx.Err())
		}
	}

	if w.panicErr != nil && !w.panicReported {
		w.panicReported = true
		return w.panicErr
	}
	return nil
}

// Status describes the active session, or the last one to finish. ok is
// false when no session has been started.
func (c *Controller) Status() (status Status, ok bool) {
	c.mu.Lock()
	w := c.active
	c.mu.Unlock()
	if w == nil {
		return Status{}, false
	}

	cfg := w.session.Config()
	status = Status{
		SessionID: w.session.ID(),
		Mode:      cfg.Mode().String(),
		OSD:       cfg.OSD,
		Input:     observability.RedactURL(cfg.Input),
		Output:    observability.RedactURL(cfg.Output),
		Format:    cfg.Format,
		State:     w.session.State().String(),
		StartedAt: w.startedAt,
		Stats:     w.session.Stats(),
	}

	if w.finished() {
		ended := w.endedAt
		status.EndedAt = &ended
		if w.err != nil {
			status.LastError = w.err.Error()
		}
		return status, true
	}

	status.Active = true
	status.Resources = w.session.Resources()
	return status, true
}
