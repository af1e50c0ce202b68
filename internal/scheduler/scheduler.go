// Package scheduler switches the overlay text on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/osdrelay/internal/config"
	"github.com/jmylchreest/osdrelay/internal/observability"
)

// OSDApplier restarts the pipeline with new overlay text.
type OSDApplier interface {
	ApplyOSD(ctx context.Context, osd string) (string, error)
}

// applyTimeout bounds one scheduled restart, which includes joining the
// previous session.
const applyTimeout = time.Minute

// Entry is the state of one schedule entry.
type Entry struct {
	Cron      string    `json:"cron"`
	OSD       string    `json:"osd"`
	Next      time.Time `json:"next"`
	Prev      time.Time `json:"prev,omitzero"`
	LastRunID string    `json:"last_session_id,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type entry struct {
	config.ScheduleEntry
	schedule cron.Schedule
	id       cron.EntryID

	// Guarded by Scheduler.mu.
	lastSessionID string
	lastError     string
}

// Scheduler applies overlay text from schedule entries when they fire.
type Scheduler struct {
	mu sync.RWMutex

	applier OSDApplier
	entries []*entry
	logger  *slog.Logger

	// cron parser for validating/parsing cron expressions
	parser cron.Parser

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewParser returns the parser used for schedule entries: five fields or a
// descriptor such as @hourly or @every 30m.
func NewParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// New creates a scheduler for entries. Every cron expression is parsed up
// front.
func New(entries []config.ScheduleEntry, applier OSDApplier) (*Scheduler, error) {
	s := &Scheduler{
		applier: applier,
		logger:  slog.Default(),
		parser:  NewParser(),
	}
	for i, e := range entries {
		schedule, err := s.parser.Parse(e.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule[%d]: invalid cron expression %q: %w", i, e.Cron, err)
		}
		s.entries = append(s.entries, &entry{ScheduleEntry: e, schedule: schedule})
	}
	return s, nil
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = observability.WithComponent(logger, "scheduler")
	return s
}

// Start registers the entries and starts firing them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	logger := cronLogger{logger: s.logger}
	s.cron = cron.New(
		cron.WithParser(s.parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	runCtx := s.ctx
	for _, e := range s.entries {
		e.id = s.cron.Schedule(e.schedule, cron.FuncJob(func() { s.apply(runCtx, e) }))
	}
	s.cron.Start()

	s.logger.Info("scheduler started", slog.Int("entries", len(s.entries)))
	return nil
}

// Stop stops firing entries and waits for a running one to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()

	s.mu.Lock()
	s.cron = nil
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// apply restarts the pipeline with the entry's text and records the outcome.
func (s *Scheduler) apply(ctx context.Context, e *entry) {
	ctx, cancel := context.WithTimeout(ctx, applyTimeout)
	defer cancel()

	id, err := s.applier.ApplyOSD(ctx, e.OSD)

	s.mu.Lock()
	if err != nil {
		e.lastError = err.Error()
	} else {
		e.lastSessionID = id
		e.lastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled overlay failed",
			slog.String("cron", e.Cron),
			slog.Any("error", err))
		return
	}
	s.logger.Info("scheduled overlay applied",
		slog.String("cron", e.Cron),
		slog.String("osd", e.OSD),
		slog.String("session_id", id))
}

// Entries returns the state of every entry in configuration order.
func (s *Scheduler) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		status := Entry{
			Cron:      e.Cron,
			OSD:       e.OSD,
			Next:      e.schedule.Next(now),
			LastRunID: e.lastSessionID,
			LastError: e.lastError,
		}
		if s.cron != nil {
			ce := s.cron.Entry(e.id)
			if !ce.Next.IsZero() {
				status.Next = ce.Next
			}
			status.Prev = ce.Prev
		}
		out = append(out, status)
	}
	return out
}

// ParseCron validates a cron expression and returns the next run time.
func (s *Scheduler) ParseCron(expr string) (time.Time, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule.Next(time.Now()), nil
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}
