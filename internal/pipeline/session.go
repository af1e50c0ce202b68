package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/jmylchreest/osdrelay/internal/media"
	"github.com/jmylchreest/osdrelay/internal/observability"
)

// State is a session lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateRunning
	StateDraining
	StateTerminated
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Resource describes a child process backing a collaborator.
type Resource struct {
	Name       string  `json:"name"`
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// ResourceReporter is implemented by collaborators that run child processes.
type ResourceReporter interface {
	Resources() []Resource
}

// Session runs one input through the router to one output.
type Session struct {
	id      string
	cfg     SessionConfig
	backend Backend
	stop    *StopSignal
	logger  *slog.Logger

	state     atomic.Int32
	stats     Stats
	reporters atomic.Pointer[[]ResourceReporter]

	// Owned by the worker goroutine.
	source     media.Source
	sink       media.Sink
	dec        media.Decoder
	overlay    media.Overlay
	enc        media.Encoder
	sync       *Synchronizer
	router     *Router
	transform  *transformPath
	pacer      *pacer
	videoIndex int
}

// NewSession creates an idle session.
func NewSession(id string, cfg SessionConfig, backend Backend, stop *StopSignal, logger *slog.Logger) *Session {
	if logger == nil {
		logger = observability.Discard()
	}
	if stop == nil {
		stop = NewStopSignal()
	}
	return &Session{
		id:         id,
		cfg:        cfg,
		backend:    backend,
		stop:       stop,
		logger:     observability.WithSession(logger, id),
		sync:       NewSynchronizer(),
		videoIndex: -1,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Config returns the configuration the session was created with.
func (s *Session) Config() SessionConfig { return s.cfg }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() StatsSnapshot { return s.stats.Snapshot() }

// Resources reports child processes of the session's collaborators.
func (s *Session) Resources() []Resource {
	p := s.reporters.Load()
	if p == nil {
		return nil
	}
	var out []Resource
	for _, r := range *p {
		out = append(out, r.Resources()...)
	}
	return out
}

func (s *Session) setState(state State) {
	old := State(s.state.Swap(int32(state)))
	s.logger.Debug("session state changed",
		slog.String("from", old.String()),
		slog.String("to", state.String()),
	)
}

// Run drives the session to completion. It returns nil on end of input and
// on a requested stop, and the first session-level failure otherwise.
func (s *Session) Run(ctx context.Context) error {
	// Releases handles if a collaborator panics; a no-op after a normal run.
	defer s.closeAll()

	s.setState(StateInitializing)
	var initErr error
	done := observability.TimedOperationWithError(ctx, s.logger, "session initialize", &initErr)
	initErr = s.initialize(ctx)
	done()
	if initErr != nil {
		s.closeAll()
		s.setState(StateTerminated)
		return initErr
	}

	s.setState(StateRunning)
	s.logger.InfoContext(ctx, "session running",
		slog.String("mode", s.cfg.Mode().String()),
		slog.String("input", observability.RedactURL(s.cfg.Input)),
		slog.String("output", observability.RedactURL(s.cfg.Output)),
		slog.String("format", s.cfg.Format),
	)
	runErr := s.loop(ctx)

	s.setState(StateDraining)
	drainErr := s.drain()

	s.closeAll()
	s.setState(StateTerminated)
	stats := s.stats.Snapshot()
	s.logger.InfoContext(ctx, "session terminated",
		slog.Int64("packets_read", stats.PacketsRead),
		slog.Int64("packets_written", stats.PacketsWritten),
		slog.Int64("dropped_packets", stats.PacketsDropped),
		slog.Int64("packet_errors", stats.PacketErrors),
	)
	return errors.Join(runErr, drainErr)
}

func (s *Session) initialize(ctx context.Context) error {
	src, err := s.backend.OpenSource(ctx, s.cfg.Input, s.cfg.InputOptions)
	if err != nil {
		return fmt.Errorf("opening input %q: %w", s.cfg.Input, err)
	}
	s.source = src

	streams := src.Streams()
	for _, desc := range streams {
		s.logger.Debug("input stream", slog.String("stream", desc.String()))
		if desc.Kind == media.KindVideo && s.videoIndex < 0 {
			s.videoIndex = desc.Index
		}
	}
	if len(streams) == 0 {
		return fmt.Errorf("opening input %q: no streams", s.cfg.Input)
	}

	mode := s.cfg.Mode()
	if mode == ModeTransform && s.videoIndex < 0 {
		return ErrNoVideoStream
	}

	var videoIn media.StreamDescriptor
	if mode == ModeTransform {
		videoIn = streams[s.indexOf(streams, s.videoIndex)]
		if err := s.openCodecs(ctx, videoIn); err != nil {
			return err
		}
	}

	sink, err := s.backend.OpenSink(ctx, s.cfg.Output, s.cfg.Format, s.cfg.OutputOptions)
	if err != nil {
		return fmt.Errorf("opening output %q: %w", s.cfg.Output, err)
	}
	s.sink = sink

	s.router = &Router{
		table:       make(map[int]route, len(streams)),
		sync:        s.sync,
		passthrough: &passthroughPath{sink: sink, sync: s.sync, stats: &s.stats},
		stats:       &s.stats,
		logger:      s.logger,
	}

	for i, in := range streams {
		kind := routePassthrough
		want := in
		if mode == ModeTransform && in.Index == s.videoIndex {
			kind = routeTransform
			want = s.enc.Descriptor()
		}
		want.Index = i

		out, err := sink.AddStream(want)
		if err != nil {
			return fmt.Errorf("adding output stream for %s: %w", in, err)
		}
		s.router.add(kind, in, out)

		if kind == routeTransform {
			s.transform = &transformPath{
				dec:     s.dec,
				overlay: s.overlay,
				enc:     s.enc,
				sink:    sink,
				sync:    s.sync,
				stats:   &s.stats,
				logger:  s.logger,
				in:      in,
				out:     out,
			}
			s.router.transform = s.transform
		}
	}

	if err := sink.WriteHeader(s.cfg.OutputOptions); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	clock := streams[0]
	if s.videoIndex >= 0 {
		clock = streams[s.indexOf(streams, s.videoIndex)]
	}
	s.pacer = newPacer(s.cfg.Paced(), clock)

	var reporters []ResourceReporter
	for _, c := range []any{s.source, s.sink, s.dec, s.overlay, s.enc} {
		if r, ok := c.(ResourceReporter); ok {
			reporters = append(reporters, r)
		}
	}
	s.reporters.Store(&reporters)
	return nil
}

func (s *Session) indexOf(streams []media.StreamDescriptor, index int) int {
	for i, d := range streams {
		if d.Index == index {
			return i
		}
	}
	return 0
}

func (s *Session) openCodecs(ctx context.Context, video media.StreamDescriptor) error {
	dec, err := s.backend.OpenDecoder(ctx, video)
	if err != nil {
		return fmt.Errorf("opening decoder: %w", err)
	}
	s.dec = dec

	overlay, err := s.backend.OpenOverlay(ctx, video, s.cfg.OSD)
	if err != nil {
		return fmt.Errorf("opening overlay: %w", err)
	}
	s.overlay = overlay

	enc, err := s.backend.OpenEncoder(ctx, video)
	if err != nil {
		return fmt.Errorf("opening encoder: %w", err)
	}
	s.enc = enc
	return nil
}

func (s *Session) loop(ctx context.Context) error {
	readCtx, cancel := s.stop.Context(ctx)
	defer cancel()

	for {
		if s.stop.Requested() || readCtx.Err() != nil {
			s.logger.Info("stop requested")
			return nil
		}

		pkt, err := s.source.ReadPacket(readCtx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("end of input")
				return nil
			}
			if readCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}
		// A packet read while a stop was being requested is not routed.
		if s.stop.Requested() {
			return nil
		}
		s.stats.PacketsRead.Add(1)

		if err := s.pacer.wait(readCtx, pkt); err != nil {
			return nil
		}

		if err := s.router.Route(pkt); err != nil {
			if errors.Is(err, ErrOutputWrite) {
				return err
			}
			s.stats.PacketErrors.Add(1)
			s.logger.Warn("packet failed", slog.String("error", err.Error()))
		}
	}
}

// drain flushes the transform path and writes the trailer. The trailer is
// attempted even when the flush fails.
func (s *Session) drain() error {
	var flushErr error
	if s.transform != nil {
		flushErr = s.transform.flush()
	}
	var trailerErr error
	if err := s.sink.WriteTrailer(); err != nil {
		trailerErr = fmt.Errorf("writing trailer: %w", err)
	}
	return errors.Join(flushErr, trailerErr)
}

// closeAll releases every collaborator that was opened, in pipeline order.
func (s *Session) closeAll() {
	type closer interface{ Close() error }
	for _, c := range []struct {
		name string
		c    closer
	}{
		{"decoder", s.dec},
		{"overlay", s.overlay},
		{"encoder", s.enc},
		{"output", s.sink},
		{"input", s.source},
	} {
		if c.c == nil {
			continue
		}
		if err := c.c.Close(); err != nil {
			s.logger.Warn("close failed", slog.String("collaborator", c.name), slog.String("error", err.Error()))
		}
	}
	s.dec, s.overlay, s.enc, s.sink, s.source = nil, nil, nil, nil, nil
}
