package output

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/osdrelay/internal/ffmpeg"
	"github.com/jmylchreest/osdrelay/internal/media"
	"github.com/jmylchreest/osdrelay/internal/pipeline"
	"github.com/jmylchreest/osdrelay/internal/tsio"
)

// remuxStopTimeout bounds how long the muxer child may take to finalize
// the container after its input ends.
const remuxStopTimeout = 30 * time.Second

// remuxSink writes MPEG-TS into an FFmpeg child that copies every stream
// into the target container.
type remuxSink struct {
	*tsio.Sink
	cmd *ffmpeg.Command

	closeOnce sync.Once
	closeErr  error
}

func startRemuxSink(ctx context.Context, uri, kind string, options map[string]string, opts Options, logger *slog.Logger) (*remuxSink, error) {
	binary, err := ffmpeg.Locate(opts.FFmpegBinary)
	if err != nil {
		return nil, fmt.Errorf("%s output needs ffmpeg: %w", kind, err)
	}

	cmd := ffmpeg.NewCommandBuilder(binary).
		LogLevel(opts.FFmpegLogLevel).
		HideBanner().
		InputArgs("-f", "mpegts").
		Input(ffmpeg.PipeStdin).
		OutputArgs("-map", "0", "-c", "copy").
		OutputOptions(options).
		Format(kind).
		StderrLogPath(opts.StderrLogPath).
		Output(uri).
		Build().
		WithLogger(logger)

	if err := cmd.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting %s muxer: %w", kind, err)
	}
	logger.Debug("output muxer started", slog.Int("pid", cmd.PID()))

	return &remuxSink{
		Sink: tsio.NewSink(cmd.Stdin(), logger),
		cmd:  cmd,
	}, nil
}

// WriteTrailer ends the child's input and waits for it to finalize the
// container.
func (s *remuxSink) WriteTrailer() error {
	if err := s.Sink.WriteTrailer(); err != nil {
		return err
	}
	return s.finish()
}

// Close ends the child's input if WriteTrailer did not.
func (s *remuxSink) Close() error {
	return s.finish()
}

func (s *remuxSink) finish() error {
	s.closeOnce.Do(func() {
		closeErr := s.Sink.Close()
		s.closeErr = errors.Join(closeErr, s.cmd.Stop(remuxStopTimeout))
	})
	return s.closeErr
}

// Resources reports the muxer child.
func (s *remuxSink) Resources() []pipeline.Resource {
	stats, err := s.cmd.Stats()
	if err != nil {
		return nil
	}
	return []pipeline.Resource{{
		Name:       "output",
		PID:        stats.PID,
		CPUPercent: stats.CPUPercent,
		RSSBytes:   stats.RSSBytes,
	}}
}

var _ media.Sink = (*remuxSink)(nil)
