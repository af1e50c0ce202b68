package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jmylchreest/osdrelay/internal/ffmpeg"
	"github.com/jmylchreest/osdrelay/internal/observability"
	"github.com/jmylchreest/osdrelay/internal/pipeline"
)

const remuxStopTimeout = 2 * time.Second

// remuxer reads MPEG-TS from an FFmpeg process copying every stream of an
// input it cannot read natively.
type remuxer struct {
	cmd    *ffmpeg.Command
	stdout io.Reader

	closeOnce sync.Once
	closeErr  error
}

func startRemuxer(ctx context.Context, uri string, opts Options) (*remuxer, error) {
	binary, err := ffmpeg.Locate(opts.FFmpegBinary)
	if err != nil {
		return nil, fmt.Errorf("input %s needs ffmpeg: %w", observability.RedactURL(uri), err)
	}

	cmd := ffmpeg.NewCommandBuilder(binary).
		LogLevel(opts.FFmpegLogLevel).
		HideBanner().
		InputOptions(opts.InputOptions).
		Input(uri).
		OutputArgs("-map", "0:v?", "-map", "0:a?", "-c", "copy").
		Format("mpegts").
		StderrLogPath(opts.StderrLogPath).
		Output(ffmpeg.PipeStdout).
		Build().
		WithLogger(opts.Logger)

	if err := cmd.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting input remuxer: %w", err)
	}
	return &remuxer{cmd: cmd, stdout: cmd.Stdout()}, nil
}

func (r *remuxer) Read(p []byte) (int, error) {
	n, err := r.stdout.Read(p)
	if errors.Is(err, io.EOF) {
		if waitErr := r.cmd.Wait(); waitErr != nil {
			return n, fmt.Errorf("input remuxer: %w", waitErr)
		}
	}
	return n, err
}

// Close stops the child.
func (r *remuxer) Close() error {
	r.closeOnce.Do(func() {
		_ = r.cmd.Kill()
		err := r.cmd.Stop(remuxStopTimeout)
		// Killed on purpose.
		var exitErr interface{ ExitCode() int }
		if errors.As(err, &exitErr) {
			err = nil
		}
		r.closeErr = err
	})
	return r.closeErr
}

func (r *remuxer) Resources() []pipeline.Resource {
	stats, err := r.cmd.Stats()
	if err != nil {
		return nil
	}
	return []pipeline.Resource{{
		Name:       "input",
		PID:        stats.PID,
		CPUPercent: stats.CPUPercent,
		RSSBytes:   stats.RSSBytes,
	}}
}
