package codec

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/osdrelay/internal/config"
	"github.com/jmylchreest/osdrelay/internal/ffmpeg"
	"github.com/jmylchreest/osdrelay/internal/pipeline"
)

// ErrClosed is returned by operations on a closed decoder or encoder.
var ErrClosed = errors.New("codec closed")

// stopTimeout bounds how long Close waits for a child to exit after its
// stdin is closed.
const stopTimeout = 5 * time.Second

// Config configures the FFmpeg child processes.
type Config struct {
	// Binary is the resolved ffmpeg path.
	Binary        string
	LogLevel      string
	StderrLogPath string
	Encoder       config.EncoderConfig
	Logger        *slog.Logger
}

// child is a running FFmpeg process plus the goroutines reading its output.
type child struct {
	name  string
	cmd   *ffmpeg.Command
	group *errgroup.Group
}

func (c *child) Resources() []pipeline.Resource {
	stats, err := c.cmd.Stats()
	if err != nil {
		return nil
	}
	return []pipeline.Resource{{
		Name:       c.name,
		PID:        stats.PID,
		CPUPercent: stats.CPUPercent,
		RSSBytes:   stats.RSSBytes,
	}}
}

// shutdown stops the process and waits for the readers.
func (c *child) shutdown() error {
	stopErr := c.cmd.Stop(stopTimeout)
	readErr := c.group.Wait()
	if stopErr != nil {
		return fmt.Errorf("stopping %s: %w", c.name, stopErr)
	}
	return readErr
}

// ignoreBrokenPipe drops the error of writing to a child that already exited.
func ignoreBrokenPipe(err error) error {
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}
