package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/osdrelay/internal/observability"
)

// Pipe endpoints understood by Command.
const (
	PipeStdin  = "pipe:0"
	PipeStdout = "pipe:1"
)

const maxStderrLines = 100

// CommandBuilder builds FFmpeg commands with a fluent API.
type CommandBuilder struct {
	binary        string
	globalArgs    []string
	inputArgs     []string
	input         string
	filterArgs    []string
	outputArgs    []string
	output        string
	logLevel      string
	stderrLogPath string
}

// NewCommandBuilder creates a new FFmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the FFmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	if level != "" {
		b.logLevel = level
	}
	return b
}

// HideBanner hides the FFmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner", "-nostdin")
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// InputArgs adds arbitrary input arguments.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// InputOptions adds each option as "-key value", in key order.
func (b *CommandBuilder) InputOptions(opts map[string]string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, optionArgs(opts)...)
	return b
}

// VideoCodec sets the video codec.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// VideoBitrate sets the video bitrate.
func (b *CommandBuilder) VideoBitrate(bitrate string) *CommandBuilder {
	if bitrate != "" {
		b.outputArgs = append(b.outputArgs, "-b:v", bitrate)
	}
	return b
}

// VideoPreset sets the encoding preset.
func (b *CommandBuilder) VideoPreset(preset string) *CommandBuilder {
	if preset != "" {
		b.outputArgs = append(b.outputArgs, "-preset", preset)
	}
	return b
}

// VideoFilter adds a video filter.
func (b *CommandBuilder) VideoFilter(filter string) *CommandBuilder {
	b.filterArgs = append(b.filterArgs, filter)
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// OutputOptions adds each option as "-key value", in key order.
func (b *CommandBuilder) OutputOptions(opts map[string]string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, optionArgs(opts)...)
	return b
}

// Format sets the output container format.
func (b *CommandBuilder) Format(format string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-f", format)
	return b
}

// StderrLogPath sets a file path to append FFmpeg stderr output to.
func (b *CommandBuilder) StderrLogPath(path string) *CommandBuilder {
	b.stderrLogPath = path
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

func optionArgs(opts map[string]string) []string {
	var args []string
	for _, key := range slices.Sorted(maps.Keys(opts)) {
		args = append(args, "-"+strings.TrimPrefix(key, "-"), opts[key])
	}
	return args
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	var args []string

	args = append(args, "-loglevel", b.logLevel)
	args = append(args, b.globalArgs...)

	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)

	if len(b.filterArgs) > 0 {
		args = append(args, "-vf", strings.Join(b.filterArgs, ","))
	}

	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return &Command{
		Binary:        b.binary,
		Args:          args,
		Input:         b.input,
		Output:        b.output,
		stderrLogPath: b.stderrLogPath,
		stderrLines:   make([]string, 0, maxStderrLines),
		logger:        observability.Discard(),
	}
}

// Command is one FFmpeg child process. Stdin and stdout are piped when the
// input is PipeStdin and the output is PipeStdout.
type Command struct {
	Binary string
	Args   []string
	Input  string
	Output string

	mu      sync.RWMutex
	cmd     *exec.Cmd
	started time.Time
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	logger  *slog.Logger

	stderrW       *io.PipeWriter
	stderrDone    chan struct{}
	stderrLogPath string
	stderrLines   []string
	stderrMu      sync.RWMutex

	waitOnce sync.Once
	waitErr  error
}

// WithLogger sets the logger used for process lifecycle messages.
func (c *Command) WithLogger(logger *slog.Logger) *Command {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// String returns the command as a string.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Start starts the process without waiting.
func (c *Command) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return fmt.Errorf("command already started")
	}
	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)

	if c.Input == PipeStdin || c.Input == "-" {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("getting stdin pipe: %w", err)
		}
		c.stdin = stdin
	}
	if c.Output == PipeStdout || c.Output == "-" {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("getting stdout pipe: %w", err)
		}
		c.stdout = stdout
	}

	// exec copies stderr into the pipe writer and Wait waits for that copy,
	// so no line is lost when the process exits.
	stderrR, stderrW := io.Pipe()
	cmd.Stderr = stderrW
	c.stderrW = stderrW
	c.stderrDone = make(chan struct{})

	if err := cmd.Start(); err != nil {
		_ = stderrW.Close()
		return fmt.Errorf("starting ffmpeg: %w", err)
	}
	c.cmd = cmd
	c.started = time.Now()

	go c.captureStderr(stderrR)

	c.logger.Debug("ffmpeg started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("command", c.String()),
	)
	return nil
}

// Stdin returns the write end of the process's stdin, or nil.
func (c *Command) Stdin() io.WriteCloser {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stdin
}

// Stdout returns the read end of the process's stdout, or nil.
func (c *Command) Stdout() io.Reader {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stdout
}

// PID returns the process id, or 0 before Start.
func (c *Command) PID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Duration returns how long the command has been running.
func (c *Command) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.started.IsZero() {
		return 0
	}
	return time.Since(c.started)
}

// Wait waits for the process to exit. Stdout must have been read to EOF
// first. It may be called more than once.
func (c *Command) Wait() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()
	if cmd == nil {
		return fmt.Errorf("command not started")
	}

	c.waitOnce.Do(func() {
		c.waitErr = cmd.Wait()
		_ = c.stderrW.Close()
		<-c.stderrDone
		if c.waitErr != nil {
			if last := c.LastStderr(); last != "" {
				c.waitErr = fmt.Errorf("%w: %s", c.waitErr, last)
			}
		}
	})
	return c.waitErr
}

// Kill terminates the process.
func (c *Command) Kill() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// Stop waits up to timeout for the process to exit by itself, then
// interrupts it, then kills it.
func (c *Command) Stop(timeout time.Duration) error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		c.logger.Warn("ffmpeg did not exit in time, sending SIGINT", slog.Int("pid", cmd.Process.Pid))
		_ = cmd.Process.Signal(os.Interrupt)
	}

	select {
	case err := <-done:
		return err
	case <-time.After(500 * time.Millisecond):
		c.logger.Warn("ffmpeg did not respond to SIGINT, killing", slog.Int("pid", cmd.Process.Pid))
		_ = cmd.Process.Kill()
	}

	select {
	case err := <-done:
		return err
	case <-time.After(500 * time.Millisecond):
		c.logger.Error("ffmpeg could not be killed", slog.Int("pid", cmd.Process.Pid))
		return fmt.Errorf("ffmpeg pid %d did not exit", cmd.Process.Pid)
	}
}

// captureStderr keeps the last lines of stderr and optionally appends them
// to a log file.
func (c *Command) captureStderr(stderr io.Reader) {
	defer close(c.stderrDone)

	var logFile *os.File
	if c.stderrLogPath != "" {
		var err error
		logFile, err = os.OpenFile(c.stderrLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			c.logger.Warn("failed to open ffmpeg log file",
				slog.String("path", c.stderrLogPath),
				slog.String("error", err.Error()),
			)
		} else {
			defer logFile.Close()
			fmt.Fprintf(logFile, "\n=== FFmpeg session started at %s ===\n", time.Now().Format(time.RFC3339))
			fmt.Fprintf(logFile, "Command: %s\n\n", c.String())
		}
	}

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()

		c.stderrMu.Lock()
		if len(c.stderrLines) >= maxStderrLines {
			c.stderrLines = c.stderrLines[1:]
		}
		c.stderrLines = append(c.stderrLines, line)
		c.stderrMu.Unlock()

		if logFile != nil {
			fmt.Fprintln(logFile, line)
		}
	}
	// Drain anything left after an over-long line.
	_, _ = io.Copy(io.Discard, stderr)

	if logFile != nil {
		fmt.Fprintf(logFile, "\n=== FFmpeg session ended at %s ===\n", time.Now().Format(time.RFC3339))
	}
}

// StderrLines returns the recent stderr lines.
func (c *Command) StderrLines() []string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()
	return slices.Clone(c.stderrLines)
}

// LastStderr returns the most recent stderr line, or "".
func (c *Command) LastStderr() string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()
	if len(c.stderrLines) == 0 {
		return ""
	}
	return c.stderrLines[len(c.stderrLines)-1]
}
