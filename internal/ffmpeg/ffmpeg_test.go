package ffmpeg

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipIfMissing(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not installed", name)
	}
	return path
}

func TestCommandBuilder_Build(t *testing.T) {
	cmd := NewCommandBuilder("/usr/bin/ffmpeg").
		LogLevel("warning").
		HideBanner().
		InputOptions(map[string]string{"rtsp_transport": "tcp", "max_delay": "500"}).
		Input("rtsp://camera/stream").
		VideoCodec("copy").
		OutputArgs("-c:a", "copy").
		Format("mpegts").
		Output(PipeStdout).
		Build()

	assert.Equal(t, []string{
		"-loglevel", "warning",
		"-hide_banner", "-nostdin",
		"-max_delay", "500",
		"-rtsp_transport", "tcp",
		"-i", "rtsp://camera/stream",
		"-c:v", "copy",
		"-c:a", "copy",
		"-f", "mpegts",
		"pipe:1",
	}, cmd.Args)
	assert.Equal(t, "/usr/bin/ffmpeg -loglevel warning -hide_banner -nostdin -max_delay 500 -rtsp_transport tcp -i rtsp://camera/stream -c:v copy -c:a copy -f mpegts pipe:1", cmd.String())
}

func TestCommandBuilder_EmptyValuesSkipped(t *testing.T) {
	cmd := NewCommandBuilder("ffmpeg").
		LogLevel("").
		Input(PipeStdin).
		VideoFilter("format=yuv420p").
		VideoBitrate("").
		VideoPreset("").
		OutputOptions(map[string]string{"-movflags": "+faststart"}).
		Output("out.mp4").
		Build()

	assert.Equal(t, []string{
		"-loglevel", "error",
		"-i", "pipe:0",
		"-vf", "format=yuv420p",
		"-movflags", "+faststart",
		"out.mp4",
	}, cmd.Args)
}

func TestParseVersion(t *testing.T) {
	out := "ffmpeg version n7.1-3-gabc Copyright (c) 2000-2024 the FFmpeg developers\n" +
		"built with gcc 14\n" +
		"configuration: --enable-gpl --enable-libx264\n"

	info, err := parseVersion(out)
	require.NoError(t, err)
	assert.Equal(t, "n7.1-3-gabc", info.Full)
	assert.Equal(t, 7, info.Major)
	assert.Equal(t, 1, info.Minor)
	assert.Equal(t, "--enable-gpl --enable-libx264", info.Configuration)

	_, err = parseVersion("not ffmpeg")
	assert.Error(t, err)
}

func TestLocate_ConfiguredPathMustExist(t *testing.T) {
	_, err := Locate("/nonexistent/ffmpeg")
	assert.ErrorIs(t, err, ErrNotFound)
}

// cat stands in for ffmpeg to exercise the pipe plumbing.
func TestCommand_PipesStdinToStdout(t *testing.T) {
	catPath := skipIfMissing(t, "cat")

	cmd := NewCommandBuilder(catPath).Build()
	cmd.Args = nil
	cmd.Input, cmd.Output = PipeStdin, PipeStdout

	require.NoError(t, cmd.Start(context.Background()))
	assert.NotZero(t, cmd.PID())

	go func() {
		_, _ = cmd.Stdin().Write([]byte("transport stream"))
		_ = cmd.Stdin().Close()
	}()

	out, err := io.ReadAll(cmd.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "transport stream", string(out))
	require.NoError(t, cmd.Wait())
	require.NoError(t, cmd.Wait())
}

func TestCommand_CapturesStderr(t *testing.T) {
	shPath := skipIfMissing(t, "sh")
	logPath := filepath.Join(t.TempDir(), "ffmpeg.log")

	cmd := NewCommandBuilder(shPath).StderrLogPath(logPath).Build()
	cmd.Args = []string{"-c", "echo first >&2; echo 'Invalid data found' >&2; exit 1"}

	require.NoError(t, cmd.Start(context.Background()))
	err := cmd.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid data found")
	assert.Equal(t, []string{"first", "Invalid data found"}, cmd.StderrLines())

	data, readErr := os.ReadFile(logPath)
	require.NoError(t, readErr)
	assert.Contains(t, string(data), "Invalid data found")
}

func TestCommand_StopEscalatesToKill(t *testing.T) {
	shPath := skipIfMissing(t, "sh")

	cmd := NewCommandBuilder(shPath).Build()
	cmd.Args = []string{"-c", "trap '' INT; exec sleep 30"}
	require.NoError(t, cmd.Start(context.Background()))

	start := time.Now()
	err := cmd.Stop(50 * time.Millisecond)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCommand_StatsBeforeStart(t *testing.T) {
	cmd := NewCommandBuilder("ffmpeg").Build()
	_, err := cmd.Stats()
	assert.Error(t, err)
	assert.Zero(t, cmd.PID())
	assert.NoError(t, cmd.Stop(time.Second))
}

func TestStatsForPID_Self(t *testing.T) {
	stats, err := StatsForPID(os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), stats.PID)
	assert.Positive(t, stats.RSSBytes)
}
