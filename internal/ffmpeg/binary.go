// Package ffmpeg builds and supervises FFmpeg child processes.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// BinaryEnv overrides the ffmpeg binary when no path is configured.
const BinaryEnv = "OSDRELAY_FFMPEG_BINARY"

// ErrNotFound indicates no ffmpeg binary could be located.
var ErrNotFound = errors.New("ffmpeg not found")

// Locate returns the ffmpeg binary to run.
// Search order: configured path -> OSDRELAY_FFMPEG_BINARY -> PATH.
func Locate(configured string) (string, error) {
	for _, candidate := range []string{configured, os.Getenv(BinaryEnv)} {
		if candidate == "" {
			continue
		}
		path, err := exec.LookPath(candidate)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrNotFound, candidate, err)
		}
		return path, nil
	}

	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return path, nil
}

// VersionInfo holds parsed `ffmpeg -version` output.
type VersionInfo struct {
	Full          string `json:"full"`
	Major         int    `json:"major"`
	Minor         int    `json:"minor"`
	Configuration string `json:"configuration,omitempty"`
}

// Version runs `ffmpeg -version` and parses the result.
func Version(ctx context.Context, ffmpegPath string) (*VersionInfo, error) {
	output, err := exec.CommandContext(ctx, ffmpegPath, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("running ffmpeg -version: %w", err)
	}
	return parseVersion(string(output))
}

var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

func parseVersion(output string) (*VersionInfo, error) {
	info := &VersionInfo{}

	for line := range strings.SplitSeq(output, "\n") {
		switch {
		case strings.HasPrefix(line, "ffmpeg version"):
			// "ffmpeg version 6.0 Copyright..." or "ffmpeg version n6.0-2-g..."
			parts := strings.Fields(line)
			if len(parts) >= 3 {
				info.Full = parts[2]
				if m := versionRegex.FindStringSubmatch(parts[2]); len(m) >= 3 {
					info.Major, _ = strconv.Atoi(m[1])
					info.Minor, _ = strconv.Atoi(m[2])
				}
			}
		case strings.HasPrefix(line, "configuration:"):
			info.Configuration = strings.TrimPrefix(line, "configuration: ")
		}
	}

	if info.Full == "" {
		return nil, fmt.Errorf("failed to parse ffmpeg version")
	}
	return info, nil
}
