// Package ingest opens pipeline inputs as MPEG-TS byte streams.
//
// Files, stdin, HTTP, UDP, TCP and SRT are read natively. Any other scheme
// (rtsp, rtmp, ...) is remuxed to MPEG-TS by an FFmpeg child process with
// the configured input options applied.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/jmylchreest/osdrelay/internal/observability"
	"github.com/jmylchreest/osdrelay/internal/pipeline"
)

// ErrEmptyInput is returned for an empty input URI.
var ErrEmptyInput = errors.New("input is empty")

// Options configures how inputs are opened.
type Options struct {
	// InputOptions are FFmpeg-style demuxer and protocol options. Native
	// readers honor the keys they understand; the remuxer passes all of them.
	InputOptions map[string]string

	FFmpegBinary   string
	FFmpegLogLevel string
	StderrLogPath  string

	HTTP   HTTPConfig
	Logger *slog.Logger
}

// Input is an opened input byte stream.
type Input struct {
	io.ReadCloser
	// Kind names the reader, e.g. "file" or "ffmpeg".
	Kind  string
	child *remuxer
}

// Resources reports the remuxer child process, if any.
func (in *Input) Resources() []pipeline.Resource {
	if in.child == nil {
		return nil
	}
	return in.child.Resources()
}

// Open opens uri for reading.
func Open(ctx context.Context, uri string, opts Options) (*Input, error) {
	if opts.Logger == nil {
		opts.Logger = observability.Discard()
	}
	opts.Logger = observability.WithComponent(opts.Logger, "ingest")

	if uri == "" {
		return nil, ErrEmptyInput
	}
	if uri == "-" {
		return &Input{ReadCloser: io.NopCloser(os.Stdin), Kind: "stdin"}, nil
	}
	if pipeline.IsLocalInput(uri) {
		rc, err := openFile(localPath(uri))
		if err != nil {
			return nil, err
		}
		return &Input{ReadCloser: rc, Kind: "file"}, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing input %q: %w", observability.RedactURL(uri), err)
	}

	var rc io.ReadCloser
	kind := strings.ToLower(u.Scheme)
	switch kind {
	case "http", "https":
		rc, err = openHTTP(ctx, u, opts)
	case "udp":
		rc, err = openUDP(ctx, u, opts)
	case "tcp":
		rc, err = openTCP(ctx, u, opts)
	case "srt":
		rc, err = openSRT(ctx, u, opts)
	default:
		var r *remuxer
		r, err = startRemuxer(ctx, uri, opts)
		if err == nil {
			return &Input{ReadCloser: r, Kind: "ffmpeg", child: r}, nil
		}
	}
	if err != nil {
		return nil, err
	}
	opts.Logger.Debug("input opened", slog.String("kind", kind), slog.String("input", observability.RedactURL(uri)))
	return &Input{ReadCloser: rc, Kind: kind}, nil
}

// localPath strips a file:// scheme.
func localPath(uri string) string {
	if rest, ok := strings.CutPrefix(uri, "file://"); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(uri, "file:"); ok {
		return rest
	}
	return uri
}
