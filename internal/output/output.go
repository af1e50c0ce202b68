// Package output opens pipeline sinks by container kind.
//
// MPEG-TS, FLV and HLS are muxed in process. FLV goes to a file or stream
// destination, or is published to an RTMP server when the output is an
// rtmp:// URL. HLS playlists are served from a Registry. The remaining
// container kinds are written by an FFmpeg child fed with MPEG-TS.
package output

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmylchreest/osdrelay/internal/config"
	"github.com/jmylchreest/osdrelay/internal/media"
	"github.com/jmylchreest/osdrelay/internal/observability"
	"github.com/jmylchreest/osdrelay/internal/pipeline"
)

// Container kinds muxed in process.
const (
	KindMPEGTS = "mpegts"
	KindFLV    = "flv"
	KindHLS    = "hls"
)

// remuxKinds are written by an FFmpeg child.
var remuxKinds = map[string]bool{
	"mp4":      true,
	"mov":      true,
	"matroska": true,
	"nut":      true,
}

// Options configures how outputs are opened.
type Options struct {
	HLS config.HLSConfig
	// Registry serves HLS outputs. A kind of hls fails without one.
	Registry *Registry

	FFmpegBinary   string
	FFmpegLogLevel string
	StderrLogPath  string

	Logger *slog.Logger
}

// SupportsKind reports whether Open can write kind.
func SupportsKind(kind string) bool {
	switch normalizeKind(kind) {
	case KindMPEGTS, KindFLV, KindHLS:
		return true
	default:
		return remuxKinds[normalizeKind(kind)]
	}
}

func normalizeKind(kind string) string {
	switch k := strings.ToLower(strings.TrimSpace(kind)); k {
	case "ts", "mpeg-ts":
		return KindMPEGTS
	case "mkv":
		return "matroska"
	default:
		return k
	}
}

// Open opens a sink writing kind to uri.
func Open(ctx context.Context, uri, kind string, options map[string]string, opts Options) (media.Sink, error) {
	if opts.Logger == nil {
		opts.Logger = observability.Discard()
	}
	logger := observability.WithComponent(opts.Logger, "output").With(
		slog.String("format", kind),
		slog.String("output", observability.RedactURL(uri)),
	)

	switch k := normalizeKind(kind); {
	case k == KindMPEGTS:
		dest, err := openDest(ctx, uri)
		if err != nil {
			return nil, err
		}
		return newTSSink(dest, logger), nil

	case k == KindFLV:
		if isRTMP(uri) {
			pub, err := dialRTMP(ctx, uri, logger)
			if err != nil {
				return nil, err
			}
			return newFLVSink(pub, logger), nil
		}
		dest, err := openDest(ctx, uri)
		if err != nil {
			return nil, err
		}
		return newFLVSink(newFLVFile(dest), logger), nil

	case k == KindHLS:
		if opts.Registry == nil {
			return nil, fmt.Errorf("hls output %q: no playlist registry", uri)
		}
		return newHLSSink(uri, opts.HLS, opts.Registry, logger)

	case remuxKinds[k]:
		return startRemuxSink(ctx, uri, k, options, opts, logger)

	default:
		return nil, fmt.Errorf("%w: %q", pipeline.ErrUnsupportedContainer, kind)
	}
}

func isRTMP(uri string) bool {
	return strings.HasPrefix(strings.ToLower(uri), "rtmp://")
}
