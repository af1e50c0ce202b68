// Package engine implements pipeline.Backend with the native demuxer and
// muxers, FFmpeg child-process codecs and the text overlay.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jmylchreest/osdrelay/internal/codec"
	"github.com/jmylchreest/osdrelay/internal/config"
	"github.com/jmylchreest/osdrelay/internal/ffmpeg"
	"github.com/jmylchreest/osdrelay/internal/ingest"
	"github.com/jmylchreest/osdrelay/internal/media"
	"github.com/jmylchreest/osdrelay/internal/observability"
	"github.com/jmylchreest/osdrelay/internal/output"
	"github.com/jmylchreest/osdrelay/internal/overlay"
	"github.com/jmylchreest/osdrelay/internal/pipeline"
	"github.com/jmylchreest/osdrelay/internal/tsio"
)

// Engine opens pipeline collaborators from the application configuration.
type Engine struct {
	cfg      *config.Config
	registry *output.Registry
	logger   *slog.Logger

	ffmpegOnce sync.Once
	ffmpegPath string
	ffmpegErr  error
}

var _ pipeline.Backend = (*Engine)(nil)

// New creates an engine. registry serves HLS outputs and may be nil when
// none are wanted.
func New(cfg *config.Config, registry *output.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Engine{cfg: cfg, registry: registry, logger: logger}
}

// ffmpeg resolves the FFmpeg binary once.
func (e *Engine) ffmpeg() (string, error) {
	e.ffmpegOnce.Do(func() {
		e.ffmpegPath, e.ffmpegErr = ffmpeg.Locate(e.cfg.FFmpeg.BinaryPath)
		if e.ffmpegErr == nil {
			e.logger.Debug("using ffmpeg", slog.String("path", e.ffmpegPath))
		}
	})
	return e.ffmpegPath, e.ffmpegErr
}

// loggerFor tags the engine logger with the session carried by ctx.
func (e *Engine) loggerFor(ctx context.Context) *slog.Logger {
	if id := observability.SessionIDFromContext(ctx); id != "" {
		return observability.WithSession(e.logger, id)
	}
	return e.logger
}

func (e *Engine) codecConfig(ctx context.Context, binary string) codec.Config {
	return codec.Config{
		Binary:        binary,
		LogLevel:      e.cfg.FFmpeg.LogLevel,
		StderrLogPath: e.cfg.FFmpeg.StderrLogPath,
		Encoder:       e.cfg.Encoder,
		Logger:        e.loggerFor(ctx),
	}
}

// source is a demuxed input that reports the input's child process.
type source struct {
	*tsio.Source
	input *ingest.Input
}

func (s *source) Resources() []pipeline.Resource {
	return s.input.Resources()
}

// OpenSource opens uri and demuxes it. options are the input options of the
// session.
func (e *Engine) OpenSource(ctx context.Context, uri string, options map[string]string) (media.Source, error) {
	in, err := ingest.Open(ctx, uri, ingest.Options{
		InputOptions:   options,
		FFmpegBinary:   e.cfg.FFmpeg.BinaryPath,
		FFmpegLogLevel: e.cfg.FFmpeg.LogLevel,
		StderrLogPath:  e.cfg.FFmpeg.StderrLogPath,
		HTTP:           ingest.DefaultHTTPConfig(),
		Logger:         e.loggerFor(ctx),
	})
	if err != nil {
		return nil, err
	}

	src, err := tsio.NewSource(ctx, in, tsio.SourceConfig{
		Logger:    observability.WithComponent(e.loggerFor(ctx), "demuxer"),
		ProbeSize: e.cfg.Pipeline.ProbeSize,
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s input: %w", in.Kind, err)
	}
	return &source{Source: src, input: in}, nil
}

// OpenSink opens an output of kind at uri.
func (e *Engine) OpenSink(ctx context.Context, uri, kind string, options map[string]string) (media.Sink, error) {
	return output.Open(ctx, uri, kind, options, output.Options{
		HLS:            e.cfg.HLS,
		Registry:       e.registry,
		FFmpegBinary:   e.cfg.FFmpeg.BinaryPath,
		FFmpegLogLevel: e.cfg.FFmpeg.LogLevel,
		StderrLogPath:  e.cfg.FFmpeg.StderrLogPath,
		Logger:         e.loggerFor(ctx),
	})
}

// OpenDecoder starts a video decoder for desc.
func (e *Engine) OpenDecoder(ctx context.Context, desc media.StreamDescriptor) (media.Decoder, error) {
	binary, err := e.ffmpeg()
	if err != nil {
		return nil, err
	}
	return codec.NewDecoder(ctx, desc, e.codecConfig(ctx, binary))
}

// OpenOverlay prepares the text overlay for frames of desc.
func (e *Engine) OpenOverlay(ctx context.Context, desc media.StreamDescriptor, text string) (media.Overlay, error) {
	return overlay.New(desc, text, overlay.Config{
		OverlayConfig: e.cfg.Overlay,
		Logger:        e.loggerFor(ctx),
	})
}

// OpenEncoder starts a video encoder producing frames of the size and rate
// of in.
func (e *Engine) OpenEncoder(ctx context.Context, in media.StreamDescriptor) (media.Encoder, error) {
	binary, err := e.ffmpeg()
	if err != nil {
		return nil, err
	}
	return codec.NewEncoder(ctx, in, e.codecConfig(ctx, binary))
}

// SupportsContainer reports whether an output of kind can be opened. HLS
// needs a registry to serve from.
func (e *Engine) SupportsContainer(kind string) bool {
	if strings.EqualFold(kind, output.KindHLS) && e.registry == nil {
		return false
	}
	return output.SupportsKind(kind)
}
