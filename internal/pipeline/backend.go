package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/jmylchreest/osdrelay/internal/config"
	"github.com/jmylchreest/osdrelay/internal/media"
)

// Backend opens the collaborators a session drives.
type Backend interface {
	OpenSource(ctx context.Context, uri string, options map[string]string) (media.Source, error)
	OpenSink(ctx context.Context, uri, kind string, options map[string]string) (media.Sink, error)
	OpenDecoder(ctx context.Context, desc media.StreamDescriptor) (media.Decoder, error)
	OpenOverlay(ctx context.Context, desc media.StreamDescriptor, text string) (media.Overlay, error)
	OpenEncoder(ctx context.Context, in media.StreamDescriptor) (media.Encoder, error)
	// SupportsContainer reports whether OpenSink can write kind.
	SupportsContainer(kind string) bool
}

// Mode selects how video is handled.
type Mode int

const (
	// ModeRemux forwards every stream unchanged.
	ModeRemux Mode = iota
	// ModeTransform re-renders video through the overlay.
	ModeTransform
)

// String returns the mode name.
func (m Mode) String() string {
	if m == ModeTransform {
		return "transform"
	}
	return "remux"
}

// SessionConfig is everything needed to start one session.
type SessionConfig struct {
	Input         string            `json:"input"`
	InputOptions  map[string]string `json:"input_options,omitempty"`
	Output        string            `json:"output"`
	Format        string            `json:"format"`
	OutputOptions map[string]string `json:"output_options,omitempty"`
	// OSD is the overlay text. Empty selects remux-only.
	OSD      string `json:"osd"`
	Realtime string `json:"realtime"`
}

// SessionConfigFrom builds a session configuration from the pipeline section.
func SessionConfigFrom(p config.PipelineConfig, osd string) SessionConfig {
	return SessionConfig{
		Input:         p.Input,
		InputOptions:  p.InputOptions,
		Output:        p.Output,
		Format:        p.Format,
		OutputOptions: p.OutputOptions,
		OSD:           osd,
		Realtime:      p.Realtime,
	}
}

// WithOSD returns a copy of c with the overlay text replaced.
func (c SessionConfig) WithOSD(osd string) SessionConfig {
	c.OSD = osd
	return c
}

// Mode derives the session mode from the overlay text.
func (c SessionConfig) Mode() Mode {
	if c.OSD == "" {
		return ModeRemux
	}
	return ModeTransform
}

// Validate checks the fields a session cannot start without.
func (c SessionConfig) Validate() error {
	if strings.TrimSpace(c.Input) == "" {
		return fmt.Errorf("%w: input is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Output) == "" {
		return fmt.Errorf("%w: output is required", ErrInvalidConfig)
	}
	if c.Format == "" {
		return fmt.Errorf("%w: format is required", ErrInvalidConfig)
	}
	switch c.Realtime {
	case "", config.RealtimeAuto, config.RealtimeAlways, config.RealtimeNever:
	default:
		return fmt.Errorf("%w: realtime must be one of auto, always, never", ErrInvalidConfig)
	}
	return nil
}

// Paced reports whether reads should be paced to wall-clock time.
func (c SessionConfig) Paced() bool {
	switch c.Realtime {
	case config.RealtimeAlways:
		return true
	case config.RealtimeNever:
		return false
	default:
		return IsLocalInput(c.Input)
	}
}

// IsLocalInput reports whether uri names a local file.
func IsLocalInput(uri string) bool {
	if uri == "" || uri == "-" {
		return false
	}
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	// Single-letter schemes are Windows drive letters.
	return u.Scheme == "" || u.Scheme == "file" || len(u.Scheme) == 1
}
