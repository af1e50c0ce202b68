// Package config provides configuration management for osdrelay using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort         = 8080
	defaultServerTimeout      = 30 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultOutputFormat       = "flv"
	defaultProbeSize          = 4 * 1024 * 1024
	defaultEncoderBitrate     = "2564k"
	defaultEncoderGOP         = 50
	defaultEncoderQMin        = 10
	defaultEncoderQMax        = 51
	defaultEncoderMERange     = 16
	defaultOverlayFontSize    = 50
	defaultOverlayClockFormat = "%a %b %d %Y"
	defaultHLSSegmentCount    = 7
	defaultHLSSegmentDuration = time.Second
)

// Realtime pacing modes.
const (
	RealtimeAuto   = "auto"
	RealtimeAlways = "always"
	RealtimeNever  = "never"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging  LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Pipeline PipelineConfig  `mapstructure:"pipeline" yaml:"pipeline"`
	Encoder  EncoderConfig   `mapstructure:"encoder" yaml:"encoder"`
	Overlay  OverlayConfig   `mapstructure:"overlay" yaml:"overlay"`
	HLS      HLSConfig       `mapstructure:"hls" yaml:"hls"`
	FFmpeg   FFmpegConfig    `mapstructure:"ffmpeg" yaml:"ffmpeg"`
	Schedule []ScheduleEntry `mapstructure:"schedule" yaml:"schedule"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// CORSOrigins lists the browser origins allowed to call the API. Empty
	// serves same-origin callers only.
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// PipelineConfig describes the input and output of a pipeline session.
type PipelineConfig struct {
	Input         string            `mapstructure:"input" yaml:"input"`
	InputOptions  map[string]string `mapstructure:"input_options" yaml:"input_options"`
	Output        string            `mapstructure:"output" yaml:"output"`
	Format        string            `mapstructure:"format" yaml:"format"` // container kind: flv, mpegts, hls, mp4, ...
	OutputOptions map[string]string `mapstructure:"output_options" yaml:"output_options"`
	Realtime      string            `mapstructure:"realtime" yaml:"realtime"` // auto, always, never
	ProbeSize     int               `mapstructure:"probe_size" yaml:"probe_size"`
	// AutostartOSD starts a session when the server starts. Empty text with
	// Autostart set selects remux-only.
	Autostart    bool           `mapstructure:"autostart" yaml:"autostart"`
	AutostartOSD string         `mapstructure:"autostart_osd" yaml:"autostart_osd"`
	Overrides    OverrideConfig `mapstructure:"overrides" yaml:"overrides"`
}

// ErrOverrideNotAllowed is returned when a control-plane request names an
// input, output or format the operator has not listed.
var ErrOverrideNotAllowed = errors.New("override not allowed")

// OverrideConfig lists the values a control-plane request may substitute for
// the configured input, output and format. Empty lists allow no override.
type OverrideConfig struct {
	Inputs  []string `mapstructure:"inputs" yaml:"inputs"`
	Outputs []string `mapstructure:"outputs" yaml:"outputs"`
	Formats []string `mapstructure:"formats" yaml:"formats"`
}

// Check reports whether every non-empty argument is listed. Inputs and
// outputs must match exactly, formats case-insensitively.
func (o OverrideConfig) Check(input, output, format string) error {
	if input != "" && !slices.Contains(o.Inputs, input) {
		return fmt.Errorf("%w: input", ErrOverrideNotAllowed)
	}
	if output != "" && !slices.Contains(o.Outputs, output) {
		return fmt.Errorf("%w: output", ErrOverrideNotAllowed)
	}
	if format != "" && !slices.ContainsFunc(o.Formats, func(f string) bool {
		return strings.EqualFold(f, format)
	}) {
		return fmt.Errorf("%w: format", ErrOverrideNotAllowed)
	}
	return nil
}

// EncoderConfig holds the video encoder settings used by the transform path.
type EncoderConfig struct {
	Codec      string `mapstructure:"codec" yaml:"codec"`
	Bitrate    string `mapstructure:"bitrate" yaml:"bitrate"`
	GOP        int    `mapstructure:"gop" yaml:"gop"`
	MaxBFrames int    `mapstructure:"max_b_frames" yaml:"max_b_frames"`
	QMin       int    `mapstructure:"qmin" yaml:"qmin"`
	QMax       int    `mapstructure:"qmax" yaml:"qmax"`
	MERange    int    `mapstructure:"me_range" yaml:"me_range"`
	Preset     string `mapstructure:"preset" yaml:"preset"`
}

// OverlayConfig holds text overlay rendering settings.
type OverlayConfig struct {
	FontSize    float64 `mapstructure:"font_size" yaml:"font_size"`
	FontFile    string  `mapstructure:"font_file" yaml:"font_file"` // empty = embedded Go Regular
	Color       string  `mapstructure:"color" yaml:"color"`         // name or #rrggbb
	X           int     `mapstructure:"x" yaml:"x"`
	Y           int     `mapstructure:"y" yaml:"y"`
	ClockFormat string  `mapstructure:"clock_format" yaml:"clock_format"` // strftime, empty disables the clock line
}

// HLSConfig holds settings for the built-in HLS output.
type HLSConfig struct {
	Variant            string        `mapstructure:"variant" yaml:"variant"` // mpegts, fmp4, lowlatency
	SegmentCount       int           `mapstructure:"segment_count" yaml:"segment_count"`
	SegmentMinDuration time.Duration `mapstructure:"segment_min_duration" yaml:"segment_min_duration"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath    string `mapstructure:"binary_path" yaml:"binary_path"` // empty = $PATH lookup
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	StderrLogPath string `mapstructure:"stderr_log_path" yaml:"stderr_log_path"`
}

// ScheduleEntry switches the overlay text on a cron schedule.
type ScheduleEntry struct {
	Cron string `mapstructure:"cron" yaml:"cron"`
	OSD  string `mapstructure:"osd" yaml:"osd"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with OSDRELAY_ and use underscores for nesting.
// Example: OSDRELAY_PIPELINE_INPUT=rtsp://camera/stream.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	if err := ReadInto(v, configPath); err != nil {
		return nil, err
	}
	return Unmarshal(v)
}

// ReadInto applies defaults, the config file and the environment to v.
func ReadInto(v *viper.Viper, configPath string) error {
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/osdrelay")
		v.AddConfigPath("$HOME/.osdrelay")
	}

	v.SetEnvPrefix("OSDRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("reading config file: %w", err)
		}
	}
	return nil
}

// Unmarshal decodes and validates the configuration held by v.
func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Pipeline defaults
	v.SetDefault("pipeline.input", "")
	v.SetDefault("pipeline.input_options", map[string]string{
		"rtsp_transport": "tcp",
		"max_delay":      "500",
	})
	v.SetDefault("pipeline.output", "")
	v.SetDefault("pipeline.format", defaultOutputFormat)
	v.SetDefault("pipeline.output_options", map[string]string{})
	v.SetDefault("pipeline.realtime", RealtimeAuto)
	v.SetDefault("pipeline.probe_size", defaultProbeSize)
	v.SetDefault("pipeline.autostart", false)
	v.SetDefault("pipeline.autostart_osd", "")
	v.SetDefault("pipeline.overrides.inputs", []string{})
	v.SetDefault("pipeline.overrides.outputs", []string{})
	v.SetDefault("pipeline.overrides.formats", []string{})

	// Encoder defaults
	v.SetDefault("encoder.codec", "libx264")
	v.SetDefault("encoder.bitrate", defaultEncoderBitrate)
	v.SetDefault("encoder.gop", defaultEncoderGOP)
	v.SetDefault("encoder.max_b_frames", 0)
	v.SetDefault("encoder.qmin", defaultEncoderQMin)
	v.SetDefault("encoder.qmax", defaultEncoderQMax)
	v.SetDefault("encoder.me_range", defaultEncoderMERange)
	v.SetDefault("encoder.preset", "veryfast")

	// Overlay defaults
	v.SetDefault("overlay.font_size", defaultOverlayFontSize)
	v.SetDefault("overlay.font_file", "")
	v.SetDefault("overlay.color", "red")
	v.SetDefault("overlay.x", 0)
	v.SetDefault("overlay.y", 0)
	v.SetDefault("overlay.clock_format", defaultOverlayClockFormat)

	// HLS defaults
	v.SetDefault("hls.variant", "mpegts")
	v.SetDefault("hls.segment_count", defaultHLSSegmentCount)
	v.SetDefault("hls.segment_min_duration", defaultHLSSegmentDuration)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.log_level", "error")
	v.SetDefault("ffmpeg.stderr_log_path", "")
}

// Validate checks the configuration for errors.
// Pipeline input and output are not required here: they may arrive later via
// CLI flags or the control plane. See PipelineConfig.Validate.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if !slices.Contains([]string{RealtimeAuto, RealtimeAlways, RealtimeNever}, c.Pipeline.Realtime) {
		return fmt.Errorf("pipeline.realtime must be one of: auto, always, never")
	}
	if c.Pipeline.ProbeSize < 0 {
		return fmt.Errorf("pipeline.probe_size must not be negative")
	}

	if c.Encoder.GOP < 1 {
		return fmt.Errorf("encoder.gop must be at least 1")
	}
	if c.Encoder.QMin < 0 || c.Encoder.QMax < c.Encoder.QMin {
		return fmt.Errorf("encoder.qmin/qmax must satisfy 0 <= qmin <= qmax")
	}

	if c.Overlay.FontSize <= 0 {
		return fmt.Errorf("overlay.font_size must be positive")
	}

	if c.HLS.SegmentCount < 1 {
		return fmt.Errorf("hls.segment_count must be at least 1")
	}

	for i, entry := range c.Schedule {
		if strings.TrimSpace(entry.Cron) == "" {
			return fmt.Errorf("schedule[%d].cron is required", i)
		}
	}

	return nil
}

// Validate checks that a pipeline can be started from this configuration.
func (p *PipelineConfig) Validate() error {
	if p.Input == "" {
		return fmt.Errorf("pipeline.input is required")
	}
	if p.Output == "" {
		return fmt.Errorf("pipeline.output is required")
	}
	if p.Format == "" {
		return fmt.Errorf("pipeline.format is required")
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
