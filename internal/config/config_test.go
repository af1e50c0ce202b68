package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Pipeline: PipelineConfig{Realtime: RealtimeAuto, Format: "flv"},
		Encoder:  EncoderConfig{GOP: 50, QMin: 10, QMax: 51},
		Overlay:  OverlayConfig{FontSize: 50},
		HLS:      HLSConfig{SegmentCount: 7},
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Server defaults
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Empty(t, cfg.Server.CORSOrigins)
	assert.Empty(t, cfg.Pipeline.Overrides.Outputs)

	// Pipeline defaults mirror the RTSP -> FLV relay setup
	assert.Equal(t, "flv", cfg.Pipeline.Format)
	assert.Equal(t, RealtimeAuto, cfg.Pipeline.Realtime)
	assert.Equal(t, "tcp", cfg.Pipeline.InputOptions["rtsp_transport"])
	assert.Equal(t, "500", cfg.Pipeline.InputOptions["max_delay"])

	// Encoder defaults
	assert.Equal(t, "libx264", cfg.Encoder.Codec)
	assert.Equal(t, "2564k", cfg.Encoder.Bitrate)
	assert.Equal(t, 50, cfg.Encoder.GOP)
	assert.Equal(t, 0, cfg.Encoder.MaxBFrames)
	assert.Equal(t, 10, cfg.Encoder.QMin)
	assert.Equal(t, 51, cfg.Encoder.QMax)
	assert.Equal(t, 16, cfg.Encoder.MERange)

	// Overlay defaults
	assert.InDelta(t, 50.0, cfg.Overlay.FontSize, 0)
	assert.Equal(t, "red", cfg.Overlay.Color)
	assert.Equal(t, "%a %b %d %Y", cfg.Overlay.ClockFormat)

	// Logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  host: "127.0.0.1"
  port: 9090
  read_timeout: 60s
  cors_origins:
    - "https://ops.example"

logging:
  level: "debug"
  format: "text"

pipeline:
  input: "rtsp://camera.local/stream"
  output: "rtmp://live.local/app/key"
  format: "flv"
  realtime: "never"
  overrides:
    outputs:
      - "/srv/media/out.flv"
    formats:
      - "flv"

overlay:
  font_size: 32
  color: "#00ff00"

schedule:
  - cron: "0 * * * *"
    osd: "top of the hour"
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "rtsp://camera.local/stream", cfg.Pipeline.Input)
	assert.Equal(t, "rtmp://live.local/app/key", cfg.Pipeline.Output)
	assert.Equal(t, RealtimeNever, cfg.Pipeline.Realtime)
	assert.Equal(t, []string{"https://ops.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, []string{"/srv/media/out.flv"}, cfg.Pipeline.Overrides.Outputs)
	assert.Equal(t, []string{"flv"}, cfg.Pipeline.Overrides.Formats)
	assert.Empty(t, cfg.Pipeline.Overrides.Inputs)
	assert.InDelta(t, 32.0, cfg.Overlay.FontSize, 0)
	assert.Equal(t, "#00ff00", cfg.Overlay.Color)
	require.Len(t, cfg.Schedule, 1)
	assert.Equal(t, "0 * * * *", cfg.Schedule[0].Cron)
	assert.Equal(t, "top of the hour", cfg.Schedule[0].OSD)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("OSDRELAY_SERVER_PORT", "3000")
	t.Setenv("OSDRELAY_LOGGING_LEVEL", "warn")
	t.Setenv("OSDRELAY_PIPELINE_INPUT", "udp://239.0.0.1:1234")
	t.Setenv("OSDRELAY_PIPELINE_FORMAT", "mpegts")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "udp://239.0.0.1:1234", cfg.Pipeline.Input)
	assert.Equal(t, "mpegts", cfg.Pipeline.Format)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 8080
pipeline:
  format: "hls"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o600))

	t.Setenv("OSDRELAY_SERVER_PORT", "9000")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "hls", cfg.Pipeline.Format)
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [unclosed"), 0o600))

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"realtime mode", func(c *Config) { c.Pipeline.Realtime = "sometimes" }, "pipeline.realtime"},
		{"negative probe size", func(c *Config) { c.Pipeline.ProbeSize = -1 }, "pipeline.probe_size"},
		{"gop", func(c *Config) { c.Encoder.GOP = 0 }, "encoder.gop"},
		{"qmax below qmin", func(c *Config) { c.Encoder.QMax = 5 }, "encoder.qmin"},
		{"font size", func(c *Config) { c.Overlay.FontSize = 0 }, "overlay.font_size"},
		{"hls segments", func(c *Config) { c.HLS.SegmentCount = 0 }, "hls.segment_count"},
		{"schedule without cron", func(c *Config) { c.Schedule = []ScheduleEntry{{OSD: "x"}} }, "schedule[0].cron"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPipelineConfig_Validate(t *testing.T) {
	p := PipelineConfig{Input: "in.ts", Output: "out.flv", Format: "flv"}
	assert.NoError(t, p.Validate())

	p.Input = ""
	assert.ErrorContains(t, p.Validate(), "pipeline.input")

	p = PipelineConfig{Input: "in.ts", Format: "flv"}
	assert.ErrorContains(t, p.Validate(), "pipeline.output")
}

func TestServerConfig_Address(t *testing.T) {
	cfg := ServerConfig{Host: "localhost", Port: 8080}
	assert.Equal(t, "localhost:8080", cfg.Address())
}

func TestOverrideConfig_Check(t *testing.T) {
	o := OverrideConfig{
		Inputs:  []string{"rtsp://camera/backup"},
		Outputs: []string{"/srv/media/out.flv"},
		Formats: []string{"FLV"},
	}

	tests := []struct {
		name                  string
		input, output, format string
		wantErr               bool
	}{
		{name: "no overrides"},
		{name: "listed input", input: "rtsp://camera/backup"},
		{name: "listed output and format", output: "/srv/media/out.flv", format: "flv"},
		{name: "unlisted input", input: "rtsp://camera/other", wantErr: true},
		{name: "unlisted output", output: "/home/user/.bashrc", wantErr: true},
		{name: "unlisted format", format: "mpegts", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := o.Check(tt.input, tt.output, tt.format)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrOverrideNotAllowed)
				return
			}
			assert.NoError(t, err)
		})
	}

	assert.ErrorIs(t, OverrideConfig{}.Check("", "out.ts", ""), ErrOverrideNotAllowed)
}
