package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/osdrelay/internal/config"
	"github.com/jmylchreest/osdrelay/internal/media"
	"github.com/jmylchreest/osdrelay/internal/observability"
	"github.com/jmylchreest/osdrelay/internal/output"
	"github.com/jmylchreest/osdrelay/internal/pipeline"
	"github.com/jmylchreest/osdrelay/internal/tsio"
)

var (
	// 1920x1080 baseline.
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
	}
	testPPS   = []byte{0x68, 0xce, 0x3c, 0x80}
	testIDR   = []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xff}
	testSlice = []byte{0x41, 0x9a, 0x24, 0x6c, 0x42}
	testAAC   = []byte{0x21, 0x10, 0x04, 0x60, 0x8c, 0x1c}
)

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.Unmarshal(v)
	require.NoError(t, err)
	return cfg
}

// writeInput writes a TS file with 25 fps video and 48 kHz AAC audio.
func writeInput(t *testing.T, frames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.ts")
	f, err := os.Create(path)
	require.NoError(t, err)

	sink := tsio.NewSink(f, nil)
	_, err = sink.AddStream(media.StreamDescriptor{Kind: media.KindVideo, Codec: media.CodecH264, Extradata: [][]byte{testSPS, testPPS}})
	require.NoError(t, err)
	_, err = sink.AddStream(media.StreamDescriptor{Kind: media.KindAudio, Codec: media.CodecAAC, SampleRate: 48000, Channels: 2})
	require.NoError(t, err)
	require.NoError(t, sink.WriteHeader(nil))

	for i := range frames {
		ts := int64(90000 + i*3600)
		data := annexB(testSlice)
		if i%25 == 0 {
			data = annexB(testIDR)
		}
		require.NoError(t, sink.WritePacket(&media.Packet{StreamIndex: 0, PTS: media.TS(ts), DTS: media.TS(ts), Keyframe: i%25 == 0, Data: data}))
		require.NoError(t, sink.WritePacket(&media.Packet{StreamIndex: 1, PTS: media.TS(ts), Data: testAAC}))
	}
	require.NoError(t, sink.WriteTrailer())
	require.NoError(t, sink.Close())
	return path
}

func readAll(t *testing.T, path string) (streams []media.StreamDescriptor, counts map[int]int) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	src, err := tsio.NewSource(context.Background(), f, tsio.SourceConfig{})
	require.NoError(t, err)
	defer src.Close()

	counts = make(map[int]int)
	for {
		pkt, err := src.ReadPacket(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		counts[pkt.StreamIndex]++
	}
	return src.Streams(), counts
}

func TestEngine_OpenSource(t *testing.T) {
	e := New(testConfig(t), nil, nil)
	src, err := e.OpenSource(context.Background(), writeInput(t, 30), nil)
	require.NoError(t, err)
	defer src.Close()

	streams := src.Streams()
	require.Len(t, streams, 2)
	assert.Equal(t, media.KindVideo, streams[0].Kind)
	assert.Equal(t, 1920, streams[0].Width)
	assert.Equal(t, 1080, streams[0].Height)
	assert.Equal(t, media.KindAudio, streams[1].Kind)

	r, ok := src.(pipeline.ResourceReporter)
	require.True(t, ok)
	assert.Empty(t, r.Resources(), "files are read without a child process")
}

func TestEngine_OpenSourceMissingFile(t *testing.T) {
	e := New(testConfig(t), nil, nil)
	_, err := e.OpenSource(context.Background(), filepath.Join(t.TempDir(), "missing.ts"), nil)
	assert.Error(t, err)
}

func TestEngine_RemuxSession(t *testing.T) {
	in := writeInput(t, 50)
	out := filepath.Join(t.TempDir(), "out.ts")

	cfg := pipeline.SessionConfig{Input: in, Output: out, Format: "mpegts", Realtime: config.RealtimeNever}
	session := pipeline.NewSession("test", cfg, New(testConfig(t), nil, nil), nil, nil)
	require.NoError(t, session.Run(context.Background()))
	assert.Equal(t, pipeline.StateTerminated, session.State())

	// The demuxer may hold back the last PES of each stream.
	stats := session.Stats()
	assert.GreaterOrEqual(t, stats.PacketsRead, int64(98))
	assert.Equal(t, stats.PacketsRead, stats.PacketsWritten)

	streams, counts := readAll(t, out)
	require.Len(t, streams, 2)
	assert.GreaterOrEqual(t, counts[0], 47)
	assert.GreaterOrEqual(t, counts[1], 47)
}

func TestEngine_RemuxToFLV(t *testing.T) {
	in := writeInput(t, 10)
	out := filepath.Join(t.TempDir(), "out.flv")

	cfg := pipeline.SessionConfig{Input: in, Output: out, Format: "flv", Realtime: config.RealtimeNever}
	session := pipeline.NewSession("test", cfg, New(testConfig(t), nil, nil), nil, nil)
	require.NoError(t, session.Run(context.Background()))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Greater(t, len(data), 13)
	assert.Equal(t, []byte{'F', 'L', 'V', 1, 0x05}, data[:5])
}

func TestEngine_CodecsNeedFFmpeg(t *testing.T) {
	cfg := testConfig(t)
	cfg.FFmpeg.BinaryPath = filepath.Join(t.TempDir(), "no-ffmpeg")
	e := New(cfg, nil, nil)

	desc := media.StreamDescriptor{Kind: media.KindVideo, Codec: media.CodecH264, Width: 64, Height: 64}
	_, err := e.OpenDecoder(context.Background(), desc)
	assert.Error(t, err)
	_, err = e.OpenEncoder(context.Background(), desc)
	assert.Error(t, err)
}

func TestEngine_OpenOverlay(t *testing.T) {
	e := New(testConfig(t), nil, nil)
	ov, err := e.OpenOverlay(context.Background(), media.StreamDescriptor{Kind: media.KindVideo, Width: 64, Height: 64}, "hi")
	require.NoError(t, err)
	require.NoError(t, ov.Close())
}

func TestEngine_SupportsContainer(t *testing.T) {
	cfg := testConfig(t)
	without := New(cfg, nil, nil)
	with := New(cfg, output.NewRegistry(), nil)

	assert.True(t, without.SupportsContainer("flv"))
	assert.True(t, without.SupportsContainer("mpegts"))
	assert.False(t, without.SupportsContainer("hls"))
	assert.True(t, with.SupportsContainer("hls"))
	assert.False(t, with.SupportsContainer("avi"))
}

func TestEngine_LoggerCarriesSessionID(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerWithWriter(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	e := New(testConfig(t), nil, logger)

	ctx := observability.ContextWithSessionID(context.Background(), "01SESSION")
	e.loggerFor(ctx).Info("probe")
	assert.Contains(t, buf.String(), `"session_id":"01SESSION"`)

	buf.Reset()
	e.loggerFor(context.Background()).Info("probe")
	assert.NotContains(t, buf.String(), "session_id")
}
