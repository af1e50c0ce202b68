package tsio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/osdrelay/internal/media"
	"github.com/jmylchreest/osdrelay/internal/timebase"
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

type bufferCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufferCloser) Close() error {
	b.closed = true
	return nil
}

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

func writeTestStream(t *testing.T, frames int) *bufferCloser {
	t.Helper()

	out := &bufferCloser{}
	sink := NewSink(out, nil)

	video, err := sink.AddStream(media.StreamDescriptor{
		Kind:      media.KindVideo,
		Codec:     media.CodecH264,
		Extradata: [][]byte{testSPS, testPPS},
	})
	require.NoError(t, err)
	assert.Equal(t, timebase.MPEGTS, video.TimeBase)
	assert.Equal(t, 0, video.Index)

	audio, err := sink.AddStream(media.StreamDescriptor{
		Kind:       media.KindAudio,
		Codec:      media.CodecAAC,
		SampleRate: 48000,
		Channels:   2,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, audio.Index)

	require.NoError(t, sink.WriteHeader(nil))

	for i := range frames {
		ts := int64(90000 + i*3600)
		data := annexB(testSlice)
		key := i%10 == 0
		if key {
			// SPS and PPS come from the descriptor.
			data = annexB(testIDR)
		}
		require.NoError(t, sink.WritePacket(&media.Packet{
			StreamIndex: 0, PTS: media.TS(ts), DTS: media.TS(ts), Keyframe: key, Data: data,
		}))
		require.NoError(t, sink.WritePacket(&media.Packet{
			StreamIndex: 1, PTS: media.TS(ts), DTS: media.TS(ts), Keyframe: true, Data: testAAC,
		}))
	}
	require.NoError(t, sink.WriteTrailer())
	require.NoError(t, sink.Close())
	assert.True(t, out.closed)
	return out
}

func TestSink_WritesWholeTSPackets(t *testing.T) {
	out := writeTestStream(t, 5)
	require.NotZero(t, out.Len())
	assert.Zero(t, out.Len()%188)
	assert.Equal(t, byte(0x47), out.Bytes()[0])
}

func TestSink_AddStreamAfterHeader(t *testing.T) {
	sink := NewSink(&bufferCloser{}, nil)
	_, err := sink.AddStream(media.StreamDescriptor{Kind: media.KindVideo, Codec: media.CodecH264})
	require.NoError(t, err)
	require.NoError(t, sink.WriteHeader(nil))

	_, err = sink.AddStream(media.StreamDescriptor{Kind: media.KindAudio, Codec: media.CodecAAC})
	assert.ErrorIs(t, err, ErrHeaderWritten)
}

func TestSink_RejectsUnsupportedCodec(t *testing.T) {
	sink := NewSink(&bufferCloser{}, nil)
	_, err := sink.AddStream(media.StreamDescriptor{Kind: media.KindVideo, Codec: "vp9"})
	assert.Error(t, err)
	assert.Error(t, sink.WriteHeader(nil))
}

func TestSink_UnknownStream(t *testing.T) {
	sink := NewSink(&bufferCloser{}, nil)
	_, err := sink.AddStream(media.StreamDescriptor{Kind: media.KindVideo, Codec: media.CodecH264})
	require.NoError(t, err)
	require.NoError(t, sink.WriteHeader(nil))

	err = sink.WritePacket(&media.Packet{StreamIndex: 3, PTS: media.TS(0), Data: annexB(testSlice)})
	assert.Error(t, err)
}

func TestSource_RoundTrip(t *testing.T) {
	const frames = 30
	out := writeTestStream(t, frames)

	src, err := NewSource(context.Background(), io.NopCloser(bytes.NewReader(out.Bytes())), SourceConfig{})
	require.NoError(t, err)
	defer src.Close()

	streams := src.Streams()
	require.Len(t, streams, 2)

	video := streams[0]
	assert.Equal(t, media.KindVideo, video.Kind)
	assert.Equal(t, media.CodecH264, video.Codec)
	assert.Equal(t, 1920, video.Width)
	assert.Equal(t, 1080, video.Height)
	assert.Equal(t, timebase.MPEGTS, video.TimeBase)
	require.Len(t, video.Extradata, 2)
	assert.Equal(t, testSPS, video.Extradata[0])
	assert.Equal(t, testPPS, video.Extradata[1])

	audio := streams[1]
	assert.Equal(t, media.KindAudio, audio.Kind)
	assert.Equal(t, media.CodecAAC, audio.Codec)
	assert.Equal(t, 48000, audio.SampleRate)
	assert.Equal(t, 2, audio.Channels)
	assert.NotEmpty(t, audio.Extradata)

	var videoPTS, audioPTS []int64
	keyframes := 0
	for {
		pkt, err := src.ReadPacket(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		require.True(t, pkt.PTS.Valid)

		switch pkt.StreamIndex {
		case 0:
			videoPTS = append(videoPTS, pkt.PTS.Value)
			if pkt.Keyframe {
				keyframes++
			}
		case 1:
			audioPTS = append(audioPTS, pkt.PTS.Value)
			assert.Equal(t, testAAC, pkt.Data)
		}
	}

	// The last video PES may be held by the demuxer until the next one starts.
	require.GreaterOrEqual(t, len(videoPTS), frames-1)
	require.GreaterOrEqual(t, len(audioPTS), frames-1)
	assert.GreaterOrEqual(t, keyframes, 2)
	for i := 1; i < len(videoPTS); i++ {
		assert.Equal(t, int64(3600), videoPTS[i]-videoPTS[i-1])
	}
	for i := 1; i < len(audioPTS); i++ {
		assert.Equal(t, int64(3600), audioPTS[i]-audioPTS[i-1])
	}
}

func TestSource_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pr, pw := io.Pipe()
	defer pw.Close()

	_, err := NewSource(ctx, pr, SourceConfig{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSource_GarbageInput(t *testing.T) {
	_, err := NewSource(context.Background(), io.NopCloser(bytes.NewReader(make([]byte, 188*4))), SourceConfig{})
	assert.Error(t, err)
}

func TestExtractAACFrames(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  int
	}{
		{"raw aac", testAAC, 1},
		{"single adts frame", []byte{0xFF, 0xF1, 0x4C, 0x80, 0x02, 0x00, 0xFC, 0x21, 0x10, 0x04, 0x60, 0x8c, 0x1c, 0x00, 0x00, 0x00, 0x00}, 1},
		{"two adts frames", append(
			[]byte{0xFF, 0xF1, 0x4C, 0x80, 0x01, 0x20, 0xFC, 0x21, 0x10},
			0xFF, 0xF1, 0x4C, 0x80, 0x01, 0x20, 0xFC, 0x21, 0x11,
		), 2},
		{"empty", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, extractAACFrames(tt.input), tt.want)
		})
	}
}

func TestEnsureParams(t *testing.T) {
	params := [][]byte{testSPS, testPPS}

	got := ensureParams([][]byte{testIDR}, params)
	assert.Equal(t, [][]byte{testSPS, testPPS, testIDR}, got)

	already := [][]byte{testSPS, testPPS, testIDR}
	assert.Equal(t, already, ensureParams(already, params))

	assert.Equal(t, [][]byte{testIDR}, ensureParams([][]byte{testIDR}, nil))
}

func TestSplitAnnexB(t *testing.T) {
	assert.Equal(t, [][]byte{testSPS, testIDR}, splitAnnexB(annexB(testSPS, testIDR)))
	assert.Equal(t, [][]byte{testIDR}, splitAnnexB(testIDR))
	assert.Nil(t, splitAnnexB(nil))
}

func TestAudioConfig(t *testing.T) {
	conf, err := AudioConfig(media.StreamDescriptor{Codec: media.CodecAAC, SampleRate: 44100, Channels: 1})
	require.NoError(t, err)
	assert.Equal(t, 44100, conf.SampleRate)
	assert.Equal(t, 1, conf.ChannelCount)

	asc, err := conf.Marshal()
	require.NoError(t, err)

	fromExtradata, err := AudioConfig(media.StreamDescriptor{Codec: media.CodecAAC, Extradata: [][]byte{asc}})
	require.NoError(t, err)
	assert.Equal(t, conf.SampleRate, fromExtradata.SampleRate)
	assert.Equal(t, conf.ChannelCount, fromExtradata.ChannelCount)
}
