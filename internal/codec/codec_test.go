package codec

import (
	"container/heap"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/osdrelay/internal/config"
	"github.com/jmylchreest/osdrelay/internal/ffmpeg"
	"github.com/jmylchreest/osdrelay/internal/media"
	"github.com/jmylchreest/osdrelay/internal/timebase"
)

func TestEncodedCodec(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"libx264", media.CodecH264, false},
		{"H264_NVENC", media.CodecH264, false},
		{" hevc_vaapi ", media.CodecH265, false},
		{"libx265", media.CodecH265, false},
		{"libvpx-vp9", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodedCodec(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFFmpegEncoder(t *testing.T) {
	assert.Equal(t, "libx264", ffmpegEncoder(""))
	assert.Equal(t, "libx264", ffmpegEncoder("h264"))
	assert.Equal(t, "libx265", ffmpegEncoder("hevc"))
	assert.Equal(t, "h264_nvenc", ffmpegEncoder("h264_nvenc"))
}

func TestEncoderArgs(t *testing.T) {
	args := encoderArgs(config.EncoderConfig{GOP: 50, MaxBFrames: 0, QMin: 10, QMax: 51, MERange: 16})
	assert.Equal(t, []string{
		"-g", "50", "-bf", "0", "-qmin", "10", "-qmax", "51", "-me_range", "16", "-pix_fmt", "yuv420p",
	}, args)

	assert.Equal(t, []string{"-bf", "0", "-pix_fmt", "yuv420p"}, encoderArgs(config.EncoderConfig{MaxBFrames: -1}))
}

func TestQueue(t *testing.T) {
	q := newQueue[int]()

	_, ok, err := q.tryPop()
	assert.False(t, ok)
	assert.NoError(t, err)

	assert.True(t, q.push(1))
	assert.True(t, q.push(2))
	assert.Equal(t, 2, q.len())

	v, ok, err := q.tryPop()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	q.close(io.EOF)
	q.close(errors.New("ignored"))
	assert.False(t, q.push(3))

	v, err = q.pop()
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = q.pop()
	assert.ErrorIs(t, err, io.EOF)
	_, _, err = q.tryPop()
	assert.ErrorIs(t, err, io.EOF)
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := newQueue[string]()
	got := make(chan string, 1)
	go func() {
		v, _ := q.pop()
		got <- v
	}()

	select {
	case <-got:
		t.Fatal("pop returned before push")
	case <-time.After(20 * time.Millisecond):
	}

	q.push("frame")
	select {
	case v := <-got:
		assert.Equal(t, "frame", v)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake up")
	}
}

func TestEncoder_Restore(t *testing.T) {
	tb := timebase.Rational{Num: 1, Den: 1000}
	rate := timebase.Rational{Num: 25, Den: 1}
	e := &Encoder{
		out: media.StreamDescriptor{TimeBase: tb, FrameRate: rate},
		pts: map[int64]media.Timestamp{0: media.TS(5000), 1: media.TS(5041), 2: media.TS(5079)},
	}
	e.origin = media.TS(5000)

	// The child's mpegts muxer starts at an arbitrary offset.
	const first = 126000
	for i, want := range []int64{5000, 5041, 5079} {
		pkt := &media.Packet{PTS: media.TS(first + int64(i)*3600), DTS: media.TS(first + int64(i)*3600), StreamIndex: 4}
		e.restore(pkt, first, rate)
		assert.Equal(t, media.TS(want), pkt.PTS)
		assert.Equal(t, pkt.PTS, pkt.DTS)
		assert.Equal(t, 0, pkt.StreamIndex)
		assert.Equal(t, int64(40), pkt.Duration)
		assert.Equal(t, int64(-1), pkt.Position)
	}
	assert.Empty(t, e.pts)

	// An unknown frame is placed on the nominal grid from the origin.
	pkt := &media.Packet{PTS: media.TS(first + 10*3600), DTS: media.TS(first + 9*3600)}
	e.restore(pkt, first, rate)
	assert.Equal(t, media.TS(5400), pkt.PTS)
	assert.Equal(t, media.TS(5360), pkt.DTS)
}

func TestTSHeap_PopsSmallestFirst(t *testing.T) {
	var h tsHeap
	for _, v := range []int64{9, 3, 6, 0} {
		heap.Push(&h, v)
	}
	var got []int64
	for h.Len() > 0 {
		got = append(got, heap.Pop(&h).(int64))
	}
	assert.Equal(t, []int64{0, 3, 6, 9}, got)
}

func TestNewDecoder_RejectsUnknownDimensions(t *testing.T) {
	_, err := NewDecoder(context.Background(), media.StreamDescriptor{Kind: media.KindVideo, Codec: media.CodecH264}, Config{})
	assert.Error(t, err)

	_, err = NewDecoder(context.Background(), media.StreamDescriptor{Kind: media.KindAudio}, Config{})
	assert.Error(t, err)
}

func TestNewEncoder_RejectsNonH26xEncoder(t *testing.T) {
	in := media.StreamDescriptor{Kind: media.KindVideo, Width: 64, Height: 64}
	_, err := NewEncoder(context.Background(), in, Config{Encoder: config.EncoderConfig{Codec: "libvpx"}})
	assert.Error(t, err)
}

func locateFFmpeg(t *testing.T) string {
	t.Helper()
	path, err := ffmpeg.Locate("")
	if err != nil {
		t.Skip("ffmpeg not available")
	}
	return path
}

func grayFrame(w, h int, pts int64) *media.Frame {
	data := make([]byte, media.YUV420PSize(w, h))
	for i := range data {
		data[i] = 128
	}
	return &media.Frame{PTS: media.TS(pts), Width: w, Height: h, PixelFormat: media.PixelFormatYUV420P, Data: data}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	binary := locateFFmpeg(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const frames = 10
	in := media.StreamDescriptor{
		Kind:      media.KindVideo,
		Codec:     media.CodecH264,
		TimeBase:  timebase.MPEGTS,
		FrameRate: timebase.Rational{Num: 25, Den: 1},
		Width:     64,
		Height:    48,
	}
	cfg := Config{
		Binary:  binary,
		Encoder: config.EncoderConfig{Codec: "libx264", GOP: 5, Preset: "ultrafast"},
	}

	enc, err := NewEncoder(ctx, in, cfg)
	require.NoError(t, err)
	defer enc.Close()
	assert.Equal(t, media.CodecH264, enc.Descriptor().Codec)
	assert.Equal(t, timebase.MPEGTS, enc.Descriptor().TimeBase)

	for i := range frames {
		require.NoError(t, enc.SubmitFrame(grayFrame(64, 48, 90000+int64(i)*3600)))
	}
	require.NoError(t, enc.Flush())

	var packets []*media.Packet
	for {
		pkt, err := enc.ReceivePacket()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		packets = append(packets, pkt)
	}
	require.Len(t, packets, frames)
	for i, pkt := range packets {
		assert.Equal(t, media.TS(90000+int64(i)*3600), pkt.PTS)
	}
	assert.True(t, packets[0].Keyframe)

	dec, err := NewDecoder(ctx, in, cfg)
	require.NoError(t, err)
	defer dec.Close()

	for _, pkt := range packets {
		require.NoError(t, dec.SubmitPacket(pkt))
	}
	require.NoError(t, dec.Flush())

	var decoded []*media.Frame
	for {
		f, err := dec.ReceiveFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		decoded = append(decoded, f)
	}
	require.Len(t, decoded, frames)
	for i, f := range decoded {
		assert.Equal(t, media.TS(90000+int64(i)*3600), f.PTS)
		assert.Equal(t, 64, f.Width)
		assert.Len(t, f.Data, media.YUV420PSize(64, 48))
	}
}
