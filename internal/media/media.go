// Package media defines the packet, frame and stream descriptor envelopes that
// flow through a pipeline, and the collaborator interfaces that produce and
// consume them.
package media

import (
	"fmt"

	"github.com/jmylchreest/osdrelay/internal/timebase"
)

// Kind is the medium of an elementary stream.
type Kind int

const (
	KindOther Kind = iota
	KindVideo
	KindAudio
)

// String returns the lowercase medium name.
func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "other"
	}
}

// Codec names used in descriptors.
const (
	CodecH264 = "h264"
	CodecH265 = "h265"
	CodecAAC  = "aac"
	CodecAC3  = "ac3"
	CodecEAC3 = "eac3"
	CodecMP3  = "mp3"
	CodecOpus = "opus"
)

// PixelFormatYUV420P is the only pixel format exchanged between the decoder,
// the overlay and the encoder.
const PixelFormatYUV420P = "yuv420p"

// Timestamp is an optional tick count in a stream's time base.
type Timestamp struct {
	Value int64
	Valid bool
}

// TS returns a valid timestamp.
func TS(v int64) Timestamp {
	return Timestamp{Value: v, Valid: true}
}

// NoTS is the absent timestamp.
var NoTS = Timestamp{}

// String formats the timestamp, "none" when absent.
func (t Timestamp) String() string {
	if !t.Valid {
		return "none"
	}
	return fmt.Sprintf("%d", t.Value)
}

// Packet is one compressed access unit read from a Source or produced by an
// Encoder. Timestamps and Duration are in the time base of the stream the
// packet currently belongs to.
type Packet struct {
	StreamIndex int
	PTS         Timestamp
	DTS         Timestamp
	Duration    int64
	// Position is the byte offset in the source, -1 once timestamps have been
	// rewritten.
	Position int64
	Keyframe bool
	// Data is an Annex-B access unit for H.264/H.265 and a raw access unit for
	// audio codecs.
	Data []byte
}

// Clone returns a copy of p sharing Data.
func (p *Packet) Clone() *Packet {
	c := *p
	return &c
}

// Frame is one decoded picture.
type Frame struct {
	PTS         Timestamp
	Width       int
	Height      int
	PixelFormat string
	// Data holds the Y, Cb and Cr planes back to back.
	Data []byte
}

// YUV420PSize returns the byte size of a yuv420p picture.
func YUV420PSize(width, height int) int {
	luma := width * height
	chroma := ((width + 1) / 2) * ((height + 1) / 2)
	return luma + 2*chroma
}

// Planes splits f.Data into its Y, Cb and Cr planes and returns the chroma
// plane stride. It returns nil planes when Data is too short.
func (f *Frame) Planes() (y, cb, cr []byte, chromaStride int) {
	chromaStride = (f.Width + 1) / 2
	chromaHeight := (f.Height + 1) / 2
	luma := f.Width * f.Height
	chroma := chromaStride * chromaHeight
	if len(f.Data) < luma+2*chroma {
		return nil, nil, nil, chromaStride
	}
	return f.Data[:luma], f.Data[luma : luma+chroma], f.Data[luma+chroma : luma+2*chroma], chromaStride
}

// StreamDescriptor describes one elementary stream. It is built once when a
// session initializes and never mutated afterwards.
type StreamDescriptor struct {
	Index    int
	Kind     Kind
	Codec    string
	TimeBase timebase.Rational
	// FrameRate is the nominal rate (frames per second for video, access units
	// per second for audio). It may be zero when unknown.
	FrameRate  timebase.Rational
	Width      int
	Height     int
	SampleRate int
	Channels   int
	// Extradata carries codec configuration: SPS and PPS for H.264,
	// VPS/SPS/PPS for H.265, the AudioSpecificConfig for AAC.
	Extradata [][]byte
}

// NominalDuration returns the duration of one frame in the descriptor's time
// base, or 0 when the frame rate is unknown.
func (d StreamDescriptor) NominalDuration() int64 {
	if !d.FrameRate.Valid() || !d.TimeBase.Valid() {
		return 0
	}
	return timebase.Rescale(1, d.FrameRate.Invert(), d.TimeBase, timebase.RoundNearInf)
}

// String returns a compact description for logs.
func (d StreamDescriptor) String() string {
	switch d.Kind {
	case KindVideo:
		return fmt.Sprintf("#%d video %s %dx%d @%s tb=%s", d.Index, d.Codec, d.Width, d.Height, d.FrameRate, d.TimeBase)
	case KindAudio:
		return fmt.Sprintf("#%d audio %s %dHz %dch tb=%s", d.Index, d.Codec, d.SampleRate, d.Channels, d.TimeBase)
	default:
		return fmt.Sprintf("#%d other %s tb=%s", d.Index, d.Codec, d.TimeBase)
	}
}
