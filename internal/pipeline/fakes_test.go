package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/jmylchreest/osdrelay/internal/media"
	"github.com/jmylchreest/osdrelay/internal/timebase"
)

// eventLog records collaborator activity across sessions in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

func (l *eventLog) index(event string) int {
	return slices.Index(l.snapshot(), event)
}

// fakeSource replays packets. A live source blocks once exhausted until
// its context is cancelled.
type fakeSource struct {
	streams []media.StreamDescriptor
	packets []*media.Packet
	live    bool
	// onRead runs after the n-th packet (0-based) is taken.
	onRead func(n int)

	mu     sync.Mutex
	next   int
	closed bool
}

func (s *fakeSource) Streams() []media.StreamDescriptor { return s.streams }

func (s *fakeSource) ReadPacket(ctx context.Context) (*media.Packet, error) {
	s.mu.Lock()
	if s.next < len(s.packets) {
		n := s.next
		pkt := s.packets[n].Clone()
		s.next++
		s.mu.Unlock()
		if s.onRead != nil {
			s.onRead(n)
		}
		return pkt, nil
	}
	s.mu.Unlock()

	if !s.live {
		return nil, io.EOF
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeSink records what it is given. Output streams use tb.
type fakeSink struct {
	id       int
	tb       timebase.Rational
	log      *eventLog
	writeErr error

	mu       sync.Mutex
	streams  []media.StreamDescriptor
	packets  []media.Packet
	headers  int
	trailers int
	closed   bool
}

func (s *fakeSink) AddStream(desc media.StreamDescriptor) (media.StreamDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	desc.TimeBase = s.tb
	s.streams = append(s.streams, desc)
	return desc, nil
}

func (s *fakeSink) WriteHeader(map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers++
	return nil
}

func (s *fakeSink) WritePacket(pkt *media.Packet) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.mu.Lock()
	s.packets = append(s.packets, *pkt)
	s.mu.Unlock()
	s.log.add("write:%d", s.id)
	return nil
}

func (s *fakeSink) WriteTrailer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trailers++
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.log.add("close:%d", s.id)
	return nil
}

func (s *fakeSink) written() []media.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.packets)
}

func (s *fakeSink) streamPackets(index int) []media.Packet {
	var out []media.Packet
	for _, p := range s.written() {
		if p.StreamIndex == index {
			out = append(out, p)
		}
	}
	return out
}

// fakeDecoder yields one frame per packet.
type fakeDecoder struct {
	failSubmit map[int64]bool
	queue      []*media.Frame
	flushed    bool
	closed     bool
}

func (d *fakeDecoder) SubmitPacket(pkt *media.Packet) error {
	if d.failSubmit[pkt.PTS.Value] {
		return errors.New("corrupt packet")
	}
	d.queue = append(d.queue, &media.Frame{PTS: pkt.PTS, Width: 4, Height: 2, PixelFormat: media.PixelFormatYUV420P})
	return nil
}

func (d *fakeDecoder) ReceiveFrame() (*media.Frame, error) {
	if len(d.queue) == 0 {
		if d.flushed {
			return nil, io.EOF
		}
		return nil, media.ErrWouldBlock
	}
	f := d.queue[0]
	d.queue = d.queue[1:]
	return f, nil
}

func (d *fakeDecoder) Flush() error { d.flushed = true; return nil }
func (d *fakeDecoder) Close() error { d.closed = true; return nil }

// fakeOverlay passes frames through, marking them.
type fakeOverlay struct {
	pending *media.Frame
	text    string
}

func (o *fakeOverlay) PushFrame(f *media.Frame) error {
	o.pending = f
	return nil
}

func (o *fakeOverlay) PullFrame() (*media.Frame, error) {
	if o.pending == nil {
		return nil, media.ErrWouldBlock
	}
	f := o.pending
	o.pending = nil
	f.Data = []byte(o.text)
	return f, nil
}

func (o *fakeOverlay) Close() error { return nil }

// fakeEncoder emits one packet per frame, holding back holdBack packets
// until flushed.
type fakeEncoder struct {
	desc     media.StreamDescriptor
	holdBack int
	queue    []*media.Packet
	flushed  bool
}

func (e *fakeEncoder) SubmitFrame(f *media.Frame) error {
	e.queue = append(e.queue, &media.Packet{PTS: f.PTS, DTS: f.PTS, Duration: e.desc.NominalDuration(), Data: f.Data})
	return nil
}

func (e *fakeEncoder) ReceivePacket() (*media.Packet, error) {
	if len(e.queue) == 0 {
		if e.flushed {
			return nil, io.EOF
		}
		return nil, media.ErrWouldBlock
	}
	if !e.flushed && len(e.queue) <= e.holdBack {
		return nil, media.ErrWouldBlock
	}
	p := e.queue[0]
	e.queue = e.queue[1:]
	return p, nil
}

func (e *fakeEncoder) Flush() error                       { e.flushed = true; return nil }
func (e *fakeEncoder) Descriptor() media.StreamDescriptor { return e.desc }
func (e *fakeEncoder) Close() error                       { return nil }

// fakeBackend hands out fresh collaborators for each session.
type fakeBackend struct {
	log *eventLog
	// newSource builds the source for the n-th session (0-based).
	newSource   func(n int) *fakeSource
	sinkTB      timebase.Rational
	sinkErr     error
	writeErr    error
	holdBack    int
	failDecode  map[int64]bool
	panicSource int // session number whose OpenSource panics, or -1

	mu      sync.Mutex
	opened  int
	sources []*fakeSource
	sinks   []*fakeSink
	texts   []string
}

func newFakeBackend(newSource func(n int) *fakeSource) *fakeBackend {
	return &fakeBackend{
		log:         &eventLog{},
		newSource:   newSource,
		sinkTB:      timebase.Millis,
		panicSource: -1,
	}
}

func (b *fakeBackend) OpenSource(context.Context, string, map[string]string) (media.Source, error) {
	b.mu.Lock()
	n := b.opened
	b.opened++
	b.mu.Unlock()

	if n == b.panicSource {
		panic("source exploded")
	}

	src := b.newSource(n)
	b.mu.Lock()
	b.sources = append(b.sources, src)
	b.mu.Unlock()
	return src, nil
}

func (b *fakeBackend) OpenSink(context.Context, string, string, map[string]string) (media.Sink, error) {
	if b.sinkErr != nil {
		return nil, b.sinkErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sink := &fakeSink{id: len(b.sinks) + 1, tb: b.sinkTB, log: b.log, writeErr: b.writeErr}
	b.sinks = append(b.sinks, sink)
	return sink, nil
}

func (b *fakeBackend) OpenDecoder(context.Context, media.StreamDescriptor) (media.Decoder, error) {
	return &fakeDecoder{failSubmit: b.failDecode}, nil
}

func (b *fakeBackend) OpenOverlay(_ context.Context, _ media.StreamDescriptor, text string) (media.Overlay, error) {
	b.mu.Lock()
	b.texts = append(b.texts, text)
	b.mu.Unlock()
	return &fakeOverlay{text: text}, nil
}

func (b *fakeBackend) OpenEncoder(_ context.Context, in media.StreamDescriptor) (media.Encoder, error) {
	return &fakeEncoder{
		holdBack: b.holdBack,
		desc: media.StreamDescriptor{
			Kind:      media.KindVideo,
			Codec:     media.CodecH264,
			TimeBase:  timebase.MPEGTS,
			FrameRate: in.FrameRate,
			Width:     in.Width,
			Height:    in.Height,
		},
	}, nil
}

func (b *fakeBackend) SupportsContainer(kind string) bool {
	return kind == "flv" || kind == "mpegts"
}

func (b *fakeBackend) sink(n int) *fakeSink {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n >= len(b.sinks) {
		return nil
	}
	return b.sinks[n]
}

func (b *fakeBackend) source(n int) *fakeSource {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n >= len(b.sources) {
		return nil
	}
	return b.sources[n]
}

// Stream layouts used across tests.

func videoStream(index int, tb timebase.Rational) media.StreamDescriptor {
	return media.StreamDescriptor{
		Index:     index,
		Kind:      media.KindVideo,
		Codec:     media.CodecH264,
		TimeBase:  tb,
		FrameRate: timebase.Rational{Num: 30, Den: 1},
		Width:     4,
		Height:    2,
	}
}

func audioStream(index int, tb timebase.Rational) media.StreamDescriptor {
	return media.StreamDescriptor{
		Index:      index,
		Kind:       media.KindAudio,
		Codec:      media.CodecAAC,
		TimeBase:   tb,
		FrameRate:  timebase.Rational{Num: 48000, Den: 1024},
		SampleRate: 48000,
		Channels:   2,
	}
}

func pkt(stream int, ts int64) *media.Packet {
	return &media.Packet{StreamIndex: stream, PTS: media.TS(ts), DTS: media.TS(ts), Position: 188, Data: []byte{0x01}}
}

// interleaved returns nVideo frames at 1/30 and nAudio AAC frames at
// 1/48000, in presentation order.
func interleaved(nVideo, nAudio int) []*media.Packet {
	var out []*media.Packet
	v, a := 0, 0
	for v < nVideo || a < nAudio {
		vt := float64(v) / 30
		at := float64(a*1024) / 48000
		if v < nVideo && (a >= nAudio || vt <= at) {
			out = append(out, pkt(0, int64(v)))
			v++
			continue
		}
		out = append(out, pkt(1, int64(a*1024)))
		a++
	}
	return out
}

func remuxConfig() SessionConfig {
	return SessionConfig{Input: "rtsp://camera/stream", Output: "out.flv", Format: "flv", Realtime: "never"}
}
