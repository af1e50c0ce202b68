package tsio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/osdrelay/internal/media"
	"github.com/jmylchreest/osdrelay/internal/observability"
	"github.com/jmylchreest/osdrelay/internal/timebase"
)

// firstPID is the elementary stream PID of output stream 0.
const firstPID = 0x100

// ErrHeaderWritten is returned by AddStream after WriteHeader.
var ErrHeaderWritten = errors.New("header already written")

// Sink muxes packets into an MPEG-TS byte stream. Output timestamps are in
// 1/90000.
type Sink struct {
	output io.WriteCloser
	buf    *bufio.Writer
	logger *slog.Logger

	// FlushEachPacket flushes the buffered writer after every packet. Live
	// consumers reading from a pipe need it.
	FlushEachPacket bool

	streams []media.StreamDescriptor
	tracks  []*mpegts.Track
	writer  *mpegts.Writer

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewSink returns a sink writing to w. The sink owns w.
func NewSink(w io.WriteCloser, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Sink{
		output: w,
		buf:    bufio.NewWriterSize(w, 188*64),
		logger: logger,
	}
}

// AddStream registers an output stream. The returned descriptor carries the
// MPEG-TS time base.
func (s *Sink) AddStream(desc media.StreamDescriptor) (media.StreamDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer != nil {
		return media.StreamDescriptor{}, ErrHeaderWritten
	}
	codec, err := trackCodec(desc)
	if err != nil {
		return media.StreamDescriptor{}, err
	}

	out := desc
	out.Index = len(s.streams)
	out.TimeBase = timebase.MPEGTS
	s.streams = append(s.streams, out)
	s.tracks = append(s.tracks, &mpegts.Track{PID: uint16(firstPID + out.Index), Codec: codec})
	return out, nil
}

// WriteHeader writes the program tables. MPEG-TS takes no header options.
func (s *Sink) WriteHeader(_ map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tracks) == 0 {
		return fmt.Errorf("no streams registered")
	}
	s.writer = &mpegts.Writer{W: s.buf, Tracks: s.tracks}
	if err := s.writer.Initialize(); err != nil {
		return fmt.Errorf("initializing mpegts writer: %w", err)
	}
	return nil
}

// WritePacket muxes one access unit.
func (s *Sink) WritePacket(pkt *media.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return fmt.Errorf("write before header")
	}
	if pkt.StreamIndex < 0 || pkt.StreamIndex >= len(s.tracks) {
		return fmt.Errorf("unknown output stream %d", pkt.StreamIndex)
	}

	track := s.tracks[pkt.StreamIndex]
	desc := s.streams[pkt.StreamIndex]
	pts := pkt.PTS.Value
	dts := pts
	if pkt.DTS.Valid {
		dts = pkt.DTS.Value
	}
	if !pkt.PTS.Valid {
		pts = dts
	}

	var err error
	switch desc.Codec {
	case media.CodecH264:
		au := splitAnnexB(pkt.Data)
		if pkt.Keyframe {
			au = ensureParams(au, desc.Extradata)
		}
		err = s.writer.WriteH264(track, pts, dts, au)
	case media.CodecH265:
		au := splitAnnexB(pkt.Data)
		if pkt.Keyframe {
			au = ensureH265Params(au, desc.Extradata)
		}
		err = s.writer.WriteH265(track, pts, dts, au)
	case media.CodecAAC:
		aus := extractAACFrames(pkt.Data)
		if len(aus) == 0 {
			return nil
		}
		err = s.writer.WriteMPEG4Audio(track, pts, aus)
	case media.CodecAC3:
		err = s.writer.WriteAC3(track, pts, pkt.Data)
	case media.CodecEAC3:
		err = s.writer.WriteEAC3(track, pts, pkt.Data)
	case media.CodecMP3:
		err = s.writer.WriteMPEG1Audio(track, pts, [][]byte{pkt.Data})
	case media.CodecOpus:
		err = s.writer.WriteOpus(track, pts, [][]byte{pkt.Data})
	}
	if err != nil {
		return err
	}
	if s.FlushEachPacket {
		return s.buf.Flush()
	}
	return nil
}

// WriteTrailer flushes buffered output. MPEG-TS has no trailer.
func (s *Sink) WriteTrailer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Flush()
}

// Close flushes and closes the underlying writer.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		flushErr := s.buf.Flush()
		s.mu.Unlock()
		s.closeErr = errors.Join(flushErr, s.output.Close())
	})
	return s.closeErr
}
