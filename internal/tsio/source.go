package tsio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/osdrelay/internal/media"
	"github.com/jmylchreest/osdrelay/internal/observability"
	"github.com/jmylchreest/osdrelay/internal/timebase"
)

// DefaultProbeSize bounds how many bytes are read looking for the first
// video keyframe.
const DefaultProbeSize = 4 * 1024 * 1024

// SourceConfig configures a Source.
type SourceConfig struct {
	Logger *slog.Logger
	// ProbeSize bounds stream probing in bytes. Zero means DefaultProbeSize.
	ProbeSize int
}

// Source demuxes an MPEG-TS byte stream into packets with 1/90000 timestamps.
type Source struct {
	input  io.ReadCloser
	reader *mpegts.Reader
	logger *slog.Logger

	streams []media.StreamDescriptor
	// queue holds packets emitted by reader callbacks and not yet returned.
	queue []*media.Packet
	read  *countingReader

	closeOnce sync.Once
	closeErr  error
}

// countingReader counts bytes consumed by the demuxer.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// NewSource reads the program tables and probes r until the first video
// keyframe, filling in geometry, frame rate and parameter sets. Packets read
// while probing are returned by ReadPacket. The source owns r.
func NewSource(ctx context.Context, r io.ReadCloser, cfg SourceConfig) (*Source, error) {
	if cfg.Logger == nil {
		cfg.Logger = observability.Discard()
	}
	if cfg.ProbeSize <= 0 {
		cfg.ProbeSize = DefaultProbeSize
	}

	s := &Source{
		input:  r,
		logger: cfg.Logger,
		read:   &countingReader{r: r},
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	if err := s.open(cfg.ProbeSize); err != nil {
		_ = s.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return s, nil
}

func (s *Source) open(probeSize int) error {
	s.reader = &mpegts.Reader{R: s.read}
	if err := s.reader.Initialize(); err != nil {
		return fmt.Errorf("initializing mpegts reader: %w", err)
	}
	s.reader.OnDecodeError(func(err error) {
		s.logger.Debug("mpegts decode error", slog.String("error", err.Error()))
	})

	videoIndex := -1
	for _, track := range s.reader.Tracks() {
		desc, ok := describeTrack(len(s.streams), track)
		if !ok {
			s.logger.Debug("skipping unsupported track",
				slog.Uint64("pid", uint64(track.PID)),
				slog.String("type", fmt.Sprintf("%T", track.Codec)),
			)
			continue
		}
		if desc.Kind == media.KindVideo && videoIndex < 0 {
			videoIndex = desc.Index
		}
		s.streams = append(s.streams, desc)
		s.attach(track, desc.Index)
	}
	if len(s.streams) == 0 {
		return fmt.Errorf("no supported elementary streams")
	}

	// Probe: read until the video stream has its parameter sets, or until
	// any packet arrives when there is no video.
	for {
		if videoIndex >= 0 && s.streams[videoIndex].Width > 0 {
			break
		}
		if videoIndex < 0 && len(s.queue) > 0 {
			break
		}
		if s.read.n > int64(probeSize) {
			s.logger.Warn("probe size exhausted before first keyframe", slog.Int("probe_size", probeSize))
			break
		}
		if err := s.reader.Read(); err != nil {
			if errors.Is(err, io.EOF) && len(s.queue) > 0 {
				break
			}
			return fmt.Errorf("probing mpegts: %w", err)
		}
	}

	for _, d := range s.streams {
		s.logger.Debug("mpegts stream", slog.String("stream", d.String()))
	}
	return nil
}

// attach registers the reader callback that queues packets for a track.
func (s *Source) attach(track *mpegts.Track, index int) {
	switch track.Codec.(type) {
	case *mpegts.CodecH264:
		s.reader.OnDataH264(track, func(pts, dts int64, au [][]byte) error {
			return s.pushVideo(index, pts, dts, au, h264.IsRandomAccess(au))
		})
	case *mpegts.CodecH265:
		s.reader.OnDataH265(track, func(pts, dts int64, au [][]byte) error {
			return s.pushVideo(index, pts, dts, au, h265.IsRandomAccess(au))
		})
	case *mpegts.CodecMPEG4Audio:
		s.reader.OnDataMPEG4Audio(track, func(pts int64, aus [][]byte) error {
			s.pushAudio(index, pts, aus)
			return nil
		})
	case *mpegts.CodecAC3:
		s.reader.OnDataAC3(track, func(pts int64, frame []byte) error {
			s.pushAudio(index, pts, [][]byte{frame})
			return nil
		})
	case *mpegts.CodecEAC3:
		s.reader.OnDataEAC3(track, func(pts int64, frame []byte) error {
			s.pushAudio(index, pts, [][]byte{frame})
			return nil
		})
	case *mpegts.CodecMPEG1Audio:
		s.reader.OnDataMPEG1Audio(track, func(pts int64, frames [][]byte) error {
			s.pushAudio(index, pts, frames)
			return nil
		})
	case *mpegts.CodecOpus:
		s.reader.OnDataOpus(track, func(pts int64, packets [][]byte) error {
			s.pushAudio(index, pts, packets)
			return nil
		})
	}
}

func (s *Source) pushVideo(index int, pts, dts int64, au [][]byte, keyframe bool) error {
	if len(au) == 0 {
		return nil
	}
	desc := &s.streams[index]
	if keyframe && desc.Width == 0 {
		applySPS(desc, au)
	}

	data, err := h264.AnnexB(au).Marshal()
	if err != nil || len(data) == 0 {
		return nil //nolint:nilerr // a malformed access unit is skipped
	}
	s.queue = append(s.queue, &media.Packet{
		StreamIndex: index,
		PTS:         media.TS(pts),
		DTS:         media.TS(dts),
		Duration:    desc.NominalDuration(),
		Position:    s.read.n,
		Keyframe:    keyframe,
		Data:        data,
	})
	return nil
}

// pushAudio queues each access unit of a PES packet with its own pts.
func (s *Source) pushAudio(index int, pts int64, aus [][]byte) {
	desc := s.streams[index]
	frameSamples := desc.FrameRate.Den
	sampleBase := timebase.Rational{Num: 1, Den: int64(desc.SampleRate)}
	duration := desc.NominalDuration()

	for i, au := range aus {
		if len(au) == 0 {
			continue
		}
		offset := timebase.Rescale(int64(i)*frameSamples, sampleBase, timebase.MPEGTS, timebase.RoundNearInf)
		s.queue = append(s.queue, &media.Packet{
			StreamIndex: index,
			PTS:         media.TS(pts + offset),
			DTS:         media.TS(pts + offset),
			Duration:    duration,
			Position:    s.read.n,
			Keyframe:    true,
			Data:        au,
		})
	}
}

// Streams returns the descriptors of the readable streams.
func (s *Source) Streams() []media.StreamDescriptor {
	return s.streams
}

// ReadPacket returns the next packet, or io.EOF at end of stream.
// Cancelling ctx closes the underlying input.
func (s *Source) ReadPacket(ctx context.Context) (*media.Packet, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for len(s.queue) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.reader.Read(); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("reading mpegts: %w", err)
		}
	}

	pkt := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return pkt, nil
}

// Close closes the underlying input.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.input.Close()
	})
	return s.closeErr
}
