package pipeline

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jmylchreest/osdrelay/internal/media"
	"github.com/jmylchreest/osdrelay/internal/timebase"
)

// transformPath runs video through decode, overlay and encode before writing
// it anchored to the audio clock.
type transformPath struct {
	dec     media.Decoder
	overlay media.Overlay
	enc     media.Encoder
	sink    media.Sink
	sync    *Synchronizer
	stats   *Stats
	logger  *slog.Logger

	in  media.StreamDescriptor
	out media.StreamDescriptor
}

// process submits one packet and pushes whatever it yields through to the
// output. Only output write failures are returned.
func (t *transformPath) process(pkt *media.Packet) error {
	if err := t.dec.SubmitPacket(pkt); err != nil {
		t.stats.PacketErrors.Add(1)
		t.logger.Warn("decoder rejected packet",
			slog.Int("stream_index", pkt.StreamIndex),
			slog.String("pts", pkt.PTS.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return t.drainFrames()
}

// drainFrames receives frames until the decoder needs more input or is done.
func (t *transformPath) drainFrames() error {
	for {
		frame, err := t.dec.ReceiveFrame()
		switch {
		case errors.Is(err, media.ErrWouldBlock), errors.Is(err, io.EOF):
			return nil
		case err != nil:
			t.stats.PacketErrors.Add(1)
			t.logger.Warn("decoder failed", slog.String("error", err.Error()))
			return nil
		}
		t.stats.FramesDecoded.Add(1)

		if err := t.filterAndEncode(frame); err != nil {
			return err
		}
	}
}

func (t *transformPath) filterAndEncode(frame *media.Frame) error {
	if err := t.overlay.PushFrame(frame); err != nil {
		t.stats.PacketErrors.Add(1)
		t.logger.Warn("overlay rejected frame", slog.String("error", err.Error()))
		return nil
	}
	filtered, err := t.overlay.PullFrame()
	if errors.Is(err, media.ErrWouldBlock) {
		return nil
	}
	if err != nil {
		t.stats.PacketErrors.Add(1)
		t.logger.Warn("overlay failed", slog.String("error", err.Error()))
		return nil
	}

	encTB := t.enc.Descriptor().TimeBase
	if filtered.PTS.Valid {
		filtered.PTS.Value = timebase.Rescale(filtered.PTS.Value, t.in.TimeBase, encTB, timebase.RoundNearInf)
	}
	if err := t.enc.SubmitFrame(filtered); err != nil {
		t.stats.PacketErrors.Add(1)
		t.logger.Warn("encoder rejected frame", slog.String("error", err.Error()))
		return nil
	}
	return t.drainPackets()
}

// drainPackets writes every packet the encoder has ready. An encoder may
// produce zero or several packets per frame.
func (t *transformPath) drainPackets() error {
	for {
		pkt, err := t.enc.ReceivePacket()
		switch {
		case errors.Is(err, media.ErrWouldBlock), errors.Is(err, io.EOF):
			return nil
		case err != nil:
			t.stats.PacketErrors.Add(1)
			t.logger.Warn("encoder failed", slog.String("error", err.Error()))
			return nil
		}
		t.stats.FramesEncoded.Add(1)

		if err := t.emit(pkt); err != nil {
			return err
		}
	}
}

func (t *transformPath) emit(pkt *media.Packet) error {
	t.sync.Rescale(pkt, t.enc.Descriptor().TimeBase, t.out.TimeBase)
	pkt.StreamIndex = t.out.Index
	t.sync.AnchorVideo(pkt, t.out.TimeBase)

	if err := writePacket(t.sink, t.stats, pkt); err != nil {
		return err
	}
	t.sync.CommitVideo(pkt, t.out.TimeBase)
	return nil
}

// flush drains the decoder and then the encoder.
func (t *transformPath) flush() error {
	if err := t.dec.Flush(); err != nil {
		t.logger.Warn("decoder flush failed", slog.String("error", err.Error()))
	} else if err := t.drainFrames(); err != nil {
		return err
	}

	if err := t.enc.Flush(); err != nil {
		return fmt.Errorf("flushing encoder: %w", err)
	}
	return t.drainPackets()
}
