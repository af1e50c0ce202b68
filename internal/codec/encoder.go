package codec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/osdrelay/internal/config"
	"github.com/jmylchreest/osdrelay/internal/ffmpeg"
	"github.com/jmylchreest/osdrelay/internal/media"
	"github.com/jmylchreest/osdrelay/internal/observability"
	"github.com/jmylchreest/osdrelay/internal/pipeline"
	"github.com/jmylchreest/osdrelay/internal/timebase"
	"github.com/jmylchreest/osdrelay/internal/tsio"
)

// Encoder encodes yuv420p frames with an FFmpeg video encoder. Raw pictures
// go to the child's stdin and MPEG-TS is demuxed from its stdout.
type Encoder struct {
	in      media.StreamDescriptor
	out     media.StreamDescriptor
	logger  *slog.Logger
	child   *child
	stdin   io.WriteCloser
	packets *queue[*media.Packet]

	// Submitted frame timestamps by input frame number. The child numbers
	// frames at the nominal rate; restore maps its output back.
	ptsMu   sync.Mutex
	pts     map[int64]media.Timestamp
	nextIdx int
	origin  media.Timestamp

	flushed bool
	closed  bool
}

var _ media.Encoder = (*Encoder)(nil)
var _ pipeline.ResourceReporter = (*Encoder)(nil)

// NewEncoder starts an FFmpeg encoder for pictures shaped like in. Frame
// timestamps are in in.TimeBase, which is also the time base of the
// encoded packets.
func NewEncoder(ctx context.Context, in media.StreamDescriptor, cfg Config) (*Encoder, error) {
	if in.Width <= 0 || in.Height <= 0 {
		return nil, fmt.Errorf("video stream #%d has unknown dimensions", in.Index)
	}
	encoderName := ffmpegEncoder(cfg.Encoder.Codec)
	codecName, err := EncodedCodec(encoderName)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Discard()
	}
	logger := observability.WithComponent(cfg.Logger, "encoder")

	rate := in.FrameRate
	if !rate.Valid() || rate.Num <= 0 {
		rate = timebase.Rational{Num: 25, Den: 1}
	}
	tb := in.TimeBase
	if !tb.Valid() {
		tb = timebase.MPEGTS
	}

	cmd := ffmpeg.NewCommandBuilder(cfg.Binary).
		LogLevel(cfg.LogLevel).
		HideBanner().
		InputArgs(
			"-f", "rawvideo",
			"-pixel_format", media.PixelFormatYUV420P,
			"-video_size", strconv.Itoa(in.Width)+"x"+strconv.Itoa(in.Height),
			"-framerate", rate.String(),
		).
		Input(ffmpeg.PipeStdin).
		VideoCodec(encoderName).
		VideoBitrate(cfg.Encoder.Bitrate).
		VideoPreset(cfg.Encoder.Preset).
		OutputArgs(encoderArgs(cfg.Encoder)...).
		Format("mpegts").
		StderrLogPath(cfg.StderrLogPath).
		Output(ffmpeg.PipeStdout).
		Build().
		WithLogger(logger)

	if err := cmd.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting encoder: %w", err)
	}

	e := &Encoder{
		in: in,
		out: media.StreamDescriptor{
			Index:     0,
			Kind:      media.KindVideo,
			Codec:     codecName,
			TimeBase:  tb,
			FrameRate: rate,
			Width:     in.Width,
			Height:    in.Height,
		},
		logger:  logger,
		stdin:   cmd.Stdin(),
		packets: newQueue[*media.Packet](),
		pts:     make(map[int64]media.Timestamp),
	}

	var g errgroup.Group
	e.child = &child{name: "encoder", cmd: cmd, group: &g}
	stdout := cmd.Stdout()
	g.Go(func() error {
		e.readPackets(ctx, stdout, rate)
		return nil
	})

	logger.Debug("encoder started",
		slog.String("encoder", encoderName),
		slog.String("stream", e.out.String()),
		slog.Int("pid", cmd.PID()),
	)
	return e, nil
}

// encoderArgs renders the rate control and GOP settings.
func encoderArgs(cfg config.EncoderConfig) []string {
	var args []string
	add := func(flag string, v int) {
		if v > 0 {
			args = append(args, flag, strconv.Itoa(v))
		}
	}
	add("-g", cfg.GOP)
	args = append(args, "-bf", strconv.Itoa(max(cfg.MaxBFrames, 0)))
	add("-qmin", cfg.QMin)
	add("-qmax", cfg.QMax)
	add("-me_range", cfg.MERange)
	return append(args, "-pix_fmt", media.PixelFormatYUV420P)
}

// readPackets demuxes the encoded stream until EOF.
func (e *Encoder) readPackets(ctx context.Context, r io.Reader, rate timebase.Rational) {
	src, err := tsio.NewSource(ctx, io.NopCloser(r), tsio.SourceConfig{Logger: e.logger})
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			e.packets.close(io.EOF)
		} else {
			e.packets.close(fmt.Errorf("reading encoder output: %w", err))
		}
		_, _ = io.Copy(io.Discard, r)
		return
	}

	var first int64
	haveFirst := false
	for {
		pkt, err := src.ReadPacket(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				e.packets.close(io.EOF)
			} else {
				e.packets.close(fmt.Errorf("reading encoder output: %w", err))
			}
			_, _ = io.Copy(io.Discard, r)
			return
		}
		if !haveFirst {
			first = pkt.PTS.Value
			haveFirst = true
		}
		e.restore(pkt, first, rate)
		if !e.packets.push(pkt) {
			_, _ = io.Copy(io.Discard, r)
			return
		}
	}
}

// restore replaces the child's 90 kHz timestamps with the submitted frame
// timestamps. first is the pts of the first encoded packet, frame 0.
func (e *Encoder) restore(pkt *media.Packet, first int64, rate timebase.Rational) {
	tb := e.out.TimeBase
	offset := pkt.PTS.Value - first
	idx := timebase.Rescale(offset, timebase.MPEGTS, rate.Invert(), timebase.RoundNearInf)

	e.ptsMu.Lock()
	pts, ok := e.pts[idx]
	delete(e.pts, idx)
	origin := e.origin
	e.ptsMu.Unlock()

	if !ok || !pts.Valid {
		if origin.Valid {
			pts = media.TS(origin.Value + timebase.Rescale(offset, timebase.MPEGTS, tb, timebase.RoundNearInf))
		} else {
			pts = media.NoTS
		}
	}

	delay := int64(0)
	if pkt.DTS.Valid && pkt.PTS.Valid {
		delay = pkt.PTS.Value - pkt.DTS.Value
	}
	pkt.StreamIndex = 0
	pkt.PTS = pts
	pkt.DTS = pts
	if pts.Valid && delay > 0 {
		pkt.DTS = media.TS(pts.Value - timebase.Rescale(delay, timebase.MPEGTS, tb, timebase.RoundNearInf))
	}
	pkt.Duration = e.out.NominalDuration()
	pkt.Position = -1
}

// SubmitFrame writes one picture to the encoder.
func (e *Encoder) SubmitFrame(frame *media.Frame) error {
	if e.closed {
		return ErrClosed
	}
	if e.flushed {
		return fmt.Errorf("submit after flush")
	}
	if frame.Width != e.in.Width || frame.Height != e.in.Height {
		return fmt.Errorf("frame is %dx%d, encoder expects %dx%d", frame.Width, frame.Height, e.in.Width, e.in.Height)
	}
	size := media.YUV420PSize(frame.Width, frame.Height)
	if len(frame.Data) < size {
		return fmt.Errorf("frame has %d bytes, want %d", len(frame.Data), size)
	}

	e.ptsMu.Lock()
	idx := int64(e.nextIdx)
	e.nextIdx++
	e.pts[idx] = frame.PTS
	if !e.origin.Valid && frame.PTS.Valid {
		e.origin = media.TS(frame.PTS.Value - timebase.Rescale(idx, e.out.FrameRate.Invert(), e.out.TimeBase, timebase.RoundNearInf))
	}
	e.ptsMu.Unlock()

	if _, err := e.stdin.Write(frame.Data[:size]); err != nil {
		return fmt.Errorf("writing to encoder: %w", err)
	}
	return nil
}

// ReceivePacket returns the next encoded packet. Before Flush it returns
// media.ErrWouldBlock when none is ready.
func (e *Encoder) ReceivePacket() (*media.Packet, error) {
	if e.closed {
		return nil, ErrClosed
	}
	if e.flushed {
		return e.packets.pop()
	}
	p, ok, err := e.packets.tryPop()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, media.ErrWouldBlock
	}
	return p, nil
}

// Flush closes the child's input so it emits its remaining packets.
func (e *Encoder) Flush() error {
	if e.closed {
		return ErrClosed
	}
	if e.flushed {
		return nil
	}
	e.flushed = true
	return e.stdin.Close()
}

// Descriptor describes the encoded stream.
func (e *Encoder) Descriptor() media.StreamDescriptor {
	return e.out
}

// Resources reports the child process usage.
func (e *Encoder) Resources() []pipeline.Resource {
	return e.child.Resources()
}

// Close stops the child process.
func (e *Encoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	var stdinErr error
	if !e.flushed {
		stdinErr = ignoreBrokenPipe(e.stdin.Close())
	}
	e.packets.close(ErrClosed)
	return errors.Join(stdinErr, e.child.shutdown())
}
