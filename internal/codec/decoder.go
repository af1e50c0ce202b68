package codec

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/osdrelay/internal/ffmpeg"
	"github.com/jmylchreest/osdrelay/internal/media"
	"github.com/jmylchreest/osdrelay/internal/observability"
	"github.com/jmylchreest/osdrelay/internal/pipeline"
	"github.com/jmylchreest/osdrelay/internal/timebase"
	"github.com/jmylchreest/osdrelay/internal/tsio"
)

// Decoder decodes one H.264 or H.265 stream to yuv420p frames. Packets are
// muxed into MPEG-TS on the child's stdin and raw pictures are read from its
// stdout.
type Decoder struct {
	desc   media.StreamDescriptor
	logger *slog.Logger
	child  *child
	sink   *tsio.Sink
	frames *queue[*media.Frame]

	// Presentation timestamps of submitted packets. Pictures leave the
	// decoder in presentation order, so each one takes the smallest.
	ptsMu sync.Mutex
	pts   tsHeap

	flushed bool
	closed  bool
}

var _ media.Decoder = (*Decoder)(nil)
var _ pipeline.ResourceReporter = (*Decoder)(nil)

// NewDecoder starts an FFmpeg decoder for desc. The stream's width and
// height must be known.
func NewDecoder(ctx context.Context, desc media.StreamDescriptor, cfg Config) (*Decoder, error) {
	if desc.Kind != media.KindVideo {
		return nil, fmt.Errorf("decoder needs a video stream, got %s", desc.Kind)
	}
	if desc.Width <= 0 || desc.Height <= 0 {
		return nil, fmt.Errorf("video stream #%d has unknown dimensions", desc.Index)
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Discard()
	}
	logger := observability.WithComponent(cfg.Logger, "decoder")

	size := strconv.Itoa(desc.Width) + "x" + strconv.Itoa(desc.Height)
	cmd := ffmpeg.NewCommandBuilder(cfg.Binary).
		LogLevel(cfg.LogLevel).
		HideBanner().
		InputArgs("-f", "mpegts").
		Input(ffmpeg.PipeStdin).
		OutputArgs("-map", "0:v:0", "-an", "-sn", "-fps_mode", "passthrough", "-s", size, "-pix_fmt", media.PixelFormatYUV420P).
		Format("rawvideo").
		StderrLogPath(cfg.StderrLogPath).
		Output(ffmpeg.PipeStdout).
		Build().
		WithLogger(logger)

	if err := cmd.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting decoder: %w", err)
	}

	d := &Decoder{
		desc:   desc,
		logger: logger,
		frames: newQueue[*media.Frame](),
	}

	d.sink = tsio.NewSink(cmd.Stdin(), logger)
	d.sink.FlushEachPacket = true
	in := desc
	in.Index = 0
	if _, err := d.sink.AddStream(in); err != nil {
		_ = cmd.Kill()
		_ = cmd.Wait()
		return nil, err
	}
	if err := d.sink.WriteHeader(nil); err != nil {
		_ = cmd.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	var g errgroup.Group
	d.child = &child{name: "decoder", cmd: cmd, group: &g}
	g.Go(func() error {
		d.readFrames(cmd.Stdout())
		return nil
	})

	logger.Debug("decoder started", slog.String("stream", desc.String()), slog.Int("pid", cmd.PID()))
	return d, nil
}

// readFrames slices stdout into pictures until EOF.
func (d *Decoder) readFrames(r io.Reader) {
	size := media.YUV420PSize(d.desc.Width, d.desc.Height)
	for {
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.frames.close(io.EOF)
			} else {
				d.frames.close(fmt.Errorf("reading decoded frames: %w", err))
			}
			return
		}

		d.ptsMu.Lock()
		pts := media.NoTS
		if d.pts.Len() > 0 {
			pts = media.TS(heap.Pop(&d.pts).(int64))
		}
		d.ptsMu.Unlock()

		if !d.frames.push(&media.Frame{
			PTS:         pts,
			Width:       d.desc.Width,
			Height:      d.desc.Height,
			PixelFormat: media.PixelFormatYUV420P,
			Data:        buf,
		}) {
			_, _ = io.Copy(io.Discard, r)
			return
		}
	}
}

// SubmitPacket sends one packet to the decoder. Its timestamps are in the
// stream's time base.
func (d *Decoder) SubmitPacket(pkt *media.Packet) error {
	if d.closed {
		return ErrClosed
	}
	if d.flushed {
		return fmt.Errorf("submit after flush")
	}

	out := pkt.Clone()
	out.StreamIndex = 0
	if d.desc.TimeBase != timebase.MPEGTS {
		out.PTS = rescaleTS(pkt.PTS, d.desc.TimeBase, timebase.MPEGTS)
		out.DTS = rescaleTS(pkt.DTS, d.desc.TimeBase, timebase.MPEGTS)
	}
	if pkt.PTS.Valid {
		d.ptsMu.Lock()
		heap.Push(&d.pts, pkt.PTS.Value)
		d.ptsMu.Unlock()
	}
	if err := d.sink.WritePacket(out); err != nil {
		return fmt.Errorf("writing to decoder: %w", err)
	}
	return nil
}

// ReceiveFrame returns the next decoded picture. Before Flush it returns
// media.ErrWouldBlock when none is ready.
func (d *Decoder) ReceiveFrame() (*media.Frame, error) {
	if d.closed {
		return nil, ErrClosed
	}
	if d.flushed {
		return d.frames.pop()
	}
	f, ok, err := d.frames.tryPop()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, media.ErrWouldBlock
	}
	return f, nil
}

// Flush closes the child's input so it emits its remaining pictures.
func (d *Decoder) Flush() error {
	if d.closed {
		return ErrClosed
	}
	if d.flushed {
		return nil
	}
	d.flushed = true
	return d.sink.Close()
}

// Resources reports the child process usage.
func (d *Decoder) Resources() []pipeline.Resource {
	return d.child.Resources()
}

// Close stops the child process.
func (d *Decoder) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	sinkErr := d.sink.Close()
	d.frames.close(ErrClosed)
	err := d.child.shutdown()
	if d.flushed {
		sinkErr = nil
	}
	return errors.Join(ignoreBrokenPipe(sinkErr), err)
}

func rescaleTS(ts media.Timestamp, from, to timebase.Rational) media.Timestamp {
	if !ts.Valid {
		return ts
	}
	return media.TS(timebase.Rescale(ts.Value, from, to, timebase.RoundNearInf))
}

// tsHeap is a min-heap of timestamps.
type tsHeap []int64

func (h tsHeap) Len() int           { return len(h) }
func (h tsHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h tsHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *tsHeap) Push(x any)        { *h = append(*h, x.(int64)) }
func (h *tsHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
