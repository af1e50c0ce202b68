package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/jmylchreest/osdrelay/internal/media"
)

type routeKind uint8

const (
	routePassthrough routeKind = iota
	routeTransform
)

func (k routeKind) String() string {
	if k == routeTransform {
		return "transform"
	}
	return "passthrough"
}

// route is the resolved destination of one input stream.
type route struct {
	kind routeKind
	in   media.StreamDescriptor
	out  media.StreamDescriptor
}

// Router dispatches packets by input stream index. Its table is fixed when
// the session initializes.
type Router struct {
	table       map[int]route
	sync        *Synchronizer
	passthrough *passthroughPath
	transform   *transformPath
	stats       *Stats
	logger      *slog.Logger
}

func (r *Router) add(kind routeKind, in, out media.StreamDescriptor) {
	r.table[in.Index] = route{kind: kind, in: in, out: out}
}

// Route sends pkt down the path registered for its stream. Packets for
// unknown streams are dropped. Only output write failures are returned.
func (r *Router) Route(pkt *media.Packet) error {
	rt, ok := r.table[pkt.StreamIndex]
	if !ok {
		r.stats.PacketsDropped.Add(1)
		r.logger.Warn("dropping packet for unknown stream", slog.Int("stream_index", pkt.StreamIndex))
		return nil
	}

	frameIndex := r.sync.Advance(pkt.StreamIndex)
	r.sync.FillMissing(pkt, rt.in, frameIndex)

	switch rt.kind {
	case routeTransform:
		return r.transform.process(pkt)
	case routePassthrough:
		return r.passthrough.process(pkt, rt)
	default:
		return fmt.Errorf("stream %d: unknown route %d", pkt.StreamIndex, rt.kind)
	}
}
