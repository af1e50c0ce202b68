package pipeline

import (
	"fmt"

	"github.com/jmylchreest/osdrelay/internal/media"
)

// writePacket hands a finished packet to the sink, mapping failures to
// ErrOutputWrite.
func writePacket(sink media.Sink, stats *Stats, pkt *media.Packet) error {
	if err := sink.WritePacket(pkt); err != nil {
		return fmt.Errorf("%w: stream %d: %w", ErrOutputWrite, pkt.StreamIndex, err)
	}
	stats.PacketsWritten.Add(1)
	stats.BytesWritten.Add(int64(len(pkt.Data)))
	return nil
}

// passthroughPath forwards packets to the output with rewritten timestamps.
type passthroughPath struct {
	sink  media.Sink
	sync  *Synchronizer
	stats *Stats
}

func (p *passthroughPath) process(pkt *media.Packet, r route) error {
	p.sync.Rescale(pkt, r.in.TimeBase, r.out.TimeBase)
	pkt.StreamIndex = r.out.Index
	p.sync.Repair(pkt)

	if err := writePacket(p.sink, p.stats, pkt); err != nil {
		return err
	}
	if r.in.Kind == media.KindAudio {
		p.sync.RecordAudio(pkt, r.out.TimeBase)
	}
	return nil
}
