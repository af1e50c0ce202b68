package pipeline

import (
	"context"
	"time"

	"github.com/jmylchreest/osdrelay/internal/media"
	"github.com/jmylchreest/osdrelay/internal/timebase"
)

// pacer holds reads back so that the clock stream's dts never runs ahead of
// the wall clock. It is used for file inputs, which would otherwise be read
// as fast as the disk allows.
type pacer struct {
	enabled     bool
	streamIndex int
	tb          timebase.Rational

	started    bool
	start      time.Time
	firstMicro int64

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

func newPacer(enabled bool, clock media.StreamDescriptor) *pacer {
	return &pacer{
		enabled:     enabled,
		streamIndex: clock.Index,
		tb:          clock.TimeBase,
		now:         time.Now,
		after:       time.After,
	}
}

// wait blocks until pkt is due. It returns ctx.Err() when interrupted.
func (p *pacer) wait(ctx context.Context, pkt *media.Packet) error {
	if !p.enabled || pkt.StreamIndex != p.streamIndex || !pkt.DTS.Valid || !p.tb.Valid() {
		return nil
	}

	micros := timebase.Rescale(pkt.DTS.Value, p.tb, timebase.Micros, timebase.RoundNearInf)
	if !p.started {
		p.started = true
		p.start = p.now()
		p.firstMicro = micros
		return nil
	}

	due := time.Duration(micros-p.firstMicro) * time.Microsecond
	ahead := due - p.now().Sub(p.start)
	if ahead <= 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.after(ahead):
		return nil
	}
}
