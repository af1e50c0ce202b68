package pipeline

import (
	"github.com/jmylchreest/osdrelay/internal/media"
	"github.com/jmylchreest/osdrelay/internal/timebase"
)

// TimeGap tracks the last emitted audio and video presentation times, in
// seconds of output-container time.
type TimeGap struct {
	AudioTime float64 `json:"audio_time"`
	VideoTime float64 `json:"video_time"`

	audioPTS  int64
	audioBase timebase.Rational
	haveAudio bool
}

// Synchronizer rewrites packet timestamps on their way to the output. It is
// owned by a single session worker and is not safe for concurrent use.
type Synchronizer struct {
	frameIndex map[int]int64
	lastDTS    map[int]int64
	gap        TimeGap
}

// NewSynchronizer returns an empty synchronizer.
func NewSynchronizer() *Synchronizer {
	return &Synchronizer{
		frameIndex: make(map[int]int64),
		lastDTS:    make(map[int]int64),
	}
}

// Gap returns the current time gap state.
func (s *Synchronizer) Gap() TimeGap {
	return s.gap
}

// Advance returns the frame index of the next packet routed for an input
// stream and bumps the counter.
func (s *Synchronizer) Advance(streamIndex int) int64 {
	idx := s.frameIndex[streamIndex]
	s.frameIndex[streamIndex] = idx + 1
	return idx
}

// FillMissing gives pkt timestamps when the source left them out. A packet
// with neither pts nor dts is placed at frameIndex nominal frame durations.
// When only one is present the other is copied from it.
func (s *Synchronizer) FillMissing(pkt *media.Packet, desc media.StreamDescriptor, frameIndex int64) {
	switch {
	case pkt.PTS.Valid && pkt.DTS.Valid:
		return
	case pkt.PTS.Valid:
		pkt.DTS = pkt.PTS
		return
	case pkt.DTS.Valid:
		pkt.PTS = pkt.DTS
		return
	}

	var pts int64
	if desc.FrameRate.Valid() && desc.TimeBase.Valid() {
		// frameIndex/rate seconds, taken through the global tick.
		micros := timebase.Rescale(frameIndex, desc.FrameRate.Invert(), timebase.Micros, timebase.RoundNearInf)
		pts = timebase.Rescale(micros, timebase.Micros, desc.TimeBase, timebase.RoundNearInf)
	}
	pkt.PTS = media.TS(pts)
	pkt.DTS = pkt.PTS
	pkt.Duration = desc.NominalDuration()
}

// Rescale converts pts, dts and duration from one time base to another and
// invalidates the byte position.
func (s *Synchronizer) Rescale(pkt *media.Packet, from, to timebase.Rational) {
	if pkt.PTS.Valid {
		pkt.PTS.Value = timebase.Rescale(pkt.PTS.Value, from, to, timebase.RoundNearInf)
	}
	if pkt.DTS.Valid {
		pkt.DTS.Value = timebase.Rescale(pkt.DTS.Value, from, to, timebase.RoundNearInf)
	}
	pkt.Duration = timebase.Rescale(pkt.Duration, from, to, timebase.RoundNearInf)
	pkt.Position = -1
}

// Repair keeps dts strictly increasing per output stream. A packet whose dts
// does not advance is moved to one duration (at least one tick) past the
// previous dts, with pts set equal to it.
func (s *Synchronizer) Repair(pkt *media.Packet) {
	if !pkt.DTS.Valid {
		pkt.DTS = pkt.PTS
	}
	last, seen := s.lastDTS[pkt.StreamIndex]
	if seen && pkt.DTS.Value <= last {
		next := last + max(pkt.Duration, 1)
		pkt.DTS = media.TS(next)
		pkt.PTS = media.TS(next)
	}
	s.lastDTS[pkt.StreamIndex] = pkt.DTS.Value
	pkt.Position = -1
}

// RecordAudio remembers the presentation time of an audio packet that was
// written in time base tb.
func (s *Synchronizer) RecordAudio(pkt *media.Packet, tb timebase.Rational) {
	if !pkt.PTS.Valid {
		return
	}
	s.gap.audioPTS = pkt.PTS.Value
	s.gap.audioBase = tb
	s.gap.haveAudio = true
	s.gap.AudioTime = tb.Seconds(pkt.PTS.Value)
}

// AnchorVideo places a transformed video packet, already in output time base
// tb, at the last recorded audio time and repairs it. It reports whether an
// audio anchor was available; without one only the repair is applied.
func (s *Synchronizer) AnchorVideo(pkt *media.Packet, tb timebase.Rational) bool {
	anchored := s.gap.haveAudio
	if anchored {
		v := timebase.Rescale(s.gap.audioPTS, s.gap.audioBase, tb, timebase.RoundNearInf)
		pkt.PTS = media.TS(v)
		pkt.DTS = media.TS(v)
	}
	s.Repair(pkt)
	return anchored
}

// CommitVideo records the presentation time of a video packet that was written.
func (s *Synchronizer) CommitVideo(pkt *media.Packet, tb timebase.Rational) {
	if pkt.PTS.Valid {
		s.gap.VideoTime = tb.Seconds(pkt.PTS.Value)
	}
}
