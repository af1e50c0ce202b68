package pipeline

import "sync/atomic"

// Stats are session counters shared with status readers.
type Stats struct {
	PacketsRead    atomic.Int64
	PacketsWritten atomic.Int64
	PacketsDropped atomic.Int64
	PacketErrors   atomic.Int64
	FramesDecoded  atomic.Int64
	FramesEncoded  atomic.Int64
	BytesWritten   atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	PacketsRead    int64 `json:"packets_read"`
	PacketsWritten int64 `json:"packets_written"`
	PacketsDropped int64 `json:"dropped_packets"`
	PacketErrors   int64 `json:"packet_errors"`
	FramesDecoded  int64 `json:"frames_decoded"`
	FramesEncoded  int64 `json:"frames_encoded"`
	BytesWritten   int64 `json:"bytes_written"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		PacketsRead:    s.PacketsRead.Load(),
		PacketsWritten: s.PacketsWritten.Load(),
		PacketsDropped: s.PacketsDropped.Load(),
		PacketErrors:   s.PacketErrors.Load(),
		FramesDecoded:  s.FramesDecoded.Load(),
		FramesEncoded:  s.FramesEncoded.Load(),
		BytesWritten:   s.BytesWritten.Load(),
	}
}
