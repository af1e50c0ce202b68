// Package probe lists the programs and elementary streams of an MPEG-TS
// byte stream.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/asticode/go-astits"
)

// DefaultPacketLimit is the number of PES packets read when no limit is given.
const DefaultPacketLimit = 500

// Stream is one elementary stream of a program.
type Stream struct {
	PID        uint16 `json:"pid" yaml:"pid"`
	StreamType uint8  `json:"stream_type" yaml:"stream_type"`
	Codec      string `json:"codec" yaml:"codec"`
	Packets    int    `json:"packets" yaml:"packets"`
}

// Program is one program of the transport stream.
type Program struct {
	Number  uint16   `json:"number" yaml:"number"`
	PMTPID  uint16   `json:"pmt_pid" yaml:"pmt_pid"`
	PCRPID  uint16   `json:"pcr_pid" yaml:"pcr_pid"`
	Streams []Stream `json:"streams" yaml:"streams"`
}

// Result is what was learned from the stream.
type Result struct {
	Programs   []Program `json:"programs" yaml:"programs"`
	PESPackets int       `json:"pes_packets" yaml:"pes_packets"`
}

var codecNames = map[uint8]string{
	0x01: "mpeg1video",
	0x02: "mpeg2video",
	0x03: "mp3",
	0x04: "mp3",
	0x06: "private",
	0x0F: "aac",
	0x11: "aac_latm",
	0x15: "klv",
	0x1B: "h264",
	0x24: "h265",
	0x81: "ac3",
	0x87: "eac3",
}

// CodecName names an MPEG-TS stream type.
func CodecName(streamType uint8) string {
	if name, ok := codecNames[streamType]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02x)", streamType)
}

// Probe reads r until limit PES packets were seen, the stream ends or ctx is
// done. Programs are reported in PAT order.
func Probe(ctx context.Context, r io.Reader, limit int) (*Result, error) {
	if limit <= 0 {
		limit = DefaultPacketLimit
	}

	dmx := astits.NewDemuxer(ctx, r)
	res := &Result{}
	programs := make(map[uint16]*Program)
	var order []uint16
	packets := make(map[uint16]int)

	for res.PESPackets < limit {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			if ctx.Err() != nil {
				break
			}
			return nil, fmt.Errorf("demuxing: %w", err)
		}

		switch {
		case d.PAT != nil:
			for _, p := range d.PAT.Programs {
				if p.ProgramNumber == 0 {
					continue
				}
				if _, ok := programs[p.ProgramNumber]; !ok {
					programs[p.ProgramNumber] = &Program{Number: p.ProgramNumber, PMTPID: p.ProgramMapID}
					order = append(order, p.ProgramNumber)
				}
			}
		case d.PMT != nil:
			prog, ok := programs[d.PMT.ProgramNumber]
			if !ok {
				prog = &Program{Number: d.PMT.ProgramNumber, PMTPID: d.PID}
				programs[d.PMT.ProgramNumber] = prog
				order = append(order, d.PMT.ProgramNumber)
			}
			prog.PCRPID = d.PMT.PCRPID
			prog.Streams = prog.Streams[:0]
			for _, es := range d.PMT.ElementaryStreams {
				prog.Streams = append(prog.Streams, Stream{
					PID:        es.ElementaryPID,
					StreamType: uint8(es.StreamType),
					Codec:      CodecName(uint8(es.StreamType)),
				})
			}
		case d.PES != nil:
			packets[d.PID]++
			res.PESPackets++
		}
	}

	if len(order) == 0 {
		return nil, errors.New("no program association table found")
	}

	for _, number := range order {
		prog := programs[number]
		for i := range prog.Streams {
			prog.Streams[i].Packets = packets[prog.Streams[i].PID]
		}
		slices.SortFunc(prog.Streams, func(a, b Stream) int { return int(a.PID) - int(b.PID) })
		res.Programs = append(res.Programs, *prog)
	}
	return res, nil
}
