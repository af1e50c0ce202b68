// Package tsio reads and writes elementary streams carried in MPEG-TS.
package tsio

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/osdrelay/internal/media"
	"github.com/jmylchreest/osdrelay/internal/timebase"
)

// Samples per access unit for the fixed-size audio codecs.
const (
	aacFrameSamples  = 1024
	ac3FrameSamples  = 1536
	mp3FrameSamples  = 1152
	opusFrameSamples = 960

	defaultSampleRate = 48000
	defaultFrameRate  = 25
)

// trackCodec creates a mediacommon codec for an output stream.
func trackCodec(desc media.StreamDescriptor) (mpegts.Codec, error) {
	switch desc.Codec {
	case media.CodecH264:
		return &mpegts.CodecH264{}, nil
	case media.CodecH265:
		return &mpegts.CodecH265{}, nil
	case media.CodecAAC:
		conf, err := AudioConfig(desc)
		if err != nil {
			return nil, err
		}
		return &mpegts.CodecMPEG4Audio{Config: *conf}, nil
	case media.CodecAC3:
		return &mpegts.CodecAC3{SampleRate: orDefault(desc.SampleRate, defaultSampleRate), ChannelCount: orDefault(desc.Channels, 2)}, nil
	case media.CodecEAC3:
		return &mpegts.CodecEAC3{SampleRate: orDefault(desc.SampleRate, defaultSampleRate), ChannelCount: orDefault(desc.Channels, 6)}, nil
	case media.CodecMP3:
		return &mpegts.CodecMPEG1Audio{}, nil
	case media.CodecOpus:
		return &mpegts.CodecOpus{ChannelCount: orDefault(desc.Channels, 2)}, nil
	default:
		return nil, fmt.Errorf("codec %q cannot be carried in MPEG-TS", desc.Codec)
	}
}

// AudioConfig returns the AAC AudioSpecificConfig of desc, from its
// extradata when present and from sample rate and channels otherwise.
func AudioConfig(desc media.StreamDescriptor) (*mpeg4audio.AudioSpecificConfig, error) {
	conf := &mpeg4audio.AudioSpecificConfig{}
	if len(desc.Extradata) > 0 && len(desc.Extradata[0]) > 0 {
		if err := conf.Unmarshal(desc.Extradata[0]); err != nil {
			return nil, fmt.Errorf("parsing AudioSpecificConfig: %w", err)
		}
		return conf, nil
	}
	conf.Type = mpeg4audio.ObjectTypeAACLC
	conf.SampleRate = orDefault(desc.SampleRate, defaultSampleRate)
	conf.ChannelCount = orDefault(desc.Channels, 2)
	return conf, nil
}

// describeTrack builds the descriptor of an input track. ok is false for
// tracks that cannot be read.
func describeTrack(index int, track *mpegts.Track) (desc media.StreamDescriptor, ok bool) {
	desc = media.StreamDescriptor{Index: index, TimeBase: timebase.MPEGTS}

	switch codec := track.Codec.(type) {
	case *mpegts.CodecH264:
		desc.Kind, desc.Codec = media.KindVideo, media.CodecH264
		desc.FrameRate = timebase.Rational{Num: defaultFrameRate, Den: 1}
	case *mpegts.CodecH265:
		desc.Kind, desc.Codec = media.KindVideo, media.CodecH265
		desc.FrameRate = timebase.Rational{Num: defaultFrameRate, Den: 1}
	case *mpegts.CodecMPEG4Audio:
		desc.Kind, desc.Codec = media.KindAudio, media.CodecAAC
		desc.SampleRate = orDefault(codec.Config.SampleRate, defaultSampleRate)
		desc.Channels = codec.Config.ChannelCount
		desc.FrameRate = timebase.Rational{Num: int64(desc.SampleRate), Den: aacFrameSamples}
		if asc, err := codec.Config.Marshal(); err == nil {
			desc.Extradata = [][]byte{asc}
		}
	case *mpegts.CodecAC3:
		desc.Kind, desc.Codec = media.KindAudio, media.CodecAC3
		desc.SampleRate = orDefault(codec.SampleRate, defaultSampleRate)
		desc.Channels = codec.ChannelCount
		desc.FrameRate = timebase.Rational{Num: int64(desc.SampleRate), Den: ac3FrameSamples}
	case *mpegts.CodecEAC3:
		desc.Kind, desc.Codec = media.KindAudio, media.CodecEAC3
		desc.SampleRate = orDefault(codec.SampleRate, defaultSampleRate)
		desc.Channels = codec.ChannelCount
		desc.FrameRate = timebase.Rational{Num: int64(desc.SampleRate), Den: ac3FrameSamples}
	case *mpegts.CodecMPEG1Audio:
		desc.Kind, desc.Codec = media.KindAudio, media.CodecMP3
		desc.SampleRate = defaultSampleRate
		desc.FrameRate = timebase.Rational{Num: defaultSampleRate, Den: mp3FrameSamples}
	case *mpegts.CodecOpus:
		desc.Kind, desc.Codec = media.KindAudio, media.CodecOpus
		desc.SampleRate = defaultSampleRate
		desc.Channels = codec.ChannelCount
		desc.FrameRate = timebase.Rational{Num: defaultSampleRate, Den: opusFrameSamples}
	default:
		return desc, false
	}
	return desc, true
}

// applySPS fills video geometry, frame rate and parameter sets from a
// keyframe access unit. It reports whether an SPS was found.
func applySPS(desc *media.StreamDescriptor, au [][]byte) bool {
	if desc.Codec == media.CodecH265 {
		return applyH265SPS(desc, au)
	}

	var sps, pps []byte
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			sps = nalu
		case h264.NALUTypePPS:
			pps = nalu
		}
	}
	if sps == nil {
		return false
	}

	var parsed h264.SPS
	if err := parsed.Unmarshal(sps); err != nil {
		return false
	}
	desc.Width = parsed.Width()
	desc.Height = parsed.Height()
	if fps := parsed.FPS(); fps > 0 {
		desc.FrameRate = timebase.FromFrameRate(fps)
	}
	desc.Extradata = [][]byte{sps}
	if pps != nil {
		desc.Extradata = append(desc.Extradata, pps)
	}
	return true
}

// ensureParams prepends the stream's SPS and PPS to a keyframe that lacks
// them, so each keyframe is decodable on its own.
func ensureParams(au [][]byte, extradata [][]byte) [][]byte {
	if len(extradata) == 0 {
		return au
	}
	for _, nalu := range au {
		if len(nalu) > 0 && h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeSPS {
			return au
		}
	}
	out := make([][]byte, 0, len(au)+len(extradata))
	out = append(out, extradata...)
	return append(out, au...)
}

// splitAnnexB converts Annex-B data into NAL units. Data without a start
// code is treated as a single NAL unit.
func splitAnnexB(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if len(data) >= 4 && data[0] == 0 && data[1] == 0 && (data[2] == 1 || (data[2] == 0 && data[3] == 1)) {
		var au h264.AnnexB
		if err := au.Unmarshal(data); err == nil {
			return au
		}
	}
	return [][]byte{data}
}

// extractAACFrames strips ADTS headers when present.
func extractAACFrames(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if len(data) >= 7 && data[0] == 0xFF && (data[1]&0xF0) == 0xF0 {
		return extractADTSFrames(data)
	}
	return [][]byte{data}
}

func extractADTSFrames(data []byte) [][]byte {
	var frames [][]byte
	offset := 0

	for offset+7 <= len(data) {
		if data[offset] != 0xFF || (data[offset+1]&0xF0) != 0xF0 {
			offset++
			continue
		}

		headerSize := 7
		if data[offset+1]&0x01 == 0 {
			headerSize = 9 // CRC present
		}
		frameLen := int(data[offset+3]&0x03)<<11 | int(data[offset+4])<<3 | int(data[offset+5]>>5)
		if frameLen < headerSize || offset+frameLen > len(data) {
			break
		}

		if raw := data[offset+headerSize : offset+frameLen]; len(raw) > 0 {
			frames = append(frames, raw)
		}
		offset += frameLen
	}
	return frames
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// NALUnits splits an Annex-B access unit into NAL units. H.264 keyframes
// get the stream's SPS and PPS prepended when they lack them.
func NALUnits(desc media.StreamDescriptor, data []byte, keyframe bool) [][]byte {
	au := splitAnnexB(data)
	if !keyframe {
		return au
	}
	switch desc.Codec {
	case media.CodecH264:
		return ensureParams(au, desc.Extradata)
	case media.CodecH265:
		return ensureH265Params(au, desc.Extradata)
	}
	return au
}

// AACFrames returns the raw AAC frames of a packet, stripping ADTS headers.
func AACFrames(data []byte) [][]byte {
	return extractAACFrames(data)
}
