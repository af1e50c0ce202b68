package tsio

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"github.com/jmylchreest/osdrelay/internal/media"
	"github.com/jmylchreest/osdrelay/internal/timebase"
)

func applyH265SPS(desc *media.StreamDescriptor, au [][]byte) bool {
	var vps, sps, pps []byte
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h265.NALUType((nalu[0] >> 1) & 0x3F) {
		case h265.NALUType_VPS_NUT:
			vps = nalu
		case h265.NALUType_SPS_NUT:
			sps = nalu
		case h265.NALUType_PPS_NUT:
			pps = nalu
		}
	}
	if sps == nil {
		return false
	}

	var parsed h265.SPS
	if err := parsed.Unmarshal(sps); err != nil {
		return false
	}
	desc.Width = parsed.Width()
	desc.Height = parsed.Height()
	if fps := parsed.FPS(); fps > 0 {
		desc.FrameRate = timebase.FromFrameRate(fps)
	}
	desc.Extradata = nil
	for _, ps := range [][]byte{vps, sps, pps} {
		if ps != nil {
			desc.Extradata = append(desc.Extradata, ps)
		}
	}
	return true
}

// ensureH265Params prepends VPS, SPS and PPS to a keyframe that lacks them.
func ensureH265Params(au [][]byte, extradata [][]byte) [][]byte {
	if len(extradata) == 0 {
		return au
	}
	for _, nalu := range au {
		if len(nalu) > 0 && h265.NALUType((nalu[0]>>1)&0x3F) == h265.NALUType_SPS_NUT {
			return au
		}
	}
	out := make([][]byte, 0, len(au)+len(extradata))
	out = append(out, extradata...)
	return append(out, au...)
}
