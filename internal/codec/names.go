// Package codec runs video decoding and encoding in FFmpeg child processes
// behind the two-phase decoder and encoder interfaces.
package codec

import (
	"fmt"
	"strings"

	"github.com/jmylchreest/osdrelay/internal/media"
)

// encoderAliases maps FFmpeg encoder and codec names to the codec they emit.
var encoderAliases = map[string]string{
	"h264":              media.CodecH264,
	"avc":               media.CodecH264,
	"libx264":           media.CodecH264,
	"libopenh264":       media.CodecH264,
	"h264_nvenc":        media.CodecH264,
	"h264_qsv":          media.CodecH264,
	"h264_vaapi":        media.CodecH264,
	"h264_videotoolbox": media.CodecH264,
	"h264_amf":          media.CodecH264,
	"h264_v4l2m2m":      media.CodecH264,
	"h265":              media.CodecH265,
	"hevc":              media.CodecH265,
	"libx265":           media.CodecH265,
	"hevc_nvenc":        media.CodecH265,
	"hevc_qsv":          media.CodecH265,
	"hevc_vaapi":        media.CodecH265,
	"hevc_videotoolbox": media.CodecH265,
	"hevc_amf":          media.CodecH265,
}

// EncodedCodec returns the codec produced by an FFmpeg encoder name.
func EncodedCodec(encoder string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(encoder))
	if c, ok := encoderAliases[name]; ok {
		return c, nil
	}
	return "", fmt.Errorf("encoder %q does not produce H.264 or H.265", encoder)
}

// ffmpegEncoder returns the FFmpeg encoder to run for a configured codec.
// Bare codec names select the software encoder.
func ffmpegEncoder(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "h264", "avc":
		return "libx264"
	case "h265", "hevc":
		return "libx265"
	default:
		return name
	}
}
