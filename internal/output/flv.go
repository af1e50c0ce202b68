package output

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/yutopp/go-amf0"

	"github.com/jmylchreest/osdrelay/internal/media"
	"github.com/jmylchreest/osdrelay/internal/timebase"
	"github.com/jmylchreest/osdrelay/internal/tsio"
)

// FLV tag types.
const (
	tagAudio  byte = 8
	tagVideo  byte = 9
	tagScript byte = 18
)

const (
	flvCodecAVC = 7

	flvFrameKey   = 1
	flvFrameInter = 2

	flvAVCSequenceHeader = 0
	flvAVCNALU           = 1

	// AAC, 44 kHz, 16 bit, stereo. FLV readers take the real values from
	// the AudioSpecificConfig.
	flvAudioAAC = 0xAF
	// MP3, 44 kHz, 16 bit, stereo.
	flvAudioMP3 = 0x2F

	flvAACSequenceHeader = 0
	flvAACRaw            = 1
)

var errUnsupportedFLVCodec = errors.New("codec cannot be carried in FLV")

// tagWriter carries FLV tags to a file or a publishing session.
type tagWriter interface {
	begin(hasVideo, hasAudio bool) error
	writeTag(tagType byte, timestamp uint32, body []byte) error
	Close() error
}

// flvFile writes an FLV byte stream.
type flvFile struct {
	dest *destination
	buf  *bufio.Writer
}

func newFLVFile(dest *destination) *flvFile {
	return &flvFile{dest: dest, buf: bufio.NewWriterSize(dest, 64*1024)}
}

func (f *flvFile) begin(hasVideo, hasAudio bool) error {
	var flags byte
	if hasAudio {
		flags |= 0x04
	}
	if hasVideo {
		flags |= 0x01
	}
	header := []byte{'F', 'L', 'V', 1, flags, 0, 0, 0, 9, 0, 0, 0, 0}
	if _, err := f.buf.Write(header); err != nil {
		return err
	}
	return f.flushLive()
}

func (f *flvFile) writeTag(tagType byte, timestamp uint32, body []byte) error {
	var hdr [11]byte
	hdr[0] = tagType
	putUint24(hdr[1:], uint32(len(body)))
	putUint24(hdr[4:], timestamp&0xFFFFFF)
	hdr[7] = byte(timestamp >> 24)

	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], uint32(len(hdr)+len(body)))

	for _, b := range [][]byte{hdr[:], body, trailer[:]} {
		if _, err := f.buf.Write(b); err != nil {
			return err
		}
	}
	return f.flushLive()
}

func (f *flvFile) flushLive() error {
	if f.dest.live {
		return f.buf.Flush()
	}
	return nil
}

func (f *flvFile) Close() error {
	return errors.Join(f.buf.Flush(), f.dest.Close())
}

// flvSink muxes one H.264 stream and one AAC or MP3 stream into FLV tags.
// Output timestamps are in milliseconds.
type flvSink struct {
	w      tagWriter
	logger *slog.Logger

	mu         sync.Mutex
	streams    []media.StreamDescriptor
	video      int
	audio      int
	started    bool
	videoReady bool
	dropped    int

	closeOnce sync.Once
	closeErr  error
}

func newFLVSink(w tagWriter, logger *slog.Logger) *flvSink {
	return &flvSink{w: w, logger: logger, video: -1, audio: -1}
}

func (s *flvSink) AddStream(desc media.StreamDescriptor) (media.StreamDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return media.StreamDescriptor{}, tsio.ErrHeaderWritten
	}

	index := len(s.streams)
	switch {
	case desc.Kind == media.KindVideo && desc.Codec == media.CodecH264 && s.video < 0:
		s.video = index
	case desc.Kind == media.KindAudio && (desc.Codec == media.CodecAAC || desc.Codec == media.CodecMP3) && s.audio < 0:
		s.audio = index
	default:
		return media.StreamDescriptor{}, fmt.Errorf("%w: %s", errUnsupportedFLVCodec, desc)
	}

	out := desc
	out.Index = index
	out.TimeBase = timebase.Millis
	s.streams = append(s.streams, out)
	return out, nil
}

// WriteHeader writes the file header, the metadata and the codec
// configuration known so far.
func (s *flvSink) WriteHeader(_ map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.streams) == 0 {
		return fmt.Errorf("no streams registered")
	}
	if err := s.w.begin(s.video >= 0, s.audio >= 0); err != nil {
		return fmt.Errorf("writing flv header: %w", err)
	}
	s.started = true

	meta, err := s.metadata()
	if err != nil {
		return err
	}
	if err := s.w.writeTag(tagScript, 0, meta); err != nil {
		return fmt.Errorf("writing flv metadata: %w", err)
	}

	if s.audio >= 0 && s.streams[s.audio].Codec == media.CodecAAC {
		conf, err := tsio.AudioConfig(s.streams[s.audio])
		if err != nil {
			return err
		}
		asc, err := conf.Marshal()
		if err != nil {
			return fmt.Errorf("encoding AudioSpecificConfig: %w", err)
		}
		if err := s.w.writeTag(tagAudio, 0, append([]byte{flvAudioAAC, flvAACSequenceHeader}, asc...)); err != nil {
			return err
		}
	}

	if s.video >= 0 {
		ext := s.streams[s.video].Extradata
		if len(ext) >= 2 {
			if err := s.writeVideoConfig(0, ext[0], ext[1]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *flvSink) metadata() ([]byte, error) {
	meta := map[string]interface{}{
		"duration": 0.0,
		"encoder":  "osdrelay",
	}
	if s.video >= 0 {
		v := s.streams[s.video]
		meta["videocodecid"] = float64(flvCodecAVC)
		meta["width"] = float64(v.Width)
		meta["height"] = float64(v.Height)
		if v.FrameRate.Valid() {
			meta["framerate"] = v.FrameRate.Float()
		}
	}
	if s.audio >= 0 {
		a := s.streams[s.audio]
		meta["audiocodecid"] = float64(flvAudioAAC >> 4)
		if a.Codec == media.CodecMP3 {
			meta["audiocodecid"] = float64(flvAudioMP3 >> 4)
		}
		meta["audiosamplerate"] = float64(a.SampleRate)
		meta["stereo"] = a.Channels != 1
	}

	var buf bytes.Buffer
	enc := amf0.NewEncoder(&buf)
	if err := enc.Encode("onMetaData"); err != nil {
		return nil, fmt.Errorf("encoding flv metadata: %w", err)
	}
	if err := enc.Encode(meta); err != nil {
		return nil, fmt.Errorf("encoding flv metadata: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *flvSink) WritePacket(pkt *media.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return fmt.Errorf("write before header")
	}
	if pkt.StreamIndex < 0 || pkt.StreamIndex >= len(s.streams) {
		return fmt.Errorf("unknown output stream %d", pkt.StreamIndex)
	}

	pts, dts := pkt.PTS.Value, pkt.DTS.Value
	if !pkt.DTS.Valid {
		dts = pts
	}
	if !pkt.PTS.Valid {
		pts = dts
	}

	if pkt.StreamIndex == s.video {
		return s.writeVideo(pkt, pts, dts)
	}
	return s.writeAudio(pkt, dts)
}

func (s *flvSink) writeVideo(pkt *media.Packet, pts, dts int64) error {
	desc := s.streams[s.video]
	nalus := tsio.NALUnits(desc, pkt.Data, pkt.Keyframe)

	if !s.videoReady {
		sps, pps := findParams(nalus)
		if !pkt.Keyframe || sps == nil || pps == nil {
			s.dropped++
			return nil
		}
		if s.dropped > 0 {
			s.logger.Debug("dropped video before first keyframe", slog.Int("packets", s.dropped))
		}
		if err := s.writeVideoConfig(flvTimestamp(dts), sps, pps); err != nil {
			return err
		}
	}

	filtered := nalus[:0:0]
	for _, nalu := range nalus {
		if len(nalu) > 0 && h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeAccessUnitDelimiter {
			continue
		}
		filtered = append(filtered, nalu)
	}
	payload, err := h264.AVCC(filtered).Marshal()
	if err != nil {
		return fmt.Errorf("encoding avcc: %w", err)
	}

	frameType := byte(flvFrameInter)
	if pkt.Keyframe {
		frameType = flvFrameKey
	}
	body := make([]byte, 5, 5+len(payload))
	body[0] = frameType<<4 | flvCodecAVC
	body[1] = flvAVCNALU
	putUint24(body[2:], uint32(int32(pts-dts))&0xFFFFFF)
	body = append(body, payload...)
	return s.w.writeTag(tagVideo, flvTimestamp(dts), body)
}

func (s *flvSink) writeVideoConfig(timestamp uint32, sps, pps []byte) error {
	record := avcDecoderConfig(sps, pps)
	if record == nil {
		return nil
	}
	body := append([]byte{flvFrameKey<<4 | flvCodecAVC, flvAVCSequenceHeader, 0, 0, 0}, record...)
	if err := s.w.writeTag(tagVideo, timestamp, body); err != nil {
		return err
	}
	s.videoReady = true
	return nil
}

func (s *flvSink) writeAudio(pkt *media.Packet, dts int64) error {
	desc := s.streams[s.audio]
	if desc.Codec == media.CodecMP3 {
		return s.writeAudioTag(dts, append([]byte{flvAudioMP3}, pkt.Data...))
	}

	rate := desc.SampleRate
	if rate <= 0 {
		rate = 48000
	}
	for i, frame := range tsio.AACFrames(pkt.Data) {
		offset := timebase.Rescale(int64(i*1024), timebase.Rational{Num: 1, Den: int64(rate)}, timebase.Millis, timebase.RoundNearInf)
		body := append([]byte{flvAudioAAC, flvAACRaw}, frame...)
		if err := s.writeAudioTag(dts+offset, body); err != nil {
			return err
		}
	}
	return nil
}

func (s *flvSink) writeAudioTag(ms int64, body []byte) error {
	return s.w.writeTag(tagAudio, flvTimestamp(ms), body)
}

// WriteTrailer is a no-op: FLV has no index to finalize.
func (s *flvSink) WriteTrailer() error {
	return nil
}

func (s *flvSink) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.w.Close()
	})
	return s.closeErr
}

// findParams returns the first SPS and PPS of an access unit.
func findParams(nalus [][]byte) (sps, pps []byte) {
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			if sps == nil {
				sps = nalu
			}
		case h264.NALUTypePPS:
			if pps == nil {
				pps = nalu
			}
		}
	}
	return sps, pps
}

// avcDecoderConfig builds an AVCDecoderConfigurationRecord holding one SPS
// and one PPS with 4-byte NALU lengths.
func avcDecoderConfig(sps, pps []byte) []byte {
	if len(sps) < 4 || len(pps) == 0 {
		return nil
	}
	rec := make([]byte, 0, 11+len(sps)+len(pps))
	rec = append(rec, 1, sps[1], sps[2], sps[3], 0xFF, 0xE1)
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(sps)))
	rec = append(rec, sps...)
	rec = append(rec, 1)
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(pps)))
	return append(rec, pps...)
}

// flvTimestamp clamps a millisecond timestamp to the 32-bit tag range.
func flvTimestamp(ms int64) uint32 {
	if ms < 0 {
		return 0
	}
	return uint32(ms)
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}
