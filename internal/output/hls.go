package output

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	gohlslib "github.com/bluenviron/gohlslib/v2"
	"github.com/bluenviron/gohlslib/v2/pkg/codecs"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"github.com/jmylchreest/osdrelay/internal/config"
	"github.com/jmylchreest/osdrelay/internal/media"
	"github.com/jmylchreest/osdrelay/internal/timebase"
	"github.com/jmylchreest/osdrelay/internal/tsio"
)

// ErrNameInUse is returned when an HLS output name is already served.
var ErrNameInUse = errors.New("hls output name already in use")

const hlsSegmentMaxSize = 50 * 1024 * 1024

func hlsVariant(name string) gohlslib.MuxerVariant {
	switch strings.ToLower(name) {
	case "fmp4":
		return gohlslib.MuxerVariantFMP4
	case "lowlatency":
		return gohlslib.MuxerVariantLowLatency
	default:
		return gohlslib.MuxerVariantMPEGTS
	}
}

// Registry serves the playlists and segments of live HLS outputs under
// /{name}/.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]*hlsSink
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]*hlsSink)}
}

// Names returns the outputs currently registered.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	return names
}

func (r *Registry) add(s *hlsSink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sinks[s.name]; ok {
		return fmt.Errorf("%w: %q", ErrNameInUse, s.name)
	}
	r.sinks[s.name] = s
	return nil
}

func (r *Registry) remove(s *hlsSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sinks[s.name] == s {
		delete(r.sinks, s.name)
	}
}

// ServeHTTP serves /{name}/{file}. Outputs that have not produced a
// playlist yet answer 503.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	name, rest, _ := strings.Cut(strings.TrimPrefix(req.URL.Path, "/"), "/")

	r.mu.RLock()
	s := r.sinks[name]
	r.mu.RUnlock()

	if s == nil || rest == "" {
		http.NotFound(w, req)
		return
	}
	s.handle(w, req, rest)
}

// hlsSink feeds a gohlslib muxer. The muxer needs the video parameter sets
// before it starts, so packets are dropped until the first keyframe that
// carries them, or that they can be prepended to from extradata.
type hlsSink struct {
	name     string
	cfg      config.HLSConfig
	registry *Registry
	logger   *slog.Logger

	mu      sync.Mutex
	streams []media.StreamDescriptor
	tracks  []*gohlslib.Track
	video   int
	header  bool
	muxer   *gohlslib.Muxer
	epoch   time.Time
	dropped int
	closed  bool
}

func newHLSSink(uri string, cfg config.HLSConfig, registry *Registry, logger *slog.Logger) (*hlsSink, error) {
	name := strings.Trim(uri, "/")
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("hls output name %q must be a single path segment", uri)
	}
	s := &hlsSink{
		name:     name,
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		video:    -1,
	}
	if err := registry.add(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *hlsSink) AddStream(desc media.StreamDescriptor) (media.StreamDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.header {
		return media.StreamDescriptor{}, tsio.ErrHeaderWritten
	}

	index := len(s.streams)
	var codec codecs.Codec
	switch desc.Codec {
	case media.CodecH264:
		codec = &codecs.H264{}
	case media.CodecH265:
		codec = &codecs.H265{}
	case media.CodecAAC:
		conf, err := tsio.AudioConfig(desc)
		if err != nil {
			return media.StreamDescriptor{}, err
		}
		codec = &codecs.MPEG4Audio{Config: *conf}
	case media.CodecOpus:
		codec = &codecs.Opus{ChannelCount: max(desc.Channels, 2)}
	default:
		return media.StreamDescriptor{}, fmt.Errorf("codec %q cannot be carried in HLS", desc.Codec)
	}
	if desc.Kind == media.KindVideo {
		if s.video >= 0 {
			return media.StreamDescriptor{}, fmt.Errorf("hls output carries one video stream")
		}
		s.video = index
	}

	out := desc
	out.Index = index
	out.TimeBase = timebase.MPEGTS
	s.streams = append(s.streams, out)
	s.tracks = append(s.tracks, &gohlslib.Track{Codec: codec})
	return out, nil
}

// WriteHeader starts an audio-only muxer at once. With video the start is
// deferred until the parameter sets are known.
func (s *hlsSink) WriteHeader(_ map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.streams) == 0 {
		return fmt.Errorf("no streams registered")
	}
	s.header = true
	if s.video < 0 {
		return s.startLocked()
	}
	return nil
}

func (s *hlsSink) startLocked() error {
	segmentCount := s.cfg.SegmentCount
	if segmentCount <= 0 {
		segmentCount = 7
	}
	segmentMin := s.cfg.SegmentMinDuration
	if segmentMin <= 0 {
		segmentMin = time.Second
	}

	m := &gohlslib.Muxer{
		Variant:            hlsVariant(s.cfg.Variant),
		SegmentCount:       segmentCount,
		SegmentMinDuration: segmentMin,
		PartMinDuration:    200 * time.Millisecond,
		SegmentMaxSize:     hlsSegmentMaxSize,
		Tracks:             s.tracks,
	}
	if err := m.Start(); err != nil {
		return fmt.Errorf("starting hls muxer: %w", err)
	}
	s.muxer = m
	s.epoch = time.Now()

	s.logger.Info("hls output started",
		slog.String("name", s.name),
		slog.String("variant", s.cfg.Variant),
		slog.Int("tracks", len(s.tracks)),
		slog.Int("dropped_before_start", s.dropped),
	)
	return nil
}

func (s *hlsSink) WritePacket(pkt *media.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.header {
		return fmt.Errorf("write before header")
	}
	if pkt.StreamIndex < 0 || pkt.StreamIndex >= len(s.streams) {
		return fmt.Errorf("unknown output stream %d", pkt.StreamIndex)
	}

	desc := s.streams[pkt.StreamIndex]
	pts := pkt.PTS.Value
	if !pkt.PTS.Valid {
		pts = pkt.DTS.Value
	}

	var au [][]byte
	if desc.Kind == media.KindVideo {
		au = tsio.NALUnits(desc, pkt.Data, pkt.Keyframe)
	}

	if s.muxer == nil {
		if pkt.StreamIndex != s.video || !pkt.Keyframe || !s.setParams(au) {
			s.dropped++
			return nil
		}
		if err := s.startLocked(); err != nil {
			return err
		}
	}

	track := s.tracks[pkt.StreamIndex]
	ntp := s.epoch.Add(timebase.MPEGTS.Duration(pts))

	switch desc.Codec {
	case media.CodecH264:
		return s.muxer.WriteH264(track, ntp, pts, au)
	case media.CodecH265:
		return s.muxer.WriteH265(track, ntp, pts, au)
	case media.CodecAAC:
		aus := tsio.AACFrames(pkt.Data)
		if len(aus) == 0 {
			return nil
		}
		return s.muxer.WriteMPEG4Audio(track, ntp, pts, aus)
	case media.CodecOpus:
		return s.muxer.WriteOpus(track, ntp, pts, [][]byte{pkt.Data})
	}
	return nil
}

// setParams copies the parameter sets of a keyframe into the video track
// codec. It reports whether all of them were found.
func (s *hlsSink) setParams(au [][]byte) bool {
	switch c := s.tracks[s.video].Codec.(type) {
	case *codecs.H264:
		sps, pps := findParams(au)
		if sps == nil || pps == nil {
			return false
		}
		c.SPS, c.PPS = sps, pps
		return true
	case *codecs.H265:
		for _, nalu := range au {
			if len(nalu) < 2 {
				continue
			}
			switch h265.NALUType((nalu[0] >> 1) & 0x3F) {
			case h265.NALUType_VPS_NUT:
				c.VPS = nalu
			case h265.NALUType_SPS_NUT:
				c.SPS = nalu
			case h265.NALUType_PPS_NUT:
				c.PPS = nalu
			}
		}
		return c.VPS != nil && c.SPS != nil && c.PPS != nil
	}
	return false
}

// WriteTrailer is a no-op. The playlist stays live until Close.
func (s *hlsSink) WriteTrailer() error {
	return nil
}

func (s *hlsSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.registry.remove(s)
	if s.muxer != nil {
		s.muxer.Close()
		s.muxer = nil
	}
	return nil
}

func (s *hlsSink) handle(w http.ResponseWriter, req *http.Request, file string) {
	s.mu.Lock()
	m := s.muxer
	s.mu.Unlock()

	if m == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	r := req.Clone(req.Context())
	r.URL.Path = "/" + file
	m.Handle(w, r)
}
