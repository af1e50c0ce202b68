// Package overlay draws on-screen display text onto yuv420p pictures.
package overlay

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/image/colornames"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/jmylchreest/osdrelay/internal/config"
	"github.com/jmylchreest/osdrelay/internal/media"
	"github.com/jmylchreest/osdrelay/internal/observability"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("overlay closed")

// Config controls how text is drawn.
type Config struct {
	config.OverlayConfig
	Logger *slog.Logger
	// Now returns the wall clock used by time expansions.
	Now func() time.Time
}

// Overlay renders a text template onto every frame pushed through it.
// The template may span lines separated by "\n"; a clock line in
// ClockFormat is appended when set.
type Overlay struct {
	desc      media.StreamDescriptor
	template  string
	cfg       Config
	face      font.Face
	ascent    int
	lineH     int
	y, cb, cr uint8
	logger    *slog.Logger

	// Rendered mask of the last text, reused while the text is unchanged.
	lastText string
	mask     *image.Alpha

	frames []*media.Frame
	count  int64
	closed bool
}

var _ media.Overlay = (*Overlay)(nil)

// New prepares an overlay for frames of desc.
func New(desc media.StreamDescriptor, text string, cfg Config) (*Overlay, error) {
	if cfg.Logger == nil {
		cfg.Logger = observability.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.FontSize <= 0 {
		cfg.FontSize = 50
	}

	face, err := loadFace(cfg.FontFile, cfg.FontSize)
	if err != nil {
		return nil, err
	}
	rgba, err := ParseColor(cfg.Color)
	if err != nil {
		return nil, err
	}
	y, cb, cr := color.RGBToYCbCr(rgba.R, rgba.G, rgba.B)

	metrics := face.Metrics()
	o := &Overlay{
		desc:     desc,
		template: text,
		cfg:      cfg,
		face:     face,
		ascent:   metrics.Ascent.Ceil(),
		lineH:    metrics.Height.Ceil(),
		y:        y,
		cb:       cb,
		cr:       cr,
		logger:   observability.WithComponent(cfg.Logger, "overlay"),
	}
	o.logger.Debug("overlay ready",
		slog.String("text", text),
		slog.Float64("font_size", cfg.FontSize),
		slog.String("color", cfg.Color),
	)
	return o, nil
}

// loadFace opens the configured font file, or the embedded Go Regular.
func loadFace(path string, size float64) (font.Face, error) {
	data := goregular.TTF
	if path != "" {
		var err error
		data, err = os.ReadFile(path) //nolint:gosec // font path is operator configured
		if err != nil {
			return nil, fmt.Errorf("reading font: %w", err)
		}
	}
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("creating font face: %w", err)
	}
	return face, nil
}

// ParseColor accepts an SVG color name or #rrggbb. Empty is red.
func ParseColor(s string) (color.RGBA, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return colornames.Red, nil
	}
	if c, ok := colornames.Map[s]; ok {
		return c, nil
	}
	hex := strings.TrimPrefix(strings.TrimPrefix(s, "#"), "0x")
	if len(hex) == 6 {
		v, err := strconv.ParseUint(hex, 16, 32)
		if err == nil {
			return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
		}
	}
	return color.RGBA{}, fmt.Errorf("unknown color %q", s)
}

// Text returns the text drawn for a frame.
func (o *Overlay) Text(frame *media.Frame) string {
	fc := frameContext{now: o.cfg.Now(), pts: frame.PTS, tb: o.desc.TimeBase, number: o.count}
	text := expand(o.template, fc)
	if o.cfg.ClockFormat != "" {
		clock := expand("%{localtime:"+o.cfg.ClockFormat+"}", fc)
		if text == "" {
			return clock
		}
		text += "\n" + clock
	}
	return text
}

// PushFrame draws the text onto frame in place and queues it.
func (o *Overlay) PushFrame(frame *media.Frame) error {
	if o.closed {
		return ErrClosed
	}
	if frame.PixelFormat != "" && frame.PixelFormat != media.PixelFormatYUV420P {
		return fmt.Errorf("unsupported pixel format %q", frame.PixelFormat)
	}

	text := o.Text(frame)
	o.count++
	if text != o.lastText || o.mask == nil {
		o.mask = o.render(text)
		o.lastText = text
	}
	if err := o.blend(frame, o.mask); err != nil {
		return err
	}
	o.frames = append(o.frames, frame)
	return nil
}

// PullFrame returns the next drawn frame, or media.ErrWouldBlock.
func (o *Overlay) PullFrame() (*media.Frame, error) {
	if o.closed {
		return nil, ErrClosed
	}
	if len(o.frames) == 0 {
		return nil, media.ErrWouldBlock
	}
	f := o.frames[0]
	o.frames[0] = nil
	o.frames = o.frames[1:]
	return f, nil
}

// Close releases the font face.
func (o *Overlay) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	o.frames = nil
	return o.face.Close()
}

// render rasterizes text, one line per "\n", into an alpha mask.
func (o *Overlay) render(text string) *image.Alpha {
	lines := strings.Split(text, "\n")
	width := 0
	for _, line := range lines {
		width = max(width, font.MeasureString(o.face, line).Ceil())
	}
	mask := image.NewAlpha(image.Rect(0, 0, width, o.lineH*len(lines)))
	if width == 0 {
		return mask
	}

	d := &font.Drawer{Dst: mask, Src: image.Opaque, Face: o.face}
	for i, line := range lines {
		d.Dot = fixed.P(0, o.ascent+i*o.lineH)
		d.DrawString(line)
	}
	return mask
}

// blend paints the text color through mask at the configured position.
func (o *Overlay) blend(frame *media.Frame, mask *image.Alpha) error {
	yPlane, cbPlane, crPlane, cStride := frame.Planes()
	if yPlane == nil {
		return fmt.Errorf("frame data too short for %dx%d", frame.Width, frame.Height)
	}

	b := mask.Bounds()
	ox, oy := o.cfg.X, o.cfg.Y
	x0, y0 := max(ox, 0), max(oy, 0)
	x1, y1 := min(ox+b.Dx(), frame.Width), min(oy+b.Dy(), frame.Height)
	if x0 >= x1 || y0 >= y1 {
		return nil
	}

	for y := y0; y < y1; y++ {
		row := yPlane[y*frame.Width:]
		for x := x0; x < x1; x++ {
			if a := mask.AlphaAt(x-ox, y-oy).A; a != 0 {
				row[x] = mix(row[x], o.y, a)
			}
		}
	}

	// Chroma is subsampled 2x2; each sample takes the mean coverage.
	for cy := y0 / 2; cy <= (y1-1)/2; cy++ {
		for cx := x0 / 2; cx <= (x1-1)/2; cx++ {
			sum, n := 0, 0
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					px, py := 2*cx+dx, 2*cy+dy
					if px < x0 || px >= x1 || py < y0 || py >= y1 {
						continue
					}
					sum += int(mask.AlphaAt(px-ox, py-oy).A)
					n++
				}
			}
			if n == 0 || sum == 0 {
				continue
			}
			a := uint8(sum / 4)
			i := cy*cStride + cx
			cbPlane[i] = mix(cbPlane[i], o.cb, a)
			crPlane[i] = mix(crPlane[i], o.cr, a)
		}
	}
	return nil
}

// mix blends src over dst with coverage a.
func mix(dst, src, a uint8) uint8 {
	return uint8((int(src)*int(a) + int(dst)*(255-int(a)) + 127) / 255)
}
