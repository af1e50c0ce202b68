package media

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jmylchreest/osdrelay/internal/timebase"
)

func TestStreamDescriptor_NominalDuration(t *testing.T) {
	tests := []struct {
		name string
		desc StreamDescriptor
		want int64
	}{
		{"30fps in 90k", StreamDescriptor{FrameRate: timebase.Rational{Num: 30, Den: 1}, TimeBase: timebase.MPEGTS}, 3000},
		{"ntsc in 90k", StreamDescriptor{FrameRate: timebase.Rational{Num: 30000, Den: 1001}, TimeBase: timebase.MPEGTS}, 3003},
		{"30fps in 1/30", StreamDescriptor{FrameRate: timebase.Rational{Num: 30, Den: 1}, TimeBase: timebase.Rational{Num: 1, Den: 30}}, 1},
		{"unknown rate", StreamDescriptor{TimeBase: timebase.MPEGTS}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.desc.NominalDuration())
		})
	}
}

func TestFrame_Planes(t *testing.T) {
	f := &Frame{Width: 4, Height: 2, Data: make([]byte, YUV420PSize(4, 2))}
	y, cb, cr, stride := f.Planes()

	assert.Len(t, y, 8)
	assert.Len(t, cb, 2)
	assert.Len(t, cr, 2)
	assert.Equal(t, 2, stride)

	short := &Frame{Width: 4, Height: 2, Data: make([]byte, 5)}
	y, _, _, _ = short.Planes()
	assert.Nil(t, y)
}

func TestYUV420PSize_OddDimensions(t *testing.T) {
	assert.Equal(t, 15+2*6, YUV420PSize(5, 3))
}

func TestTimestamp_String(t *testing.T) {
	assert.Equal(t, "none", NoTS.String())
	assert.Equal(t, "42", TS(42).String())
	assert.Equal(t, "video", KindVideo.String())
}
