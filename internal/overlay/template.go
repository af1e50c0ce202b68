package overlay

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/jmylchreest/osdrelay/internal/media"
	"github.com/jmylchreest/osdrelay/internal/timebase"
)

// DefaultTimeFormat is used by %{localtime} and %{gmtime} without a format.
const DefaultTimeFormat = "%Y-%m-%d %H:%M:%S"

// frameContext carries the per-frame values templates can reference.
type frameContext struct {
	now    time.Time
	pts    media.Timestamp
	tb     timebase.Rational
	number int64
}

// expand replaces the %{...} expansions of text:
//
//	%{localtime} or %{localtime:FMT}  wall clock in the local zone (strftime)
//	%{gmtime} or %{gmtime:FMT}        wall clock in UTC
//	%{pts}                            frame timestamp as HH:MM:SS.mmm
//	%{n}                              frame number from 0
//	%%                                a literal percent sign
//
// A backslash escapes the next character, so "\:" in a format is a colon.
// Unknown expansions are kept verbatim.
func expand(text string, fc frameContext) string {
	if !strings.ContainsAny(text, "%\\") {
		return text
	}

	var b strings.Builder
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '\\' && i+1 < len(text):
			i++
			b.WriteByte(text[i])
		case c == '%' && i+1 < len(text) && text[i+1] == '%':
			i++
			b.WriteByte('%')
		case c == '%' && i+1 < len(text) && text[i+1] == '{':
			end := closingBrace(text, i+2)
			if end < 0 {
				b.WriteString(text[i:])
				return b.String()
			}
			b.WriteString(expandOne(text[i+2:end], text[i:end+1], fc))
			i = end
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// closingBrace finds the unescaped '}' at or after start.
func closingBrace(s string, start int) int {
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '}':
			return i
		}
	}
	return -1
}

func expandOne(body, raw string, fc frameContext) string {
	name, arg, _ := strings.Cut(body, ":")
	arg = unescape(arg)

	switch name {
	case "localtime":
		return strftime.Format(orDefault(arg, DefaultTimeFormat), fc.now.Local())
	case "gmtime":
		return strftime.Format(orDefault(arg, DefaultTimeFormat), fc.now.UTC())
	case "pts":
		if !fc.pts.Valid || !fc.tb.Valid() {
			return "--:--:--.---"
		}
		return formatClock(fc.tb.Duration(fc.pts.Value))
	case "n":
		return strconv.FormatInt(fc.number, 10)
	default:
		return raw
	}
}

func unescape(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func formatClock(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	ms := (d % time.Second) / time.Millisecond
	return fmt.Sprintf("%s%02d:%02d:%02d.%03d", sign, h, m, s, ms)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
