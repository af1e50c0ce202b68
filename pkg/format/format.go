// Package format provides human-readable formatting for session summaries
// and logs.
package format

import (
	"fmt"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Bytes formats a byte count into human-readable format.
// Example: Bytes(1536) => "1.5 KB"
func Bytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	sizes := []string{"KB", "MB", "GB", "TB", "PB"}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), sizes[exp]) //nolint:gosec // exp is at most 4 for int64
}

// Number formats a count with thousand separators.
// Example: Number(1234567) => "1,234,567"
func Number(n int64) string {
	return printer.Sprintf("%d", n)
}

// Bitrate formats the average bitrate of bytes written over d.
// Example: Bitrate(320000, 10*time.Second) => "256.0 kb/s"
func Bitrate(bytes int64, d time.Duration) string {
	if d <= 0 {
		return "n/a"
	}
	bps := float64(bytes*8) / d.Seconds()
	switch {
	case bps >= 1_000_000:
		return fmt.Sprintf("%.1f Mb/s", bps/1_000_000)
	case bps >= 1_000:
		return fmt.Sprintf("%.1f kb/s", bps/1_000)
	default:
		return fmt.Sprintf("%.0f b/s", bps)
	}
}

// Rate formats n events over d as a per-second rate.
// Example: Rate(2500, 100*time.Second) => "25.0/s"
func Rate(n int64, d time.Duration) string {
	if d <= 0 {
		return "n/a"
	}
	return printer.Sprintf("%.1f/s", float64(n)/d.Seconds())
}

// Clock formats a duration as h:mm:ss.mmm.
// Example: Clock(83456*time.Millisecond) => "0:01:23.456"
func Clock(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	return fmt.Sprintf("%s%d:%02d:%02d.%03d", sign, h, m, s, d/time.Millisecond)
}

// Percentage formats a ratio of part to whole with one decimal.
// Example: Percentage(1, 8) => "12.5%"
func Percentage(part, whole int64) string {
	if whole == 0 {
		return "0.0%"
	}
	return fmt.Sprintf("%.1f%%", float64(part)*100/float64(whole))
}
