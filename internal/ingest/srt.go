package ingest

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

const (
	// srtLatency is the receiver latency in nanoseconds.
	srtLatency     = 120_000_000
	srtDialTimeout = 10 * time.Second
)

// openSRT connects to u as an SRT caller. The stream id comes from the
// "streamid" query parameter or input option.
func openSRT(ctx context.Context, u *url.URL, opts Options) (io.ReadCloser, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatency

	streamID := u.Query().Get("streamid")
	if streamID == "" {
		streamID = opts.InputOptions["streamid"]
	}
	if streamID != "" {
		cfg.StreamID = streamID
	}

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(u.Host, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	// A dial that completes after we gave up is closed in the background.
	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("srt dial %s: %w", u.Host, res.err)
		}
		opts.Logger.Debug("srt connected", "address", u.Host, "stream_id", streamID)
		return res.conn, nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("srt dial %s timed out after %s", u.Host, srtDialTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}
