package output

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/jmylchreest/osdrelay/internal/tsio"
)

const (
	// udpPayload is seven TS packets, the usual datagram size.
	udpPayload = 7 * 188

	dialTimeout = 10 * time.Second
)

// destination is an opened byte stream output. Live destinations are
// flushed after every packet.
type destination struct {
	io.WriteCloser
	live bool
}

// openDest opens uri for writing: "-" is stdout, udp, tcp and srt URLs are
// network streams, anything else is a local file.
func openDest(ctx context.Context, uri string) (*destination, error) {
	if uri == "-" || uri == "pipe:1" {
		return &destination{WriteCloser: nopWriteCloser{os.Stdout}, live: true}, nil
	}

	u, err := url.Parse(uri)
	if err == nil {
		switch strings.ToLower(u.Scheme) {
		case "udp":
			conn, err := dial(ctx, "udp", u.Host)
			if err != nil {
				return nil, err
			}
			return &destination{WriteCloser: &datagramWriter{conn: conn}, live: true}, nil
		case "tcp":
			conn, err := dial(ctx, "tcp", u.Host)
			if err != nil {
				return nil, err
			}
			return &destination{WriteCloser: conn, live: true}, nil
		case "srt":
			conn, err := dialSRT(ctx, u)
			if err != nil {
				return nil, err
			}
			return &destination{WriteCloser: conn, live: true}, nil
		case "file":
			uri = u.Path
		case "":
		default:
			if len(u.Scheme) != 1 {
				return nil, fmt.Errorf("cannot write to %s URLs in process", u.Scheme)
			}
		}
	}

	if dir := filepath.Dir(uri); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating output directory: %w", err)
		}
	}
	f, err := os.Create(uri)
	if err != nil {
		return nil, fmt.Errorf("creating output file: %w", err)
	}
	return &destination{WriteCloser: f}, nil
}

func dial(ctx context.Context, network, address string) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s://%s: %w", network, address, err)
	}
	return conn, nil
}

// dialSRT connects to u as an SRT caller.
func dialSRT(ctx context.Context, u *url.URL) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	if id := u.Query().Get("streamid"); id != "" {
		cfg.StreamID = id
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

	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("srt dial %s: %w", u.Host, res.err)
		}
		return res.conn, nil
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("srt dial %s: %w", u.Host, ctx.Err())
	}
}

// datagramWriter splits a byte stream into fixed-size datagrams. A trailing
// partial datagram is sent on Close.
type datagramWriter struct {
	conn    net.Conn
	pending []byte
}

func (w *datagramWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)
	for len(w.pending) >= udpPayload {
		if _, err := w.conn.Write(w.pending[:udpPayload]); err != nil {
			return 0, err
		}
		w.pending = w.pending[udpPayload:]
	}
	return len(p), nil
}

func (w *datagramWriter) Close() error {
	var err error
	if len(w.pending) > 0 {
		_, err = w.conn.Write(w.pending)
		w.pending = nil
	}
	if cerr := w.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func newTSSink(dest *destination, logger *slog.Logger) *tsio.Sink {
	sink := tsio.NewSink(dest, logger)
	sink.FlushEachPacket = dest.live
	return sink
}
