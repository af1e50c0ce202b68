package ingest

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// udpReadBuffer fits the largest UDP datagram.
const udpReadBuffer = 65536

// openUDP binds to the host and port of u and reads datagrams. A multicast
// host joins the group. The "timeout" option (microseconds, as FFmpeg uses)
// ends the input when no datagram arrives in time.
func openUDP(ctx context.Context, u *url.URL, opts Options) (io.ReadCloser, error) {
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("resolving udp address %q: %w", u.Host, err)
	}

	var conn *net.UDPConn
	if addr.IP != nil && addr.IP.IsMulticast() {
		var ifi *net.Interface
		if name := u.Query().Get("localaddr"); name != "" {
			ifi, _ = net.InterfaceByName(name)
		}
		conn, err = net.ListenMulticastUDP("udp", ifi, addr)
	} else {
		var lc net.ListenConfig
		var pc net.PacketConn
		pc, err = lc.ListenPacket(ctx, "udp", u.Host)
		if err == nil {
			conn = pc.(*net.UDPConn)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("listening on udp %s: %w", u.Host, err)
	}
	if size, err := strconv.Atoi(u.Query().Get("buffer_size")); err == nil && size > 0 {
		_ = conn.SetReadBuffer(size)
	}

	return &datagramReader{conn: conn, timeout: optionMicros(opts.InputOptions, "timeout")}, nil
}

// datagramReader exposes a packet connection as a byte stream.
type datagramReader struct {
	conn    net.PacketConn
	timeout time.Duration

	mu      sync.Mutex
	buf     []byte
	pending []byte
}

func (d *datagramReader) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.pending) == 0 {
		if d.buf == nil {
			d.buf = make([]byte, udpReadBuffer)
		}
		if d.timeout > 0 {
			_ = d.conn.SetReadDeadline(time.Now().Add(d.timeout))
		}
		n, _, err := d.conn.ReadFrom(d.buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return 0, io.EOF
			}
			return 0, err
		}
		d.pending = d.buf[:n]
	}

	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (d *datagramReader) Close() error {
	return d.conn.Close()
}

// openTCP dials the host and port of u, or accepts one connection on it
// when the query carries "listen".
func openTCP(ctx context.Context, u *url.URL, opts Options) (io.ReadCloser, error) {
	timeout := optionMicros(opts.InputOptions, "timeout")

	if u.Query().Has("listen") {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("listening on tcp %s: %w", u.Host, err)
		}
		defer ln.Close()

		stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
		defer stop()
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("accepting tcp input: %w", err)
		}
		return conn, nil
	}

	d := net.Dialer{Timeout: timeout}
	if timeout == 0 {
		d.Timeout = DefaultConnectTimeout
	}
	conn, err := d.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("dialing tcp %s: %w", u.Host, err)
	}
	return conn, nil
}

// optionMicros reads an FFmpeg-style microsecond option.
func optionMicros(opts map[string]string, key string) time.Duration {
	v, err := strconv.ParseInt(opts[key], 10, 64)
	if err != nil || v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Microsecond
}
