package ingest

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

var payload = bytes.Repeat([]byte{0x47, 0x40, 0x00, 0x10}, 188)

func readAll(t *testing.T, in *Input) []byte {
	t.Helper()
	defer in.Close()
	data, err := io.ReadAll(in)
	require.NoError(t, err)
	return data
}

func TestOpen_Empty(t *testing.T) {
	_, err := Open(context.Background(), "", Options{})
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestOpen_Stdin(t *testing.T) {
	in, err := Open(context.Background(), "-", Options{})
	require.NoError(t, err)
	assert.Equal(t, "stdin", in.Kind)
	assert.Nil(t, in.Resources())
}

func TestOpen_Files(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "plain.ts")
	require.NoError(t, os.WriteFile(plain, payload, 0o600))

	var gz bytes.Buffer
	gzw := gzip.NewWriter(&gz)
	_, err := gzw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, gzw.Close())
	gzPath := filepath.Join(dir, "rec.ts.gz")
	require.NoError(t, os.WriteFile(gzPath, gz.Bytes(), 0o600))

	var xzBuf bytes.Buffer
	xzw, err := xz.NewWriter(&xzBuf)
	require.NoError(t, err)
	_, err = xzw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, xzw.Close())
	xzPath := filepath.Join(dir, "rec.ts.xz")
	require.NoError(t, os.WriteFile(xzPath, xzBuf.Bytes(), 0o600))

	for _, uri := range []string{plain, "file://" + plain, gzPath, xzPath} {
		t.Run(filepath.Base(uri), func(t *testing.T) {
			in, err := Open(context.Background(), uri, Options{})
			require.NoError(t, err)
			assert.Equal(t, "file", in.Kind)
			assert.Equal(t, payload, readAll(t, in))
		})
	}

	_, err = Open(context.Background(), filepath.Join(dir, "missing.ts"), Options{})
	assert.Error(t, err)
}

func fastHTTP() HTTPConfig {
	return HTTPConfig{RetryAttempts: 2, RetryDelay: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
}

func TestOpen_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "relay-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "yes", r.Header.Get("X-Probe"))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	in, err := Open(context.Background(), srv.URL+"/live.ts", Options{
		HTTP:         fastHTTP(),
		InputOptions: map[string]string{"user_agent": "relay-test", "headers": "X-Probe: yes\r\n"},
	})
	require.NoError(t, err)
	assert.Equal(t, "http", in.Kind)
	assert.Equal(t, payload, readAll(t, in))
}

func TestOpen_HTTPDecompression(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, acceptEncoding, r.Header.Get("Accept-Encoding"))
		switch r.URL.Path {
		case "/gzip":
			w.Header().Set("Content-Encoding", "gzip")
			gzw := gzip.NewWriter(w)
			_, _ = gzw.Write(payload)
			_ = gzw.Close()
		case "/br":
			w.Header().Set("Content-Encoding", "br")
			bw := brotli.NewWriter(w)
			_, _ = bw.Write(payload)
			_ = bw.Close()
		}
	}))
	defer srv.Close()

	for _, path := range []string{"/gzip", "/br"} {
		t.Run(path, func(t *testing.T) {
			in, err := Open(context.Background(), srv.URL+path, Options{HTTP: fastHTTP()})
			require.NoError(t, err)
			assert.Equal(t, payload, readAll(t, in))
		})
	}
}

func TestOpen_HTTPRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	in, err := Open(context.Background(), srv.URL, Options{HTTP: fastHTTP()})
	require.NoError(t, err)
	assert.Equal(t, payload, readAll(t, in))
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpen_HTTPGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := Open(context.Background(), srv.URL, Options{HTTP: fastHTTP()})
	assert.ErrorIs(t, err, ErrMaxRetries)
}

func TestOpen_HTTPNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := Open(context.Background(), srv.URL, Options{HTTP: fastHTTP()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestOpen_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = conn.Write(payload)
		_ = conn.Close()
	}()

	in, err := Open(context.Background(), "tcp://"+ln.Addr().String(), Options{})
	require.NoError(t, err)
	assert.Equal(t, "tcp", in.Kind)
	assert.Equal(t, payload, readAll(t, in))
}

func TestOpen_UDP(t *testing.T) {
	// Find a free port, then release it for the input to bind.
	probe, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.LocalAddr().String()
	require.NoError(t, probe.Close())

	in, err := Open(context.Background(), "udp://"+addr, Options{
		InputOptions: map[string]string{"timeout": "200000"},
	})
	require.NoError(t, err)
	assert.Equal(t, "udp", in.Kind)

	sender, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer sender.Close()
	for i := 0; i < len(payload); i += 188 {
		_, err := sender.Write(payload[i : i+188])
		require.NoError(t, err)
	}

	// The read timeout ends the input once the sender goes quiet.
	assert.Equal(t, payload, readAll(t, in))
}

func TestOpen_CancelledSRTDial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Open(ctx, "srt://127.0.0.1:1?streamid=live/test", Options{})
	assert.Error(t, err)
}

func TestLocalPath(t *testing.T) {
	assert.Equal(t, "/tmp/a.ts", localPath("file:///tmp/a.ts"))
	assert.Equal(t, "a.ts", localPath("file:a.ts"))
	assert.Equal(t, "/tmp/a.ts", localPath("/tmp/a.ts"))
}

func TestOptionMicros(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, optionMicros(map[string]string{"timeout": "500000"}, "timeout"))
	assert.Zero(t, optionMicros(map[string]string{"timeout": "x"}, "timeout"))
	assert.Zero(t, optionMicros(nil, "timeout"))
}
