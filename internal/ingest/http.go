package ingest

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/jmylchreest/osdrelay/internal/observability"
	"github.com/jmylchreest/osdrelay/internal/version"
)

// Default HTTP input settings.
const (
	DefaultConnectTimeout    = 30 * time.Second
	DefaultRetryAttempts     = 3
	DefaultRetryDelay        = 1 * time.Second
	DefaultRetryMaxDelay     = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
	acceptEncoding           = "gzip, deflate, br"
)

// ErrMaxRetries is returned when every connection attempt failed.
var ErrMaxRetries = errors.New("max retries exceeded")

// HTTPConfig configures HTTP inputs. Retries only cover establishing the
// response; a stream that breaks later ends the input.
type HTTPConfig struct {
	ConnectTimeout    time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
	RetryMaxDelay     time.Duration
	BackoffMultiplier float64
	UserAgent         string
	// Client overrides the default streaming client.
	Client *http.Client
}

// DefaultHTTPConfig returns the HTTP input defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		ConnectTimeout:    DefaultConnectTimeout,
		RetryAttempts:     DefaultRetryAttempts,
		RetryDelay:        DefaultRetryDelay,
		RetryMaxDelay:     DefaultRetryMaxDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
		UserAgent:         "osdrelay/" + version.Version,
	}
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	def := DefaultHTTPConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = def.RetryMaxDelay
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	if c.Client == nil {
		// No overall Timeout: it would cut off a long-running stream.
		c.Client = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   c.ConnectTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: c.ConnectTimeout,
				DisableCompression:    true,
			},
		}
	}
	return c
}

// openHTTP issues a GET for u, retrying transient failures with exponential
// backoff, and returns the decompressed body.
func openHTTP(ctx context.Context, u *url.URL, opts Options) (io.ReadCloser, error) {
	cfg := opts.HTTP.withDefaults()
	logger := opts.Logger
	target := observability.RedactedURL(u)

	var lastErr error
	delay := cfg.RetryDelay

	for attempt := 0; attempt <= cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			logger.Debug("retrying input request",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("url", target),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = min(time.Duration(float64(delay)*cfg.BackoffMultiplier), cfg.RetryMaxDelay)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("User-Agent", cfg.UserAgent)
		if ua := opts.InputOptions["user_agent"]; ua != "" {
			req.Header.Set("User-Agent", ua)
		}
		req.Header.Set("Accept-Encoding", acceptEncoding)
		for _, line := range strings.Split(opts.InputOptions["headers"], "\r\n") {
			if name, value, ok := strings.Cut(line, ":"); ok {
				req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
			}
		}

		start := time.Now()
		resp, err := cfg.Client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			logger.Warn("input request failed",
				slog.String("url", target),
				slog.Duration("duration", time.Since(start)),
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt),
			)
			continue
		}

		if isRetryableStatus(resp.StatusCode) {
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("retryable status code: %d", resp.StatusCode)
			logger.Warn("retryable input status",
				slog.String("url", target),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt),
			)
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("fetching %s: unexpected status %s", target, resp.Status)
		}

		logger.Debug("input response",
			slog.String("url", target),
			slog.Int("status", resp.StatusCode),
			slog.String("content_type", resp.Header.Get("Content-Type")),
			slog.Duration("duration", time.Since(start)),
		)
		return decodeBody(resp)
	}

	return nil, fmt.Errorf("%w: %w", ErrMaxRetries, lastErr)
}

// decodeBody wraps the body with the decompressor named by Content-Encoding.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gzr, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		return &readCloser{Reader: gzr, close: resp.Body.Close}, nil
	case "deflate":
		fr := flate.NewReader(resp.Body)
		return &readCloser{Reader: fr, close: func() error {
			_ = fr.Close()
			return resp.Body.Close()
		}}, nil
	case "br":
		return &readCloser{Reader: brotli.NewReader(resp.Body), close: resp.Body.Close}, nil
	default:
		return resp.Body, nil
	}
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
