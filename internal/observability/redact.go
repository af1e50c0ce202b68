package observability

import (
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/m-mizutani/masq"
)

const redacted = "redacted"

// sensitiveParams are query parameters whose values never reach a log line.
var sensitiveParams = []string{
	"password", "passwd", "pass", "pwd",
	"token", "api_key", "apikey", "key",
	"secret", "auth", "authorization", "passphrase",
	"streamid",
}

// credentialURL matches a URL carrying a password in its user info.
var credentialURL = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[^/@\s:]*:[^/@\s]+@`)

// RedactURL drops passwords and masks sensitive query values and RTMP stream
// keys in uri. Values that do not parse as a URL with a scheme are returned as is.
func RedactURL(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return uri
	}
	return RedactedURL(u)
}

// RedactedURL is RedactURL for a parsed URL. u is not modified.
func RedactedURL(u *url.URL) string {
	sanitized := *u
	if sanitized.User != nil {
		if _, has := sanitized.User.Password(); has {
			sanitized.User = url.User(sanitized.User.Username())
		}
	}

	// rtmp://host/app/key: the last path segment is the publish key.
	switch strings.ToLower(sanitized.Scheme) {
	case "rtmp", "rtmps":
		path := strings.Trim(sanitized.Path, "/")
		if i := strings.LastIndex(path, "/"); i > 0 {
			sanitized.Path = "/" + path[:i] + "/" + redacted
			sanitized.RawPath = ""
		}
	}

	query := sanitized.Query()
	changed := false
	for _, param := range sensitiveParams {
		if query.Has(param) {
			query.Set(param, redacted)
			changed = true
		}
	}
	if changed {
		sanitized.RawQuery = query.Encode()
	}
	return sanitized.String()
}

// newRedactor returns a slog ReplaceAttr that filters any string attribute
// still carrying URL credentials.
func newRedactor() func(groups []string, a slog.Attr) slog.Attr {
	return masq.New(masq.WithRegex(credentialURL))
}
