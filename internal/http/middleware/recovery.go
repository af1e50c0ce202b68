package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/jmylchreest/osdrelay/internal/observability"
)

// Recovery turns a handler panic into a 500. The panic is logged with the
// request ID, which is also echoed in the response body.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				requestID := GetRequestID(r.Context())
				observability.WithRequestID(logger, requestID).ErrorContext(r.Context(), "panic recovered",
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)

				msg := http.StatusText(http.StatusInternalServerError)
				if requestID != "" {
					msg = fmt.Sprintf("%s (request %s)", msg, requestID)
				}
				http.Error(w, msg, http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
