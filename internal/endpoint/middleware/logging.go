package middleware

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

type socketKey struct{}

// FromSocket marks ctx as belonging to a request replayed from an event
// socket frame.
func FromSocket(ctx context.Context) context.Context {
	return context.WithValue(ctx, socketKey{}, true)
}

func viaSocket(ctx context.Context) bool {
	v, _ := ctx.Value(socketKey{}).(bool)
	return v
}

// Logger logs one line per request with the datum resource it addressed
// (relation, row, field, function, session or event), the transport it came
// over and the request id, which for socket frames is the frame's
// request_id. 4xx responses log at warn, 5xx at error and passing health
// checks at debug. An upgraded event socket is logged when it closes, with
// its lifetime as the duration.
func Logger(logger *slog.Logger, basePath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(ww, r)

			level := slog.LevelInfo
			switch {
			case ww.status >= 500:
				level = slog.LevelError
			case ww.status >= 400:
				level = slog.LevelWarn
			case r.URL.Path == "/healthz":
				level = slog.LevelDebug
			}
			msg := "request"
			if ww.hijacked {
				msg = "socket closed"
			}
			via := "http"
			if viaSocket(r.Context()) {
				via = "socket"
			}

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.status,
				"duration_ms", float64(time.Since(start).Microseconds()) / 1000.0,
				"bytes", ww.bytes,
				"via", via,
				"request_id", GetRequestID(r.Context()),
				"remote_addr", r.RemoteAddr,
			}
			if kind := resource(basePath, r.URL.Path); kind != "" {
				attrs = append(attrs, "resource", kind)
			}
			logger.Log(r.Context(), level, msg, attrs...)
		})
	}
}

// resource is the first path segment below basePath.
func resource(basePath, path string) string {
	rest, ok := strings.CutPrefix(path, strings.TrimSuffix(basePath, "/")+"/")
	if !ok {
		return ""
	}
	kind, _, _ := strings.Cut(rest, "/")
	return kind
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
	hijacked    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Hijack lets the event socket upgrade through the logger.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	w.wroteHeader = true
	w.hijacked = true
	return h.Hijack()
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
