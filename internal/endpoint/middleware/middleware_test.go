package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// RequestID middleware tests
// ---------------------------------------------------------------------------

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		clientID string
		keep     bool
	}{
		{"generated", "", false},
		{"client id kept", "0192a4c2-frame-17", true},
		{"too long", strings.Repeat("x", 129), false},
		{"control character", "abc\tdef", false},
		{"space", "abc def", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))
			req := httptest.NewRequest("GET", "/row/main/note/1", nil)
			if tt.clientID != "" {
				req.Header.Set("X-Request-ID", tt.clientID)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			respID := rr.Header().Get("X-Request-ID")
			if respID != seen {
				t.Errorf("response id %q differs from context id %q", respID, seen)
			}
			if tt.keep {
				if seen != tt.clientID {
					t.Errorf("id = %q, want client id %q", seen, tt.clientID)
				}
			} else if len(seen) != 36 {
				t.Errorf("id = %q, want a generated UUID", seen)
			}
		})
	}

	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("bare context id = %q", id)
	}
}

// ---------------------------------------------------------------------------
// Logger middleware tests
// ---------------------------------------------------------------------------

func TestLoggerLevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "level=INFO"},
		{http.StatusNotFound, "level=WARN"},
		{http.StatusInternalServerError, "level=ERROR"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		handler := RequestID(Logger(logger, "/endpoint/0.3")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			io.WriteString(w, "body")
		})))

		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/endpoint/0.3/relation/a/b", nil))

		out := buf.String()
		if !strings.Contains(out, tt.level) {
			t.Errorf("status %d: log %q missing %s", tt.status, out, tt.level)
		}
		for _, want := range []string{"path=/endpoint/0.3/relation/a/b", "bytes=4", "resource=relation", "via=http"} {
			if !strings.Contains(out, want) {
				t.Errorf("status %d: log %q missing %s", tt.status, out, want)
			}
		}
	}
}

func TestLoggerMarksSocketFrames(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	handler := RequestID(Logger(logger, "/endpoint/0.3")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	req := httptest.NewRequest("GET", "/endpoint/0.3/row/app/customers/5", nil)
	req.Header.Set("X-Request-ID", "frame-42")
	handler.ServeHTTP(httptest.NewRecorder(), req.WithContext(FromSocket(req.Context())))

	out := buf.String()
	for _, want := range []string{"via=socket", "request_id=frame-42", "resource=row"} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q missing %s", out, want)
		}
	}
}

func TestLoggerHealthzAtDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	handler := Logger(logger, "/endpoint/0.3")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))

	out := buf.String()
	if !strings.Contains(out, "level=DEBUG") || strings.Contains(out, "resource=") {
		t.Errorf("healthz log = %q", out)
	}
}

func TestLoggerSocketLifetime(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	done := make(chan struct{})
	logged := Logger(logger, "/endpoint/0.3")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack through logger: %v", err)
			return
		}
		conn.Close()
	}))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(done)
		logged.ServeHTTP(w, r)
	}))
	defer srv.Close()

	if resp, err := http.Get(srv.URL + "/endpoint/0.3/event"); err == nil {
		resp.Body.Close()
	}
	<-done

	out := buf.String()
	for _, want := range []string{`msg="socket closed"`, "status=101", "resource=event"} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q missing %s", out, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Body limit tests
// ---------------------------------------------------------------------------

func TestMaxBodyRejectsLargeBodies(t *testing.T) {
	handler := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err == nil {
			t.Error("expected read past limit to fail")
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 64))))
}

func TestRateLimitDisabled(t *testing.T) {
	calls := 0
	handler := RateLimit(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	for range 5 {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	}
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}
}

func TestRateLimitBlocks(t *testing.T) {
	handler := RateLimit(2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	var last int
	for range 3 {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
		last = rr.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", last)
	}
}
