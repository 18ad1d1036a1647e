package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/datum/internal/identity"
	"github.com/faucetdb/datum/internal/model"
	"github.com/faucetdb/datum/internal/query"
	"github.com/faucetdb/datum/internal/session"
)

const basePath = "/endpoint/0.3"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeEnvelope(w http.ResponseWriter, env model.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(env)
}

func newEndpoint(t *testing.T, srv *httptest.Server, mutate func(*Config)) *Endpoint {
	t.Helper()
	cfg := Config{
		BaseURL:        srv.URL + basePath,
		Logger:         testLogger(),
		RetryInterval:  20 * time.Millisecond,
		ReconnectDelay: 10 * time.Millisecond,
		HTTPRetries:    -1,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ep, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { ep.Close() })
	return ep
}

var widgetRel = identity.NewRelationID("widget", "widget")

func TestGetDecodesEnvelope(t *testing.T) {
	var gotQuery string
	r := chi.NewRouter()
	r.Get(basePath+"/relation/{schema}/{relation}", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		if chi.URLParam(r, "schema") != "widget" || chi.URLParam(r, "relation") != "widget" {
			t.Errorf("unexpected route params: %s", r.URL.Path)
		}
		writeEnvelope(w, model.Envelope{
			Columns: []model.ColumnMeta{{Name: "id", Type: "uuid"}, {Name: "name", Type: "text"}},
			PK:      "id",
			Result:  []model.Tuple{{Row: map[string]any{"id": "a", "name": "x"}}},
		})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ep := newEndpoint(t, srv, nil)
	opts := &query.Options{Where: []query.Filter{query.Eq("name", "x")}, Limit: query.Int(1)}
	env, err := ep.Get(context.Background(), widgetRel, opts)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gotQuery != opts.Encode() {
		t.Errorf("query = %q, want %q", gotQuery, opts.Encode())
	}
	if env.PK != "id" || env.Len() != 1 || env.Result[0].Row["name"] != "x" {
		t.Errorf("unexpected envelope: %+v", env)
	}
}

func TestNon2xxIsTransportError(t *testing.T) {
	r := chi.NewRouter()
	r.Get(basePath+"/relation/{schema}/{relation}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(model.ErrorDocument{Title: "Not Found", Message: "relation does not exist", StatusCode: 404})
	})
	r.Get(basePath+"/row/{schema}/{relation}/{pk}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()
	ep := newEndpoint(t, srv, nil)

	_, err := ep.Get(context.Background(), widgetRel, nil)
	var te *model.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if te.StatusCode != 404 || te.Title != "Not Found" || te.Message != "relation does not exist" {
		t.Errorf("unexpected error fields: %+v", te)
	}
	if !IsStatus(err, 404) {
		t.Error("IsStatus(404) = false")
	}

	rowID, _ := identity.NewRowID(widgetRel, "id", "a")
	_, err = ep.Get(context.Background(), rowID, nil)
	if !errors.As(err, &te) || te.StatusCode != http.StatusBadGateway || te.Message != "upstream exploded" {
		t.Errorf("plain-text error body: %v", err)
	}
}

func TestEmptyBodyYieldsNilEnvelope(t *testing.T) {
	r := chi.NewRouter()
	r.Delete(basePath+"/row/{schema}/{relation}/{pk}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()
	ep := newEndpoint(t, srv, nil)

	rowID, _ := identity.NewRowID(widgetRel, "id", "a")
	env, err := ep.Delete(context.Background(), rowID, nil)
	if err != nil || env != nil {
		t.Errorf("Delete = %v, %v; want nil, nil", env, err)
	}
}

func TestLongGetBecomesPost(t *testing.T) {
	var method string
	var body query.Options
	r := chi.NewRouter()
	handler := func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		if r.Method == http.MethodPost {
			if r.URL.RawQuery != "" {
				t.Errorf("upgraded POST kept its query string")
			}
			b, _ := io.ReadAll(r.Body)
			o, err := query.DecodeBody(b)
			if err != nil {
				t.Errorf("DecodeBody: %v", err)
			} else {
				body = *o
			}
		}
		writeEnvelope(w, model.Envelope{Result: []model.Tuple{}})
	}
	r.Get(basePath+"/relation/{schema}/{relation}", handler)
	r.Post(basePath+"/relation/{schema}/{relation}", handler)
	srv := httptest.NewServer(r)
	defer srv.Close()
	ep := newEndpoint(t, srv, nil)

	short := &query.Options{Where: []query.Filter{query.Eq("id", "x")}}
	if _, err := ep.Get(context.Background(), widgetRel, short); err != nil {
		t.Fatal(err)
	}
	if method != http.MethodGet {
		t.Errorf("short read used %s", method)
	}

	long := &query.Options{Where: []query.Filter{query.Eq("name", strings.Repeat("x", 1200))}}
	if _, err := ep.Get(context.Background(), widgetRel, long); err != nil {
		t.Fatal(err)
	}
	if method != http.MethodPost {
		t.Errorf("long read used %s, want POST", method)
	}
	if len(body.Where) != 1 || body.Where[0].Value != strings.Repeat("x", 1200) {
		t.Errorf("query not carried in body: %+v", body.Where)
	}
}

func TestPatchSendsBodyAndBypassesCache(t *testing.T) {
	var hits atomic.Int32
	r := chi.NewRouter()
	r.Patch(basePath+"/relation/{schema}/{relation}", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var row map[string]any
		if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		writeEnvelope(w, model.Envelope{Result: []model.Tuple{{Row: row}}})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()
	ep := newEndpoint(t, srv, nil)

	for range 2 {
		_, err := ep.Do(context.Background(), Request{
			Verb: PATCH, Resource: widgetRel, Body: map[string]any{"name": "n"}, UseCache: true,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if hits.Load() != 2 {
		t.Errorf("PATCH hits = %d, want 2", hits.Load())
	}
	if ep.Stats().Cached != 0 {
		t.Errorf("PATCH responses were cached")
	}
}

func TestOnlyReadsRetryDroppedConnections(t *testing.T) {
	var gets, patches atomic.Int32
	drop := func(n *atomic.Int32) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			n.Add(1)
			conn, _, err := w.(http.Hijacker).Hijack()
			if err != nil {
				t.Errorf("hijack: %v", err)
				return
			}
			conn.Close()
		}
	}
	r := chi.NewRouter()
	r.Get(basePath+"/relation/{schema}/{relation}", drop(&gets))
	r.Patch(basePath+"/relation/{schema}/{relation}", drop(&patches))
	srv := httptest.NewServer(r)
	defer srv.Close()
	ep := newEndpoint(t, srv, func(c *Config) { c.HTTPRetries = 2 })

	if _, err := ep.Get(context.Background(), widgetRel, nil); !errors.Is(err, model.ErrTransport) {
		t.Errorf("GET err = %v, want ErrTransport", err)
	}
	if _, err := ep.Do(context.Background(), Request{Verb: PATCH, Resource: widgetRel, Body: map[string]any{"name": "n"}}); !errors.Is(err, model.ErrTransport) {
		t.Errorf("PATCH err = %v, want ErrTransport", err)
	}
	if got := gets.Load(); got != 3 {
		t.Errorf("GET attempts = %d, want 3", got)
	}
	if got := patches.Load(); got != 1 {
		t.Errorf("PATCH attempts = %d, want 1", got)
	}
}

func TestCacheCollapsesAndInvalidatesOnSessionChange(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	r := chi.NewRouter()
	r.Get(basePath+"/relation/{schema}/{relation}", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			<-release
		}
		writeEnvelope(w, model.Envelope{Result: []model.Tuple{{Row: map[string]any{"id": 1}}}})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	sess := session.NewStatic("s1")
	ep := newEndpoint(t, srv, func(c *Config) { c.Session = sess })
	opts := &query.Options{UseCache: true, Limit: query.Int(5)}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ep.Get(context.Background(), widgetRel, opts); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := hits.Load(); got != 1 {
		t.Fatalf("concurrent identical reads hit the server %d times, want 1", got)
	}

	if _, err := ep.Get(context.Background(), widgetRel, opts); err != nil {
		t.Fatal(err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("cached read hit the server, hits = %d", got)
	}

	sess.Set("s2")
	if _, err := ep.Get(context.Background(), widgetRel, opts); err != nil {
		t.Fatal(err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("read after session change: hits = %d, want 2", got)
	}

	// Without UseCache every read goes to the server.
	if _, err := ep.Get(context.Background(), widgetRel, &query.Options{Limit: query.Int(5)}); err != nil {
		t.Fatal(err)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("uncached read: hits = %d, want 3", got)
	}
}

func TestEventedAddsSessionID(t *testing.T) {
	var got string
	r := chi.NewRouter()
	r.Get(basePath+"/relation/{schema}/{relation}", func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query().Get("session_id")
		writeEnvelope(w, model.Envelope{Result: []model.Tuple{}})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ep := newEndpoint(t, srv, func(c *Config) {
		c.Session = session.NewStatic("abc")
		c.Evented = true
	})
	if _, err := ep.Get(context.Background(), widgetRel, nil); err != nil {
		t.Fatal(err)
	}
	if got != `"abc"` {
		t.Errorf("session_id = %q", got)
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, model.ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
	if got := socketURL("https://h/endpoint/0.3/"); got != "wss://h/endpoint/0.3/event" {
		t.Errorf("socketURL = %q", got)
	}
}
