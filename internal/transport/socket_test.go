package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/faucetdb/datum/internal/model"
	"github.com/faucetdb/datum/internal/query"
	"github.com/faucetdb/datum/internal/session"
)

// fakeSocketServer answers socket frames with handle. HTTP requests to the
// endpoint are counted so tests can check which transport was used.
type fakeSocketServer struct {
	*httptest.Server
	upgrader  websocket.Upgrader
	handle    func(conn *websocket.Conn, f Frame)
	conns     atomic.Int32
	httpHits  atomic.Int32
	refuseNew atomic.Bool

	mu   sync.Mutex
	last *websocket.Conn
}

func newFakeSocketServer(t *testing.T, handle func(conn *websocket.Conn, f Frame)) *fakeSocketServer {
	t.Helper()
	fs := &fakeSocketServer{handle: handle}
	r := chi.NewRouter()
	r.Get(basePath+"/event", func(w http.ResponseWriter, r *http.Request) {
		if fs.refuseNew.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conns.Add(1)
		fs.mu.Lock()
		fs.last = conn
		fs.mu.Unlock()
		defer conn.Close()
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			fs.handle(conn, f)
		}
	})
	r.HandleFunc(basePath+"/*", func(w http.ResponseWriter, r *http.Request) {
		fs.httpHits.Add(1)
		writeEnvelope(w, model.Envelope{Result: []model.Tuple{}})
	})
	fs.Server = httptest.NewServer(r)
	t.Cleanup(fs.Close)
	return fs
}

// drop kills the current connection without a close frame.
func (fs *fakeSocketServer) drop() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.last != nil {
		fs.last.UnderlyingConn().Close()
	}
}

func respond(conn *websocket.Conn, id string, status int, data any) {
	raw, _ := json.Marshal(data)
	conn.WriteJSON(Inbound{Method: MethodResponse, RequestID: id, Status: status, Data: raw})
}

func okEnvelope(name string) model.Envelope {
	return model.Envelope{PK: "id", Result: []model.Tuple{{Row: map[string]any{"id": 1.0, "name": name}}}}
}

func connect(t *testing.T, ep *Endpoint) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ep.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestSocketRequestResponse(t *testing.T) {
	var got Frame
	fs := newFakeSocketServer(t, func(conn *websocket.Conn, f Frame) {
		got = f
		respond(conn, f.RequestID, 200, okEnvelope("via socket"))
	})
	ep := newEndpoint(t, fs.Server, nil)
	connect(t, ep)

	opts := &query.Options{Limit: query.Int(1)}
	env, err := ep.Get(context.Background(), widgetRel, opts)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if env.Result[0].Row["name"] != "via socket" {
		t.Errorf("unexpected envelope %+v", env)
	}
	if fs.httpHits.Load() != 0 {
		t.Error("request went over HTTP while the socket was open")
	}
	if got.Method != MethodRequest || got.Verb != GET || got.URI != "/relation/widget/widget" || got.Version != "0.3" {
		t.Errorf("unexpected frame %+v", got)
	}
	if got.Query.Get("limit") != "1" || got.RequestID == "" || got.Tries != 1 {
		t.Errorf("unexpected frame query/id/tries: %+v", got)
	}
}

func TestSocketErrorStatus(t *testing.T) {
	fs := newFakeSocketServer(t, func(conn *websocket.Conn, f Frame) {
		respond(conn, f.RequestID, 404, model.ErrorDocument{Title: "Not Found", Message: "no row", StatusCode: 404})
	})
	ep := newEndpoint(t, fs.Server, nil)
	connect(t, ep)

	_, err := ep.Get(context.Background(), widgetRel, nil)
	if !IsStatus(err, 404) {
		t.Errorf("err = %v, want 404 TransportError", err)
	}
}

func TestSocketResendsWithSameID(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]int{}
	fs := newFakeSocketServer(t, func(conn *websocket.Conn, f Frame) {
		mu.Lock()
		seen[f.RequestID] = append(seen[f.RequestID], f.Tries)
		n := len(seen[f.RequestID])
		mu.Unlock()
		if n < 3 {
			return // lose the first two sends
		}
		respond(conn, f.RequestID, 200, okEnvelope("third time"))
	})
	ep := newEndpoint(t, fs.Server, nil)
	connect(t, ep)

	env, err := ep.Get(context.Background(), widgetRel, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if env.Result[0].Row["name"] != "third time" {
		t.Errorf("unexpected envelope %+v", env)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("request ids = %d, want 1", len(seen))
	}
	for _, tries := range seen {
		if len(tries) < 3 || tries[0] != 1 || tries[1] != 2 || tries[2] != 3 {
			t.Errorf("tries = %v, want 1,2,3", tries)
		}
	}
	if ep.Stats().Pending != 0 {
		t.Errorf("pending = %d after response", ep.Stats().Pending)
	}
}

func TestSocketMaxTries(t *testing.T) {
	fs := newFakeSocketServer(t, func(*websocket.Conn, Frame) {})
	ep := newEndpoint(t, fs.Server, func(c *Config) { c.MaxTries = 3 })
	connect(t, ep)

	_, err := ep.Get(context.Background(), widgetRel, nil)
	if !errors.Is(err, ErrNoResponse) || !errors.Is(err, model.ErrTransport) {
		t.Errorf("err = %v, want ErrNoResponse transport error", err)
	}
}

func TestSocketCancelRemovesPending(t *testing.T) {
	fs := newFakeSocketServer(t, func(*websocket.Conn, Frame) {})
	ep := newEndpoint(t, fs.Server, nil)
	connect(t, ep)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_, err := ep.Get(ctx, widgetRel, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if n := ep.Stats().Pending; n != 0 {
		t.Errorf("pending = %d after cancellation", n)
	}
}

func TestSocketEventsRoutedBySubscriptionType(t *testing.T) {
	fs := newFakeSocketServer(t, func(conn *websocket.Conn, f Frame) {
		push := func(data any) {
			raw, _ := json.Marshal(data)
			conn.WriteJSON(Inbound{Method: MethodEvent, Data: raw})
		}
		// As an object, as a JSON string, and of an unknown type.
		push(map[string]any{"subscription_type": "row", "operation": "update"})
		push(`{"subscription_type":"table","operation":"insert"}`)
		push(map[string]any{"subscription_type": "galaxy", "operation": "explode"})
		respond(conn, f.RequestID, 200, okEnvelope("done"))
	})
	ep := newEndpoint(t, fs.Server, nil)

	var mu sync.Mutex
	var rows, tables, all []string
	ep.OnEvent(SubscriptionRow, func(ev Event) {
		mu.Lock()
		rows = append(rows, ev.Operation)
		mu.Unlock()
	})
	ep.OnEvent(SubscriptionTable, func(ev Event) {
		mu.Lock()
		tables = append(tables, ev.Operation)
		mu.Unlock()
	})
	ep.OnEvent("", func(ev Event) {
		mu.Lock()
		all = append(all, ev.SubscriptionType)
		mu.Unlock()
	})
	connect(t, ep)

	if _, err := ep.Get(context.Background(), widgetRel, nil); err != nil {
		t.Fatal(err)
	}
	// Events precede the response on the same connection, so they have
	// been dispatched by the time Get returns.
	mu.Lock()
	defer mu.Unlock()
	if len(rows) != 1 || rows[0] != "update" {
		t.Errorf("row events = %v", rows)
	}
	if len(tables) != 1 || tables[0] != "insert" {
		t.Errorf("table events = %v", tables)
	}
	if len(all) != 2 {
		t.Errorf("catch-all events = %v, want row and table only", all)
	}
}

func TestSocketAttachOnOpen(t *testing.T) {
	attached := make(chan string, 4)
	fs := newFakeSocketServer(t, func(conn *websocket.Conn, f Frame) {
		switch f.Method {
		case MethodAttach:
			attached <- f.SessionID
			conn.WriteJSON(Inbound{Method: MethodSessionAttach, SessionID: f.SessionID})
			respond(conn, f.RequestID, 200, "true")
		case MethodRequest:
			respond(conn, f.RequestID, 200, okEnvelope("x"))
		}
	})

	var order []string
	ep := newEndpoint(t, fs.Server, func(c *Config) { c.Session = session.NewStatic("sess-1") })
	ep.OnOpen(func(context.Context) error {
		order = append(order, "user")
		return nil
	})
	connect(t, ep)

	select {
	case id := <-attached:
		if id != "sess-1" {
			t.Errorf("attached %q", id)
		}
	default:
		t.Fatal("attach was not sent before Connect returned")
	}
	if ep.AttachedSession() != "sess-1" {
		t.Errorf("AttachedSession = %q", ep.AttachedSession())
	}
	if len(order) != 1 {
		t.Errorf("user callback ran %d times", len(order))
	}
}

func TestSocketReconnectsAfterAbnormalClosure(t *testing.T) {
	fs := newFakeSocketServer(t, func(conn *websocket.Conn, f Frame) {
		respond(conn, f.RequestID, 200, okEnvelope("ok"))
	})
	ep := newEndpoint(t, fs.Server, nil)
	opened := make(chan struct{}, 4)
	ep.OnOpen(func(context.Context) error {
		opened <- struct{}{}
		return nil
	})
	connect(t, ep)
	<-opened

	fs.drop()

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("socket did not reconnect")
	}
	if fs.conns.Load() != 2 {
		t.Errorf("connections = %d, want 2", fs.conns.Load())
	}
	if _, err := ep.Get(context.Background(), widgetRel, nil); err != nil {
		t.Fatalf("Get after reconnect: %v", err)
	}
	if !ep.Stats().Connected {
		t.Error("endpoint not connected after reconnect")
	}
}

func TestSocketReconnectBudgetExhausted(t *testing.T) {
	var fs *fakeSocketServer
	fs = newFakeSocketServer(t, func(conn *websocket.Conn, f Frame) {
		// Never answer; drop the connection and refuse to come back.
		fs.refuseNew.Store(true)
		conn.UnderlyingConn().Close()
	})
	ep := newEndpoint(t, fs.Server, func(c *Config) { c.ReconnectAttempts = 3 })
	connect(t, ep)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := ep.Get(ctx, widgetRel, nil)
	if !errors.Is(err, model.ErrSocketDown) {
		t.Fatalf("err = %v, want ErrSocketDown", err)
	}

	// With the socket down the endpoint falls back to HTTP.
	if _, err := ep.Get(context.Background(), widgetRel, nil); err != nil {
		t.Fatalf("HTTP fallback: %v", err)
	}
	if fs.httpHits.Load() != 1 {
		t.Errorf("http hits = %d, want 1", fs.httpHits.Load())
	}
}

func TestCloseFailsPending(t *testing.T) {
	fs := newFakeSocketServer(t, func(*websocket.Conn, Frame) {})
	ep := newEndpoint(t, fs.Server, nil)
	connect(t, ep)

	errc := make(chan error, 1)
	go func() {
		_, err := ep.Get(context.Background(), widgetRel, nil)
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	ep.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, model.ErrSocketDown) {
			t.Errorf("err = %v, want ErrSocketDown", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request not released by Close")
	}
}
