package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/faucetdb/datum/internal/endpoint/middleware"
	"github.com/faucetdb/datum/internal/model"
	"github.com/faucetdb/datum/internal/transport"
)

const (
	socketWriteTimeout = 10 * time.Second
	// answered caps how many request ids a socket remembers for resends.
	answered = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// hub fans change events out to sockets with an attached session.
type hub struct {
	mu    sync.Mutex
	conns map[*socketConn]struct{}
}

func newHub() *hub {
	return &hub{conns: make(map[*socketConn]struct{})}
}

func (h *hub) add(c *socketConn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *socketConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

func (h *hub) publish(ev transport.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.Lock()
	targets := make([]*socketConn, 0, len(h.conns))
	for c := range h.conns {
		if c.session() != "" {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.send(transport.Inbound{Method: transport.MethodEvent, Data: data})
	}
}

// closeAll closes every socket with a going-away close frame.
func (h *hub) closeAll() {
	h.mu.Lock()
	conns := make([]*socketConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.ws.Close()
	}
}

// socketConn is one client socket.
type socketConn struct {
	ws      *websocket.Conn
	logger  *slog.Logger
	header  http.Header
	writeMu sync.Mutex

	mu       sync.Mutex
	attached string
	// replies holds the answer for each request id seen, nil while the
	// request is still running. order bounds it.
	replies map[string]*transport.Inbound
	order   []string
}

func (c *socketConn) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

func (c *socketConn) send(in transport.Inbound) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if err := c.ws.WriteJSON(in); err != nil {
		c.logger.Debug("socket write failed", "error", err)
	}
}

// begin registers a request id. It reports false for a resend, together
// with the stored reply when the first attempt already finished.
func (c *socketConn) begin(id string) (*transport.Inbound, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reply, seen := c.replies[id]; seen {
		return reply, false
	}
	c.replies[id] = nil
	c.order = append(c.order, id)
	if len(c.order) > answered {
		delete(c.replies, c.order[0])
		c.order = c.order[1:]
	}
	return nil, true
}

func (c *socketConn) finish(id string, reply transport.Inbound) {
	c.mu.Lock()
	if _, ok := c.replies[id]; ok {
		c.replies[id] = &reply
	}
	c.mu.Unlock()
	c.send(reply)
}

// handleEvents upgrades to the event socket. Request frames are served by the
// data routes in-process; attach and detach manage the event subscription.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("socket upgrade failed", "error", err)
		return
	}
	ws.SetReadDeadline(time.Time{})

	c := &socketConn{
		ws:      ws,
		logger:  s.logger.With("remote_addr", r.RemoteAddr),
		header:  r.Header.Clone(),
		replies: make(map[string]*transport.Inbound),
	}
	s.hub.add(c)
	defer func() {
		s.hub.remove(c)
		ws.Close()
	}()
	c.logger.Debug("socket opened")

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.logger.Debug("socket closed", "error", err)
			return
		}
		var f transport.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("socket frame ignored", "error", err)
			continue
		}
		if f.RequestID == "" {
			c.logger.Warn("socket frame without request_id ignored", "method", f.Method)
			continue
		}
		reply, first := c.begin(f.RequestID)
		if !first {
			if reply != nil {
				c.send(*reply)
			}
			continue
		}

		switch f.Method {
		case transport.MethodRequest:
			go func() { c.finish(f.RequestID, s.serveFrame(r, c, f)) }()
		case transport.MethodAttach:
			c.finish(f.RequestID, s.attach(c, f))
		case transport.MethodDetach:
			c.mu.Lock()
			c.attached = ""
			c.mu.Unlock()
			c.finish(f.RequestID, transport.Inbound{Method: transport.MethodResponse, RequestID: f.RequestID, Status: http.StatusOK})
		default:
			c.finish(f.RequestID, errorReply(f.RequestID, http.StatusBadRequest, "unknown method "+f.Method))
		}
	}
}

func (s *Server) attach(c *socketConn, f transport.Frame) transport.Inbound {
	id, err := s.sessions.validate(f.SessionID)
	if err != nil {
		return errorReply(f.RequestID, http.StatusUnauthorized, err.Error())
	}
	c.mu.Lock()
	c.attached = f.SessionID
	c.mu.Unlock()
	c.logger.Debug("socket session attached", "session", id)
	c.send(transport.Inbound{Method: transport.MethodSessionAttach, SessionID: f.SessionID})
	return transport.Inbound{Method: transport.MethodResponse, RequestID: f.RequestID, Status: http.StatusOK}
}

// serveFrame runs a request frame through the data routes as if it had
// arrived over HTTP with the upgrade request's headers.
func (s *Server) serveFrame(up *http.Request, c *socketConn, f transport.Frame) transport.Inbound {
	target := s.cfg.BasePath + "/" + strings.TrimPrefix(f.URI, "/")
	if len(f.Query) > 0 {
		target += "?" + f.Query.Encode()
	}
	var body bytes.Buffer
	if f.Data != nil {
		if err := json.NewEncoder(&body).Encode(f.Data); err != nil {
			return errorReply(f.RequestID, http.StatusBadRequest, err.Error())
		}
	}
	verb := strings.ToUpper(f.Verb)
	if verb == "" {
		verb = http.MethodGet
	}

	// The upgrade request's context still holds the /event routing state.
	ctx := context.WithValue(up.Context(), chi.RouteCtxKey, nil)
	ctx = middleware.FromSocket(ctx)
	req, err := http.NewRequestWithContext(ctx, verb, target, &body)
	if err != nil {
		return errorReply(f.RequestID, http.StatusBadRequest, err.Error())
	}
	req.Header = c.header.Clone()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", f.RequestID)
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Upgrade")
	req.Header.Del("Connection")
	req.RemoteAddr = up.RemoteAddr

	rec := newRecorder()
	s.router.ServeHTTP(rec, req)

	out := transport.Inbound{Method: transport.MethodResponse, RequestID: f.RequestID, Status: rec.status}
	payload := bytes.TrimSpace(rec.body.Bytes())
	switch {
	case len(payload) == 0:
	case json.Valid(payload):
		out.Data = payload
	default:
		out.Data = mustMarshal(model.ErrorDocument{
			Title:      http.StatusText(rec.status),
			Message:    string(payload),
			StatusCode: rec.status,
		})
	}
	return out
}

func errorReply(requestID string, status int, message string) transport.Inbound {
	return transport.Inbound{
		Method:    transport.MethodResponse,
		RequestID: requestID,
		Status:    status,
		Data: mustMarshal(model.ErrorDocument{
			Title:      http.StatusText(status),
			Message:    message,
			StatusCode: status,
		}),
	}
}

// recorder captures a handler's response for a socket reply.
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
	wrote  bool
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header), status: http.StatusOK}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(code int) {
	if r.wrote {
		return
	}
	r.wrote = true
	r.status = code
}

func (r *recorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.body.Write(b)
}
