package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/faucetdb/datum/internal/model"
)

// ErrNoResponse is returned when a socket request was sent MaxTries times
// without a response.
var ErrNoResponse = errors.New("no response from socket")

const (
	writeTimeout   = 10 * time.Second
	controlTimeout = 5 * time.Second
)

type sockResult struct {
	env *model.Envelope
	err error
}

// pending is an in-flight socket request. frame.Tries counts sends.
type pending struct {
	frame  Frame
	decode bool
	timer  *time.Timer
	done   chan sockResult
}

// socket is the persistent connection of an Endpoint. All fields below mu
// are guarded by it; writes to conn are serialized by writeMu.
type socket struct {
	ep     *Endpoint
	logger *slog.Logger
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	open     bool
	closing  bool
	ctx      context.Context
	cancel   context.CancelFunc
	pending  map[string]*pending
	onOpen   []func(context.Context) error
	handlers map[string][]EventHandler
	attached string

	writeMu sync.Mutex
}

func newSocket(e *Endpoint) *socket {
	s := &socket{
		ep:     e,
		logger: e.logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			Jar:              e.cfg.Jar,
		},
		pending:  make(map[string]*pending),
		handlers: make(map[string][]EventHandler),
	}
	s.onOpen = append(s.onOpen, s.attachSession)
	return s
}

// Connect opens the event socket. While it is open, requests are sent over
// it instead of HTTP. Open callbacks run, in registration order, every time
// the socket opens, including after a reconnect.
func (e *Endpoint) Connect(ctx context.Context) error {
	return e.sock.connect(ctx)
}

// Close tears down the socket. Pending socket requests fail with
// model.ErrSocketDown and later requests use HTTP.
func (e *Endpoint) Close() error {
	e.sock.close()
	return nil
}

// OnOpen registers fn to run whenever the socket opens. The first callback,
// registered by New, attaches the current session.
func (e *Endpoint) OnOpen(fn func(context.Context) error) {
	e.sock.mu.Lock()
	e.sock.onOpen = append(e.sock.onOpen, fn)
	e.sock.mu.Unlock()
}

// OnEvent registers h for change events of the given subscription type, or
// for every recognized type when subscriptionType is "".
func (e *Endpoint) OnEvent(subscriptionType string, h EventHandler) {
	e.sock.mu.Lock()
	e.sock.handlers[subscriptionType] = append(e.sock.handlers[subscriptionType], h)
	e.sock.mu.Unlock()
}

// Attach subscribes the socket to events of sessionID.
func (e *Endpoint) Attach(ctx context.Context, sessionID string) error {
	return e.sock.control(ctx, MethodAttach, sessionID)
}

// Detach ends the event subscription of sessionID.
func (e *Endpoint) Detach(ctx context.Context, sessionID string) error {
	return e.sock.control(ctx, MethodDetach, sessionID)
}

// AttachedSession returns the session id last confirmed by a session_attach
// frame.
func (e *Endpoint) AttachedSession() string {
	e.sock.mu.Lock()
	defer e.sock.mu.Unlock()
	return e.sock.attached
}

func (s *socket) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *socket) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *socket) connect(ctx context.Context) error {
	s.mu.Lock()
	if s.open {
		s.mu.Unlock()
		return nil
	}
	s.closing = false
	if s.cancel == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		return &model.TransportError{Err: err}
	}
	s.established(conn)
	return nil
}

func (s *socket) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.ep.cfg.SocketURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (s *socket) established(conn *websocket.Conn) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.open = true
	lifecycle := s.ctx
	callbacks := slices.Clone(s.onOpen)
	s.mu.Unlock()

	s.logger.Info("socket connected", "url", s.ep.cfg.SocketURL)
	go s.readLoop(conn)

	for _, fn := range callbacks {
		if err := fn(lifecycle); err != nil {
			s.logger.Warn("socket open callback failed", "error", err)
		}
	}
	s.resendPending()
}

func (s *socket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.dropped(conn, err)
			return
		}
		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			s.logger.Warn("socket frame ignored", "error", err)
			continue
		}
		s.handle(in)
	}
}

func (s *socket) handle(in Inbound) {
	switch in.Method {
	case MethodResponse:
		s.mu.Lock()
		p := s.pending[in.RequestID]
		delete(s.pending, in.RequestID)
		s.mu.Unlock()
		if p == nil {
			s.logger.Debug("socket response without pending request", "request_id", in.RequestID)
			return
		}
		p.timer.Stop()
		p.done <- p.result(in)

	case MethodSessionAttach:
		s.mu.Lock()
		s.attached = in.SessionID
		s.mu.Unlock()
		s.logger.Debug("socket session attached", "session_id", in.SessionID)

	case MethodEvent:
		ev, err := parseEvent(in.Data)
		if err != nil {
			s.logger.Warn("socket event ignored", "error", err)
			return
		}
		if !knownSubscription(ev.SubscriptionType) {
			s.logger.Debug("socket event with unknown subscription type", "subscription_type", ev.SubscriptionType)
			return
		}
		s.mu.Lock()
		hs := slices.Concat(s.handlers[ev.SubscriptionType], s.handlers[""])
		s.mu.Unlock()
		for _, h := range hs {
			h(ev)
		}

	default:
		s.logger.Debug("socket frame with unknown method", "method", in.Method)
	}
}

func (p *pending) result(in Inbound) sockResult {
	status := in.Status
	if status == 0 {
		status = http.StatusOK
	}
	if !p.decode {
		if status < 200 || status >= 300 {
			_, err := decodeResponse(status, in.Data)
			return sockResult{err: err}
		}
		return sockResult{}
	}
	env, err := decodeResponse(status, in.Data)
	return sockResult{env: env, err: err}
}

// dropped handles the end of a read loop. Only an abnormal closure starts a
// reconnect; any other close leaves the socket down.
func (s *socket) dropped(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.open = false
	closing := s.closing
	lifecycle := s.ctx
	s.mu.Unlock()
	conn.Close()

	if closing {
		return
	}
	if !abnormalClosure(err) {
		s.logger.Info("socket closed by endpoint", "error", err)
		s.failPending(model.ErrSocketDown)
		return
	}
	s.logger.Warn("socket dropped, reconnecting", "error", err)
	s.reconnect(lifecycle)
}

func abnormalClosure(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseAbnormalClosure
	}
	return true
}

func (s *socket) reconnect(ctx context.Context) {
	attempts := s.ep.cfg.ReconnectAttempts
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.ep.cfg.ReconnectDelay), uint64(attempts-1)),
		ctx,
	)

	attempt := 0
	var conn *websocket.Conn
	err := backoff.RetryNotify(func() error {
		attempt++
		c, err := s.dial(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, b, func(err error, wait time.Duration) {
		s.logger.Warn("socket reconnect failed", "attempt", attempt, "retry_in", wait, "error", err)
	})
	if err != nil {
		s.logger.Error("socket reconnect gave up", "attempts", attempt, "error", err)
		s.failPending(model.ErrSocketDown)
		return
	}
	s.logger.Info("socket reconnected", "attempts", attempt)
	s.established(conn)
}

// roundTrip sends f and waits for the matching response. The frame is sent
// again with the same request id every RetryInterval until a response
// arrives, ctx ends, MaxTries is reached, or the socket goes down for good.
func (s *socket) roundTrip(ctx context.Context, f Frame, decode bool) (*model.Envelope, error) {
	interval := s.ep.cfg.RetryInterval
	p := &pending{frame: f, decode: decode, done: make(chan sockResult, 1)}

	s.mu.Lock()
	p.frame.Tries = 1
	s.pending[f.RequestID] = p
	p.timer = time.AfterFunc(interval, func() { s.retry(f.RequestID) })
	conn := s.conn
	frame := p.frame
	s.mu.Unlock()

	if conn != nil {
		s.write(conn, frame)
	}

	select {
	case <-ctx.Done():
		s.remove(f.RequestID)
		return nil, ctx.Err()
	case r := <-p.done:
		return r.env, r.err
	}
}

func (s *socket) retry(id string) {
	s.mu.Lock()
	p, ok := s.pending[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if limit := s.ep.cfg.MaxTries; limit > 0 && p.frame.Tries >= limit {
		delete(s.pending, id)
		s.mu.Unlock()
		p.done <- sockResult{err: &model.TransportError{Err: ErrNoResponse}}
		return
	}
	p.frame.Tries++
	p.timer.Reset(s.ep.cfg.RetryInterval)
	frame := p.frame
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		s.logger.Debug("socket request resent", "request_id", id, "tries", frame.Tries)
		s.write(conn, frame)
	}
}

func (s *socket) remove(id string) {
	s.mu.Lock()
	p := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if p != nil {
		p.timer.Stop()
	}
}

func (s *socket) resendPending() {
	s.mu.Lock()
	conn := s.conn
	frames := make([]Frame, 0, len(s.pending))
	for _, p := range s.pending {
		frames = append(frames, p.frame)
	}
	s.mu.Unlock()
	if conn == nil {
		return
	}
	for _, f := range frames {
		s.write(conn, f)
	}
}

func (s *socket) failPending(cause error) {
	s.mu.Lock()
	ps := s.pending
	s.pending = make(map[string]*pending)
	s.mu.Unlock()
	for _, p := range ps {
		p.timer.Stop()
		p.done <- sockResult{err: &model.TransportError{Err: cause}}
	}
}

func (s *socket) write(conn *websocket.Conn, f Frame) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(f); err != nil {
		s.logger.Debug("socket write failed", "request_id", f.RequestID, "error", err)
	}
}

func (s *socket) request(ctx context.Context, c *call) (*model.Envelope, error) {
	f := Frame{
		Version:   s.ep.cfg.Version,
		Method:    MethodRequest,
		Verb:      c.verb,
		URI:       c.path,
		Query:     c.opts.Values(),
		Data:      c.body,
		RequestID: newRequestID(),
	}
	return s.roundTrip(ctx, f, true)
}

func (s *socket) control(ctx context.Context, method, sessionID string) error {
	if !s.isOpen() {
		return &model.TransportError{Err: model.ErrSocketDown}
	}
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	_, err := s.roundTrip(ctx, Frame{
		Version:   s.ep.cfg.Version,
		Method:    method,
		SessionID: sessionID,
		RequestID: newRequestID(),
	}, false)
	return err
}

// attachSession is the first open callback.
func (s *socket) attachSession(ctx context.Context) error {
	if s.ep.cfg.Session == nil {
		return nil
	}
	sess := s.ep.cfg.Session.Session()
	if sess == "" {
		return nil
	}
	return s.control(ctx, MethodAttach, sess)
}

func (s *socket) close() {
	s.mu.Lock()
	s.closing = true
	conn := s.conn
	s.conn = nil
	s.open = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		s.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		conn.Close()
	}
	s.failPending(model.ErrSocketDown)
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
