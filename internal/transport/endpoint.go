// Package transport dispatches endpoint requests over HTTP or, when one is
// open, over a persistent socket. Responses of reads are cached per Endpoint
// and the cache is dropped whenever the session cookie changes.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/faucetdb/datum/internal/cache"
	"github.com/faucetdb/datum/internal/model"
	"github.com/faucetdb/datum/internal/query"
	"github.com/faucetdb/datum/internal/session"
)

// HTTP verbs understood by the endpoint.
const (
	GET    = http.MethodGet
	POST   = http.MethodPost
	PATCH  = http.MethodPatch
	DELETE = http.MethodDelete
)

// Resource is anything with an id-only URL path. Every identity implements it.
type Resource interface {
	Path() string
}

// Path is a literal Resource.
type Path string

func (p Path) Path() string { return string(p) }

// Request is one endpoint call.
type Request struct {
	Verb     string
	Resource Resource
	Options  *query.Options
	Body     any
	UseCache bool
}

// Config configures an Endpoint.
type Config struct {
	// BaseURL is the HTTP root of the endpoint, e.g.
	// http://localhost:8080/endpoint/0.3.
	BaseURL string

	// SocketURL is the event socket, e.g. ws://localhost:8080/endpoint/0.3/event.
	// Derived from BaseURL when empty.
	SocketURL string

	// Version is sent in socket frames.
	Version string

	// Evented adds the session id to every request so the server can
	// subscribe the session to the rows it reads.
	Evented bool

	HTTPClient  *http.Client
	Jar         http.CookieJar
	Session     session.Source
	HTTPRetries int

	RetryInterval     time.Duration
	MaxTries          int
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	MaxURLLength      int

	Logger *slog.Logger
}

// DefaultConfig returns the settings used for zero fields of a Config.
func DefaultConfig() Config {
	return Config{
		Version:           "0.3",
		HTTPRetries:       2,
		RetryInterval:     300 * time.Millisecond,
		ReconnectAttempts: 20,
		ReconnectDelay:    time.Second,
		MaxURLLength:      1000,
	}
}

// Endpoint executes requests against one endpoint. It owns the response
// cache and the socket's in-flight table; both are safe for concurrent use.
type Endpoint struct {
	cfg    Config
	base   string
	http   *httpPath
	cache  *cache.Cache[*model.Envelope]
	logger *slog.Logger

	sessMu   sync.Mutex
	lastSess string

	sock *socket
}

// New returns an Endpoint. It does not open the socket; call Connect for that.
func New(cfg Config) (*Endpoint, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: endpoint url is required", model.ErrConfiguration)
	}
	def := DefaultConfig()
	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = def.ReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxURLLength <= 0 {
		cfg.MaxURLLength = def.MaxURLLength
	}
	if cfg.HTTPRetries < 0 {
		cfg.HTTPRetries = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SocketURL == "" {
		cfg.SocketURL = socketURL(cfg.BaseURL)
	}

	e := &Endpoint{
		cfg:    cfg,
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		cache:  cache.New[*model.Envelope](),
		logger: cfg.Logger,
	}
	e.http = newHTTPPath(cfg)
	if cfg.Session != nil {
		e.lastSess = cfg.Session.Session()
	}
	e.sock = newSocket(e)
	return e, nil
}

func socketURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/event"
}

// BaseURL returns the endpoint root without a trailing slash.
func (e *Endpoint) BaseURL() string { return e.base }

// Logger returns the endpoint's logger.
func (e *Endpoint) Logger() *slog.Logger { return e.logger }

// Get reads a resource.
func (e *Endpoint) Get(ctx context.Context, r Resource, opts *query.Options) (*model.Envelope, error) {
	return e.Do(ctx, Request{Verb: GET, Resource: r, Options: opts})
}

// Post sends body to a resource. Posts without a body are reads and may be
// served from the cache.
func (e *Endpoint) Post(ctx context.Context, r Resource, opts *query.Options, body any) (*model.Envelope, error) {
	return e.Do(ctx, Request{Verb: POST, Resource: r, Options: opts, Body: body})
}

// Patch inserts into a relation or updates a row.
func (e *Endpoint) Patch(ctx context.Context, r Resource, opts *query.Options, body any) (*model.Envelope, error) {
	return e.Do(ctx, Request{Verb: PATCH, Resource: r, Options: opts, Body: body})
}

// Delete deletes a row.
func (e *Endpoint) Delete(ctx context.Context, r Resource, opts *query.Options) (*model.Envelope, error) {
	return e.Do(ctx, Request{Verb: DELETE, Resource: r, Options: opts})
}

// Do executes r. A successful response with no body yields a nil envelope.
func (e *Endpoint) Do(ctx context.Context, r Request) (*model.Envelope, error) {
	if r.Resource == nil {
		return nil, fmt.Errorf("%w: request without resource", model.ErrProgramming)
	}
	verb := strings.ToUpper(r.Verb)
	if verb == "" {
		verb = GET
	}
	sess := e.checkSession()

	opts := r.Options
	if e.cfg.Evented && sess != "" && (opts == nil || opts.SessionID == "") {
		opts = opts.Clone()
		opts.SessionID = sess
	}

	path := r.Resource.Path()
	target := e.base + path
	full := target
	if q := opts.Encode(); q != "" {
		full += "?" + q
	}

	call := &call{verb: verb, path: path, target: target, full: full, opts: opts, body: r.Body}

	useCache := r.UseCache || (opts != nil && opts.UseCache)
	if !useCache || !call.isRead() {
		return e.dispatch(ctx, call)
	}

	key := full
	if verb == POST && r.Body != nil {
		key = full + "\n" + mustJSON(r.Body)
	}
	env, shared, err := e.cache.Do(ctx, key, func(ctx context.Context) (*model.Envelope, error) {
		return e.dispatch(ctx, call)
	})
	if shared {
		e.logger.Debug("endpoint cache hit", "verb", verb, "url", full)
	}
	return env, err
}

// call is a request resolved against the endpoint.
type call struct {
	verb   string
	path   string
	target string
	full   string
	opts   *query.Options
	body   any
}

func (c *call) isRead() bool {
	return c.verb == GET || c.verb == POST
}

func (e *Endpoint) dispatch(ctx context.Context, c *call) (*model.Envelope, error) {
	if e.sock.isOpen() {
		e.logger.Debug("endpoint request", "verb", c.verb, "path", c.path, "transport", "socket")
		return e.sock.request(ctx, c)
	}
	e.logger.Debug("endpoint request", "verb", c.verb, "url", c.full, "transport", "http")
	return e.http.do(ctx, c)
}

// checkSession compares the session cookie with the last one seen and drops
// the cache when it changed. It returns the current value.
func (e *Endpoint) checkSession() string {
	if e.cfg.Session == nil {
		return ""
	}
	cur := e.cfg.Session.Session()
	e.sessMu.Lock()
	changed := cur != e.lastSess
	e.lastSess = cur
	e.sessMu.Unlock()
	if changed {
		e.cache.Clear()
		e.logger.Debug("session changed, response cache cleared")
	}
	return cur
}

// SetSession stores value as the current session when the session source
// is writable, as JarSource and Static are. It reports whether it did.
func (e *Endpoint) SetSession(value string) bool {
	w, ok := e.cfg.Session.(interface{ Set(string) })
	if !ok {
		return false
	}
	w.Set(value)
	return true
}

// ClearCache drops every cached response.
func (e *Endpoint) ClearCache() {
	e.cache.Clear()
}

// Stats is a snapshot of the endpoint's state.
type Stats struct {
	Connected bool
	Pending   int
	Cached    int
}

// Stats returns a snapshot of the endpoint's state.
func (e *Endpoint) Stats() Stats {
	return Stats{
		Connected: e.sock.isOpen(),
		Pending:   e.sock.pendingCount(),
		Cached:    e.cache.Len(),
	}
}
