package datum

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/faucetdb/datum/internal/model"
	"github.com/faucetdb/datum/internal/session"
	"github.com/faucetdb/datum/internal/transport"
)

// Evented modes.
const (
	EventedNo  = "no"
	EventedTry = "try"
	EventedYes = "yes"
)

// Config describes how to reach an endpoint.
type Config struct {
	URL       string
	SocketURL string
	Version   string

	// Evented is one of EventedNo, EventedTry or EventedYes. With "try" a
	// socket that cannot be opened is logged and requests use HTTP; with
	// "yes" Open fails.
	Evented string

	SessionCookie string
	// SessionToken, when set, is stored in the cookie jar as the session
	// cookie before the first request.
	SessionToken string

	RequestTimeout      time.Duration
	HTTPRetries         int
	SocketRetryInterval time.Duration
	SocketMaxTries      int
	ReconnectAttempts   int
	ReconnectDelay      time.Duration
	MaxURLLength        int
	PrimaryKey          string

	Logger *slog.Logger
}

// Open builds the endpoint described by cfg and, unless cfg.Evented is
// "no", opens its socket.
func Open(ctx context.Context, cfg Config) (*Database, error) {
	switch cfg.Evented {
	case "", EventedNo, EventedTry, EventedYes:
	default:
		return nil, fmt.Errorf("%w: evented must be no, try or yes, got %q", model.ErrConfiguration, cfg.Evented)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	jar, err := session.NewJar()
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	src, err := session.NewJarSource(jar, cfg.URL, cfg.SessionCookie)
	if err != nil {
		return nil, fmt.Errorf("%w: endpoint url: %v", model.ErrConfiguration, err)
	}
	if cfg.SessionToken != "" {
		src.Set(cfg.SessionToken)
	}

	tcfg := transport.Config{
		BaseURL:           cfg.URL,
		SocketURL:         cfg.SocketURL,
		Version:           cfg.Version,
		Evented:           cfg.Evented == EventedTry || cfg.Evented == EventedYes,
		Jar:               jar,
		Session:           src,
		HTTPRetries:       cfg.HTTPRetries,
		RetryInterval:     cfg.SocketRetryInterval,
		MaxTries:          cfg.SocketMaxTries,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		MaxURLLength:      cfg.MaxURLLength,
		Logger:            logger,
	}
	if cfg.RequestTimeout > 0 {
		tcfg.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout, Jar: jar}
	}
	ep, err := transport.New(tcfg)
	if err != nil {
		return nil, err
	}

	if tcfg.Evented {
		if err := ep.Connect(ctx); err != nil {
			if cfg.Evented == EventedYes {
				return nil, fmt.Errorf("open event socket: %w", err)
			}
			logger.Warn("event socket unavailable, using http", "error", err)
		}
	}
	return New(ep, WithPrimaryKey(cfg.PrimaryKey), WithLogger(logger)), nil
}
