// Package config loads the datum configuration file.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/faucetdb/datum/internal/datum"
	"github.com/faucetdb/datum/internal/endpoint"
	"github.com/faucetdb/datum/internal/model"
)

// Config represents the datum.yaml configuration file.
type Config struct {
	Endpoint EndpointConfig `yaml:"endpoint"`
	Server   ServerConfig   `yaml:"server"`
	Widgets  WidgetConfig   `yaml:"widgets"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// EndpointConfig tells the client how to reach an endpoint.
type EndpointConfig struct {
	URL                 string `yaml:"url"`
	SocketURL           string `yaml:"socket_url,omitempty"`
	Version             string `yaml:"version"`
	Evented             string `yaml:"evented"`
	SessionCookie       string `yaml:"session_cookie"`
	RequestTimeout      string `yaml:"request_timeout"`
	HTTPRetries         int    `yaml:"http_retries"`
	SocketRetryInterval string `yaml:"socket_retry_interval"`
	SocketMaxTries      int    `yaml:"socket_max_tries"`
	ReconnectAttempts   int    `yaml:"reconnect_attempts"`
	ReconnectDelay      string `yaml:"reconnect_delay"`
	MaxURLLength        int    `yaml:"max_url_length"`
	PrimaryKey          string `yaml:"primary_key"`
}

// ServerConfig controls the development endpoint server.
type ServerConfig struct {
	Host            string            `yaml:"host"`
	Port            int               `yaml:"port"`
	BasePath        string            `yaml:"base_path"`
	Driver          string            `yaml:"driver"`
	DSN             string            `yaml:"dsn"`
	Attach          map[string]string `yaml:"attach,omitempty"`
	JWTSecret       string            `yaml:"jwt_secret"`
	SessionTTL      string            `yaml:"session_ttl"`
	SessionCookie   string            `yaml:"session_cookie"`
	RateLimit       int               `yaml:"rate_limit"`
	CORS            CORSConfig        `yaml:"cors"`
	ShutdownTimeout string            `yaml:"shutdown_timeout"`
	MaxBodySize     string            `yaml:"max_body_size"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// WidgetConfig maps widget namespaces to the bundles they load from.
type WidgetConfig struct {
	Namespaces map[string]string `yaml:"namespaces,omitempty"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses a YAML configuration file over the defaults.
// Environment variables referenced as ${VAR_NAME} are expanded before
// parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	content := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that are not checked when they are used.
func (c *Config) Validate() error {
	switch c.Endpoint.Evented {
	case datum.EventedNo, datum.EventedTry, datum.EventedYes:
	default:
		return fmt.Errorf("%w: endpoint.evented must be no, try or yes, got %q", model.ErrConfiguration, c.Endpoint.Evented)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: logging.format must be text or json, got %q", model.ErrConfiguration, c.Logging.Format)
	}
	return nil
}

// DefaultConfig returns a Config pre-filled with defaults.
func DefaultConfig() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			URL:                 "http://127.0.0.1:8080/endpoint/0.3",
			Version:             "0.3",
			Evented:             datum.EventedNo,
			SessionCookie:       "SESSION",
			RequestTimeout:      "30s",
			HTTPRetries:         2,
			SocketRetryInterval: "300ms",
			ReconnectAttempts:   20,
			ReconnectDelay:      "1s",
			MaxURLLength:        1000,
			PrimaryKey:          "id",
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			BasePath:        "/endpoint/0.3",
			Driver:          "sqlite",
			DSN:             "datum.db",
			SessionTTL:      "24h",
			SessionCookie:   "SESSION",
			CORS:            CORSConfig{Origins: []string{"*"}},
			ShutdownTimeout: "30s",
			MaxBodySize:     "10MB",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefault writes the default configuration to a YAML file.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// EndpointDurations are the parsed duration settings of an EndpointConfig.
type EndpointDurations struct {
	RequestTimeout      time.Duration
	SocketRetryInterval time.Duration
	ReconnectDelay      time.Duration
}

// Durations parses the duration settings. An empty value is zero, which
// selects the client default.
func (e EndpointConfig) Durations() (EndpointDurations, error) {
	var d EndpointDurations
	var err error
	if d.RequestTimeout, err = duration("endpoint.request_timeout", e.RequestTimeout); err != nil {
		return d, err
	}
	if d.SocketRetryInterval, err = duration("endpoint.socket_retry_interval", e.SocketRetryInterval); err != nil {
		return d, err
	}
	if d.ReconnectDelay, err = duration("endpoint.reconnect_delay", e.ReconnectDelay); err != nil {
		return d, err
	}
	return d, nil
}

// Datum returns the client configuration.
func (e EndpointConfig) Datum(logger *slog.Logger) (datum.Config, error) {
	d, err := e.Durations()
	if err != nil {
		return datum.Config{}, err
	}
	return datum.Config{
		URL:                 e.URL,
		SocketURL:           e.SocketURL,
		Version:             e.Version,
		Evented:             e.Evented,
		SessionCookie:       e.SessionCookie,
		RequestTimeout:      d.RequestTimeout,
		HTTPRetries:         e.HTTPRetries,
		SocketRetryInterval: d.SocketRetryInterval,
		SocketMaxTries:      e.SocketMaxTries,
		ReconnectAttempts:   e.ReconnectAttempts,
		ReconnectDelay:      d.ReconnectDelay,
		MaxURLLength:        e.MaxURLLength,
		PrimaryKey:          e.PrimaryKey,
		Logger:              logger,
	}, nil
}

// Endpoint returns the server configuration.
func (s ServerConfig) Endpoint() (endpoint.Config, error) {
	cfg := endpoint.Config{
		Host:          s.Host,
		Port:          s.Port,
		BasePath:      s.BasePath,
		Driver:        s.Driver,
		DSN:           s.DSN,
		Attach:        s.Attach,
		JWTSecret:     s.JWTSecret,
		SessionCookie: s.SessionCookie,
		RateLimit:     s.RateLimit,
		CORSOrigins:   s.CORS.Origins,
	}
	var err error
	if cfg.SessionTTL, err = duration("server.session_ttl", s.SessionTTL); err != nil {
		return cfg, err
	}
	if cfg.ShutdownTimeout, err = duration("server.shutdown_timeout", s.ShutdownTimeout); err != nil {
		return cfg, err
	}
	if s.MaxBodySize != "" {
		n, err := humanize.ParseBytes(s.MaxBodySize)
		if err != nil {
			return cfg, fmt.Errorf("%w: server.max_body_size: %v", model.ErrConfiguration, err)
		}
		cfg.MaxBodySize = int64(n)
	}
	return cfg, nil
}

// Logger builds the configured logger writing to w.
func (l LoggingConfig) Logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(l.Level))); err != nil {
		return nil, fmt.Errorf("%w: logging.level: %v", model.ErrConfiguration, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func duration(key, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", model.ErrConfiguration, key, err)
	}
	return d, nil
}
