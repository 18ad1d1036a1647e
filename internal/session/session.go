// Package session reports the authentication session the endpoint client is
// running under.
package session

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"

	"golang.org/x/net/publicsuffix"
)

// DefaultCookie is the name of the session cookie set by the endpoint.
const DefaultCookie = "SESSION"

// Source returns the current session token, or "" when there is none.
type Source interface {
	Session() string
}

// NewJar returns a cookie jar that scopes cookies by public suffix.
func NewJar() (http.CookieJar, error) {
	return cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
}

// JarSource reads the session cookie for URL from a cookie jar, so that a
// login or logout through the same http.Client is picked up on the next
// request.
type JarSource struct {
	Jar  http.CookieJar
	URL  *url.URL
	Name string
}

// NewJarSource returns a JarSource for the endpoint at rawURL.
func NewJarSource(jar http.CookieJar, rawURL, name string) (*JarSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = DefaultCookie
	}
	return &JarSource{Jar: jar, URL: u, Name: name}, nil
}

func (s *JarSource) Session() string {
	if s == nil || s.Jar == nil {
		return ""
	}
	for _, c := range s.Jar.Cookies(s.URL) {
		if c.Name == s.Name {
			return c.Value
		}
	}
	return ""
}

// Set stores value as the session cookie in the jar. An empty value removes
// it.
func (s *JarSource) Set(value string) {
	c := &http.Cookie{Name: s.Name, Value: value, Path: "/"}
	if value == "" {
		c.MaxAge = -1
	}
	s.Jar.SetCookies(s.URL, []*http.Cookie{c})
}

// Static is a Source holding a fixed token that can be replaced.
type Static struct {
	mu    sync.RWMutex
	value string
}

// NewStatic returns a Static source holding value.
func NewStatic(value string) *Static {
	return &Static{value: value}
}

func (s *Static) Session() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Set replaces the token.
func (s *Static) Set(value string) {
	s.mu.Lock()
	s.value = value
	s.mu.Unlock()
}
