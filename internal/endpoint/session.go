package endpoint

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/faucetdb/datum/internal/model"
)

// ErrInvalidSession is returned for a session token that fails validation.
var ErrInvalidSession = errors.New("invalid session")

// sessions issues and validates session tokens. A token is an HS256 JWT and
// is also the session id the client attaches its socket with.
type sessions struct {
	secret []byte
	ttl    time.Duration
	cookie string
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

func (s *sessions) issue() (token, id string, err error) {
	now := time.Now()
	id = uuid.Must(uuid.NewV7()).String()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			Issuer:    "datum",
		},
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return token, id, err
}

// validate returns the id of a valid token.
func (s *sessions) validate(token string) (string, error) {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidSession
	}
	return claims.ID, nil
}

// handleOpenSession sets a fresh session cookie and returns the session id,
// which is the cookie value.
func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	token, id, err := s.sessions.issue()
	if err != nil {
		s.fail(w, r, err, "Session")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.sessions.cookie,
		Value:    token,
		Path:     "/",
		Expires:  time.Now().Add(s.sessions.ttl),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	s.logger.Debug("session opened", "session", id)
	writeJSON(w, http.StatusOK, model.Envelope{
		Result: []model.Tuple{{Row: map[string]any{"session_id": token}}},
	})
}

// handleCloseSession expires the session cookie.
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.sessions.cookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusNoContent)
}
