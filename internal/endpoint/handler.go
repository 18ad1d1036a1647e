package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/datum/internal/identity"
	"github.com/faucetdb/datum/internal/model"
	"github.com/faucetdb/datum/internal/query"
	"github.com/faucetdb/datum/internal/transport"
)

// writeJSON serializes v as JSON with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an error document.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, model.ErrorDocument{
		Title:      http.StatusText(status),
		Message:    message,
		StatusCode: status,
	})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, op string) {
	status, msg := classifyDBError(err, op+" failed")
	if status >= 500 {
		s.logger.Error("request failed", "op", op, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, msg)
}

// classifyDBError maps store and database errors to HTTP status codes.
func classifyDBError(err error, fallbackMsg string) (int, string) {
	msg := err.Error()
	lower := strings.ToLower(msg)

	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, query.ErrInvalidIdentifier):
		return http.StatusBadRequest, fallbackMsg + ": " + msg
	case errors.Is(err, ErrRowNotFound):
		return http.StatusNotFound, fallbackMsg + ": " + msg
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, fallbackMsg + ": " + msg

	// Unique constraint violations
	case strings.Contains(lower, "unique constraint") ||
		strings.Contains(lower, "duplicate key") ||
		strings.Contains(lower, "duplicate entry") ||
		strings.Contains(lower, "violation of unique"):
		return http.StatusConflict, fallbackMsg + ": " + msg

	case strings.Contains(lower, "not null constraint") ||
		strings.Contains(lower, "cannot insert null") ||
		strings.Contains(lower, "null value in column") ||
		strings.Contains(lower, "column cannot be null"):
		return http.StatusBadRequest, fallbackMsg + ": " + msg

	case strings.Contains(lower, "no such table") ||
		strings.Contains(lower, "no such function") ||
		strings.Contains(lower, "unknown database") ||
		strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist") ||
		strings.Contains(lower, "function") && strings.Contains(lower, "does not exist") ||
		strings.Contains(lower, "invalid object name") ||
		strings.Contains(lower, "doesn't exist"):
		return http.StatusNotFound, fallbackMsg + ": " + msg

	case strings.Contains(lower, "no such column") ||
		strings.Contains(lower, "unknown column") ||
		strings.Contains(lower, "invalid column name") ||
		strings.Contains(lower, "column") && strings.Contains(lower, "does not exist"):
		return http.StatusBadRequest, fallbackMsg + ": " + msg

	case strings.Contains(lower, "foreign key") ||
		strings.Contains(lower, "fk constraint") ||
		strings.Contains(lower, "check constraint"):
		return http.StatusBadRequest, fallbackMsg + ": " + msg

	default:
		return http.StatusInternalServerError, fallbackMsg + ": " + msg
	}
}

// routes registers the data routes relative to the base path.
func (s *Server) routes(r chi.Router) {
	r.Get("/relation/{schema}/{relation}", s.handleRows)
	r.Post("/relation/{schema}/{relation}", s.handleRows)
	r.Patch("/relation/{schema}/{relation}", s.handleInsert)

	r.Get("/row/{schema}/{relation}/{pk}", s.handleRow)
	r.Post("/row/{schema}/{relation}/{pk}", s.handleRow)
	r.Patch("/row/{schema}/{relation}/{pk}", s.handleUpdate)
	r.Delete("/row/{schema}/{relation}/{pk}", s.handleDelete)

	r.Get("/field/{schema}/{relation}/{pk}/{column}", s.handleField)

	r.Get("/function/{schema}/{name}", s.handleCall)
	r.Post("/function/{schema}/{name}", s.handleCall)
	r.Get("/function/{schema}/{name}/{params}", s.handleCall)
	r.Post("/function/{schema}/{name}/{params}", s.handleCall)

	r.Post("/session", s.handleOpenSession)
	r.Delete("/session", s.handleCloseSession)
}

// param returns a decoded URL parameter.
func param(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return v
	}
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

// readOptions decodes request options. A POST to a read route carries them
// in its body.
func readOptions(r *http.Request) (*query.Options, error) {
	if r.Method == http.MethodPost {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		return query.DecodeBody(body)
	}
	return query.Decode(r.URL.Query())
}

// readRows decodes a write body: one object or a list of objects.
func readRows(r *http.Request) ([]map[string]any, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(body))
	switch {
	case trimmed == "" || trimmed == "null":
		return []map[string]any{{}}, nil
	case trimmed[0] == '[':
		var rows []map[string]any
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("invalid body: %w", err)
		}
		return rows, nil
	}
	var row map[string]any
	if err := json.Unmarshal(body, &row); err != nil {
		return nil, fmt.Errorf("invalid body: %w", err)
	}
	return []map[string]any{row}, nil
}

func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	opts, err := readOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid options: "+err.Error())
		return
	}
	env, err := s.store.Select(r.Context(), param(r, "schema"), param(r, "relation"), opts)
	if err != nil {
		s.fail(w, r, err, "Rows")
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleRow(w http.ResponseWriter, r *http.Request) {
	opts, err := readOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid options: "+err.Error())
		return
	}
	env, err := s.store.SelectRow(r.Context(), param(r, "schema"), param(r, "relation"), param(r, "pk"), opts)
	if err != nil {
		s.fail(w, r, err, "Row")
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleField(w http.ResponseWriter, r *http.Request) {
	opts, err := readOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid options: "+err.Error())
		return
	}
	env, err := s.store.Field(r.Context(), param(r, "schema"), param(r, "relation"), param(r, "pk"), param(r, "column"), opts)
	if err != nil {
		s.fail(w, r, err, "Field")
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	opts, err := query.Decode(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid options: "+err.Error())
		return
	}
	rows, err := readRows(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	schema, relation := param(r, "schema"), param(r, "relation")
	env, err := s.store.Insert(r.Context(), schema, relation, rows, metadataFor(opts))
	if err != nil {
		s.fail(w, r, err, "Insert")
		return
	}
	rel := identity.NewRelationID(schema, relation)
	for _, tup := range env.Result {
		s.hub.publish(transport.Event{
			SubscriptionType: transport.SubscriptionTable,
			Operation:        "insert",
			RelationID:       &rel,
			Payload:          mustMarshal(tup.Row),
		})
	}
	writeJSON(w, http.StatusOK, trimMetadata(env, opts))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	opts, err := query.Decode(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid options: "+err.Error())
		return
	}
	rows, err := readRows(r)
	if err != nil || len(rows) != 1 {
		writeError(w, http.StatusBadRequest, "Update body must be one object")
		return
	}
	schema, relation := param(r, "schema"), param(r, "relation")
	env, err := s.store.Update(r.Context(), schema, relation, param(r, "pk"), rows[0], metadataFor(opts))
	if err != nil {
		s.fail(w, r, err, "Update")
		return
	}
	s.publishRow(schema, relation, "update", env)
	writeJSON(w, http.StatusOK, trimMetadata(env, opts))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	opts, err := query.Decode(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid options: "+err.Error())
		return
	}
	schema, relation := param(r, "schema"), param(r, "relation")
	env, err := s.store.Delete(r.Context(), schema, relation, param(r, "pk"), metadataFor(opts))
	if err != nil {
		s.fail(w, r, err, "Delete")
		return
	}
	s.publishRow(schema, relation, "delete", env)
	writeJSON(w, http.StatusOK, trimMetadata(env, opts))
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	opts, err := readOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid options: "+err.Error())
		return
	}
	types, err := parseParams(param(r, "params"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	env, err := s.store.Call(r.Context(), param(r, "schema"), param(r, "name"), types, opts)
	if err != nil {
		s.fail(w, r, err, "Function call")
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// parseParams reads the "{type,type}" segment of a function URL. An absent
// segment yields nil and "{}" an empty list.
func parseParams(seg string) ([]string, error) {
	if seg == "" {
		return nil, nil
	}
	if !strings.HasPrefix(seg, "{") || !strings.HasSuffix(seg, "}") {
		return nil, fmt.Errorf("invalid function parameters %q", seg)
	}
	inner := strings.TrimSpace(seg[1 : len(seg)-1])
	if inner == "" {
		return []string{}, nil
	}
	parts := strings.Split(inner, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts, nil
}

// metadataFor makes writes always learn the primary key, which change
// events need. trimMetadata drops it again if the client did not ask.
func metadataFor(opts *query.Options) *query.Options {
	o := opts.Clone()
	o.MetaData = query.Bool(true)
	return o
}

func trimMetadata(env *model.Envelope, opts *query.Options) *model.Envelope {
	if opts.WantsMetadata() {
		return env
	}
	return &model.Envelope{Result: env.Result}
}

func (s *Server) publishRow(schema, relation, op string, env *model.Envelope) {
	if env.PK == "" {
		return
	}
	rel := identity.NewRelationID(schema, relation)
	for _, tup := range env.Result {
		id, err := identity.NewRowID(rel, env.PK, tup.Row[env.PK])
		if err != nil {
			continue
		}
		s.hub.publish(transport.Event{
			SubscriptionType: transport.SubscriptionRow,
			Operation:        op,
			RowID:            &id,
			Payload:          mustMarshal(tup.Row),
		})
	}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
