package datum

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/datum/internal/model"
	"github.com/faucetdb/datum/internal/query"
	"github.com/faucetdb/datum/internal/transport"
)

const basePath = "/endpoint/0.3"

// fakeEndpoint serves a handful of in-memory relations keyed "schema.name"
// whose primary key is always "id".
type fakeEndpoint struct {
	mu        sync.Mutex
	relations map[string][]map[string]any
	functions map[string][]map[string]any
	nextID    float64
	hits      atomic.Int64
	lastQuery *query.Options
	lastArgs  string
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{
		relations: map[string][]map[string]any{
			"widget.widget": {
				{"id": 1.0, "name": "chart", "namespace": "app"},
				{"id": 2.0, "name": "table", "namespace": "app"},
				{"id": 3.0, "name": "form", "namespace": "admin"},
			},
			"widget.input": {
				{"id": 10.0, "widget_id": 1.0, "name": "title"},
				{"id": 11.0, "widget_id": 1.0, "name": "series"},
				{"id": 12.0, "widget_id": 2.0, "name": "columns"},
			},
		},
		functions: map[string][]map[string]any{
			"widget.one":   {{"one": 1.0}},
			"widget.none":  {},
			"widget.pairs": {{"widget_id": 1.0}, {"widget_id": 2.0}},
		},
		nextID: 100,
	}
}

func (f *fakeEndpoint) handler(t *testing.T) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			f.hits.Add(1)
			next.ServeHTTP(w, r)
		})
	})
	r.Route(basePath, func(r chi.Router) {
		r.Get("/relation/{schema}/{relation}", f.selectRows(t))
		r.Patch("/relation/{schema}/{relation}", f.insertRows(t))
		r.Get("/row/{schema}/{relation}/{pk}", f.rowByPK(t))
		r.Patch("/row/{schema}/{relation}/{pk}", f.updateRow(t))
		r.Delete("/row/{schema}/{relation}/{pk}", f.deleteRow)
		r.Get("/field/{schema}/{relation}/{pk}/{column}", f.field)
		r.Get("/function/{schema}/{name}", f.callFunction(t))
	})
	return r
}

func (f *fakeEndpoint) decode(t *testing.T, r *http.Request) *query.Options {
	opts, err := query.Decode(r.URL.Query())
	if err != nil {
		t.Errorf("decode %s: %v", r.URL, err)
		return &query.Options{}
	}
	f.lastQuery = opts
	return opts
}

func key(r *http.Request) string {
	return chi.URLParam(r, "schema") + "." + chi.URLParam(r, "relation")
}

func matches(row map[string]any, filters []query.Filter) bool {
	for _, fl := range filters {
		switch fl.Op {
		case "=":
			if !valuesEqual(row[fl.Name], fl.Value) {
				return false
			}
		case "in":
			vals, _ := fl.Value.([]any)
			if !slices.ContainsFunc(vals, func(v any) bool { return valuesEqual(row[fl.Name], v) }) {
				return false
			}
		}
	}
	return true
}

func envelope(rows []map[string]any, meta bool) model.Envelope {
	env := model.Envelope{Result: []model.Tuple{}}
	for _, row := range rows {
		env.Result = append(env.Result, model.Tuple{Row: row})
	}
	if meta {
		env.PK = "id"
		env.Columns = []model.ColumnMeta{{Name: "id", Type: "integer"}}
		if len(rows) > 0 {
			for _, name := range columnOrder(nil, rows[0]) {
				if name != "id" {
					env.Columns = append(env.Columns, model.ColumnMeta{Name: name, Type: "text"})
				}
			}
		}
	}
	return env
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, model.ErrorDocument{Title: "Not Found", Message: "no such relation", StatusCode: 404})
}

func (f *fakeEndpoint) selectRows(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := f.decode(t, r)
		f.mu.Lock()
		defer f.mu.Unlock()
		rows, ok := f.relations[key(r)]
		if !ok {
			notFound(w)
			return
		}
		var out []map[string]any
		for _, row := range rows {
			if matches(row, opts.Where) {
				out = append(out, row)
			}
		}
		writeJSON(w, http.StatusOK, envelope(out, opts.WantsMetadata()))
	}
}

func (f *fakeEndpoint) find(r *http.Request) (map[string]any, int) {
	rows := f.relations[key(r)]
	for i, row := range rows {
		if identityString(row["id"]) == chi.URLParam(r, "pk") {
			return row, i
		}
	}
	return nil, -1
}

func identityString(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func (f *fakeEndpoint) rowByPK(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := f.decode(t, r)
		f.mu.Lock()
		defer f.mu.Unlock()
		row, _ := f.find(r)
		if row == nil {
			writeJSON(w, http.StatusOK, envelope(nil, opts.WantsMetadata()))
			return
		}
		writeJSON(w, http.StatusOK, envelope([]map[string]any{row}, opts.WantsMetadata()))
	}
}

func (f *fakeEndpoint) insertRows(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := f.decode(t, r)
		var body any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, model.ErrorDocument{Title: "Bad Request", Message: err.Error(), StatusCode: 400})
			return
		}
		var items []map[string]any
		switch b := body.(type) {
		case map[string]any:
			items = append(items, b)
		case []any:
			for _, it := range b {
				m, _ := it.(map[string]any)
				items = append(items, m)
			}
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		var out []map[string]any
		for _, it := range items {
			f.nextID++
			row := map[string]any{"id": f.nextID}
			for k, v := range it {
				if k != "id" {
					row[k] = v
				}
			}
			f.relations[key(r)] = append(f.relations[key(r)], row)
			out = append(out, row)
		}
		writeJSON(w, http.StatusOK, envelope(out, opts.WantsMetadata()))
	}
}

func (f *fakeEndpoint) updateRow(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := f.decode(t, r)
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		row, _ := f.find(r)
		if row == nil {
			notFound(w)
			return
		}
		for k, v := range body {
			row[k] = v
		}
		row["updated"] = true
		writeJSON(w, http.StatusOK, envelope([]map[string]any{row}, opts.WantsMetadata()))
	}
}

func (f *fakeEndpoint) deleteRow(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, i := f.find(r)
	if row == nil {
		notFound(w)
		return
	}
	f.relations[key(r)] = slices.Delete(f.relations[key(r)], i, i+1)
	writeJSON(w, http.StatusOK, envelope([]map[string]any{row}, false))
}

func (f *fakeEndpoint) field(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, _ := f.find(r)
	if row == nil {
		notFound(w)
		return
	}
	col := chi.URLParam(r, "column")
	writeJSON(w, http.StatusOK, envelope([]map[string]any{{col: row[col]}}, false))
}

func (f *fakeEndpoint) callFunction(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.decode(t, r)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastArgs = r.URL.Query().Get("args")
		rows, ok := f.functions[chi.URLParam(r, "schema")+"."+chi.URLParam(r, "name")]
		if !ok {
			notFound(w)
			return
		}
		writeJSON(w, http.StatusOK, envelope(rows, false))
	}
}

func newTestDB(t *testing.T) (*Database, *fakeEndpoint) {
	t.Helper()
	fake := newFakeEndpoint()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	ep, err := transport.New(transport.Config{
		BaseURL:     srv.URL + basePath,
		HTTPRetries: -1,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	return New(ep), fake
}
