// Package widget loads widget definitions stored in the widget schema of an
// endpoint: the widget row, its declared inputs, the views it reads and its
// script dependencies. Rendering is left to the caller.
package widget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/faucetdb/datum/internal/datum"
	"github.com/faucetdb/datum/internal/identity"
	"github.com/faucetdb/datum/internal/model"
	"github.com/faucetdb/datum/internal/query"
)

// ErrMissingInput is returned by Widget.Context when a required input was
// not supplied.
var ErrMissingInput = errors.New("missing required widget input")

// Selector names a widget as "name" or "namespace:name".
type Selector struct {
	Namespace string
	Name      string
}

func (s Selector) String() string {
	if s.Namespace == "" {
		return s.Name
	}
	return s.Namespace + ":" + s.Name
}

// ParseSelector parses a widget selector. A bare name belongs to
// defaultNamespace.
func ParseSelector(s, defaultNamespace string) (Selector, error) {
	parts := strings.Split(s, ":")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return Selector{Namespace: defaultNamespace, Name: parts[0]}, nil
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return Selector{Namespace: parts[0], Name: parts[1]}, nil
	}
	return Selector{}, fmt.Errorf("%w: widget selector %q", model.ErrMalformedSelector, s)
}

type namespace struct {
	bundle string
	db     *datum.Database
}

// Registry maps namespaces to bundles and caches retrieved widgets. It is
// safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	mu         sync.RWMutex
	namespaces map[string]namespace
	widgets    map[Selector]*Widget
	group      singleflight.Group
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:     logger,
		namespaces: make(map[string]namespace),
		widgets:    make(map[Selector]*Widget),
	}
}

// Import makes the widgets of bundle available under namespace. Widgets
// already retrieved for the namespace are forgotten.
func (r *Registry) Import(bundle, ns string, db *datum.Database) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.namespaces[ns] = namespace{bundle: bundle, db: db}
	for sel := range r.widgets {
		if sel.Namespace == ns {
			delete(r.widgets, sel)
		}
	}
}

// Bundles returns the imported bundle names, sorted.
func (r *Registry) Bundles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, ns := range r.namespaces {
		out = append(out, ns.bundle)
	}
	slices.Sort(out)
	return out
}

// Bundle returns the bundle imported under namespace.
func (r *Registry) Bundle(ns string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.namespaces[ns]
	return n.bundle, ok
}

// Namespace returns the namespace a bundle was imported under.
func (r *Registry) Namespace(bundle string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range slices.Sorted(maps.Keys(r.namespaces)) {
		if r.namespaces[name].bundle == bundle {
			return name, true
		}
	}
	return "", false
}

// Retrieve loads the widget named by selector. Concurrent retrievals of the
// same widget share one load, and a loaded widget is kept until Forget.
func (r *Registry) Retrieve(ctx context.Context, selector string) (*Widget, error) {
	sel, err := ParseSelector(selector, "")
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	ns, ok := r.namespaces[sel.Namespace]
	w, cached := r.widgets[sel]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: widget namespace %q has not been imported", model.ErrConfiguration, sel.Namespace)
	}
	if cached {
		return w, nil
	}

	ch := r.group.DoChan(sel.String(), func() (any, error) {
		r.mu.RLock()
		w, ok := r.widgets[sel]
		r.mu.RUnlock()
		if ok {
			return w, nil
		}
		w, err := load(context.WithoutCancel(ctx), sel, ns, r.logger)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if cur, ok := r.namespaces[sel.Namespace]; ok && cur == ns {
			r.widgets[sel] = w
		}
		r.mu.Unlock()
		return w, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Widget), nil
	}
}

// Forget drops the cached widget for selector.
func (r *Registry) Forget(selector string) {
	sel, err := ParseSelector(selector, "")
	if err != nil {
		return
	}
	r.mu.Lock()
	delete(r.widgets, sel)
	r.mu.Unlock()
	r.group.Forget(sel.String())
}

// Widget is a loaded widget definition.
type Widget struct {
	Selector     Selector
	Bundle       string
	Row          *datum.Row
	Inputs       *datum.Rowset
	Views        []*datum.View
	Dependencies []*datum.Row

	logger *slog.Logger
}

func (w *Widget) Name() string { return w.Selector.Name }

// HTML returns the widget's template source.
func (w *Widget) HTML() string {
	s, _ := w.Row.Get("html").(string)
	return s
}

var cacheOpts = &query.Options{UseCache: true}

func load(ctx context.Context, sel Selector, ns namespace, logger *slog.Logger) (*Widget, error) {
	fn := ns.db.Schema("widget").Function("bundled_widget", "text", "text")
	res, err := fn.Call(ctx, []any{ns.bundle, sel.Name}, &query.Options{UseCache: true, MetaData: query.Bool(false)})
	if err != nil {
		return nil, fmt.Errorf("widget %s does not exist: %w", sel, err)
	}
	found, ok := res.(*datum.FunctionResult)
	if !ok {
		return nil, fmt.Errorf("widget %s: %w", sel, model.Cardinality(res.Len()))
	}
	row, err := ns.db.Schema("widget").Relation("widget").RowBy(ctx, "id", found.Get("id"), cacheOpts)
	if err != nil {
		return nil, fmt.Errorf("widget %s: %w", sel, err)
	}

	w := &Widget{Selector: sel, Bundle: ns.bundle, Row: row, logger: logger}

	// Missing inputs, views or dependencies leave the widget usable.
	var g errgroup.Group
	g.Go(func() error {
		inputs, err := row.RelatedRows(ctx, "id", "widget.input", "widget_id", cacheOpts)
		if err != nil {
			logger.Debug("widget inputs unavailable", "widget", sel.String(), "error", err)
			return nil
		}
		w.Inputs = inputs
		return nil
	})
	g.Go(func() error {
		views, err := row.RelatedRows(ctx, "id", "widget.widget_view", "widget_id", cacheOpts)
		if err != nil {
			logger.Debug("widget views unavailable", "widget", sel.String(), "error", err)
			return nil
		}
		for _, v := range views.Rows() {
			id, err := relationID(v.Get("view_id"))
			if err != nil {
				logger.Warn("widget view has an invalid view_id", "widget", sel.String(), "error", err)
				continue
			}
			w.Views = append(w.Views, ns.db.Schema(id.Schema.Name).View(id.Name))
		}
		return nil
	})
	g.Go(func() error {
		links, err := row.RelatedRows(ctx, "id", "widget.widget_dependency_js", "widget_id", cacheOpts)
		if err != nil || links.Len() == 0 {
			return nil
		}
		deps, err := links.RelatedRows(ctx, "dependency_js_id", "widget.dependency_js", "id", cacheOpts)
		if err != nil {
			logger.Debug("widget dependencies unavailable", "widget", sel.String(), "error", err)
			return nil
		}
		w.Dependencies = deps.Rows()
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return w, nil
}

// relationID reads a relation identity in its JSON form.
func relationID(v any) (identity.RelationID, error) {
	var id identity.RelationID
	b, err := json.Marshal(v)
	if err != nil {
		return id, err
	}
	if err := json.Unmarshal(b, &id); err != nil {
		return id, err
	}
	if id.Schema.Name == "" || id.Name == "" {
		return id, fmt.Errorf("%w: %s", model.ErrMalformedSelector, b)
	}
	return id, nil
}

// ScriptContext is the data a widget template and its script run with.
type ScriptContext struct {
	ID        string
	Namespace string
	Name      string
	Bundle    string
	// Input holds the declared inputs, including filled in defaults.
	Input map[string]any
	// Extra holds caller values that are not declared inputs.
	Extra map[string]any
	// Views maps "<schema>_<view>" to the views the widget reads.
	Views map[string]*datum.View
}

// Vars flattens the context into the variables a template sees.
func (c ScriptContext) Vars() map[string]any {
	out := make(map[string]any, len(c.Input)+len(c.Extra)+len(c.Views)+4)
	maps.Copy(out, c.Extra)
	maps.Copy(out, c.Input)
	for k, v := range c.Views {
		out[k] = v
	}
	out["id"] = c.ID
	out["namespace"] = c.Namespace
	out["name"] = c.Name
	out["bundle_name"] = c.Bundle
	out["input"] = c.Input
	return out
}

// Context prepares one instance of the widget with the given input. Each
// call gets a new id. Optional inputs that were not supplied take their
// default_value, which is JSON.
func (w *Widget) Context(input map[string]any) (ScriptContext, error) {
	extra := maps.Clone(input)
	if extra == nil {
		extra = map[string]any{}
	}
	sc := ScriptContext{
		ID:        uuid.NewString(),
		Namespace: w.Selector.Namespace,
		Name:      w.Selector.Name,
		Bundle:    w.Bundle,
		Input:     map[string]any{},
		Extra:     extra,
		Views:     map[string]*datum.View{},
	}

	if w.Inputs != nil {
		for _, in := range w.Inputs.Rows() {
			name, _ := in.Get("name").(string)
			if name == "" {
				continue
			}
			if v, ok := extra[name]; ok {
				sc.Input[name] = v
				delete(extra, name)
				continue
			}
			if optional, _ := in.Get("optional").(bool); !optional {
				return ScriptContext{}, fmt.Errorf("%w: %s needs %q", ErrMissingInput, w.Selector, name)
			}
			sc.Input[name] = w.defaultValue(name, in.Get("default_value"))
		}
	}
	for _, v := range w.Views {
		sc.Views[v.Schema().Name()+"_"+v.Name()] = v
	}
	return sc, nil
}

func (w *Widget) defaultValue(input string, raw any) any {
	s, ok := raw.(string)
	if !ok || s == "" {
		return raw
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		w.logger.Warn("widget input default is not JSON", "widget", w.Selector.String(), "input", input, "error", err)
		return nil
	}
	return v
}
