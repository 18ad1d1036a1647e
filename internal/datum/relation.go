package datum

import (
	"context"

	"github.com/faucetdb/datum/internal/identity"
	"github.com/faucetdb/datum/internal/model"
	"github.com/faucetdb/datum/internal/query"
)

// Kind distinguishes tables from views. The kinds differ only in that
// tables can be inserted into.
type Kind int

const (
	KindRelation Kind = iota
	KindTable
	KindView
)

func (k Kind) String() string {
	switch k {
	case KindTable:
		return "table"
	case KindView:
		return "view"
	}
	return "relation"
}

// Relation is a table or view.
type Relation struct {
	schema *Schema
	id     identity.RelationID
	kind   Kind
}

// Table is a relation that accepts inserts.
type Table struct {
	*Relation
}

// View is a read-only relation.
type View struct {
	*Relation
}

func (r *Relation) ID() identity.RelationID { return r.id }
func (r *Relation) Name() string            { return r.id.Name }
func (r *Relation) Schema() *Schema         { return r.schema }
func (r *Relation) Kind() Kind              { return r.kind }
func (r *Relation) Equals(other any) bool   { return r.id.Equals(other) }
func (r *Relation) String() string          { return r.id.String() }

func (r *Relation) db() *Database { return r.schema.db }

// URL returns the relation's URL, or only its path when idOnly is set.
func (r *Relation) URL(idOnly bool) string {
	if idOnly {
		return r.id.Path()
	}
	return r.id.URL(r.db().ep.BaseURL())
}

// Column returns the named column.
func (r *Relation) Column(name string) *Column {
	return &Column{relation: r, id: r.id.Column(name)}
}

// Rows fetches the rows matching opts. A nil opts fetches every row with
// metadata.
func (r *Relation) Rows(ctx context.Context, opts *query.Options) (*Rowset, error) {
	rs, err := r.rows(ctx, opts)
	return rs, model.NewOperationError("Rows request", err)
}

func (r *Relation) rows(ctx context.Context, opts *query.Options) (*Rowset, error) {
	opts = opts.Clone()
	env, err := r.db().ep.Get(ctx, r.id, opts)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, model.ErrEmptyResponse
	}
	r.db().learnPK(r.id, env.PK)
	return &Rowset{relation: r, env: env, opts: opts}, nil
}

// Row fetches the single row matching opts. Zero matches is a NotFound
// error and more than one an Ambiguous error.
func (r *Relation) Row(ctx context.Context, opts *query.Options) (*Row, error) {
	row, err := r.row(ctx, opts)
	return row, model.NewOperationError("Row request", err)
}

func (r *Relation) row(ctx context.Context, opts *query.Options) (*Row, error) {
	opts = opts.Clone()
	env, err := r.db().ep.Get(ctx, r.id, opts)
	if err != nil {
		return nil, err
	}
	return r.singleRow(env)
}

// RowBy fetches the row whose column equals value. When column is the
// relation's primary key the row is addressed by its row URL, otherwise by
// a filter on the relation.
func (r *Relation) RowBy(ctx context.Context, column string, value any, opts *query.Options) (*Row, error) {
	if column != r.db().primaryKeyOf(r.id) {
		return r.Row(ctx, opts.Clone().AddWhere(query.Eq(column, value)))
	}
	id, err := identity.NewRowID(r.id, column, value)
	if err != nil {
		return nil, err
	}
	env, err := r.db().ep.Get(ctx, id, opts.Clone())
	if err != nil {
		return nil, model.NewOperationError("Row request", err)
	}
	row, err := r.singleRow(env)
	return row, model.NewOperationError("Row request", err)
}

func (r *Relation) singleRow(env *model.Envelope) (*Row, error) {
	if env == nil {
		return nil, model.ErrEmptyResponse
	}
	if err := model.Cardinality(env.Len()); err != nil {
		return nil, err
	}
	r.db().learnPK(r.id, env.PK)
	return newRow(r, env, env.Result[0]), nil
}

// relatedRows queries the schema-qualified relation related with f added
// to a copy of opts.
func (r *Relation) relatedRows(ctx context.Context, related string, f query.Filter, opts *query.Options) (*Rowset, error) {
	rid, err := identity.ParseQualifiedName(related)
	if err != nil {
		return nil, err
	}
	return r.db().Relation(rid).Rows(ctx, opts.Clone().AddWhere(f))
}

func (r *Relation) relatedRow(ctx context.Context, related string, f query.Filter, opts *query.Options) (*Row, error) {
	rid, err := identity.ParseQualifiedName(related)
	if err != nil {
		return nil, err
	}
	return r.db().Relation(rid).Row(ctx, opts.Clone().AddWhere(f))
}

// Insert inserts one row (a map) or several (a slice of maps). nil inserts
// a row of defaults. The result is a *Row when the endpoint returned one
// tuple and a *Rowset when it returned more.
func (t *Table) Insert(ctx context.Context, data any) (Result, error) {
	res, err := t.insert(ctx, data)
	return res, model.NewOperationError("Insert", err)
}

func (t *Table) insert(ctx context.Context, data any) (Result, error) {
	if data == nil {
		data = map[string]any{}
	}
	env, err := t.db().ep.Patch(ctx, t.id, &query.Options{}, data)
	if err != nil {
		return nil, err
	}
	if env.Len() == 0 {
		return nil, model.ErrEmptyResponse
	}
	t.db().learnPK(t.id, env.PK)
	if env.Len() == 1 {
		return newRow(t.Relation, env, env.Result[0]), nil
	}

	var opts *query.Options
	if env.PK != "" {
		keys := make([]any, 0, env.Len())
		for _, tup := range env.Result {
			keys = append(keys, tup.Row[env.PK])
		}
		opts = &query.Options{Where: []query.Filter{query.In(env.PK, keys)}}
	}
	return &Rowset{relation: t.Relation, env: env, opts: opts}, nil
}
