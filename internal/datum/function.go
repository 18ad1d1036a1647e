package datum

import (
	"context"
	"encoding/json"
	"maps"

	"github.com/faucetdb/datum/internal/identity"
	"github.com/faucetdb/datum/internal/model"
	"github.com/faucetdb/datum/internal/query"
)

// Function is a stored function of a schema.
type Function struct {
	schema *Schema
	id     identity.FunctionID
}

func (f *Function) ID() identity.FunctionID { return f.id }
func (f *Function) Name() string            { return f.id.Name }
func (f *Function) Schema() *Schema         { return f.schema }
func (f *Function) Equals(other any) bool   { return f.id.Equals(other) }

// URL returns the function URL, or only its path when idOnly is set.
func (f *Function) URL(idOnly bool) string {
	if idOnly {
		return f.id.Path()
	}
	return f.id.URL(f.schema.db.ep.BaseURL())
}

// Call invokes the function. args is nil, a slice of positional arguments,
// a map of named arguments or a single scalar. One returned tuple yields a
// *FunctionResult, several a *FunctionResultSet.
func (f *Function) Call(ctx context.Context, args any, opts *query.Options) (Result, error) {
	res, err := f.call(ctx, args, opts)
	return res, model.NewOperationError("Function call request", err)
}

func (f *Function) call(ctx context.Context, args any, opts *query.Options) (Result, error) {
	opts = opts.Clone()
	opts.Args = query.FunctionArgs(args)
	env, err := f.schema.db.ep.Get(ctx, f.id, opts)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, model.ErrEmptyResponse
	}
	switch env.Len() {
	case 0:
		return nil, model.Cardinality(0)
	case 1:
		return &FunctionResult{function: f, env: env, tuple: env.Result[0]}, nil
	}
	return &FunctionResultSet{function: f, env: env}, nil
}

// FunctionResult is a single tuple returned by a function.
type FunctionResult struct {
	function *Function
	env      *model.Envelope
	tuple    model.Tuple
}

func (r *FunctionResult) Function() *Function         { return r.function }
func (r *FunctionResult) Len() int                    { return 1 }
func (r *FunctionResult) Columns() []model.ColumnMeta { return r.env.Columns }
func (r *FunctionResult) Get(name string) any         { return r.tuple.Row[name] }
func (r *FunctionResult) Data() map[string]any        { return maps.Clone(r.tuple.Row) }

func (r *FunctionResult) result() {}

// Value returns the result when the function returned a single column,
// and nil otherwise.
func (r *FunctionResult) Value() any {
	if len(r.tuple.Row) != 1 {
		return nil
	}
	for _, v := range r.tuple.Row {
		return v
	}
	return nil
}

// Each calls fn once per column, in column order when metadata is present.
func (r *FunctionResult) Each(fn func(name string, value any) error) error {
	for _, name := range columnOrder(r.env.Columns, r.tuple.Row) {
		if err := fn(name, r.tuple.Row[name]); err != nil {
			return err
		}
	}
	return nil
}

func (r *FunctionResult) MarshalJSON() ([]byte, error) { return json.Marshal(r.tuple.Row) }

func (r *FunctionResult) String() string {
	b, _ := json.Marshal(r.tuple.Row)
	return string(b)
}

// RelatedRows fetches the rows of related whose relatedColumn equals this
// result's selfColumn.
func (r *FunctionResult) RelatedRows(ctx context.Context, selfColumn, related, relatedColumn string, opts *query.Options) (*Rowset, error) {
	return r.function.relatedRows(ctx, related, query.Eq(relatedColumn, r.Get(selfColumn)), opts)
}

func (r *FunctionResult) RelatedRow(ctx context.Context, selfColumn, related, relatedColumn string, opts *query.Options) (*Row, error) {
	return r.function.relatedRow(ctx, related, query.Eq(relatedColumn, r.Get(selfColumn)), opts)
}

// FunctionResultSet is several tuples returned by a function.
type FunctionResultSet struct {
	function *Function
	env      *model.Envelope
}

func (s *FunctionResultSet) Function() *Function         { return s.function }
func (s *FunctionResultSet) Len() int                    { return s.env.Len() }
func (s *FunctionResultSet) Columns() []model.ColumnMeta { return s.env.Columns }

func (s *FunctionResultSet) result() {}

// Results returns one FunctionResult per tuple.
func (s *FunctionResultSet) Results() []*FunctionResult {
	out := make([]*FunctionResult, s.Len())
	for i, t := range s.env.Result {
		out[i] = &FunctionResult{function: s.function, env: s.env, tuple: t}
	}
	return out
}

// Each calls fn for every result in order and stops at the first error.
func (s *FunctionResultSet) Each(fn func(i int, r *FunctionResult) error) error {
	for i, r := range s.Results() {
		if err := fn(i, r); err != nil {
			return err
		}
	}
	return nil
}

// Values returns the value of column for every result.
func (s *FunctionResultSet) Values(column string) []any {
	out := make([]any, s.Len())
	for i, t := range s.env.Result {
		out[i] = t.Row[column]
	}
	return out
}

func (s *FunctionResultSet) MarshalJSON() ([]byte, error) {
	out := make([]map[string]any, s.Len())
	for i, t := range s.env.Result {
		out[i] = t.Row
	}
	return json.Marshal(out)
}

// RelatedRows fetches the rows of related whose relatedColumn is any of the
// set's selfColumn values.
func (s *FunctionResultSet) RelatedRows(ctx context.Context, selfColumn, related, relatedColumn string, opts *query.Options) (*Rowset, error) {
	return s.function.relatedRows(ctx, related, query.In(relatedColumn, s.Values(selfColumn)), opts)
}

func (s *FunctionResultSet) RelatedRow(ctx context.Context, selfColumn, related, relatedColumn string, opts *query.Options) (*Row, error) {
	return s.function.relatedRow(ctx, related, query.In(relatedColumn, s.Values(selfColumn)), opts)
}

func (f *Function) relatedRows(ctx context.Context, related string, flt query.Filter, opts *query.Options) (*Rowset, error) {
	rid, err := identity.ParseQualifiedName(related)
	if err != nil {
		return nil, err
	}
	return f.schema.db.Relation(rid).Rows(ctx, opts.Clone().AddWhere(flt))
}

func (f *Function) relatedRow(ctx context.Context, related string, flt query.Filter, opts *query.Options) (*Row, error) {
	rid, err := identity.ParseQualifiedName(related)
	if err != nil {
		return nil, err
	}
	return f.schema.db.Relation(rid).Row(ctx, opts.Clone().AddWhere(flt))
}
