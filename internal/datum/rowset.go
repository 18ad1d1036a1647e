package datum

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	"github.com/faucetdb/datum/internal/model"
	"github.com/faucetdb/datum/internal/query"
)

// Rowset is the ordered result of a relation query. Where, OrderBy and
// Limit work on the rows already fetched and return new rowsets.
type Rowset struct {
	relation *Relation
	env      *model.Envelope
	opts     *query.Options
}

func (rs *Rowset) Relation() *Relation         { return rs.relation }
func (rs *Rowset) Len() int                    { return rs.env.Len() }
func (rs *Rowset) Columns() []model.ColumnMeta { return rs.env.Columns }
func (rs *Rowset) PrimaryKey() string          { return rs.env.PK }

func (rs *Rowset) result() {}

// Options returns a copy of the options the rowset was fetched with.
func (rs *Rowset) Options() *query.Options {
	if rs.opts == nil {
		return nil
	}
	return rs.opts.Clone()
}

// Row returns a fresh Row for the i-th tuple.
func (rs *Rowset) Row(i int) *Row {
	return newRow(rs.relation, rs.env, rs.env.Result[i])
}

// Rows returns a fresh Row per tuple. Changes to the returned rows are not
// reflected in the rowset.
func (rs *Rowset) Rows() []*Row {
	out := make([]*Row, rs.Len())
	for i := range out {
		out[i] = rs.Row(i)
	}
	return out
}

// Each calls fn for every row in order and stops at the first error.
func (rs *Rowset) Each(fn func(i int, r *Row) error) error {
	for i := range rs.Len() {
		if err := fn(i, rs.Row(i)); err != nil {
			return err
		}
	}
	return nil
}

// Map applies fn to every row of rs.
func Map[T any](rs *Rowset, fn func(*Row) T) []T {
	out := make([]T, 0, rs.Len())
	for i := range rs.Len() {
		out = append(out, fn(rs.Row(i)))
	}
	return out
}

// Values returns the value of column for every row.
func (rs *Rowset) Values(column string) []any {
	out := make([]any, rs.Len())
	for i, t := range rs.env.Result {
		out[i] = t.Row[column]
	}
	return out
}

// Reload re-issues the query the rowset was fetched with and replaces its
// contents.
func (rs *Rowset) Reload(ctx context.Context) error {
	if rs.opts == nil {
		return model.ErrMissingMetadata
	}
	fresh, err := rs.relation.rows(ctx, rs.opts)
	if err != nil {
		return model.NewOperationError("Rows request", err)
	}
	rs.env = fresh.env
	return nil
}

// Where returns the rows whose column equals value.
func (rs *Rowset) Where(column string, value any) *Rowset {
	var keep []model.Tuple
	for _, t := range rs.env.Result {
		if valuesEqual(t.Row[column], value) {
			keep = append(keep, t)
		}
	}
	return rs.derive(keep)
}

// First returns the first row whose column equals value.
func (rs *Rowset) First(column string, value any) (*Row, error) {
	for _, t := range rs.env.Result {
		if valuesEqual(t.Row[column], value) {
			return newRow(rs.relation, rs.env, t), nil
		}
	}
	return nil, model.Cardinality(0)
}

// OrderBy returns the rows stably sorted on column. direction is query.Asc
// or query.Desc; anything else sorts ascending.
func (rs *Rowset) OrderBy(column, direction string) *Rowset {
	sorted := slices.Clone(rs.env.Result)
	desc := strings.EqualFold(direction, query.Desc)
	slices.SortStableFunc(sorted, func(a, b model.Tuple) int {
		c := compareValues(a.Row[column], b.Row[column])
		if desc {
			return -c
		}
		return c
	})
	return rs.derive(sorted)
}

// Limit returns the first n rows.
func (rs *Rowset) Limit(n int) (*Rowset, error) {
	if n <= 0 {
		return nil, model.ErrBadLimit
	}
	return rs.derive(rs.env.Result[:min(n, rs.Len())]), nil
}

func (rs *Rowset) derive(tuples []model.Tuple) *Rowset {
	return &Rowset{relation: rs.relation, env: rs.env.Subset(tuples), opts: rs.opts}
}

// RelatedRows fetches the rows of related whose relatedColumn is any of the
// rowset's selfColumn values.
func (rs *Rowset) RelatedRows(ctx context.Context, selfColumn, related, relatedColumn string, opts *query.Options) (*Rowset, error) {
	return rs.relation.relatedRows(ctx, related, query.In(relatedColumn, rs.Values(selfColumn)), opts)
}

// RelatedRow is RelatedRows for exactly one row.
func (rs *Rowset) RelatedRow(ctx context.Context, selfColumn, related, relatedColumn string, opts *query.Options) (*Row, error) {
	return rs.relation.relatedRow(ctx, related, query.In(relatedColumn, rs.Values(selfColumn)), opts)
}

// MarshalJSON encodes the rows as an array of objects.
func (rs *Rowset) MarshalJSON() ([]byte, error) {
	out := make([]map[string]any, rs.Len())
	for i, t := range rs.env.Result {
		out[i] = t.Row
	}
	return json.Marshal(out)
}

func (rs *Rowset) String() string {
	b, _ := rs.MarshalJSON()
	return string(b)
}
