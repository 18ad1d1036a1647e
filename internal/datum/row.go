package datum

import (
	"context"
	"encoding/json"
	"maps"

	"github.com/faucetdb/datum/internal/identity"
	"github.com/faucetdb/datum/internal/model"
	"github.com/faucetdb/datum/internal/query"
)

// Row is one tuple of a relation. Set changes only the in-memory buffer;
// Update writes the whole buffer back. A Row is not safe for concurrent
// mutation.
type Row struct {
	relation *Relation
	data     map[string]any
	columns  []model.ColumnMeta
	pkColumn string
	pkValue  any
	fields   map[string]*Field
	deleted  bool
}

func newRow(rel *Relation, env *model.Envelope, tup model.Tuple) *Row {
	r := &Row{
		relation: rel,
		data:     maps.Clone(tup.Row),
		columns:  env.Columns,
		pkColumn: env.PK,
	}
	if r.data == nil {
		r.data = map[string]any{}
	}
	if r.pkColumn != "" {
		r.pkValue = r.data[r.pkColumn]
	}
	return r
}

func (r *Row) Relation() *Relation { return r.relation }

// Get returns the buffered value of a column.
func (r *Row) Get(name string) any { return r.data[name] }

// Set changes the buffered value of a column.
func (r *Row) Set(name string, value any) *Row {
	r.data[name] = value
	return r
}

// Data returns a copy of the buffer.
func (r *Row) Data() map[string]any { return maps.Clone(r.data) }

// Columns returns the column metadata of the originating response. It is
// nil when metadata was not requested.
func (r *Row) Columns() []model.ColumnMeta { return r.columns }

// Len is always 1.
func (r *Row) Len() int { return 1 }

func (r *Row) result() {}

// PrimaryKey returns the primary key column, or "" without metadata.
func (r *Row) PrimaryKey() string { return r.pkColumn }

// Deleted reports whether Delete succeeded on this row.
func (r *Row) Deleted() bool { return r.deleted }

// String returns the buffer as JSON.
func (r *Row) String() string {
	b, _ := json.Marshal(r.data)
	return string(b)
}

// MarshalJSON encodes the buffer.
func (r *Row) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.data)
}

// Clone returns a row with a copy of the buffer and the same identity.
func (r *Row) Clone() *Row {
	c := *r
	c.data = maps.Clone(r.data)
	c.fields = nil
	return &c
}

// Field returns the field for a column. Fields are cached per row.
func (r *Row) Field(name string) *Field {
	if f, ok := r.fields[name]; ok {
		return f
	}
	if r.fields == nil {
		r.fields = make(map[string]*Field)
	}
	f := &Field{row: r, column: r.relation.Column(name)}
	r.fields[name] = f
	return f
}

// Fields returns a field per column, in column order when metadata is
// available and by name otherwise.
func (r *Row) Fields() []*Field {
	names := columnOrder(r.columns, r.data)
	out := make([]*Field, len(names))
	for i, n := range names {
		out[i] = r.Field(n)
	}
	return out
}

// ID returns the row's identity. It fails with model.ErrMissingMetadata
// when the row was fetched without metadata and model.ErrRowDeleted after
// Delete.
func (r *Row) ID() (identity.RowID, error) {
	if r.deleted {
		return identity.RowID{}, model.ErrRowDeleted
	}
	return identity.NewRowID(r.relation.id, r.pkColumn, r.pkValue)
}

// Equals compares row identities.
func (r *Row) Equals(other any) bool {
	id, err := r.ID()
	return err == nil && id.Equals(other)
}

// URL returns the row URL, or only its path when idOnly is set.
func (r *Row) URL(idOnly bool) (string, error) {
	id, err := r.ID()
	if err != nil {
		return "", err
	}
	if idOnly {
		return id.Path(), nil
	}
	return id.URL(r.relation.db().ep.BaseURL()), nil
}

// Update writes the whole buffer to the row. The buffer is refreshed from
// the row the endpoint returns.
func (r *Row) Update(ctx context.Context) error {
	id, err := r.ID()
	if err != nil {
		return err
	}
	env, err := r.relation.db().ep.Patch(ctx, id, &query.Options{}, r.data)
	if err != nil {
		return model.NewOperationError("Update", err)
	}
	if env == nil {
		return model.NewOperationError("Update", model.ErrEmptyResponse)
	}
	if env.Len() == 1 {
		r.data = maps.Clone(env.Result[0].Row)
		if env.Columns != nil {
			r.columns = env.Columns
		}
		if r.pkColumn != "" {
			r.pkValue = r.data[r.pkColumn]
		}
	}
	return nil
}

// Delete deletes the row. The Row must not be used for further requests.
func (r *Row) Delete(ctx context.Context) error {
	id, err := r.ID()
	if err != nil {
		return err
	}
	env, err := r.relation.db().ep.Delete(ctx, id, nil)
	if err != nil {
		return model.NewOperationError("Delete", err)
	}
	if env == nil {
		return model.NewOperationError("Delete", model.ErrEmptyResponse)
	}
	r.deleted = true
	return nil
}

// RelatedRows fetches the rows of the schema-qualified relation related
// whose relatedColumn equals this row's selfColumn.
func (r *Row) RelatedRows(ctx context.Context, selfColumn, related, relatedColumn string, opts *query.Options) (*Rowset, error) {
	return r.relation.relatedRows(ctx, related, query.Eq(relatedColumn, r.Get(selfColumn)), opts)
}

// RelatedRow is RelatedRows for exactly one row.
func (r *Row) RelatedRow(ctx context.Context, selfColumn, related, relatedColumn string, opts *query.Options) (*Row, error) {
	return r.relation.relatedRow(ctx, related, query.Eq(relatedColumn, r.Get(selfColumn)), opts)
}
