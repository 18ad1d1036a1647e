package identity

import (
	"slices"

	"github.com/google/go-cmp/cmp"
)

// Owners expose the identity they wrap. Equals accepts them in place of the
// identity itself.
type (
	schemaOwner   interface{ ID() SchemaID }
	relationOwner interface{ ID() RelationID }
	columnOwner   interface{ ID() ColumnID }
	functionOwner interface{ ID() FunctionID }
	rowOwner      interface{ ID() (RowID, error) }
	fieldOwner    interface{ ID() (FieldID, error) }
)

// Equals reports whether other is the same schema. other may be a SchemaID,
// a *SchemaID, an entity owning one, or a plain value with the same JSON form.
func (s SchemaID) Equals(other any) bool {
	switch o := other.(type) {
	case SchemaID:
		return s.Name == o.Name
	case *SchemaID:
		return o != nil && s.Name == o.Name
	case schemaOwner:
		return s.Name == o.ID().Name
	}
	return plainEqual(s, other)
}

// Equals reports whether other names the same schema and relation.
func (r RelationID) Equals(other any) bool {
	switch o := other.(type) {
	case RelationID:
		return r.same(o)
	case *RelationID:
		return o != nil && r.same(*o)
	case relationOwner:
		return r.same(o.ID())
	}
	return plainEqual(r, other)
}

func (r RelationID) same(o RelationID) bool {
	return r.Schema.Equals(o.Schema) && r.Name == o.Name
}

// Equals reports whether other names the same column.
func (c ColumnID) Equals(other any) bool {
	switch o := other.(type) {
	case ColumnID:
		return c.same(o)
	case *ColumnID:
		return o != nil && c.same(*o)
	case columnOwner:
		return c.same(o.ID())
	}
	return plainEqual(c, other)
}

func (c ColumnID) same(o ColumnID) bool {
	return c.Relation.same(o.Relation) && c.Name == o.Name
}

// Equals reports whether other names the same row. Rows without metadata have
// no identity and never compare equal.
func (r RowID) Equals(other any) bool {
	switch o := other.(type) {
	case RowID:
		return r.same(o)
	case *RowID:
		return o != nil && r.same(*o)
	case rowOwner:
		id, err := o.ID()
		return err == nil && r.same(id)
	}
	return plainEqual(r, other)
}

func (r RowID) same(o RowID) bool {
	return r.Relation.same(o.Relation) &&
		r.PKColumn == o.PKColumn &&
		cmp.Equal(JSON(r.PKValue), JSON(o.PKValue))
}

// Equals reports whether other names the same field.
func (f FieldID) Equals(other any) bool {
	switch o := other.(type) {
	case FieldID:
		return f.same(o)
	case *FieldID:
		return o != nil && f.same(*o)
	case fieldOwner:
		id, err := o.ID()
		return err == nil && f.same(id)
	}
	return plainEqual(f, other)
}

func (f FieldID) same(o FieldID) bool {
	return f.Row.same(o.Row) && f.Column.same(o.Column)
}

// Equals reports whether other names the same function. A nil parameter list
// on either side matches any overload, so two ids that differ only in that
// one omits its parameters compare equal even if the server would resolve
// them to different functions.
func (f FunctionID) Equals(other any) bool {
	switch o := other.(type) {
	case FunctionID:
		return f.same(o)
	case *FunctionID:
		return o != nil && f.same(*o)
	case functionOwner:
		return f.same(o.ID())
	}
	return plainEqual(f, other)
}

func (f FunctionID) same(o FunctionID) bool {
	if !f.Schema.Equals(o.Schema) || f.Name != o.Name {
		return false
	}
	if f.Parameters == nil || o.Parameters == nil {
		return true
	}
	return slices.Equal(f.Parameters, o.Parameters)
}
