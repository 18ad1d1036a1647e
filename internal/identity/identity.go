// Package identity defines the composite keys that address every resource the
// endpoint exposes. Identities are plain values and compare structurally.
package identity

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/faucetdb/datum/internal/model"
)

// SchemaID identifies a namespace.
type SchemaID struct {
	Name string `json:"name"`
}

// RelationID identifies a table or view.
type RelationID struct {
	Schema SchemaID `json:"schema_id"`
	Name   string   `json:"name"`
}

// ColumnID identifies a column of a relation.
type ColumnID struct {
	Relation RelationID `json:"relation_id"`
	Name     string     `json:"name"`
}

// RowID identifies a row by its primary key. Build one with NewRowID.
type RowID struct {
	Relation RelationID `json:"relation_id"`
	PKColumn string     `json:"pk_column_name"`
	PKValue  any        `json:"pk_value"`
}

// FieldID identifies one value of one row.
type FieldID struct {
	Row    RowID    `json:"row_id"`
	Column ColumnID `json:"column_id"`
}

// FunctionID identifies a stored function. A nil Parameters list means the
// function is resolved by name only.
type FunctionID struct {
	Schema     SchemaID `json:"schema_id"`
	Name       string   `json:"name"`
	Parameters []string `json:"parameters,omitempty"`
}

// Relation returns the id of the relation name in this schema.
func (s SchemaID) Relation(name string) RelationID {
	return RelationID{Schema: s, Name: name}
}

// Function returns the id of the function name in this schema.
func (s SchemaID) Function(name string, params []string) FunctionID {
	return FunctionID{Schema: s, Name: name, Parameters: params}
}

// NewRelationID is shorthand for SchemaID{schema}.Relation(name).
func NewRelationID(schema, name string) RelationID {
	return RelationID{Schema: SchemaID{Name: schema}, Name: name}
}

// Column returns the id of the named column.
func (r RelationID) Column(name string) ColumnID {
	return ColumnID{Relation: r, Name: name}
}

// String returns "schema.relation".
func (r RelationID) String() string {
	return r.Schema.Name + "." + r.Name
}

// NewRowID builds a row identity. It fails with model.ErrMissingMetadata when
// the primary key column is not known, which happens for rows fetched without
// metadata.
func NewRowID(rel RelationID, pkColumn string, pkValue any) (RowID, error) {
	if pkColumn == "" {
		return RowID{}, fmt.Errorf("row of %s: %w", rel, model.ErrMissingMetadata)
	}
	return RowID{Relation: rel, PKColumn: pkColumn, PKValue: pkValue}, nil
}

// Column returns the id of the named column of the row's relation.
func (r RowID) Column(name string) ColumnID {
	return r.Relation.Column(name)
}

// NewFieldID builds a field identity from its row.
func NewFieldID(row RowID, column string) (FieldID, error) {
	if row.PKColumn == "" {
		return FieldID{}, fmt.Errorf("field %s of %s: %w", column, row.Relation, model.ErrMissingMetadata)
	}
	return FieldID{Row: row, Column: row.Relation.Column(column)}, nil
}

// Path methods return the id-only URL of the resource. URL prefixes it with
// the endpoint base.

func (r RelationID) Path() string {
	return "/relation/" + seg(r.Schema.Name) + "/" + seg(r.Name)
}

func (r RowID) Path() string {
	return "/row/" + seg(r.Relation.Schema.Name) + "/" + seg(r.Relation.Name) + "/" + seg(FormatValue(r.PKValue))
}

func (f FieldID) Path() string {
	return "/field/" + seg(f.Row.Relation.Schema.Name) + "/" + seg(f.Row.Relation.Name) + "/" +
		seg(FormatValue(f.Row.PKValue)) + "/" + seg(f.Column.Name)
}

func (f FunctionID) Path() string {
	p := "/function/" + seg(f.Schema.Name) + "/" + seg(f.Name)
	if f.Parameters != nil {
		p += "/{" + strings.Join(f.Parameters, ",") + "}"
	}
	return p
}

func (r RelationID) URL(base string) string { return join(base, r.Path()) }
func (r RowID) URL(base string) string      { return join(base, r.Path()) }
func (f FieldID) URL(base string) string    { return join(base, f.Path()) }
func (f FunctionID) URL(base string) string { return join(base, f.Path()) }

func join(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

func seg(s string) string {
	return url.PathEscape(s)
}

// FormatValue renders a primary key value the way it appears in a URL path.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case json.Number:
		return x.String()
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

// ParseQualifiedName splits "schema.relation". Both parts are required.
func ParseQualifiedName(name string) (RelationID, error) {
	schema, rel, ok := strings.Cut(name, ".")
	if !ok || schema == "" || rel == "" || strings.Contains(rel, ".") {
		return RelationID{}, fmt.Errorf("%w: %q is not schema-qualified", model.ErrMalformedSelector, name)
	}
	return NewRelationID(schema, rel), nil
}

// JSON returns the canonical structural form of an identity, as decoded from
// its JSON encoding.
func JSON(id any) any {
	b, err := json.Marshal(id)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

// plainEqual compares the canonical form of id with an arbitrary value.
func plainEqual(id, other any) bool {
	if other == nil {
		return false
	}
	return cmp.Equal(JSON(id), JSON(other))
}
