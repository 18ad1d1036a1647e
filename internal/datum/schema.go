package datum

import (
	"github.com/faucetdb/datum/internal/identity"
)

// Schema is a namespace of relations and functions.
type Schema struct {
	db *Database
	id identity.SchemaID
}

func (s *Schema) ID() identity.SchemaID { return s.id }
func (s *Schema) Name() string          { return s.id.Name }
func (s *Schema) Database() *Database   { return s.db }
func (s *Schema) Equals(other any) bool { return s.id.Equals(other) }

// Relation returns a relation of unspecified kind.
func (s *Schema) Relation(name string) *Relation {
	return &Relation{schema: s, id: s.id.Relation(name), kind: KindRelation}
}

// Table returns a table, which can be inserted into.
func (s *Schema) Table(name string) *Table {
	return &Table{Relation: &Relation{schema: s, id: s.id.Relation(name), kind: KindTable}}
}

// View returns a view.
func (s *Schema) View(name string) *View {
	return &View{Relation: &Relation{schema: s, id: s.id.Relation(name), kind: KindView}}
}

// Function returns a function. Without params the function is resolved by
// name; with them, params name the argument types of one overload.
func (s *Schema) Function(name string, params ...string) *Function {
	var p []string
	if len(params) > 0 {
		p = params
	}
	return &Function{schema: s, id: s.id.Function(name, p)}
}
