package datum

import "github.com/faucetdb/datum/internal/identity"

// Column names a column of a relation. No request is made for it.
type Column struct {
	relation *Relation
	id       identity.ColumnID
}

func (c *Column) ID() identity.ColumnID { return c.id }
func (c *Column) Name() string          { return c.id.Name }
func (c *Column) Relation() *Relation   { return c.relation }
func (c *Column) Equals(other any) bool { return c.id.Equals(other) }
