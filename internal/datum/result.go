package datum

import (
	"maps"
	"slices"

	"github.com/faucetdb/datum/internal/model"
)

// Result is what Insert and Function.Call return: a *Row, *Rowset,
// *FunctionResult or *FunctionResultSet depending on the number of tuples.
type Result interface {
	Len() int
	Columns() []model.ColumnMeta
	result()
}

var (
	_ Result = (*Row)(nil)
	_ Result = (*Rowset)(nil)
	_ Result = (*FunctionResult)(nil)
	_ Result = (*FunctionResultSet)(nil)
)

// columnOrder lists the keys of row in metadata order, or sorted when there
// is no metadata.
func columnOrder(cols []model.ColumnMeta, row map[string]any) []string {
	if cols == nil {
		return slices.Sorted(maps.Keys(row))
	}
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name)
	}
	return names
}
