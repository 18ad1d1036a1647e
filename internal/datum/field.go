package datum

import (
	"context"

	"github.com/faucetdb/datum/internal/identity"
	"github.com/faucetdb/datum/internal/model"
)

// Field is one column of one row. Its value lives in the row buffer.
type Field struct {
	row    *Row
	column *Column
}

func (f *Field) Name() string    { return f.column.Name() }
func (f *Field) Column() *Column { return f.column }
func (f *Field) Row() *Row       { return f.row }
func (f *Field) Value() any      { return f.row.Get(f.Name()) }
func (f *Field) Get() any        { return f.Value() }
func (f *Field) IsPrimaryKey() bool {
	return f.row.pkColumn != "" && f.row.pkColumn == f.Name()
}

// Set changes the value in the row buffer.
func (f *Field) Set(v any) *Field {
	f.row.Set(f.Name(), v)
	return f
}

func (f *Field) ID() (identity.FieldID, error) {
	rid, err := f.row.ID()
	if err != nil {
		return identity.FieldID{}, err
	}
	return identity.NewFieldID(rid, f.Name())
}

func (f *Field) Equals(other any) bool {
	id, err := f.ID()
	return err == nil && id.Equals(other)
}

// URL returns the field URL, or only its path when idOnly is set.
func (f *Field) URL(idOnly bool) (string, error) {
	id, err := f.ID()
	if err != nil {
		return "", err
	}
	if idOnly {
		return id.Path(), nil
	}
	return id.URL(f.row.relation.db().ep.BaseURL()), nil
}

// Fetch reads the field from the endpoint and stores it in the row buffer.
func (f *Field) Fetch(ctx context.Context) (any, error) {
	id, err := f.ID()
	if err != nil {
		return nil, err
	}
	env, err := f.row.relation.db().ep.Get(ctx, id, nil)
	if err != nil {
		return nil, model.NewOperationError("Field request", err)
	}
	if err := model.Cardinality(env.Len()); err != nil {
		return nil, model.NewOperationError("Field request", err)
	}
	v, ok := env.Result[0].Row[f.Name()]
	if !ok {
		return nil, model.NewOperationError("Field request", model.ErrEmptyResponse)
	}
	f.row.Set(f.Name(), v)
	return v, nil
}

// Update writes the row buffer, including this field.
func (f *Field) Update(ctx context.Context) error {
	return f.row.Update(ctx)
}
