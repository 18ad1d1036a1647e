package model

import "encoding/json"

// Envelope is the response document returned by every endpoint operation.
// Columns and PK are only populated when the request asked for metadata.
type Envelope struct {
	Columns []ColumnMeta `json:"columns,omitempty"`
	PK      string       `json:"pk,omitempty"`
	Result  []Tuple      `json:"result"`
}

// ColumnMeta describes one column of a result.
type ColumnMeta struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Tuple is a single result row as it appears on the wire.
type Tuple struct {
	Row map[string]any `json:"row"`
}

// Len returns the number of result tuples. A nil envelope has none.
func (e *Envelope) Len() int {
	if e == nil {
		return 0
	}
	return len(e.Result)
}

// HasMetadata reports whether the envelope carries column metadata.
func (e *Envelope) HasMetadata() bool {
	return e != nil && e.Columns != nil
}

// Subset returns a copy of the envelope that shares columns and pk but holds
// only the given tuples.
func (e *Envelope) Subset(tuples []Tuple) *Envelope {
	out := &Envelope{Result: tuples}
	if e != nil {
		out.Columns = e.Columns
		out.PK = e.PK
	}
	return out
}

// UnmarshalJSON accepts a null pk.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var raw struct {
		Columns []ColumnMeta `json:"columns"`
		PK      *string      `json:"pk"`
		Result  []Tuple      `json:"result"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.Columns = raw.Columns
	e.Result = raw.Result
	e.PK = ""
	if raw.PK != nil {
		e.PK = *raw.PK
	}
	return nil
}

// ErrorDocument is the body returned with a non-2xx status.
type ErrorDocument struct {
	Title      string `json:"title"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
}
