package query

import (
	"bytes"
	"encoding/json"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// Filter is one predicate of a where clause. Filters in a list are ANDed.
type Filter struct {
	Name  string `json:"name"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// Eq builds an equality filter.
func Eq(name string, value any) Filter {
	return Filter{Name: name, Op: "=", Value: value}
}

// In builds a membership filter.
func In(name string, values []any) Filter {
	return Filter{Name: name, Op: "in", Value: values}
}

// Where builds a filter with an arbitrary operator.
func Where(name, op string, value any) Filter {
	return Filter{Name: name, Op: op, Value: value}
}

// Sort directions.
const (
	Asc  = "asc"
	Desc = "desc"
)

// Order is one ordering directive.
type Order struct {
	Column    string
	Direction string
}

// String returns "col" for ascending and "-col" for descending.
func (o Order) String() string {
	if strings.EqualFold(o.Direction, Desc) {
		return "-" + o.Column
	}
	return o.Column
}

// ParseOrder parses "col" or "-col".
func ParseOrder(s string) Order {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "-"); ok {
		return Order{Column: rest, Direction: Desc}
	}
	return Order{Column: strings.TrimPrefix(s, "+"), Direction: Asc}
}

// Options are the request options understood by the endpoint. The zero value
// requests column metadata and nothing else; a nil *Options encodes to an
// empty query.
type Options struct {
	Where     []Filter
	OrderBy   []Order
	Limit     *int
	Offset    *int
	Args      any
	MetaData  *bool
	Exclude   []string
	Include   []string
	SessionID string

	// UseCache lets the endpoint serve the request from its response cache.
	// It is never sent to the server.
	UseCache bool
}

// Int returns a pointer to n, for Limit and Offset.
func Int(n int) *int { return &n }

// Bool returns a pointer to b, for MetaData.
func Bool(b bool) *bool { return &b }

// Metadata reports whether the request asks for column metadata. It defaults
// to true.
func (o *Options) Metadata() bool {
	return o != nil && (o.MetaData == nil || *o.MetaData)
}

// Clone returns a copy that shares no slices with o. It returns an empty
// Options for a nil receiver.
func (o *Options) Clone() *Options {
	if o == nil {
		return &Options{}
	}
	c := *o
	c.Where = slices.Clone(o.Where)
	c.OrderBy = slices.Clone(o.OrderBy)
	c.Exclude = slices.Clone(o.Exclude)
	c.Include = slices.Clone(o.Include)
	if o.Limit != nil {
		c.Limit = Int(*o.Limit)
	}
	if o.Offset != nil {
		c.Offset = Int(*o.Offset)
	}
	if o.MetaData != nil {
		c.MetaData = Bool(*o.MetaData)
	}
	return &c
}

// AddWhere appends filters and returns o.
func (o *Options) AddWhere(f ...Filter) *Options {
	o.Where = append(o.Where, f...)
	return o
}

type param struct {
	key, value string
}

// params lists the wire parameters with keys in alphabetical order. Repeated
// where parameters keep their relative order.
func (o *Options) params() []param {
	if o == nil {
		return nil
	}
	var ps []param
	add := func(k, v string) { ps = append(ps, param{k, v}) }

	if o.Args != nil {
		add("args", mustJSON(o.Args))
	}
	if o.Exclude != nil {
		add("exclude", mustJSON(o.Exclude))
	}
	if o.Include != nil {
		add("include", mustJSON(o.Include))
	}
	if o.Limit != nil {
		add("limit", strconv.Itoa(*o.Limit))
	}
	add("meta_data", strconv.FormatBool(o.Metadata()))
	if o.Offset != nil {
		add("offset", strconv.Itoa(*o.Offset))
	}
	if len(o.OrderBy) > 0 {
		parts := make([]string, len(o.OrderBy))
		for i, ob := range o.OrderBy {
			parts[i] = ob.String()
		}
		add("order_by", strings.Join(parts, ","))
	}
	if o.SessionID != "" {
		add("session_id", mustJSON(o.SessionID))
	}
	for _, f := range o.Where {
		add("where", mustJSON(f))
	}

	sort.SliceStable(ps, func(i, j int) bool { return ps[i].key < ps[j].key })
	return ps
}

// Encode returns the canonical query string without the leading "?". Keys are
// sorted, so two Options with the same content always encode identically.
func (o *Options) Encode() string {
	ps := o.params()
	var b strings.Builder
	for i, p := range ps {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.key)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String()
}

// Values returns the same parameters as Encode, unescaped.
func (o *Options) Values() url.Values {
	v := url.Values{}
	for _, p := range o.params() {
		v.Add(p.key, p.value)
	}
	return v
}

// mustJSON encodes v without HTML escaping, so operators such as > and &
// reach the wire and the cache keys as written.
func mustJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		// Values that cannot be encoded are sent as null and rejected by
		// the server.
		return "null"
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// FunctionArgs shapes function arguments for the args parameter: a slice
// becomes positional {vals:[...]}, a map becomes named {kwargs:{...}}, any
// other value is a single positional argument and nil means no arguments.
func FunctionArgs(args any) any {
	switch a := args.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return map[string]any{"kwargs": a}
	case map[string]string:
		return map[string]any{"kwargs": a}
	case []any:
		return map[string]any{"vals": a}
	case []string:
		return map[string]any{"vals": a}
	case []int:
		return map[string]any{"vals": a}
	case []float64:
		return map[string]any{"vals": a}
	}
	return map[string]any{"vals": []any{args}}
}
