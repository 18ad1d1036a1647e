package query

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// FromMap builds Options from a loosely typed map such as decoded JSON or
// CLI input. Every key is optional and unknown keys are ignored. limit and
// offset values that cannot be read as integers are dropped.
func FromMap(m map[string]any) *Options {
	if m == nil {
		return nil
	}
	o := &Options{}

	if w, ok := m["where"]; ok {
		o.Where = coerceFilters(w)
	}
	if ob, ok := m["order_by"]; ok {
		o.OrderBy = coerceOrders(ob)
	}
	if v, ok := m["limit"]; ok {
		if n, ok := coerceInt(v); ok {
			o.Limit = Int(n)
		}
	}
	if v, ok := m["offset"]; ok {
		if n, ok := coerceInt(v); ok {
			o.Offset = Int(n)
		}
	}
	if v, ok := m["args"]; ok {
		o.Args = v
	}
	if v, ok := m["meta_data"]; ok {
		if b, ok := coerceBool(v); ok {
			o.MetaData = Bool(b)
		}
	}
	if v, ok := m["exclude"]; ok {
		o.Exclude = coerceStrings(v)
	}
	if v, ok := m["include"]; ok {
		o.Include = coerceStrings(v)
	}
	if v, ok := m["use_cache"]; ok {
		o.UseCache, _ = coerceBool(v)
	}
	for _, k := range []string{"session_id", "evented"} {
		if s, ok := m[k].(string); ok && s != "" {
			o.SessionID = s
		}
	}
	return o
}

func coerceFilters(v any) []Filter {
	switch w := v.(type) {
	case Filter:
		return []Filter{w}
	case []Filter:
		return w
	case map[string]any:
		return filtersFromObject(w)
	case []any:
		var out []Filter
		for _, item := range w {
			out = append(out, coerceFilters(item)...)
		}
		return out
	case []map[string]any:
		var out []Filter
		for _, item := range w {
			out = append(out, filtersFromObject(item)...)
		}
		return out
	}
	return nil
}

// filtersFromObject reads {name, op, value}, or the shorthand
// {column: value, ...} meaning equality on each column. An object is only
// read as a filter when it has op or value next to name, so a column called
// name still works with the shorthand.
func filtersFromObject(m map[string]any) []Filter {
	_, hasOp := m["op"]
	_, hasValue := m["value"]
	if name, ok := m["name"].(string); ok && (hasOp || hasValue) {
		op, _ := m["op"].(string)
		if op == "" {
			op = "="
		}
		return []Filter{{Name: name, Op: op, Value: m["value"]}}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Filter, 0, len(keys))
	for _, k := range keys {
		out = append(out, Eq(k, m[k]))
	}
	return out
}

func coerceOrders(v any) []Order {
	switch ob := v.(type) {
	case string:
		var out []Order
		for _, part := range strings.Split(ob, ",") {
			if strings.TrimSpace(part) != "" {
				out = append(out, ParseOrder(part))
			}
		}
		return out
	case Order:
		return []Order{ob}
	case []Order:
		return ob
	case []string:
		out := make([]Order, 0, len(ob))
		for _, s := range ob {
			out = append(out, ParseOrder(s))
		}
		return out
	case map[string]any:
		if col, ok := ob["column"].(string); ok {
			dir, _ := ob["direction"].(string)
			return []Order{{Column: col, Direction: normDirection(dir)}}
		}
		keys := make([]string, 0, len(ob))
		for k := range ob {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]Order, 0, len(keys))
		for _, k := range keys {
			dir, _ := ob[k].(string)
			out = append(out, Order{Column: k, Direction: normDirection(dir)})
		}
		return out
	case []any:
		var out []Order
		for _, item := range ob {
			out = append(out, coerceOrders(item)...)
		}
		return out
	}
	return nil
}

func normDirection(d string) string {
	if strings.EqualFold(strings.TrimSpace(d), Desc) {
		return Desc
	}
	return Asc
}

// coerceInt reads an integer the way a lenient parser would: numbers are
// truncated, strings are read up to the first non-digit.
func coerceInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if math.IsNaN(n) || n < math.MinInt || n >= math.MaxInt {
			return 0, false
		}
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		return coerceInt(n.String())
	case string:
		return leadingInt(n)
	}
	return 0, false
}

func leadingInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	start := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == start {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

func coerceBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		p, err := strconv.ParseBool(b)
		return p, err == nil
	}
	return false, false
}

func coerceStrings(v any) []string {
	switch s := v.(type) {
	case string:
		return []string{s}
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
