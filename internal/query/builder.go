package query

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Builder renders options as SQL fragments for one database dialect.
type Builder struct {
	Quote       func(string) string
	Placeholder PlaceholderFunc

	// NativeILike is set when the database understands ILIKE. Otherwise
	// ilike is rendered as LOWER(col) LIKE LOWER(?).
	NativeILike bool
}

// Where builds a WHERE clause (without the keyword) from filters, numbering
// placeholders from start. An empty filter list yields "".
func (b Builder) Where(filters []Filter, start int) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	idx := start
	var params []any
	next := func(v any) string {
		params = append(params, v)
		p := b.Placeholder(idx)
		idx++
		return p
	}

	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		if err := ValidateIdentifier(f.Name); err != nil {
			return "", nil, fmt.Errorf("invalid filter column: %w", err)
		}
		col := b.Quote(f.Name)
		op := strings.ToLower(strings.Join(strings.Fields(f.Op), " "))

		switch op {
		case "=", "!=", "<>", "<", "<=", ">", ">=", "like":
			v, err := sqlValue(f.Value)
			if err != nil {
				return "", nil, err
			}
			if v == nil && (op == "=" || op == "!=" || op == "<>") {
				if op == "=" {
					parts = append(parts, col+" IS NULL")
				} else {
					parts = append(parts, col+" IS NOT NULL")
				}
				continue
			}
			parts = append(parts, fmt.Sprintf("%s %s %s", col, strings.ToUpper(op), next(v)))

		case "ilike":
			v, err := sqlValue(f.Value)
			if err != nil {
				return "", nil, err
			}
			if b.NativeILike {
				parts = append(parts, fmt.Sprintf("%s ILIKE %s", col, next(v)))
			} else {
				parts = append(parts, fmt.Sprintf("LOWER(%s) LIKE LOWER(%s)", col, next(v)))
			}

		case "in", "not in":
			vals, err := listValue(f.Value)
			if err != nil {
				return "", nil, fmt.Errorf("filter %s %s: %w", f.Name, op, err)
			}
			if len(vals) == 0 {
				if op == "in" {
					parts = append(parts, "1 = 0")
				} else {
					parts = append(parts, "1 = 1")
				}
				continue
			}
			phs := make([]string, len(vals))
			for i, v := range vals {
				phs[i] = next(v)
			}
			parts = append(parts, fmt.Sprintf("%s %s (%s)", col, strings.ToUpper(op), strings.Join(phs, ", ")))

		case "is null", "is not null":
			parts = append(parts, col+" "+strings.ToUpper(op))

		default:
			return "", nil, fmt.Errorf("unsupported filter operator %q", f.Op)
		}
	}
	return strings.Join(parts, " AND "), params, nil
}

// Order builds an ORDER BY clause (with the keyword) or "".
func (b Builder) Order(orders []Order) (string, error) {
	if len(orders) == 0 {
		return "", nil
	}
	parts := make([]string, len(orders))
	for i, o := range orders {
		if err := ValidateIdentifier(o.Column); err != nil {
			return "", fmt.Errorf("invalid order column: %w", err)
		}
		dir := "ASC"
		if strings.EqualFold(o.Direction, Desc) {
			dir = "DESC"
		}
		parts[i] = b.Quote(o.Column) + " " + dir
	}
	return "ORDER BY " + strings.Join(parts, ", "), nil
}

// QuoteIdentifiers validates, quotes, and joins column names into a
// comma-separated SQL fragment. An empty list selects every column.
func (b Builder) QuoteIdentifiers(names []string) (string, error) {
	if len(names) == 0 {
		return "*", nil
	}
	quoted := make([]string, len(names))
	for i, name := range names {
		if err := ValidateIdentifier(name); err != nil {
			return "", err
		}
		quoted[i] = b.Quote(name)
	}
	return strings.Join(quoted, ", "), nil
}

// QualifiedName quotes "schema"."name".
func (b Builder) QualifiedName(schema, name string) (string, error) {
	if err := ValidateIdentifier(schema); err != nil {
		return "", fmt.Errorf("invalid schema: %w", err)
	}
	if err := ValidateIdentifier(name); err != nil {
		return "", fmt.Errorf("invalid name: %w", err)
	}
	return b.Quote(schema) + "." + b.Quote(name), nil
}

// PostgresQuote returns a PostgreSQL-style double-quoted identifier.
func PostgresQuote(name string) string {
	escaped := strings.ReplaceAll(name, `"`, `""`)
	return `"` + escaped + `"`
}

// MySQLQuote returns a MySQL-style backtick-quoted identifier.
func MySQLQuote(name string) string {
	escaped := strings.ReplaceAll(name, "`", "``")
	return "`" + escaped + "`"
}

// SQLServerQuote returns a SQL Server-style bracket-quoted identifier.
func SQLServerQuote(name string) string {
	escaped := strings.ReplaceAll(name, "]", "]]")
	return "[" + escaped + "]"
}

// BuildLimitOffset returns a LIMIT/OFFSET SQL fragment suitable for
// PostgreSQL, MySQL and SQLite. noLimit is the dialect's spelling of an
// unbounded LIMIT, needed when only an offset is given. Returns empty string
// when neither is set.
func BuildLimitOffset(limit, offset *int, noLimit string) string {
	var parts []string
	switch {
	case limit != nil:
		parts = append(parts, fmt.Sprintf("LIMIT %d", max(*limit, 0)))
	case offset != nil && noLimit != "":
		parts = append(parts, "LIMIT "+noLimit)
	}
	if offset != nil && *offset > 0 {
		parts = append(parts, fmt.Sprintf("OFFSET %d", *offset))
	}
	return strings.Join(parts, " ")
}

// BuildOffsetFetch returns the SQL Server paging clause. SQL Server requires
// an ORDER BY before OFFSET, so callers add "ORDER BY (SELECT NULL)" when
// the request has no ordering.
func BuildOffsetFetch(limit, offset *int) string {
	if limit == nil && offset == nil {
		return ""
	}
	off := 0
	if offset != nil {
		off = max(*offset, 0)
	}
	s := fmt.Sprintf("OFFSET %d ROWS", off)
	if limit != nil {
		s += fmt.Sprintf(" FETCH NEXT %d ROWS ONLY", max(*limit, 0))
	}
	return s
}

// sqlValue converts a decoded JSON value into a driver parameter. Objects and
// arrays are passed as their JSON text.
func sqlValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, float64, int, int64:
		return x, nil
	case string:
		return cleanString(x)
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return v, nil
}

func listValue(v any) ([]any, error) {
	if v == nil {
		return nil, fmt.Errorf("value must be a list")
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("value must be a list")
	}
	out := make([]any, rv.Len())
	for i := range out {
		sv, err := sqlValue(rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		out[i] = sv
	}
	return out, nil
}
