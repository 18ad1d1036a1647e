package query

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var pg = Builder{Quote: PostgresQuote, Placeholder: DollarPlaceholder, NativeILike: true}
var lite = Builder{Quote: PostgresQuote, Placeholder: QuestionPlaceholder}

func TestBuilderWhere(t *testing.T) {
	tests := []struct {
		name       string
		b          Builder
		filters    []Filter
		wantSQL    string
		wantParams []any
		wantErr    string
	}{
		{
			name:    "empty",
			b:       pg,
			wantSQL: "",
		},
		{
			name:       "equality and comparison",
			b:          pg,
			filters:    []Filter{Eq("name", "x"), Where("age", ">=", 18.0)},
			wantSQL:    `"name" = $1 AND "age" >= $2`,
			wantParams: []any{"x", 18.0},
		},
		{
			name:       "in list",
			b:          pg,
			filters:    []Filter{In("id", []any{1.0, 2.0, 3.0})},
			wantSQL:    `"id" IN ($1, $2, $3)`,
			wantParams: []any{1.0, 2.0, 3.0},
		},
		{
			name:    "empty in list matches nothing",
			b:       pg,
			filters: []Filter{In("id", []any{})},
			wantSQL: "1 = 0",
		},
		{
			name:       "not in with extra spaces",
			b:          lite,
			filters:    []Filter{Where("id", "NOT  IN", []any{"a"})},
			wantSQL:    `"id" NOT IN (?)`,
			wantParams: []any{"a"},
		},
		{
			name:    "null equality",
			b:       pg,
			filters: []Filter{Eq("parent_id", nil), Where("x", "!=", nil)},
			wantSQL: `"parent_id" IS NULL AND "x" IS NOT NULL`,
		},
		{
			name:    "is null ignores value",
			b:       pg,
			filters: []Filter{Where("deleted", "is null", "ignored")},
			wantSQL: `"deleted" IS NULL`,
		},
		{
			name:       "ilike native",
			b:          pg,
			filters:    []Filter{Where("name", "ilike", "%a%")},
			wantSQL:    `"name" ILIKE $1`,
			wantParams: []any{"%a%"},
		},
		{
			name:       "ilike emulated",
			b:          lite,
			filters:    []Filter{Where("name", "ilike", "%a%")},
			wantSQL:    `LOWER("name") LIKE LOWER(?)`,
			wantParams: []any{"%a%"},
		},
		{
			name:       "json value passed as text",
			b:          lite,
			filters:    []Filter{Eq("doc", map[string]any{"k": 1.0})},
			wantSQL:    `"doc" = ?`,
			wantParams: []any{`{"k":1}`},
		},
		{name: "bad column", b: pg, filters: []Filter{Eq("1; drop", 1)}, wantErr: "invalid filter column"},
		{name: "bad operator", b: pg, filters: []Filter{Where("a", "~~", 1)}, wantErr: "unsupported filter operator"},
		{name: "in needs list", b: pg, filters: []Filter{Where("a", "in", 1)}, wantErr: "must be a list"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, params, err := tt.b.Where(tt.filters, 1)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sql != tt.wantSQL {
				t.Errorf("sql = %q, want %q", sql, tt.wantSQL)
			}
			if diff := cmp.Diff(tt.wantParams, params); diff != "" {
				t.Errorf("params mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuilderWhereStartIndex(t *testing.T) {
	sql, _, err := pg.Where([]Filter{Eq("a", 1)}, 4)
	if err != nil {
		t.Fatal(err)
	}
	if sql != `"a" = $4` {
		t.Errorf("sql = %q", sql)
	}
}

func TestBuilderOrder(t *testing.T) {
	got, err := Builder{Quote: MySQLQuote}.Order([]Order{ParseOrder("-created"), ParseOrder("name")})
	if err != nil {
		t.Fatal(err)
	}
	if got != "ORDER BY `created` DESC, `name` ASC" {
		t.Errorf("Order() = %q", got)
	}
	if _, err := pg.Order([]Order{{Column: "a b"}}); err == nil {
		t.Error("expected error for invalid column")
	}
}

func TestQuoteIdentifiers(t *testing.T) {
	b := Builder{Quote: SQLServerQuote}
	got, err := b.QuoteIdentifiers([]string{"id", "name"})
	if err != nil || got != "[id], [name]" {
		t.Errorf("QuoteIdentifiers = %q, %v", got, err)
	}
	if got, _ := b.QuoteIdentifiers(nil); got != "*" {
		t.Errorf("empty list = %q, want *", got)
	}
	if q, err := pg.QualifiedName("widget", "input"); err != nil || q != `"widget"."input"` {
		t.Errorf("QualifiedName = %q, %v", q, err)
	}
}

func TestBuildLimitOffset(t *testing.T) {
	tests := []struct {
		name          string
		limit, offset *int
		noLimit       string
		want          string
	}{
		{"none", nil, nil, "-1", ""},
		{"limit", Int(10), nil, "-1", "LIMIT 10"},
		{"both", Int(10), Int(20), "-1", "LIMIT 10 OFFSET 20"},
		{"offset only sqlite", nil, Int(5), "-1", "LIMIT -1 OFFSET 5"},
		{"offset only postgres", nil, Int(5), "ALL", "LIMIT ALL OFFSET 5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildLimitOffset(tt.limit, tt.offset, tt.noLimit); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
	if got := BuildOffsetFetch(Int(5), nil); got != "OFFSET 0 ROWS FETCH NEXT 5 ROWS ONLY" {
		t.Errorf("BuildOffsetFetch = %q", got)
	}
}
