package endpoint

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/faucetdb/datum/internal/query"
)

// postgresDialect serves PostgreSQL. Functions may be set-returning and
// accept named arguments.
type postgresDialect struct{}

func (postgresDialect) Name() string          { return "postgres" }
func (postgresDialect) DriverName() string    { return "pgx" }
func (postgresDialect) DefaultSchema() string { return "public" }

func (postgresDialect) Builder() query.Builder {
	return query.Builder{Quote: query.PostgresQuote, Placeholder: query.DollarPlaceholder, NativeILike: true}
}

func (postgresDialect) Page(limit, offset *int, _ bool) string {
	return query.BuildLimitOffset(limit, offset, "ALL")
}

// KeyEquals compares as text since the key arrives as a URL segment.
func (postgresDialect) KeyEquals(col, ph string) string { return col + "::text = " + ph }

func (postgresDialect) Insert(table string, cols, phs []string) (string, bool) {
	if len(cols) == 0 {
		return "INSERT INTO " + table + " DEFAULT VALUES RETURNING *", true
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		table, strings.Join(cols, ", "), strings.Join(phs, ", ")), true
}

func (postgresDialect) Call(schema, name string, phs, names, types []string) (string, error) {
	args := make([]string, len(phs))
	for i, ph := range phs {
		if types != nil {
			ph += "::" + types[i]
		}
		if names != nil {
			args[i] = query.PostgresQuote(names[i]) + " => " + ph
		} else {
			args[i] = ph
		}
	}
	return fmt.Sprintf("SELECT * FROM %s.%s(%s)",
		query.PostgresQuote(schema), query.PostgresQuote(name), strings.Join(args, ", ")), nil
}

func (postgresDialect) PrimaryKey(ctx context.Context, db *sqlx.DB, schema, relation string) (string, error) {
	const q = `SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
			AND tc.table_schema = $1 AND tc.table_name = $2
		ORDER BY kcu.ordinal_position`
	var cols []string
	if err := db.SelectContext(ctx, &cols, q, schema, relation); err != nil || len(cols) == 0 {
		return "", err
	}
	return cols[0], nil
}
