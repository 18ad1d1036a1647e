package endpoint

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/faucetdb/datum/internal/query"
)

// sqliteDialect serves SQLite. The main database is the "main" schema and
// every attached database is a schema of its own. Functions are the
// connection's scalar functions and ignore the schema. Identifiers are
// quoted with backticks: SQLite reads an unknown double-quoted name as a
// string literal.
type sqliteDialect struct{}

func (sqliteDialect) Name() string          { return "sqlite" }
func (sqliteDialect) DriverName() string    { return "sqlite" }
func (sqliteDialect) DefaultSchema() string { return "main" }

func (sqliteDialect) Builder() query.Builder {
	return query.Builder{Quote: query.MySQLQuote, Placeholder: query.QuestionPlaceholder}
}

func (sqliteDialect) Page(limit, offset *int, _ bool) string {
	return query.BuildLimitOffset(limit, offset, "-1")
}

func (sqliteDialect) KeyEquals(col, ph string) string { return col + " = " + ph }

func (sqliteDialect) Insert(table string, cols, phs []string) (string, bool) {
	if len(cols) == 0 {
		return "INSERT INTO " + table + " DEFAULT VALUES RETURNING *", true
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		table, strings.Join(cols, ", "), strings.Join(phs, ", ")), true
}

func (sqliteDialect) Call(_, name string, phs, names, _ []string) (string, error) {
	args, err := positional("sqlite", phs, names)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT %s(%s) AS %s", name, args, query.MySQLQuote(name)), nil
}

func (sqliteDialect) PrimaryKey(ctx context.Context, db *sqlx.DB, schema, relation string) (string, error) {
	var cols []string
	err := db.SelectContext(ctx, &cols,
		`SELECT name FROM pragma_table_info(?, ?) WHERE pk > 0 ORDER BY pk`, relation, schema)
	if err != nil || len(cols) == 0 {
		return "", err
	}
	return cols[0], nil
}

// attachSQLite attaches each file as a schema of db.
func attachSQLite(ctx context.Context, db *sqlx.DB, attach map[string]string) error {
	for schema, file := range attach {
		if err := query.ValidateIdentifier(schema); err != nil {
			return fmt.Errorf("attach %q: %w", schema, err)
		}
		if _, err := db.ExecContext(ctx, "ATTACH DATABASE ? AS "+query.MySQLQuote(schema), file); err != nil {
			return fmt.Errorf("attach %q: %w", schema, err)
		}
	}
	return nil
}
