package endpoint

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/faucetdb/datum/internal/query"
)

// mysqlDialect serves MySQL, where a schema is a database. Inserts do not
// return rows; the inserted row is read back by its generated key.
type mysqlDialect struct{}

func (mysqlDialect) Name() string          { return "mysql" }
func (mysqlDialect) DriverName() string    { return "mysql" }
func (mysqlDialect) DefaultSchema() string { return "" }

func (mysqlDialect) Builder() query.Builder {
	return query.Builder{Quote: query.MySQLQuote, Placeholder: query.QuestionPlaceholder}
}

func (mysqlDialect) Page(limit, offset *int, _ bool) string {
	return query.BuildLimitOffset(limit, offset, "18446744073709551615")
}

func (mysqlDialect) KeyEquals(col, ph string) string { return col + " = " + ph }

func (mysqlDialect) Insert(table string, cols, phs []string) (string, bool) {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(phs, ", ")), false
}

func (mysqlDialect) Call(schema, name string, phs, names, _ []string) (string, error) {
	args, err := positional("mysql", phs, names)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT %s.%s(%s) AS %s",
		query.MySQLQuote(schema), query.MySQLQuote(name), args, query.MySQLQuote(name)), nil
}

func (mysqlDialect) PrimaryKey(ctx context.Context, db *sqlx.DB, schema, relation string) (string, error) {
	const q = `SELECT COLUMN_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY ORDINAL_POSITION`
	var cols []string
	if err := db.SelectContext(ctx, &cols, q, schema, relation); err != nil || len(cols) == 0 {
		return "", err
	}
	return cols[0], nil
}
