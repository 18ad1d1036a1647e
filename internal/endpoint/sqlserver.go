package endpoint

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/microsoft/go-mssqldb"

	"github.com/faucetdb/datum/internal/query"
)

// sqlserverDialect serves SQL Server. Functions are scalar user-defined
// functions, which SQL Server requires to be schema-qualified.
type sqlserverDialect struct{}

func (sqlserverDialect) Name() string          { return "sqlserver" }
func (sqlserverDialect) DriverName() string    { return "sqlserver" }
func (sqlserverDialect) DefaultSchema() string { return "dbo" }

func (sqlserverDialect) Builder() query.Builder {
	return query.Builder{Quote: query.SQLServerQuote, Placeholder: query.AtPPlaceholder}
}

func (sqlserverDialect) Page(limit, offset *int, ordered bool) string {
	page := query.BuildOffsetFetch(limit, offset)
	if page != "" && !ordered {
		return "ORDER BY (SELECT NULL) " + page
	}
	return page
}

func (sqlserverDialect) KeyEquals(col, ph string) string { return col + " = " + ph }

func (sqlserverDialect) Insert(table string, cols, phs []string) (string, bool) {
	if len(cols) == 0 {
		return "INSERT INTO " + table + " OUTPUT INSERTED.* DEFAULT VALUES", true
	}
	return fmt.Sprintf("INSERT INTO %s (%s) OUTPUT INSERTED.* VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(phs, ", ")), true
}

func (sqlserverDialect) Call(schema, name string, phs, names, _ []string) (string, error) {
	args, err := positional("sqlserver", phs, names)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT %s.%s(%s) AS %s",
		query.SQLServerQuote(schema), query.SQLServerQuote(name), args, query.SQLServerQuote(name)), nil
}

func (sqlserverDialect) PrimaryKey(ctx context.Context, db *sqlx.DB, schema, relation string) (string, error) {
	const q = `SELECT kcu.COLUMN_NAME
		FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
			ON tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME
			AND tc.TABLE_SCHEMA = kcu.TABLE_SCHEMA
		WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
			AND tc.TABLE_SCHEMA = @p1 AND tc.TABLE_NAME = @p2
		ORDER BY kcu.ORDINAL_POSITION`
	var cols []string
	if err := db.SelectContext(ctx, &cols, q, schema, relation); err != nil || len(cols) == 0 {
		return "", err
	}
	return cols[0], nil
}
