package endpoint

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"sync"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/faucetdb/datum/internal/model"
	"github.com/faucetdb/datum/internal/query"
)

// Dialect is the database-specific part of the endpoint: how statements are
// spelled and how primary keys are discovered.
type Dialect interface {
	// Name is the configured driver name, e.g. "postgres".
	Name() string
	// DriverName is the database/sql driver to open.
	DriverName() string
	DefaultSchema() string
	Builder() query.Builder

	// Page renders limit/offset. ordered reports whether the statement
	// already has an ORDER BY.
	Page(limit, offset *int, ordered bool) string

	// KeyEquals compares a quoted key column with a placeholder holding the
	// key as it appears in a URL.
	KeyEquals(col, placeholder string) string

	// Insert renders an insert of one row. cols may be empty, meaning a
	// row of defaults. returning reports whether the statement yields the
	// inserted row.
	Insert(table string, cols, placeholders []string) (stmt string, returning bool)

	// Call renders a function call. names is nil for positional arguments.
	// types, when not nil, holds one declared parameter type per argument
	// and selects among overloads.
	Call(schema, name string, placeholders, names, types []string) (string, error)

	// PrimaryKey returns the first primary key column of a relation, or ""
	// when it has none.
	PrimaryKey(ctx context.Context, db *sqlx.DB, schema, relation string) (string, error)
}

// Factory builds a dialect.
type Factory func() Dialect

var (
	dialectsMu sync.RWMutex
	dialects   = map[string]Factory{}
)

// RegisterDialect makes a dialect available under driver.
func RegisterDialect(driver string, f Factory) {
	dialectsMu.Lock()
	defer dialectsMu.Unlock()
	dialects[driver] = f
}

// LookupDialect returns the dialect registered for driver.
func LookupDialect(driver string) (Dialect, error) {
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()
	f, ok := dialects[driver]
	if !ok {
		names := make([]string, 0, len(dialects))
		for n := range dialects {
			names = append(names, n)
		}
		slices.Sort(names)
		return nil, fmt.Errorf("%w: unsupported driver %q (available: %v)", model.ErrConfiguration, driver, names)
	}
	return f(), nil
}

func init() {
	RegisterDialect("sqlite", func() Dialect { return sqliteDialect{} })
	RegisterDialect("postgres", func() Dialect { return postgresDialect{} })
	RegisterDialect("mysql", func() Dialect { return mysqlDialect{} })
	RegisterDialect("sqlserver", func() Dialect { return sqlserverDialect{} })
}

// SanitizeDSN repairs DSNs that the drivers would otherwise misparse:
// URL-style DSNs get their userinfo percent-encoded and MySQL DSNs get the
// tcp() wrapper go-sql-driver requires.
func SanitizeDSN(driver, dsn string) string {
	switch driver {
	case "postgres", "sqlserver":
		return sanitizeURLDSN(dsn)
	case "mysql":
		return sanitizeMySQLDSN(dsn)
	}
	return dsn
}

// mysqlBareHostPort matches "user:pass@host:port/db".
var mysqlBareHostPort = regexp.MustCompile(`^(.+)@([^(@]+:\d+)(/.*)?$`)

func sanitizeMySQLDSN(dsn string) string {
	if cfg, err := mysqldriver.ParseDSN(dsn); err == nil && (cfg.Net == "tcp" || cfg.Net == "unix") {
		return cfg.FormatDSN()
	}
	// user:pass@(host:port)/db
	if idx := strings.LastIndex(dsn, "@("); idx >= 0 {
		fixed := dsn[:idx] + "@tcp" + dsn[idx+1:]
		if cfg, err := mysqldriver.ParseDSN(fixed); err == nil {
			return cfg.FormatDSN()
		}
	}
	// user:pass@host:port/db
	if m := mysqlBareHostPort.FindStringSubmatch(dsn); m != nil {
		fixed := m[1] + "@tcp(" + m[2] + ")" + m[3]
		if cfg, err := mysqldriver.ParseDSN(fixed); err == nil {
			return cfg.FormatDSN()
		}
	}
	return dsn
}

func sanitizeURLDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	q := ""
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest, q = rest[:i], rest[i:]
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return dsn
	}
	info := url.User(rest[:at])
	if user, pass, ok := strings.Cut(rest[:at], ":"); ok {
		info = url.UserPassword(user, pass)
	}
	return scheme + "://" + info.String() + "@" + rest[at+1:] + q
}

// positional renders a plain argument list for dialects without named
// arguments.
func positional(dialect string, placeholders, names []string) (string, error) {
	if names != nil {
		return "", fmt.Errorf("named function arguments are not supported by %s", dialect)
	}
	return strings.Join(placeholders, ", "), nil
}
