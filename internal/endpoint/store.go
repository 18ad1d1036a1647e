package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/faucetdb/datum/internal/identity"
	"github.com/faucetdb/datum/internal/model"
	"github.com/faucetdb/datum/internal/query"
)

// Errors the store reports for requests it refuses before the database sees
// them.
var (
	ErrBadRequest  = errors.New("bad request")
	ErrRowNotFound = errors.New("row not found")
)

func badRequest(err error) error {
	return fmt.Errorf("%w: %w", ErrBadRequest, err)
}

// typeName matches a declared parameter type such as "text", "integer[]" or
// "character varying".
var typeName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_ ]*(\[\])?$`)

// Store runs endpoint operations against one database.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	builder query.Builder

	mu  sync.RWMutex
	pks map[string]string
}

// NewStore returns a store over db.
func NewStore(db *sqlx.DB, d Dialect) *Store {
	return &Store{
		db:      db,
		dialect: d,
		builder: d.Builder(),
		pks:     make(map[string]string),
	}
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sqlx.DB { return s.db }

// Dialect returns the store's dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// PrimaryKey returns the primary key column of schema.relation, or "" when it
// has none. Keys are cached once found.
func (s *Store) PrimaryKey(ctx context.Context, schema, relation string) (string, error) {
	key := schema + "." + relation
	s.mu.RLock()
	pk, ok := s.pks[key]
	s.mu.RUnlock()
	if ok {
		return pk, nil
	}

	pk, err := s.dialect.PrimaryKey(ctx, s.db, schema, relation)
	if err != nil {
		return "", fmt.Errorf("primary key of %s: %w", key, err)
	}
	if pk != "" {
		s.mu.Lock()
		s.pks[key] = pk
		s.mu.Unlock()
	}
	return pk, nil
}

// Select returns the rows of schema.relation matching opts.
func (s *Store) Select(ctx context.Context, schema, relation string, opts *query.Options) (*model.Envelope, error) {
	return s.selectRows(ctx, s.db, schema, relation, nil, opts)
}

// SelectRow returns the row whose primary key is key. The result is empty
// when there is no such row.
func (s *Store) SelectRow(ctx context.Context, schema, relation, key string, opts *query.Options) (*model.Envelope, error) {
	return s.selectRows(ctx, s.db, schema, relation, &key, opts)
}

// Field returns one column of the row whose primary key is key.
func (s *Store) Field(ctx context.Context, schema, relation, key, column string, opts *query.Options) (*model.Envelope, error) {
	o := opts.Clone()
	o.Include = []string{column}
	o.Exclude = nil
	return s.selectRows(ctx, s.db, schema, relation, &key, o)
}

// Insert adds rows to schema.relation inside one transaction and returns
// them as stored.
func (s *Store) Insert(ctx context.Context, schema, relation string, rows []map[string]any, opts *query.Options) (*model.Envelope, error) {
	table, err := s.table(schema, relation)
	if err != nil {
		return nil, err
	}
	pk, err := s.PrimaryKey(ctx, schema, relation)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	out := &model.Envelope{Result: []model.Tuple{}}
	for _, row := range rows {
		env, err := s.insertOne(ctx, tx, schema, relation, table, pk, row, opts)
		if err != nil {
			return nil, err
		}
		out.Columns = env.Columns
		out.PK = env.PK
		out.Result = append(out.Result, env.Result...)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) insertOne(ctx context.Context, tx *sqlx.Tx, schema, relation, table, pk string, row map[string]any, opts *query.Options) (*model.Envelope, error) {
	names := slices.Sorted(maps.Keys(row))
	cols := make([]string, len(names))
	phs := make([]string, len(names))
	params := make([]any, len(names))
	for i, name := range names {
		if err := query.ValidateIdentifier(name); err != nil {
			return nil, badRequest(err)
		}
		cols[i] = s.builder.Quote(name)
		phs[i] = s.builder.Placeholder(i + 1)
		params[i] = sqlParam(row[name])
	}

	stmt, returning := s.dialect.Insert(table, cols, phs)
	if returning {
		return s.query(ctx, tx, stmt, params, pk, opts)
	}

	res, err := tx.ExecContext(ctx, stmt, params...)
	if err != nil {
		return nil, err
	}
	if pk == "" {
		env := &model.Envelope{Result: []model.Tuple{{Row: maps.Clone(row)}}}
		if opts.WantsMetadata() {
			env.Columns = make([]model.ColumnMeta, 0, len(names))
			for _, name := range names {
				env.Columns = append(env.Columns, model.ColumnMeta{Name: name})
			}
		}
		return env, nil
	}
	var key string
	if v, ok := row[pk]; ok {
		key = identity.FormatValue(v)
	} else {
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("reading inserted key: %w", err)
		}
		key = fmt.Sprint(id)
	}
	return s.selectRows(ctx, tx, schema, relation, &key, opts)
}

// Update sets the given columns of the row whose primary key is key and
// returns the row as stored. An empty update only reads the row.
func (s *Store) Update(ctx context.Context, schema, relation, key string, data map[string]any, opts *query.Options) (*model.Envelope, error) {
	table, err := s.table(schema, relation)
	if err != nil {
		return nil, err
	}
	pk, err := s.keyColumn(ctx, schema, relation)
	if err != nil {
		return nil, err
	}

	if len(data) > 0 {
		names := slices.Sorted(maps.Keys(data))
		sets := make([]string, len(names))
		params := make([]any, 0, len(names)+1)
		for i, name := range names {
			if err := query.ValidateIdentifier(name); err != nil {
				return nil, badRequest(err)
			}
			sets[i] = s.builder.Quote(name) + " = " + s.builder.Placeholder(i+1)
			params = append(params, sqlParam(data[name]))
		}
		params = append(params, key)
		stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "),
			s.dialect.KeyEquals(s.builder.Quote(pk), s.builder.Placeholder(len(params))))
		if _, err := s.db.ExecContext(ctx, stmt, params...); err != nil {
			return nil, err
		}
		if v, ok := data[pk]; ok {
			key = identity.FormatValue(v)
		}
	}

	env, err := s.selectRows(ctx, s.db, schema, relation, &key, opts)
	if err != nil {
		return nil, err
	}
	if env.Len() == 0 {
		return nil, ErrRowNotFound
	}
	return env, nil
}

// Delete removes the row whose primary key is key and returns it as it was.
func (s *Store) Delete(ctx context.Context, schema, relation, key string, opts *query.Options) (*model.Envelope, error) {
	table, err := s.table(schema, relation)
	if err != nil {
		return nil, err
	}
	pk, err := s.keyColumn(ctx, schema, relation)
	if err != nil {
		return nil, err
	}
	env, err := s.selectRows(ctx, s.db, schema, relation, &key, opts)
	if err != nil {
		return nil, err
	}
	if env.Len() == 0 {
		return nil, ErrRowNotFound
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", table,
		s.dialect.KeyEquals(s.builder.Quote(pk), s.builder.Placeholder(1)))
	if _, err := s.db.ExecContext(ctx, stmt, key); err != nil {
		return nil, err
	}
	return env, nil
}

// Call invokes schema.name with the arguments in opts.Args. types, when not
// nil, are the declared parameter types from the function's URL.
func (s *Store) Call(ctx context.Context, schema, name string, types []string, opts *query.Options) (*model.Envelope, error) {
	if err := query.ValidateIdentifier(schema); err != nil {
		return nil, badRequest(fmt.Errorf("invalid schema: %w", err))
	}
	if err := query.ValidateIdentifier(name); err != nil {
		return nil, badRequest(fmt.Errorf("invalid function: %w", err))
	}
	var args any
	if opts != nil {
		args = opts.Args
	}
	vals, names, err := functionArgs(args)
	if err != nil {
		return nil, badRequest(err)
	}
	if types != nil {
		if len(types) != len(vals) {
			return nil, badRequest(fmt.Errorf("%s.%s takes %d arguments, got %d", schema, name, len(types), len(vals)))
		}
		for _, t := range types {
			if !typeName.MatchString(t) {
				return nil, badRequest(fmt.Errorf("invalid parameter type %q", t))
			}
		}
	}
	phs := make([]string, len(vals))
	for i := range vals {
		phs[i] = s.builder.Placeholder(i + 1)
	}
	stmt, err := s.dialect.Call(schema, name, phs, names, types)
	if err != nil {
		return nil, badRequest(err)
	}
	return s.query(ctx, s.db, stmt, vals, "", opts)
}

func (s *Store) table(schema, relation string) (string, error) {
	name, err := s.builder.QualifiedName(schema, relation)
	if err != nil {
		return "", badRequest(err)
	}
	return name, nil
}

func (s *Store) keyColumn(ctx context.Context, schema, relation string) (string, error) {
	pk, err := s.PrimaryKey(ctx, schema, relation)
	if err != nil {
		return "", err
	}
	if pk == "" {
		return "", badRequest(fmt.Errorf("%s.%s has no primary key", schema, relation))
	}
	return pk, nil
}

// selectRows renders and runs a SELECT. A non-nil key restricts it to the
// row with that primary key.
func (s *Store) selectRows(ctx context.Context, q sqlx.QueryerContext, schema, relation string, key *string, opts *query.Options) (*model.Envelope, error) {
	table, err := s.table(schema, relation)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &query.Options{}
	}
	cols, err := s.builder.QuoteIdentifiers(opts.Include)
	if err != nil {
		return nil, badRequest(err)
	}
	where, params, err := s.builder.Where(opts.Where, 1)
	if err != nil {
		return nil, badRequest(err)
	}
	order, err := s.builder.Order(opts.OrderBy)
	if err != nil {
		return nil, badRequest(err)
	}

	var pk string
	if key != nil {
		if pk, err = s.keyColumn(ctx, schema, relation); err != nil {
			return nil, err
		}
	} else if opts.WantsMetadata() {
		if pk, err = s.PrimaryKey(ctx, schema, relation); err != nil {
			return nil, err
		}
	}

	var conds []string
	if where != "" {
		conds = append(conds, where)
	}
	if key != nil {
		params = append(params, *key)
		conds = append(conds, s.dialect.KeyEquals(s.builder.Quote(pk), s.builder.Placeholder(len(params))))
	}

	stmt := "SELECT " + cols + " FROM " + table
	if len(conds) > 0 {
		stmt += " WHERE " + strings.Join(conds, " AND ")
	}
	if order != "" {
		stmt += " " + order
	}
	if page := s.dialect.Page(opts.Limit, opts.Offset, order != ""); page != "" {
		stmt += " " + page
	}
	return s.query(ctx, q, stmt, params, pk, opts)
}

func (s *Store) query(ctx context.Context, q sqlx.QueryerContext, stmt string, params []any, pk string, opts *query.Options) (*model.Envelope, error) {
	rows, err := q.QueryxContext(ctx, stmt, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEnvelope(rows, pk, opts)
}

func scanEnvelope(rows *sqlx.Rows, pk string, opts *query.Options) (*model.Envelope, error) {
	var exclude []string
	if opts != nil {
		exclude = opts.Exclude
	}

	env := &model.Envelope{Result: []model.Tuple{}}
	if opts.WantsMetadata() {
		types, err := rows.ColumnTypes()
		if err != nil {
			return nil, err
		}
		env.Columns = make([]model.ColumnMeta, 0, len(types))
		for _, ct := range types {
			if slices.Contains(exclude, ct.Name()) {
				continue
			}
			env.Columns = append(env.Columns, model.ColumnMeta{
				Name: ct.Name(),
				Type: strings.ToLower(ct.DatabaseTypeName()),
			})
		}
		env.PK = pk
	}

	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		cleanMapValues(row)
		for _, col := range exclude {
			delete(row, col)
		}
		env.Result = append(env.Result, model.Tuple{Row: row})
	}
	return env, rows.Err()
}

// cleanMapValues converts []byte values to strings so they encode as JSON
// text rather than base64.
func cleanMapValues(m map[string]any) {
	for k, v := range m {
		if b, ok := v.([]byte); ok {
			m[k] = string(b)
		}
	}
}

// sqlParam passes objects and lists as their JSON text.
func sqlParam(v any) any {
	switch v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return string(b)
	}
	return v
}

// functionArgs unpacks {"vals": [...]} or {"kwargs": {...}}. Named arguments
// are returned sorted by name.
func functionArgs(args any) (vals []any, names []string, err error) {
	if args == nil {
		return nil, nil, nil
	}
	m, ok := args.(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf(`args must be {"vals": [...]} or {"kwargs": {...}}`)
	}
	if v, ok := m["vals"]; ok {
		list, ok := v.([]any)
		if !ok {
			return nil, nil, fmt.Errorf("args vals must be a list")
		}
		for _, x := range list {
			vals = append(vals, sqlParam(x))
		}
		return vals, nil, nil
	}
	if v, ok := m["kwargs"]; ok {
		kw, ok := v.(map[string]any)
		if !ok {
			return nil, nil, fmt.Errorf("args kwargs must be an object")
		}
		if len(kw) == 0 {
			return nil, nil, nil
		}
		names = slices.Sorted(maps.Keys(kw))
		for _, n := range names {
			if err := query.ValidateIdentifier(n); err != nil {
				return nil, nil, fmt.Errorf("invalid argument name: %w", err)
			}
			vals = append(vals, sqlParam(kw[n]))
		}
		return vals, names, nil
	}
	if len(m) == 0 {
		return nil, nil, nil
	}
	return nil, nil, fmt.Errorf(`args must be {"vals": [...]} or {"kwargs": {...}}`)
}
