// Package datum maps an endpoint's schemas, relations, rows, fields and
// functions onto an object graph. Every node is addressed by an identity
// from package identity and fetched through a transport.Endpoint.
package datum

import (
	"context"
	"log/slog"
	"sync"

	"github.com/faucetdb/datum/internal/identity"
	"github.com/faucetdb/datum/internal/model"
	"github.com/faucetdb/datum/internal/transport"
)

// DefaultPrimaryKey is the primary key column assumed for relations whose
// key has not been reported by the endpoint yet.
const DefaultPrimaryKey = "id"

// Database is the root of the graph.
type Database struct {
	ep         *transport.Endpoint
	logger     *slog.Logger
	primaryKey string

	mu  sync.RWMutex
	pks map[identity.RelationID]string
}

// Option configures a Database.
type Option func(*Database)

// WithPrimaryKey sets the primary key naming convention.
func WithPrimaryKey(name string) Option {
	return func(db *Database) {
		if name != "" {
			db.primaryKey = name
		}
	}
}

// WithLogger sets the logger. The endpoint's logger is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(db *Database) {
		if l != nil {
			db.logger = l
		}
	}
}

// New returns a Database backed by ep.
func New(ep *transport.Endpoint, opts ...Option) *Database {
	db := &Database{
		ep:         ep,
		logger:     ep.Logger(),
		primaryKey: DefaultPrimaryKey,
		pks:        make(map[identity.RelationID]string),
	}
	for _, o := range opts {
		o(db)
	}
	return db
}

// Endpoint returns the transport used by the database.
func (db *Database) Endpoint() *transport.Endpoint { return db.ep }

// Close closes the endpoint's socket, if any.
func (db *Database) Close() error { return db.ep.Close() }

// Schema returns the named schema. No request is made.
func (db *Database) Schema(name string) *Schema {
	return &Schema{db: db, id: identity.SchemaID{Name: name}}
}

// Relation returns the relation with the given id.
func (db *Database) Relation(id identity.RelationID) *Relation {
	return db.Schema(id.Schema.Name).Relation(id.Name)
}

// Row fetches the row with the given id.
func (db *Database) Row(ctx context.Context, id identity.RowID) (*Row, error) {
	return db.Relation(id.Relation).RowBy(ctx, id.PKColumn, id.PKValue, nil)
}

// NewSession asks the endpoint for a session. The session cookie it sets
// replaces the current one, which drops the response cache on the next
// request.
func (db *Database) NewSession(ctx context.Context) (string, error) {
	env, err := db.ep.Post(ctx, transport.Path("/session"), nil, map[string]any{})
	if err != nil {
		return "", model.NewOperationError("Session request", err)
	}
	if env.Len() == 0 {
		return "", model.NewOperationError("Session request", model.ErrEmptyResponse)
	}
	id, _ := env.Result[0].Row["session_id"].(string)
	if id == "" {
		return "", model.NewOperationError("Session request", model.ErrEmptyResponse)
	}
	// Over the socket no cookie is set, so store the session ourselves.
	db.ep.SetSession(id)
	if db.ep.Stats().Connected {
		if err := db.ep.Attach(ctx, id); err != nil {
			db.logger.Warn("attaching new session failed", "error", err)
		}
	}
	return id, nil
}

// EndSession logs the current session out.
func (db *Database) EndSession(ctx context.Context) error {
	_, err := db.ep.Delete(ctx, transport.Path("/session"), nil)
	return model.NewOperationError("Session request", err)
}

// learnPK records the primary key the endpoint reported for a relation.
func (db *Database) learnPK(rel identity.RelationID, pk string) {
	if pk == "" {
		return
	}
	db.mu.Lock()
	db.pks[rel] = pk
	db.mu.Unlock()
}

// primaryKeyOf returns the reported primary key of rel, or the convention.
func (db *Database) primaryKeyOf(rel identity.RelationID) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if pk, ok := db.pks[rel]; ok {
		return pk
	}
	return db.primaryKey
}
