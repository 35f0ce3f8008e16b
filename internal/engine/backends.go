package engine

import (
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/approvalflow/internal/inbox"
	"github.com/petrijr/approvalflow/internal/persistence"
	"github.com/petrijr/approvalflow/pkg/api"
)

// NewSQLiteEngine returns an engine that keeps snapshots, history, ledger and
// inbox in one SQLite database.
func NewSQLiteEngine(db *sql.DB, c api.Collaborators, opts api.Options) (api.Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	q, err := inbox.NewSQLiteInbox(db)
	if err != nil {
		return nil, err
	}
	return newWith(persistence.Persistence{Instances: store, Ledger: store, Inbox: q}, c, opts)
}

// NewPostgresEngine is NewSQLiteEngine for PostgreSQL.
func NewPostgresEngine(db *sql.DB, c api.Collaborators, opts api.Options) (api.Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	q, err := inbox.NewPostgresInbox(db)
	if err != nil {
		return nil, err
	}
	return newWith(persistence.Persistence{Instances: store, Ledger: store, Inbox: q}, c, opts)
}

// NewRedisEngine stores everything under keys starting with prefix.
func NewRedisEngine(client *redis.Client, prefix string, c api.Collaborators, opts api.Options) (api.Engine, error) {
	store := persistence.NewRedisStore(client, prefix)
	q := inbox.NewRedisInbox(client, prefix)
	return newWith(persistence.Persistence{Instances: store, Ledger: store, Inbox: q}, c, opts)
}

// NewMongoEngine stores everything in database dbName.
func NewMongoEngine(client *mongo.Client, dbName string, c api.Collaborators, opts api.Options) (api.Engine, error) {
	store := persistence.NewMongoStore(client, dbName)
	q := inbox.NewMongoInbox(client, dbName)
	return newWith(persistence.Persistence{Instances: store, Ledger: store, Inbox: q}, c, opts)
}

func newWith(p persistence.Persistence, c api.Collaborators, opts api.Options) (api.Engine, error) {
	return NewEngineWithConfig(Config{Persistence: p, Collaborators: c, Options: opts})
}
