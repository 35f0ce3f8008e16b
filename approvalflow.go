package approvalflow

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/approvalflow/internal/engine"
	"github.com/petrijr/approvalflow/pkg/api"
	"github.com/petrijr/approvalflow/pkg/archive"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine              = api.Engine
	Instance            = api.Instance
	Event               = api.Event
	Decision            = api.Decision
	Signal              = api.Signal
	SignalType          = api.SignalType
	Ack                 = api.Ack
	StartRequest        = api.StartRequest
	StartResult         = api.StartResult
	InstanceListOptions = api.InstanceListOptions
	Status              = api.Status
	Options             = api.Options
	TenantOptions       = api.TenantOptions
	RetryPolicy         = api.RetryPolicy
	RetryPolicies       = api.RetryPolicies
	RetryBuilder        = api.RetryBuilder
	Collaborators       = api.Collaborators
	Entity              = api.Entity
	EntityService       = api.EntityService
	ApproverResolver    = api.ApproverResolver
	Notifier            = api.Notifier
	AuditSink           = api.AuditSink
	Observer            = api.Observer
	LoggingObserver     = api.LoggingObserver
	BasicMetrics        = api.BasicMetrics
	CompositeObserver   = api.CompositeObserver
	NoopObserver        = api.NoopObserver
)

// Re-export common helpers.

var (
	DefaultOptions       = api.DefaultOptions
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	InstanceIDFor        = api.InstanceIDFor
	Retry                = api.Retry
	RetryFrom            = api.RetryFrom
)

// Re-export status and signal values for convenience.

const (
	StatusRunning   = api.StatusRunning
	StatusApproved  = api.StatusApproved
	StatusRejected  = api.StatusRejected
	StatusCancelled = api.StatusCancelled

	SignalApprove = api.SignalApprove
	SignalReject  = api.SignalReject
	SignalCancel  = api.SignalCancel
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine(c Collaborators, opts Options) (Engine, error) {
	return engine.NewInMemoryEngine(c, opts)
}

// NewSQLiteEngine returns an Engine that persists instances, history, the
// activity ledger and the signal inbox in a SQLite database.
func NewSQLiteEngine(db *sql.DB, c Collaborators, opts Options) (Engine, error) {
	return engine.NewSQLiteEngine(db, c, opts)
}

// NewPostgresEngine returns an Engine that persists everything in PostgreSQL.
func NewPostgresEngine(db *sql.DB, c Collaborators, opts Options) (Engine, error) {
	return engine.NewPostgresEngine(db, c, opts)
}

// NewRedisEngine returns an Engine that persists everything in Redis under
// keys starting with prefix ("approvalflow:" if empty).
func NewRedisEngine(client *redis.Client, prefix string, c Collaborators, opts Options) (Engine, error) {
	return engine.NewRedisEngine(client, prefix, c, opts)
}

// NewMongoEngine returns an Engine that persists everything in MongoDB.
func NewMongoEngine(client *mongo.Client, dbName string, c Collaborators, opts Options) (Engine, error) {
	return engine.NewMongoEngine(client, dbName, c, opts)
}

// Convenience helpers that just forward to the underlying Engine.

// Approve signals an approval by actor and waits until the instance actor
// has applied it. It returns the resulting snapshot.
func Approve(ctx context.Context, eng Engine, instanceID, actor, comment string) (*Instance, error) {
	return SignalAndWait(ctx, eng, instanceID, Signal{Type: SignalApprove, Actor: actor, Comment: comment})
}

// Reject is Approve for a rejection.
func Reject(ctx context.Context, eng Engine, instanceID, actor, comment string) (*Instance, error) {
	return SignalAndWait(ctx, eng, instanceID, Signal{Type: SignalReject, Actor: actor, Comment: comment})
}

// SignalAndWait sends sig and blocks until it has been applied or discarded.
func SignalAndWait(ctx context.Context, eng Engine, instanceID string, sig Signal) (*Instance, error) {
	ack, err := eng.Signal(ctx, instanceID, sig)
	if err != nil {
		return nil, err
	}
	if err := eng.WaitProcessed(ctx, instanceID, ack.Seq); err != nil {
		return nil, err
	}
	return eng.Query(ctx, instanceID)
}

// Recover delegates to eng.Recover.
//
// It is typically called on process startup before serving requests:
//
//	n, err := approvalflow.Recover(ctx, eng)
func Recover(ctx context.Context, eng Engine) (int, error) {
	return eng.Recover(ctx)
}

// Archive exports terminal instances last updated before olderThan through
// a and purges them from eng.
func Archive(ctx context.Context, eng Engine, a archive.Archiver, olderThan time.Time) (archive.Result, error) {
	return archive.Sweep(ctx, eng, a, olderThan)
}
