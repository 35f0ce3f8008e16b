package inbox

import (
	"context"
	"database/sql"

	"github.com/petrijr/approvalflow/pkg/api"
)

// PostgresInbox is a persistent Inbox backed by PostgreSQL. The BIGSERIAL
// key is the global message sequence.
//
// It expects an *sql.DB that uses a PostgreSQL driver, for example
// "github.com/jackc/pgx/v5/stdlib".
type PostgresInbox struct {
	db *sql.DB
}

// NewPostgresInbox initializes the inbox table and returns a new inbox.
func NewPostgresInbox(db *sql.DB) (*PostgresInbox, error) {
	q := &PostgresInbox{db: db}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *PostgresInbox) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS approval_inbox (
			seq BIGSERIAL PRIMARY KEY,
			instance_id TEXT NOT NULL,
			message BYTEA NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_approval_inbox_instance ON approval_inbox(instance_id, seq);
	`)
	return err
}

// Ensure PostgresInbox implements Inbox.
var _ Inbox = (*PostgresInbox)(nil)

// Enqueue inserts under a transaction-scoped advisory lock on the instance.
// Sequence values for one instance are therefore drawn and committed one
// writer at a time, and a reader never sees seq N+1 of an instance before
// seq N.
func (q *PostgresInbox) Enqueue(ctx context.Context, msg api.Message) (api.Message, error) {
	msg.Seq = 0
	data, err := EncodeMessage(msg)
	if err != nil {
		return api.Message{}, err
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return api.Message{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, msg.InstanceID); err != nil {
		return api.Message{}, err
	}
	var seq int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO approval_inbox (instance_id, message) VALUES ($1, $2) RETURNING seq`,
		msg.InstanceID, data,
	).Scan(&seq)
	if err != nil {
		return api.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return api.Message{}, err
	}
	msg.Seq = seq
	return msg, nil
}

func (q *PostgresInbox) Pending(ctx context.Context, instanceID string, afterSeq int64) ([]api.Message, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT seq, message FROM approval_inbox
		WHERE instance_id = $1 AND seq > $2
		ORDER BY seq ASC`, instanceID, afterSeq)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (q *PostgresInbox) Ack(ctx context.Context, instanceID string, seq int64) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM approval_inbox WHERE instance_id = $1 AND seq = $2`, instanceID, seq)
	return err
}

func (q *PostgresInbox) PendingInstances(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT DISTINCT instance_id FROM approval_inbox ORDER BY instance_id`)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (q *PostgresInbox) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM approval_inbox`).Scan(&n); err != nil {
		return 0
	}
	return n
}
