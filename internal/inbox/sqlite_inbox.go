package inbox

import (
	"context"
	"database/sql"

	"github.com/petrijr/approvalflow/pkg/api"
)

// SQLiteInbox is a persistent Inbox backed by SQLite. The AUTOINCREMENT
// key is the global message sequence, so sequence numbers are never reused
// even after messages are acknowledged. SQLite serializes writers, so rows
// become visible in seq order.
type SQLiteInbox struct {
	db *sql.DB
}

// NewSQLiteInbox initializes the inbox table in the given DB and returns a
// new inbox.
func NewSQLiteInbox(db *sql.DB) (*SQLiteInbox, error) {
	q := &SQLiteInbox{db: db}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteInbox) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS approval_inbox (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			message BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_approval_inbox_instance ON approval_inbox(instance_id, seq);
	`)
	return err
}

// Ensure SQLiteInbox implements Inbox.
var _ Inbox = (*SQLiteInbox)(nil)

func (q *SQLiteInbox) Enqueue(ctx context.Context, msg api.Message) (api.Message, error) {
	msg.Seq = 0
	data, err := EncodeMessage(msg)
	if err != nil {
		return api.Message{}, err
	}
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO approval_inbox (instance_id, message) VALUES (?, ?)`,
		msg.InstanceID, data,
	)
	if err != nil {
		return api.Message{}, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return api.Message{}, err
	}
	msg.Seq = seq
	return msg, nil
}

func (q *SQLiteInbox) Pending(ctx context.Context, instanceID string, afterSeq int64) ([]api.Message, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT seq, message FROM approval_inbox
		WHERE instance_id = ? AND seq > ?
		ORDER BY seq ASC`, instanceID, afterSeq)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (q *SQLiteInbox) Ack(ctx context.Context, instanceID string, seq int64) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM approval_inbox WHERE instance_id = ? AND seq = ?`, instanceID, seq)
	return err
}

func (q *SQLiteInbox) PendingInstances(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT DISTINCT instance_id FROM approval_inbox ORDER BY instance_id`)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (q *SQLiteInbox) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM approval_inbox`).Scan(&n); err != nil {
		return 0
	}
	return n
}

func scanMessages(rows *sql.Rows) ([]api.Message, error) {
	defer rows.Close()
	var out []api.Message
	for rows.Next() {
		var (
			seq  int64
			data []byte
		)
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, err
		}
		m, err := DecodeMessage(data)
		if err != nil {
			return nil, err
		}
		m.Seq = seq
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
