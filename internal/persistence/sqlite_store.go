package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/approvalflow/pkg/api"
)

// SQLiteStore is an InstanceStore and ActivityLedger backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements the interfaces.
var _ InstanceStore = (*SQLiteStore)(nil)

var _ ActivityLedger = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS approval_instances (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			seq INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			snapshot BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_approval_instances_status ON approval_instances(status);
		CREATE TABLE IF NOT EXISTS approval_events (
			instance_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			run_id TEXT NOT NULL,
			type TEXT NOT NULL,
			inbox_seq INTEGER NOT NULL,
			at INTEGER NOT NULL,
			body BLOB,
			PRIMARY KEY (instance_id, seq)
		);
		CREATE TABLE IF NOT EXISTS approval_activities (
			key TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			finished_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_approval_activities_instance ON approval_activities(instance_id);
	`)
	return err
}

func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *api.Instance, ev api.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM approval_instances WHERE id = ?`, inst.InstanceID).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return ErrInstanceExists
	}

	snapshot, err := encodeSnapshot(inst)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO approval_instances (id, run_id, entity_id, tenant_id, status, seq, updated_at, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.InstanceID, inst.RunID, inst.EntityID, inst.TenantID, string(inst.Status),
		inst.Seq, inst.UpdatedAt.UnixNano(), snapshot,
	); err != nil {
		return err
	}
	if err := s.insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendTransition(ctx context.Context, inst *api.Instance, ev api.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var cur int64
	err = tx.QueryRowContext(ctx, `SELECT seq FROM approval_instances WHERE id = ?`, inst.InstanceID).Scan(&cur)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInstanceNotFound
		}
		return err
	}
	if ev.Seq != cur+1 || inst.Seq != ev.Seq {
		return fmt.Errorf("%w: stored seq %d, event seq %d", ErrConflict, cur, ev.Seq)
	}

	snapshot, err := encodeSnapshot(inst)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE approval_instances
		SET run_id = ?, status = ?, seq = ?, updated_at = ?, snapshot = ?
		WHERE id = ? AND seq = ?`,
		inst.RunID, string(inst.Status), inst.Seq, inst.UpdatedAt.UnixNano(), snapshot,
		inst.InstanceID, cur,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConflict
	}
	if err := s.insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) insertEvent(ctx context.Context, tx *sql.Tx, ev api.Event) error {
	body, err := encodeEventBody(ev)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO approval_events (instance_id, seq, run_id, type, inbox_seq, at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.InstanceID, ev.Seq, ev.RunID, string(ev.Type), ev.InboxSeq, ev.At.UnixNano(), body,
	)
	return err
}

func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	var snapshot []byte
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM approval_instances WHERE id = ?`, id).Scan(&snapshot)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return decodeSnapshot(snapshot)
}

func (s *SQLiteStore) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.Instance, error) {
	query := `SELECT snapshot FROM approval_instances`
	var args []any
	var clauses []string

	if opts.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.EntityID != "" {
		clauses = append(clauses, "entity_id = ?")
		args = append(args, opts.EntityID)
	}
	if opts.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, opts.TenantID)
	}
	if !opts.UpdatedBefore.IsZero() {
		clauses = append(clauses, "updated_at < ?")
		args = append(args, opts.UpdatedBefore.UnixNano())
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.Instance
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		inst, err := decodeSnapshot(snapshot)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *SQLiteStore) ListEvents(ctx context.Context, id string) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, seq, run_id, type, inbox_seq, at, body
		FROM approval_events
		WHERE instance_id = ?
		ORDER BY seq ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		var (
			ev   api.Event
			typ  string
			atN  int64
			body []byte
		)
		if err := rows.Scan(&ev.InstanceID, &ev.Seq, &ev.RunID, &typ, &ev.InboxSeq, &atN, &body); err != nil {
			return nil, err
		}
		ev.Type = api.EventType(typ)
		ev.At = time.Unix(0, atN).UTC()
		if err := decodeEventBody(body, &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteInstance(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM approval_instances WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrInstanceNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM approval_events WHERE instance_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM approval_activities WHERE instance_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetActivity(ctx context.Context, key string) (api.ActivityRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, instance_id, name, status, attempts, error, finished_at
		FROM approval_activities WHERE key = ?`, key)
	rec, err := scanActivity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return api.ActivityRecord{}, ErrActivityNotFound
	}
	return rec, err
}

func (s *SQLiteStore) SaveActivity(ctx context.Context, rec api.ActivityRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_activities (key, instance_id, name, status, attempts, error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			error = excluded.error,
			finished_at = excluded.finished_at`,
		rec.Key, rec.InstanceID, string(rec.Name), string(rec.Status), rec.Attempts, rec.Error, rec.FinishedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) ListActivities(ctx context.Context, instanceID string) ([]api.ActivityRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, instance_id, name, status, attempts, error, finished_at
		FROM approval_activities WHERE instance_id = ? ORDER BY key`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.ActivityRecord
	for rows.Next() {
		rec, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivity(row rowScanner) (api.ActivityRecord, error) {
	var (
		rec            api.ActivityRecord
		name, status   string
		finishedAtNano int64
	)
	if err := row.Scan(&rec.Key, &rec.InstanceID, &name, &status, &rec.Attempts, &rec.Error, &finishedAtNano); err != nil {
		return api.ActivityRecord{}, err
	}
	rec.Name = api.ActivityName(name)
	rec.Status = api.ActivityStatus(status)
	rec.FinishedAt = time.Unix(0, finishedAtNano).UTC()
	return rec, nil
}
