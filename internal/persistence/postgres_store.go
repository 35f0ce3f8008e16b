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

// PostgresStore is an InstanceStore and ActivityLedger backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresStore struct {
	db *sql.DB
}

var _ InstanceStore = (*PostgresStore)(nil)

var _ ActivityLedger = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema in the given database and
// returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	p := &PostgresStore{db: db}
	if err := p.initSchema(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PostgresStore) initSchema() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS approval_instances (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			seq BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			snapshot BYTEA NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_approval_instances_status ON approval_instances(status);
		CREATE TABLE IF NOT EXISTS approval_events (
			instance_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			run_id TEXT NOT NULL,
			type TEXT NOT NULL,
			inbox_seq BIGINT NOT NULL,
			at BIGINT NOT NULL,
			body BYTEA,
			PRIMARY KEY (instance_id, seq)
		);
		CREATE TABLE IF NOT EXISTS approval_activities (
			key TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			finished_at BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_approval_activities_instance ON approval_activities(instance_id);
	`)
	return err
}

func (p *PostgresStore) CreateInstance(ctx context.Context, inst *api.Instance, ev api.Event) error {
	snapshot, err := encodeSnapshot(inst)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO approval_instances (id, run_id, entity_id, tenant_id, status, seq, updated_at, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		inst.InstanceID, inst.RunID, inst.EntityID, inst.TenantID, string(inst.Status),
		inst.Seq, inst.UpdatedAt.UnixNano(), snapshot,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInstanceExists
	}
	if err := p.insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) AppendTransition(ctx context.Context, inst *api.Instance, ev api.Event) error {
	snapshot, err := encodeSnapshot(inst)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var cur int64
	err = tx.QueryRowContext(ctx, `SELECT seq FROM approval_instances WHERE id = $1 FOR UPDATE`, inst.InstanceID).Scan(&cur)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInstanceNotFound
		}
		return err
	}
	if ev.Seq != cur+1 || inst.Seq != ev.Seq {
		return fmt.Errorf("%w: stored seq %d, event seq %d", ErrConflict, cur, ev.Seq)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE approval_instances
		SET run_id = $1, status = $2, seq = $3, updated_at = $4, snapshot = $5
		WHERE id = $6`,
		inst.RunID, string(inst.Status), inst.Seq, inst.UpdatedAt.UnixNano(), snapshot, inst.InstanceID,
	); err != nil {
		return err
	}
	if err := p.insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) insertEvent(ctx context.Context, tx *sql.Tx, ev api.Event) error {
	body, err := encodeEventBody(ev)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO approval_events (instance_id, seq, run_id, type, inbox_seq, at, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.InstanceID, ev.Seq, ev.RunID, string(ev.Type), ev.InboxSeq, ev.At.UnixNano(), body,
	)
	return err
}

func (p *PostgresStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	var snapshot []byte
	err := p.db.QueryRowContext(ctx, `SELECT snapshot FROM approval_instances WHERE id = $1`, id).Scan(&snapshot)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return decodeSnapshot(snapshot)
}

func (p *PostgresStore) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.Instance, error) {
	var (
		args    []any
		clauses []string
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.Status != "" {
		clauses = append(clauses, "status = "+arg(string(opts.Status)))
	}
	if opts.EntityID != "" {
		clauses = append(clauses, "entity_id = "+arg(opts.EntityID))
	}
	if opts.TenantID != "" {
		clauses = append(clauses, "tenant_id = "+arg(opts.TenantID))
	}
	if !opts.UpdatedBefore.IsZero() {
		clauses = append(clauses, "updated_at < "+arg(opts.UpdatedBefore.UnixNano()))
	}

	query := `SELECT snapshot FROM approval_instances`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Instance
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		inst, err := decodeSnapshot(snapshot)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListEvents(ctx context.Context, id string) ([]api.Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT instance_id, seq, run_id, type, inbox_seq, at, body
		FROM approval_events
		WHERE instance_id = $1
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

func (p *PostgresStore) DeleteInstance(ctx context.Context, id string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM approval_instances WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrInstanceNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM approval_events WHERE instance_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM approval_activities WHERE instance_id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetActivity(ctx context.Context, key string) (api.ActivityRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT key, instance_id, name, status, attempts, error, finished_at
		FROM approval_activities WHERE key = $1`, key)
	rec, err := scanActivity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return api.ActivityRecord{}, ErrActivityNotFound
	}
	return rec, err
}

func (p *PostgresStore) SaveActivity(ctx context.Context, rec api.ActivityRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO approval_activities (key, instance_id, name, status, attempts, error, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at`,
		rec.Key, rec.InstanceID, string(rec.Name), string(rec.Status), rec.Attempts, rec.Error, rec.FinishedAt.UnixNano(),
	)
	return err
}

func (p *PostgresStore) ListActivities(ctx context.Context, instanceID string) ([]api.ActivityRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT key, instance_id, name, status, attempts, error, finished_at
		FROM approval_activities WHERE instance_id = $1 ORDER BY key`, instanceID)
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
