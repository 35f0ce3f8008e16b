package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/approvalflow/internal/testutil"
	"github.com/petrijr/approvalflow/pkg/api"
	"github.com/petrijr/approvalflow/pkg/audit"
	"github.com/petrijr/approvalflow/pkg/config"
	"github.com/petrijr/approvalflow/pkg/notify"
)

func TestCollaboratorsRequireEntitiesURL(t *testing.T) {
	_, _, err := collaborators(config.Default(), slog.New(slog.DiscardHandler))
	require.ErrorContains(t, err, "entities_url")
}

func TestCollaboratorsDefaultToLogAdapters(t *testing.T) {
	cfg := config.Default()
	cfg.Directory.EntitiesURL = "http://entities.internal"
	cfg.Directory.Approvers = map[int]string{1: "lead"}

	c, closeFn, err := collaborators(cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer closeFn()
	require.IsType(t, &notify.LogNotifier{}, c.Notifier)
	require.IsType(t, &audit.LogSink{}, c.Audit)

	approver, err := c.Approvers.ResolveApprover(context.Background(), "inv-1", 1)
	require.NoError(t, err)
	require.Equal(t, "lead", approver)
}

func TestOpenSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default().Storage
	cfg.DSN = filepath.Join(t.TempDir(), "approvals.db")

	c := testutil.NewCollaborators(api.Entity{ID: "inv-1", TenantID: "acme", Amount: 10})
	b, err := openBackend(ctx, cfg, c.API(), api.DefaultOptions())
	require.NoError(t, err)
	defer b.close()
	require.NoError(t, b.ping(ctx))

	res, err := b.engine.Start(ctx, api.StartRequest{EntityID: "inv-1", MaxLevel: 1})
	require.NoError(t, err)
	require.NoError(t, b.engine.Close())

	// reopen over the same file
	b2, err := openBackend(ctx, cfg, c.API(), api.DefaultOptions())
	require.NoError(t, err)
	defer b2.close()
	defer b2.engine.Close()
	n, err := b2.engine.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	inst, err := b2.engine.Query(ctx, res.InstanceID)
	require.NoError(t, err)
	require.Equal(t, api.StatusRunning, inst.Status)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := openBackend(context.Background(), config.Storage{Backend: "etcd"}, api.Collaborators{}, api.DefaultOptions())
	require.Error(t, err)
}

func TestNewLoggerLevels(t *testing.T) {
	l := newLogger(config.Log{Level: "debug", Format: "text"})
	require.True(t, l.Enabled(context.Background(), slog.LevelDebug))
	l = newLogger(config.Log{Level: "nonsense"})
	require.False(t, l.Enabled(context.Background(), slog.LevelDebug))
}
