package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/approvalflow/internal/inbox"
	"github.com/petrijr/approvalflow/internal/persistence"
	"github.com/petrijr/approvalflow/internal/testutil"
	"github.com/petrijr/approvalflow/internal/timer"
	"github.com/petrijr/approvalflow/pkg/api"
)

var t0 = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

type persistenceFactory struct {
	name string
	new  func(t *testing.T) persistence.Persistence
}

func persistenceFactories() []persistenceFactory {
	return []persistenceFactory{
		{
			name: "in-memory",
			new: func(t *testing.T) persistence.Persistence {
				mem := persistence.NewInMemoryStore()
				return persistence.Persistence{Instances: mem, Ledger: mem, Inbox: inbox.NewInMemoryInbox()}
			},
		},
		{
			name: "sqlite",
			new: func(t *testing.T) persistence.Persistence {
				db := testutil.OpenSQLite(t)
				store, err := persistence.NewSQLiteStore(db)
				require.NoError(t, err)
				q, err := inbox.NewSQLiteInbox(db)
				require.NoError(t, err)
				return persistence.Persistence{Instances: store, Ledger: store, Inbox: q}
			},
		},
	}
}

// forEachBackend runs fn once per persistence backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, p persistence.Persistence)) {
	for _, f := range persistenceFactories() {
		t.Run(f.name, func(t *testing.T) {
			fn(t, f.new(t))
		})
	}
}

func fastPolicies(attempts int) api.RetryPolicies {
	p := api.RetryPolicy{
		InitialInterval:    time.Millisecond,
		BackoffCoefficient: 2,
		MaxInterval:        5 * time.Millisecond,
		MaxAttempts:        attempts,
	}
	return api.RetryPolicies{Standard: p, StatusUpdate: p, Notification: p}
}

// harness wires an engine to a fake clock and recording collaborators. The
// persistence, clock and collaborators outlive the engine so a test can
// "restart the process" with reopen.
type harness struct {
	p       persistence.Persistence
	clock   *timer.FakeClock
	c       *testutil.Collaborators
	metrics *api.BasicMetrics
	opts    api.Options
	runs    atomic.Int64
	eng     *engineImpl
}

func newHarness(t *testing.T, p persistence.Persistence, tune ...func(*api.Options)) *harness {
	t.Helper()
	c := testutil.NewCollaborators(
		api.Entity{ID: "inv-1", TenantID: "acme", Amount: 500, Requester: "rita", Status: "draft"},
		api.Entity{ID: "inv-2", TenantID: "acme", Amount: 12000, Requester: "sam", Status: "draft"},
		api.Entity{ID: "inv-3", TenantID: "globex", Amount: 90, Requester: "tess", Status: "draft"},
	)
	opts := api.DefaultOptions()
	opts.RetryPolicies = fastPolicies(3)
	opts.Lanes = 4
	for _, f := range tune {
		f(&opts)
	}
	h := &harness{
		p:       p,
		clock:   timer.NewFakeClock(t0),
		c:       c,
		metrics: &api.BasicMetrics{},
		opts:    opts,
	}
	h.eng = h.open(t)
	return h
}

func (h *harness) open(t *testing.T) *engineImpl {
	t.Helper()
	opts := h.opts
	opts.Observer = h.metrics
	eng, err := NewEngineWithConfig(Config{
		Persistence:   h.p,
		Collaborators: h.c.API(),
		Options:       opts,
		Clock:         h.clock,
		NewRunID: func() string {
			return fmt.Sprintf("run-%d", h.runs.Add(1))
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng.(*engineImpl)
}

// reopen closes the current engine and opens a new one over the same
// persistence, as a process restart would.
func (h *harness) reopen(t *testing.T) {
	t.Helper()
	require.NoError(t, h.eng.Close())
	h.eng = h.open(t)
}

func (h *harness) start(t *testing.T, entityID string, maxLevel int) api.StartResult {
	t.Helper()
	res, err := h.eng.Start(context.Background(), api.StartRequest{EntityID: entityID, MaxLevel: maxLevel, Actor: "requester"})
	require.NoError(t, err)
	h.drain(t)
	return res
}

// signal sends sig and waits until the actor has applied it and its
// activities have run.
func (h *harness) signal(t *testing.T, instanceID string, typ api.SignalType, actor string) api.Ack {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ack, err := h.eng.Signal(ctx, instanceID, api.Signal{Type: typ, Actor: actor, Comment: string(typ) + " by " + actor})
	require.NoError(t, err)
	require.NoError(t, h.eng.WaitProcessed(ctx, instanceID, ack.Seq))
	h.drain(t)
	return ack
}

func (h *harness) advance(t *testing.T, d time.Duration) {
	t.Helper()
	h.clock.Advance(d)
	h.drain(t)
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.eng.Drain(ctx))
}

func (h *harness) query(t *testing.T, instanceID string) *api.Instance {
	t.Helper()
	inst, err := h.eng.Query(context.Background(), instanceID)
	require.NoError(t, err)
	return inst
}
