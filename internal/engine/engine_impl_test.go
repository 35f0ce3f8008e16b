package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/approvalflow/internal/inbox"
	"github.com/petrijr/approvalflow/internal/machine"
	"github.com/petrijr/approvalflow/internal/persistence"
	"github.com/petrijr/approvalflow/internal/testutil"
	"github.com/petrijr/approvalflow/internal/timer"
	"github.com/petrijr/approvalflow/pkg/api"
)

func TestNewEngineRequiresPersistence(t *testing.T) {
	_, err := NewEngineWithConfig(Config{})
	require.ErrorIs(t, err, api.ErrInvalidRequest)

	mem := persistence.NewInMemoryStore()
	opts := api.DefaultOptions()
	opts.LevelTimeout = -time.Second
	_, err = NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Instances: mem, Ledger: mem, Inbox: inbox.NewInMemoryInbox()},
		Options:     opts,
	})
	require.ErrorIs(t, err, api.ErrInvalidRequest)
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, persistenceFactories()[0].new(t))
	ctx := context.Background()

	_, err := h.eng.Start(ctx, api.StartRequest{})
	require.ErrorIs(t, err, api.ErrInvalidRequest)

	_, err = h.eng.Start(ctx, api.StartRequest{EntityID: "inv-1", MaxLevel: -1})
	require.ErrorIs(t, err, api.ErrInvalidRequest)

	_, err = h.eng.Start(ctx, api.StartRequest{EntityID: "missing"})
	require.ErrorIs(t, err, api.ErrEntityNotFound)

	h.start(t, "inv-1", 2)
	_, err = h.eng.Start(ctx, api.StartRequest{EntityID: "inv-1"})
	require.ErrorIs(t, err, api.ErrAlreadyRunning)
}

func TestSignalValidation(t *testing.T) {
	h := newHarness(t, persistenceFactories()[0].new(t))
	ctx := context.Background()
	res := h.start(t, "inv-1", 2)

	_, err := h.eng.Signal(ctx, res.InstanceID, api.Signal{Type: api.SignalTimeout})
	require.ErrorIs(t, err, api.ErrInvalidSignal)

	_, err = h.eng.Signal(ctx, res.InstanceID, api.Signal{Type: "escalate"})
	require.ErrorIs(t, err, api.ErrInvalidSignal)

	_, err = h.eng.Signal(ctx, "approval:nope", api.Signal{Type: api.SignalApprove})
	require.ErrorIs(t, err, api.ErrInstanceNotFound)

	require.Equal(t, int64(3), h.metrics.Snapshot().SignalsRejected)
	require.Equal(t, int64(1), h.query(t, res.InstanceID).Seq)
}

func TestTenantThresholdsDecideLevels(t *testing.T) {
	h := newHarness(t, persistenceFactories()[0].new(t), func(o *api.Options) {
		o.Thresholds = []float64{100000}
		o.Tenants = map[string]api.TenantOptions{
			"acme": {Thresholds: []float64{10000, 1000}},
		}
	})

	require.Equal(t, 3, h.start(t, "inv-2", 0).MaxLevel) // acme, 12000
	require.Equal(t, 1, h.start(t, "inv-1", 0).MaxLevel) // acme, 500
	require.Equal(t, 1, h.start(t, "inv-3", 0).MaxLevel) // globex, default thresholds

	h.c.Entities.Put(api.Entity{ID: "inv-4", TenantID: "acme", Amount: 50000})
	require.Equal(t, 5, h.start(t, "inv-4", 5).MaxLevel) // explicit request wins

	inst := h.query(t, "approval:inv-2")
	require.Equal(t, "acme", inst.TenantID)
}

func TestTenantLevelTimeouts(t *testing.T) {
	h := newHarness(t, persistenceFactories()[0].new(t), func(o *api.Options) {
		o.Tenants = map[string]api.TenantOptions{
			"globex": {LevelTimeout: 4 * time.Hour, LevelTimeouts: map[int]time.Duration{2: time.Hour}},
		}
	})
	res := h.start(t, "inv-3", 2)

	h.advance(t, 4*time.Hour)
	require.Equal(t, 1, h.query(t, res.InstanceID).Escalations)

	h.signal(t, res.InstanceID, api.SignalApprove, "alice")
	h.advance(t, time.Hour)
	inst := h.query(t, res.InstanceID)
	require.Equal(t, 2, inst.CurrentLevel)
	require.Equal(t, 2, inst.Escalations)
}

func TestStaleTimerIsDiscarded(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p persistence.Persistence) {
		h := newHarness(t, p)
		res := h.start(t, "inv-1", 3)
		h.signal(t, res.InstanceID, api.SignalApprove, "alice")
		before := h.query(t, res.InstanceID)

		// a fire for the level-1 timer delivered after the level moved on
		h.eng.onFire(timer.Fire{InstanceID: res.InstanceID, Level: 1, Generation: 1})
		h.drain(t)

		after := h.query(t, res.InstanceID)
		require.Equal(t, before.Seq, after.Seq)
		require.False(t, after.Escalated)
		require.Equal(t, int64(1), h.metrics.Snapshot().StaleTimers)
		require.Equal(t, 0, h.c.Notifier.Count(api.TemplateApprovalEscalated, "inv-1"))
		require.Equal(t, 0, h.p.Inbox.Len())
	})
}

func TestApproveEnqueuedBeforeTimeoutWins(t *testing.T) {
	h := newHarness(t, persistenceFactories()[0].new(t))
	ctx := context.Background()
	res := h.start(t, "inv-1", 2)

	h.advance(t, time.Hour)
	ack, err := h.eng.Signal(ctx, res.InstanceID, api.Signal{Type: api.SignalApprove, Actor: "alice"})
	require.NoError(t, err)
	h.clock.Advance(47 * time.Hour) // level-1 deadline
	require.NoError(t, h.eng.WaitProcessed(ctx, res.InstanceID, ack.Seq))
	h.drain(t)

	inst := h.query(t, res.InstanceID)
	require.Equal(t, 2, inst.CurrentLevel)
	require.False(t, inst.Escalated)
	require.Equal(t, 0, inst.Escalations)
}

// gateClock is a FakeClock whose gateAt-th Now call blocks until release is
// closed.
type gateClock struct {
	*timer.FakeClock
	calls   atomic.Int64
	gateAt  int64
	reached chan struct{}
	release chan struct{}
}

func (c *gateClock) Now() time.Time {
	if c.calls.Add(1) == c.gateAt {
		close(c.reached)
		<-c.release
	}
	return c.FakeClock.Now()
}

func TestApproveDuringStartKeepsLevelTwoTimer(t *testing.T) {
	c := testutil.NewCollaborators(
		api.Entity{ID: "inv-1", TenantID: "acme", Amount: 500, Requester: "rita", Status: "draft"},
	)
	// call 1 is the created event, call 2 is arming the level-1 timer
	clock := &gateClock{
		FakeClock: timer.NewFakeClock(t0),
		gateAt:    2,
		reached:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	opts := api.DefaultOptions()
	opts.RetryPolicies = fastPolicies(3)
	mem := persistence.NewInMemoryStore()
	eng, err := NewEngineWithConfig(Config{
		Persistence:   persistence.Persistence{Instances: mem, Ledger: mem, Inbox: inbox.NewInMemoryInbox()},
		Collaborators: c.API(),
		Options:       opts,
		Clock:         clock,
	})
	require.NoError(t, err)
	e := eng.(*engineImpl)
	t.Cleanup(func() { _ = e.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id := api.InstanceIDFor("inv-1")

	started := make(chan error, 1)
	go func() {
		_, err := e.Start(ctx, api.StartRequest{EntityID: "inv-1", MaxLevel: 2})
		started <- err
	}()
	<-clock.reached

	ack, err := e.Signal(ctx, id, api.Signal{Type: api.SignalApprove, Actor: "alice"})
	require.NoError(t, err)
	short, cancelShort := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelShort()
	require.ErrorIs(t, e.WaitProcessed(short, id, ack.Seq), context.DeadlineExceeded)

	close(clock.release)
	require.NoError(t, <-started)
	require.NoError(t, e.WaitProcessed(ctx, id, ack.Seq))
	require.NoError(t, e.Drain(ctx))

	inst, err := e.Query(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, inst.CurrentLevel)
	fire, armed := e.timers.Armed(id)
	require.True(t, armed)
	require.Equal(t, 2, fire.Level)
	require.Equal(t, inst.TimerGeneration, fire.Generation)

	clock.Advance(49 * time.Hour)
	require.NoError(t, e.Drain(ctx))
	inst, err = e.Query(ctx, id)
	require.NoError(t, err)
	require.True(t, inst.Escalated)
	require.Equal(t, 1, inst.Escalations)
}

func TestTerminalInstanceIgnoresLateTimeout(t *testing.T) {
	h := newHarness(t, persistenceFactories()[0].new(t))
	res := h.start(t, "inv-1", 1)
	h.signal(t, res.InstanceID, api.SignalReject, "alice")

	h.eng.onFire(timer.Fire{InstanceID: res.InstanceID, Level: 1, Generation: 1})
	h.drain(t)

	inst := h.query(t, res.InstanceID)
	require.Equal(t, api.StatusRejected, inst.Status)
	require.False(t, inst.Escalated)
	require.Equal(t, int64(1), h.metrics.Snapshot().StaleTimers)
}

func TestRestartStartsNewRun(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p persistence.Persistence) {
		ctx := context.Background()
		h := newHarness(t, p)
		first := h.start(t, "inv-1", 1)

		_, err := h.eng.Restart(ctx, "inv-1")
		require.ErrorIs(t, err, api.ErrAlreadyRunning)

		h.signal(t, first.InstanceID, api.SignalReject, "alice")
		_, err = h.eng.Start(ctx, api.StartRequest{EntityID: "inv-1"})
		require.ErrorIs(t, err, api.ErrAlreadyCompleted)

		h.advance(t, time.Hour)
		second, err := h.eng.Restart(ctx, "inv-1")
		require.NoError(t, err)
		h.drain(t)
		require.Equal(t, first.InstanceID, second.InstanceID)
		require.NotEqual(t, first.RunID, second.RunID)

		inst := h.query(t, first.InstanceID)
		require.Equal(t, api.StatusRunning, inst.Status)
		require.Equal(t, 1, inst.CurrentLevel)
		require.Empty(t, inst.Decisions)
		require.Equal(t, second.RunID, inst.RunID)
		require.Equal(t, api.EntityPendingApproval, h.c.Entities.Status("inv-1"))

		events, err := h.eng.History(ctx, first.InstanceID)
		require.NoError(t, err)
		require.Len(t, events, 3)
		require.Equal(t, api.EventCreated, events[2].Type)
		require.Equal(t, first.RunID, events[1].RunID)

		// the new run survives a restart of the process unchanged
		h.reopen(t)
		_, err = h.eng.Recover(ctx)
		require.NoError(t, err)
		require.False(t, h.query(t, first.InstanceID).Quarantined)

		h.signal(t, first.InstanceID, api.SignalApprove, "bob")
		require.Equal(t, api.StatusApproved, h.query(t, first.InstanceID).Status)
	})
}

func TestActivityFailureDoesNotBlockProgress(t *testing.T) {
	h := newHarness(t, persistenceFactories()[0].new(t), func(o *api.Options) {
		o.RetryPolicies = fastPolicies(2)
	})
	ctx := context.Background()
	h.c.Notifier.FailNext(2)
	res := h.start(t, "inv-1", 1)

	rec, err := h.p.Ledger.GetActivity(ctx, api.IdempotencyKey(res.InstanceID, 1, api.ActivityNotifyApprover))
	require.NoError(t, err)
	require.Equal(t, api.ActivityFailed, rec.Status)
	require.Equal(t, 2, rec.Attempts)
	require.Equal(t, int64(1), h.metrics.Snapshot().ActivitiesFailed)

	h.signal(t, res.InstanceID, api.SignalApprove, "alice")
	require.Equal(t, api.StatusApproved, h.query(t, res.InstanceID).Status)
	require.Equal(t, 1, h.c.Notifier.Count(api.TemplateApprovalOutcome, "inv-1"))
}

func TestActivityRetriedWithSameKey(t *testing.T) {
	h := newHarness(t, persistenceFactories()[0].new(t))
	ctx := context.Background()
	h.c.Entities.FailNextSets(2)
	res := h.start(t, "inv-1", 1)

	rec, err := h.p.Ledger.GetActivity(ctx, api.IdempotencyKey(res.InstanceID, 1, api.ActivityUpdateEntityStatus))
	require.NoError(t, err)
	require.Equal(t, api.ActivityCompleted, rec.Status)
	require.Equal(t, 3, rec.Attempts)
	require.Equal(t, []string{api.EntityPendingApproval}, h.c.Entities.StatusHistory("inv-1"))
}

func TestConcurrentSignalsAcrossInstances(t *testing.T) {
	h := newHarness(t, persistenceFactories()[0].new(t))
	ctx := context.Background()

	const n = 12
	ids := make([]string, n)
	for i := range ids {
		entityID := fmt.Sprintf("bulk-%02d", i)
		h.c.Entities.Put(api.Entity{ID: entityID, TenantID: "acme", Amount: float64(100 * i)})
		ids[i] = h.start(t, entityID, 3).InstanceID
	}

	var wg sync.WaitGroup
	errs := make(chan error, n*3)
	for _, id := range ids {
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func(actor string) {
				defer wg.Done()
				_, err := h.eng.Signal(ctx, id, api.Signal{Type: api.SignalApprove, Actor: actor})
				errs <- err
			}(fmt.Sprintf("approver-%d", j))
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	h.drain(t)

	for _, id := range ids {
		inst := h.query(t, id)
		require.Equal(t, api.StatusApproved, inst.Status, id)
		require.Len(t, inst.Decisions, 3)
		for lvl, d := range inst.Decisions {
			require.Equal(t, lvl+1, d.Level)
		}
	}
	require.Equal(t, int64(n), h.metrics.Snapshot().InstancesApproved)
}

func TestRandomizedHistoriesReplayToLiveState(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p persistence.Persistence) {
		ctx := context.Background()
		h := newHarness(t, p)
		rng := rand.New(rand.NewSource(42))

		for i := 0; i < 8; i++ {
			entityID := fmt.Sprintf("rand-%d", i)
			h.c.Entities.Put(api.Entity{ID: entityID, TenantID: "acme"})
			res := h.start(t, entityID, 1+rng.Intn(3))
			for step := 0; step < 6; step++ {
				if h.query(t, res.InstanceID).Status.IsTerminal() {
					break
				}
				switch rng.Intn(5) {
				case 0, 1:
					h.signal(t, res.InstanceID, api.SignalApprove, "alice")
				case 2:
					h.advance(t, 48*time.Hour)
				case 3:
					h.advance(t, time.Duration(1+rng.Intn(40))*time.Hour)
				case 4:
					if rng.Intn(2) == 0 {
						h.signal(t, res.InstanceID, api.SignalReject, "bob")
					} else {
						h.signal(t, res.InstanceID, api.SignalCancel, "rita")
					}
				}
			}

			events, err := h.eng.History(ctx, res.InstanceID)
			require.NoError(t, err)
			replayed, err := machine.Replay(ctx, events)
			require.NoError(t, err)
			require.Empty(t, machine.Diff(replayed, h.query(t, res.InstanceID)), res.InstanceID)
		}
	})
}

func TestListInstancesAndHistory(t *testing.T) {
	h := newHarness(t, persistenceFactories()[0].new(t))
	ctx := context.Background()
	a := h.start(t, "inv-1", 1)
	b := h.start(t, "inv-3", 2)
	h.signal(t, a.InstanceID, api.SignalApprove, "alice")

	running, err := h.eng.ListInstances(ctx, api.InstanceListOptions{Status: api.StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, b.InstanceID, running[0].InstanceID)

	acme, err := h.eng.ListInstances(ctx, api.InstanceListOptions{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, acme, 1)
	require.Equal(t, a.InstanceID, acme[0].InstanceID)

	all, err := h.eng.ListInstances(ctx, api.InstanceListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	events, err := h.eng.History(ctx, a.InstanceID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, api.EventCreated, events[0].Type)
	require.Equal(t, api.EventApproved, events[1].Type)
	require.Equal(t, "alice", events[1].Payload.Actor)
	require.Len(t, events[1].Activities, 3)

	_, err = h.eng.History(ctx, "approval:nope")
	require.ErrorIs(t, err, api.ErrInstanceNotFound)
}

func TestPurge(t *testing.T) {
	h := newHarness(t, persistenceFactories()[0].new(t))
	ctx := context.Background()
	res := h.start(t, "inv-1", 1)

	require.ErrorIs(t, h.eng.Purge(ctx, res.InstanceID), api.ErrAlreadyRunning)

	h.signal(t, res.InstanceID, api.SignalApprove, "alice")
	require.NoError(t, h.eng.Purge(ctx, res.InstanceID))

	_, err := h.eng.Query(ctx, res.InstanceID)
	require.ErrorIs(t, err, api.ErrInstanceNotFound)
	acts, err := h.p.Ledger.ListActivities(ctx, res.InstanceID)
	require.NoError(t, err)
	require.Empty(t, acts)

	// the entity can go through approval again from scratch
	again := h.start(t, "inv-1", 1)
	require.Equal(t, res.InstanceID, again.InstanceID)
	require.Equal(t, api.StatusRunning, h.query(t, res.InstanceID).Status)
}

func TestCloseRejectsNewWork(t *testing.T) {
	h := newHarness(t, persistenceFactories()[0].new(t))
	ctx := context.Background()
	res := h.start(t, "inv-1", 1)

	require.NoError(t, h.eng.Close())
	require.NoError(t, h.eng.Close())

	_, err := h.eng.Start(ctx, api.StartRequest{EntityID: "inv-3"})
	require.ErrorIs(t, err, api.ErrEngineClosed)
	_, err = h.eng.Signal(ctx, res.InstanceID, api.Signal{Type: api.SignalApprove})
	require.ErrorIs(t, err, api.ErrEngineClosed)
	_, err = h.eng.Recover(ctx)
	require.ErrorIs(t, err, api.ErrEngineClosed)
	require.Equal(t, 0, h.eng.timers.Len())
}
