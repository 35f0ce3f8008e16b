package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/approvalflow/internal/machine"
	"github.com/petrijr/approvalflow/internal/persistence"
	"github.com/petrijr/approvalflow/pkg/api"
)

func TestRecoverDoesNotRepeatEscalation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p persistence.Persistence) {
		h := newHarness(t, p)
		res := h.start(t, "inv-1", 2)
		h.advance(t, 48*time.Hour)
		require.Equal(t, 1, h.c.Notifier.Count(api.TemplateApprovalEscalated, "inv-1"))

		h.reopen(t)
		n, err := h.eng.Recover(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, n)
		h.drain(t)

		require.Equal(t, 1, h.c.Notifier.Count(api.TemplateApprovalEscalated, "inv-1"))
		require.Equal(t, 1, h.query(t, res.InstanceID).Escalations)

		fire, armed := h.eng.timers.Armed(res.InstanceID)
		require.True(t, armed)
		require.Equal(t, t0.Add(96*time.Hour), fire.Deadline)
	})
}

func TestRecoverFiresElapsedDeadline(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p persistence.Persistence) {
		h := newHarness(t, p)
		res := h.start(t, "inv-1", 2)
		require.NoError(t, h.eng.Close())

		// the process is down while the deadline passes
		h.clock.Advance(72 * time.Hour)
		require.Equal(t, 0, h.c.Notifier.Count(api.TemplateApprovalEscalated, "inv-1"))

		h.eng = h.open(t)
		_, err := h.eng.Recover(context.Background())
		require.NoError(t, err)
		h.drain(t)

		inst := h.query(t, res.InstanceID)
		require.True(t, inst.Escalated)
		require.Equal(t, 1, inst.Escalations)
		require.Equal(t, t0.Add(72*time.Hour), inst.UpdatedAt)
		require.Equal(t, 1, h.c.Notifier.Count(api.TemplateApprovalEscalated, "inv-1"))
	})
}

func TestRecoverQuarantinesDivergentSnapshot(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p persistence.Persistence) {
		ctx := context.Background()
		h := newHarness(t, p)
		res := h.start(t, "inv-1", 3)
		require.NoError(t, h.eng.Close())

		cur, err := p.Instances.GetInstance(ctx, res.InstanceID)
		require.NoError(t, err)
		tr, err := machine.Apply(ctx, cur, api.Message{
			Seq:        cur.InboxSeq + 100,
			InstanceID: res.InstanceID,
			Type:       api.SignalApprove,
			Actor:      "alice",
			EnqueuedAt: h.clock.Now(),
		})
		require.NoError(t, err)
		tr.Next.CurrentLevel = 3
		require.NoError(t, p.Instances.AppendTransition(ctx, tr.Next, tr.Event))

		h.eng = h.open(t)
		n, err := h.eng.Recover(ctx)
		require.NoError(t, err)
		require.Equal(t, 0, n)

		inst := h.query(t, res.InstanceID)
		require.True(t, inst.Quarantined)
		require.Contains(t, inst.QuarantineReason, "currentLevel")
		require.Equal(t, api.StatusRunning, inst.Status)
		require.Equal(t, int64(1), h.metrics.Snapshot().Quarantined)

		events, err := h.eng.History(ctx, res.InstanceID)
		require.NoError(t, err)
		require.Equal(t, api.EventQuarantined, events[len(events)-1].Type)

		_, err = h.eng.Signal(ctx, res.InstanceID, api.Signal{Type: api.SignalApprove, Actor: "bob"})
		require.ErrorIs(t, err, api.ErrQuarantined)
		_, err = h.eng.Start(ctx, api.StartRequest{EntityID: "inv-1"})
		require.ErrorIs(t, err, api.ErrQuarantined)

		// quarantined instances are skipped on the next recovery
		h.reopen(t)
		n, err = h.eng.Recover(ctx)
		require.NoError(t, err)
		require.Equal(t, 0, n)
		_, armed := h.eng.timers.Armed(res.InstanceID)
		require.False(t, armed)
	})
}

func TestSignalRehydratesLazily(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p persistence.Persistence) {
		h := newHarness(t, p)
		res := h.start(t, "inv-1", 1)

		h.reopen(t)
		require.Equal(t, 0, h.eng.actors.Len())

		h.signal(t, res.InstanceID, api.SignalApprove, "alice")
		require.Equal(t, api.StatusApproved, h.query(t, res.InstanceID).Status)
		require.Equal(t, 1, h.eng.actors.Len())
	})
}

func TestRecoverDrainsInboxLeftBehind(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p persistence.Persistence) {
		ctx := context.Background()
		h := newHarness(t, p)
		res := h.start(t, "inv-1", 2)
		require.NoError(t, h.eng.Close())

		// accepted but never applied
		for _, actor := range []string{"alice", "bob"} {
			_, err := p.Inbox.Enqueue(ctx, api.Message{
				InstanceID: res.InstanceID,
				Type:       api.SignalApprove,
				Actor:      actor,
				EnqueuedAt: h.clock.Now(),
			})
			require.NoError(t, err)
		}

		h.eng = h.open(t)
		_, err := h.eng.Recover(ctx)
		require.NoError(t, err)
		h.drain(t)

		inst := h.query(t, res.InstanceID)
		require.Equal(t, api.StatusApproved, inst.Status)
		require.Len(t, inst.Decisions, 2)
		require.Equal(t, "alice", inst.Decisions[0].DecidedBy)
		require.Equal(t, "bob", inst.Decisions[1].DecidedBy)
		require.Equal(t, 0, p.Inbox.Len())
	})
}

func TestRecoverArmsTimerOfDrainedSnapshot(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p persistence.Persistence) {
		ctx := context.Background()
		h := newHarness(t, p)
		res := h.start(t, "inv-1", 3)
		require.NoError(t, h.eng.Close())

		_, err := p.Inbox.Enqueue(ctx, api.Message{
			InstanceID: res.InstanceID,
			Type:       api.SignalApprove,
			Actor:      "alice",
			EnqueuedAt: h.clock.Now(),
		})
		require.NoError(t, err)

		h.eng = h.open(t)
		_, err = h.eng.Recover(ctx)
		require.NoError(t, err)
		h.drain(t)

		inst := h.query(t, res.InstanceID)
		require.Equal(t, 2, inst.CurrentLevel)
		fire, armed := h.eng.timers.Armed(res.InstanceID)
		require.True(t, armed)
		require.Equal(t, 2, fire.Level)
		require.Equal(t, inst.TimerGeneration, fire.Generation)

		h.advance(t, 49*time.Hour)
		require.Equal(t, 1, h.query(t, res.InstanceID).Escalations)
	})
}

func TestReplayMatchesLiveSnapshot(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p persistence.Persistence) {
		ctx := context.Background()
		h := newHarness(t, p)
		res := h.start(t, "inv-2", 0)
		require.Equal(t, 1, res.MaxLevel)

		h.advance(t, 48*time.Hour)
		h.advance(t, 48*time.Hour)
		h.signal(t, res.InstanceID, api.SignalApprove, "alice")

		events, err := h.eng.History(ctx, res.InstanceID)
		require.NoError(t, err)
		replayed, err := machine.Replay(ctx, events)
		require.NoError(t, err)
		require.Empty(t, machine.Diff(replayed, h.query(t, res.InstanceID)))
	})
}
