package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/approvalflow/internal/machine"
	"github.com/petrijr/approvalflow/internal/persistence"
	"github.com/petrijr/approvalflow/pkg/api"
	"github.com/petrijr/approvalflow/pkg/worker"
)

func TestSingleLevelApprove(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p persistence.Persistence) {
		h := newHarness(t, p)
		res := h.start(t, "inv-1", 1)
		require.Equal(t, "approval:inv-1", res.InstanceID)
		require.Equal(t, api.EntityPendingApproval, h.c.Entities.Status("inv-1"))
		require.Equal(t, 1, h.c.Notifier.Count(api.TemplateApprovalRequested, "inv-1"))

		h.signal(t, res.InstanceID, api.SignalApprove, "alice")

		inst := h.query(t, res.InstanceID)
		require.Equal(t, api.StatusApproved, inst.Status)
		require.Len(t, inst.Decisions, 1)
		require.Equal(t, "alice", inst.Decisions[0].DecidedBy)
		require.Equal(t, api.OutcomeApprove, inst.Decisions[0].Outcome)
		require.Equal(t, api.EntityApproved, h.c.Entities.Status("inv-1"))
		require.Equal(t, 1, h.c.Notifier.Count(api.TemplateApprovalOutcome, "inv-1"))

		_, armed := h.eng.timers.Armed(res.InstanceID)
		require.False(t, armed, "terminal instance must not keep a timer")
	})
}

func TestTwoLevelApproveThenReject(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p persistence.Persistence) {
		h := newHarness(t, p)
		res := h.start(t, "inv-1", 2)

		h.signal(t, res.InstanceID, api.SignalApprove, "alice")
		inst := h.query(t, res.InstanceID)
		require.Equal(t, 2, inst.CurrentLevel)
		require.Equal(t, api.StatusRunning, inst.Status)
		require.Equal(t, 2, h.c.Notifier.Count(api.TemplateApprovalRequested, "inv-1"))

		h.signal(t, res.InstanceID, api.SignalReject, "bob")
		inst = h.query(t, res.InstanceID)
		require.Equal(t, api.StatusRejected, inst.Status)
		require.Len(t, inst.Decisions, 2)
		require.Equal(t, api.OutcomeReject, inst.Decisions[1].Outcome)
		require.Equal(t, 2, inst.Decisions[1].Level)
		require.Equal(t, api.EntityRejected, h.c.Entities.Status("inv-1"))

		decisions := 0
		for _, e := range h.c.Audit.Entries("inv-1") {
			if e.Action == worker.AuditDecisionRecorded {
				decisions++
			}
		}
		require.Equal(t, 2, decisions)
	})
}

func TestTimeoutEscalatesOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p persistence.Persistence) {
		h := newHarness(t, p)
		res := h.start(t, "inv-1", 2)

		h.advance(t, 47*time.Hour)
		require.False(t, h.query(t, res.InstanceID).Escalated)

		h.advance(t, time.Hour)
		inst := h.query(t, res.InstanceID)
		require.True(t, inst.Escalated)
		require.Equal(t, 1, inst.Escalations)
		require.Equal(t, 1, inst.CurrentLevel)
		require.Equal(t, api.PhaseEscalated, inst.Phase)
		require.Equal(t, api.StatusRunning, inst.Status)
		require.Equal(t, 1, h.c.Notifier.Count(api.TemplateApprovalEscalated, "inv-1"))
		require.Equal(t, int64(1), h.metrics.Snapshot().Escalations)

		// the timer is re-armed for a full window from the escalation
		fire, armed := h.eng.timers.Armed(res.InstanceID)
		require.True(t, armed)
		require.Equal(t, t0.Add(96*time.Hour), fire.Deadline)

		h.advance(t, 47*time.Hour)
		require.Equal(t, 1, h.c.Notifier.Count(api.TemplateApprovalEscalated, "inv-1"))

		// an unanswered escalation escalates again
		h.advance(t, time.Hour)
		inst = h.query(t, res.InstanceID)
		require.Equal(t, 2, inst.Escalations)
		require.Equal(t, 1, inst.CurrentLevel)
		require.Equal(t, 2, h.c.Notifier.Count(api.TemplateApprovalEscalated, "inv-1"))

		// approving an escalated level proceeds as usual
		h.signal(t, res.InstanceID, api.SignalApprove, "alice")
		inst = h.query(t, res.InstanceID)
		require.Equal(t, 2, inst.CurrentLevel)
		require.Equal(t, api.PhaseAwaiting, inst.Phase)
		require.True(t, inst.Escalated, "escalated flag is kept for the run")
	})
}

func TestCancelThenApproveIsRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p persistence.Persistence) {
		h := newHarness(t, p)
		res := h.start(t, "inv-1", 2)

		ctx := context.Background()
		ack, err := h.eng.Cancel(ctx, res.InstanceID, "rita", "duplicate invoice")
		require.NoError(t, err)
		require.NoError(t, h.eng.WaitProcessed(ctx, res.InstanceID, ack.Seq))
		h.drain(t)

		inst := h.query(t, res.InstanceID)
		require.Equal(t, api.StatusCancelled, inst.Status)
		require.Empty(t, inst.Decisions)
		require.Equal(t, api.EntityCancelled, h.c.Entities.Status("inv-1"))

		_, err = h.eng.Signal(ctx, res.InstanceID, api.Signal{Type: api.SignalApprove, Actor: "alice"})
		require.ErrorIs(t, err, api.ErrAlreadyCompleted)

		after := h.query(t, res.InstanceID)
		require.Empty(t, after.Decisions)
		require.Equal(t, inst.Seq, after.Seq)
		require.Equal(t, int64(1), h.metrics.Snapshot().SignalsRejected)
	})
}

func TestRecoverRedispatchesUndeliveredActivitiesOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p persistence.Persistence) {
		ctx := context.Background()
		h := newHarness(t, p)
		res := h.start(t, "inv-1", 2)
		require.NoError(t, h.eng.Close())

		// The approve transition is persisted and acknowledged, then the
		// process dies before its activities reach the executor.
		msg, err := p.Inbox.Enqueue(ctx, api.Message{
			InstanceID: res.InstanceID,
			Type:       api.SignalApprove,
			Actor:      "alice",
			EnqueuedAt: h.clock.Now(),
		})
		require.NoError(t, err)
		cur, err := p.Instances.GetInstance(ctx, res.InstanceID)
		require.NoError(t, err)
		tr, err := machine.Apply(ctx, cur, msg)
		require.NoError(t, err)
		require.NoError(t, p.Instances.AppendTransition(ctx, tr.Next, tr.Event))
		require.NoError(t, p.Inbox.Ack(ctx, res.InstanceID, msg.Seq))

		key := api.IdempotencyKey(res.InstanceID, tr.Event.Seq, api.ActivityNotifyApprover)
		_, err = p.Ledger.GetActivity(ctx, key)
		require.ErrorIs(t, err, persistence.ErrActivityNotFound)

		h.eng = h.open(t)
		n, err := h.eng.Recover(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		h.drain(t)

		require.Equal(t, 2, h.c.Notifier.Count(api.TemplateApprovalRequested, "inv-1"))
		rec, err := p.Ledger.GetActivity(ctx, key)
		require.NoError(t, err)
		require.Equal(t, api.ActivityCompleted, rec.Status)
		require.Equal(t, 1, rec.Attempts)

		// a second restart finds every key recorded and sends nothing
		h.reopen(t)
		_, err = h.eng.Recover(ctx)
		require.NoError(t, err)
		h.drain(t)
		require.Equal(t, 2, h.c.Notifier.Count(api.TemplateApprovalRequested, "inv-1"))
		require.Len(t, h.c.Audit.Entries("inv-1"), 2) // status change + decision
	})
}
