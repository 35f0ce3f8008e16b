package machine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/petrijr/approvalflow/pkg/api"
)

// ErrNoRun is returned by Replay when the history has no created event.
var ErrNoRun = errors.New("history has no created event")

// Replay rebuilds a snapshot from history. Only the events of the current
// run, starting at the last created event, are applied. Each reproduced
// event must match the recorded one, including its activity keys.
func Replay(ctx context.Context, events []api.Event) (*api.Instance, error) {
	start := -1
	for i := range events {
		if events[i].Type == api.EventCreated {
			start = i
		}
	}
	if start < 0 {
		return nil, ErrNoRun
	}

	var inst *api.Instance
	for _, ev := range events[start:] {
		switch ev.Type {
		case api.EventCreated:
			tr := newRun(Run{
				InstanceID: ev.InstanceID,
				RunID:      ev.RunID,
				EntityID:   ev.Payload.EntityID,
				TenantID:   ev.Payload.TenantID,
				MaxLevel:   ev.Payload.MaxLevel,
				Actor:      ev.Payload.Actor,
			}, ev.Seq, ev.InboxSeq, ev.At)
			if err := sameEvent(tr.Event, ev); err != nil {
				return nil, err
			}
			inst = tr.Next

		case api.EventQuarantined:
			inst.Quarantined = true
			inst.QuarantineReason = ev.Payload.Reason
			inst.Seq = ev.Seq

		default:
			tr, err := Apply(ctx, inst, MessageFor(ev))
			if err != nil {
				return nil, fmt.Errorf("%w: seq %d (%s): %v", api.ErrReplayDivergence, ev.Seq, ev.Type, err)
			}
			if err := sameEvent(tr.Event, ev); err != nil {
				return nil, err
			}
			inst = tr.Next
		}
	}
	return inst, nil
}

// MessageFor reconstructs the inbox message an event consumed.
func MessageFor(ev api.Event) api.Message {
	var t api.SignalType
	switch ev.Type {
	case api.EventApproved:
		t = api.SignalApprove
	case api.EventRejected:
		t = api.SignalReject
	case api.EventCancelled:
		t = api.SignalCancel
	case api.EventTimedOut:
		t = api.SignalTimeout
	}
	return api.Message{
		Seq:             ev.InboxSeq,
		InstanceID:      ev.InstanceID,
		Type:            t,
		Actor:           ev.Payload.Actor,
		Comment:         ev.Payload.Comment,
		Level:           ev.Payload.Level,
		TimerGeneration: ev.Payload.TimerGeneration,
		EnqueuedAt:      ev.At,
	}
}

func sameEvent(got, want api.Event) error {
	if got.Seq != want.Seq || got.Type != want.Type || got.RunID != want.RunID {
		return fmt.Errorf("%w: seq %d: replayed %s/%d, recorded %s/%d",
			api.ErrReplayDivergence, want.Seq, got.Type, got.Seq, want.Type, want.Seq)
	}
	keys := func(ev api.Event) []string {
		out := make([]string, 0, len(ev.Activities))
		for _, a := range ev.Activities {
			out = append(out, a.Key)
		}
		return out
	}
	if !slices.Equal(keys(got), keys(want)) {
		return fmt.Errorf("%w: seq %d: activity keys %v, recorded %v",
			api.ErrReplayDivergence, want.Seq, keys(got), keys(want))
	}
	return nil
}

// Diff compares a replayed snapshot with a persisted one and describes the
// first difference, or returns "" when they agree.
func Diff(replayed, stored *api.Instance) string {
	switch {
	case replayed == nil || stored == nil:
		if replayed == stored {
			return ""
		}
		return "missing snapshot"
	case replayed.RunID != stored.RunID:
		return fmt.Sprintf("runId %q != %q", replayed.RunID, stored.RunID)
	case replayed.Seq != stored.Seq:
		return fmt.Sprintf("seq %d != %d", replayed.Seq, stored.Seq)
	case replayed.InboxSeq != stored.InboxSeq:
		return fmt.Sprintf("inboxSeq %d != %d", replayed.InboxSeq, stored.InboxSeq)
	case replayed.Status != stored.Status:
		return fmt.Sprintf("status %s != %s", replayed.Status, stored.Status)
	case replayed.Phase != stored.Phase:
		return fmt.Sprintf("phase %s != %s", replayed.Phase, stored.Phase)
	case replayed.MaxLevel != stored.MaxLevel:
		return fmt.Sprintf("maxLevel %d != %d", replayed.MaxLevel, stored.MaxLevel)
	case replayed.CurrentLevel != stored.CurrentLevel:
		return fmt.Sprintf("currentLevel %d != %d", replayed.CurrentLevel, stored.CurrentLevel)
	case replayed.Escalated != stored.Escalated || replayed.Escalations != stored.Escalations:
		return fmt.Sprintf("escalations %d != %d", replayed.Escalations, stored.Escalations)
	case replayed.TimerGeneration != stored.TimerGeneration:
		return fmt.Sprintf("timerGeneration %d != %d", replayed.TimerGeneration, stored.TimerGeneration)
	case !replayed.UpdatedAt.Equal(stored.UpdatedAt):
		return fmt.Sprintf("updatedAt %s != %s", replayed.UpdatedAt, stored.UpdatedAt)
	case len(replayed.Decisions) != len(stored.Decisions):
		return fmt.Sprintf("decisions %d != %d", len(replayed.Decisions), len(stored.Decisions))
	}
	for i, d := range replayed.Decisions {
		s := stored.Decisions[i]
		if d.Level != s.Level || d.DecidedBy != s.DecidedBy || d.Outcome != s.Outcome ||
			d.Comment != s.Comment || !d.DecidedAt.Equal(s.DecidedAt) {
			return fmt.Sprintf("decision %d differs", i)
		}
	}
	return ""
}
