// Package machine holds the deterministic decision logic of an approval
// instance. Given a snapshot and the next inbox message it computes the next
// snapshot, the history event to persist and the activities to dispatch.
//
// Nothing in this package reads the wall clock or performs I/O; every
// timestamp comes from the message being applied, so replaying a history
// yields the same snapshot every time.
package machine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/approvalflow/pkg/api"
	"github.com/qmuntal/stateless"
)

// ErrStaleTimer is returned by Apply for a timeout message whose level or
// generation no longer matches the armed timer. The message is discarded.
var ErrStaleTimer = errors.New("stale timer fire")

// TimerAction tells the engine what to do with the instance timer after a
// transition has been persisted.
type TimerAction int

const (
	TimerKeep TimerAction = iota
	TimerArm
	TimerCancel
)

func (a TimerAction) String() string {
	switch a {
	case TimerArm:
		return "arm"
	case TimerCancel:
		return "cancel"
	default:
		return "keep"
	}
}

// Transition is the result of applying one event.
type Transition struct {
	Next  *api.Instance
	Event api.Event
	Timer TimerAction
}

// Activities returns the intents carried by the transition's event.
func (t Transition) Activities() []api.ActivityIntent {
	return t.Event.Activities
}

// Run describes a new run of an instance.
type Run struct {
	InstanceID string
	RunID      string
	EntityID   string
	TenantID   string
	MaxLevel   int
	Actor      string
}

type trigger string

const (
	triggerApprove trigger = "approve"
	triggerReject  trigger = "reject"
	triggerCancel  trigger = "cancel"
	triggerTimeout trigger = "timeout"
)

func triggerFor(t api.SignalType) (trigger, bool) {
	switch t {
	case api.SignalApprove:
		return triggerApprove, true
	case api.SignalReject:
		return triggerReject, true
	case api.SignalCancel:
		return triggerCancel, true
	case api.SignalTimeout:
		return triggerTimeout, true
	default:
		return "", false
	}
}

// Create starts a run. prev is the current snapshot of the instance, or nil
// for a first start. A terminal prev starts a new run on the same history.
func Create(prev *api.Instance, r Run, at time.Time) (Transition, error) {
	if r.MaxLevel < 1 {
		return Transition{}, fmt.Errorf("%w: maxLevel must be >= 1, got %d", api.ErrInvalidRequest, r.MaxLevel)
	}
	if r.InstanceID == "" || r.RunID == "" {
		return Transition{}, fmt.Errorf("%w: instance and run id required", api.ErrInvalidRequest)
	}
	var seq, inboxSeq int64 = 1, 0
	if prev != nil {
		if !prev.Status.IsTerminal() {
			return Transition{}, api.ErrAlreadyRunning
		}
		seq, inboxSeq = prev.Seq+1, prev.InboxSeq
	}
	return newRun(r, seq, inboxSeq, at), nil
}

func newRun(r Run, seq, inboxSeq int64, now time.Time) Transition {
	next := &api.Instance{
		InstanceID:      r.InstanceID,
		RunID:           r.RunID,
		EntityID:        r.EntityID,
		TenantID:        r.TenantID,
		MaxLevel:        r.MaxLevel,
		CurrentLevel:    1,
		Status:          api.StatusRunning,
		Phase:           api.PhaseAwaiting,
		TimerGeneration: seq,
		Seq:             seq,
		InboxSeq:        inboxSeq,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	ev := api.Event{
		InstanceID: r.InstanceID,
		Seq:        seq,
		RunID:      r.RunID,
		Type:       api.EventCreated,
		InboxSeq:   inboxSeq,
		Payload: api.EventPayload{
			EntityID: r.EntityID,
			TenantID: r.TenantID,
			MaxLevel: r.MaxLevel,
			Actor:    r.Actor,
		},
		At: now,
	}
	b := intents{inst: next, seq: seq}
	b.add(api.ActivityIntent{Name: api.ActivityUpdateEntityStatus, EntityStatus: api.EntityPendingApproval})
	b.add(api.ActivityIntent{Name: api.ActivityNotifyApprover, Level: 1})
	ev.Activities = b.list
	return Transition{Next: next, Event: ev, Timer: TimerArm}
}

// Apply computes the transition for msg on cur. It never mutates cur.
//
// Structural outcomes are reported as errors: ErrAlreadyCompleted for
// signals on a terminal instance, ErrStaleTimer for timeouts that no longer
// match the armed timer, ErrQuarantined for quarantined instances.
func Apply(ctx context.Context, cur *api.Instance, msg api.Message) (Transition, error) {
	if cur == nil {
		return Transition{}, api.ErrInstanceNotFound
	}
	if cur.Quarantined {
		return Transition{}, api.ErrQuarantined
	}
	trig, ok := triggerFor(msg.Type)
	if !ok {
		return Transition{}, fmt.Errorf("%w: %q", api.ErrInvalidSignal, msg.Type)
	}
	if trig == triggerTimeout {
		if cur.Status.IsTerminal() || msg.Level != cur.CurrentLevel || msg.TimerGeneration != cur.TimerGeneration {
			return Transition{}, ErrStaleTimer
		}
	} else if cur.Status.IsTerminal() {
		return Transition{}, api.ErrAlreadyCompleted
	}

	next := cur.Clone()
	if err := newPhaseMachine(next).FireCtx(ctx, trig); err != nil {
		return Transition{}, fmt.Errorf("machine: %s in phase %s: %w", trig, cur.Phase, err)
	}

	seq := cur.Seq + 1
	now := msg.EnqueuedAt
	evType, _ := api.EventTypeFor(msg.Type)
	ev := api.Event{
		InstanceID: cur.InstanceID,
		Seq:        seq,
		RunID:      cur.RunID,
		Type:       evType,
		InboxSeq:   msg.Seq,
		Payload: api.EventPayload{
			Actor:           msg.Actor,
			Comment:         msg.Comment,
			Level:           msg.Level,
			TimerGeneration: msg.TimerGeneration,
		},
		At: now,
	}

	b := intents{inst: next, seq: seq}
	timer := TimerCancel
	level := cur.CurrentLevel

	switch trig {
	case triggerApprove:
		d := decide(level, msg, api.OutcomeApprove)
		next.Decisions = append(next.Decisions, d)
		b.add(api.ActivityIntent{Name: api.ActivityRecordDecision, Level: level, Decision: &d})
		if next.Phase == api.PhaseApproved {
			b.add(api.ActivityIntent{Name: api.ActivityUpdateEntityStatus, EntityStatus: api.EntityApproved})
			b.add(api.ActivityIntent{Name: api.ActivityNotifyRequesterOutcome, EntityStatus: api.EntityApproved})
		} else {
			next.CurrentLevel = level + 1
			next.TimerGeneration = seq
			timer = TimerArm
			b.add(api.ActivityIntent{Name: api.ActivityNotifyApprover, Level: next.CurrentLevel})
		}
	case triggerReject:
		d := decide(level, msg, api.OutcomeReject)
		next.Decisions = append(next.Decisions, d)
		b.add(api.ActivityIntent{Name: api.ActivityRecordDecision, Level: level, Decision: &d})
		b.add(api.ActivityIntent{Name: api.ActivityUpdateEntityStatus, EntityStatus: api.EntityRejected})
		b.add(api.ActivityIntent{Name: api.ActivityNotifyRequesterOutcome, EntityStatus: api.EntityRejected})
	case triggerCancel:
		b.add(api.ActivityIntent{Name: api.ActivityUpdateEntityStatus, EntityStatus: api.EntityCancelled})
		b.add(api.ActivityIntent{Name: api.ActivityNotifyRequesterOutcome, EntityStatus: api.EntityCancelled})
	case triggerTimeout:
		next.Escalated = true
		next.Escalations++
		next.TimerGeneration = seq
		timer = TimerArm
		b.add(api.ActivityIntent{Name: api.ActivityNotifyEscalation, Level: level})
	}

	next.Status = next.Phase.Status()
	next.Seq = seq
	next.InboxSeq = msg.Seq
	next.UpdatedAt = now
	ev.Activities = b.list

	return Transition{Next: next, Event: ev, Timer: timer}, nil
}

// newPhaseMachine binds the phase graph to inst.Phase. Level bookkeeping is
// done by Apply; the graph only decides which phase a trigger leads to.
func newPhaseMachine(inst *api.Instance) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) { return inst.Phase, nil },
		func(_ context.Context, s stateless.State) error {
			inst.Phase = s.(api.Phase)
			return nil
		},
		stateless.FiringImmediate,
	)

	afterApprove := func(context.Context, ...any) (stateless.State, error) {
		if inst.CurrentLevel >= inst.MaxLevel {
			return api.PhaseApproved, nil
		}
		return api.PhaseAwaiting, nil
	}

	sm.Configure(api.PhaseAwaiting).
		PermitDynamic(triggerApprove, afterApprove).
		Permit(triggerReject, api.PhaseRejected).
		Permit(triggerCancel, api.PhaseCancelled).
		Permit(triggerTimeout, api.PhaseEscalated)

	sm.Configure(api.PhaseEscalated).
		PermitDynamic(triggerApprove, afterApprove).
		Permit(triggerReject, api.PhaseRejected).
		Permit(triggerCancel, api.PhaseCancelled).
		PermitReentry(triggerTimeout)

	sm.Configure(api.PhaseApproved)
	sm.Configure(api.PhaseRejected)
	sm.Configure(api.PhaseCancelled)

	return sm
}

func decide(level int, msg api.Message, o api.Outcome) api.Decision {
	return api.Decision{
		Level:     level,
		DecidedBy: msg.Actor,
		Outcome:   o,
		Comment:   msg.Comment,
		DecidedAt: msg.EnqueuedAt,
	}
}

type intents struct {
	inst *api.Instance
	seq  int64
	list []api.ActivityIntent
}

func (b *intents) add(a api.ActivityIntent) {
	a.Key = api.IdempotencyKey(b.inst.InstanceID, b.seq, a.Name)
	a.InstanceID = b.inst.InstanceID
	a.EntityID = b.inst.EntityID
	a.TenantID = b.inst.TenantID
	b.list = append(b.list, a)
}
