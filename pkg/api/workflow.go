package api

import (
	"slices"
	"strings"
	"time"
)

// Status represents the lifecycle state of an approval instance.
type Status string

const (
	StatusRunning   Status = "running"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further signal may change an instance
// in this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

// Phase is the state machine state. AwaitingLevel(n) and Escalated(n) are
// expressed as PhaseAwaiting / PhaseEscalated together with CurrentLevel.
type Phase string

const (
	PhaseAwaiting  Phase = "awaiting"
	PhaseEscalated Phase = "escalated"
	PhaseApproved  Phase = "approved"
	PhaseRejected  Phase = "rejected"
	PhaseCancelled Phase = "cancelled"
)

// Status maps a phase to the externally visible status.
func (p Phase) Status() Status {
	switch p {
	case PhaseApproved:
		return StatusApproved
	case PhaseRejected:
		return StatusRejected
	case PhaseCancelled:
		return StatusCancelled
	default:
		return StatusRunning
	}
}

// Outcome is the result of a single approver decision.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReject  Outcome = "reject"
)

// Decision is an immutable record of one approver's decision at one level.
type Decision struct {
	Level     int
	DecidedBy string
	Outcome   Outcome
	Comment   string
	DecidedAt time.Time
}

// Instance is the persisted snapshot of one approval process for one entity.
//
// The snapshot is only ever written by the engine, together with the
// history event that produced it.
type Instance struct {
	InstanceID string
	RunID      string
	EntityID   string
	TenantID   string

	MaxLevel     int
	CurrentLevel int

	Status Status
	Phase  Phase

	Decisions []Decision

	// Escalated is set the first time a level times out and is never reset
	// within a run. Escalations counts every applied timeout.
	Escalated   bool
	Escalations int

	// TimerGeneration is the Seq of the transition that armed the currently
	// valid timer. Timer fires carrying another generation are stale.
	TimerGeneration int64

	// Seq is the sequence number of the last history event applied.
	Seq int64
	// InboxSeq is the sequence of the last inbox message applied.
	InboxSeq int64

	Quarantined      bool
	QuarantineReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so callers never share the Decisions slice
// with the engine.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	cp := *i
	cp.Decisions = slices.Clone(i.Decisions)
	return &cp
}

// Deadline returns the moment the current level times out, given the
// configured timeout for that level. Every non-terminal transition re-arms
// the timer, so UpdatedAt is the start of the current deadline window.
func (i *Instance) Deadline(timeout time.Duration) time.Time {
	return i.UpdatedAt.Add(timeout)
}

// InstanceIDFor derives the stable instance id for an entity.
func InstanceIDFor(entityID string) string {
	return "approval:" + entityID
}

// EntityIDFrom is the inverse of InstanceIDFor. It returns false when id was
// not produced by InstanceIDFor.
func EntityIDFrom(instanceID string) (string, bool) {
	return strings.CutPrefix(instanceID, "approval:")
}

// SignalType identifies an event delivered through the inbox.
type SignalType string

const (
	SignalApprove SignalType = "approve"
	SignalReject  SignalType = "reject"
	SignalCancel  SignalType = "cancel"

	// SignalTimeout is produced by the timer service only. External callers
	// sending it get ErrInvalidSignal.
	SignalTimeout SignalType = "timeout"
)

// IsExternal reports whether callers may submit this signal type.
func (t SignalType) IsExternal() bool {
	switch t {
	case SignalApprove, SignalReject, SignalCancel:
		return true
	default:
		return false
	}
}

// Signal is an external decision addressed to a running instance.
type Signal struct {
	Type    SignalType
	Actor   string
	Comment string
}

// Message is a durably recorded inbox entry. Seq is assigned by the inbox
// and defines processing order per instance.
type Message struct {
	Seq        int64
	InstanceID string
	Type       SignalType
	Actor      string
	Comment    string

	// Level and TimerGeneration are set for timeout messages only.
	Level           int
	TimerGeneration int64

	EnqueuedAt time.Time
}

// Ack confirms that a signal was durably accepted into the inbox.
// Acceptance does not mean the signal has been applied.
type Ack struct {
	InstanceID string
	Seq        int64
	AcceptedAt time.Time
}

// StartRequest asks the engine to begin an approval for an entity.
// MaxLevel == 0 means "compute from the tenant's level policy".
type StartRequest struct {
	EntityID string
	MaxLevel int
	Actor    string
}

// StartResult identifies a started (or restarted) instance.
type StartResult struct {
	InstanceID string
	RunID      string
	MaxLevel   int
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	Status   Status
	EntityID string
	TenantID string

	// UpdatedBefore, if non-zero, limits results to instances whose last
	// transition happened before this moment.
	UpdatedBefore time.Time
}

// Matches applies the options to a snapshot. Stores that cannot push a
// filter down use it to post-filter.
func (o InstanceListOptions) Matches(inst *Instance) bool {
	if o.Status != "" && inst.Status != o.Status {
		return false
	}
	if o.EntityID != "" && inst.EntityID != o.EntityID {
		return false
	}
	if o.TenantID != "" && inst.TenantID != o.TenantID {
		return false
	}
	if !o.UpdatedBefore.IsZero() && !inst.UpdatedAt.Before(o.UpdatedBefore) {
		return false
	}
	return true
}
