package api

import (
	"fmt"
	"time"
)

// EventType identifies a history event.
type EventType string

const (
	EventCreated     EventType = "instance.created"
	EventApproved    EventType = "signal.approve"
	EventRejected    EventType = "signal.reject"
	EventCancelled   EventType = "signal.cancel"
	EventTimedOut    EventType = "timer.timeout"
	EventQuarantined EventType = "instance.quarantined"
)

// EventTypeFor maps an inbox signal to the history event it produces.
func EventTypeFor(t SignalType) (EventType, bool) {
	switch t {
	case SignalApprove:
		return EventApproved, true
	case SignalReject:
		return EventRejected, true
	case SignalCancel:
		return EventCancelled, true
	case SignalTimeout:
		return EventTimedOut, true
	default:
		return "", false
	}
}

// EventPayload carries everything needed to re-apply an event during replay.
type EventPayload struct {
	// Created events.
	EntityID string
	TenantID string
	MaxLevel int

	// Signal events.
	Actor   string
	Comment string

	// Timeout events.
	Level           int
	TimerGeneration int64

	// Quarantine events.
	Reason string
}

// Event is one append-only history record. Seq starts at 1 and increases by
// one per event within an instance, across runs.
type Event struct {
	InstanceID string
	Seq        int64
	RunID      string
	Type       EventType

	// InboxSeq is the inbox message this event consumed. Created events
	// carry the inbox high-water mark of the previous run, quarantine
	// events carry zero.
	InboxSeq int64

	Payload    EventPayload
	Activities []ActivityIntent

	At time.Time
}

// ActivityName identifies a side-effecting activity.
type ActivityName string

const (
	ActivityNotifyApprover         ActivityName = "notifyApprover"
	ActivityNotifyEscalation       ActivityName = "notifyEscalation"
	ActivityNotifyRequesterOutcome ActivityName = "notifyRequesterOutcome"
	ActivityUpdateEntityStatus     ActivityName = "updateEntityStatus"
	ActivityRecordDecision         ActivityName = "recordDecision"
)

// IsNotification reports whether the activity delivers a notification.
func (n ActivityName) IsNotification() bool {
	switch n {
	case ActivityNotifyApprover, ActivityNotifyEscalation, ActivityNotifyRequesterOutcome:
		return true
	default:
		return false
	}
}

// ActivityIntent is an activity the state machine decided to run as a
// consequence of a transition. Intents are persisted with their event.
type ActivityIntent struct {
	Name ActivityName
	Key  string

	InstanceID string
	EntityID   string
	TenantID   string

	Level int
	// EntityStatus is the target status for updateEntityStatus, and the
	// outcome reported by notifyRequesterOutcome.
	EntityStatus string

	// Decision is set for recordDecision.
	Decision *Decision
}

// IdempotencyKey derives the key that deduplicates an activity across
// retries and replays.
func IdempotencyKey(instanceID string, seq int64, name ActivityName) string {
	return fmt.Sprintf("%s/%d/%s", instanceID, seq, name)
}

// ActivityStatus is the ledger state of an activity key.
type ActivityStatus string

const (
	ActivityCompleted ActivityStatus = "completed"
	ActivityFailed    ActivityStatus = "failed"
)

// ActivityRecord is the ledger entry written once an activity key has
// finished, successfully or not.
type ActivityRecord struct {
	Key        string
	InstanceID string
	Name       ActivityName
	Status     ActivityStatus
	Attempts   int
	Error      string
	FinishedAt time.Time
}
