// Package api contains the core types shared by the approvalflow engine,
// its storage backends and its adapters.
//
// Most users interact with the higher-level approvalflow package, which
// re-exports selected types and constructors from this package. The api
// package is intended for custom backends, collaborator implementations and
// contributors extending the engine itself.
//
// # Instances
//
// An Instance is the persisted snapshot of one approval process for one
// business entity. Its id is derived from the entity id (InstanceIDFor), so a
// second Start for the same entity is rejected. Every state change is
// recorded as an Event in an append-only history; replaying the history of
// the current run reproduces the snapshot.
//
// # Signals
//
// Approve, reject and cancel decisions are Signals. The engine validates them
// synchronously, records them durably as inbox Messages and applies them one
// at a time. Timeouts travel the same path as Messages of type
// SignalTimeout, produced by the engine's timer service only.
//
// # Activities
//
// Side effects (notifications, entity status changes, audit entries) are
// ActivityIntents persisted together with the event that caused them. Each
// intent carries an idempotency key; an ActivityRecord in the ledger marks
// the key as finished so it never runs twice.
//
// # Collaborators
//
// EntityService, ApproverResolver, Notifier and AuditSink are implemented by
// the host application. The engine never owns entity data.
//
// # Observability
//
// Observer receives instance and activity lifecycle callbacks.
// LoggingObserver writes slog records, BasicMetrics keeps atomic counters,
// and NewCompositeObserver combines several observers.
package api
