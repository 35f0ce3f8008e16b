package api

import "context"

// Engine is the orchestrator API for approval instances.
//
// Start, Restart and Signal are asynchronous with respect to side effects:
// they return once the transition (or the signal) is durable. Activities run
// on the executor afterwards, and signals are applied by the instance actor.
type Engine interface {
	// Start begins an approval for an entity. It returns ErrAlreadyRunning if
	// a running instance exists for the entity and ErrAlreadyCompleted if a
	// terminal one exists (use Restart).
	Start(ctx context.Context, req StartRequest) (StartResult, error)

	// Restart begins a new run of a terminal instance. The previous run's
	// history is kept; the new run gets a fresh RunID and starts at level 1.
	Restart(ctx context.Context, entityID string) (StartResult, error)

	// Signal validates a decision and appends it to the instance inbox.
	// The returned Ack.Seq may be passed to WaitProcessed.
	Signal(ctx context.Context, instanceID string, sig Signal) (Ack, error)

	// Cancel is Signal with SignalCancel.
	Cancel(ctx context.Context, instanceID, actor, reason string) (Ack, error)

	// Query returns the last persisted snapshot of an instance.
	Query(ctx context.Context, instanceID string) (*Instance, error)

	// History returns the instance's event log in sequence order.
	History(ctx context.Context, instanceID string) ([]Event, error)

	// ListInstances returns snapshots matching opts. Zero-valued options
	// return all instances.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*Instance, error)

	// WaitProcessed blocks until the inbox message seq has been applied or
	// discarded by the instance actor, or ctx is done.
	WaitProcessed(ctx context.Context, instanceID string, seq int64) error

	// Recover rebuilds actors and timers for every running instance after a
	// restart of the process. It returns the number of instances resumed.
	Recover(ctx context.Context) (int, error)

	// Purge deletes a terminal instance together with its history and
	// ledger records. Running instances return ErrAlreadyRunning.
	Purge(ctx context.Context, instanceID string) error

	// Drain blocks until every inbox message has been processed and every
	// dispatched activity has finished, or ctx is done.
	Drain(ctx context.Context) error

	// Close stops actors, timers and the activity executor and waits for
	// in-flight work to finish.
	Close() error
}
