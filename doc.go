// Package approvalflow provides a durable, embeddable engine for multi-level
// approval workflows.
//
// An approval instance walks an entity (an invoice, a purchase order) through
// one or more approval levels. Each level waits for an approve or reject
// decision; a level left unanswered past its deadline escalates. The
// requester may cancel at any time. Every transition is appended to the
// instance history together with the side effects it decided on, so a
// restarted process rebuilds exactly where it left off.
//
// # Core Concepts
//
//  1. Engine
//  2. Instance and history
//  3. Signals and the inbox
//  4. Activities
//  5. LocalRunner
//
// # Engine
//
// The Engine starts instances, accepts signals and answers queries:
//
//	res, err := eng.Start(ctx, approvalflow.StartRequest{EntityID: "INV-1001"})
//	ack, err := eng.Signal(ctx, res.InstanceID, approvalflow.Signal{Type: approvalflow.SignalApprove, Actor: "alice"})
//	err = eng.WaitProcessed(ctx, res.InstanceID, ack.Seq)
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Each backend stores instance snapshots, the event history, the activity
// ledger and the signal inbox. Call Recover on startup to resume running
// instances and re-arm their deadlines.
//
// # Signals and the inbox
//
// Signal validates a decision and appends it to a durable inbox before
// returning. A single actor per instance applies inbox messages in order, so
// an approve and a timeout racing for the same level are decided by the
// order in which they were accepted, and a decision on a finished instance
// is refused.
//
// # Activities
//
// Notifications, entity status updates and audit entries run on a separate
// executor, keyed so that each effect of each transition runs at most once
// successfully. Failures are retried with the configured RetryPolicy and
// never block the workflow. Adapters for NATS JetStream, Kafka and S3 live
// in pkg/notify, pkg/audit and pkg/archive.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine with logging adapters for
// development and unit testing. It is intentionally not crash-durable.
package approvalflow
