// Package worker runs the side effects of approval transitions.
//
// The state machine never performs I/O. Each transition carries a list of
// activity intents (notify the next approver, update the entity status,
// record a decision) and the engine hands them to an Executor once the
// transition is durable.
//
// # Exactly-once bookkeeping
//
// Every intent has an idempotency key of the form
// "<instanceId>/<seq>/<activityName>". Before running an intent the
// Executor looks the key up in the activity ledger and skips it when a
// record exists. After the last attempt it records the key as completed or
// failed. A replay after a crash therefore re-dispatches the same keys and
// only the unrecorded ones run.
//
// # Retries
//
// Attempts are retried with exponential backoff through
// github.com/sethvargo/go-retry, using the RetryPolicy that applies to the
// activity (status updates, notifications, everything else) for the
// instance's tenant. Each attempt runs under its own timeout. Errors wrapped
// with Permanent, unknown activities and malformed intents are not retried.
// An activity that finally fails is logged, counted and recorded; it never
// rolls back or blocks the approval itself.
//
// # Ordering
//
// Intents are sharded onto lanes by instance id. One lane runs its intents
// strictly in order, so the activities of one instance never overlap or
// reorder, while different instances proceed in parallel.
//
// # Activities
//
// Activities implements the five built-in activities on top of the
// collaborator interfaces in package api:
//
//   - notifyApprover: resolves the level's approver and sends
//     approval_requested.
//   - notifyEscalation: sends approval_escalated to every escalation target.
//   - notifyRequesterOutcome: sends approval_outcome to the requester.
//   - updateEntityStatus: sets the entity status and appends an audit entry.
//   - recordDecision: appends the decision to the audit trail.
package worker
