package persistence

import "github.com/petrijr/approvalflow/internal/inbox"

// Persistence bundles the durable parts of an engine so a backend can be
// wired with a single value.
type Persistence struct {
	Instances InstanceStore
	Ledger    ActivityLedger
	Inbox     inbox.Inbox
}
