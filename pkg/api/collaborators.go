package api

import "context"

// EntityStatus values written to the business entity by updateEntityStatus.
const (
	EntityPendingApproval = "pending_approval"
	EntityApproved        = "approved"
	EntityRejected        = "rejected"
	EntityCancelled       = "cancelled"
)

// Entity is the subset of the business record the engine reads at start.
type Entity struct {
	ID        string
	TenantID  string
	Amount    float64
	Requester string
	Status    string
}

// EntityService reads and mutates the business entity under approval.
// The engine never owns entity data; it only requests status changes.
type EntityService interface {
	GetEntity(ctx context.Context, entityID string) (Entity, error)
	SetEntityStatus(ctx context.Context, entityID, status string) error
}

// ApproverResolver maps entity + level to the user who decides it.
type ApproverResolver interface {
	ResolveApprover(ctx context.Context, entityID string, level int) (string, error)
	ResolveEscalationTargets(ctx context.Context, entityID string) ([]string, error)
}

// Notification templates passed to Notifier.Send.
const (
	TemplateApprovalRequested = "approval_requested"
	TemplateApprovalEscalated = "approval_escalated"
	TemplateApprovalOutcome   = "approval_outcome"
)

// Notifier delivers a templated message to a user and returns a delivery id.
type Notifier interface {
	Send(ctx context.Context, userRef, template string, data map[string]string) (string, error)
}

// AuditSink appends an entry to the audit trail of an entity.
type AuditSink interface {
	Append(ctx context.Context, entityID, action string, before, after map[string]string) error
}

// Collaborators bundles the external services used by activities.
type Collaborators struct {
	Entities  EntityService
	Approvers ApproverResolver
	Notifier  Notifier
	Audit     AuditSink
}
