package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/petrijr/approvalflow/pkg/api"
)

// Audit actions written by the activities.
const (
	AuditStatusChanged    = "status_changed"
	AuditDecisionRecorded = "decision_recorded"
)

// Activities runs activity intents against the external collaborators.
// A nil collaborator turns the activities that need it into no-ops.
type Activities struct {
	c api.Collaborators

	// prior holds the entity status seen before updateEntityStatus changed
	// it, by activity key, until the audit entry for the change is written.
	prior sync.Map
}

// NewActivities returns the activity implementations bound to c.
func NewActivities(c api.Collaborators) *Activities {
	return &Activities{c: c}
}

// Run executes in. Malformed intents, unknown activities and missing
// entities fail permanently; everything else is left to the retry policy.
func (a *Activities) Run(ctx context.Context, in api.ActivityIntent) error {
	if in.EntityID == "" {
		return Permanent(fmt.Errorf("%s: missing entity id", in.Name))
	}
	var err error
	switch in.Name {
	case api.ActivityNotifyApprover:
		err = a.notifyApprover(ctx, in)
	case api.ActivityNotifyEscalation:
		err = a.notifyEscalation(ctx, in)
	case api.ActivityNotifyRequesterOutcome:
		err = a.notifyRequesterOutcome(ctx, in)
	case api.ActivityUpdateEntityStatus:
		err = a.updateEntityStatus(ctx, in)
	case api.ActivityRecordDecision:
		err = a.recordDecision(ctx, in)
	default:
		return Permanent(fmt.Errorf("%w: %q", api.ErrUnknownActivity, in.Name))
	}
	if errors.Is(err, api.ErrEntityNotFound) || errors.Is(err, api.ErrNoApprover) {
		return Permanent(err)
	}
	return err
}

func baseData(in api.ActivityIntent) map[string]string {
	return map[string]string{
		"instance_id":  in.InstanceID,
		"entity_id":    in.EntityID,
		"tenant_id":    in.TenantID,
		"level":        strconv.Itoa(in.Level),
		"activity_key": in.Key,
	}
}

func (a *Activities) notifyApprover(ctx context.Context, in api.ActivityIntent) error {
	if a.c.Approvers == nil || a.c.Notifier == nil {
		return nil
	}
	approver, err := a.c.Approvers.ResolveApprover(ctx, in.EntityID, in.Level)
	if err != nil {
		return fmt.Errorf("resolve approver: %w", err)
	}
	if approver == "" {
		return fmt.Errorf("%w %d", api.ErrNoApprover, in.Level)
	}
	_, err = a.c.Notifier.Send(ctx, approver, api.TemplateApprovalRequested, baseData(in))
	return err
}

func (a *Activities) notifyEscalation(ctx context.Context, in api.ActivityIntent) error {
	if a.c.Approvers == nil || a.c.Notifier == nil {
		return nil
	}
	targets, err := a.c.Approvers.ResolveEscalationTargets(ctx, in.EntityID)
	if err != nil {
		return fmt.Errorf("resolve escalation targets: %w", err)
	}
	var errs []error
	for _, target := range targets {
		if _, err := a.c.Notifier.Send(ctx, target, api.TemplateApprovalEscalated, baseData(in)); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", target, err))
		}
	}
	return errors.Join(errs...)
}

func (a *Activities) notifyRequesterOutcome(ctx context.Context, in api.ActivityIntent) error {
	if a.c.Entities == nil || a.c.Notifier == nil {
		return nil
	}
	if in.EntityStatus == "" {
		return Permanent(fmt.Errorf("%s: missing outcome", in.Name))
	}
	entity, err := a.c.Entities.GetEntity(ctx, in.EntityID)
	if err != nil {
		return err
	}
	if entity.Requester == "" {
		return nil
	}
	data := baseData(in)
	data["outcome"] = in.EntityStatus
	_, err = a.c.Notifier.Send(ctx, entity.Requester, api.TemplateApprovalOutcome, data)
	return err
}

// updateEntityStatus sets the entity status and audits the change. The
// executor runs a key again only while it has no ledger record, so a run
// that finds the status already set still owes the audit entry.
func (a *Activities) updateEntityStatus(ctx context.Context, in api.ActivityIntent) error {
	if a.c.Entities == nil {
		return nil
	}
	if in.EntityStatus == "" {
		return Permanent(fmt.Errorf("%s: missing status", in.Name))
	}
	entity, err := a.c.Entities.GetEntity(ctx, in.EntityID)
	if err != nil {
		return err
	}
	before := entity.Status
	if v, ok := a.prior.Load(in.Key); ok {
		before = v.(string)
	}
	if entity.Status != in.EntityStatus {
		a.prior.Store(in.Key, before)
		if err := a.c.Entities.SetEntityStatus(ctx, in.EntityID, in.EntityStatus); err != nil {
			return err
		}
	}
	if a.c.Audit != nil {
		err := a.c.Audit.Append(ctx, in.EntityID, AuditStatusChanged,
			map[string]string{"status": before},
			map[string]string{"status": in.EntityStatus, "activity_key": in.Key},
		)
		if err != nil {
			return err
		}
	}
	a.prior.Delete(in.Key)
	return nil
}

func (a *Activities) recordDecision(ctx context.Context, in api.ActivityIntent) error {
	if in.Decision == nil {
		return Permanent(fmt.Errorf("%s: missing decision", in.Name))
	}
	if a.c.Audit == nil {
		return nil
	}
	d := in.Decision
	return a.c.Audit.Append(ctx, in.EntityID, AuditDecisionRecorded, nil, map[string]string{
		"instance_id": in.InstanceID,
		"level":       strconv.Itoa(d.Level),
		"outcome":     string(d.Outcome),
		"decided_by":  d.DecidedBy,
		"comment":     d.Comment,
		"decided_at":  d.DecidedAt.UTC().Format(time.RFC3339Nano),
	})
}
