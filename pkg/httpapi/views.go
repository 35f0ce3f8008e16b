package httpapi

import (
	"time"

	"github.com/petrijr/approvalflow/pkg/api"
)

type decisionDoc struct {
	Level     int       `json:"level"`
	Outcome   string    `json:"outcome"`
	DecidedBy string    `json:"decided_by"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

type instanceDoc struct {
	InstanceID       string        `json:"instance_id"`
	RunID            string        `json:"run_id"`
	EntityID         string        `json:"entity_id"`
	TenantID         string        `json:"tenant_id,omitempty"`
	Status           string        `json:"status"`
	Phase            string        `json:"phase"`
	CurrentLevel     int           `json:"current_level"`
	MaxLevel         int           `json:"max_level"`
	Escalated        bool          `json:"escalated"`
	Escalations      int           `json:"escalations"`
	Decisions        []decisionDoc `json:"decisions"`
	Seq              int64         `json:"seq"`
	Quarantined      bool          `json:"quarantined,omitempty"`
	QuarantineReason string        `json:"quarantine_reason,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

func newInstanceDoc(inst *api.Instance) instanceDoc {
	doc := instanceDoc{
		InstanceID:       inst.InstanceID,
		RunID:            inst.RunID,
		EntityID:         inst.EntityID,
		TenantID:         inst.TenantID,
		Status:           string(inst.Status),
		Phase:            string(inst.Phase),
		CurrentLevel:     inst.CurrentLevel,
		MaxLevel:         inst.MaxLevel,
		Escalated:        inst.Escalated,
		Escalations:      inst.Escalations,
		Decisions:        make([]decisionDoc, 0, len(inst.Decisions)),
		Seq:              inst.Seq,
		Quarantined:      inst.Quarantined,
		QuarantineReason: inst.QuarantineReason,
		CreatedAt:        inst.CreatedAt,
		UpdatedAt:        inst.UpdatedAt,
	}
	for _, d := range inst.Decisions {
		doc.Decisions = append(doc.Decisions, decisionDoc{
			Level:     d.Level,
			Outcome:   string(d.Outcome),
			DecidedBy: d.DecidedBy,
			Comment:   d.Comment,
			DecidedAt: d.DecidedAt,
		})
	}
	return doc
}

type eventDoc struct {
	Seq        int64     `json:"seq"`
	RunID      string    `json:"run_id"`
	Type       string    `json:"type"`
	Actor      string    `json:"actor,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	Level      int       `json:"level,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Activities []string  `json:"activities,omitempty"`
	At         time.Time `json:"at"`
}

func newEventDoc(ev api.Event) eventDoc {
	doc := eventDoc{
		Seq:     ev.Seq,
		RunID:   ev.RunID,
		Type:    string(ev.Type),
		Actor:   ev.Payload.Actor,
		Comment: ev.Payload.Comment,
		Level:   ev.Payload.Level,
		Reason:  ev.Payload.Reason,
		At:      ev.At,
	}
	for _, in := range ev.Activities {
		doc.Activities = append(doc.Activities, string(in.Name))
	}
	return doc
}
