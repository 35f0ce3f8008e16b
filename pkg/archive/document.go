package archive

import (
	"time"

	"github.com/petrijr/approvalflow/pkg/api"
)

type document struct {
	InstanceID string          `json:"instance_id"`
	RunID      string          `json:"run_id"`
	EntityID   string          `json:"entity_id"`
	TenantID   string          `json:"tenant_id,omitempty"`
	Status     api.Status      `json:"status"`
	MaxLevel   int             `json:"max_level"`
	Escalated  bool            `json:"escalated"`
	Decisions  []decisionDoc   `json:"decisions"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	ArchivedAt time.Time       `json:"archived_at"`
	Events     []eventDocument `json:"events"`
}

type decisionDoc struct {
	Level     int       `json:"level"`
	Outcome   string    `json:"outcome"`
	DecidedBy string    `json:"decided_by"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

type eventDocument struct {
	Seq     int64     `json:"seq"`
	RunID   string    `json:"run_id"`
	Type    string    `json:"type"`
	Actor   string    `json:"actor,omitempty"`
	Comment string    `json:"comment,omitempty"`
	Level   int       `json:"level,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

func newDocument(rec Record) document {
	inst := rec.Instance
	doc := document{
		InstanceID: inst.InstanceID,
		RunID:      inst.RunID,
		EntityID:   inst.EntityID,
		TenantID:   inst.TenantID,
		Status:     inst.Status,
		MaxLevel:   inst.MaxLevel,
		Escalated:  inst.Escalated,
		Decisions:  make([]decisionDoc, 0, len(inst.Decisions)),
		CreatedAt:  inst.CreatedAt,
		UpdatedAt:  inst.UpdatedAt,
		ArchivedAt: rec.ArchivedAt,
		Events:     make([]eventDocument, 0, len(rec.Events)),
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
	for _, ev := range rec.Events {
		doc.Events = append(doc.Events, eventDocument{
			Seq:     ev.Seq,
			RunID:   ev.RunID,
			Type:    string(ev.Type),
			Actor:   ev.Payload.Actor,
			Comment: ev.Payload.Comment,
			Level:   ev.Payload.Level,
			Reason:  ev.Payload.Reason,
			At:      ev.At,
		})
	}
	return doc
}
