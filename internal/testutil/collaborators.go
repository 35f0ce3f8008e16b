package testutil

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/petrijr/approvalflow/pkg/api"
)

// Entities is an in-memory EntityService.
type Entities struct {
	mu       sync.Mutex
	entities map[string]api.Entity
	history  map[string][]string
	failSets int
}

func NewEntities(entities ...api.Entity) *Entities {
	e := &Entities{
		entities: make(map[string]api.Entity),
		history:  make(map[string][]string),
	}
	for _, ent := range entities {
		e.entities[ent.ID] = ent
	}
	return e
}

// Put adds or replaces an entity.
func (e *Entities) Put(ent api.Entity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entities[ent.ID] = ent
}

// FailNextSets makes the next n SetEntityStatus calls fail.
func (e *Entities) FailNextSets(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failSets = n
}

func (e *Entities) GetEntity(ctx context.Context, id string) (api.Entity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entities[id]
	if !ok {
		return api.Entity{}, fmt.Errorf("%w: %s", api.ErrEntityNotFound, id)
	}
	return ent, nil
}

func (e *Entities) SetEntityStatus(ctx context.Context, id, status string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failSets > 0 {
		e.failSets--
		return errors.New("entity service unavailable")
	}
	ent, ok := e.entities[id]
	if !ok {
		return fmt.Errorf("%w: %s", api.ErrEntityNotFound, id)
	}
	ent.Status = status
	e.entities[id] = ent
	e.history[id] = append(e.history[id], status)
	return nil
}

// Status returns the current status of an entity.
func (e *Entities) Status(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entities[id].Status
}

// StatusHistory returns every status written to an entity, in order.
func (e *Entities) StatusHistory(id string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.history[id]...)
}

// Approvers resolves "<prefix>-L<level>" approvers and a fixed escalation list.
type Approvers struct {
	Prefix     string
	Escalation []string
}

func (a Approvers) ResolveApprover(ctx context.Context, entityID string, level int) (string, error) {
	prefix := a.Prefix
	if prefix == "" {
		prefix = "approver"
	}
	return fmt.Sprintf("%s-L%d", prefix, level), nil
}

func (a Approvers) ResolveEscalationTargets(ctx context.Context, entityID string) ([]string, error) {
	if len(a.Escalation) == 0 {
		return []string{"escalation-manager"}, nil
	}
	return a.Escalation, nil
}

// Notification is one call to Notifier.Send.
type Notification struct {
	To       string
	Template string
	Data     map[string]string
}

// Notifier records notifications.
type Notifier struct {
	mu       sync.Mutex
	sent     []Notification
	failNext int
}

func (n *Notifier) FailNext(k int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failNext = k
}

func (n *Notifier) Send(ctx context.Context, to, template string, data map[string]string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failNext > 0 {
		n.failNext--
		return "", errors.New("notification gateway unavailable")
	}
	n.sent = append(n.sent, Notification{To: to, Template: template, Data: maps.Clone(data)})
	return fmt.Sprintf("delivery-%d", len(n.sent)), nil
}

// Sent returns the recorded notifications.
func (n *Notifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

// Count returns how many notifications used template, for an entity when
// entityID is not empty.
func (n *Notifier) Count(template, entityID string) int {
	c := 0
	for _, s := range n.Sent() {
		if s.Template == template && (entityID == "" || s.Data["entity_id"] == entityID) {
			c++
		}
	}
	return c
}

// AuditEntry is one call to AuditSink.Append.
type AuditEntry struct {
	EntityID string
	Action   string
	Before   map[string]string
	After    map[string]string
}

// Audit records audit entries.
type Audit struct {
	mu       sync.Mutex
	entries  []AuditEntry
	failNext int
}

// FailNext makes the next k appends fail.
func (a *Audit) FailNext(k int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext = k
}

func (a *Audit) Append(ctx context.Context, entityID, action string, before, after map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failNext > 0 {
		a.failNext--
		return errors.New("audit sink unavailable")
	}
	a.entries = append(a.entries, AuditEntry{EntityID: entityID, Action: action, Before: maps.Clone(before), After: maps.Clone(after)})
	return nil
}

// Entries returns the audit entries of an entity, or all when entityID is
// empty.
func (a *Audit) Entries(entityID string) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []AuditEntry
	for _, e := range a.entries {
		if entityID == "" || e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out
}

// Collaborators bundles fresh fakes.
type Collaborators struct {
	Entities  *Entities
	Approvers Approvers
	Notifier  *Notifier
	Audit     *Audit
}

func NewCollaborators(entities ...api.Entity) *Collaborators {
	return &Collaborators{
		Entities: NewEntities(entities...),
		Notifier: &Notifier{},
		Audit:    &Audit{},
	}
}

// API returns the bundle as api.Collaborators.
func (c *Collaborators) API() api.Collaborators {
	return api.Collaborators{
		Entities:  c.Entities,
		Approvers: c.Approvers,
		Notifier:  c.Notifier,
		Audit:     c.Audit,
	}
}
