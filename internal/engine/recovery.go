package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/approvalflow/internal/machine"
	"github.com/petrijr/approvalflow/internal/persistence"
	"github.com/petrijr/approvalflow/pkg/api"
)

// recoverConcurrency bounds how many instances Recover rehydrates at once.
const recoverConcurrency = 8

func (e *engineImpl) Recover(ctx context.Context) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}

	running, err := e.store.ListInstances(ctx, api.InstanceListOptions{Status: api.StatusRunning})
	if err != nil {
		return 0, fmt.Errorf("list running instances: %w", err)
	}
	pending, err := e.inbox.PendingInstances(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending inboxes: %w", err)
	}

	seen := make(map[string]struct{}, len(running)+len(pending))
	for _, inst := range running {
		if !inst.Quarantined {
			seen[inst.InstanceID] = struct{}{}
		}
	}
	for _, id := range pending {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		resumed atomic.Int64
		mu      sync.Mutex
		errs    []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoverConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			_, err := e.actorFor(gctx, id)
			switch {
			case err == nil:
				resumed.Add(1)
			case errors.Is(err, api.ErrQuarantined), errors.Is(err, api.ErrInstanceNotFound):
			default:
				mu.Lock()
				errs = append(errs, fmt.Errorf("recover %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(resumed.Load()), errors.Join(errs...)
}

// rehydrate rebuilds the actor of an instance from its event log. A snapshot
// that does not match the replayed history is quarantined instead.
func (e *engineImpl) rehydrate(ctx context.Context, id string) (*actor, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Quarantined {
		return nil, api.ErrQuarantined
	}
	events, err := e.store.ListEvents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	replayed, err := machine.Replay(ctx, events)
	var reason string
	if err != nil {
		reason = err.Error()
	} else {
		reason = machine.Diff(replayed, inst)
	}
	if reason != "" {
		if err := e.quarantine(ctx, inst, reason); err != nil {
			return nil, err
		}
		return nil, api.ErrQuarantined
	}

	if err := e.redispatch(ctx, inst, events); err != nil {
		return nil, err
	}

	// Arm from the stored snapshot before the actor drains its inbox, so
	// transitions applied by the drain arm later generations.
	a := newActor(e, inst)
	a.step.Lock()
	if cur, ok := e.actors.Put(a); !ok {
		a.step.Unlock()
		return cur, nil
	}
	if err := e.startActor(a); err != nil {
		a.step.Unlock()
		e.actors.Remove(id)
		return nil, err
	}
	if !inst.Status.IsTerminal() {
		e.armTimer(inst)
	}
	a.step.Unlock()
	a.notify()
	return a, nil
}

// quarantine marks inst as inconsistent. The snapshot keeps its status; the
// marker is appended to history so replays reproduce it.
func (e *engineImpl) quarantine(ctx context.Context, inst *api.Instance, reason string) error {
	q := inst.Clone()
	q.Quarantined = true
	q.QuarantineReason = reason
	q.Seq = inst.Seq + 1
	ev := api.Event{
		InstanceID: inst.InstanceID,
		Seq:        q.Seq,
		RunID:      inst.RunID,
		Type:       api.EventQuarantined,
		Payload:    api.EventPayload{Reason: reason},
		At:         e.clock.Now(),
	}
	if err := e.store.AppendTransition(ctx, q, ev); err != nil {
		return fmt.Errorf("quarantine %s: %w", inst.InstanceID, err)
	}
	e.timers.CancelInstance(inst.InstanceID)
	e.observer.OnQuarantined(ctx, q, reason)
	return nil
}

// redispatch hands the current run's activity intents that have no ledger
// record back to the executor. Keys are stable, so intents that completed in
// the meantime are skipped by the executor as well.
func (e *engineImpl) redispatch(ctx context.Context, inst *api.Instance, events []api.Event) error {
	var todo []api.ActivityIntent
	for _, ev := range events {
		if ev.RunID != inst.RunID {
			continue
		}
		for _, in := range ev.Activities {
			_, err := e.ledger.GetActivity(ctx, in.Key)
			switch {
			case errors.Is(err, persistence.ErrActivityNotFound):
				todo = append(todo, in)
			case err != nil:
				return fmt.Errorf("ledger %s: %w", in.Key, err)
			}
		}
	}
	if len(todo) == 0 {
		return nil
	}
	return e.exec.Dispatch(ctx, todo)
}

func (e *engineImpl) Purge(ctx context.Context, instanceID string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if !inst.Status.IsTerminal() && !inst.Quarantined {
		return api.ErrAlreadyRunning
	}

	a, loaded := e.actors.Get(instanceID)
	if loaded {
		a.step.Lock()
		defer a.step.Unlock()
		if cur := a.snapshot(); !cur.Status.IsTerminal() {
			return api.ErrAlreadyRunning
		}
	}
	if err := e.store.DeleteInstance(ctx, instanceID); err != nil {
		return err
	}
	if loaded {
		e.actors.Remove(instanceID)
		a.stop()
	}
	e.timers.CancelInstance(instanceID)
	return nil
}
