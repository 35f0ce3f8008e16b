package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/sethvargo/go-retry"

	"github.com/petrijr/approvalflow/internal/machine"
	"github.com/petrijr/approvalflow/internal/persistence"
	"github.com/petrijr/approvalflow/pkg/api"
)

// actor owns one instance. At most one transition is in flight per actor:
// the run loop and Restart both hold step while they change the snapshot.
type actor struct {
	id   string
	e    *engineImpl
	wake chan struct{}

	step sync.Mutex

	mu        sync.Mutex
	inst      *api.Instance
	cursor    int64 // last inbox seq handled
	processed int64
	changed   chan struct{}
	stopped   chan struct{}

	quit     chan struct{}
	quitOnce sync.Once
}

func newActor(e *engineImpl, inst *api.Instance) *actor {
	return &actor{
		id:        inst.InstanceID,
		e:         e,
		wake:      make(chan struct{}, 1),
		inst:      inst.Clone(),
		cursor:    inst.InboxSeq,
		processed: inst.InboxSeq,
		changed:   make(chan struct{}),
		stopped:   make(chan struct{}),
		quit:      make(chan struct{}),
	}
}

// stop ends the run loop without waiting for it.
func (a *actor) stop() {
	a.quitOnce.Do(func() { close(a.quit) })
}

func (a *actor) notify() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *actor) snapshot() *api.Instance {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inst.Clone()
}

func (a *actor) setInstance(inst *api.Instance) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inst = inst.Clone()
}

func (a *actor) markProcessed(seq int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if seq > a.cursor {
		a.cursor = seq
	}
	if seq > a.processed {
		a.processed = seq
		close(a.changed)
		a.changed = make(chan struct{})
	}
}

func (a *actor) waitProcessed(ctx context.Context, seq int64) error {
	for {
		a.mu.Lock()
		done, changed := a.processed >= seq, a.changed
		a.mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stopped:
			return api.ErrEngineClosed
		case <-changed:
		}
	}
}

func (a *actor) run(ctx context.Context) {
	defer close(a.stopped)
	for {
		a.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-a.quit:
			return
		case <-a.wake:
		}
	}
}

// drain applies pending inbox messages in seq order until none are left or
// ctx is done.
func (a *actor) drain(ctx context.Context) {
	a.e.busy.Add(1)
	defer a.e.busy.Add(-1)

	for ctx.Err() == nil {
		var msgs []api.Message
		err := retry.Do(ctx, persistBackoff(), func(ctx context.Context) error {
			var err error
			msgs, err = a.e.inbox.Pending(ctx, a.id, a.cursorSeq())
			return retry.RetryableError(err)
		})
		if err != nil || len(msgs) == 0 {
			return
		}
		for _, m := range msgs {
			if err := a.handle(ctx, m); err != nil {
				return
			}
		}
	}
}

func (a *actor) cursorSeq() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor
}

// handle applies one message. It returns an error only when ctx ended
// before the transition could be persisted; the message then stays in the
// inbox.
func (a *actor) handle(ctx context.Context, m api.Message) error {
	a.step.Lock()
	defer a.step.Unlock()

	for {
		cur := a.snapshot()
		if m.Seq <= cur.InboxSeq {
			a.discard(ctx, m)
			return nil
		}

		tr, err := machine.Apply(ctx, cur, m)
		switch {
		case errors.Is(err, machine.ErrStaleTimer):
			a.e.observer.OnStaleTimer(ctx, cur, m)
			a.discard(ctx, m)
			return nil
		case err != nil:
			a.e.observer.OnSignalRejected(ctx, a.id, api.Signal{Type: m.Type, Actor: m.Actor, Comment: m.Comment}, err)
			a.discard(ctx, m)
			return nil
		}

		err = a.persist(ctx, tr)
		switch {
		case err == nil:
		case errors.Is(err, persistence.ErrConflict):
			if err := a.reload(ctx); err != nil {
				return err
			}
			continue
		case errors.Is(err, persistence.ErrInstanceNotFound):
			a.discard(ctx, m)
			return nil
		default:
			return err
		}

		a.setInstance(tr.Next)
		// A failed ack is harmless: InboxSeq already covers m.
		_ = a.e.inbox.Ack(ctx, a.id, m.Seq)
		a.e.afterTransition(ctx, tr)
		a.e.observer.OnTransition(ctx, tr.Next.Clone(), tr.Event)
		a.markProcessed(m.Seq)
		return nil
	}
}

func (a *actor) discard(ctx context.Context, m api.Message) {
	_ = a.e.inbox.Ack(ctx, a.id, m.Seq)
	a.markProcessed(m.Seq)
}

// persist appends the transition, retrying storage errors until ctx is
// done. Conflicts and missing instances are returned to the caller.
func (a *actor) persist(ctx context.Context, tr machine.Transition) error {
	return retry.Do(ctx, persistBackoff(), func(ctx context.Context) error {
		err := a.e.store.AppendTransition(ctx, tr.Next, tr.Event)
		if err == nil ||
			errors.Is(err, persistence.ErrConflict) ||
			errors.Is(err, persistence.ErrInstanceNotFound) {
			return err
		}
		return retry.RetryableError(err)
	})
}

// reload replaces the in-memory snapshot with the stored one after another
// writer got ahead of this actor.
func (a *actor) reload(ctx context.Context) error {
	return retry.Do(ctx, persistBackoff(), func(ctx context.Context) error {
		inst, err := a.e.store.GetInstance(ctx, a.id)
		if err != nil {
			return retry.RetryableError(err)
		}
		a.setInstance(inst)
		return nil
	})
}
