package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/approvalflow/internal/inbox"
	"github.com/petrijr/approvalflow/internal/machine"
	"github.com/petrijr/approvalflow/internal/persistence"
	"github.com/petrijr/approvalflow/internal/timer"
	"github.com/petrijr/approvalflow/pkg/api"
	"github.com/petrijr/approvalflow/pkg/worker"
)

// engineImpl runs one actor goroutine per loaded instance. Signals and timer
// fires go through the durable inbox; the actor applies them one at a time,
// persists the transition, acknowledges the message and only then touches the
// timer and dispatches activities.
type engineImpl struct {
	store  persistence.InstanceStore
	ledger persistence.ActivityLedger
	inbox  inbox.Inbox

	collab   api.Collaborators
	opts     api.Options
	observer api.Observer
	clock    timer.Clock
	newRunID func() string

	timers *timer.Service
	exec   *worker.Executor
	actors *actorRegistry

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	// lifeMu keeps group.Go from racing group.Wait in Close.
	lifeMu sync.RWMutex
	closed bool

	// busy counts actors currently draining their inbox.
	busy atomic.Int64
}

// Config describes how to construct an engine.
type Config struct {
	Persistence   persistence.Persistence
	Collaborators api.Collaborators
	Options       api.Options

	// Clock drives level deadlines. Nil uses the system clock.
	Clock timer.Clock

	// NewRunID generates run ids. Nil uses random UUIDs.
	NewRunID func() string
}

// NewInMemoryEngine returns an engine whose snapshots, history, ledger and
// inbox live in process memory.
func NewInMemoryEngine(c api.Collaborators, opts api.Options) (api.Engine, error) {
	mem := persistence.NewInMemoryStore()
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Instances: mem,
			Ledger:    mem,
			Inbox:     inbox.NewInMemoryInbox(),
		},
		Collaborators: c,
		Options:       opts,
	})
}

// NewEngineWithConfig validates cfg and starts the timer service and the
// activity executor. Instances persisted by a previous process are loaded by
// Recover, or lazily on first use.
func NewEngineWithConfig(cfg Config) (api.Engine, error) {
	p := cfg.Persistence
	if p.Instances == nil || p.Ledger == nil || p.Inbox == nil {
		return nil, fmt.Errorf("%w: instance store, ledger and inbox are required", api.ErrInvalidRequest)
	}
	opts := cfg.Options
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	obs := opts.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timer.SystemClock{}
	}
	newRunID := cfg.NewRunID
	if newRunID == nil {
		newRunID = uuid.NewString
	}

	e := &engineImpl{
		store:    p.Instances,
		ledger:   p.Ledger,
		inbox:    p.Inbox,
		collab:   cfg.Collaborators,
		opts:     opts,
		observer: obs,
		clock:    clock,
		newRunID: newRunID,
		actors:   newActorRegistry(),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.timers = timer.New(clock, e.onFire)
	e.exec = worker.NewExecutor(p.Ledger, worker.NewActivities(cfg.Collaborators).Run, worker.Config{
		Lanes:    opts.Lanes,
		Timeout:  opts.ActivityTimeout,
		Policies: opts.RetryPoliciesFor,
		Observer: obs,
		Now:      clock.Now,
	})
	return e, nil
}

func (e *engineImpl) checkOpen() error {
	e.lifeMu.RLock()
	defer e.lifeMu.RUnlock()
	if e.closed {
		return api.ErrEngineClosed
	}
	return nil
}

func (e *engineImpl) Start(ctx context.Context, req api.StartRequest) (api.StartResult, error) {
	if err := e.checkOpen(); err != nil {
		return api.StartResult{}, err
	}
	if req.EntityID == "" {
		return api.StartResult{}, fmt.Errorf("%w: entity id is required", api.ErrInvalidRequest)
	}
	id := api.InstanceIDFor(req.EntityID)

	cur, err := e.store.GetInstance(ctx, id)
	switch {
	case err == nil:
		return api.StartResult{}, startConflict(cur)
	case !errors.Is(err, persistence.ErrInstanceNotFound):
		return api.StartResult{}, err
	}

	tenant, maxLevel, err := e.resolveLevels(ctx, req.EntityID, req.MaxLevel)
	if err != nil {
		return api.StartResult{}, err
	}
	tr, err := machine.Create(nil, machine.Run{
		InstanceID: id,
		RunID:      e.newRunID(),
		EntityID:   req.EntityID,
		TenantID:   tenant,
		MaxLevel:   maxLevel,
		Actor:      req.Actor,
	}, e.clock.Now())
	if err != nil {
		return api.StartResult{}, err
	}

	if err := e.store.CreateInstance(ctx, tr.Next, tr.Event); err != nil {
		if errors.Is(err, persistence.ErrInstanceExists) {
			return api.StartResult{}, api.ErrAlreadyRunning
		}
		return api.StartResult{}, fmt.Errorf("create %s: %w", id, err)
	}

	// step is held until the level-1 timer is armed; the actor applies no
	// message before that.
	a := newActor(e, tr.Next)
	a.step.Lock()
	if cur, ok := e.actors.Put(a); !ok {
		a.step.Unlock()
		a = cur
		a.step.Lock()
		a.setInstance(tr.Next)
	} else if err := e.startActor(a); err != nil {
		a.step.Unlock()
		return api.StartResult{}, err
	}
	e.afterTransition(ctx, tr)
	e.observer.OnInstanceStarted(ctx, tr.Next.Clone())
	a.step.Unlock()

	return api.StartResult{InstanceID: id, RunID: tr.Next.RunID, MaxLevel: maxLevel}, nil
}

func startConflict(cur *api.Instance) error {
	switch {
	case cur.Quarantined:
		return api.ErrQuarantined
	case cur.Status.IsTerminal():
		return api.ErrAlreadyCompleted
	default:
		return api.ErrAlreadyRunning
	}
}

// resolveLevels reads the entity, when an entity service is configured, to
// find its tenant and, unless requested explicitly, the number of levels.
func (e *engineImpl) resolveLevels(ctx context.Context, entityID string, requested int) (string, int, error) {
	ent := api.Entity{ID: entityID}
	if e.collab.Entities != nil {
		var err error
		ent, err = e.collab.Entities.GetEntity(ctx, entityID)
		if err != nil {
			return "", 0, fmt.Errorf("get entity %s: %w", entityID, err)
		}
	}
	if requested != 0 {
		return ent.TenantID, requested, nil
	}
	return ent.TenantID, e.opts.LevelPolicyFor(ent.TenantID).Levels(ent), nil
}

func (e *engineImpl) Restart(ctx context.Context, entityID string) (api.StartResult, error) {
	if err := e.checkOpen(); err != nil {
		return api.StartResult{}, err
	}
	if entityID == "" {
		return api.StartResult{}, fmt.Errorf("%w: entity id is required", api.ErrInvalidRequest)
	}
	a, err := e.actorFor(ctx, api.InstanceIDFor(entityID))
	if err != nil {
		return api.StartResult{}, err
	}

	a.step.Lock()
	defer a.step.Unlock()

	cur := a.snapshot()
	if cur.Quarantined {
		return api.StartResult{}, api.ErrQuarantined
	}
	if !cur.Status.IsTerminal() {
		return api.StartResult{}, api.ErrAlreadyRunning
	}
	tenant, maxLevel, err := e.resolveLevels(ctx, entityID, 0)
	if err != nil {
		return api.StartResult{}, err
	}
	if tenant == "" {
		tenant = cur.TenantID
	}
	tr, err := machine.Create(cur, machine.Run{
		InstanceID: cur.InstanceID,
		RunID:      e.newRunID(),
		EntityID:   entityID,
		TenantID:   tenant,
		MaxLevel:   maxLevel,
	}, e.clock.Now())
	if err != nil {
		return api.StartResult{}, err
	}
	if err := e.store.AppendTransition(ctx, tr.Next, tr.Event); err != nil {
		return api.StartResult{}, fmt.Errorf("restart %s: %w", cur.InstanceID, err)
	}
	a.setInstance(tr.Next)
	e.afterTransition(ctx, tr)
	e.observer.OnInstanceStarted(ctx, tr.Next.Clone())

	return api.StartResult{InstanceID: cur.InstanceID, RunID: tr.Next.RunID, MaxLevel: maxLevel}, nil
}

func (e *engineImpl) Signal(ctx context.Context, instanceID string, sig api.Signal) (api.Ack, error) {
	ack, err := e.signal(ctx, instanceID, sig)
	if err != nil && api.IsStructural(err) {
		e.observer.OnSignalRejected(ctx, instanceID, sig, err)
	}
	return ack, err
}

func (e *engineImpl) signal(ctx context.Context, instanceID string, sig api.Signal) (api.Ack, error) {
	if err := e.checkOpen(); err != nil {
		return api.Ack{}, err
	}
	if !sig.Type.IsExternal() {
		return api.Ack{}, fmt.Errorf("%w: %q", api.ErrInvalidSignal, sig.Type)
	}
	a, err := e.actorFor(ctx, instanceID)
	if err != nil {
		return api.Ack{}, err
	}
	cur := a.snapshot()
	switch {
	case cur.Quarantined:
		return api.Ack{}, api.ErrQuarantined
	case cur.Status.IsTerminal():
		return api.Ack{}, api.ErrAlreadyCompleted
	}

	msg, err := e.inbox.Enqueue(ctx, api.Message{
		InstanceID: instanceID,
		Type:       sig.Type,
		Actor:      sig.Actor,
		Comment:    sig.Comment,
		EnqueuedAt: e.clock.Now(),
	})
	if err != nil {
		return api.Ack{}, fmt.Errorf("enqueue %s: %w", sig.Type, err)
	}
	a.notify()
	return api.Ack{InstanceID: instanceID, Seq: msg.Seq, AcceptedAt: msg.EnqueuedAt}, nil
}

func (e *engineImpl) Cancel(ctx context.Context, instanceID, actor, reason string) (api.Ack, error) {
	return e.Signal(ctx, instanceID, api.Signal{Type: api.SignalCancel, Actor: actor, Comment: reason})
}

func (e *engineImpl) Query(ctx context.Context, instanceID string) (*api.Instance, error) {
	return e.store.GetInstance(ctx, instanceID)
}

func (e *engineImpl) History(ctx context.Context, instanceID string) ([]api.Event, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, instanceID)
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.Instance, error) {
	return e.store.ListInstances(ctx, opts)
}

func (e *engineImpl) WaitProcessed(ctx context.Context, instanceID string, seq int64) error {
	a, err := e.actorFor(ctx, instanceID)
	if err != nil {
		return err
	}
	return a.waitProcessed(ctx, seq)
}

func (e *engineImpl) Drain(ctx context.Context) error {
	tick := time.NewTicker(2 * time.Millisecond)
	defer tick.Stop()
	for {
		if e.inbox.Len() == 0 && e.busy.Load() == 0 {
			if err := e.exec.Flush(ctx); err != nil {
				return err
			}
			if e.inbox.Len() == 0 && e.busy.Load() == 0 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func (e *engineImpl) Close() error {
	e.lifeMu.Lock()
	if e.closed {
		e.lifeMu.Unlock()
		return nil
	}
	e.closed = true
	e.lifeMu.Unlock()

	e.cancel()
	e.timers.Close()
	return errors.Join(e.group.Wait(), e.exec.Close())
}

func (e *engineImpl) startActor(a *actor) error {
	e.lifeMu.RLock()
	defer e.lifeMu.RUnlock()
	if e.closed {
		return api.ErrEngineClosed
	}
	e.group.Go(func() error {
		a.run(e.ctx)
		return nil
	})
	return nil
}

// afterTransition runs once tr is durable: it arms or cancels the level
// timer and hands the transition's activities to the executor.
func (e *engineImpl) afterTransition(ctx context.Context, tr machine.Transition) {
	switch tr.Timer {
	case machine.TimerArm:
		e.armTimer(tr.Next)
	case machine.TimerCancel:
		e.timers.CancelInstance(tr.Next.InstanceID)
	}
	if acts := tr.Activities(); len(acts) > 0 {
		// On failure the intents stay in history without ledger records and
		// Recover dispatches them again.
		_ = e.exec.Dispatch(ctx, acts)
	}
}

// armTimer schedules the deadline of the instance's current level, measured
// from its last transition. A deadline already in the past produces a
// timeout message right away.
func (e *engineImpl) armTimer(inst *api.Instance) {
	deadline := inst.Deadline(e.opts.LevelTimeoutFor(inst.TenantID, inst.CurrentLevel))
	d := deadline.Sub(e.clock.Now())
	if d <= 0 {
		e.timers.CancelInstance(inst.InstanceID)
		e.onFire(timer.Fire{
			InstanceID: inst.InstanceID,
			Level:      inst.CurrentLevel,
			Generation: inst.TimerGeneration,
			Deadline:   deadline,
		})
		return
	}
	e.timers.Arm(inst.InstanceID, inst.CurrentLevel, inst.TimerGeneration, d)
}

// onFire turns an elapsed deadline into a timeout message. Whether the fire
// is still current is decided by the actor against the armed generation.
func (e *engineImpl) onFire(f timer.Fire) {
	msg := api.Message{
		InstanceID:      f.InstanceID,
		Type:            api.SignalTimeout,
		Level:           f.Level,
		TimerGeneration: f.Generation,
		EnqueuedAt:      e.clock.Now(),
	}
	if _, err := e.inbox.Enqueue(e.ctx, msg); err != nil {
		if e.ctx.Err() != nil {
			return
		}
		go e.retryTimeout(msg)
		return
	}
	e.wake(f.InstanceID)
}

func (e *engineImpl) retryTimeout(msg api.Message) {
	err := retry.Do(e.ctx, persistBackoff(), func(ctx context.Context) error {
		if _, err := e.inbox.Enqueue(ctx, msg); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err == nil {
		e.wake(msg.InstanceID)
	}
}

func (e *engineImpl) wake(instanceID string) {
	if a, ok := e.actors.Get(instanceID); ok {
		a.notify()
	}
}

// actorFor returns the live actor of an instance, rehydrating it from the
// event log on first use.
func (e *engineImpl) actorFor(ctx context.Context, instanceID string) (*actor, error) {
	if a, ok := e.actors.Get(instanceID); ok {
		return a, nil
	}
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.actors.Load(instanceID, func() (*actor, error) {
		return e.rehydrate(ctx, instanceID)
	})
}

// persistBackoff is used for storage operations that must eventually
// succeed; retries stop only when the context is done.
func persistBackoff() retry.Backoff {
	b := retry.NewExponential(20 * time.Millisecond)
	b = retry.WithCappedDuration(5*time.Second, b)
	return retry.WithJitterPercent(10, b)
}
