package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/approvalflow/internal/persistence"
	"github.com/petrijr/approvalflow/pkg/api"
)

// ErrExecutorClosed is returned by Dispatch after Close.
var ErrExecutorClosed = errors.New("executor closed")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. The activity is recorded as failed
// after the current attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RunFunc executes a single attempt of an activity.
type RunFunc func(ctx context.Context, in api.ActivityIntent) error

// Ledger is the part of the activity ledger the executor needs.
type Ledger interface {
	GetActivity(ctx context.Context, key string) (api.ActivityRecord, error)
	SaveActivity(ctx context.Context, rec api.ActivityRecord) error
}

// Config configures an Executor. Zero fields get defaults.
type Config struct {
	// Lanes is the number of parallel lanes. Intents of one instance always
	// run on the same lane, in dispatch order.
	Lanes int

	// LaneBuffer is the number of queued invocations per lane before
	// Dispatch blocks.
	LaneBuffer int

	// Timeout bounds one attempt.
	Timeout time.Duration

	// Policies resolves the retry policies of a tenant.
	Policies func(tenantID string) api.RetryPolicies

	Observer api.Observer

	// Now stamps ledger records.
	Now func() time.Time
}

type job struct {
	ctx    context.Context
	intent api.ActivityIntent
}

// Executor runs activity intents at most once per idempotency key, with
// retries, on per-instance FIFO lanes.
type Executor struct {
	ledger Ledger
	run    RunFunc
	cfg    Config

	lanes  []chan job
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	// sendMu keeps lanes open while Dispatch is sending.
	sendMu sync.RWMutex

	mu      sync.Mutex
	closed  bool
	pending int
	idle    chan struct{}
}

// NewExecutor starts an executor that records outcomes in ledger and runs
// attempts with run.
func NewExecutor(ledger Ledger, run RunFunc, cfg Config) *Executor {
	if cfg.Lanes <= 0 {
		cfg.Lanes = 8
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = api.DefaultActivityTimeout
	}
	if cfg.Policies == nil {
		cfg.Policies = func(string) api.RetryPolicies { return api.DefaultRetryPolicies() }
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		ledger: ledger,
		run:    run,
		cfg:    cfg,
		lanes:  make([]chan job, cfg.Lanes),
		group:  &errgroup.Group{},
		ctx:    ctx,
		cancel: cancel,
		idle:   closedChan(),
	}
	for i := range e.lanes {
		lane := make(chan job, cfg.LaneBuffer)
		e.lanes[i] = lane
		e.group.Go(func() error {
			for j := range lane {
				e.runJob(j)
			}
			return nil
		})
	}
	return e
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (e *Executor) laneFor(instanceID string) chan job {
	h := fnv.New32a()
	_, _ = h.Write([]byte(instanceID))
	return e.lanes[h.Sum32()%uint32(len(e.lanes))]
}

// Dispatch queues intents for asynchronous execution. All intents must
// belong to one instance; they run in the given order.
func (e *Executor) Dispatch(ctx context.Context, intents []api.ActivityIntent) error {
	if len(intents) == 0 {
		return nil
	}
	lane := e.laneFor(intents[0].InstanceID)

	e.sendMu.RLock()
	defer e.sendMu.RUnlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	if e.pending == 0 {
		e.idle = make(chan struct{})
	}
	e.pending += len(intents)
	e.mu.Unlock()

	for i, in := range intents {
		select {
		case lane <- job{ctx: context.WithoutCancel(ctx), intent: in}:
		case <-ctx.Done():
			e.done(len(intents) - i)
			return ctx.Err()
		case <-e.ctx.Done():
			e.done(len(intents) - i)
			return ErrExecutorClosed
		}
	}
	return nil
}

func (e *Executor) done(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending -= n
	if e.pending == 0 {
		close(e.idle)
	}
}

func (e *Executor) runJob(j job) {
	defer e.done(1)
	if e.ctx.Err() != nil {
		return
	}
	ctx, cancel := mergeCancel(j.ctx, e.ctx)
	defer cancel()
	_, _ = e.Execute(ctx, j.intent)
}

// mergeCancel returns parent's values with stop's cancellation.
func mergeCancel(parent, stop context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	unregister := context.AfterFunc(stop, cancel)
	return ctx, func() {
		unregister()
		cancel()
	}
}

// Flush blocks until every dispatched intent has finished.
func (e *Executor) Flush(ctx context.Context) error {
	e.mu.Lock()
	idle := e.idle
	e.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of dispatched intents not yet finished.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// Execute runs one intent synchronously. A key already in the ledger is
// not executed again and its record is returned. Cancellation of ctx stops
// retrying without recording the key, so a later dispatch runs it again.
func (e *Executor) Execute(ctx context.Context, in api.ActivityIntent) (api.ActivityRecord, error) {
	rec, err := e.ledger.GetActivity(ctx, in.Key)
	if err == nil {
		e.cfg.Observer.OnActivityDeduplicated(ctx, in.Key)
		return rec, nil
	}
	if !errors.Is(err, persistence.ErrActivityNotFound) {
		return api.ActivityRecord{}, fmt.Errorf("ledger lookup %s: %w", in.Key, err)
	}

	policy := e.cfg.Policies(in.TenantID).For(in.Name)
	attempts := 0
	start := time.Now()

	runErr := retry.Do(ctx, backoffFor(policy), func(ctx context.Context) error {
		attempts++
		actx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()

		err := e.run(actx, in)
		switch {
		case err == nil:
			return nil
		case IsPermanent(err):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return retry.RetryableError(err)
		}
	})
	if runErr != nil && ctx.Err() != nil {
		return api.ActivityRecord{}, ctx.Err()
	}

	rec = api.ActivityRecord{
		Key:        in.Key,
		InstanceID: in.InstanceID,
		Name:       in.Name,
		Status:     api.ActivityCompleted,
		Attempts:   attempts,
		FinishedAt: e.cfg.Now(),
	}
	if runErr != nil {
		rec.Status = api.ActivityFailed
		rec.Error = runErr.Error()
	}
	if err := e.ledger.SaveActivity(ctx, rec); err != nil {
		return rec, fmt.Errorf("ledger save %s: %w", in.Key, err)
	}

	if runErr != nil {
		e.cfg.Observer.OnActivityFailed(ctx, rec, runErr)
		return rec, runErr
	}
	e.cfg.Observer.OnActivityCompleted(ctx, rec, time.Since(start))
	return rec, nil
}

// backoffFor turns a policy into a go-retry backoff. MaxAttempts counts the
// first call, so the retry budget is one less.
func backoffFor(p api.RetryPolicy) retry.Backoff {
	n := 0
	b := retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return p.Delay(n), false
	})
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return retry.WithMaxRetries(uint64(retries), b)
}

// Close stops the lanes. Attempts in flight are cancelled and their keys
// stay unrecorded; queued intents are dropped.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.sendMu.Lock()
	for _, lane := range e.lanes {
		close(lane)
	}
	e.sendMu.Unlock()
	return e.group.Wait()
}
