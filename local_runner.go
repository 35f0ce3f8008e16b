package approvalflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/petrijr/approvalflow/pkg/audit"
	"github.com/petrijr/approvalflow/pkg/notify"
)

// LocalRunner bundles an in-memory Engine with logging notifier, audit sink
// and observer to provide a simple "local runner" for development and
// debugging.
//
// Typical usage:
//
//	runner, _ := approvalflow.NewLocalRunner(entities, approvers, nil)
//	defer runner.Close()
//
//	res, _ := runner.Engine.Start(ctx, approvalflow.StartRequest{EntityID: "inv-1"})
//	inst, _ := runner.Approve(ctx, res.InstanceID, "alice", "looks fine")
//
// LocalRunner is intentionally not crash-durable.
type LocalRunner struct {
	// Engine is the in-memory approval engine used by this runner.
	Engine Engine

	// Metrics counts what the engine did since the runner was created.
	Metrics *BasicMetrics
}

// LocalRunnerOption tweaks the engine options of a LocalRunner.
type LocalRunnerOption func(*Options)

// WithLevelTimeout sets the default deadline per level.
func WithLevelTimeout(d time.Duration) LocalRunnerOption {
	return func(o *Options) { o.LevelTimeout = d }
}

// WithThresholds sets the amounts that each add one approval level.
func WithThresholds(thresholds ...float64) LocalRunnerOption {
	return func(o *Options) { o.Thresholds = thresholds }
}

// NewLocalRunner constructs a LocalRunner around the caller's entity service
// and approver resolver. Notifications and audit entries are written to
// logger (slog.Default() if nil).
func NewLocalRunner(entities EntityService, approvers ApproverResolver, logger *slog.Logger, opts ...LocalRunnerOption) (*LocalRunner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := &BasicMetrics{}
	o := DefaultOptions()
	o.Observer = NewCompositeObserver(NewLoggingObserver(logger), metrics)
	for _, opt := range opts {
		opt(&o)
	}

	eng, err := NewInMemoryEngine(Collaborators{
		Entities:  entities,
		Approvers: approvers,
		Notifier:  notify.NewLogNotifier(logger),
		Audit:     audit.NewLogSink(logger),
	}, o)
	if err != nil {
		return nil, err
	}
	return &LocalRunner{Engine: eng, Metrics: metrics}, nil
}

// Approve applies an approval and waits for its activities to finish.
func (r *LocalRunner) Approve(ctx context.Context, instanceID, actor, comment string) (*Instance, error) {
	return r.settle(ctx, instanceID, Signal{Type: SignalApprove, Actor: actor, Comment: comment})
}

// Reject applies a rejection and waits for its activities to finish.
func (r *LocalRunner) Reject(ctx context.Context, instanceID, actor, comment string) (*Instance, error) {
	return r.settle(ctx, instanceID, Signal{Type: SignalReject, Actor: actor, Comment: comment})
}

// Cancel cancels the instance and waits for its activities to finish.
func (r *LocalRunner) Cancel(ctx context.Context, instanceID, actor, reason string) (*Instance, error) {
	return r.settle(ctx, instanceID, Signal{Type: SignalCancel, Actor: actor, Comment: reason})
}

func (r *LocalRunner) settle(ctx context.Context, instanceID string, sig Signal) (*Instance, error) {
	if _, err := SignalAndWait(ctx, r.Engine, instanceID, sig); err != nil {
		return nil, err
	}
	if err := r.Engine.Drain(ctx); err != nil {
		return nil, err
	}
	return r.Engine.Query(ctx, instanceID)
}

// Close stops the engine.
func (r *LocalRunner) Close() error {
	return r.Engine.Close()
}
