package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine and the activity executor for
// logging and metrics.
//
// Implementations should be fast and non-blocking; they run on the instance
// actor and executor lane goroutines.
type Observer interface {
	// OnInstanceStarted is called after the created event of a run has been
	// persisted.
	OnInstanceStarted(ctx context.Context, inst *Instance)

	// OnTransition is called after a signal or timeout transition has been
	// persisted. inst is the new snapshot.
	OnTransition(ctx context.Context, inst *Instance, ev Event)

	// OnSignalRejected is called when Signal fails validation.
	OnSignalRejected(ctx context.Context, instanceID string, sig Signal, err error)

	// OnStaleTimer is called when a timeout message no longer matches the
	// armed timer and is discarded.
	OnStaleTimer(ctx context.Context, inst *Instance, msg Message)

	// OnActivityCompleted is called after an activity succeeded.
	OnActivityCompleted(ctx context.Context, rec ActivityRecord, d time.Duration)

	// OnActivityFailed is called when an activity is recorded as failed,
	// either because its error was permanent or retries were exhausted.
	OnActivityFailed(ctx context.Context, rec ActivityRecord, err error)

	// OnActivityDeduplicated is called when an activity key already has a
	// ledger record and is skipped.
	OnActivityDeduplicated(ctx context.Context, key string)

	// OnQuarantined is called when recovery finds a snapshot that diverges
	// from its history.
	OnQuarantined(ctx context.Context, inst *Instance, reason string)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnInstanceStarted(ctx context.Context, inst *Instance)                        {}
func (NoopObserver) OnTransition(ctx context.Context, inst *Instance, ev Event)                   {}
func (NoopObserver) OnSignalRejected(ctx context.Context, id string, sig Signal, err error)       {}
func (NoopObserver) OnStaleTimer(ctx context.Context, inst *Instance, msg Message)                {}
func (NoopObserver) OnActivityCompleted(ctx context.Context, rec ActivityRecord, d time.Duration) {}
func (NoopObserver) OnActivityFailed(ctx context.Context, rec ActivityRecord, err error)          {}
func (NoopObserver) OnActivityDeduplicated(ctx context.Context, key string)                       {}
func (NoopObserver) OnQuarantined(ctx context.Context, inst *Instance, reason string)             {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnInstanceStarted(ctx context.Context, inst *Instance) {
	for _, o := range c.observers {
		o.OnInstanceStarted(ctx, inst)
	}
}

func (c *CompositeObserver) OnTransition(ctx context.Context, inst *Instance, ev Event) {
	for _, o := range c.observers {
		o.OnTransition(ctx, inst, ev)
	}
}

func (c *CompositeObserver) OnSignalRejected(ctx context.Context, id string, sig Signal, err error) {
	for _, o := range c.observers {
		o.OnSignalRejected(ctx, id, sig, err)
	}
}

func (c *CompositeObserver) OnStaleTimer(ctx context.Context, inst *Instance, msg Message) {
	for _, o := range c.observers {
		o.OnStaleTimer(ctx, inst, msg)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, rec ActivityRecord, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, rec, d)
	}
}

func (c *CompositeObserver) OnActivityFailed(ctx context.Context, rec ActivityRecord, err error) {
	for _, o := range c.observers {
		o.OnActivityFailed(ctx, rec, err)
	}
}

func (c *CompositeObserver) OnActivityDeduplicated(ctx context.Context, key string) {
	for _, o := range c.observers {
		o.OnActivityDeduplicated(ctx, key)
	}
}

func (c *CompositeObserver) OnQuarantined(ctx context.Context, inst *Instance, reason string) {
	for _, o := range c.observers {
		o.OnQuarantined(ctx, inst, reason)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs instance and activity
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnInstanceStarted(ctx context.Context, inst *Instance) {
	o.Logger.InfoContext(ctx, "instance_started",
		slog.String("instance_id", inst.InstanceID),
		slog.String("run_id", inst.RunID),
		slog.String("entity_id", inst.EntityID),
		slog.String("tenant_id", inst.TenantID),
		slog.Int("max_level", inst.MaxLevel),
	)
}

func (o *LoggingObserver) OnTransition(ctx context.Context, inst *Instance, ev Event) {
	o.Logger.InfoContext(ctx, "transition_applied",
		slog.String("instance_id", inst.InstanceID),
		slog.String("event", string(ev.Type)),
		slog.Int64("seq", ev.Seq),
		slog.Int("level", inst.CurrentLevel),
		slog.String("phase", string(inst.Phase)),
		slog.String("status", string(inst.Status)),
	)
}

func (o *LoggingObserver) OnSignalRejected(ctx context.Context, id string, sig Signal, err error) {
	o.Logger.WarnContext(ctx, "signal_rejected",
		slog.String("instance_id", id),
		slog.String("signal", string(sig.Type)),
		slog.String("actor", sig.Actor),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStaleTimer(ctx context.Context, inst *Instance, msg Message) {
	o.Logger.DebugContext(ctx, "stale_timer_discarded",
		slog.String("instance_id", inst.InstanceID),
		slog.Int("timer_level", msg.Level),
		slog.Int64("timer_generation", msg.TimerGeneration),
		slog.Int64("armed_generation", inst.TimerGeneration),
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, rec ActivityRecord, d time.Duration) {
	o.Logger.DebugContext(ctx, "activity_completed",
		slog.String("instance_id", rec.InstanceID),
		slog.String("activity", string(rec.Name)),
		slog.String("key", rec.Key),
		slog.Int("attempts", rec.Attempts),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnActivityFailed(ctx context.Context, rec ActivityRecord, err error) {
	o.Logger.ErrorContext(ctx, "activity_failed",
		slog.String("instance_id", rec.InstanceID),
		slog.String("activity", string(rec.Name)),
		slog.String("key", rec.Key),
		slog.Int("attempts", rec.Attempts),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnActivityDeduplicated(ctx context.Context, key string) {
	o.Logger.DebugContext(ctx, "activity_deduplicated", slog.String("key", key))
}

func (o *LoggingObserver) OnQuarantined(ctx context.Context, inst *Instance, reason string) {
	o.Logger.ErrorContext(ctx, "instance_quarantined",
		slog.String("instance_id", inst.InstanceID),
		slog.String("reason", reason),
	)
}

// BasicMetrics collects simple counters. It implements Observer, and can be
// combined with LoggingObserver via NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	started       atomic.Int64
	approved      atomic.Int64
	rejected      atomic.Int64
	cancelled     atomic.Int64
	escalations   atomic.Int64
	signalsDenied atomic.Int64
	staleTimers   atomic.Int64

	activitiesCompleted    atomic.Int64
	activitiesFailed       atomic.Int64
	activitiesDeduplicated atomic.Int64
	totalActivityDuration  atomic.Int64 // nanoseconds

	quarantined atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	InstancesStarted   int64
	InstancesApproved  int64
	InstancesRejected  int64
	InstancesCancelled int64
	PendingInstances   int64

	Escalations     int64
	SignalsRejected int64
	StaleTimers     int64

	ActivitiesCompleted    int64
	ActivitiesFailed       int64
	ActivitiesDeduplicated int64
	AvgActivityDuration    time.Duration

	Quarantined int64
}

func (m *BasicMetrics) OnInstanceStarted(ctx context.Context, inst *Instance) {
	m.started.Add(1)
}

func (m *BasicMetrics) OnTransition(ctx context.Context, inst *Instance, ev Event) {
	switch ev.Type {
	case EventApproved:
		if inst.Status == StatusApproved {
			m.approved.Add(1)
		}
	case EventRejected:
		m.rejected.Add(1)
	case EventCancelled:
		m.cancelled.Add(1)
	case EventTimedOut:
		m.escalations.Add(1)
	}
}

func (m *BasicMetrics) OnSignalRejected(ctx context.Context, id string, sig Signal, err error) {
	m.signalsDenied.Add(1)
}

func (m *BasicMetrics) OnStaleTimer(ctx context.Context, inst *Instance, msg Message) {
	m.staleTimers.Add(1)
}

func (m *BasicMetrics) OnActivityCompleted(ctx context.Context, rec ActivityRecord, d time.Duration) {
	m.activitiesCompleted.Add(1)
	m.totalActivityDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnActivityFailed(ctx context.Context, rec ActivityRecord, err error) {
	m.activitiesFailed.Add(1)
}

func (m *BasicMetrics) OnActivityDeduplicated(ctx context.Context, key string) {
	m.activitiesDeduplicated.Add(1)
}

func (m *BasicMetrics) OnQuarantined(ctx context.Context, inst *Instance, reason string) {
	m.quarantined.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.started.Load()
	approved := m.approved.Load()
	rejected := m.rejected.Load()
	cancelled := m.cancelled.Load()
	completed := m.activitiesCompleted.Load()
	totalNs := m.totalActivityDuration.Load()

	var avg time.Duration
	if completed > 0 {
		avg = time.Duration(totalNs / completed)
	}

	return BasicMetricsSnapshot{
		InstancesStarted:       started,
		InstancesApproved:      approved,
		InstancesRejected:      rejected,
		InstancesCancelled:     cancelled,
		PendingInstances:       started - approved - rejected - cancelled,
		Escalations:            m.escalations.Load(),
		SignalsRejected:        m.signalsDenied.Load(),
		StaleTimers:            m.staleTimers.Load(),
		ActivitiesCompleted:    completed,
		ActivitiesFailed:       m.activitiesFailed.Load(),
		ActivitiesDeduplicated: m.activitiesDeduplicated.Load(),
		AvgActivityDuration:    avg,
		Quarantined:            m.quarantined.Load(),
	}
}
