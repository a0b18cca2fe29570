// Package workflow runs the four-step event pipeline: validate, store,
// update-metrics, and fan-out-then-mark-delivered. It is built to resume
// safely after a crash: every step is independently retryable and a
// replay of an already-completed step is a no-op.
package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/eventgate/internal/apierr"
	"github.com/mbd888/eventgate/internal/dlq"
	"github.com/mbd888/eventgate/internal/eventstore"
	"github.com/mbd888/eventgate/internal/metrics"
	"github.com/mbd888/eventgate/internal/metricstore"
	"github.com/mbd888/eventgate/internal/retry"
	"github.com/mbd888/eventgate/internal/schema"
	"github.com/mbd888/eventgate/internal/traces"
)

// FanoutEngine delivers an event to every active subscription. It is
// satisfied by internal/fanout.Engine; the interface lives here so the
// workflow package does not import fan-out's HTTP-client machinery.
type FanoutEngine interface {
	Deliver(ctx context.Context, e *eventstore.Event, correlationID string) (delivered, failed int, err error)
}

// Config tunes the per-step retry policy.
type Config struct {
	StoreRetryAttempts    int
	StoreRetryBaseDelay   time.Duration
	MetricsRetryAttempts  int
	MetricsRetryBaseDelay time.Duration
}

// DefaultConfig mirrors the teacher's multi-step service defaults.
func DefaultConfig() Config {
	return Config{
		StoreRetryAttempts:    5,
		StoreRetryBaseDelay:   100 * time.Millisecond,
		MetricsRetryAttempts:  3,
		MetricsRetryBaseDelay: 50 * time.Millisecond,
	}
}

// Runner executes the four-step pipeline for one event at a time, guarded
// by a per-event-id lock so concurrent redeliveries of the same event
// (from the queue's at-least-once semantics) serialize instead of racing.
// The lock map itself is adapted from the teacher's per-id-locking
// pattern for multi-step operations.
type Runner struct {
	cfg Config

	events  eventstore.Store
	metrics metricstore.Store
	dlqw    dlq.WorkflowStore
	fanout  FanoutEngine
	schema  *schema.Validator
	log     *slog.Logger

	locks sync.Map // eventID -> *sync.Mutex
}

// New constructs a Runner.
func New(cfg Config, events eventstore.Store, metrics metricstore.Store, dlqw dlq.WorkflowStore, fanout FanoutEngine, validator *schema.Validator, log *slog.Logger) *Runner {
	return &Runner{
		cfg:     cfg,
		events:  events,
		metrics: metrics,
		dlqw:    dlqw,
		fanout:  fanout,
		schema:  validator,
		log:     log,
	}
}

func (r *Runner) lockFor(eventID string) *sync.Mutex {
	v, _ := r.locks.LoadOrStore(eventID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Input is the raw material the ingress handler hands to the workflow
// after its own schema validation; the workflow re-validates independently
// so that replay from the queue never trusts a caller's prior check.
type Input struct {
	EventID       string
	EventType     string
	Timestamp     string
	Payload       map[string]interface{}
	Metadata      map[string]interface{}
	CreatedAt     string
	CorrelationID string
}

// Process runs the four steps for one event, serialized per event_id.
// It is safe to call repeatedly for the same event_id: validate and store
// are naturally idempotent, update-metrics is a secondary operation that
// never fails the workflow, and mark-delivered is a no-op once the row is
// already delivered.
func (r *Runner) Process(ctx context.Context, in Input) error {
	ctx, span := traces.StartSpan(ctx, "workflow.Process",
		traces.EventID(in.EventID), traces.EventType(in.EventType), traces.CorrelationID(in.CorrelationID))
	defer span.End()

	lock := r.lockFor(in.EventID)
	lock.Lock()
	defer lock.Unlock()

	env, err := r.validate(in)
	if err != nil {
		r.terminal(ctx, in.EventID, in.CorrelationID, "validate: "+err.Error())
		return err
	}

	started := time.Now()
	event, created, err := r.store(ctx, in, env)
	if err != nil {
		r.terminal(ctx, in.EventID, in.CorrelationID, "store: "+err.Error())
		return err
	}

	r.updateMetrics(ctx, created, time.Since(started))

	if event.Status == eventstore.StatusDelivered {
		return nil
	}

	return r.fanoutAndMarkDelivered(ctx, event, in.CorrelationID)
}

// validate is step 1: terminal failure on invariant violation, never
// retried at this layer (the caller's ingress validation should already
// have caught most violations; this is the durability boundary's own
// check, independent of the caller).
func (r *Runner) validate(in Input) (*schema.Envelope, error) {
	env := &schema.Envelope{
		EventID:   in.EventID,
		EventType: in.EventType,
		Timestamp: in.Timestamp,
		Payload:   in.Payload,
		Metadata:  in.Metadata,
		CreatedAt: in.CreatedAt,
	}
	if err := r.schema.Validate(env); err != nil {
		return nil, err
	}
	return env, nil
}

// store is step 2: upsert, retryable on transient store errors.
func (r *Runner) store(ctx context.Context, in Input, env *schema.Envelope) (*eventstore.Event, bool, error) {
	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	if err != nil {
		return nil, false, apierr.Wrap(apierr.KindValidation, "INVALID_TIMESTAMP", "timestamp does not parse", err)
	}

	candidate := &eventstore.Event{
		EventID:   in.EventID,
		EventType: in.EventType,
		Timestamp: ts,
		Payload:   in.Payload,
		Metadata:  in.Metadata,
	}

	var event *eventstore.Event
	var created bool
	err = retry.Do(ctx, r.cfg.StoreRetryAttempts, r.cfg.StoreRetryBaseDelay, func() error {
		e, c, storeErr := r.events.GetOrCreate(ctx, candidate)
		if storeErr != nil {
			return storeErr
		}
		event, created = e, c
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return event, created, nil
}

// updateMetrics is step 3: secondary, never fatal. Failures are logged
// and swallowed, matching the data model's "increment by delta" contract;
// this step adds no retry of its own.
func (r *Runner) updateMetrics(ctx context.Context, created bool, elapsed time.Duration) {
	if created {
		if err := r.metrics.Inc(ctx, metricstore.KeyEventsTotal, 1); err != nil && r.log != nil {
			r.log.Warn("workflow: events.total increment failed", "error", err)
		}
		if err := r.metrics.Inc(ctx, metricstore.KeyEventsPending, 1); err != nil && r.log != nil {
			r.log.Warn("workflow: events.pending increment failed", "error", err)
		}
	}
	if err := metricstore.SetTimestamp(ctx, r.metrics, metricstore.KeyLastProcessedAt, time.Now()); err != nil && r.log != nil {
		r.log.Warn("workflow: last_processed_at set failed", "error", err)
	}
	_ = elapsed // processing duration recorded via traces span, not a counter
}

// fanoutAndMarkDelivered triggers fan-out to active subscriptions before
// the final delivered transition commits, so a subsequent replay (e.g.
// after a crash between fan-out and the status write) retries fan-out.
// No per-event record of successful subscribers is kept, so such a retry
// delivers again to every active subscription, including ones that
// already succeeded.
func (r *Runner) fanoutAndMarkDelivered(ctx context.Context, event *eventstore.Event, correlationID string) error {
	if r.fanout != nil {
		if _, _, err := r.fanout.Deliver(ctx, event, correlationID); err != nil && r.log != nil {
			r.log.Warn("workflow: fan-out reported an error", "event_id", event.EventID, "error", err)
		}
	}

	err := retry.Do(ctx, r.cfg.StoreRetryAttempts, r.cfg.StoreRetryBaseDelay, func() error {
		return r.events.UpdateStatus(ctx, event.EventID, eventstore.StatusDelivered, event.RetryCount)
	})
	if err != nil {
		r.terminal(ctx, event.EventID, correlationID, "mark-delivered: "+err.Error())
		return err
	}

	if err := r.metrics.Dec(ctx, metricstore.KeyEventsPending, 1); err != nil && r.log != nil {
		r.log.Warn("workflow: events.pending decrement failed", "error", err)
	}
	if err := r.metrics.Inc(ctx, metricstore.KeyEventsDelivered, 1); err != nil && r.log != nil {
		r.log.Warn("workflow: events.delivered increment failed", "error", err)
	}
	return nil
}

// terminal transitions an event to failed, records a workflow DLQ entry,
// and bumps events.failed. Metrics decrement never takes the pending
// counter negative (metricstore.Store's Dec already clamps at zero).
func (r *Runner) terminal(ctx context.Context, eventID, correlationID, reason string) {
	if err := r.events.UpdateStatus(ctx, eventID, eventstore.StatusFailed, 0); err != nil && r.log != nil {
		r.log.Error("workflow: failed to mark event failed", "event_id", eventID, "error", err)
	}
	if r.dlqw != nil {
		if err := r.dlqw.PutWorkflow(ctx, dlq.WorkflowEntry{
			EventID:       eventID,
			Reason:        reason,
			CorrelationID: correlationID,
			FailedAt:      time.Now().UTC(),
		}); err != nil && r.log != nil {
			r.log.Error("workflow: failed to write DLQ entry", "event_id", eventID, "error", err)
		}
	}
	if err := r.metrics.Dec(ctx, metricstore.KeyEventsPending, 1); err != nil && r.log != nil {
		r.log.Warn("workflow: events.pending decrement failed", "error", err)
	}
	if err := r.metrics.Inc(ctx, metricstore.KeyEventsFailed, 1); err != nil && r.log != nil {
		r.log.Warn("workflow: events.failed increment failed", "error", err)
	}
	metrics.EventsTerminalTotal.Inc()
}
