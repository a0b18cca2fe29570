// Package fanout delivers an event to every active subscription with
// bounded parallelism, per-attempt signing, and a fixed retry budget.
// Adapted from the teacher's webhook Dispatcher, extended with
// pre-delivery schema re-validation, Retry-After honoring, and DLQ
// write-through on budget exhaustion.
package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/eventgate/internal/circuitbreaker"
	"github.com/mbd888/eventgate/internal/dlq"
	"github.com/mbd888/eventgate/internal/eventstore"
	"github.com/mbd888/eventgate/internal/metricstore"
	"github.com/mbd888/eventgate/internal/metrics"
	"github.com/mbd888/eventgate/internal/schema"
	"github.com/mbd888/eventgate/internal/signer"
	"github.com/mbd888/eventgate/internal/substore"
	"github.com/mbd888/eventgate/internal/traces"
)

// Config tunes the fan-out engine's delivery budget and concurrency.
type Config struct {
	MaxAttempts int             // total attempts including the initial try
	Backoffs    []time.Duration // delay before attempts 2..N, indexed 0-based
	Timeout     time.Duration   // per-attempt HTTP timeout
	WorkerCap   int             // upper bound on concurrent deliveries
	UserAgent   string
	SigningSecret string // empty disables outbound X-Signature
}

// DefaultConfig mirrors spec.md §4.4's fixed retry policy: 4 total
// attempts, backoff {2s, 4s, 8s} before attempts 2, 3, 4.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 4,
		Backoffs:    []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
		Timeout:     5 * time.Second,
		WorkerCap:   50,
		UserAgent:   "eventgate/1.0",
	}
}

// Engine is the webhook fan-out engine: given an event it enumerates
// active subscriptions and delivers to each in a bounded-parallel manner,
// never letting one subscriber's slowness or failure block another.
type Engine struct {
	cfg     Config
	subs    substore.Store
	dlqw    dlq.DeliveryStore
	metrics metricstore.Store
	schema  *schema.Validator
	breaker *circuitbreaker.Breaker
	client  *http.Client
	log     *slog.Logger

	sem chan struct{}
}

// New constructs an Engine.
func New(cfg Config, subs substore.Store, dlqw dlq.DeliveryStore, metrics metricstore.Store, validator *schema.Validator, breaker *circuitbreaker.Breaker, log *slog.Logger) *Engine {
	if cfg.WorkerCap <= 0 {
		cfg.WorkerCap = 50
	}
	return &Engine{
		cfg:     cfg,
		subs:    subs,
		dlqw:    dlqw,
		metrics: metrics,
		schema:  validator,
		breaker: breaker,
		client:  &http.Client{Timeout: cfg.Timeout},
		log:     log,
		sem:     make(chan struct{}, cfg.WorkerCap),
	}
}

// Deliver enumerates active subscriptions and delivers e to each, bounded
// by the engine's worker cap. It never returns an error for per-subscriber
// delivery failures; fan-out outcome never raises the event's own
// workflow outcome, only delivered/failed are aggregated.
func (e *Engine) Deliver(ctx context.Context, ev *eventstore.Event, correlationID string) (delivered, failed int, err error) {
	subs, err := e.subs.ListActive(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("fanout: list active subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return 0, 0, nil
	}

	env := toEnvelope(ev)
	payload, marshalErr := json.Marshal(env)
	if marshalErr != nil {
		return 0, 0, fmt.Errorf("fanout: marshal envelope: %w", marshalErr)
	}

	type outcome struct{ ok bool }
	results := make(chan outcome, len(subs))

	for _, sub := range subs {
		sub := sub
		e.sem <- struct{}{}
		go func() {
			defer func() { <-e.sem }()
			ok := e.deliverOne(ctx, sub, ev, env, payload, correlationID)
			results <- outcome{ok: ok}
		}()
	}

	for i := 0; i < len(subs); i++ {
		o := <-results
		if o.ok {
			delivered++
		} else {
			failed++
		}
	}
	return delivered, failed, nil
}

// deliverOne runs the full per-subscription delivery algorithm: schema
// re-validation, header construction, retry-with-backoff, and the
// terminal status/DLQ transition on budget exhaustion.
func (e *Engine) deliverOne(ctx context.Context, sub *substore.Subscription, ev *eventstore.Event, env *schema.Envelope, payload []byte, correlationID string) bool {
	ctx, span := traces.StartSpan(ctx, "fanout.deliverOne",
		traces.EventID(ev.EventID), traces.SubscriptionID(sub.ID), traces.CorrelationID(correlationID))
	defer span.End()

	if err := e.schema.Validate(env); err != nil {
		e.recordSchemaFailure(ctx, sub, err)
		return false
	}

	if e.breaker != nil && !e.breaker.Allow(sub.ID) {
		e.recordFailure(ctx, sub, ev, correlationID, "circuit open", 0)
		return false
	}

	var lastErr string
	var lastStatus int
	var extraWait time.Duration

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := e.cfg.Backoffs[attempt-2] + extraWait
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return false
			}
		}
		extraWait = 0

		attemptStart := time.Now()
		status, retryAfter, reqErr := e.attempt(ctx, sub, ev, payload, correlationID, attempt)
		metrics.WebhookDeliveryDuration.Observe(time.Since(attemptStart).Seconds())
		if reqErr == nil && status >= 200 && status < 300 {
			e.recordSuccess(ctx, sub)
			return true
		}

		if reqErr != nil {
			lastErr = reqErr.Error()
		} else {
			lastErr = fmt.Sprintf("upstream status %d", status)
			lastStatus = status
			if status == http.StatusTooManyRequests && retryAfter > 0 {
				extraWait = retryAfter
			}
		}
	}

	e.recordFailure(ctx, sub, ev, correlationID, lastErr, lastStatus)
	return false
}

func (e *Engine) attempt(ctx context.Context, sub *substore.Subscription, ev *eventstore.Event, payload []byte, correlationID string, attemptNum int) (status int, retryAfter time.Duration, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, 0, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set("X-Event-ID", ev.EventID)
	req.Header.Set("X-Correlation-ID", correlationID)
	req.Header.Set("X-Attempt", strconv.Itoa(attemptNum))
	if e.cfg.SigningSecret != "" {
		req.Header.Set("X-Signature", signer.Header(payload, e.cfg.SigningSecret))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if e.breaker != nil {
			e.breaker.RecordFailure(sub.ID)
		}
		return 0, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if e.breaker != nil {
			e.breaker.RecordFailure(sub.ID)
		}
	}

	return resp.StatusCode, retryAfter, nil
}

func (e *Engine) recordSuccess(ctx context.Context, sub *substore.Subscription) {
	if e.breaker != nil {
		e.breaker.RecordSuccess(sub.ID)
	}
	now := time.Now().UTC()
	updated := *sub
	updated.Status = substore.StatusActive
	updated.LastTestedAt = &now
	updated.LastError = ""
	if err := e.subs.Update(ctx, &updated); err != nil && e.log != nil {
		e.log.Warn("fanout: failed to record delivery success", "subscription_id", sub.ID, "error", err)
	}
	e.incMetric(ctx, metricstore.KeyWebhookDelivered)
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
}

// recordSchemaFailure handles the pre-delivery validation failure path:
// it is not the subscriber's fault, so the subscription's status and
// retry_count are left unchanged.
func (e *Engine) recordSchemaFailure(ctx context.Context, sub *substore.Subscription, schemaErr error) {
	updated := *sub
	updated.LastError = "schema validation: " + schemaErr.Error()
	if err := e.subs.Update(ctx, &updated); err != nil && e.log != nil {
		e.log.Warn("fanout: failed to record schema failure", "subscription_id", sub.ID, "error", err)
	}
	e.incMetric(ctx, metricstore.KeyWebhookFailed)
	metrics.WebhookDeliveriesTotal.WithLabelValues("schema_invalid").Inc()
}

// recordFailure handles budget exhaustion: status transitions to
// failing, retry_count increments, and a delivery DLQ entry is written.
func (e *Engine) recordFailure(ctx context.Context, sub *substore.Subscription, ev *eventstore.Event, correlationID, lastErr string, lastStatus int) {
	updated := *sub
	updated.Status = substore.StatusFailing
	updated.RetryCount++
	updated.LastError = lastErr
	if err := e.subs.Update(ctx, &updated); err != nil && e.log != nil {
		e.log.Warn("fanout: failed to record delivery failure", "subscription_id", sub.ID, "error", err)
	}

	if e.dlqw != nil {
		entry := dlq.DeliveryEntry{
			SubscriptionID: sub.ID,
			EventID:        ev.EventID,
			WebhookURL:     sub.URL,
			CorrelationID:  correlationID,
			LastError:      lastErr,
			LastStatusCode: lastStatus,
			FailedAt:       time.Now().UTC(),
		}
		if err := e.dlqw.PutDelivery(ctx, entry); err != nil && e.log != nil {
			e.log.Error("fanout: failed to write DLQ entry", "subscription_id", sub.ID, "event_id", ev.EventID, "error", err)
		}
	}
	e.incMetric(ctx, metricstore.KeyWebhookFailed)
	metrics.WebhookDeliveriesTotal.WithLabelValues("exhausted").Inc()
}

func (e *Engine) incMetric(ctx context.Context, key string) {
	if e.metrics == nil {
		return
	}
	if err := e.metrics.Inc(ctx, key, 1); err != nil && e.log != nil {
		e.log.Warn("fanout: metric increment failed", "key", key, "error", err)
	}
}

// toEnvelope converts a stored Event into the wire Envelope shape
// delivered to subscribers.
func toEnvelope(ev *eventstore.Event) *schema.Envelope {
	return &schema.Envelope{
		EventID:   ev.EventID,
		EventType: ev.EventType,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
		Payload:   ev.Payload,
		Metadata:  ev.Metadata,
		CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339),
	}
}
