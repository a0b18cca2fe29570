// Package opsapi serves the operational read surfaces: the metrics
// snapshot used by every external caller, and the admin-gated DLQ
// listing and replay routes used by operators only.
package opsapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/eventgate/internal/apierr"
	"github.com/mbd888/eventgate/internal/dlq"
	"github.com/mbd888/eventgate/internal/eventstore"
	"github.com/mbd888/eventgate/internal/metrics"
	"github.com/mbd888/eventgate/internal/metricstore"
	"github.com/mbd888/eventgate/internal/queue"
)

// Handler serves /metrics and the /dlq admin surface.
type Handler struct {
	metrics     metricstore.Store
	q           queue.Queue
	deliveries  dlq.DeliveryStore
	workflows   dlq.WorkflowStore
	events      eventstore.Store
	log         *slog.Logger
}

// New constructs a Handler.
func New(metrics metricstore.Store, q queue.Queue, deliveries dlq.DeliveryStore, workflows dlq.WorkflowStore, events eventstore.Store, log *slog.Logger) *Handler {
	return &Handler{metrics: metrics, q: q, deliveries: deliveries, workflows: workflows, events: events, log: log}
}

// RegisterRoutes mounts the unauthenticated metrics route on r and the
// admin-gated DLQ routes on admin.
func (h *Handler) RegisterRoutes(r gin.IRoutes, admin gin.IRoutes) {
	r.GET("/metrics", h.Metrics)
	admin.GET("/dlq", h.ListDLQ)
	admin.POST("/admin/dlq/:id/replay", h.ReplayDLQ)
}

var metricKeys = []string{
	metricstore.KeyEventsTotal,
	metricstore.KeyEventsPending,
	metricstore.KeyEventsDelivered,
	metricstore.KeyEventsFailed,
	metricstore.KeyLastProcessedAt,
}

// Metrics handles GET /metrics, returning the JSON shape from spec.md §6.
func (h *Handler) Metrics(c *gin.Context) {
	ctx := c.Request.Context()
	correlationID := c.GetHeader("X-Correlation-ID")

	values, err := h.metrics.GetAll(ctx, metricKeys)
	if err != nil {
		apierr.JSON(c, apierr.Wrap(apierr.KindTransientStore, "METRICS_READ_FAILED", "failed to read metrics", err), correlationID)
		return
	}

	depth := 0
	if h.q != nil {
		if d, err := h.q.Depth(ctx); err == nil {
			depth = d
		} else if h.log != nil {
			h.log.Warn("opsapi: queue depth read failed", "error", err)
		}
	}

	dlqCount := 0
	if h.deliveries != nil {
		if n, err := h.deliveries.CountDeliveries(ctx); err == nil {
			dlqCount += n
		}
	}
	if h.workflows != nil {
		if n, err := h.workflows.CountWorkflows(ctx); err == nil {
			dlqCount += n
		}
	}

	metrics.QueueDepth.Set(float64(depth))
	metrics.DLQCount.Set(float64(dlqCount))

	total := values[metricstore.KeyEventsTotal].Int
	delivered := values[metricstore.KeyEventsDelivered].Int
	failed := values[metricstore.KeyEventsFailed].Int

	var rate float64
	if total > 0 {
		rate = float64(delivered+failed) / float64(total)
	}

	c.JSON(http.StatusOK, gin.H{
		"total_events":      total,
		"pending":           values[metricstore.KeyEventsPending].Int,
		"delivered":         delivered,
		"failed":            failed,
		"queue_depth":       depth,
		"dlq_count":         dlqCount,
		"last_processed_at": values[metricstore.KeyLastProcessedAt].Meta,
		"processing_rate":   rate,
	})
}

type dlqEntry struct {
	Kind           string    `json:"kind"`
	EventID        string    `json:"event_id"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	WebhookURL     string    `json:"webhook_url,omitempty"`
	Reason         string    `json:"reason"`
	CorrelationID  string    `json:"correlation_id"`
	FailedAt       time.Time `json:"failed_at"`
}

// ListDLQ handles GET /dlq: a combined, operator-facing view of both DLQ
// namespaces. Supplements spec.md's explicit operation list (§4.10's
// "post-hoc inspection").
func (h *Handler) ListDLQ(c *gin.Context) {
	ctx := c.Request.Context()
	correlationID := c.GetHeader("X-Correlation-ID")

	entries := make([]dlqEntry, 0)

	if h.deliveries != nil {
		deliveries, err := h.deliveries.ListDeliveries(ctx)
		if err != nil {
			apierr.JSON(c, apierr.Wrap(apierr.KindTransientStore, "DLQ_READ_FAILED", "failed to read delivery DLQ", err), correlationID)
			return
		}
		for _, d := range deliveries {
			entries = append(entries, dlqEntry{
				Kind:           "delivery",
				EventID:        d.EventID,
				SubscriptionID: d.SubscriptionID,
				WebhookURL:     d.WebhookURL,
				Reason:         d.LastError,
				CorrelationID:  d.CorrelationID,
				FailedAt:       d.FailedAt,
			})
		}
	}

	if h.workflows != nil {
		workflows, err := h.workflows.ListWorkflows(ctx)
		if err != nil {
			apierr.JSON(c, apierr.Wrap(apierr.KindTransientStore, "DLQ_READ_FAILED", "failed to read workflow DLQ", err), correlationID)
			return
		}
		for _, w := range workflows {
			entries = append(entries, dlqEntry{
				Kind:          "workflow",
				EventID:       w.EventID,
				Reason:        w.Reason,
				CorrelationID: w.CorrelationID,
				FailedAt:      w.FailedAt,
			})
		}
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// ReplayDLQ handles POST /admin/dlq/:id/replay, where :id is an event_id.
// It looks the event up in the event store only (DLQ entries are neither
// checked nor removed) and re-enqueues it for the Workflow Runner to
// reprocess; re-running an already-delivered event is a
// safe no-op per the runner's own idempotence (workflow.Runner.Process).
func (h *Handler) ReplayDLQ(c *gin.Context) {
	ctx := c.Request.Context()
	correlationID := c.GetHeader("X-Correlation-ID")
	eventID := c.Param("id")

	event, err := h.events.Get(ctx, eventID)
	if err != nil {
		if eventstore.IsNotFound(err) {
			apierr.JSON(c, apierr.New(apierr.KindNotFound, "NOT_FOUND", "no event with this id"), correlationID)
			return
		}
		apierr.JSON(c, apierr.Wrap(apierr.KindTransientStore, "EVENT_READ_FAILED", "failed to read event", err), correlationID)
		return
	}

	msg := queue.Message{
		ID:            "replay_" + eventID,
		EventID:       event.EventID,
		Payload:       event.Payload,
		Metadata:      event.Metadata,
		Timestamp:     event.Timestamp,
		CorrelationID: correlationID,
		Attempt:       1,
	}
	if err := h.q.Enqueue(ctx, msg); err != nil {
		apierr.JSON(c, apierr.Wrap(apierr.KindTransientStore, "REPLAY_ENQUEUE_FAILED", "failed to re-enqueue event", err), correlationID)
		return
	}

	if h.log != nil {
		h.log.Info("opsapi: replayed dead-lettered event", "event_id", eventID, "correlation_id", correlationID)
	}

	c.JSON(http.StatusOK, gin.H{"status": "replayed", "event_id": eventID})
}
