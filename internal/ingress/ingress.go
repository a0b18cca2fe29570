// Package ingress implements the event submission HTTP path: bearer auth,
// body-size and JSON validation, event_id/correlation_id assignment,
// persist-before-enqueue, and idempotent resubmission.
package ingress

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mbd888/eventgate/internal/apierr"
	"github.com/mbd888/eventgate/internal/eventstore"
	"github.com/mbd888/eventgate/internal/metrics"
	"github.com/mbd888/eventgate/internal/queue"
	"github.com/mbd888/eventgate/internal/schema"
)

// Handler serves POST /events.
type Handler struct {
	events    eventstore.Store
	q         queue.Queue
	validator *schema.Validator
	log       *slog.Logger
}

// New constructs a Handler.
func New(events eventstore.Store, q queue.Queue, validator *schema.Validator, log *slog.Logger) *Handler {
	return &Handler{events: events, q: q, validator: validator, log: log}
}

// RegisterRoutes mounts the ingress route under r.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/events", h.SubmitEvent)
}

// request is the accepted POST /events body. event_type is required even
// though spec.md's contract prose abbreviates the body to {payload,
// metadata}: the Event data model requires a non-empty event_type and
// the fixed schema validates it on every event, so it must be supplied
// here or on no other path. event_id is optional and assigned if absent.
type request struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload"`
	Metadata  map[string]interface{} `json:"metadata"`
}

type response struct {
	EventID   string `json:"event_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Warning   string `json:"warning,omitempty"`
}

// SubmitEvent handles POST /events.
func (h *Handler) SubmitEvent(c *gin.Context) {
	correlationID := c.GetHeader("X-Correlation-ID")
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	c.Header("X-Correlation-ID", correlationID)

	var req request
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			apierr.JSON(c, apierr.Wrap(apierr.KindPayloadTooLarge, "BODY_TOO_LARGE", "request body exceeds the 1 MiB limit", err), correlationID)
			return
		}
		apierr.JSON(c, apierr.Wrap(apierr.KindValidation, "INVALID_JSON", "request body is not valid JSON", err), correlationID)
		return
	}

	if req.EventType == "" {
		apierr.JSON(c, apierr.New(apierr.KindValidation, "MISSING_EVENT_TYPE", "event_type is required"), correlationID)
		return
	}
	if req.Payload == nil {
		apierr.JSON(c, apierr.New(apierr.KindValidation, "MISSING_PAYLOAD", "payload is required"), correlationID)
		return
	}

	if req.EventID == "" {
		req.EventID = uuid.NewString()
	}
	if req.Metadata == nil {
		req.Metadata = map[string]interface{}{}
	}
	req.Metadata["correlation_id"] = correlationID
	if ip := c.ClientIP(); ip != "" {
		req.Metadata["source_ip"] = ip
	}
	if ua := c.GetHeader("User-Agent"); ua != "" {
		req.Metadata["user_agent"] = ua
	}

	now := time.Now().UTC()
	env := &schema.Envelope{
		EventID:   req.EventID,
		EventType: req.EventType,
		Timestamp: now.Format(time.RFC3339),
		Payload:   req.Payload,
		Metadata:  req.Metadata,
		CreatedAt: now.Format(time.RFC3339),
	}
	if err := h.validator.Validate(env); err != nil {
		apierr.JSON(c, apierr.Wrap(apierr.KindValidation, "SCHEMA_VIOLATION", "event does not satisfy the event schema", err), correlationID)
		return
	}

	ctx := c.Request.Context()
	candidate := &eventstore.Event{
		EventID:   req.EventID,
		EventType: req.EventType,
		Timestamp: now,
		Payload:   req.Payload,
		Metadata:  req.Metadata,
	}
	event, created, err := h.events.GetOrCreate(ctx, candidate)
	if err != nil {
		apierr.JSON(c, apierr.Wrap(apierr.KindTransientStore, "PERSIST_FAILED", "failed to persist event", err), correlationID)
		return
	}

	status := http.StatusOK
	warning := ""
	if created {
		status = http.StatusAccepted
		metrics.EventsIngestedTotal.WithLabelValues("created").Inc()
		if err := h.q.Enqueue(ctx, queue.Message{
			ID:            event.EventID,
			EventID:       event.EventID,
			Payload:       event.Payload,
			Metadata:      event.Metadata,
			Timestamp:     event.Timestamp,
			CorrelationID: correlationID,
		}); err != nil {
			if h.log != nil {
				h.log.Error("ingress: enqueue failed after persist", "event_id", event.EventID, "error", err)
			}
			warning = "event persisted but queue enqueue failed; it stays pending until it is replayed"
		}
	} else {
		metrics.EventsIngestedTotal.WithLabelValues("idempotent_resubmission").Inc()
	}

	c.JSON(status, response{
		EventID:   event.EventID,
		Status:    "accepted",
		Timestamp: now.Format(time.RFC3339),
		Warning:   warning,
	})
}
