// Package subapi implements the subscription lifecycle API: register,
// sample, and unregister, mounted under /zapier/hook. Adapted from the
// teacher's webhook handlers, narrowed to URL-keyed subscriptions with
// inbound HMAC verification and an allow-listed, /hooks-prefixed URL
// policy instead of the teacher's agent-owned, event-type-scoped model.
package subapi

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/eventgate/internal/apierr"
	"github.com/mbd888/eventgate/internal/idgen"
	"github.com/mbd888/eventgate/internal/ratelimit"
	"github.com/mbd888/eventgate/internal/schema"
	"github.com/mbd888/eventgate/internal/security"
	"github.com/mbd888/eventgate/internal/signer"
	"github.com/mbd888/eventgate/internal/substore"
)

// MaxBodySize caps the subscription API's request bodies per spec.md
// §4.8 (10 MiB, larger than ingress's 1 MiB since this traffic is rare
// and low-rate).
const MaxBodySize = 10 << 20

// Config tunes the subscription API's URL policy and signing
// requirements.
type Config struct {
	AllowedHosts   []string // empty means any non-blocked host is allowed
	RequiredPrefix string   // required URL path prefix, e.g. "/hooks"
	SigningSecret  string   // empty disables inbound signature enforcement
}

// Handler serves the /zapier/hook routes.
type Handler struct {
	cfg          Config
	subs         substore.Store
	registerRL   *ratelimit.Limiter
	sampleRL     *ratelimit.Limiter
	validator    *schema.Validator
	log          *slog.Logger
}

// New constructs a Handler.
func New(cfg Config, subs substore.Store, registerRL, sampleRL *ratelimit.Limiter, validator *schema.Validator, log *slog.Logger) *Handler {
	return &Handler{cfg: cfg, subs: subs, registerRL: registerRL, sampleRL: sampleRL, validator: validator, log: log}
}

// RegisterRoutes mounts the three /zapier/hook operations.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/zapier/hook", h.rateLimited(h.registerRL, h.Register))
	r.GET("/zapier/hook", h.rateLimited(h.sampleRL, h.Sample))
	r.DELETE("/zapier/hook", h.Unregister)
}

func (h *Handler) rateLimited(limiter *ratelimit.Limiter, fn gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter != nil {
			key, _, _ := splitHostPort(c.Request.RemoteAddr)
			if !limiter.Allow(key) {
				c.Header("Retry-After", "60")
				apierr.JSON(c, apierr.New(apierr.KindRateLimit, "RATE_LIMITED", "too many requests"), c.GetHeader("X-Correlation-ID"))
				return
			}
		}
		fn(c)
	}
}

func splitHostPort(addr string) (string, string, error) {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[:i], addr[i+1:], nil
	}
	return addr, "", nil
}

type registerRequest struct {
	URL string `json:"url"`
}

// Register handles POST /zapier/hook.
func (h *Handler) Register(c *gin.Context) {
	correlationID := c.GetHeader("X-Correlation-ID")

	if ct := c.ContentType(); ct != "application/json" {
		apierr.JSON(c, apierr.New(apierr.KindValidation, "INVALID_CONTENT_TYPE", "content-type must be application/json"), correlationID)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxBodySize+1))
	if err != nil {
		apierr.JSON(c, apierr.Wrap(apierr.KindValidation, "BODY_READ_FAILED", "failed to read request body", err), correlationID)
		return
	}
	if len(body) > MaxBodySize {
		apierr.JSON(c, apierr.New(apierr.KindPayloadTooLarge, "BODY_TOO_LARGE", "request body exceeds 10 MiB"), correlationID)
		return
	}

	if !h.verifySignatureIfRequired(c, body) {
		apierr.JSON(c, apierr.New(apierr.KindAuth, "INVALID_SIGNATURE", "missing or invalid X-Signature"), correlationID)
		return
	}

	var req registerRequest
	if err := decodeStrict(body, &req); err != nil {
		apierr.JSON(c, apierr.Wrap(apierr.KindValidation, "INVALID_JSON", "request body is not valid JSON", err), correlationID)
		return
	}

	if err := h.validateURL(req.URL); err != nil {
		apierr.JSON(c, apierr.Wrap(apierr.KindValidation, "INVALID_URL", err.Error(), err), correlationID)
		return
	}

	sub := &substore.Subscription{
		ID:        idgen.WithPrefix("sub_"),
		URL:       req.URL,
		Status:    substore.StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.subs.Create(c.Request.Context(), sub); err != nil {
		if err == substore.ErrDuplicateURL {
			apierr.JSON(c, apierr.New(apierr.KindConflict, "DUPLICATE_URL", "a subscription for this URL already exists"), correlationID)
			return
		}
		apierr.JSON(c, apierr.Wrap(apierr.KindTransientStore, "CREATE_FAILED", "failed to create subscription", err), correlationID)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":         sub.ID,
		"url":        sub.URL,
		"status":     sub.Status,
		"created_at": sub.CreatedAt,
	})
}

// Sample handles GET /zapier/hook: a synthetic, schema-valid event,
// optionally signed, for Zapier-style endpoint testing.
func (h *Handler) Sample(c *gin.Context) {
	correlationID := c.GetHeader("X-Correlation-ID")
	now := time.Now().UTC().Format(time.RFC3339)

	env := &schema.Envelope{
		EventID:   idgen.WithPrefix("evt_sample_"),
		EventType: "sample_event",
		Timestamp: now,
		Payload:   map[string]interface{}{"example_key": "example_value"},
		Metadata:  map[string]interface{}{"sample": true},
		CreatedAt: now,
	}

	// A validation failure of the generated sample is an internal error:
	// it can only mean the sample generator itself drifted from the
	// schema it is supposed to exemplify.
	if err := h.validator.Validate(env); err != nil {
		apierr.JSON(c, apierr.Wrap(apierr.KindInternal, "SAMPLE_INVALID", "generated sample failed schema validation", err), correlationID)
		return
	}

	body := gin.H{
		"event_id":   env.EventID,
		"event_type": env.EventType,
		"timestamp":  env.Timestamp,
		"payload":    env.Payload,
		"metadata":   env.Metadata,
		"created_at": env.CreatedAt,
	}

	if h.cfg.SigningSecret != "" {
		raw, _ := encodeCanonical(body)
		c.Header("X-Signature", signer.Header(raw, h.cfg.SigningSecret))
	}

	c.JSON(http.StatusOK, []gin.H{body})
}

type unregisterRequest struct {
	URL string `json:"url"`
}

// Unregister handles DELETE /zapier/hook.
func (h *Handler) Unregister(c *gin.Context) {
	correlationID := c.GetHeader("X-Correlation-ID")

	var req unregisterRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" {
		apierr.JSON(c, apierr.New(apierr.KindValidation, "MISSING_URL", "url is required"), correlationID)
		return
	}

	if err := h.subs.DeleteByURL(c.Request.Context(), req.URL); err != nil {
		if err == substore.ErrNotFound {
			apierr.JSON(c, apierr.New(apierr.KindNotFound, "NOT_FOUND", "no subscription for this url"), correlationID)
			return
		}
		apierr.JSON(c, apierr.Wrap(apierr.KindTransientStore, "DELETE_FAILED", "failed to delete subscription", err), correlationID)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

// verifySignatureIfRequired enforces the resolved Open Question:
// signing is required whenever a secret is configured and the request
// did not originate from localhost.
func (h *Handler) verifySignatureIfRequired(c *gin.Context, body []byte) bool {
	if h.cfg.SigningSecret == "" {
		return true
	}
	if isLocalhost(c.ClientIP()) {
		return true
	}
	header := c.GetHeader("X-Signature")
	if header == "" {
		return false
	}
	return signer.VerifyHeader(body, header, h.cfg.SigningSecret)
}

func isLocalhost(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1" || ip == "localhost"
}

// validateURL enforces HTTPS, the allow-list, and the required path
// prefix on top of the shared SSRF guard.
func (h *Handler) validateURL(rawURL string) error {
	if err := security.ValidateEndpointURL(rawURL); err != nil {
		return err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "https" {
		return errInvalidScheme
	}
	if len(h.cfg.AllowedHosts) > 0 && !hostAllowed(u.Hostname(), h.cfg.AllowedHosts) {
		return errHostNotAllowed
	}
	if h.cfg.RequiredPrefix != "" && !strings.HasPrefix(u.Path, h.cfg.RequiredPrefix) {
		return errPathPrefix
	}
	return nil
}

func hostAllowed(host string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(host, a) {
			return true
		}
	}
	return false
}
