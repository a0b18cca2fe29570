package auth

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequireBearerValidToken(t *testing.T) {
	ts := NewTokenSet([]string{"tok_a"})
	router := gin.New()
	router.Use(RequireBearer(ts))
	router.POST("/events", func(c *gin.Context) {
		if !IsAuthenticated(c) {
			t.Error("expected IsAuthenticated to be true inside handler")
		}
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/events", nil)
	req.Header.Set("Authorization", "Bearer tok_a")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRequireBearerMissingToken(t *testing.T) {
	ts := NewTokenSet([]string{"tok_a"})
	router := gin.New()
	router.Use(RequireBearer(ts))
	router.POST("/events", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/events", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequireBearerWrongToken(t *testing.T) {
	ts := NewTokenSet([]string{"tok_a"})
	router := gin.New()
	router.Use(RequireBearer(ts))
	router.POST("/events", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/events", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequireAdminMissingSecret(t *testing.T) {
	os.Unsetenv("ADMIN_SECRET")
	router := gin.New()
	router.Use(RequireAdmin())
	router.GET("/admin/dlq", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/admin/dlq", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when ADMIN_SECRET unset, got %d", w.Code)
	}
}

func TestRequireAdminCorrectSecret(t *testing.T) {
	os.Setenv("ADMIN_SECRET", "s3cr3t")
	defer os.Unsetenv("ADMIN_SECRET")
	router := gin.New()
	router.Use(RequireAdmin())
	router.GET("/admin/dlq", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/admin/dlq", nil)
	req.Header.Set("X-Admin-Secret", "s3cr3t")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRequireAdminWrongSecret(t *testing.T) {
	os.Setenv("ADMIN_SECRET", "s3cr3t")
	defer os.Unsetenv("ADMIN_SECRET")
	router := gin.New()
	router.Use(RequireAdmin())
	router.GET("/admin/dlq", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/admin/dlq", nil)
	req.Header.Set("X-Admin-Secret", "nope")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}
