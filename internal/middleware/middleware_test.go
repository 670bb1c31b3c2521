package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailindex/backend/internal/auth/jwt"
	"mailindex/backend/internal/monitoring"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(handlers...)
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextKeySubject))
	})
	r.POST("/echo", func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusNoContent)
	})
	r.GET("/panic", func(*gin.Context) { panic("boom") })
	return r
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireAdmin_DisabledWithoutManager(t *testing.T) {
	r := newEngine(NewAdminAuth(nil, nil).RequireAdmin())
	w := serve(r, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireAdmin(t *testing.T) {
	manager := jwt.NewManager(testSecret, "mailindex", time.Hour)
	r := newEngine(NewAdminAuth(manager, nil).RequireAdmin())
	token, err := manager.GenerateToken("ops")
	require.NoError(t, err)

	t.Run("missing token", func(t *testing.T) {
		w := serve(r, httptest.NewRequest(http.MethodGet, "/ping", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.JSONEq(t, `{"code":401,"msg":"authentication required"}`, w.Body.String())
	})

	t.Run("bearer header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := serve(r, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ops", w.Body.String())
	})

	t.Run("query parameter", func(t *testing.T) {
		w := serve(r, httptest.NewRequest(http.MethodGet, "/ping?token="+token, nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("forged token", func(t *testing.T) {
		forged, err := jwt.NewManager("ffffffffffffffffffffffffffffffff", "mailindex", time.Hour).GenerateToken("ops")
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("Authorization", "Bearer "+forged)
		w := serve(r, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.JSONEq(t, `{"code":401,"msg":"invalid token"}`, w.Body.String())
	})
}

func TestBodySizeLimit(t *testing.T) {
	r := newEngine(BodySizeLimit(8))

	w := serve(r, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("small")))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "8", w.Header().Get("X-Max-Body-Size"))

	w = serve(r, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("far too large")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestMonitoring_RecordsRequestsAndPanics(t *testing.T) {
	metrics := monitoring.NewMetrics()
	mm := NewMonitoringMiddleware(metrics, nil)
	r := newEngine(mm.PanicRecovery(), mm.HTTPMetrics())

	w := serve(r, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)


	w = serve(r, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"code":500,"msg":"internal server error"}`, w.Body.String())

	scraped := serve(metrics.HTTPHandler(), httptest.NewRequest(http.MethodGet, "/metrics", nil)).Body.String()
	assert.Contains(t, scraped, `mailindex_http_requests_total{endpoint="/ping",method="GET",status_code="200"} 1`)
	assert.Contains(t, scraped, "mailindex_panics_total 1")
}

func TestSecurityHeadersAndLogger(t *testing.T) {
	r := newEngine(RequestLogger(nil), SecurityHeaders())
	w := serve(r, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestRedactToken(t *testing.T) {
	assert.Equal(t, "", redactToken(""))
	assert.Equal(t, "status=running", redactToken("status=running"))
	assert.Equal(t, "status=running&token=REDACTED", redactToken("token=abc.def.ghi&status=running"))
}
