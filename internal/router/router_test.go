package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/jwalitptl/notify-sync/internal/handler"
	"github.com/jwalitptl/notify-sync/internal/middleware"
)

type pingHandler struct{}

func (pingHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"pong": true}) })
}

func newTestRouter(t *testing.T) (*Router, *prometheus.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	r := NewRouter(handler.NewHandler(nil, reg), RouterConfig{
		CORSConfig: middleware.DefaultCORSConfig(),
		Registerer: reg,
	}, pingHandler{})
	r.Setup()
	return r, reg
}

func TestRoutes(t *testing.T) {
	r, _ := newTestRouter(t)

	for _, path := range []string{"/health/live", "/health/ready", "/health/metrics", "/api/v1/ping"} {
		w := httptest.NewRecorder()
		r.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.NotEmpty(t, w.Header().Get(middleware.HeaderXRequestID), path)
	}

	w := httptest.NewRecorder()
	r.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
	assert.Equal(t, "1.0", w.Header().Get("X-API-Version"))
}

func TestMetricsMiddleware(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	r.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
	w = httptest.NewRecorder()
	r.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.requestTotal.WithLabelValues(http.MethodGet, "/api/v1/ping", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.errorTotal.WithLabelValues(http.MethodGet, "unmatched", "client")))
}
