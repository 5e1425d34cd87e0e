package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classroomhub/collab-core/internal/store"
)

type stubStore struct {
	healthy bool
}

func (s *stubStore) Find(collection string, predicate store.Predicate) []store.Document {
	if !s.healthy {
		panic("store unreachable")
	}
	return nil
}

func TestLiveness_AlwaysReturns200(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(nil, nil)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/live", nil)

	handler.Liveness(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
	assert.Contains(t, w.Body.String(), "timestamp")
}

func TestReadiness_NilRedisAndHealthyStore(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(nil, &stubStore{healthy: true})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/ready", nil)

	handler.Readiness(c)

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "ready")
	assert.Contains(t, body, "redis")
	assert.Contains(t, body, "store")
}

func TestReadiness_NilStoreIsUnhealthy(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(nil, nil)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/ready", nil)

	handler.Readiness(c)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "unavailable")
	assert.Contains(t, body, "unhealthy")
}

func TestReadiness_ResponseFormat(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(nil, &stubStore{healthy: true})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/ready", nil)

	handler.Readiness(c)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "status")
	assert.Contains(t, body, "checks")
	assert.Contains(t, body, "timestamp")
}

func TestNewHandler_WiresProvidedCollaborators(t *testing.T) {
	st := &stubStore{healthy: true}
	handler := NewHandler(nil, st)

	assert.NotNil(t, handler)
	assert.Same(t, st, handler.docStore)
}
