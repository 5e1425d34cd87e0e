package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classroomhub/collab-core/internal/coordinator"
	"github.com/classroomhub/collab-core/internal/registry"
	"github.com/classroomhub/collab-core/internal/store"
	"github.com/classroomhub/collab-core/internal/v1/auth"
	"github.com/classroomhub/collab-core/internal/v1/session"
)

type stubValidator struct{}

func (stubValidator) ValidateToken(string) (*auth.CustomClaims, error) {
	return &auth.CustomClaims{}, nil
}

func newTestHandler(t *testing.T, secret string, devMode bool) *Handler {
	t.Helper()
	st, err := store.Open(context.Background(), t.TempDir()+"/store.json")
	require.NoError(t, err)
	reg := registry.New()
	hub := session.NewHub(stubValidator{}, reg, nil, true, session.DefaultHubConfig())
	coord := coordinator.New(st, reg, hub)
	return NewHandler(coord, secret, devMode)
}

func jsonRequest(method, path string, body any) *http.Request {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestCreateLecture_PersistsAndReturns201(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestHandler(t, "", true)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = jsonRequest(http.MethodPost, "/internal/lectures", createLectureRequest{
		ID: "lecture-1", Name: "Intro", RoomID: "room-1",
	})

	h.CreateLecture(c)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "scheduled")
}

func TestCreateLecture_MalformedBodyRejected(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestHandler(t, "", true)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/internal/lectures", bytes.NewReader([]byte("not json")))
	c.Request.Header.Set("Content-Type", "application/json")

	h.CreateLecture(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTransitionStatus_InProgressRegistersLecture(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestHandler(t, "", true)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = jsonRequest(http.MethodPost, "/internal/lectures", createLectureRequest{ID: "lecture-1", RoomID: "room-1"})
	h.CreateLecture(c)
	require.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = jsonRequest(http.MethodPost, "/internal/lectures/lecture-1/status", transitionStatusRequest{Status: "in-progress"})
	c.Params = gin.Params{{Key: "id", Value: "lecture-1"}}

	h.TransitionStatus(c)

	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestTransitionStatus_InvalidTransitionReturns409(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestHandler(t, "", true)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = jsonRequest(http.MethodPost, "/internal/lectures", createLectureRequest{ID: "lecture-1", RoomID: "room-1"})
	h.CreateLecture(c)

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = jsonRequest(http.MethodPost, "/internal/lectures/lecture-1/status", transitionStatusRequest{Status: "completed"})
	c.Params = gin.Params{{Key: "id", Value: "lecture-1"}}
	h.TransitionStatus(c)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = jsonRequest(http.MethodPost, "/internal/lectures/lecture-1/status", transitionStatusRequest{Status: "in-progress"})
	c.Params = gin.Params{{Key: "id", Value: "lecture-1"}}
	h.TransitionStatus(c)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRequireSharedSecret_RejectsMissingOrWrongHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestHandler(t, "top-secret", false)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/internal/lectures", nil)
	c.Request.Header.Set("X-Internal-Secret", "wrong")

	h.RequireSharedSecret()(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.True(t, c.IsAborted())
}

func TestRequireSharedSecret_AllowsMatchingHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestHandler(t, "top-secret", false)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/internal/lectures", nil)
	c.Request.Header.Set("X-Internal-Secret", "top-secret")

	h.RequireSharedSecret()(c)

	assert.False(t, c.IsAborted())
}

func TestRequireSharedSecret_DevModeBypassesEmptySecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestHandler(t, "", true)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/internal/lectures", nil)

	h.RequireSharedSecret()(c)

	assert.False(t, c.IsAborted())
}

func TestRequireSharedSecret_RejectsEverythingWithoutDevModeOrSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestHandler(t, "", false)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/internal/lectures", nil)

	h.RequireSharedSecret()(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
