// Package lifecycle exposes the narrow internal entrypoint the event
// coordinator needs to actually run: scheduling a lecture and transitioning
// its status. This is not the admin CRUD surface (out of scope); it is a
// trusted, shared-secret-gated surface meant for an internal scheduler or
// operator tool, mirroring the health package's thin Handler/NewHandler
// shape.
package lifecycle

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/classroomhub/collab-core/internal/coordinator"
)

// Handler wires HTTP requests onto an already-constructed Coordinator.
type Handler struct {
	coord   *coordinator.Coordinator
	secret  string
	devMode bool
}

// NewHandler wires a Handler over coord. secret is the value expected in
// the X-Internal-Secret header on every request; devMode, when true and
// secret is empty, skips the check so local development doesn't need one
// configured.
func NewHandler(coord *coordinator.Coordinator, secret string, devMode bool) *Handler {
	return &Handler{coord: coord, secret: secret, devMode: devMode}
}

// RequireSharedSecret rejects any request whose X-Internal-Secret header
// doesn't match the configured secret. A request is also rejected when no
// secret is configured, unless devMode bypasses the check.
func (h *Handler) RequireSharedSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.devMode && h.secret == "" {
			c.Next()
			return
		}
		if h.secret == "" || c.GetHeader("X-Internal-Secret") != h.secret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid internal secret"})
			return
		}
		c.Next()
	}
}

type createLectureRequest struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Date            string         `json:"date"`
	RoomID          string         `json:"roomId"`
	TeacherID       string         `json:"teacherId"`
	CreatedBy       string         `json:"createdBy"`
	Description     string         `json:"description"`
	MaxParticipants int            `json:"maxParticipants"`
	Metadata        map[string]any `json:"metadata"`
}

// CreateLecture handles POST /internal/lectures
func (h *Handler) CreateLecture(c *gin.Context) {
	var req createLectureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	doc, err := h.coord.CreateLecture(c.Request.Context(), coordinator.CreateLectureInput{
		ID:              req.ID,
		Name:            req.Name,
		Date:            req.Date,
		RoomID:          req.RoomID,
		TeacherID:       req.TeacherID,
		CreatedBy:       req.CreatedBy,
		Description:     req.Description,
		MaxParticipants: req.MaxParticipants,
		Metadata:        req.Metadata,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, doc)
}

type transitionStatusRequest struct {
	Status string `json:"status"`
}

// TransitionStatus handles POST /internal/lectures/:id/status
func (h *Handler) TransitionStatus(c *gin.Context) {
	lectureID := c.Param("id")

	var req transitionStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.coord.TransitionStatus(c.Request.Context(), lectureID, coordinator.Status(req.Status))
	if err != nil {
		if errors.Is(err, coordinator.ErrInvalidTransition) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
