// Package coordinator translates lecture CRUD and status transitions from
// the external admin surface into Document Store, Lecture Registry, and
// Hub calls (spec §4.5, C5). It is a thin orchestrator: it owns no state
// of its own beyond the transition DAG, mirroring the teacher's
// single-struct orchestrator shape.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/classroomhub/collab-core/internal/registry"
	"github.com/classroomhub/collab-core/internal/store"
	"github.com/classroomhub/collab-core/internal/v1/logging"
	"github.com/classroomhub/collab-core/internal/v1/metrics"
	"github.com/classroomhub/collab-core/internal/v1/session"
)

// Status is a lecture's position in the transition DAG (spec §3).
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusDelayed    Status = "delayed"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// ErrInvalidTransition is returned when a requested status change is not
// reachable from the lecture's current status per the DAG.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions enumerates the DAG edges from spec §3 exactly.
var transitions = map[Status][]Status{
	StatusScheduled:  {StatusDelayed, StatusInProgress, StatusCancelled},
	StatusDelayed:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

func isTerminal(s Status) bool { return s == StatusCompleted || s == StatusCancelled }

// CreateLectureInput is the admin-surface payload for scheduling a lecture.
type CreateLectureInput struct {
	ID             string
	Name           string
	Date           string
	RoomID         string
	TeacherID      string
	CreatedBy      string
	Description    string
	MaxParticipants int
	Metadata       map[string]any
}

// Coordinator binds the Document Store, Lecture Registry, and Hub.
type Coordinator struct {
	store    *store.Store
	registry *registry.Registry
	hub      *session.Hub
}

// New wires a Coordinator over already-constructed collaborators.
func New(st *store.Store, reg *registry.Registry, hub *session.Hub) *Coordinator {
	return &Coordinator{store: st, registry: reg, hub: hub}
}

// CreateLecture persists a new lecture document and stamps its room's
// document status to scheduled (spec §4.5 "On lecture creation").
func (c *Coordinator) CreateLecture(ctx context.Context, in CreateLectureInput) (store.Document, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	doc := store.Document{
		"id":              in.ID,
		"name":            in.Name,
		"date":            in.Date,
		"roomId":          in.RoomID,
		"teacherId":       in.TeacherID,
		"createdBy":       in.CreatedBy,
		"status":          string(StatusScheduled),
		"description":     in.Description,
		"maxParticipants": in.MaxParticipants,
		"metadata":        in.Metadata,
	}

	inserted, err := c.store.Insert("events", doc)
	if err != nil {
		logging.Error(ctx, "lecture create failed", zap.String("lecture_id", in.ID), zap.Error(err))
		return nil, err
	}

	c.upsertRoom(ctx, in.RoomID, string(StatusScheduled), in.ID, now)
	return inserted, nil
}

// TransitionStatus validates newStatus against the DAG, persists it, and
// drives the Registry/Hub side effects spec §4.5 names for entry into or
// exit from in-progress.
func (c *Coordinator) TransitionStatus(ctx context.Context, lectureID string, newStatus Status) error {
	lecture, ok := c.store.FindOne("events", func(d store.Document) bool {
		return fmt.Sprint(d["id"]) == lectureID
	})
	if !ok {
		return fmt.Errorf("lecture %s not found", lectureID)
	}

	current := Status(fmt.Sprint(lecture["status"]))
	if !transitionAllowed(current, newStatus) {
		metrics.LectureTransitions.WithLabelValues(string(current), string(newStatus), "rejected").Inc()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, newStatus)
	}

	roomID := fmt.Sprint(lecture["roomId"])

	updated, found, err := c.store.Update("events", func(d store.Document) bool {
		return fmt.Sprint(d["id"]) == lectureID
	}, store.Document{"status": string(newStatus)})
	if err != nil {
		metrics.LectureTransitions.WithLabelValues(string(current), string(newStatus), "error").Inc()
		return err
	}
	if !found {
		metrics.LectureTransitions.WithLabelValues(string(current), string(newStatus), "error").Inc()
		return fmt.Errorf("lecture %s vanished during update", lectureID)
	}
	_ = updated

	switch {
	case newStatus == StatusInProgress:
		c.registry.RegisterLecture(lectureID, roomID, string(StatusInProgress))
		c.stampRoomStatus(ctx, roomID, "occupied")

	case isTerminal(newStatus):
		c.registry.UpdateLectureStatus(lectureID, string(newStatus))
		c.hub.ClearRoom(ctx, session.RoomIdType(roomID), string(newStatus))
		if err := c.registry.UnregisterLecture(lectureID); err != nil {
			logging.Info(ctx, "lecture was not registered at unregister time",
				zap.String("lecture_id", lectureID), zap.Error(err))
		}
		c.stampRoomStatus(ctx, roomID, "available")

	default:
		c.registry.UpdateLectureStatus(lectureID, string(newStatus))
	}

	metrics.LectureTransitions.WithLabelValues(string(current), string(newStatus), "ok").Inc()
	logging.Info(ctx, "lecture status transitioned",
		zap.String("lecture_id", lectureID),
		zap.String("from", string(current)),
		zap.String("to", string(newStatus)))
	return nil
}

// transitionAllowed reports whether newStatus is reachable from current
// per the DAG in spec §3. Re-applying the current status is idempotent,
// not an error.
func transitionAllowed(current, next Status) bool {
	if current == next {
		return true
	}
	for _, allowed := range transitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}

// upsertRoom inserts or updates the room document for roomID, stamping
// status and currentLecture, via Store.Upsert's single-lock-acquisition
// find-then-branch (spec §4.1 "Known issue to preserve").
func (c *Coordinator) upsertRoom(ctx context.Context, roomID, status, lectureID, now string) {
	_, err := c.store.Upsert("rooms", func(d store.Document) bool {
		return fmt.Sprint(d["id"]) == roomID
	}, store.Document{
		"id":             roomID,
		"name":           roomID,
		"capacity":       0,
		"status":         status,
		"features":       []string{},
		"currentLecture": lectureID,
		"createdAt":      now,
		"updatedAt":      now,
	}, store.Document{
		"status":         status,
		"currentLecture": lectureID,
	})
	if err != nil {
		logging.Error(ctx, "room document upsert failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

// stampRoomStatus updates an existing room document's status field.
func (c *Coordinator) stampRoomStatus(ctx context.Context, roomID, status string) {
	_, found, err := c.store.Update("rooms", func(d store.Document) bool {
		return fmt.Sprint(d["id"]) == roomID
	}, store.Document{"status": status})
	if err != nil {
		logging.Error(ctx, "room status stamp failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	if !found {
		logging.Warn(ctx, "room document missing for status stamp", zap.String("room_id", roomID))
	}
}
