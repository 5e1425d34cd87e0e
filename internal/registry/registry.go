// Package registry maintains the mapping roomId -> lectureId -> status that
// the session hub consults to decide whether a join_room is admissible
// (I3). It never touches the document store directly; the event
// coordinator is the only caller that mutates it.
package registry

import (
	"errors"
	"sync"
)

// StatusInProgress is the only status for which a room is joinable.
const StatusInProgress = "in-progress"

// entry is one roomId -> lecture mapping.
type entry struct {
	lectureID string
	status    string
}

// Registry is a small shared map guarded by a single mutex (spec §5: "a
// single mutex covering its four operations suffices"). It keeps two
// indices over the same entries so both registerLecture/unregisterLecture
// (keyed by lectureId) and IsRoomAvailable (keyed by roomId) are O(1).
type Registry struct {
	mu            sync.Mutex
	byRoom        map[string]*entry
	roomByLecture map[string]string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byRoom:        make(map[string]*entry),
		roomByLecture: make(map[string]string),
	}
}

// RegisterLecture maps roomId to lectureId with the given status. Called on
// transition to in-progress (spec §4.2). A lectureId already mapped to a
// different room is repointed; a roomId already mapped to a different
// lecture is overwritten, since the coordinator only calls this after
// validating the transition DAG.
func (r *Registry) RegisterLecture(lectureID, roomID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if oldRoom, ok := r.roomByLecture[lectureID]; ok && oldRoom != roomID {
		delete(r.byRoom, oldRoom)
	}
	r.byRoom[roomID] = &entry{lectureID: lectureID, status: status}
	r.roomByLecture[lectureID] = roomID
}

// UpdateLectureStatus changes the status of an already-registered lecture.
// A no-op if the lecture isn't currently mapped.
func (r *Registry) UpdateLectureStatus(lectureID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.roomByLecture[lectureID]
	if !ok {
		return
	}
	if e, ok := r.byRoom[roomID]; ok {
		e.status = status
	}
}

// UnregisterLecture removes a lecture from the registry. Called on
// completed/cancelled (spec §4.2); after this, IsRoomAvailable for its room
// returns false. Returns ErrNotRegistered if lectureID was never mapped —
// harmless, since a lecture can reach a terminal status without ever having
// gone through in-progress.
func (r *Registry) UnregisterLecture(lectureID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.roomByLecture[lectureID]
	if !ok {
		return ErrNotRegistered
	}
	delete(r.roomByLecture, lectureID)
	delete(r.byRoom, roomID)
	return nil
}

// IsRoomAvailable reports whether roomID is currently backed by a lecture
// whose status is exactly in-progress, and the status string seen (empty
// if unmapped). Implements session.LectureRegistry.
func (r *Registry) IsRoomAvailable(roomID string) (available bool, lectureStatus string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byRoom[roomID]
	if !ok {
		return false, "", nil
	}
	return e.status == StatusInProgress, e.status, nil
}

// LectureForRoom returns the lectureId currently mapped to roomID, if any.
// Used by the coordinator to resolve a room-scoped operation back to its
// lecture without a store round-trip.
func (r *Registry) LectureForRoom(roomID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byRoom[roomID]
	if !ok {
		return "", false
	}
	return e.lectureID, true
}

// ErrNotRegistered is returned by lookups against a lectureId the registry
// doesn't currently hold.
var ErrNotRegistered = errors.New("lecture not registered")
