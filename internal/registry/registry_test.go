package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRoomAvailable_UnmappedRoomIsUnavailable(t *testing.T) {
	r := New()
	available, status, err := r.IsRoomAvailable("room-1")
	assert.NoError(t, err)
	assert.False(t, available)
	assert.Empty(t, status)
}

func TestRegisterLecture_MakesRoomAvailableOnlyWhenInProgress(t *testing.T) {
	r := New()
	r.RegisterLecture("lecture-1", "room-1", "scheduled")

	available, status, err := r.IsRoomAvailable("room-1")
	assert.NoError(t, err)
	assert.False(t, available)
	assert.Equal(t, "scheduled", status)

	r.RegisterLecture("lecture-1", "room-1", StatusInProgress)
	available, status, err = r.IsRoomAvailable("room-1")
	assert.NoError(t, err)
	assert.True(t, available)
	assert.Equal(t, StatusInProgress, status)
}

func TestUpdateLectureStatus_ChangesAvailability(t *testing.T) {
	r := New()
	r.RegisterLecture("lecture-1", "room-1", StatusInProgress)

	r.UpdateLectureStatus("lecture-1", "completed")

	available, status, err := r.IsRoomAvailable("room-1")
	assert.NoError(t, err)
	assert.False(t, available)
	assert.Equal(t, "completed", status)
}

func TestUpdateLectureStatus_UnknownLectureIsNoop(t *testing.T) {
	r := New()
	r.UpdateLectureStatus("ghost", StatusInProgress)
	_, found := r.LectureForRoom("room-1")
	assert.False(t, found)
}

func TestUnregisterLecture_RemovesRoomMapping(t *testing.T) {
	r := New()
	r.RegisterLecture("lecture-1", "room-1", StatusInProgress)
	r.UnregisterLecture("lecture-1")

	available, status, err := r.IsRoomAvailable("room-1")
	assert.NoError(t, err)
	assert.False(t, available)
	assert.Empty(t, status)

	_, found := r.LectureForRoom("room-1")
	assert.False(t, found)
}

// A lectureId maps to at most one roomId: re-registering the same lecture
// against a new room must detach it from the old one.
func TestRegisterLecture_RepointsLectureToNewRoom(t *testing.T) {
	r := New()
	r.RegisterLecture("lecture-1", "room-1", StatusInProgress)
	r.RegisterLecture("lecture-1", "room-2", StatusInProgress)

	_, found := r.LectureForRoom("room-1")
	assert.False(t, found, "old room must no longer carry the lecture")

	lectureID, found := r.LectureForRoom("room-2")
	assert.True(t, found)
	assert.Equal(t, "lecture-1", lectureID)
}

func TestLectureForRoom_ReturnsMappedLecture(t *testing.T) {
	r := New()
	r.RegisterLecture("lecture-9", "room-9", StatusInProgress)

	lectureID, found := r.LectureForRoom("room-9")
	assert.True(t, found)
	assert.Equal(t, "lecture-9", lectureID)
}

// Concurrent register/update/read calls must not race or corrupt either
// index (spec §5: single mutex covers all four operations).
func TestRegistry_ConcurrentAccessIsSafe(t *testing.T) {
	r := New()
	const n = 50
	var wg sync.WaitGroup
	wg.Add(n * 2)

	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			r.RegisterLecture("lecture", "room", StatusInProgress)
		}(i)
		go func(i int) {
			defer wg.Done()
			r.IsRoomAvailable("room")
		}(i)
	}
	wg.Wait()

	available, _, err := r.IsRoomAvailable("room")
	assert.NoError(t, err)
	assert.True(t, available)
}
