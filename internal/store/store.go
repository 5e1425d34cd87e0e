// Package store implements the single-writer, multi-reader document
// store backing lectures and rooms (spec §4.1). The authoritative copy is
// one JSON document on disk; after the first read, the in-memory cache is
// authoritative and the file is only ever written, never re-read, because
// the store is its own sole writer (I6).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/classroomhub/collab-core/internal/v1/logging"
	"github.com/classroomhub/collab-core/internal/v1/metrics"
)

// StorageReadError wraps a failure to read or parse the backing file.
type StorageReadError struct{ Err error }

func (e *StorageReadError) Error() string { return "storage read error: " + e.Err.Error() }
func (e *StorageReadError) Unwrap() error { return e.Err }

// StorageWriteError wraps a failure to persist a mutation to disk. The
// in-memory cache still reflects the attempted change; callers decide
// whether to retry the write.
type StorageWriteError struct{ Err error }

func (e *StorageWriteError) Error() string { return "storage write error: " + e.Err.Error() }
func (e *StorageWriteError) Unwrap() error { return e.Err }

// Document is a single collection-keyed record. Any JSON object works;
// callers type-assert the Fields they care about via Decode/Encode.
type Document map[string]any

// Predicate reports whether a document matches a query.
type Predicate func(Document) bool

// document is the on-disk/in-memory shape: two named collections, matching
// spec §6.3's persisted layout exactly.
type document struct {
	Events []Document `json:"events"`
	Rooms  []Document `json:"rooms"`
}

// Store is the embedded JSON document store. All six operations serialize
// through mu; this is the store's sole concurrency-correctness mechanism
// (spec §4.1, §5) — including read-modify-write callers, who MUST hold
// WithLock for the entire operation rather than composing find+update.
type Store struct {
	mu   sync.Mutex
	path string
	doc  document
}

// Open loads path into memory, seeding a default skeleton if the file is
// absent. After Open returns, all reads are served from cache.
func Open(ctx context.Context, path string) (*Store, error) {
	s := &Store{path: path}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.doc = document{Events: []Document{}, Rooms: []Document{}}
		if writeErr := s.persistLocked(); writeErr != nil {
			return nil, writeErr
		}
		return s, nil
	case err != nil:
		logging.Error(ctx, "store read failed, seeding defaults", zap.String("path", path), zap.Error(err))
		s.doc = document{Events: []Document{}, Rooms: []Document{}}
		if writeErr := s.persistLocked(); writeErr != nil {
			return nil, &StorageReadError{Err: err}
		}
		return s, nil
	}

	if err := json.Unmarshal(raw, &s.doc); err != nil {
		logging.Error(ctx, "store parse failed, seeding defaults", zap.String("path", path), zap.Error(err))
		s.doc = document{Events: []Document{}, Rooms: []Document{}}
		if writeErr := s.persistLocked(); writeErr != nil {
			return nil, &StorageReadError{Err: err}
		}
	}
	return s, nil
}

func collectionOf(d *document, collection string) *[]Document {
	switch collection {
	case "events":
		return &d.Events
	case "rooms":
		return &d.Rooms
	default:
		return nil
	}
}

// Find returns every document in collection matching predicate. Callers
// must not mutate the returned documents.
func (s *Store) Find(collection string, predicate Predicate) []Document {
	defer instrument(collection, "find")()

	s.mu.Lock()
	defer s.mu.Unlock()

	coll := collectionOf(&s.doc, collection)
	if coll == nil {
		return nil
	}
	out := make([]Document, 0, len(*coll))
	for _, d := range *coll {
		if predicate == nil || predicate(d) {
			out = append(out, d)
		}
	}
	return out
}

// FindOne returns the first matching document, or false.
func (s *Store) FindOne(collection string, predicate Predicate) (Document, bool) {
	defer instrument(collection, "find_one")()

	s.mu.Lock()
	defer s.mu.Unlock()

	coll := collectionOf(&s.doc, collection)
	if coll == nil {
		return nil, false
	}
	for _, d := range *coll {
		if predicate == nil || predicate(d) {
			return d, true
		}
	}
	return nil, false
}

// Insert appends doc to collection and persists, returning the inserted
// document.
func (s *Store) Insert(collection string, doc Document) (Document, error) {
	done := instrument(collection, "insert")
	s.mu.Lock()
	defer s.mu.Unlock()

	coll := collectionOf(&s.doc, collection)
	if coll == nil {
		done()
		metrics.StorageOperationsTotal.WithLabelValues(collection, "insert", "error").Inc()
		return nil, errors.New("unknown collection: " + collection)
	}
	*coll = append(*coll, doc)

	if err := s.persistLocked(); err != nil {
		done()
		metrics.StorageOperationsTotal.WithLabelValues(collection, "insert", "error").Inc()
		return nil, err
	}
	done()
	metrics.StorageOperationsTotal.WithLabelValues(collection, "insert", "ok").Inc()
	return doc, nil
}

// Update applies a shallow merge of patch onto the first document in
// collection matching predicate, sets lastModified, and persists. The
// entire read-modify-write happens under mu, preserving I6's no-lost-update
// guarantee (spec §4.1 "Known issue to preserve").
func (s *Store) Update(collection string, predicate Predicate, patch Document) (Document, bool, error) {
	done := instrument(collection, "update")
	s.mu.Lock()
	defer s.mu.Unlock()

	coll := collectionOf(&s.doc, collection)
	if coll == nil {
		done()
		return nil, false, nil
	}
	for i, d := range *coll {
		if predicate != nil && !predicate(d) {
			continue
		}
		merged := make(Document, len(d)+len(patch))
		for k, v := range d {
			merged[k] = v
		}
		for k, v := range patch {
			merged[k] = v
		}
		merged["lastModified"] = time.Now().UTC().Format(time.RFC3339Nano)
		(*coll)[i] = merged

		if err := s.persistLocked(); err != nil {
			done()
			metrics.StorageOperationsTotal.WithLabelValues(collection, "update", "error").Inc()
			return nil, false, err
		}
		done()
		metrics.StorageOperationsTotal.WithLabelValues(collection, "update", "ok").Inc()
		return merged, true, nil
	}
	done()
	metrics.StorageOperationsTotal.WithLabelValues(collection, "update", "not_found").Inc()
	return nil, false, nil
}

// Upsert runs predicate against collection; if a document matches, it is
// patched exactly like Update, otherwise insertDoc is appended verbatim.
// The whole find-then-branch runs under a single lock acquisition, which
// is what Update+Insert composed by the caller cannot guarantee (spec
// §4.1 "Known issue to preserve").
func (s *Store) Upsert(collection string, predicate Predicate, insertDoc, patch Document) (Document, error) {
	done := instrument(collection, "upsert")
	s.mu.Lock()
	defer s.mu.Unlock()

	coll := collectionOf(&s.doc, collection)
	if coll == nil {
		done()
		return nil, errors.New("unknown collection: " + collection)
	}

	for i, d := range *coll {
		if predicate != nil && !predicate(d) {
			continue
		}
		merged := make(Document, len(d)+len(patch))
		for k, v := range d {
			merged[k] = v
		}
		for k, v := range patch {
			merged[k] = v
		}
		merged["lastModified"] = time.Now().UTC().Format(time.RFC3339Nano)
		(*coll)[i] = merged

		if err := s.persistLocked(); err != nil {
			done()
			metrics.StorageOperationsTotal.WithLabelValues(collection, "upsert", "error").Inc()
			return nil, err
		}
		done()
		metrics.StorageOperationsTotal.WithLabelValues(collection, "upsert", "updated").Inc()
		return merged, nil
	}

	*coll = append(*coll, insertDoc)
	if err := s.persistLocked(); err != nil {
		done()
		metrics.StorageOperationsTotal.WithLabelValues(collection, "upsert", "error").Inc()
		return nil, err
	}
	done()
	metrics.StorageOperationsTotal.WithLabelValues(collection, "upsert", "inserted").Inc()
	return insertDoc, nil
}

// Delete removes every document in collection matching predicate and
// persists, reporting whether anything was removed.
func (s *Store) Delete(collection string, predicate Predicate) (bool, error) {
	done := instrument(collection, "delete")
	s.mu.Lock()
	defer s.mu.Unlock()

	coll := collectionOf(&s.doc, collection)
	if coll == nil {
		done()
		return false, nil
	}
	kept := make([]Document, 0, len(*coll))
	removed := false
	for _, d := range *coll {
		if predicate != nil && predicate(d) {
			removed = true
			continue
		}
		kept = append(kept, d)
	}
	if !removed {
		done()
		return false, nil
	}
	*coll = kept

	if err := s.persistLocked(); err != nil {
		done()
		metrics.StorageOperationsTotal.WithLabelValues(collection, "delete", "error").Inc()
		return false, err
	}
	done()
	metrics.StorageOperationsTotal.WithLabelValues(collection, "delete", "ok").Inc()
	return true, nil
}

// WithLock runs fn holding the store's mutual-exclusion boundary, for
// callers (the Coordinator) whose mutation is morally a read-modify-write
// spanning more than one of the primitives above.
func (s *Store) WithLock(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// persistLocked writes the whole document to disk as an atomic rename,
// so readers across a restart see either the pre- or post-write file,
// never a torn intermediate (spec §4.1). Caller must hold mu.
func (s *Store) persistLocked() error {
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return &StorageWriteError{Err: err}
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return &StorageWriteError{Err: err}
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &StorageWriteError{Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &StorageWriteError{Err: err}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return &StorageWriteError{Err: err}
	}
	return nil
}

func instrument(collection, operation string) func() {
	timer := metrics.StorageOperationDuration.WithLabelValues(collection, operation)
	start := time.Now()
	return func() { timer.Observe(time.Since(start).Seconds()) }
}
