package murmur

import (
	"sync"
	"time"
)

// ============================================================================
// Tombstone Store
// ============================================================================

// Tombstone records authoritative local intent for a message id: an edit, a
// deletion, or both. The merge engine consults it before applying any
// incoming record so background data can never silently revert what the
// user just did.
type Tombstone struct {
	Edited    bool
	Content   string
	EditedAt  time.Time
	Deleted   bool
	DeletedAt time.Time
}

// TombstoneStore keeps tombstones for the lifetime of a conversation
// session. Nothing is persisted across restarts; a fresh session re-derives
// truth from the server.
type TombstoneStore struct {
	mu      sync.Mutex
	entries map[string]*Tombstone
}

// NewTombstoneStore creates an empty store.
func NewTombstoneStore() *TombstoneStore {
	return &TombstoneStore{entries: make(map[string]*Tombstone)}
}

// MarkEdited records a local edit. Re-marking with the same or an older
// timestamp is a no-op; timestamps only move forward.
func (s *TombstoneStore) MarkEdited(id, content string, editedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.entry(id)
	if t.Edited && !editedAt.After(t.EditedAt) {
		return
	}
	t.Edited = true
	t.Content = content
	t.EditedAt = editedAt
}

// MarkDeleted records a local deletion. Idempotent; an older timestamp never
// rewinds an existing deletion.
func (s *TombstoneStore) MarkDeleted(id string, deletedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.entry(id)
	if t.Deleted && !deletedAt.After(t.DeletedAt) {
		return
	}
	t.Deleted = true
	t.DeletedAt = deletedAt
}

// Lookup returns the tombstone for id, or ok=false when the id carries no
// local intent.
func (s *TombstoneStore) Lookup(id string) (Tombstone, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.entries[id]
	if !ok {
		return Tombstone{}, false
	}
	return *t, true
}

// Rekey moves a tombstone recorded under a provisional id to the permanent
// id once the send resolves, merging into any intent already recorded under
// the permanent id. A delete-while-pending thereby survives resolution.
func (s *TombstoneStore) Rekey(localID, permanentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.entries[localID]
	if !ok {
		return
	}
	delete(s.entries, localID)

	dst := s.entry(permanentID)
	if src.Edited && (!dst.Edited || src.EditedAt.After(dst.EditedAt)) {
		dst.Edited = true
		dst.Content = src.Content
		dst.EditedAt = src.EditedAt
	}
	if src.Deleted && (!dst.Deleted || src.DeletedAt.After(dst.DeletedAt)) {
		dst.Deleted = true
		dst.DeletedAt = src.DeletedAt
	}
}

// RevertEdit clears an edit tombstone recorded at exactly editedAt, used
// when the confirming network call fails and the local edit is rolled back.
// A newer edit recorded meanwhile is left untouched.
func (s *TombstoneStore) RevertEdit(id string, editedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.entries[id]
	if !ok || !t.Edited || !t.EditedAt.Equal(editedAt) {
		return
	}
	t.Edited = false
	t.Content = ""
	t.EditedAt = time.Time{}
	s.prune(id, t)
}

// RevertDelete clears a delete tombstone recorded at exactly deletedAt.
func (s *TombstoneStore) RevertDelete(id string, deletedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.entries[id]
	if !ok || !t.Deleted || !t.DeletedAt.Equal(deletedAt) {
		return
	}
	t.Deleted = false
	t.DeletedAt = time.Time{}
	s.prune(id, t)
}

func (s *TombstoneStore) entry(id string) *Tombstone {
	t, ok := s.entries[id]
	if !ok {
		t = &Tombstone{}
		s.entries[id] = t
	}
	return t
}

func (s *TombstoneStore) prune(id string, t *Tombstone) {
	if !t.Edited && !t.Deleted {
		delete(s.entries, id)
	}
}
