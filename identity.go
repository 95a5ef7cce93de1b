package murmur

import (
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Identity Resolver
// ============================================================================

// matchWindow bounds the heuristic match between a realtime echo and an open
// provisional send. Echoes older than this never match.
const matchWindow = 10 * time.Second

// ProvisionalHandle is the record kept for a send that has not yet been
// acknowledged. The sender/content/time fields drive MatchIncoming.
type ProvisionalHandle struct {
	LocalID      string
	SenderID     string
	Content      string
	RegisteredAt time.Time
}

// IdentityResolver maps client-generated provisional message ids to the
// server-assigned permanent ids once they are known. A provisional id is
// retired exactly once on Resolve; retired bindings are kept so late
// references to the local id can still be canonicalized.
type IdentityResolver struct {
	mu      sync.Mutex
	open    map[string]*ProvisionalHandle // provisional id -> handle
	order   []string                      // open ids in registration order
	retired map[string]string             // provisional id -> permanent id
	log     *slog.Logger
}

// NewIdentityResolver creates an empty resolver.
func NewIdentityResolver(log *slog.Logger) *IdentityResolver {
	if log == nil {
		log = slog.Default()
	}
	return &IdentityResolver{
		open:    make(map[string]*ProvisionalHandle),
		retired: make(map[string]string),
		log:     log,
	}
}

// RegisterProvisional opens a provisional entry for an initiated send and
// returns the handle the caller retains.
func (r *IdentityResolver) RegisterProvisional(localID, senderID, content string, at time.Time) *ProvisionalHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := &ProvisionalHandle{
		LocalID:      localID,
		SenderID:     senderID,
		Content:      content,
		RegisteredAt: at,
	}
	r.open[localID] = h
	r.order = append(r.order, localID)
	return h
}

// Resolve binds a provisional id to its permanent id and retires it. An
// unknown local id (duplicate acknowledgment, or an id retired meanwhile) is
// a logged no-op returning false. Re-binding an already retired id to a
// different permanent id is an identity conflict: logged, last write wins.
func (r *IdentityResolver) Resolve(localID, permanentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.retired[localID]; ok {
		if prev != permanentID {
			conflict := &IdentityConflictError{ProvisionalID: localID, BoundID: prev, IncomingID: permanentID}
			r.log.Warn("identity conflict on resolve", "error", conflict)
			r.retired[localID] = permanentID
		}
		return false
	}
	if _, ok := r.open[localID]; !ok {
		r.log.Warn("resolve for unknown provisional id", "localId", localID, "permanentId", permanentID)
		return false
	}

	delete(r.open, localID)
	r.dropFromOrder(localID)
	r.retired[localID] = permanentID
	return true
}

// MatchIncoming attempts to pair an incoming record that carries a permanent
// id with a still-open provisional entry: same sender, identical content,
// created within the match window of registration. When several open
// provisionals qualify, the earliest registered one wins.
func (r *IdentityResolver) MatchIncoming(candidate *Message) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, localID := range r.order {
		h, ok := r.open[localID]
		if !ok {
			continue
		}
		if h.SenderID != candidate.SenderID || h.Content != candidate.Content {
			continue
		}
		delta := candidate.CreatedAt.Sub(h.RegisteredAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= matchWindow {
			return localID, true
		}
	}
	return "", false
}

// CanonicalID returns the authoritative id for the given id: the permanent
// binding when the id is a retired provisional, otherwise the id itself.
func (r *IdentityResolver) CanonicalID(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if perm, ok := r.retired[id]; ok {
		return perm
	}
	return id
}

// IsOpen reports whether id is a provisional id still awaiting resolution.
func (r *IdentityResolver) IsOpen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.open[id]
	return ok
}

// Discard abandons an open provisional without binding it, used when a send
// fails permanently or is superseded by a retry.
func (r *IdentityResolver) Discard(localID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.open, localID)
	r.dropFromOrder(localID)
}

func (r *IdentityResolver) dropFromOrder(localID string) {
	for i, id := range r.order {
		if id == localID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
