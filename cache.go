package murmur

import (
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Conversation Cache
// ============================================================================

// SubscriberFunc receives the new message list after an ingest that changed
// it. Batches merge atomically: one call per structural change, never one
// per record. Callbacks run sequentially in mutation order, so the list
// handed to the last callback is always the current one; a callback must
// not synchronously mutate the same conversation.
type SubscriberFunc func(messages []*Message)

// ConversationCache is the single externally visible state surface for one
// conversation: the merged, ordered message list plus pagination cursors.
// All mutation funnels through the merge engine under one mutex, so the
// engine's invariants never race for the same conversation; separate
// conversations ingest independently.
type ConversationCache struct {
	conversationID string
	kind           ConversationKind

	mu       sync.Mutex
	notifyMu sync.Mutex

	list  []*Message
	ids   *IdentityResolver
	tombs *TombstoneStore
	merge *MergeEngine
	stats Stats

	nextBefore string
	hasMore    bool

	subs    map[int]SubscriberFunc
	nextSub int

	log *slog.Logger
}

// NewConversationCache creates the cache for one conversation. It is owned
// by a ConversationSession; callers normally never construct one directly.
func NewConversationCache(conversationID string, kind ConversationKind, ids *IdentityResolver, tombs *TombstoneStore, log *slog.Logger) *ConversationCache {
	if log == nil {
		log = slog.Default()
	}
	c := &ConversationCache{
		conversationID: conversationID,
		kind:           kind,
		ids:            ids,
		tombs:          tombs,
		subs:           make(map[int]SubscriberFunc),
		hasMore:        true,
		log:            log,
	}
	c.merge = NewMergeEngine(ids, tombs, &c.stats, log)
	return c
}

// ConversationID returns the conversation this cache serves.
func (c *ConversationCache) ConversationID() string { return c.conversationID }

// Kind returns whether the conversation is private or a group.
func (c *ConversationCache) Kind() ConversationKind { return c.kind }

// Messages returns the current ordered list. The returned slice is never
// mutated after publication; every ingest swaps in a fresh slice, so the
// snapshot is safe to read without copying.
func (c *ConversationCache) Messages() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list
}

// Get returns the cached entry for id, canonicalizing retired provisional
// ids first.
func (c *ConversationCache) Get(id string) (*Message, bool) {
	canon := c.ids.CanonicalID(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.list {
		if m.ID == canon {
			return m, true
		}
	}
	return nil, false
}

// Ingest merges a batch of canonical records from one source and notifies
// subscribers exactly once if the list changed. It never returns an error:
// per-record problems are recovered inside the merge engine.
func (c *ConversationCache) Ingest(records []*Message, source Source) bool {
	c.mu.Lock()
	next, changed := c.merge.Merge(c.list, records, source)
	if changed {
		c.list = next
	}
	return c.notifyLocked(changed)
}

// notifyLocked publishes the current list to subscribers. Callers hold c.mu;
// the delivery mutex is chained in before c.mu is released, so when two
// mutations race the snapshots still reach subscribers in mutation order and
// the last callback always carries the current list.
func (c *ConversationCache) notifyLocked(changed bool) bool {
	subs := c.snapshotSubs()
	list := c.list
	c.notifyMu.Lock()
	c.mu.Unlock()
	if changed {
		for _, fn := range subs {
			fn(list)
		}
	}
	c.notifyMu.Unlock()
	return changed
}

// Subscribe registers a callback invoked after each ingest that changed the
// list. The returned function removes the subscription.
func (c *ConversationCache) Subscribe(fn SubscriberFunc) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// ResolveProvisional rewrites the provisional entry's id to the permanent id
// once a send acknowledgment arrives, preserving every other field, in
// particular any edit or delete tombstone applied while the send was in
// flight. When the permanent id is already cached (a history or realtime
// record for the message landed without matching the open provisional), the
// provisional row is dropped and the server copy survives, keeping the id
// unique. Unknown local ids are a no-op (the resolver logs the warning).
func (c *ConversationCache) ResolveProvisional(localID, permanentID string, createdAt time.Time) bool {
	if !c.ids.Resolve(localID, permanentID) {
		return false
	}
	c.tombs.Rekey(localID, permanentID)

	c.mu.Lock()
	localIdx, permIdx := -1, -1
	for i, m := range c.list {
		switch m.ID {
		case localID:
			localIdx = i
		case permanentID:
			permIdx = i
		}
	}

	changed := false
	switch {
	case localIdx >= 0 && permIdx >= 0:
		surv := c.list[permIdx].Clone()
		surv.ProvisionalID = localID
		surv.DeliveryState = DeliveryDelivered
		c.applyTombstone(surv, permanentID)
		next := make([]*Message, 0, len(c.list)-1)
		for i, m := range c.list {
			switch i {
			case localIdx:
			case permIdx:
				next = append(next, surv)
			default:
				next = append(next, m)
			}
		}
		sortMessages(next)
		c.list = next
		changed = true
	case localIdx >= 0:
		next := make([]*Message, len(c.list))
		copy(next, c.list)
		r := c.list[localIdx].Clone()
		r.ProvisionalID = localID
		r.ID = permanentID
		if !createdAt.IsZero() {
			r.CreatedAt = createdAt
		}
		r.DeliveryState = DeliveryDelivered
		c.applyTombstone(r, permanentID)
		next[localIdx] = r
		sortMessages(next)
		c.list = next
		changed = true
	}
	return c.notifyLocked(changed)
}

// applyTombstone folds the recorded edit and delete state for id into m.
func (c *ConversationCache) applyTombstone(m *Message, id string) {
	t, ok := c.tombs.Lookup(id)
	if !ok {
		return
	}
	if t.Edited {
		m.Content = t.Content
		ed := t.EditedAt
		m.EditedAt = &ed
	}
	if t.Deleted {
		d := t.DeletedAt
		m.DeletedAt = &d
	}
}

// MarkFailed transitions the entry for id to DeliveryFailed, keeping it in
// the cache at its position so the UI can offer a retry.
func (c *ConversationCache) MarkFailed(id string) bool {
	c.mu.Lock()
	next := make([]*Message, len(c.list))
	copy(next, c.list)
	changed := false
	for i, m := range c.list {
		if m.ID == id && m.DeliveryState != DeliveryFailed {
			r := m.Clone()
			r.DeliveryState = DeliveryFailed
			next[i] = r
			changed = true
			break
		}
	}
	if changed {
		c.list = next
	}
	return c.notifyLocked(changed)
}

// Remove drops the entry for id from the cache. Only the optimistic adapter
// uses this, to supersede a failed provisional on retry; server-confirmed
// messages are never hard-removed.
func (c *ConversationCache) Remove(id string) bool {
	c.mu.Lock()
	next := c.list[:0:0]
	for _, m := range c.list {
		if m.ID != id {
			next = append(next, m)
		}
	}
	changed := len(next) != len(c.list)
	if changed {
		c.list = next
	}
	return c.notifyLocked(changed)
}

// RevertEntry restores a snapshot of an entry after a failed local edit or
// delete. It deliberately bypasses merge precedence: the rollback of local
// intent is itself local intent, not background data, and the corresponding
// tombstone has already been reverted by the caller.
func (c *ConversationCache) RevertEntry(m *Message) bool {
	c.mu.Lock()
	next := make([]*Message, len(c.list))
	copy(next, c.list)
	changed := false
	for i, cur := range c.list {
		if cur.ID == m.ID {
			next[i] = m.Clone()
			changed = true
			break
		}
	}
	if changed {
		c.list = next
	}
	return c.notifyLocked(changed)
}

// SetPage records the pagination cursor returned by a history fetch. Only
// the history adapter advances it; merge decisions never touch it.
func (c *ConversationCache) SetPage(nextBefore string, hasMore bool) {
	c.mu.Lock()
	c.nextBefore = nextBefore
	c.hasMore = hasMore
	c.mu.Unlock()
}

// Page returns the current pagination cursor and whether older history
// remains.
func (c *ConversationCache) Page() (nextBefore string, hasMore bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextBefore, c.hasMore
}

// NoteMalformed counts a payload an adapter dropped before ingest.
func (c *ConversationCache) NoteMalformed() {
	c.mu.Lock()
	c.stats.MalformedDropped++
	c.mu.Unlock()
}

// Stats returns a snapshot of the merge counters.
func (c *ConversationCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *ConversationCache) snapshotSubs() []SubscriberFunc {
	subs := make([]SubscriberFunc, 0, len(c.subs))
	for id := 0; id < c.nextSub; id++ {
		if fn, ok := c.subs[id]; ok {
			subs = append(subs, fn)
		}
	}
	return subs
}
