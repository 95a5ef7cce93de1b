package murmur

import (
	"log/slog"
)

// ============================================================================
// Merge Engine
// ============================================================================

// Source identifies which adapter produced a batch of records.
type Source string

const (
	SourceOptimistic Source = "optimistic"
	SourceHistory    Source = "history"
	SourceRealtime   Source = "realtime"
)

// Stats counts what the engine did with ingested records. Snapshots are
// returned by value from ConversationCache.Stats.
type Stats struct {
	Ingested         uint64
	Inserted         uint64
	Updated          uint64
	StaleDiscarded   uint64
	TombstoneUpheld  uint64
	MalformedDropped uint64
}

// MergeEngine folds batches of canonical records from any source into a
// conversation's message list. Local user intent recorded in the tombstone
// store dominates every background source; an older snapshot can never
// overwrite a newer one. The engine is only ever invoked under the owning
// cache's serialization, so it keeps no locks of its own.
type MergeEngine struct {
	ids   *IdentityResolver
	tombs *TombstoneStore
	stats *Stats
	log   *slog.Logger
}

// NewMergeEngine wires a merge engine to the session's resolver and
// tombstone store.
func NewMergeEngine(ids *IdentityResolver, tombs *TombstoneStore, stats *Stats, log *slog.Logger) *MergeEngine {
	if log == nil {
		log = slog.Default()
	}
	return &MergeEngine{ids: ids, tombs: tombs, stats: stats, log: log}
}

// Merge applies a batch to the current list and returns the new list plus
// whether anything structurally changed. The input list is not mutated.
func (e *MergeEngine) Merge(current []*Message, batch []*Message, source Source) ([]*Message, bool) {
	out := make([]*Message, len(current))
	copy(out, current)

	index := make(map[string]int, len(out))
	for i, m := range out {
		index[m.ID] = i
	}

	changed := false
	for _, r := range batch {
		if r == nil || r.ID == "" {
			e.stats.MalformedDropped++
			e.log.Warn("dropping record without id", "source", source)
			continue
		}
		e.stats.Ingested++
		if e.applyRecord(out, index, r.Clone(), source, &out) {
			changed = true
			// applyRecord may have appended or rekeyed an entry.
			index = make(map[string]int, len(out))
			for i, m := range out {
				index[m.ID] = i
			}
		}
	}

	if changed {
		sortMessages(out)
		return out, true
	}
	return current, false
}

// applyRecord folds one record into the list, returning whether the list
// changed. The precedence rules, in order: resolved identity first, then
// delete tombstones, then edit tombstones, then freshness.
func (e *MergeEngine) applyRecord(list []*Message, index map[string]int, r *Message, source Source, out *[]*Message) bool {
	// Identity normalization: a record referencing a retired provisional id
	// is rewritten to its permanent id before anything else.
	if canon := e.ids.CanonicalID(r.ID); canon != r.ID {
		r.ProvisionalID = r.ID
		r.ID = canon
	}

	// A realtime or history record carrying a permanent id may be the echo
	// of a send whose acknowledgment has not arrived yet. If it matches an
	// open provisional, bind the ids now and replace the provisional entry
	// in place instead of inserting a duplicate.
	if source != SourceOptimistic && !IsProvisionalID(r.ID) {
		if localID, ok := e.ids.MatchIncoming(r); ok {
			if idx, present := index[localID]; present {
				e.ids.Resolve(localID, r.ID)
				e.tombs.Rekey(localID, r.ID)
				if pidx, dup := index[r.ID]; dup {
					// The permanent id is already in the list: an earlier
					// record landed without matching the provisional.
					// Reconcile into that entry and drop the provisional
					// row; an id must never appear twice.
					prev := list[pidx]
					merged := e.reconcile(prev, r, source)
					if merged == nil {
						merged = prev.Clone()
					}
					merged.ProvisionalID = localID
					merged.DeliveryState = DeliveryDelivered
					next := make([]*Message, 0, len(*out)-1)
					for i, m := range *out {
						switch i {
						case idx:
						case pidx:
							next = append(next, merged)
						default:
							next = append(next, m)
						}
					}
					*out = next
					e.stats.Updated++
					return true
				}
				prev := list[idx]
				merged := e.reconcile(prev, r, source)
				if merged == nil {
					// Staleness is judged against a client-estimated
					// timestamp here; the echo still owns the identity.
					merged = prev.Clone()
					merged.CreatedAt = r.CreatedAt
				}
				merged.ID = r.ID
				merged.ProvisionalID = localID
				merged.DeliveryState = DeliveryDelivered
				list[idx] = merged
				e.stats.Updated++
				return true
			}
		}
	}

	idx, present := index[r.ID]
	if !present {
		merged := e.reconcile(nil, r, source)
		if merged == nil {
			return false
		}
		*out = append(*out, merged)
		e.stats.Inserted++
		return true
	}

	prev := list[idx]
	merged := e.reconcile(prev, r, source)
	if merged == nil || messagesEqual(prev, merged) {
		return false
	}
	list[idx] = merged
	e.stats.Updated++
	return true
}

// reconcile decides the next state for one id given the cached entry (nil
// when absent) and an incoming record. Returns nil when the incoming record
// must be discarded outright.
func (e *MergeEngine) reconcile(prev *Message, r *Message, source Source) *Message {
	t, tombstoned := e.tombs.Lookup(r.ID)

	// Rule 1: a locally deleted message stays deleted. Only non-semantic
	// fields may advance from a newer incoming snapshot.
	if tombstoned && t.Deleted {
		e.stats.TombstoneUpheld++
		base := prev
		if base == nil {
			base = r
		}
		merged := base.Clone()
		if prev != nil && r.CreatedAt.After(prev.CreatedAt) && !IsProvisionalID(r.ID) {
			merged.CreatedAt = r.CreatedAt
		}
		if merged.SenderID == "" {
			merged.SenderID = r.SenderID
		}
		d := t.DeletedAt
		merged.DeletedAt = &d
		if t.Edited {
			merged.Content = t.Content
			ed := t.EditedAt
			merged.EditedAt = &ed
		}
		// Only the optimistic adapter moves the delivery state of an entry
		// with an in-flight operation; background sources leave it alone.
		if source == SourceOptimistic {
			merged.DeliveryState = r.DeliveryState
		}
		return merged
	}

	// Rule 2: a local edit holds unless the incoming record carries a
	// strictly newer edit timestamp for the same id.
	if tombstoned && t.Edited {
		if r.EditedAt == nil || !r.EditedAt.After(t.EditedAt) {
			e.stats.TombstoneUpheld++
			base := r
			if prev != nil {
				base = prev.Clone()
				// Non-semantic fields follow the incoming record when newer.
				if r.CreatedAt.After(prev.CreatedAt) && !IsProvisionalID(r.ID) {
					base.CreatedAt = r.CreatedAt
				}
				if base.Attachment == nil {
					base.Attachment = r.Attachment
				}
			} else {
				base = r.Clone()
			}
			base.Content = t.Content
			ed := t.EditedAt
			base.EditedAt = &ed
			if source == SourceOptimistic {
				base.DeliveryState = r.DeliveryState
			}
			return base
		}
		// Strictly newer remote edit: fall through and take the record.
	}

	// Rule 3/4: no governing tombstone. Take the record wholesale unless
	// it is an older snapshot than what the cache already holds.
	if prev != nil && r.effectiveAt().Before(prev.effectiveAt()) {
		e.stats.StaleDiscarded++
		return nil
	}
	merged := r.Clone()
	if prev != nil {
		// A server-assigned creation time is authoritative; never let a
		// client-estimated one replace it, and keep the provisional link.
		if merged.ProvisionalID == "" {
			merged.ProvisionalID = prev.ProvisionalID
		}
		if source == SourceOptimistic && !IsProvisionalID(prev.ID) && prev.CreatedAt.Before(merged.CreatedAt) {
			merged.CreatedAt = prev.CreatedAt
		}
	}
	return merged
}

// messagesEqual compares the fields merge cares about.
func messagesEqual(a, b *Message) bool {
	if a.ID != b.ID || a.Content != b.Content || a.SenderID != b.SenderID ||
		a.DeliveryState != b.DeliveryState || !a.CreatedAt.Equal(b.CreatedAt) {
		return false
	}
	if (a.EditedAt == nil) != (b.EditedAt == nil) || (a.EditedAt != nil && !a.EditedAt.Equal(*b.EditedAt)) {
		return false
	}
	if (a.DeletedAt == nil) != (b.DeletedAt == nil) || (a.DeletedAt != nil && !a.DeletedAt.Equal(*b.DeletedAt)) {
		return false
	}
	if (a.Attachment == nil) != (b.Attachment == nil) || (a.Attachment != nil && *a.Attachment != *b.Attachment) {
		return false
	}
	return true
}
