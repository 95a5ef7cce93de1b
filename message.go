package murmur

import (
	"sort"
	"strings"
	"time"
)

// ============================================================================
// Canonical Message Model
// ============================================================================

// ConversationKind distinguishes 1:1 conversations from group threads.
type ConversationKind string

const (
	ConversationPrivate ConversationKind = "private"
	ConversationGroup   ConversationKind = "group"
)

// DeliveryState tracks the progress of an in-flight send, edit or delete.
// It is only meaningful while the message id is provisional or an operation
// is awaiting server confirmation; settled messages are Delivered.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

// provisionalPrefix marks client-generated ids that have not yet been
// exchanged for a server-assigned id.
const provisionalPrefix = "tmp-"

// IsProvisionalID reports whether id is a client-generated provisional id.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

// Attachment is an opaque file reference carried on a message. The engine
// never inspects it beyond equality.
type Attachment struct {
	Type string `json:"type"`
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// Message is the canonical, source-independent message shape every adapter
// normalizes into. Within a conversation ids are unique; a message is never
// hard-deleted from the cache; deletion sets DeletedAt and keeps the entry
// in place so "this message was deleted" can still be rendered.
type Message struct {
	ID               string           `json:"id"`
	ProvisionalID    string           `json:"provisionalId,omitempty"`
	ConversationID   string           `json:"conversationId"`
	ConversationKind ConversationKind `json:"conversationKind"`
	SenderID         string           `json:"senderId"`
	Content          string           `json:"content"`
	CreatedAt        time.Time        `json:"createdAt"`
	EditedAt         *time.Time       `json:"editedAt,omitempty"`
	DeletedAt        *time.Time       `json:"deletedAt,omitempty"`
	DeliveryState    DeliveryState    `json:"deliveryState,omitempty"`
	Attachment       *Attachment      `json:"attachment,omitempty"`
}

// Clone returns a deep copy. Merge never mutates records in place so cached
// slices handed to subscribers stay stable.
func (m *Message) Clone() *Message {
	c := *m
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		c.DeletedAt = &t
	}
	if m.Attachment != nil {
		a := *m.Attachment
		c.Attachment = &a
	}
	return &c
}

// IsDeleted reports whether the message carries a deletion tombstone.
func (m *Message) IsDeleted() bool { return m.DeletedAt != nil }

// IsEdited reports whether the message has been edited.
func (m *Message) IsEdited() bool { return m.EditedAt != nil }

// IsPending reports whether a send, edit or delete is awaiting confirmation.
func (m *Message) IsPending() bool { return m.DeliveryState == DeliveryPending }

// IsFailed reports whether the last operation on the message failed.
func (m *Message) IsFailed() bool { return m.DeliveryState == DeliveryFailed }

// effectiveAt returns the timestamp that decides staleness for a snapshot of
// this message: the edit time when present, otherwise the creation time.
func (m *Message) effectiveAt() time.Time {
	if m.EditedAt != nil && m.EditedAt.After(m.CreatedAt) {
		return *m.EditedAt
	}
	return m.CreatedAt
}

// messageLess is the cache ordering: CreatedAt ascending, ties broken by id
// so the order is deterministic across merges.
func messageLess(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// sortMessages orders a list in place per messageLess.
func sortMessages(list []*Message) {
	sort.SliceStable(list, func(i, j int) bool { return messageLess(list[i], list[j]) })
}
