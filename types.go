package murmur

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Wire Types
// ============================================================================

// Result is the generic Murmur API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// WireAttachment is the transport representation of a file reference.
type WireAttachment struct {
	Type string `json:"type"`
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// WireMessage is the exact message schema the REST and realtime transports
// emit. Adapters accept this shape and nothing else; a payload that fails to
// normalize is dropped as a malformed record rather than probed for an
// alternative layout.
type WireMessage struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	Content        string          `json:"content"`
	CreatedAt      string          `json:"createdAt"`
	EditedAt       string          `json:"editedAt,omitempty"`
	DeletedAt      string          `json:"deletedAt,omitempty"`
	Attachment     *WireAttachment `json:"attachment,omitempty"`
}

// HistoryPage is one page of a paginated history read.
type HistoryPage struct {
	Records    []WireMessage `json:"records"`
	NextBefore string        `json:"nextBefore,omitempty"`
	HasMore    bool          `json:"hasMore"`
}

// SendReceipt acknowledges a message send.
type SendReceipt struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// EditReceipt acknowledges a message edit.
type EditReceipt struct {
	EditedAt time.Time `json:"editedAt"`
}

// DeleteReceipt acknowledges a message deletion.
type DeleteReceipt struct {
	DeletedAt time.Time `json:"deletedAt"`
}

// Delta is one realtime notification frame for a conversation.
type Delta struct {
	Type    string      `json:"type"`
	Message WireMessage `json:"message"`
}

// Delta frame types.
const (
	DeltaMessageNew     = "message.new"
	DeltaMessageEdited  = "message.edited"
	DeltaMessageDeleted = "message.deleted"
)

// ============================================================================
// Account / Conversation Types
// ============================================================================

// RegisterOptions configures account registration.
type RegisterOptions struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

// RegisterData is returned on successful registration.
type RegisterData struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Token     string `json:"token"`
	ExpiresIn string `json:"expiresIn"`
	IsNew     bool   `json:"isNew"`
}

// Account describes the authenticated user.
type Account struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

// Conversation describes a private or group thread.
type Conversation struct {
	ID          string           `json:"id"`
	Kind        ConversationKind `json:"kind"`
	Title       string           `json:"title,omitempty"`
	LastMessage *WireMessage     `json:"lastMessage,omitempty"`
	UnreadCount int              `json:"unreadCount,omitempty"`
	CreatedAt   string           `json:"createdAt"`
}

// GroupMember describes one participant of a group conversation.
type GroupMember struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role"`
}

// CreateGroupOptions configures group creation.
type CreateGroupOptions struct {
	Title   string   `json:"title"`
	Members []string `json:"members,omitempty"`
}

// Contact is a directory entry the account can message.
type Contact struct {
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	DisplayName    string `json:"displayName,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// SendOptions carries optional send parameters.
type SendOptions struct {
	Attachment *Attachment `json:"attachment,omitempty"`
}

// ============================================================================
// Wire Normalization
// ============================================================================

// normalizeWireMessage converts a transport payload into the canonical shape
// or fails closed. Required fields: id, senderId, createdAt (RFC 3339). The
// conversation identity comes from the owning session; a frame naming a
// different conversation is rejected, never rerouted.
func normalizeWireMessage(w *WireMessage, conversationID string, kind ConversationKind, source Source) (*Message, error) {
	if w.ID == "" {
		return nil, &MalformedRecordError{Source: string(source), Reason: "missing id"}
	}
	if w.SenderID == "" {
		return nil, &MalformedRecordError{Source: string(source), Reason: "missing senderId"}
	}
	if w.ConversationID != "" && w.ConversationID != conversationID {
		return nil, &MalformedRecordError{Source: string(source), Reason: "conversation mismatch"}
	}
	createdAt, err := time.Parse(time.RFC3339Nano, w.CreatedAt)
	if err != nil {
		return nil, &MalformedRecordError{Source: string(source), Reason: "bad createdAt: " + w.CreatedAt}
	}

	m := &Message{
		ID:               w.ID,
		ConversationID:   conversationID,
		ConversationKind: kind,
		SenderID:         w.SenderID,
		Content:          w.Content,
		CreatedAt:        createdAt,
		DeliveryState:    DeliveryDelivered,
	}
	if w.EditedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, w.EditedAt)
		if err != nil {
			return nil, &MalformedRecordError{Source: string(source), Reason: "bad editedAt: " + w.EditedAt}
		}
		m.EditedAt = &t
	}
	if w.DeletedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, w.DeletedAt)
		if err != nil {
			return nil, &MalformedRecordError{Source: string(source), Reason: "bad deletedAt: " + w.DeletedAt}
		}
		m.DeletedAt = &t
	}
	if w.Attachment != nil {
		m.Attachment = &Attachment{Type: w.Attachment.Type, URL: w.Attachment.URL, Name: w.Attachment.Name}
	}
	return m, nil
}
