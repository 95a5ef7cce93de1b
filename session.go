package murmur

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Conversation Session
// ============================================================================

// Transport is the narrow boundary the session calls out to for message
// I/O. The production implementation is *Client; tests substitute fakes.
type Transport interface {
	FetchHistory(ctx context.Context, conversationID, before string, limit int) (*HistoryPage, error)
	SendMessage(ctx context.Context, conversationID, content string, opts *SendOptions) (*SendReceipt, error)
	EditMessage(ctx context.Context, conversationID, messageID, content string) (*EditReceipt, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) (*DeleteReceipt, error)
}

// DeltaSource delivers realtime frames for a conversation, unordered
// relative to REST calls. The realtime WebSocket client implements it.
type DeltaSource interface {
	OnDelta(conversationID string, handler func(Delta)) (cancel func(), err error)
}

const (
	defaultSendTimeout = 15 * time.Second
	defaultPageSize    = 50
)

// SessionOption configures a ConversationSession.
type SessionOption func(*ConversationSession)

// WithSessionLogger sets the logger for recoverable engine warnings.
func WithSessionLogger(log *slog.Logger) SessionOption {
	return func(s *ConversationSession) { s.log = log }
}

// WithSendTimeout bounds how long a send, edit or delete waits for its
// confirmation before the message transitions to failed.
func WithSendTimeout(d time.Duration) SessionOption {
	return func(s *ConversationSession) { s.sendTimeout = d }
}

// WithPageSize sets the history fetch page size.
func WithPageSize(n int) SessionOption {
	return func(s *ConversationSession) { s.pageSize = n }
}

// WithClock overrides the time source for optimistic timestamps.
func WithClock(now func() time.Time) SessionOption {
	return func(s *ConversationSession) { s.now = now }
}

// ConversationSession owns everything for one open conversation: the cache,
// the identity resolver, the tombstone store, and the three source adapters
// feeding the merge engine. Construct one when a conversation opens and
// discard it on close; there is no ambient process-wide registry.
type ConversationSession struct {
	conversationID string
	kind           ConversationKind
	selfID         string

	transport Transport
	cache     *ConversationCache
	ids       *IdentityResolver
	tombs     *TombstoneStore

	sendTimeout time.Duration
	pageSize    int
	now         func() time.Time
	log         *slog.Logger

	mu          sync.Mutex
	cancelDelta func()
	closed      bool
}

// NewConversationSession opens the reconciliation engine for one
// conversation. selfID is the authenticated user's id; the realtime echo
// heuristic matches against it.
func NewConversationSession(conversationID string, kind ConversationKind, selfID string, transport Transport, opts ...SessionOption) *ConversationSession {
	s := &ConversationSession{
		conversationID: conversationID,
		kind:           kind,
		selfID:         selfID,
		transport:      transport,
		sendTimeout:    defaultSendTimeout,
		pageSize:       defaultPageSize,
		now:            time.Now,
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ids = NewIdentityResolver(s.log)
	s.tombs = NewTombstoneStore()
	s.cache = NewConversationCache(conversationID, kind, s.ids, s.tombs, s.log)
	return s
}

// ConversationID returns the conversation this session serves.
func (s *ConversationSession) ConversationID() string { return s.conversationID }

// Messages returns the current ordered message list.
func (s *ConversationSession) Messages() []*Message { return s.cache.Messages() }

// Get returns the cached message for id.
func (s *ConversationSession) Get(id string) (*Message, bool) { return s.cache.Get(id) }

// Subscribe registers a callback invoked after every structural change.
func (s *ConversationSession) Subscribe(fn SubscriberFunc) (unsubscribe func()) {
	return s.cache.Subscribe(fn)
}

// Stats returns a snapshot of the merge counters.
func (s *ConversationSession) Stats() Stats { return s.cache.Stats() }

// Cache exposes the underlying cache for rendering layers.
func (s *ConversationSession) Cache() *ConversationCache { return s.cache }

// IsTombstonedDeleted reports whether id carries a local delete tombstone.
func (s *ConversationSession) IsTombstonedDeleted(id string) bool {
	t, ok := s.tombs.Lookup(s.ids.CanonicalID(id))
	return ok && t.Deleted
}

// IsTombstonedEdited reports whether id carries a local edit tombstone.
func (s *ConversationSession) IsTombstonedEdited(id string) bool {
	t, ok := s.tombs.Lookup(s.ids.CanonicalID(id))
	return ok && t.Edited
}

// ============================================================================
// Optimistic Adapter: send / edit / delete / retry
// ============================================================================

// Send writes a provisional message into the cache immediately and confirms
// it with the server in the background. The returned provisional id is a
// valid cache key until the acknowledgment rewrites it; watch Subscribe for
// the delivered or failed transition.
func (s *ConversationSession) Send(content string, opts *SendOptions) (string, error) {
	if s.isClosed() {
		return "", ErrSessionClosed
	}
	now := s.now()
	localID := provisionalPrefix + uuid.NewString()
	s.ids.RegisterProvisional(localID, s.selfID, content, now)

	msg := &Message{
		ID:               localID,
		ConversationID:   s.conversationID,
		ConversationKind: s.kind,
		SenderID:         s.selfID,
		Content:          content,
		CreatedAt:        now,
		DeliveryState:    DeliveryPending,
	}
	if opts != nil {
		msg.Attachment = opts.Attachment
	}
	s.cache.Ingest([]*Message{msg}, SourceOptimistic)

	go s.confirmSend(localID, content, opts)
	return localID, nil
}

// confirmSend runs the network half of a send. A timeout or failure leaves
// the provisional entry in place, flagged failed; the provisional stays open
// so RetryInPlace or a late echo can still claim it.
func (s *ConversationSession) confirmSend(localID, content string, opts *SendOptions) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	receipt, err := s.transport.SendMessage(ctx, s.conversationID, content, opts)
	if err != nil {
		s.log.Warn("send confirmation failed", "conversationId", s.conversationID, "localId", localID, "error", err)
		s.cache.MarkFailed(localID)
		return
	}
	// The realtime echo may have resolved this id already; ResolveProvisional
	// is a logged no-op in that case.
	s.cache.ResolveProvisional(localID, receipt.ID, receipt.CreatedAt)
}

// Edit records the edit locally first (tombstone, then optimistic cache
// write) and only then confirms with the server, so no concurrent refetch
// can show the old content in between. On network failure the edit is
// rolled back and the error returned; retry is the caller's call.
//
// Editing a message whose send is still in flight succeeds locally: the
// tombstone is keyed by the provisional id and survives resolution, so the
// confirmed message comes out carrying the edit.
func (s *ConversationSession) Edit(ctx context.Context, id, newContent string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	canon := s.ids.CanonicalID(id)
	cur, ok := s.cache.Get(canon)
	if !ok {
		return &NetworkError{Op: "edit", Err: ErrStaleRecord}
	}
	if cur.IsDeleted() {
		return &NetworkError{Op: "edit", Err: ErrStaleRecord}
	}

	editedAt := s.now()
	s.tombs.MarkEdited(canon, newContent, editedAt)

	opt := cur.Clone()
	opt.Content = newContent
	opt.EditedAt = &editedAt
	opt.DeliveryState = DeliveryPending
	s.cache.Ingest([]*Message{opt}, SourceOptimistic)

	if IsProvisionalID(canon) && s.ids.IsOpen(canon) {
		// No server id to edit yet. The rekeyed tombstone re-applies the
		// edit when the send resolves.
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	receipt, err := s.transport.EditMessage(opCtx, s.conversationID, canon, newContent)
	if err != nil {
		s.tombs.RevertEdit(canon, editedAt)
		revert := cur.Clone()
		revert.DeliveryState = DeliveryFailed
		s.cache.RevertEntry(revert)
		return &NetworkError{Op: "edit", Err: err}
	}

	// Server edit timestamp is authoritative from here on.
	s.tombs.MarkEdited(canon, newContent, receipt.EditedAt)
	confirm := opt.Clone()
	confirm.EditedAt = &receipt.EditedAt
	confirm.DeliveryState = DeliveryDelivered
	s.cache.Ingest([]*Message{confirm}, SourceOptimistic)
	return nil
}

// Delete tombstones the message locally before any network confirmation.
// Deleting a message whose send is still pending pre-emptively tombstones
// the provisional id, so a late-arriving send acknowledgment cannot
// resurrect it. Deleting an already deleted message is a no-op.
func (s *ConversationSession) Delete(ctx context.Context, id string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	canon := s.ids.CanonicalID(id)
	cur, ok := s.cache.Get(canon)
	if !ok {
		return &NetworkError{Op: "delete", Err: ErrStaleRecord}
	}
	if cur.IsDeleted() {
		return nil
	}

	deletedAt := s.now()
	s.tombs.MarkDeleted(canon, deletedAt)

	opt := cur.Clone()
	opt.DeletedAt = &deletedAt
	opt.DeliveryState = DeliveryPending
	s.cache.Ingest([]*Message{opt}, SourceOptimistic)

	if IsProvisionalID(canon) && s.ids.IsOpen(canon) {
		// Send still in flight: the tombstone cancels the confirmation's
		// effect once it lands. Nothing to tell the server yet.
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	receipt, err := s.transport.DeleteMessage(opCtx, s.conversationID, canon)
	if err != nil {
		s.tombs.RevertDelete(canon, deletedAt)
		revert := cur.Clone()
		revert.DeliveryState = DeliveryFailed
		s.cache.RevertEntry(revert)
		return &NetworkError{Op: "delete", Err: err}
	}

	s.tombs.MarkDeleted(canon, receipt.DeletedAt)
	confirm := opt.Clone()
	confirm.DeliveryState = DeliveryDelivered
	s.cache.Ingest([]*Message{confirm}, SourceOptimistic)
	return nil
}

// Retry re-sends a failed provisional message under a fresh provisional id;
// the failed entry is superseded and removed. Use RetryInPlace to reuse the
// original id instead.
func (s *ConversationSession) Retry(failedID string) (string, error) {
	if s.isClosed() {
		return "", ErrSessionClosed
	}
	cur, ok := s.cache.Get(failedID)
	if !ok || !cur.IsFailed() || !IsProvisionalID(cur.ID) {
		return "", &NetworkError{Op: "send", Err: ErrStaleRecord}
	}
	s.ids.Discard(cur.ID)
	s.cache.Remove(cur.ID)

	var opts *SendOptions
	if cur.Attachment != nil {
		opts = &SendOptions{Attachment: cur.Attachment}
	}
	return s.Send(cur.Content, opts)
}

// RetryInPlace re-attempts confirmation of a failed send reusing the same
// provisional id and cache position.
func (s *ConversationSession) RetryInPlace(failedID string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	cur, ok := s.cache.Get(failedID)
	if !ok || !cur.IsFailed() || !IsProvisionalID(cur.ID) {
		return &NetworkError{Op: "send", Err: ErrStaleRecord}
	}
	pending := cur.Clone()
	pending.DeliveryState = DeliveryPending
	s.cache.RevertEntry(pending)

	var opts *SendOptions
	if cur.Attachment != nil {
		opts = &SendOptions{Attachment: cur.Attachment}
	}
	go s.confirmSend(cur.ID, cur.Content, opts)
	return nil
}

// ============================================================================
// History Adapter
// ============================================================================

// LoadOlder fetches the next page of history and merges it. A failed fetch
// returns a retryable NetworkError and leaves the cache untouched; the
// cursor only advances on success. Returns how many records were accepted.
func (s *ConversationSession) LoadOlder(ctx context.Context) (int, error) {
	if s.isClosed() {
		return 0, ErrSessionClosed
	}
	before, hasMore := s.cache.Page()
	if !hasMore {
		return 0, nil
	}

	page, err := s.transport.FetchHistory(ctx, s.conversationID, before, s.pageSize)
	if err != nil {
		return 0, &NetworkError{Op: "history", Err: err}
	}

	records := make([]*Message, 0, len(page.Records))
	for i := range page.Records {
		m, err := normalizeWireMessage(&page.Records[i], s.conversationID, s.kind, SourceHistory)
		if err != nil {
			s.cache.NoteMalformed()
			s.log.Warn("dropping history record", "conversationId", s.conversationID, "error", err)
			continue
		}
		records = append(records, m)
	}
	s.cache.Ingest(records, SourceHistory)
	s.cache.SetPage(page.NextBefore, page.HasMore)
	return len(records), nil
}

// ============================================================================
// Realtime Adapter
// ============================================================================

// HandleDelta ingests one realtime frame. Malformed frames are dropped and
// logged; they never interrupt ingestion of subsequent frames.
func (s *ConversationSession) HandleDelta(d Delta) {
	if s.isClosed() {
		return
	}
	switch d.Type {
	case DeltaMessageNew, DeltaMessageEdited, DeltaMessageDeleted:
	default:
		s.cache.NoteMalformed()
		s.log.Warn("dropping realtime frame", "conversationId", s.conversationID, "type", d.Type)
		return
	}

	m, err := normalizeWireMessage(&d.Message, s.conversationID, s.kind, SourceRealtime)
	if err != nil {
		s.cache.NoteMalformed()
		s.log.Warn("dropping realtime frame", "conversationId", s.conversationID, "type", d.Type, "error", err)
		return
	}
	if d.Type == DeltaMessageDeleted && m.DeletedAt == nil {
		s.cache.NoteMalformed()
		s.log.Warn("dropping realtime frame", "conversationId", s.conversationID, "type", d.Type, "error", "deletion without deletedAt")
		return
	}
	s.cache.Ingest([]*Message{m}, SourceRealtime)
}

// AttachRealtime subscribes the session to a delta source. The subscription
// is cancelled on Close.
func (s *ConversationSession) AttachRealtime(src DeltaSource) error {
	cancel, err := src.OnDelta(s.conversationID, s.HandleDelta)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return ErrSessionClosed
	}
	s.cancelDelta = cancel
	s.mu.Unlock()
	return nil
}

// Close detaches the realtime subscription and rejects further operations.
// Cached state, tombstones included, is discarded with the session; a new
// session re-derives truth from the server.
func (s *ConversationSession) Close() {
	s.mu.Lock()
	cancel := s.cancelDelta
	s.cancelDelta = nil
	s.closed = true
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *ConversationSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
