package murmur

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessionBase = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// ============================================================================
// Fake Transport
// ============================================================================

type fakeTransport struct {
	mu sync.Mutex

	fetchHistoryFn  func(before string, limit int) (*HistoryPage, error)
	sendMessageFn   func(content string) (*SendReceipt, error)
	editMessageFn   func(messageID, content string) (*EditReceipt, error)
	deleteMessageFn func(messageID string) (*DeleteReceipt, error)

	historyCalls []string
	sendCalls    int
	editCalls    int
	deleteCalls  int
}

func (f *fakeTransport) FetchHistory(_ context.Context, _, before string, limit int) (*HistoryPage, error) {
	f.mu.Lock()
	f.historyCalls = append(f.historyCalls, before)
	fn := f.fetchHistoryFn
	f.mu.Unlock()
	if fn == nil {
		return &HistoryPage{}, nil
	}
	return fn(before, limit)
}

func (f *fakeTransport) SendMessage(_ context.Context, _, content string, _ *SendOptions) (*SendReceipt, error) {
	f.mu.Lock()
	f.sendCalls++
	fn := f.sendMessageFn
	f.mu.Unlock()
	if fn == nil {
		return &SendReceipt{ID: "srv-1", CreatedAt: sessionBase.Add(time.Second)}, nil
	}
	return fn(content)
}

func (f *fakeTransport) EditMessage(_ context.Context, _, messageID, content string) (*EditReceipt, error) {
	f.mu.Lock()
	f.editCalls++
	fn := f.editMessageFn
	f.mu.Unlock()
	if fn == nil {
		return &EditReceipt{EditedAt: sessionBase.Add(time.Minute)}, nil
	}
	return fn(messageID, content)
}

func (f *fakeTransport) DeleteMessage(_ context.Context, _, messageID string) (*DeleteReceipt, error) {
	f.mu.Lock()
	f.deleteCalls++
	fn := f.deleteMessageFn
	f.mu.Unlock()
	if fn == nil {
		return &DeleteReceipt{DeletedAt: sessionBase.Add(time.Minute)}, nil
	}
	return fn(messageID)
}

func (f *fakeTransport) counts() (send, edit, del int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls, f.editCalls, f.deleteCalls
}

// ============================================================================
// Test Helpers
// ============================================================================

func newTestSession(t *testing.T, ft *fakeTransport) *ConversationSession {
	t.Helper()
	s := NewConversationSession("conv-1", ConversationPrivate, "self", ft,
		WithClock(func() time.Time { return sessionBase }))
	t.Cleanup(s.Close)
	return s
}

// awaitState waits for the session's message list to satisfy pred, failing
// the test after two seconds.
func awaitState(t *testing.T, s *ConversationSession, desc string, pred func([]*Message) bool) {
	t.Helper()
	done := make(chan struct{}, 1)
	unsub := s.Subscribe(func(msgs []*Message) {
		if pred(msgs) {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	if pred(s.Messages()) {
		return
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", desc)
	}
}

func wire(id, sender, content string, at time.Time) WireMessage {
	return WireMessage{
		ID:             id,
		ConversationID: "conv-1",
		SenderID:       sender,
		Content:        content,
		CreatedAt:      at.Format(time.RFC3339Nano),
	}
}

// ============================================================================
// Send
// ============================================================================

func TestSendOptimisticThenDelivered(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(t, ft)

	localID, err := s.Send("hello", nil)
	require.NoError(t, err)
	require.True(t, IsProvisionalID(localID))

	// Visible immediately, pending, before any network roundtrip.
	m, ok := s.Get(localID)
	require.True(t, ok)
	assert.True(t, m.IsPending())
	assert.Equal(t, "hello", m.Content)
	assert.Equal(t, "self", m.SenderID)

	awaitState(t, s, "delivered", func(msgs []*Message) bool {
		return len(msgs) == 1 && msgs[0].ID == "srv-1" && msgs[0].DeliveryState == DeliveryDelivered
	})

	// The provisional id still resolves reads.
	m, ok = s.Get(localID)
	require.True(t, ok)
	assert.Equal(t, "srv-1", m.ID)
	assert.Equal(t, localID, m.ProvisionalID)
}

func TestSendFailureMarksFailed(t *testing.T) {
	ft := &fakeTransport{
		sendMessageFn: func(string) (*SendReceipt, error) {
			return nil, errors.New("boom")
		},
	}
	s := newTestSession(t, ft)

	localID, err := s.Send("hello", nil)
	require.NoError(t, err, "send itself never blocks on the network")

	awaitState(t, s, "failed", func(msgs []*Message) bool {
		return len(msgs) == 1 && msgs[0].IsFailed()
	})

	m, _ := s.Get(localID)
	assert.Equal(t, localID, m.ID, "the failed entry keeps its provisional id")
}

func TestRetrySupersedesFailedSend(t *testing.T) {
	fail := true
	var mu sync.Mutex
	ft := &fakeTransport{}
	ft.sendMessageFn = func(string) (*SendReceipt, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, errors.New("boom")
		}
		return &SendReceipt{ID: "srv-1", CreatedAt: sessionBase.Add(time.Second)}, nil
	}
	s := newTestSession(t, ft)

	localID, err := s.Send("hello", nil)
	require.NoError(t, err)
	awaitState(t, s, "failed", func(msgs []*Message) bool {
		return len(msgs) == 1 && msgs[0].IsFailed()
	})

	mu.Lock()
	fail = false
	mu.Unlock()

	newID, err := s.Retry(localID)
	require.NoError(t, err)
	assert.NotEqual(t, localID, newID)

	awaitState(t, s, "retried delivery", func(msgs []*Message) bool {
		return len(msgs) == 1 && msgs[0].ID == "srv-1"
	})
	_, ok := s.Get(localID)
	assert.False(t, ok, "the superseded entry is gone")
}

func TestRetryRejectsNonFailed(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(t, ft)

	s.Cache().Ingest([]*Message{msg("srv-9", "self", "settled", sessionBase)}, SourceHistory)

	_, err := s.Retry("srv-9")
	require.Error(t, err)
	var ne *NetworkError
	assert.ErrorAs(t, err, &ne)
}

func TestRetryInPlaceReusesID(t *testing.T) {
	fail := true
	var mu sync.Mutex
	ft := &fakeTransport{}
	ft.sendMessageFn = func(string) (*SendReceipt, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, errors.New("boom")
		}
		return &SendReceipt{ID: "srv-1", CreatedAt: sessionBase.Add(time.Second)}, nil
	}
	s := newTestSession(t, ft)

	localID, _ := s.Send("hello", nil)
	awaitState(t, s, "failed", func(msgs []*Message) bool {
		return len(msgs) == 1 && msgs[0].IsFailed()
	})

	mu.Lock()
	fail = false
	mu.Unlock()

	require.NoError(t, s.RetryInPlace(localID))
	awaitState(t, s, "in-place delivery", func(msgs []*Message) bool {
		return len(msgs) == 1 && msgs[0].ID == "srv-1" && msgs[0].ProvisionalID == localID
	})
}

// ============================================================================
// Echo Reconciliation
// ============================================================================

func TestRealtimeEchoBeforeAcknowledgment(t *testing.T) {
	release := make(chan struct{})
	returned := make(chan struct{})
	ft := &fakeTransport{}
	ft.sendMessageFn = func(string) (*SendReceipt, error) {
		<-release
		defer close(returned)
		return &SendReceipt{ID: "srv-1", CreatedAt: sessionBase.Add(time.Second)}, nil
	}
	s := newTestSession(t, ft)

	localID, err := s.Send("hello", nil)
	require.NoError(t, err)

	// The push channel races ahead of the REST acknowledgment.
	s.HandleDelta(Delta{Type: DeltaMessageNew, Message: wire("srv-1", "self", "hello", sessionBase.Add(time.Second))})

	msgs := s.Messages()
	require.Len(t, msgs, 1, "echo claims the provisional instead of duplicating")
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.Equal(t, DeliveryDelivered, msgs[0].DeliveryState)

	// The late acknowledgment must be a no-op.
	close(release)
	<-returned
	time.Sleep(50 * time.Millisecond)

	msgs = s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)
	_ = localID
}

func TestHistoryEchoBeforeAcknowledgment(t *testing.T) {
	release := make(chan struct{})
	ft := &fakeTransport{
		fetchHistoryFn: func(string, int) (*HistoryPage, error) {
			return &HistoryPage{
				Records: []WireMessage{wire("srv-1", "self", "hello", sessionBase.Add(time.Second))},
				HasMore: false,
			}, nil
		},
	}
	ft.sendMessageFn = func(string) (*SendReceipt, error) {
		<-release
		return &SendReceipt{ID: "srv-1", CreatedAt: sessionBase.Add(time.Second)}, nil
	}
	s := newTestSession(t, ft)
	defer close(release)

	_, err := s.Send("hello", nil)
	require.NoError(t, err)

	// A history refetch overlapping the in-flight send returns the echo.
	n, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)
}

// ============================================================================
// Edit
// ============================================================================

func TestEditConfirmed(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(t, ft)
	s.Cache().Ingest([]*Message{msg("srv-1", "self", "original", sessionBase)}, SourceHistory)

	require.NoError(t, s.Edit(context.Background(), "srv-1", "revised"))

	m, _ := s.Get("srv-1")
	assert.Equal(t, "revised", m.Content)
	assert.Equal(t, DeliveryDelivered, m.DeliveryState)
	require.NotNil(t, m.EditedAt)
	assert.Equal(t, sessionBase.Add(time.Minute), *m.EditedAt, "server edit timestamp is authoritative")
	assert.True(t, s.IsTombstonedEdited("srv-1"))
}

func TestEditFailureRollsBack(t *testing.T) {
	ft := &fakeTransport{
		editMessageFn: func(string, string) (*EditReceipt, error) {
			return nil, errors.New("boom")
		},
	}
	s := newTestSession(t, ft)
	s.Cache().Ingest([]*Message{msg("srv-1", "self", "original", sessionBase)}, SourceHistory)

	err := s.Edit(context.Background(), "srv-1", "revised")
	require.Error(t, err)
	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, "edit", ne.Op)

	m, _ := s.Get("srv-1")
	assert.Equal(t, "original", m.Content)
	assert.True(t, m.IsFailed())
	assert.False(t, s.IsTombstonedEdited("srv-1"), "the reverted edit no longer guards the id")
}

func TestEditWhilePendingSkipsNetwork(t *testing.T) {
	release := make(chan struct{})
	ft := &fakeTransport{}
	ft.sendMessageFn = func(string) (*SendReceipt, error) {
		<-release
		return &SendReceipt{ID: "srv-1", CreatedAt: sessionBase.Add(time.Second)}, nil
	}
	s := newTestSession(t, ft)

	localID, _ := s.Send("hello", nil)
	require.NoError(t, s.Edit(context.Background(), localID, "hello, revised"))

	_, edits, _ := ft.counts()
	assert.Equal(t, 0, edits, "no server id to edit yet")

	m, _ := s.Get(localID)
	assert.Equal(t, "hello, revised", m.Content)

	// Resolution re-applies the edit under the permanent id.
	close(release)
	awaitState(t, s, "resolved with edit", func(msgs []*Message) bool {
		return len(msgs) == 1 && msgs[0].ID == "srv-1" && msgs[0].Content == "hello, revised"
	})
	assert.True(t, s.IsTombstonedEdited("srv-1"))
}

func TestEditDeletedMessageRejected(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(t, ft)
	s.Cache().Ingest([]*Message{msg("srv-1", "self", "hello", sessionBase)}, SourceHistory)
	require.NoError(t, s.Delete(context.Background(), "srv-1"))

	err := s.Edit(context.Background(), "srv-1", "too late")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStaleRecord)
}

// ============================================================================
// Delete
// ============================================================================

func TestDeleteConfirmed(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(t, ft)
	s.Cache().Ingest([]*Message{msg("srv-1", "self", "hello", sessionBase)}, SourceHistory)

	require.NoError(t, s.Delete(context.Background(), "srv-1"))

	m, ok := s.Get("srv-1")
	require.True(t, ok, "deleted messages stay in the cache")
	assert.True(t, m.IsDeleted())
	assert.True(t, s.IsTombstonedDeleted("srv-1"))

	// Deleting again is a no-op, no second network call.
	require.NoError(t, s.Delete(context.Background(), "srv-1"))
	_, _, dels := ft.counts()
	assert.Equal(t, 1, dels)
}

func TestDeleteFailureRollsBack(t *testing.T) {
	ft := &fakeTransport{
		deleteMessageFn: func(string) (*DeleteReceipt, error) {
			return nil, errors.New("boom")
		},
	}
	s := newTestSession(t, ft)
	s.Cache().Ingest([]*Message{msg("srv-1", "self", "hello", sessionBase)}, SourceHistory)

	err := s.Delete(context.Background(), "srv-1")
	require.Error(t, err)
	var ne *NetworkError
	require.ErrorAs(t, err, &ne)

	m, _ := s.Get("srv-1")
	assert.False(t, m.IsDeleted())
	assert.False(t, s.IsTombstonedDeleted("srv-1"))
}

func TestDeleteWhilePendingCancelsLateAck(t *testing.T) {
	release := make(chan struct{})
	ft := &fakeTransport{}
	ft.sendMessageFn = func(string) (*SendReceipt, error) {
		<-release
		return &SendReceipt{ID: "srv-1", CreatedAt: sessionBase.Add(time.Second)}, nil
	}
	s := newTestSession(t, ft)

	localID, _ := s.Send("hello", nil)
	require.NoError(t, s.Delete(context.Background(), localID))

	_, _, dels := ft.counts()
	assert.Equal(t, 0, dels, "nothing to tell the server yet")

	m, _ := s.Get(localID)
	assert.True(t, m.IsDeleted())

	// The acknowledgment lands after the deletion; it must not resurrect.
	close(release)
	awaitState(t, s, "resolved still deleted", func(msgs []*Message) bool {
		return len(msgs) == 1 && msgs[0].ID == "srv-1" && msgs[0].IsDeleted()
	})
	assert.True(t, s.IsTombstonedDeleted("srv-1"))
}

// ============================================================================
// History
// ============================================================================

func TestLoadOlderAdvancesCursor(t *testing.T) {
	pages := []*HistoryPage{
		{
			Records:    []WireMessage{wire("m2", "u1", "two", sessionBase.Add(2*time.Second))},
			NextBefore: "m2",
			HasMore:    true,
		},
		{
			Records: []WireMessage{wire("m1", "u1", "one", sessionBase.Add(time.Second))},
			HasMore: false,
		},
	}
	call := 0
	ft := &fakeTransport{}
	ft.fetchHistoryFn = func(string, int) (*HistoryPage, error) {
		p := pages[call]
		call++
		return p, nil
	}
	s := newTestSession(t, ft)

	n, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"", "m2"}, ft.historyCalls, "second fetch passes the cursor")

	// Exhausted: no further transport calls.
	n, err = s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, ft.historyCalls, 2)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
}

func TestLoadOlderFailureLeavesStateUntouched(t *testing.T) {
	ft := &fakeTransport{
		fetchHistoryFn: func(string, int) (*HistoryPage, error) {
			return nil, errors.New("boom")
		},
	}
	s := newTestSession(t, ft)

	_, err := s.LoadOlder(context.Background())
	require.Error(t, err)
	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, "history", ne.Op)

	_, hasMore := s.Cache().Page()
	assert.True(t, hasMore, "the cursor did not advance")
	assert.Empty(t, s.Messages())
}

func TestLoadOlderSkipsMalformedRecords(t *testing.T) {
	ft := &fakeTransport{
		fetchHistoryFn: func(string, int) (*HistoryPage, error) {
			return &HistoryPage{
				Records: []WireMessage{
					wire("m1", "u1", "valid", sessionBase),
					{ID: "m2", SenderID: "u1", CreatedAt: "not-a-timestamp"},
					{ID: "", SenderID: "u1", CreatedAt: sessionBase.Format(time.RFC3339Nano)},
				},
				HasMore: false,
			}, nil
		},
	}
	s := newTestSession(t, ft)

	n, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, s.Messages(), 1)
	assert.Equal(t, uint64(2), s.Stats().MalformedDropped)
}

// ============================================================================
// Realtime
// ============================================================================

func TestHandleDelta(t *testing.T) {
	t.Run("new message", func(t *testing.T) {
		s := newTestSession(t, &fakeTransport{})
		s.HandleDelta(Delta{Type: DeltaMessageNew, Message: wire("srv-1", "peer", "hi", sessionBase)})

		m, ok := s.Get("srv-1")
		require.True(t, ok)
		assert.Equal(t, "hi", m.Content)
	})

	t.Run("edited message", func(t *testing.T) {
		s := newTestSession(t, &fakeTransport{})
		s.HandleDelta(Delta{Type: DeltaMessageNew, Message: wire("srv-1", "peer", "hi", sessionBase)})

		w := wire("srv-1", "peer", "hi, revised", sessionBase)
		w.EditedAt = sessionBase.Add(time.Second).Format(time.RFC3339Nano)
		s.HandleDelta(Delta{Type: DeltaMessageEdited, Message: w})

		m, _ := s.Get("srv-1")
		assert.Equal(t, "hi, revised", m.Content)
		assert.True(t, m.IsEdited())
	})

	t.Run("deleted message", func(t *testing.T) {
		s := newTestSession(t, &fakeTransport{})
		s.HandleDelta(Delta{Type: DeltaMessageNew, Message: wire("srv-1", "peer", "hi", sessionBase)})

		w := wire("srv-1", "peer", "hi", sessionBase)
		w.DeletedAt = sessionBase.Add(time.Second).Format(time.RFC3339Nano)
		s.HandleDelta(Delta{Type: DeltaMessageDeleted, Message: w})

		m, ok := s.Get("srv-1")
		require.True(t, ok)
		assert.True(t, m.IsDeleted())
	})

	t.Run("unknown frame type dropped", func(t *testing.T) {
		s := newTestSession(t, &fakeTransport{})
		s.HandleDelta(Delta{Type: "conversation.renamed", Message: wire("srv-1", "peer", "hi", sessionBase)})

		assert.Empty(t, s.Messages())
		assert.Equal(t, uint64(1), s.Stats().MalformedDropped)
	})

	t.Run("deletion without deletedAt dropped", func(t *testing.T) {
		s := newTestSession(t, &fakeTransport{})
		s.HandleDelta(Delta{Type: DeltaMessageDeleted, Message: wire("srv-1", "peer", "hi", sessionBase)})

		assert.Empty(t, s.Messages())
		assert.Equal(t, uint64(1), s.Stats().MalformedDropped)
	})

	t.Run("conversation mismatch dropped", func(t *testing.T) {
		s := newTestSession(t, &fakeTransport{})
		w := wire("srv-1", "peer", "hi", sessionBase)
		w.ConversationID = "conv-other"
		s.HandleDelta(Delta{Type: DeltaMessageNew, Message: w})

		assert.Empty(t, s.Messages())
		assert.Equal(t, uint64(1), s.Stats().MalformedDropped)
	})
}

type fakeDeltaSource struct {
	mu        sync.Mutex
	handler   func(Delta)
	cancelled bool
}

func (f *fakeDeltaSource) OnDelta(_ string, handler func(Delta)) (func(), error) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.cancelled = true
		f.mu.Unlock()
	}, nil
}

func TestAttachRealtime(t *testing.T) {
	src := &fakeDeltaSource{}
	s := newTestSession(t, &fakeTransport{})
	require.NoError(t, s.AttachRealtime(src))

	src.handler(Delta{Type: DeltaMessageNew, Message: wire("srv-1", "peer", "hi", sessionBase)})
	_, ok := s.Get("srv-1")
	assert.True(t, ok)

	s.Close()
	src.mu.Lock()
	cancelled := src.cancelled
	src.mu.Unlock()
	assert.True(t, cancelled, "close cancels the delta subscription")
}

// ============================================================================
// Close
// ============================================================================

func TestClosedSessionRejectsOperations(t *testing.T) {
	s := newTestSession(t, &fakeTransport{})
	s.Close()

	_, err := s.Send("hello", nil)
	assert.ErrorIs(t, err, ErrSessionClosed)

	assert.ErrorIs(t, s.Edit(context.Background(), "srv-1", "x"), ErrSessionClosed)
	assert.ErrorIs(t, s.Delete(context.Background(), "srv-1"), ErrSessionClosed)

	_, err = s.LoadOlder(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}
