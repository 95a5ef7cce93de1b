package murmur

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookEvent is the payload Murmur POSTs to a registered webhook endpoint.
// The event field mirrors the realtime delta types, so a verified webhook
// can feed the same merge path as the WebSocket stream.
type WebhookEvent struct {
	Source         string      `json:"source"`
	Event          string      `json:"event"`
	Timestamp      int64       `json:"timestamp"`
	ConversationID string      `json:"conversationId"`
	Message        WireMessage `json:"message"`
}

// Delta converts the event into the delta form consumed by sessions.
func (e *WebhookEvent) Delta() Delta {
	return Delta{Type: e.Event, Message: e.Message}
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a Murmur webhook signature using
// HMAC-SHA256. Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := signature
	if strings.HasPrefix(sig, "sha256=") {
		sig = sig[7:]
	}
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookEvent parses a raw webhook body into a typed WebhookEvent.
func ParseWebhookEvent(body string) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if ev.Source != "murmur" {
		return nil, fmt.Errorf("unknown webhook source: %s", ev.Source)
	}
	switch ev.Event {
	case DeltaMessageNew, DeltaMessageEdited, DeltaMessageDeleted:
	default:
		return nil, fmt.Errorf("unknown webhook event: %q", ev.Event)
	}
	if ev.ConversationID == "" || ev.Message.ID == "" {
		return nil, fmt.Errorf("missing required fields in webhook payload (conversationId, message.id)")
	}

	return &ev, nil
}

// ============================================================================
// WebhookReceiver
// ============================================================================

// WebhookReceiver verifies, parses, and routes Murmur webhook deliveries.
// It implements DeltaSource, so a ConversationSession behind a server that
// cannot hold a WebSocket open can still receive pushed deltas:
//
//	wh, _ := murmur.NewWebhookReceiver("secret")
//	session.AttachRealtime(wh)
//	http.Handle("/webhook", wh.HTTPHandler())
type WebhookReceiver struct {
	secret string
	log    *slog.Logger

	mu     sync.RWMutex
	nextID int
	routes map[string][]deltaSub
}

// NewWebhookReceiver creates a webhook receiver with the shared secret
// Murmur signs deliveries with.
func NewWebhookReceiver(secret string) (*WebhookReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &WebhookReceiver{
		secret: secret,
		log:    slog.Default(),
		routes: make(map[string][]deltaSub),
	}, nil
}

// SetLogger replaces the receiver's logger.
func (w *WebhookReceiver) SetLogger(l *slog.Logger) {
	if l != nil {
		w.log = l
	}
}

// OnDelta subscribes a handler to deltas delivered for one conversation.
// The returned function cancels the subscription.
func (w *WebhookReceiver) OnDelta(conversationID string, handler func(Delta)) (func(), error) {
	w.mu.Lock()
	w.nextID++
	id := w.nextID
	w.routes[conversationID] = append(w.routes[conversationID], deltaSub{id: id, handler: handler})
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		subs := w.routes[conversationID]
		for i, s := range subs {
			if s.id == id {
				w.routes[conversationID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		w.mu.Unlock()
	}, nil
}

// Verify verifies an HMAC-SHA256 signature against the receiver's secret.
func (w *WebhookReceiver) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes one delivery (verify + parse + route). Returns the
// status code and response body for the caller to write.
func (w *WebhookReceiver) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	ev, err := ParseWebhookEvent(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	w.mu.RLock()
	subs := append([]deltaSub(nil), w.routes[ev.ConversationID]...)
	w.mu.RUnlock()

	if len(subs) == 0 {
		w.log.Debug("webhook delivery for conversation with no subscribers",
			"conversationId", ev.ConversationID, "event", ev.Event)
	}
	d := ev.Delta()
	for _, s := range subs {
		s.handler(d)
	}

	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
func (w *WebhookReceiver) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeWebhookJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeWebhookJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		signature := r.Header.Get("X-Murmur-Signature")
		statusCode, data := w.Handle(string(bodyBytes), signature)
		writeWebhookJSON(rw, statusCode, data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *WebhookReceiver) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}

func writeWebhookJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
