package inbox

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// ============================================================================
// Helpers
// ============================================================================

const testSecret = "test-webhook-secret-123"

func makeTestSignature(body, secret string) string {
	return SignWebhookBody(body, secret)
}

func makeTestEvent() map[string]any {
	return map[string]any{
		"type":            EventMessageReceived,
		"id":              "msg-001",
		"conversation_id": "conv-001",
		"external_id":     "wamid.001",
		"direction":       "inbound",
		"timestamp":       "2026-03-01T12:00:00Z",
		"content":         map[string]any{"text": "Hello from test"},
	}
}

func makeTestPayloadString() string {
	b, _ := json.Marshal(makeTestEvent())
	return string(b)
}

func newTestWebhook(t *testing.T) (*ChannelWebhook, *Pipeline) {
	t.Helper()
	p := NewPipeline(NewCache(), nil)
	wh, err := NewChannelWebhook(testSecret, p, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return wh, p
}

// ============================================================================
// VerifyWebhookSignature
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	body := makeTestPayloadString()

	t.Run("valid signature with prefix", func(t *testing.T) {
		sig := makeTestSignature(body, testSecret)
		if !VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid signature without prefix", func(t *testing.T) {
		sig := strings.TrimPrefix(makeTestSignature(body, testSecret), "sha256=")
		if !VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		sig := makeTestSignature(body, "other-secret")
		if VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected invalid signature")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		sig := makeTestSignature(body, testSecret)
		if VerifyWebhookSignature(body+" ", sig, testSecret) {
			t.Fatal("expected invalid signature")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifyWebhookSignature("", "sha256=abc", testSecret) {
			t.Fatal("expected false for empty body")
		}
		if VerifyWebhookSignature(body, "", testSecret) {
			t.Fatal("expected false for empty signature")
		}
		if VerifyWebhookSignature(body, "sha256=abc", "") {
			t.Fatal("expected false for empty secret")
		}
		if VerifyWebhookSignature(body, "sha256=", testSecret) {
			t.Fatal("expected false for bare prefix")
		}
	})
}

// ============================================================================
// ParseChannelEvents
// ============================================================================

func TestParseChannelEvents(t *testing.T) {
	t.Run("single event", func(t *testing.T) {
		events, err := ParseChannelEvents(makeTestPayloadString())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}
		if events[0].ConversationID != "conv-001" {
			t.Fatalf("expected conv-001, got %s", events[0].ConversationID)
		}
		if events[0].ExternalID != "wamid.001" {
			t.Fatalf("expected wamid.001, got %s", events[0].ExternalID)
		}
	})

	t.Run("batch", func(t *testing.T) {
		status := map[string]any{
			"type":            EventMessageStatusUpdate,
			"conversation_id": "conv-001",
			"external_id":     "wamid.001",
			"status":          "read",
			"timestamp":       1772366400,
		}
		b, _ := json.Marshal(map[string]any{"source": "whatsapp", "events": []any{makeTestEvent(), status}})
		events, err := ParseChannelEvents(string(b))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("expected 2 events, got %d", len(events))
		}
		if events[1].Type != EventMessageStatusUpdate {
			t.Fatalf("unexpected type: %s", events[1].Type)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if _, err := ParseChannelEvents("not json"); err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})

	t.Run("empty body", func(t *testing.T) {
		if _, err := ParseChannelEvents("   "); err == nil {
			t.Fatal("expected error for empty body")
		}
	})

	t.Run("empty batch", func(t *testing.T) {
		_, err := ParseChannelEvents(`{"events":[]}`)
		if err == nil || !strings.Contains(err.Error(), "no events") {
			t.Fatalf("expected no events error, got: %v", err)
		}
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := ParseChannelEvents(`{"conversation_id":"conv-001"}`)
		if err == nil || !strings.Contains(err.Error(), "missing type") {
			t.Fatalf("expected missing type error, got: %v", err)
		}
	})
}

// ============================================================================
// NewChannelWebhook
// ============================================================================

func TestNewChannelWebhook(t *testing.T) {
	t.Run("empty secret", func(t *testing.T) {
		if _, err := NewChannelWebhook("", NewPipeline(NewCache(), nil), nil); err == nil {
			t.Fatal("expected error for empty secret")
		}
	})

	t.Run("nil sink", func(t *testing.T) {
		if _, err := NewChannelWebhook(testSecret, nil, nil); err == nil {
			t.Fatal("expected error for nil sink")
		}
	})
}

// ============================================================================
// ChannelWebhook.Handle
// ============================================================================

func TestChannelWebhookHandle(t *testing.T) {
	t.Run("invalid signature", func(t *testing.T) {
		wh, p := newTestWebhook(t)
		status, data := wh.Handle(makeTestPayloadString(), "sha256=bad")
		if status != 401 {
			t.Fatalf("expected 401, got %d", status)
		}
		m := data.(map[string]string)
		if m["error"] != "Invalid signature" {
			t.Fatalf("unexpected error: %s", m["error"])
		}
		if p.Cache().Len() != 0 {
			t.Fatal("nothing should be ingested")
		}
	})

	t.Run("malformed payload", func(t *testing.T) {
		wh, _ := newTestWebhook(t)
		body := `{"source": "whatsapp"}`
		status, _ := wh.Handle(body, makeTestSignature(body, testSecret))
		if status != 400 {
			t.Fatalf("expected 400, got %d", status)
		}
	})

	t.Run("event ingested", func(t *testing.T) {
		wh, p := newTestWebhook(t)
		body := makeTestPayloadString()
		status, data := wh.Handle(body, makeTestSignature(body, testSecret))
		if status != 200 {
			t.Fatalf("expected 200, got %d", status)
		}
		resp := data.(WebhookResponse)
		if !resp.OK || resp.Accepted != 1 || resp.Rejected != 0 {
			t.Fatalf("unexpected response: %+v", resp)
		}
		msgs := p.Cache().Messages("conv-001")
		if len(msgs) != 1 || msgs[0].ID != "msg-001" {
			t.Fatalf("expected msg-001 cached, got %+v", msgs)
		}
		if p.Cache().UnreadTotal() != 1 {
			t.Fatalf("expected unread 1, got %d", p.Cache().UnreadTotal())
		}
	})

	t.Run("redelivery is a duplicate", func(t *testing.T) {
		wh, p := newTestWebhook(t)
		body := makeTestPayloadString()
		sig := makeTestSignature(body, testSecret)
		wh.Handle(body, sig)
		_, data := wh.Handle(body, sig)
		resp := data.(WebhookResponse)
		if resp.Results[0].Outcome != OutcomeDuplicate {
			t.Fatalf("expected duplicate, got %s", resp.Results[0].Outcome)
		}
		if p.Cache().UnreadTotal() != 1 {
			t.Fatalf("expected unread 1, got %d", p.Cache().UnreadTotal())
		}
	})

	t.Run("malformed event in batch", func(t *testing.T) {
		wh, _ := newTestWebhook(t)
		bad := map[string]any{"type": EventMessageStatusUpdate, "conversation_id": "conv-001", "external_id": "x"}
		b, _ := json.Marshal(map[string]any{"events": []any{makeTestEvent(), bad}})
		body := string(b)
		status, data := wh.Handle(body, makeTestSignature(body, testSecret))
		if status != 200 {
			t.Fatalf("expected 200, got %d", status)
		}
		resp := data.(WebhookResponse)
		if resp.Accepted != 1 || resp.Rejected != 1 {
			t.Fatalf("unexpected counts: %+v", resp)
		}
		if resp.Results[1].Error == "" {
			t.Fatal("expected error text for rejected event")
		}
	})
}

// ============================================================================
// ChannelWebhook.HTTPHandler
// ============================================================================

func TestChannelWebhookHTTPHandler(t *testing.T) {
	t.Run("GET returns 405", func(t *testing.T) {
		wh, _ := newTestWebhook(t)
		req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 405 {
			t.Fatalf("expected 405, got %d", w.Code)
		}
	})

	t.Run("invalid signature returns 401", func(t *testing.T) {
		wh, _ := newTestWebhook(t)
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(makeTestPayloadString()))
		req.Header.Set(SignatureHeader, "sha256=bad")
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 401 {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})

	t.Run("valid returns 200", func(t *testing.T) {
		wh, _ := newTestWebhook(t)
		body := makeTestPayloadString()
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		req.Header.Set(SignatureHeader, makeTestSignature(body, testSecret))
		w := httptest.NewRecorder()
		wh.HTTPHandlerFunc()(w, req)
		if w.Code != 200 {
			t.Fatalf("expected 200, got %d", w.Code)
		}

		var result map[string]any
		json.NewDecoder(w.Body).Decode(&result)
		if result["ok"] != true {
			t.Fatal("expected ok:true")
		}
		if result["accepted"] != float64(1) {
			t.Fatalf("unexpected accepted: %v", result["accepted"])
		}
	})

	t.Run("unreadable body is closed", func(t *testing.T) {
		wh, _ := newTestWebhook(t)
		body := &failingBody{}
		req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
		req.Body = body
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 400 {
			t.Fatalf("expected 400, got %d", w.Code)
		}
		if !body.closed {
			t.Fatal("expected request body to be closed")
		}
	})
}

type failingBody struct{ closed bool }

func (b *failingBody) Read([]byte) (int, error) { return 0, errors.New("connection reset") }
func (b *failingBody) Close() error {
	b.closed = true
	return nil
}
