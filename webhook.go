package inbox

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// ============================================================================
// Webhook Types
// ============================================================================

// SignatureHeader carries the HMAC-SHA256 signature of a webhook body.
const SignatureHeader = "X-Inbox-Signature"

// WebhookBatch is the body of a channel webhook delivering several events.
type WebhookBatch struct {
	Source string         `json:"source,omitempty"`
	Events []ChannelEvent `json:"events"`
}

// EventSink accepts channel events. *Pipeline and *Session implement it.
type EventSink interface {
	Ingest(ce ChannelEvent) Receipt
}

// WebhookResult reports the handling of one delivered event.
type WebhookResult struct {
	Seq     uint64  `json:"seq,omitempty"`
	Type    string  `json:"type"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// WebhookResponse is the JSON body answered to the channel.
type WebhookResponse struct {
	OK       bool            `json:"ok"`
	Accepted int             `json:"accepted"`
	Rejected int             `json:"rejected"`
	Results  []WebhookResult `json:"results"`
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies an HMAC-SHA256 webhook signature with a
// constant-time comparison. The "sha256=" prefix is optional.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
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

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseChannelEvents parses a webhook body holding either a single event or
// a batch. Per-event validation is left to ingestion.
func ParseChannelEvents(body string) ([]ChannelEvent, error) {
	trimmed := bytes.TrimSpace([]byte(body))
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty webhook body")
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if _, ok := probe["events"]; ok {
		var batch WebhookBatch
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, fmt.Errorf("invalid webhook batch: %w", err)
		}
		if len(batch.Events) == 0 {
			return nil, fmt.Errorf("webhook batch has no events")
		}
		return batch.Events, nil
	}

	var ce ChannelEvent
	if err := json.Unmarshal(trimmed, &ce); err != nil {
		return nil, fmt.Errorf("invalid webhook event: %w", err)
	}
	if ce.Type == "" {
		return nil, fmt.Errorf("missing type field in webhook payload")
	}
	return []ChannelEvent{ce}, nil
}

// ============================================================================
// ChannelWebhook
// ============================================================================

// ChannelWebhook verifies, parses and ingests channel webhook deliveries.
type ChannelWebhook struct {
	secret  string
	sink    EventSink
	metrics *Metrics
}

// NewChannelWebhook creates a webhook handler feeding sink.
func NewChannelWebhook(secret string, sink EventSink, metrics *Metrics) (*ChannelWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("webhook sink is required")
	}
	return &ChannelWebhook{secret: secret, sink: sink, metrics: metrics}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *ChannelWebhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes a webhook delivery (verify + parse + ingest) and returns
// the status code and response body for the caller to write. Malformed
// events inside a valid batch do not fail the request.
func (w *ChannelWebhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	events, err := ParseChannelEvents(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	resp := WebhookResponse{OK: true, Results: make([]WebhookResult, 0, len(events))}
	for _, ce := range events {
		r := w.sink.Ingest(ce)
		res := WebhookResult{Seq: r.Seq, Type: ce.Type, Outcome: r.Outcome}
		if r.Outcome == OutcomeRejected {
			resp.Rejected++
			if r.Err != nil {
				res.Error = r.Err.Error()
			}
		} else {
			resp.Accepted++
		}
		resp.Results = append(resp.Results, res)
	}
	return http.StatusOK, resp
}

// HTTPHandler returns an http.Handler that processes webhook requests.
func (w *ChannelWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.write(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		defer r.Body.Close()
		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			w.write(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		w.write(rw, statusCode, data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *ChannelWebhook) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}

func (w *ChannelWebhook) write(rw http.ResponseWriter, status int, data any) {
	w.metrics.webhook(strconv.Itoa(status))
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
