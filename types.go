package inbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the messaging API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic messaging API response envelope.
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

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrMalformedEvent is returned for events missing identity or carrying
	// unknown field values. Such events are dropped.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrUnknownConversation is returned by the cache when a record references
	// a conversation it does not hold.
	ErrUnknownConversation = errors.New("unknown conversation")

	// ErrStaleLoad marks a load result superseded by a newer completed load.
	ErrStaleLoad = errors.New("stale load result")

	// ErrNotFound is returned when a status update matches no cached message.
	ErrNotFound = errors.New("message not found")

	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")
)

// MalformedEventError describes why an event was rejected at ingestion.
type MalformedEventError struct {
	EventType string
	Reason    string
}

func (e *MalformedEventError) Error() string {
	if e.EventType == "" {
		return "malformed event: " + e.Reason
	}
	return fmt.Sprintf("malformed %s event: %s", e.EventType, e.Reason)
}

func (e *MalformedEventError) Is(target error) bool {
	return target == ErrMalformedEvent
}

func malformed(eventType, format string, args ...any) error {
	return &MalformedEventError{EventType: eventType, Reason: fmt.Sprintf(format, args...)}
}

// ============================================================================
// Domain Types
// ============================================================================

// Direction tells whether a message was received from a contact or sent by
// the operator.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

func (d Direction) Valid() bool {
	return d == Inbound || d == Outbound
}

// Participant is a member of a conversation as reported by the channel.
type Participant struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Channel string `json:"channel,omitempty"` // "whatsapp", "instagram", ...
}

// Conversation is a thread between the business and one external contact.
type Conversation struct {
	ID            string         `json:"id"`
	Participants  []Participant  `json:"participants,omitempty"`
	UnreadCount   int            `json:"unread_count"`
	LastMessageAt *time.Time     `json:"last_message_at,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	// Placeholder is set on conversations synthesized from an event that
	// referenced an id the cache did not hold. Cleared once metadata arrives.
	Placeholder bool `json:"placeholder,omitempty"`
}

// Message is a single inbound or outbound content unit.
type Message struct {
	ID             string          `json:"id"`
	ExternalID     string          `json:"external_id,omitempty"`
	ConversationID string          `json:"conversation_id"`
	Direction      Direction       `json:"direction"`
	Status         Status          `json:"status"`
	Content        json.RawMessage `json:"content,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	ReadAt         *time.Time      `json:"read_at,omitempty"`

	// Seq is the ingestion sequence number, the tie-break for equal CreatedAt.
	Seq uint64 `json:"seq,omitempty"`
}

// ConversationUpdate carries a partial conversation change. Nil fields are
// left untouched.
type ConversationUpdate struct {
	ID            string         `json:"id"`
	Participants  []Participant  `json:"participants,omitempty"`
	LastMessageAt *time.Time     `json:"last_message_at,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	UnreadCount   *int           `json:"unread_count,omitempty"`
}

// Pagination selects a page of message history.
type Pagination struct {
	Limit  int    `json:"limit,omitempty"`
	Before string `json:"before,omitempty"` // message id or cursor
}

// MessagePage is one page of message history.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"next_cursor,omitempty"`
	HasMore    bool      `json:"has_more"`
}

// ============================================================================
// Helpers
// ============================================================================

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMessage(m Message) Message {
	m.DeliveredAt = cloneTime(m.DeliveredAt)
	m.ReadAt = cloneTime(m.ReadAt)
	if m.Content != nil {
		m.Content = append(json.RawMessage(nil), m.Content...)
	}
	return m
}

func cloneConversation(c Conversation) Conversation {
	c.LastMessageAt = cloneTime(c.LastMessageAt)
	if c.Participants != nil {
		c.Participants = append([]Participant(nil), c.Participants...)
	}
	if c.Metadata != nil {
		md := make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			md[k] = v
		}
		c.Metadata = md
	}
	return c
}

func hasContent(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
