package inbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ============================================================================
// Channel Events (wire format)
// ============================================================================

const (
	EventMessageReceived     = "message_received"
	EventMessageStatusUpdate = "message_status_update"
	EventConversationUpdated = "conversation_updated"
)

// ChannelEvent is a push event as emitted by the realtime channel and the
// channel webhook. Which fields are required depends on Type.
type ChannelEvent struct {
	Type           string              `json:"type"`
	ID             string              `json:"id,omitempty"`
	ConversationID string              `json:"conversation_id,omitempty"`
	ExternalID     string              `json:"external_id,omitempty"`
	Status         string              `json:"status,omitempty"`
	Direction      string              `json:"direction,omitempty"`
	Timestamp      EventTime           `json:"timestamp"`
	Content        json.RawMessage     `json:"content,omitempty"`
	Conversation   *ConversationUpdate `json:"conversation,omitempty"`
}

// EventTime accepts RFC 3339 strings as well as unix seconds or milliseconds.
type EventTime struct {
	time.Time
}

func (t *EventTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		t.Time = parsed.UTC()
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", b, err)
	}
	if n > 1e12 {
		t.Time = time.UnixMilli(n).UTC()
	} else {
		t.Time = time.Unix(n, 0).UTC()
	}
	return nil
}

func (t EventTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// ============================================================================
// Pipeline Events (tagged variants)
// ============================================================================

// Event is one input of the ingestion pipeline.
type Event interface {
	Kind() string
}

// ConversationsLoaded carries a completed conversation list fetch. RequestSeq
// comes from Pipeline.BeginLoad; zero disables stale detection.
type ConversationsLoaded struct {
	RequestSeq    uint64
	Conversations []Conversation
}

// MessagesLoaded carries a completed history fetch for one conversation.
// With Merge set the page is added to the cached history instead of
// replacing it.
type MessagesLoaded struct {
	ConversationID string
	RequestSeq     uint64
	Messages       []Message
	Merge          bool
}

// LocalSend is an optimistic send issued by the operator.
type LocalSend struct {
	ConversationID string
	MessageID      string
	Content        json.RawMessage
	At             time.Time
}

// MessageReceived is a new message or an echo of a known one.
type MessageReceived struct {
	Message Message
}

// StatusUpdated is a delivery status change.
type StatusUpdated struct {
	Update StatusUpdate
}

// ConversationUpdated is a partial conversation metadata change.
type ConversationUpdated struct {
	Update ConversationUpdate
}

// ConversationRead clears a conversation's unread count. With MarkMessages
// set, its inbound messages are also moved to read.
type ConversationRead struct {
	ConversationID string
	MarkMessages   bool
	At             time.Time
}

// ConversationRemoved drops a conversation from the cache.
type ConversationRemoved struct {
	ConversationID string
}

func (ConversationsLoaded) Kind() string { return "conversations_loaded" }
func (MessagesLoaded) Kind() string      { return "messages_loaded" }
func (LocalSend) Kind() string           { return "local_send" }
func (MessageReceived) Kind() string     { return EventMessageReceived }
func (StatusUpdated) Kind() string       { return EventMessageStatusUpdate }
func (ConversationUpdated) Kind() string { return EventConversationUpdated }
func (ConversationRead) Kind() string    { return "conversation_read" }
func (ConversationRemoved) Kind() string { return "conversation_removed" }

// ============================================================================
// Normalization
// ============================================================================

// Normalize validates a channel event and converts it into a pipeline event.
// Errors wrap ErrMalformedEvent.
func Normalize(ce ChannelEvent) (Event, error) {
	switch ce.Type {
	case EventMessageReceived:
		return normalizeMessage(ce)
	case EventMessageStatusUpdate:
		return normalizeStatus(ce)
	case EventConversationUpdated:
		return normalizeConversation(ce)
	case "":
		return nil, malformed("", "missing type")
	}
	return nil, malformed(ce.Type, "unknown event type")
}

func normalizeMessage(ce ChannelEvent) (Event, error) {
	if ce.ID == "" && ce.ExternalID == "" {
		return nil, malformed(ce.Type, "missing id and external_id")
	}
	if ce.ConversationID == "" {
		return nil, malformed(ce.Type, "missing conversation_id")
	}
	dir := Direction(ce.Direction)
	if dir == "" {
		dir = Inbound
	}
	if !dir.Valid() {
		return nil, malformed(ce.Type, "invalid direction %q", ce.Direction)
	}
	st, err := ParseStatus(ce.Status)
	if err != nil {
		return nil, malformed(ce.Type, "%v", err)
	}

	m := Message{
		ID:             ce.ID,
		ExternalID:     ce.ExternalID,
		ConversationID: ce.ConversationID,
		Direction:      dir,
		Status:         st,
		Content:        ce.Content,
		CreatedAt:      ce.Timestamp.Time,
	}
	normalizeIdentity(&m)
	if !ce.Timestamp.IsZero() {
		at := ce.Timestamp.Time
		switch st {
		case StatusDelivered:
			m.DeliveredAt = &at
		case StatusRead:
			m.ReadAt = &at
		}
	}
	return MessageReceived{Message: m}, nil
}

func normalizeStatus(ce ChannelEvent) (Event, error) {
	if ce.ID == "" && ce.ExternalID == "" {
		return nil, malformed(ce.Type, "missing id and external_id")
	}
	if ce.Status == "" {
		return nil, malformed(ce.Type, "missing status")
	}
	st, err := ParseStatus(ce.Status)
	if err != nil {
		return nil, malformed(ce.Type, "%v", err)
	}
	return StatusUpdated{Update: StatusUpdate{
		ConversationID: ce.ConversationID,
		MessageID:      ce.ID,
		ExternalID:     ce.ExternalID,
		Status:         st,
		At:             ce.Timestamp.Time,
	}}, nil
}

func normalizeConversation(ce ChannelEvent) (Event, error) {
	var u ConversationUpdate
	if ce.Conversation != nil {
		u = *ce.Conversation
	}
	switch {
	case u.ID != "":
	case ce.ConversationID != "":
		u.ID = ce.ConversationID
	case ce.ID != "":
		u.ID = ce.ID
	default:
		return nil, malformed(ce.Type, "missing conversation id")
	}
	return ConversationUpdated{Update: u}, nil
}
