package inbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Collaborators
// ============================================================================

// Fetcher loads conversations and history from the messaging API.
type Fetcher interface {
	FetchConversations(ctx context.Context) ([]Conversation, error)
	FetchConversation(ctx context.Context, conversationID string) (*Conversation, error)
	FetchMessages(ctx context.Context, conversationID string, p Pagination) (*MessagePage, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// API is everything a Session needs from the server. *Client implements it.
type API interface {
	Fetcher
	Transport
}

// RealtimeSource is a push channel a Session can listen to.
// *RealtimeWSClient and *RealtimeSSEClient implement it.
type RealtimeSource interface {
	OnEvent(h ChannelEventHandler)
	OnConnected(h func())
}

// ============================================================================
// Session
// ============================================================================

// SessionOptions configures a Session.
type SessionOptions struct {
	// Key identifies the operator session for the persisted selection,
	// typically "tenant/user".
	Key string

	Logger           *zerolog.Logger
	Metrics          *Metrics
	Outbox           *OutboxOptions
	VerifyInvariants bool

	// MarkMessagesRead also moves inbound messages to read on MarkRead.
	MarkMessagesRead bool

	// MetadataTimeout bounds the conversation fetch triggered for
	// placeholder conversations.
	MetadataTimeout time.Duration
}

func (o *SessionOptions) defaults() {
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	if o.Key == "" {
		o.Key = "default"
	}
	if o.MetadataTimeout == 0 {
		o.MetadataTimeout = 10 * time.Second
	}
}

// Session is the per-operator facade used by presentation layers. It owns
// the pipeline, the outbox and the preference store.
type Session struct {
	api      API
	prefs    PreferenceStore
	pipeline *Pipeline
	outbox   *Outbox
	opts     SessionOptions
	log      zerolog.Logger
}

// NewSession builds a session and restores the persisted selection. The
// cache starts empty; call Refresh to populate it.
func NewSession(ctx context.Context, api API, prefs PreferenceStore, opts *SessionOptions) (*Session, error) {
	var o SessionOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	if prefs == nil {
		prefs = NewMemoryPreferenceStore()
	}

	s := &Session{
		api:   api,
		prefs: prefs,
		opts:  o,
		log:   o.Logger.With().Str("component", "session").Str("session", o.Key).Logger(),
	}
	s.pipeline = NewPipeline(NewCache(), &PipelineOptions{
		Logger:           o.Logger,
		Metrics:          o.Metrics,
		OnMetadataNeeded: s.fetchMetadata,
		VerifyInvariants: o.VerifyInvariants,
	})

	outboxOpts := OutboxOptions{}
	if o.Outbox != nil {
		outboxOpts = *o.Outbox
	}
	if outboxOpts.Logger == nil {
		outboxOpts.Logger = o.Logger
	}
	if outboxOpts.Metrics == nil {
		outboxOpts.Metrics = o.Metrics
	}
	s.outbox = NewOutbox(s.pipeline, api, &outboxOpts)

	selected, err := prefs.LoadSelection(ctx, o.Key)
	if err != nil {
		return nil, err
	}
	s.pipeline.Cache().Select(selected)
	return s, nil
}

// Start runs the outbox flush loop.
func (s *Session) Start() {
	s.outbox.Start()
}

// Close stops the outbox and closes the preference store.
func (s *Session) Close() error {
	s.outbox.Close()
	return s.prefs.Close()
}

func (s *Session) Pipeline() *Pipeline { return s.pipeline }
func (s *Session) Outbox() *Outbox     { return s.outbox }

// ── Reads ────────────────────────────────────────────────

func (s *Session) GetConversations() []Conversation {
	return s.pipeline.Cache().Conversations()
}

func (s *Session) GetMessages(conversationID string) []Message {
	return s.pipeline.Cache().Messages(conversationID)
}

func (s *Session) GetUnreadTotal() int {
	return s.pipeline.Cache().UnreadTotal()
}

// GetSelectedConversation returns the selected conversation if it is cached.
func (s *Session) GetSelectedConversation() (Conversation, bool) {
	return s.pipeline.Cache().SelectedConversation()
}

// SelectedConversationID returns the selected id even if it is not cached.
func (s *Session) SelectedConversationID() string {
	return s.pipeline.Cache().Selected()
}

// ── Commands ─────────────────────────────────────────────

// SelectConversation selects a conversation and persists the choice. An
// empty id clears the selection.
func (s *Session) SelectConversation(ctx context.Context, conversationID string) error {
	s.pipeline.Cache().Select(conversationID)
	return s.prefs.SaveSelection(ctx, s.opts.Key, conversationID)
}

// SendMessage inserts a pending message and queues it for delivery. It
// returns the pending message id.
func (s *Session) SendMessage(ctx context.Context, conversationID string, content json.RawMessage) (string, error) {
	return s.outbox.Send(ctx, conversationID, content)
}

// MarkRead clears the conversation's unread count locally, then acknowledges
// it on the server. Only the server error is returned.
func (s *Session) MarkRead(ctx context.Context, conversationID string) error {
	s.pipeline.Apply(ConversationRead{ConversationID: conversationID, MarkMessages: s.opts.MarkMessagesRead})
	return s.api.MarkRead(ctx, conversationID)
}

// RemoveConversation drops a conversation from the cache.
func (s *Session) RemoveConversation(conversationID string) bool {
	r := s.pipeline.Apply(ConversationRemoved{ConversationID: conversationID})
	if r.Outcome != OutcomeApplied {
		return false
	}
	if err := s.prefs.SaveSelection(context.Background(), s.opts.Key, s.pipeline.Cache().Selected()); err != nil {
		s.log.Warn().Err(err).Msg("persist selection")
	}
	return true
}

// Refresh reloads the conversation list. A response that arrives after a
// newer refresh completed is discarded.
func (s *Session) Refresh(ctx context.Context) error {
	seq := s.pipeline.BeginLoad()
	list, err := s.api.FetchConversations(ctx)
	if err != nil {
		return err
	}
	r := s.pipeline.Apply(ConversationsLoaded{RequestSeq: seq, Conversations: list})
	s.log.Debug().Int("conversations", len(list)).Str("outcome", string(r.Outcome)).Msg("conversations refreshed")
	return nil
}

// LoadMessages fetches a page of history. The first page replaces the cached
// list; pages with a Before cursor are merged into it.
func (s *Session) LoadMessages(ctx context.Context, conversationID string, p Pagination) (*MessagePage, error) {
	seq := s.pipeline.BeginLoad()
	page, err := s.api.FetchMessages(ctx, conversationID, p)
	if err != nil {
		return nil, err
	}
	s.pipeline.Apply(MessagesLoaded{
		ConversationID: conversationID,
		RequestSeq:     seq,
		Messages:       page.Messages,
		Merge:          p.Before != "",
	})
	return page, nil
}

// Ingest applies one channel event, e.g. from a webhook.
func (s *Session) Ingest(ce ChannelEvent) Receipt {
	return s.pipeline.Ingest(ce)
}

// Attach feeds a realtime source into the session. Every (re)connect
// triggers a refresh, since events may have been missed while offline.
func (s *Session) Attach(src RealtimeSource) {
	src.OnEvent(func(ce ChannelEvent) { s.pipeline.Ingest(ce) })
	src.OnConnected(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Refresh(ctx); err != nil {
			s.log.Warn().Err(err).Msg("refresh after connect failed")
		}
	})
}

// Logout evicts the cache. The persisted selection is kept.
func (s *Session) Logout() {
	s.pipeline.Reset()
}

// fetchMetadata answers the pipeline's metadata signal for a placeholder
// conversation. The local unread count is kept.
func (s *Session) fetchMetadata(conversationID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.MetadataTimeout)
		defer cancel()
		conv, err := s.api.FetchConversation(ctx, conversationID)
		if err != nil {
			s.log.Warn().Str("conversation_id", conversationID).Err(err).Msg("metadata fetch failed")
			return
		}
		s.pipeline.Apply(ConversationUpdated{Update: ConversationUpdate{
			ID:            conversationID,
			Participants:  conv.Participants,
			LastMessageAt: conv.LastMessageAt,
			Metadata:      conv.Metadata,
		}})
	}()
}
