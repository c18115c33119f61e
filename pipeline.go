package inbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Event Ingestion Pipeline
// ============================================================================

// Outcome is what the pipeline did with one event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored" // regressive status, unknown target
	OutcomeStale     Outcome = "stale"
	OutcomeRejected  Outcome = "rejected"
)

// Receipt reports the handling of one event. Err is set for rejected, stale
// and ignored events; none of them is fatal.
type Receipt struct {
	Seq       uint64
	Kind      string
	Outcome   Outcome
	MessageID string
	Err       error
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	Logger  *zerolog.Logger
	Metrics *Metrics
	Clock   func() time.Time

	// OnMetadataNeeded is called, outside the pipeline lock, once for every
	// placeholder conversation until its metadata arrives.
	OnMetadataNeeded func(conversationID string)

	// VerifyInvariants checks the cache snapshot after every event and logs
	// any violation at error level.
	VerifyInvariants bool
}

func (o *PipelineOptions) defaults() {
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
}

// Pipeline is the single mutation entry point of a Cache. Events are applied
// one at a time in arrival order and stamped with a monotonically increasing
// sequence number.
type Pipeline struct {
	mu    sync.Mutex
	cache *Cache
	seq   uint64

	// newest completed load request per key; "" keys the conversation list
	loads        map[string]uint64
	awaitingMeta map[string]struct{}
	signals      []string

	opts PipelineOptions
	log  zerolog.Logger
}

// NewPipeline creates a pipeline that owns cache.
func NewPipeline(cache *Cache, opts *PipelineOptions) *Pipeline {
	var o PipelineOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &Pipeline{
		cache:        cache,
		loads:        make(map[string]uint64),
		awaitingMeta: make(map[string]struct{}),
		opts:         o,
		log:          o.Logger.With().Str("component", "pipeline").Logger(),
	}
}

// Cache returns the cache for reads. Mutations must go through Apply.
func (p *Pipeline) Cache() *Cache {
	return p.cache
}

// BeginLoad reserves a request sequence number for a REST load about to be
// issued. Pass it back in ConversationsLoaded or MessagesLoaded.
func (p *Pipeline) BeginLoad() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextSeq()
}

// Ingest normalizes a channel event and applies it. Malformed events are
// dropped and reported as rejected.
func (p *Pipeline) Ingest(ce ChannelEvent) Receipt {
	ev, err := Normalize(ce)
	if err != nil {
		p.log.Warn().
			Str("type", ce.Type).
			Str("id", ce.ID).
			Str("external_id", ce.ExternalID).
			Err(err).
			Msg("dropping malformed event")
		kind := ce.Type
		if kind == "" {
			kind = "unknown"
		}
		p.opts.Metrics.observeEvent(kind, OutcomeRejected)
		return Receipt{Kind: kind, Outcome: OutcomeRejected, Err: err}
	}
	return p.Apply(ev)
}

// Apply applies one event to the cache.
func (p *Pipeline) Apply(ev Event) Receipt {
	p.mu.Lock()
	seq := p.nextSeq()
	r := p.apply(seq, ev)
	r.Seq = seq
	if p.opts.VerifyInvariants {
		if err := p.cache.Snapshot().Check(); err != nil {
			p.log.Error().Err(err).Uint64("seq", seq).Str("kind", r.Kind).Msg("cache invariant violated")
		}
	}
	signals := p.signals
	p.signals = nil
	p.mu.Unlock()

	p.opts.Metrics.observeEvent(r.Kind, r.Outcome)
	p.opts.Metrics.observeCache(p.cache)
	if p.opts.OnMetadataNeeded != nil {
		for _, id := range signals {
			p.opts.OnMetadataNeeded(id)
		}
	}
	return r
}

// Run applies events from ch until it is closed or ctx is done.
func (p *Pipeline) Run(ctx context.Context, ch <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			p.Apply(ev)
		}
	}
}

// Reset evicts the whole cache and forgets load and metadata bookkeeping.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.cache.Reset()
	p.loads = make(map[string]uint64)
	p.awaitingMeta = make(map[string]struct{})
	p.mu.Unlock()
	p.opts.Metrics.observeCache(p.cache)
}

func (p *Pipeline) nextSeq() uint64 {
	p.seq++
	return p.seq
}

func (p *Pipeline) apply(seq uint64, ev Event) Receipt {
	if ev == nil {
		return Receipt{Kind: "unknown", Outcome: OutcomeRejected, Err: malformed("", "nil event")}
	}
	r := Receipt{Kind: ev.Kind()}

	switch e := ev.(type) {
	case ConversationsLoaded:
		if p.stale("", e.RequestSeq) {
			return p.discardStale(r, "", e.RequestSeq)
		}
		p.cache.LoadConversations(e.Conversations)
		for _, c := range e.Conversations {
			delete(p.awaitingMeta, c.ID)
		}
		r.Outcome = OutcomeApplied

	case MessagesLoaded:
		if e.ConversationID == "" {
			return p.reject(r, malformed(r.Kind, "missing conversation id"))
		}
		if p.stale(e.ConversationID, e.RequestSeq) {
			return p.discardStale(r, e.ConversationID, e.RequestSeq)
		}
		p.ensureConversation(e.ConversationID)
		msgs := make([]Message, len(e.Messages))
		for i, m := range e.Messages {
			m.Seq = p.nextSeq()
			msgs[i] = m
		}
		if err := p.cache.loadMessages(e.ConversationID, msgs, e.RequestSeq, e.Merge); err != nil {
			return p.reject(r, err)
		}
		r.Outcome = OutcomeApplied

	case LocalSend:
		if e.ConversationID == "" || e.MessageID == "" {
			return p.reject(r, malformed(r.Kind, "missing conversation or message id"))
		}
		at := e.At
		if at.IsZero() {
			at = p.opts.Clock()
		}
		r.MessageID = e.MessageID
		return p.applyMessage(r, Message{
			ID:             e.MessageID,
			ConversationID: e.ConversationID,
			Direction:      Outbound,
			Status:         StatusPending,
			Content:        e.Content,
			CreatedAt:      at,
			Seq:            seq,
		})

	case MessageReceived:
		m := e.Message
		if !normalizeIdentity(&m) {
			return p.reject(r, malformed(r.Kind, "missing id and external_id"))
		}
		if m.ConversationID == "" {
			return p.reject(r, malformed(r.Kind, "missing conversation_id"))
		}
		if m.Direction == "" {
			m.Direction = Inbound
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = p.opts.Clock()
		}
		m.Seq = seq
		r.MessageID = m.ID
		return p.applyMessage(r, m)

	case StatusUpdated:
		u := e.Update
		if u.MessageID == "" && u.ExternalID == "" {
			return p.reject(r, malformed(r.Kind, "missing id and external_id"))
		}
		if !u.Status.Valid() {
			return p.reject(r, malformed(r.Kind, "invalid status %q", u.Status))
		}
		if u.At.IsZero() {
			u.At = p.opts.Clock()
		}
		r.MessageID = u.MessageID
		changed, err := p.cache.ApplyStatusUpdate(u)
		switch {
		case errors.Is(err, ErrNotFound):
			p.log.Debug().
				Str("message_id", u.MessageID).
				Str("external_id", u.ExternalID).
				Str("status", string(u.Status)).
				Msg("status update for unknown message ignored")
			r.Outcome, r.Err = OutcomeIgnored, err
		case !changed:
			p.log.Trace().
				Str("message_id", u.MessageID).
				Str("status", string(u.Status)).
				Msg("non-advancing status transition")
			r.Outcome = OutcomeIgnored
		default:
			r.Outcome = OutcomeApplied
		}

	case ConversationUpdated:
		if e.Update.ID == "" {
			return p.reject(r, malformed(r.Kind, "missing conversation id"))
		}
		p.cache.ApplyConversationUpdate(e.Update)
		delete(p.awaitingMeta, e.Update.ID)
		r.Outcome = OutcomeApplied

	case ConversationRead:
		at := e.At
		if at.IsZero() {
			at = p.opts.Clock()
		}
		cleared, err := p.cache.markConversationRead(e.ConversationID, e.MarkMessages, at)
		if err != nil {
			r.Outcome, r.Err = OutcomeIgnored, err
			break
		}
		p.log.Debug().Str("conversation_id", e.ConversationID).Int("cleared", cleared).Msg("conversation marked read")
		r.Outcome = OutcomeApplied

	case ConversationRemoved:
		if !p.cache.RemoveConversation(e.ConversationID) {
			r.Outcome, r.Err = OutcomeIgnored, ErrUnknownConversation
			break
		}
		delete(p.loads, e.ConversationID)
		delete(p.awaitingMeta, e.ConversationID)
		r.Outcome = OutcomeApplied

	default:
		return p.reject(r, malformed(r.Kind, "unsupported event"))
	}
	return r
}

func (p *Pipeline) applyMessage(r Receipt, m Message) Receipt {
	p.ensureConversation(m.ConversationID)
	kind, err := p.cache.ApplyIncomingMessage(m)
	if err != nil {
		return p.reject(r, err)
	}
	switch kind {
	case ResolveDuplicate:
		r.Outcome = OutcomeDuplicate
	default:
		r.Outcome = OutcomeApplied
	}
	return r
}

// ensureConversation synthesizes a placeholder for an unknown conversation
// and queues a metadata signal for it.
func (p *Pipeline) ensureConversation(id string) {
	if !p.cache.EnsureConversation(id) {
		return
	}
	p.log.Info().Str("conversation_id", id).Msg("placeholder conversation created")
	p.opts.Metrics.placeholder()
	if _, waiting := p.awaitingMeta[id]; waiting {
		return
	}
	p.awaitingMeta[id] = struct{}{}
	p.signals = append(p.signals, id)
}

// stale reports whether a load result is superseded by a newer completed
// load for the same key, recording it as the newest otherwise.
func (p *Pipeline) stale(key string, requestSeq uint64) bool {
	if requestSeq == 0 {
		return false
	}
	if requestSeq < p.loads[key] {
		return true
	}
	p.loads[key] = requestSeq
	return false
}

func (p *Pipeline) discardStale(r Receipt, key string, requestSeq uint64) Receipt {
	p.log.Debug().
		Str("key", key).
		Uint64("request_seq", requestSeq).
		Uint64("newest", p.loads[key]).
		Msg("discarding stale load result")
	r.Outcome, r.Err = OutcomeStale, ErrStaleLoad
	return r
}

func (p *Pipeline) reject(r Receipt, err error) Receipt {
	p.log.Warn().Str("kind", r.Kind).Str("message_id", r.MessageID).Err(err).Msg("event rejected")
	r.Outcome, r.Err = OutcomeRejected, err
	return r
}
