package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipeline(t *testing.T, opts *PipelineOptions) *Pipeline {
	t.Helper()
	if opts == nil {
		opts = &PipelineOptions{}
	}
	opts.Clock = func() time.Time { return t2 }
	return NewPipeline(NewCache(), opts)
}

func received(m Message) Event {
	return MessageReceived{Message: m}
}

func TestPipelineSequence(t *testing.T) {
	p := newTestPipeline(t, nil)
	p.Apply(ConversationsLoaded{Conversations: []Conversation{conv("c1", 0)}})

	var last uint64
	for i := 0; i < 5; i++ {
		r := p.Apply(received(inbound(fmt.Sprintf("m%d", i), "c1", t0)))
		require.Equal(t, OutcomeApplied, r.Outcome)
		assert.Greater(t, r.Seq, last)
		last = r.Seq
	}

	msgs := p.Cache().Messages("c1")
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, ids(msgs), "equal created_at falls back to arrival order")
}

func TestPipelineStaleLoads(t *testing.T) {
	t.Run("conversation list", func(t *testing.T) {
		p := newTestPipeline(t, nil)
		older := p.BeginLoad()
		newer := p.BeginLoad()

		r := p.Apply(ConversationsLoaded{RequestSeq: newer, Conversations: []Conversation{conv("c1", 1)}})
		require.Equal(t, OutcomeApplied, r.Outcome)

		r = p.Apply(ConversationsLoaded{RequestSeq: older, Conversations: []Conversation{conv("c1", 5), conv("c2", 5)}})
		assert.Equal(t, OutcomeStale, r.Outcome)
		assert.ErrorIs(t, r.Err, ErrStaleLoad)
		assert.Equal(t, 1, p.Cache().Len())
		assert.Equal(t, 1, p.Cache().UnreadTotal())
	})

	t.Run("in order completion applies both", func(t *testing.T) {
		p := newTestPipeline(t, nil)
		first := p.BeginLoad()
		second := p.BeginLoad()
		assert.Equal(t, OutcomeApplied, p.Apply(ConversationsLoaded{RequestSeq: first}).Outcome)
		assert.Equal(t, OutcomeApplied, p.Apply(ConversationsLoaded{RequestSeq: second, Conversations: []Conversation{conv("c1", 0)}}).Outcome)
		assert.Equal(t, 1, p.Cache().Len())
	})

	t.Run("message loads are keyed per conversation", func(t *testing.T) {
		p := newTestPipeline(t, nil)
		p.Apply(ConversationsLoaded{Conversations: []Conversation{conv("c1", 0), conv("c2", 0)}})
		a := p.BeginLoad()
		b := p.BeginLoad()

		r := p.Apply(MessagesLoaded{ConversationID: "c1", RequestSeq: b, Messages: []Message{inbound("m2", "c1", t1)}})
		require.Equal(t, OutcomeApplied, r.Outcome)
		r = p.Apply(MessagesLoaded{ConversationID: "c2", RequestSeq: a, Messages: []Message{inbound("x1", "c2", t0)}})
		assert.Equal(t, OutcomeApplied, r.Outcome, "c2 has no newer load")
		r = p.Apply(MessagesLoaded{ConversationID: "c1", RequestSeq: a, Messages: []Message{inbound("m1", "c1", t0)}})
		assert.Equal(t, OutcomeStale, r.Outcome)

		assert.Equal(t, []string{"m2"}, ids(p.Cache().Messages("c1")))
	})

	t.Run("zero request seq is never stale", func(t *testing.T) {
		p := newTestPipeline(t, nil)
		p.Apply(ConversationsLoaded{RequestSeq: p.BeginLoad()})
		assert.Equal(t, OutcomeApplied, p.Apply(ConversationsLoaded{}).Outcome)
	})
}

func TestPipelineReplaceKeepsInFlightMessages(t *testing.T) {
	p := newTestPipeline(t, nil)
	p.Apply(ConversationsLoaded{Conversations: []Conversation{conv("c1", 0)}})
	p.Apply(received(inbound("m0", "c1", t0)))

	req := p.BeginLoad()
	p.Apply(received(inbound("m5", "c1", t2))) // arrives while the fetch is in flight

	r := p.Apply(MessagesLoaded{ConversationID: "c1", RequestSeq: req, Messages: []Message{inbound("m1", "c1", t1)}})
	require.Equal(t, OutcomeApplied, r.Outcome)

	assert.Equal(t, []string{"m1", "m5"}, ids(p.Cache().Messages("c1")), "m0 predates the request and is replaced")
	require.NoError(t, p.Cache().Snapshot().Check())
}

func TestPipelineReplaceAfterEcho(t *testing.T) {
	p := newTestPipeline(t, nil)
	p.Apply(ConversationsLoaded{Conversations: []Conversation{conv("c1", 0)}})
	p.Apply(LocalSend{ConversationID: "c1", MessageID: "A", At: t0})
	p.Apply(received(Message{ExternalID: "E2", ConversationID: "c1", Direction: Outbound, Status: StatusSent, CreatedAt: t0}))
	require.Equal(t, []string{"A", "E2"}, ids(p.Cache().Messages("c1")))

	r := p.Apply(MessagesLoaded{ConversationID: "c1", Messages: []Message{
		{ID: "A", ExternalID: "E2", ConversationID: "c1", Direction: Outbound, Status: StatusSent, CreatedAt: t0},
	}})
	require.Equal(t, OutcomeApplied, r.Outcome)

	msgs := p.Cache().Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "A", msgs[0].ID, "the server id survives the reload")
	assert.Equal(t, "E2", msgs[0].ExternalID)
	require.NoError(t, p.Cache().Snapshot().Check())

	r = p.Apply(StatusUpdated{Update: StatusUpdate{MessageID: "A", Status: StatusDelivered, At: t1}})
	assert.Equal(t, OutcomeApplied, r.Outcome)
	r = p.Apply(StatusUpdated{Update: StatusUpdate{ExternalID: "E2", Status: StatusRead, At: t2}})
	assert.Equal(t, OutcomeApplied, r.Outcome)
	assert.Equal(t, StatusRead, p.Cache().Messages("c1")[0].Status)
}

// Scenario: a message arrives for a conversation the cache does not hold.
func TestPipelinePlaceholderConversation(t *testing.T) {
	var signals []string
	p := newTestPipeline(t, &PipelineOptions{
		OnMetadataNeeded: func(id string) { signals = append(signals, id) },
	})
	p.Apply(ConversationsLoaded{Conversations: []Conversation{conv("c1", 2)}})

	r := p.Ingest(ChannelEvent{Type: EventMessageReceived, ID: "m1", ConversationID: "c9", Timestamp: EventTime{t0}})
	require.Equal(t, OutcomeApplied, r.Outcome)

	c9, ok := p.Cache().Conversation("c9")
	require.True(t, ok)
	assert.True(t, c9.Placeholder)
	assert.Equal(t, 1, c9.UnreadCount)
	assert.Equal(t, 3, p.Cache().UnreadTotal())
	assert.Equal(t, []string{"c9"}, signals)

	t.Run("signal fires once", func(t *testing.T) {
		p.Ingest(ChannelEvent{Type: EventMessageReceived, ID: "m2", ConversationID: "c9", Timestamp: EventTime{t1}})
		assert.Equal(t, []string{"c9"}, signals)
		c9, _ := p.Cache().Conversation("c9")
		assert.Equal(t, 2, c9.UnreadCount)
	})

	t.Run("survives a listing that lacks it", func(t *testing.T) {
		p.Apply(ConversationsLoaded{Conversations: []Conversation{conv("c1", 2)}})
		_, ok := p.Cache().Conversation("c9")
		assert.True(t, ok)
		assert.Len(t, p.Cache().Messages("c9"), 2)
	})

	t.Run("metadata clears the placeholder", func(t *testing.T) {
		r := p.Apply(ConversationUpdated{Update: ConversationUpdate{ID: "c9", Participants: []Participant{{ID: "p1", Name: "Ana"}}}})
		require.Equal(t, OutcomeApplied, r.Outcome)
		c9, _ := p.Cache().Conversation("c9")
		assert.False(t, c9.Placeholder)
		assert.Equal(t, 2, c9.UnreadCount, "metadata keeps the counted unread")
		require.NoError(t, p.Cache().Snapshot().Check())
	})

	t.Run("removed then seen again signals again", func(t *testing.T) {
		require.Equal(t, OutcomeApplied, p.Apply(ConversationRemoved{ConversationID: "c9"}).Outcome)
		p.Ingest(ChannelEvent{Type: EventMessageReceived, ID: "m3", ConversationID: "c9"})
		assert.Equal(t, []string{"c9", "c9"}, signals)
	})
}

func TestPipelineRejectsMalformedEvents(t *testing.T) {
	p := newTestPipeline(t, nil)
	p.Apply(ConversationsLoaded{Conversations: []Conversation{conv("c1", 0)}})
	before := p.Cache().Snapshot()

	events := map[string]ChannelEvent{
		"missing type":            {ID: "m1", ConversationID: "c1"},
		"unknown type":            {Type: "typing", ConversationID: "c1"},
		"message without id":      {Type: EventMessageReceived, ConversationID: "c1"},
		"message without conv":    {Type: EventMessageReceived, ID: "m1"},
		"message bad direction":   {Type: EventMessageReceived, ID: "m1", ConversationID: "c1", Direction: "sideways"},
		"message bad status":      {Type: EventMessageReceived, ID: "m1", ConversationID: "c1", Status: "seen"},
		"status without id":       {Type: EventMessageStatusUpdate, Status: "read"},
		"status without status":   {Type: EventMessageStatusUpdate, ID: "m1"},
		"conversation without id": {Type: EventConversationUpdated},
	}
	for name, ce := range events {
		t.Run(name, func(t *testing.T) {
			r := p.Ingest(ce)
			assert.Equal(t, OutcomeRejected, r.Outcome)
			assert.ErrorIs(t, r.Err, ErrMalformedEvent)
		})
	}

	t.Run("typed events", func(t *testing.T) {
		for _, ev := range []Event{
			nil,
			LocalSend{ConversationID: "c1"},
			MessagesLoaded{},
			StatusUpdated{Update: StatusUpdate{MessageID: "m1", Status: "bogus"}},
			ConversationUpdated{},
		} {
			r := p.Apply(ev)
			assert.Equal(t, OutcomeRejected, r.Outcome, "%#v", ev)
		}
	})

	assert.Equal(t, before, p.Cache().Snapshot(), "rejected events leave no trace")
}

func TestPipelineIgnoredEvents(t *testing.T) {
	p := newTestPipeline(t, nil)
	p.Apply(ConversationsLoaded{Conversations: []Conversation{conv("c1", 0)}})
	p.Apply(received(inbound("m1", "c1", t0)))

	r := p.Apply(StatusUpdated{Update: StatusUpdate{MessageID: "ghost", Status: StatusRead}})
	assert.Equal(t, OutcomeIgnored, r.Outcome)
	assert.ErrorIs(t, r.Err, ErrNotFound)

	r = p.Apply(StatusUpdated{Update: StatusUpdate{MessageID: "m1", Status: StatusSent}})
	assert.Equal(t, OutcomeIgnored, r.Outcome)
	assert.NoError(t, r.Err, "a regressive transition is not an error")

	r = p.Apply(ConversationRead{ConversationID: "nope"})
	assert.Equal(t, OutcomeIgnored, r.Outcome)
	assert.ErrorIs(t, r.Err, ErrUnknownConversation)

	r = p.Apply(ConversationRemoved{ConversationID: "nope"})
	assert.Equal(t, OutcomeIgnored, r.Outcome)
}

func TestPipelineLocalSendEcho(t *testing.T) {
	p := newTestPipeline(t, nil)
	p.Apply(ConversationsLoaded{Conversations: []Conversation{conv("c1", 0)}})

	r := p.Apply(LocalSend{ConversationID: "c1", MessageID: "tmp-1", Content: json.RawMessage(`{"text":"hi"}`)})
	require.Equal(t, OutcomeApplied, r.Outcome)
	assert.Equal(t, "tmp-1", r.MessageID)

	msgs := p.Cache().Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, StatusPending, msgs[0].Status)
	assert.Equal(t, Outbound, msgs[0].Direction)
	assert.Equal(t, t2, msgs[0].CreatedAt, "clock fills created_at")

	r = p.Ingest(ChannelEvent{Type: EventMessageReceived, ID: "tmp-1", ExternalID: "wamid.1", ConversationID: "c1", Direction: "outbound", Status: "sent"})
	require.Equal(t, OutcomeApplied, r.Outcome)

	msgs = p.Cache().Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "wamid.1", msgs[0].ExternalID)
	assert.Equal(t, StatusSent, msgs[0].Status)
	assert.Equal(t, 0, p.Cache().UnreadTotal(), "outbound never counts as unread")

	r = p.Ingest(ChannelEvent{Type: EventMessageStatusUpdate, ExternalID: "wamid.1", Status: "delivered", Timestamp: EventTime{t1}})
	require.Equal(t, OutcomeApplied, r.Outcome)
	msgs = p.Cache().Messages("c1")
	assert.Equal(t, StatusDelivered, msgs[0].Status)
	assert.Equal(t, t1, *msgs[0].DeliveredAt)
}

func TestPipelineReplayIsIdempotent(t *testing.T) {
	p := newTestPipeline(t, nil)
	p.Apply(ConversationsLoaded{Conversations: []Conversation{conv("c1", 0), conv("c2", 1)}})

	events := []ChannelEvent{
		{Type: EventMessageReceived, ID: "m1", ConversationID: "c1", Timestamp: EventTime{t0}},
		{Type: EventMessageReceived, ExternalID: "wamid.2", ConversationID: "c2", Timestamp: EventTime{t1}, Content: json.RawMessage(`{"text":"yo"}`)},
		{Type: EventMessageStatusUpdate, ID: "m1", Status: "read", Timestamp: EventTime{t2}},
		{Type: EventConversationUpdated, ConversationID: "c2", Conversation: &ConversationUpdate{Metadata: map[string]any{"tag": "vip"}}},
	}
	for _, ce := range events {
		require.NotEqual(t, OutcomeRejected, p.Ingest(ce).Outcome)
	}
	once := p.Cache().Snapshot()

	for _, ce := range events {
		r := p.Ingest(ce)
		assert.Contains(t, []Outcome{OutcomeDuplicate, OutcomeIgnored, OutcomeApplied}, r.Outcome)
	}
	assert.Equal(t, once, p.Cache().Snapshot())
	assert.Equal(t, 3, p.Cache().UnreadTotal(), "a read status does not clear unread")
}

func TestPipelineConversationRead(t *testing.T) {
	p := newTestPipeline(t, nil)
	p.Apply(ConversationsLoaded{Conversations: []Conversation{conv("c1", 0), conv("c2", 3)}})
	p.Apply(received(inbound("m1", "c1", t0)))
	p.Apply(received(inbound("m2", "c1", t1)))
	require.Equal(t, 5, p.Cache().UnreadTotal())

	r := p.Apply(ConversationRead{ConversationID: "c1", MarkMessages: true, At: t2})
	require.Equal(t, OutcomeApplied, r.Outcome)
	assert.Equal(t, 3, p.Cache().UnreadTotal())
	for _, m := range p.Cache().Messages("c1") {
		assert.Equal(t, StatusRead, m.Status)
		assert.Equal(t, t2, *m.ReadAt)
	}
}

func TestPipelineRun(t *testing.T) {
	p := newTestPipeline(t, nil)
	ch := make(chan Event, 4)
	ch <- ConversationsLoaded{Conversations: []Conversation{conv("c1", 0)}}
	ch <- received(inbound("m1", "c1", t0))
	ch <- received(inbound("m2", "c1", t1))
	close(ch)

	require.NoError(t, p.Run(context.Background(), ch))
	assert.Equal(t, 2, p.Cache().UnreadTotal())

	t.Run("context cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, p.Run(ctx, make(chan Event)), context.Canceled)
	})
}

func TestPipelineReset(t *testing.T) {
	var signals int
	p := newTestPipeline(t, &PipelineOptions{OnMetadataNeeded: func(string) { signals++ }})
	p.Cache().Select("c1")
	older := p.BeginLoad()
	newer := p.BeginLoad()
	p.Apply(ConversationsLoaded{RequestSeq: newer, Conversations: []Conversation{conv("c1", 4)}})
	p.Apply(received(inbound("m1", "c9", t0)))
	require.Equal(t, 1, signals)

	p.Reset()
	assert.Equal(t, 0, p.Cache().Len())
	assert.Equal(t, 0, p.Cache().UnreadTotal())
	assert.Equal(t, "c1", p.Cache().Selected())

	// load bookkeeping is forgotten, so an older request applies again
	assert.Equal(t, OutcomeApplied, p.Apply(ConversationsLoaded{RequestSeq: older}).Outcome)

	p.Apply(received(inbound("m1", "c9", t0)))
	assert.Equal(t, 2, signals)
}

func TestPipelineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	p := newTestPipeline(t, &PipelineOptions{Metrics: m})

	p.Apply(ConversationsLoaded{Conversations: []Conversation{conv("c1", 1)}})
	p.Apply(received(inbound("m1", "c1", t0)))
	p.Apply(received(inbound("m1", "c1", t0)))
	p.Apply(received(inbound("m2", "c7", t0)))
	p.Ingest(ChannelEvent{Type: "typing"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues("conversations_loaded", "applied")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Events.WithLabelValues(EventMessageReceived, "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues(EventMessageReceived, "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues("typing", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Placeholders))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.UnreadTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Conversations))
}

// TestPipelineRandomSequences drives the pipeline with random event streams
// and checks the cache invariants plus status monotonicity after every step.
func TestPipelineRandomSequences(t *testing.T) {
	convIDs := []string{"c1", "c2", "c3", "c4"}
	statuses := []Status{"", StatusPending, StatusSent, StatusDelivered, StatusRead, StatusFailed}
	directions := []Direction{Inbound, Outbound}

	for seed := int64(1); seed <= 20; seed++ {
		seed := seed
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			p := newTestPipeline(t, nil)
			pick := func(n int) int { return rng.Intn(n) }
			at := func() time.Time { return t0.Add(time.Duration(pick(60)) * time.Second) }
			randMessage := func(convID string) Message {
				m := Message{
					ConversationID: convID,
					Direction:      directions[pick(2)],
					Status:         statuses[pick(len(statuses))],
					CreatedAt:      at(),
				}
				if pick(4) > 0 {
					m.ID = fmt.Sprintf("m%d", pick(8))
				}
				if pick(2) == 0 || m.ID == "" {
					m.ExternalID = fmt.Sprintf("wamid.%d", pick(8))
				}
				return m
			}
			var pendingLoads []uint64

			type key struct{ conv, id string }
			seen := map[key]Message{}

			for step := 0; step < 300; step++ {
				convID := convIDs[pick(len(convIDs))]
				var ev Event
				switch pick(10) {
				case 0:
					var list []Conversation
					for _, id := range convIDs {
						if pick(3) > 0 {
							list = append(list, conv(id, pick(4)))
						}
					}
					ev = ConversationsLoaded{RequestSeq: takeLoad(rng, &pendingLoads), Conversations: list}
				case 1:
					var list []Message
					for i := pick(4); i > 0; i-- {
						list = append(list, randMessage(convID))
					}
					ev = MessagesLoaded{ConversationID: convID, RequestSeq: takeLoad(rng, &pendingLoads), Messages: list, Merge: pick(2) == 0}
				case 2:
					pendingLoads = append(pendingLoads, p.BeginLoad())
					continue
				case 3:
					ev = LocalSend{ConversationID: convID, MessageID: fmt.Sprintf("local-%d", pick(4)), At: at()}
				case 4, 5, 6:
					ev = received(randMessage(convID))
				case 7:
					m := randMessage("")
					st := statuses[1+pick(len(statuses)-1)]
					ev = StatusUpdated{Update: StatusUpdate{MessageID: m.ID, ExternalID: m.ExternalID, Status: st, At: at()}}
				case 8:
					if pick(2) == 0 {
						ev = ConversationRead{ConversationID: convID, MarkMessages: pick(2) == 0, At: at()}
					} else {
						n := pick(5)
						ev = ConversationUpdated{Update: ConversationUpdate{ID: convID, UnreadCount: &n}}
					}
				case 9:
					if pick(3) == 0 {
						ev = ConversationRemoved{ConversationID: convID}
					} else {
						ev = received(randMessage(convID))
					}
				}

				r := p.Apply(ev)
				snap := p.Cache().Snapshot()
				require.NoError(t, snap.Check(), "step %d: %s %s", step, r.Kind, r.Outcome)

				next := map[key]Message{}
				for convID, list := range snap.Messages {
					for _, m := range list {
						k := key{convID, m.ID}
						if prev, ok := seen[k]; ok {
							assert.True(t, prev.Status == m.Status || prev.Status.CanTransitionTo(m.Status),
								"step %d: %s regressed %s -> %s", step, m.ID, prev.Status, m.Status)
							if prev.DeliveredAt != nil {
								assert.Equal(t, prev.DeliveredAt, m.DeliveredAt, "step %d: delivered_at rewritten", step)
							}
							if prev.ReadAt != nil {
								assert.Equal(t, prev.ReadAt, m.ReadAt, "step %d: read_at rewritten", step)
							}
						}
						next[k] = m
					}
				}
				seen = next
			}
		})
	}
}

// takeLoad returns a reserved load sequence in random order, or zero.
func takeLoad(rng *rand.Rand, pending *[]uint64) uint64 {
	if len(*pending) == 0 {
		return 0
	}
	i := rng.Intn(len(*pending))
	seq := (*pending)[i]
	*pending = append((*pending)[:i], (*pending)[i+1:]...)
	return seq
}
