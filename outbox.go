package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Outbox Types
// ============================================================================

// Transport delivers operator sends to the messaging API. The message id is
// generated locally and doubles as the idempotency key; the server echoes it
// back together with the channel's external id once known.
type Transport interface {
	SendMessage(ctx context.Context, conversationID, messageID string, content json.RawMessage) (*Message, error)
}

// OutboxOp is a queued send.
type OutboxOp struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Content        json.RawMessage `json:"content"`
	Status         string          `json:"status"` // "pending" or "failed"
	CreatedAt      time.Time       `json:"created_at"`
	Retries        int             `json:"retries"`
	MaxRetries     int             `json:"max_retries"`
	Error          string          `json:"error,omitempty"`
}

// OutboxOptions configures an Outbox.
type OutboxOptions struct {
	RetryLimit    int
	FlushInterval time.Duration
	BatchSize     int
	Logger        *zerolog.Logger
	Metrics       *Metrics
}

func (o *OutboxOptions) defaults() {
	if o.RetryLimit == 0 {
		o.RetryLimit = 5
	}
	if o.FlushInterval == 0 {
		o.FlushInterval = time.Second
	}
	if o.BatchSize == 0 {
		o.BatchSize = 10
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
}

// ============================================================================
// Queue
// ============================================================================

type outboxQueue struct {
	mu  sync.RWMutex
	ops map[string]*OutboxOp
}

func newOutboxQueue() *outboxQueue {
	return &outboxQueue{ops: make(map[string]*OutboxOp)}
}

func (q *outboxQueue) enqueue(op *OutboxOp) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops[op.ID] = op
}

func (q *outboxQueue) dequeueReady(limit int) []OutboxOp {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var ready []OutboxOp
	for _, op := range q.ops {
		if op.Status == "pending" && op.Retries < op.MaxRetries {
			ready = append(ready, *op)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].CreatedAt.Before(ready[j].CreatedAt) })
	if len(ready) > limit {
		ready = ready[:limit]
	}
	return ready
}

func (q *outboxQueue) ack(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.ops, id)
}

// nack records a failed attempt and reports whether the op is now failed.
func (q *outboxQueue) nack(id, errMsg string, retries int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	op := q.ops[id]
	if op == nil {
		return false
	}
	op.Retries = retries
	op.Error = errMsg
	if retries >= op.MaxRetries {
		op.Status = "failed"
		return true
	}
	return false
}

func (q *outboxQueue) pending() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	n := 0
	for _, op := range q.ops {
		if op.Status == "pending" {
			n++
		}
	}
	return n
}

func (q *outboxQueue) failed() []OutboxOp {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var out []OutboxOp
	for _, op := range q.ops {
		if op.Status == "failed" {
			out = append(out, *op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ============================================================================
// Event Emitter
// ============================================================================

// OutboxEventHandler observes outbox progress: "message.confirmed",
// "message.failed" and "outbox.retry".
type OutboxEventHandler func(event string, op OutboxOp)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]OutboxEventHandler
}

func (e *emitter) On(event string, handler OutboxEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]OutboxEventHandler)
	}
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, op OutboxOp) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // a panicking listener must not stop the flush
			h(event, op)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = nil
}

// ============================================================================
// Outbox
// ============================================================================

// Outbox turns operator sends into optimistic pending messages and delivers
// them through a Transport with retries. Acknowledgements and failures are
// fed back through the pipeline.
type Outbox struct {
	emitter
	queue     *outboxQueue
	transport Transport
	pipeline  *Pipeline
	opts      OutboxOptions
	log       zerolog.Logger

	mu       sync.Mutex
	online   bool
	flushing bool
	stopCh   chan struct{}
	stopped  bool
}

// NewOutbox creates an outbox. Call Start to run the background flush loop.
func NewOutbox(pipeline *Pipeline, transport Transport, opts *OutboxOptions) *Outbox {
	var o OutboxOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &Outbox{
		queue:     newOutboxQueue(),
		transport: transport,
		pipeline:  pipeline,
		opts:      o,
		log:       o.Logger.With().Str("component", "outbox").Logger(),
		online:    true,
		stopCh:    make(chan struct{}),
	}
}

// Start runs the periodic flush loop until Close.
func (o *Outbox) Start() {
	go o.flushLoop()
}

// Close stops the flush loop and drops listeners.
func (o *Outbox) Close() {
	o.mu.Lock()
	if !o.stopped {
		o.stopped = true
		close(o.stopCh)
	}
	o.mu.Unlock()
	o.removeAll()
}

// SetOnline pauses or resumes delivery. Going online triggers a flush.
func (o *Outbox) SetOnline(online bool) {
	o.mu.Lock()
	if o.online == online {
		o.mu.Unlock()
		return
	}
	o.online = online
	o.mu.Unlock()

	o.log.Info().Bool("online", online).Msg("network state changed")
	if online {
		go o.Flush(context.Background())
	}
}

// Size returns the number of sends still pending.
func (o *Outbox) Size() int {
	return o.queue.pending()
}

// Failed returns sends that exhausted their retries or failed permanently.
func (o *Outbox) Failed() []OutboxOp {
	return o.queue.failed()
}

// Send inserts a pending message into the cache, queues it for delivery and
// returns its id.
func (o *Outbox) Send(ctx context.Context, conversationID string, content json.RawMessage) (string, error) {
	o.mu.Lock()
	stopped, online := o.stopped, o.online
	o.mu.Unlock()
	if stopped {
		return "", ErrClosed
	}

	id := uuid.NewString()
	r := o.pipeline.Apply(LocalSend{ConversationID: conversationID, MessageID: id, Content: content})
	if r.Outcome == OutcomeRejected {
		return "", r.Err
	}

	o.queue.enqueue(&OutboxOp{
		ID:             id,
		ConversationID: conversationID,
		Content:        content,
		Status:         "pending",
		CreatedAt:      time.Now(),
		MaxRetries:     o.opts.RetryLimit,
	})
	o.opts.Metrics.outbox("", o.queue.pending())

	if online {
		go o.Flush(context.WithoutCancel(ctx))
	}
	return id, nil
}

func (o *Outbox) flushLoop() {
	ticker := time.NewTicker(o.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.Flush(context.Background())
		}
	}
}

// Flush attempts delivery of ready sends. Concurrent calls collapse into one.
func (o *Outbox) Flush(ctx context.Context) {
	o.mu.Lock()
	if o.flushing || !o.online {
		o.mu.Unlock()
		return
	}
	o.flushing = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.flushing = false
		o.mu.Unlock()
	}()

	for _, op := range o.queue.dequeueReady(o.opts.BatchSize) {
		msg, err := o.transport.SendMessage(ctx, op.ConversationID, op.ID, op.Content)
		if err != nil {
			o.handleFailure(op, err)
			continue
		}
		o.queue.ack(op.ID)
		o.confirm(op, msg)
	}
	o.opts.Metrics.outbox("", o.queue.pending())
}

// confirm feeds the server acknowledgement back as an echo of the pending
// message so identity resolution merges it in place.
func (o *Outbox) confirm(op OutboxOp, server *Message) {
	echo := Message{
		ID:             op.ID,
		ConversationID: op.ConversationID,
		Direction:      Outbound,
		Status:         StatusSent,
	}
	if server != nil {
		echo.ExternalID = server.ExternalID
		if server.Status != "" && server.Status != StatusPending {
			echo.Status = server.Status
		}
		echo.DeliveredAt = server.DeliveredAt
		echo.ReadAt = server.ReadAt
		echo.CreatedAt = server.CreatedAt
	}
	o.pipeline.Apply(MessageReceived{Message: echo})
	o.log.Debug().Str("message_id", op.ID).Str("external_id", echo.ExternalID).Msg("send confirmed")
	o.opts.Metrics.outbox("sent", o.queue.pending())
	o.emit("message.confirmed", op)
}

func (o *Outbox) handleFailure(op OutboxOp, err error) {
	retries := op.Retries + 1
	if !retryable(err) {
		retries = op.MaxRetries
	}
	op.Retries, op.Error = retries, err.Error()

	if !o.queue.nack(op.ID, op.Error, retries) {
		o.log.Warn().Str("message_id", op.ID).Int("retries", retries).Err(err).Msg("send failed, will retry")
		o.opts.Metrics.outbox("retry", o.queue.pending())
		o.emit("outbox.retry", op)
		return
	}

	o.log.Error().Str("message_id", op.ID).Int("retries", retries).Err(err).Msg("send failed permanently")
	o.pipeline.Apply(StatusUpdated{Update: StatusUpdate{
		ConversationID: op.ConversationID,
		MessageID:      op.ID,
		Status:         StatusFailed,
	}})
	o.opts.Metrics.outbox("failed", o.queue.pending())
	o.emit("message.failed", op)
}

// retryable treats transport errors and server-side API errors as transient.
func retryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	code := apiErr.Code
	return strings.Contains(code, "TIMEOUT") ||
		strings.Contains(code, "NETWORK") ||
		strings.HasPrefix(code, "HTTP_5") ||
		code == "RATE_LIMITED"
}
