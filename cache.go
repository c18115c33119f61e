package inbox

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Conversation Cache
// ============================================================================

// Cache owns the conversation mapping, the ordered message list of every
// conversation and the unread ledger. All methods are safe for concurrent
// use; readers always receive copies.
type Cache struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]Message
	unread        unreadLedger
	selected      string
	lastSeq       uint64
}

// StatusUpdate moves one message through the delivery state machine. When
// ConversationID is empty every conversation is searched. MessageID and
// ExternalID are both matched against the id and external id of cached
// messages.
type StatusUpdate struct {
	ConversationID string
	MessageID      string
	ExternalID     string
	Status         Status
	At             time.Time
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
	}
}

// ── Bulk loads ───────────────────────────────────────────

// LoadConversations replaces the conversation mapping and recomputes the
// unread total. Message lists of conversations that are still present are
// kept. Placeholder conversations absent from list survive, since the events
// that created them may be newer than the listing.
func (c *Cache) LoadConversations(list []Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]*Conversation, len(list))
	for _, conv := range list {
		if conv.ID == "" {
			continue
		}
		conv = cloneConversation(conv)
		if conv.UnreadCount < 0 {
			conv.UnreadCount = 0
		}
		conv.Placeholder = false
		next[conv.ID] = &conv
	}
	for id, old := range c.conversations {
		if _, ok := next[id]; !ok && old.Placeholder {
			next[id] = old
		}
	}
	for id := range c.messages {
		if _, ok := next[id]; !ok {
			delete(c.messages, id)
		}
	}
	c.conversations = next
	c.unread.recompute(next)
}

// LoadMessages replaces the message list of one conversation. Loaded records
// keep the server's identity; a cached match only contributes status and
// timestamps, which never regress. Unacknowledged local sends absent from list are kept. Unread
// counts are not touched.
func (c *Cache) LoadMessages(conversationID string, list []Message) error {
	return c.loadMessages(conversationID, list, 0, false)
}

// MergeMessages adds a page of history to a conversation without dropping
// what is already cached.
func (c *Cache) MergeMessages(conversationID string, list []Message) error {
	return c.loadMessages(conversationID, list, 0, true)
}

// loadMessages implements both load modes. In replace mode, cached messages
// stamped after keepAfter are kept as well: they arrived while the load was
// in flight.
func (c *Cache) loadMessages(conversationID string, list []Message, keepAfter uint64, merge bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.conversations[conversationID]
	if !ok {
		return ErrUnknownConversation
	}

	prev := c.messages[conversationID]
	var next []Message
	if merge {
		next = make([]Message, 0, len(prev)+len(list))
		next = append(next, prev...)
	}

	for _, m := range list {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if m.ConversationID != conversationID || !normalizeIdentity(&m) {
			continue
		}
		r := ResolveIdentity(m, next)
		switch r.Kind {
		case ResolveNew:
			m = cloneMessage(m)
			c.stamp(&m)
			defaultStatus(&m)
			next = append(next, m)
		case ResolveUpdate:
			next[r.Index] = r.Merged
		}
	}

	if !merge {
		next = reconcileLoaded(prev, next, keepAfter)
	}

	sortMessages(next)
	c.messages[conversationID] = next
	if n := len(next); n > 0 {
		touchLastMessage(conv, next[n-1].CreatedAt)
	}
	return nil
}

// reconcileLoaded folds the cached list prev into a freshly loaded list.
// Cached records matching a loaded one by id are folded first, then those
// matching only by external id. Each loaded record absorbs one cached
// record; further matches contribute status only and are dropped.
func reconcileLoaded(prev, loaded []Message, keepAfter uint64) []Message {
	n := len(loaded)
	absorbed := make([]bool, n)
	next := loaded

	var byExternal []Message
	for _, old := range prev {
		if i := indexOf(next[:n], old.ID, ""); i >= 0 {
			next[i] = reconcile(old, next[i], externalIDTaken(next[:n], old.ExternalID, i))
			absorbed[i] = true
			continue
		}
		byExternal = append(byExternal, old)
	}

	for _, old := range byExternal {
		i := indexOf(next[:n], "", old.ExternalID)
		switch {
		case i >= 0 && !absorbed[i]:
			next[i] = reconcile(old, next[i], false)
			absorbed[i] = true
		case i >= 0:
			next[i] = foldStatus(next[i], old)
		case keepAfter > 0 && old.Seq > keepAfter, isLocalPending(old):
			next = append(next, old)
		}
	}
	return next
}

// reconcile rebuilds loaded over the cached record it replaces. Identity,
// direction and created_at come from loaded. The cached status fields are
// kept and only advance, the cached ingestion sequence is kept, and the
// cached external id and content fill gaps in loaded.
func reconcile(cached, loaded Message, externalTaken bool) Message {
	out := cloneMessage(loaded)
	out.Seq = cached.Seq
	if out.ExternalID == "" && !externalTaken {
		out.ExternalID = cached.ExternalID
	}
	if !hasContent(out.Content) && hasContent(cached.Content) {
		out.Content = append(out.Content[:0:0], cached.Content...)
	}

	fields, _ := ApplyStatus(statusFieldsOf(&cached), loaded.Status, statusTime(loaded))
	fields.applyTo(&out)
	return out
}

// foldStatus advances m with the status another record reported for it.
func foldStatus(m, other Message) Message {
	fields, advanced := ApplyStatus(statusFieldsOf(&m), other.Status, statusTime(other))
	if advanced {
		fields.applyTo(&m)
	}
	return m
}

// ── Incremental mutations ────────────────────────────────

// ApplyIncomingMessage resolves m against its conversation and inserts,
// merges or discards it. A new inbound message that is not already read
// increments the conversation's unread count and the global total.
func (c *Cache) ApplyIncomingMessage(m Message) (ResolutionKind, error) {
	if !normalizeIdentity(&m) {
		return ResolveDuplicate, malformed("message", "missing id and external_id")
	}
	if !m.Direction.Valid() {
		return ResolveDuplicate, malformed("message", "invalid direction %q", m.Direction)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.conversations[m.ConversationID]
	if !ok {
		return ResolveDuplicate, ErrUnknownConversation
	}

	list := c.messages[m.ConversationID]
	r := ResolveIdentity(m, list)
	switch r.Kind {
	case ResolveNew:
		m = cloneMessage(m)
		c.stamp(&m)
		defaultStatus(&m)
		c.messages[m.ConversationID] = insertSorted(list, m)
		if m.Direction == Inbound && m.Status != StatusRead {
			conv.UnreadCount++
			c.unread.move(conv.UnreadCount-1, conv.UnreadCount)
		}
		touchLastMessage(conv, m.CreatedAt)
	case ResolveUpdate:
		list[r.Index] = r.Merged
	}
	return r.Kind, nil
}

// ApplyStatusUpdate locates a message and runs the state machine on it. It
// reports whether the message changed; a regressive transition is not an
// error. ErrNotFound is returned when no message matches.
func (c *Cache) ApplyStatusUpdate(u StatusUpdate) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	convID, idx := c.locate(u.ConversationID, u.MessageID, u.ExternalID)
	if idx < 0 {
		return false, ErrNotFound
	}
	msg := &c.messages[convID][idx]
	fields, changed := ApplyStatus(statusFieldsOf(msg), u.Status, u.At)
	if changed {
		fields.applyTo(msg)
	}
	return changed, nil
}

// MarkConversationRead zeroes a conversation's unread count and returns the
// count that was cleared. Individual messages keep their status.
func (c *Cache) MarkConversationRead(conversationID string) (int, error) {
	return c.markConversationRead(conversationID, false, time.Time{})
}

// markConversationRead optionally also moves every unread inbound message to
// read, stamping read_at with at.
func (c *Cache) markConversationRead(conversationID string, messages bool, at time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.conversations[conversationID]
	if !ok {
		return 0, ErrUnknownConversation
	}
	prev := conv.UnreadCount
	conv.UnreadCount = 0
	c.unread.move(prev, 0)

	if messages {
		list := c.messages[conversationID]
		for i := range list {
			if list[i].Direction != Inbound {
				continue
			}
			if fields, changed := ApplyStatus(statusFieldsOf(&list[i]), StatusRead, at); changed {
				fields.applyTo(&list[i])
			}
		}
	}
	return prev, nil
}

// RemoveConversation deletes a conversation with its messages and clears the
// selection if it pointed there.
func (c *Cache) RemoveConversation(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.conversations[conversationID]
	if !ok {
		return false
	}
	c.unread.move(conv.UnreadCount, 0)
	delete(c.conversations, conversationID)
	delete(c.messages, conversationID)
	if c.selected == conversationID {
		c.selected = ""
	}
	return true
}

// EnsureConversation creates a placeholder conversation when id is unknown
// and reports whether it did.
func (c *Cache) EnsureConversation(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.conversations[conversationID]; ok {
		return false
	}
	c.conversations[conversationID] = &Conversation{ID: conversationID, Placeholder: true}
	return true
}

// ApplyConversationUpdate merges a partial conversation change, creating the
// conversation if needed. A supplied unread count moves the global total by
// the difference. It reports whether the conversation was created.
func (c *Cache) ApplyConversationUpdate(u ConversationUpdate) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.conversations[u.ID]
	if !ok {
		conv = &Conversation{ID: u.ID}
		c.conversations[u.ID] = conv
	}
	conv.Placeholder = false
	if u.Participants != nil {
		conv.Participants = append([]Participant(nil), u.Participants...)
	}
	if len(u.Metadata) > 0 {
		if conv.Metadata == nil {
			conv.Metadata = make(map[string]any, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			conv.Metadata[k] = v
		}
	}
	if u.LastMessageAt != nil {
		touchLastMessage(conv, *u.LastMessageAt)
	}
	if u.UnreadCount != nil {
		next := *u.UnreadCount
		if next < 0 {
			next = 0
		}
		c.unread.move(conv.UnreadCount, next)
		conv.UnreadCount = next
	}
	return !ok
}

// Reset evicts every conversation and message. The selection is kept.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conversations = make(map[string]*Conversation)
	c.messages = make(map[string][]Message)
	c.unread.reset()
}

// Select records the selected conversation id. The id does not have to be
// cached yet.
func (c *Cache) Select(conversationID string) {
	c.mu.Lock()
	c.selected = conversationID
	c.mu.Unlock()
}

// ── Reads ────────────────────────────────────────────────

// Selected returns the selected conversation id, or "".
func (c *Cache) Selected() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selected
}

// SelectedConversation returns the selected conversation if it is cached.
func (c *Cache) SelectedConversation() (Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conv, ok := c.conversations[c.selected]
	if !ok {
		return Conversation{}, false
	}
	return cloneConversation(*conv), true
}

func (c *Cache) Conversation(conversationID string) (Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conv, ok := c.conversations[conversationID]
	if !ok {
		return Conversation{}, false
	}
	return cloneConversation(*conv), true
}

// Conversations returns all conversations, most recently active first.
func (c *Cache) Conversations() []Conversation {
	c.mu.RLock()
	out := make([]Conversation, 0, len(c.conversations))
	for _, conv := range c.conversations {
		out = append(out, cloneConversation(*conv))
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Messages returns the ordered message list of a conversation.
func (c *Cache) Messages(conversationID string) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := c.messages[conversationID]
	out := make([]Message, len(list))
	for i := range list {
		out[i] = cloneMessage(list[i])
	}
	return out
}

// Len returns the number of cached conversations.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conversations)
}

func (c *Cache) UnreadTotal() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unread.Total()
}

// Snapshot returns a deep copy of the whole cache state.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Conversations: make(map[string]Conversation, len(c.conversations)),
		Messages:      make(map[string][]Message, len(c.messages)),
		UnreadTotal:   c.unread.Total(),
		Selected:      c.selected,
	}
	for id, conv := range c.conversations {
		s.Conversations[id] = cloneConversation(*conv)
	}
	for id, list := range c.messages {
		cp := make([]Message, len(list))
		for i := range list {
			cp[i] = cloneMessage(list[i])
		}
		s.Messages[id] = cp
	}
	return s
}

// ── Internals ────────────────────────────────────────────

// stamp gives m an ingestion sequence number if it has none and keeps
// lastSeq at the highest number seen.
func (c *Cache) stamp(m *Message) {
	if m.Seq == 0 {
		c.lastSeq++
		m.Seq = c.lastSeq
		return
	}
	if m.Seq > c.lastSeq {
		c.lastSeq = m.Seq
	}
}

// locate finds a message by any of the given keys. Conversations are
// searched in id order so the result is deterministic.
func (c *Cache) locate(conversationID string, keys ...string) (string, int) {
	if conversationID != "" {
		if _, ok := c.conversations[conversationID]; ok {
			return conversationID, findMessage(c.messages[conversationID], keys...)
		}
	}
	ids := make([]string, 0, len(c.messages))
	for id := range c.messages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if idx := findMessage(c.messages[id], keys...); idx >= 0 {
			return id, idx
		}
	}
	return "", -1
}

func findMessage(list []Message, keys ...string) int {
	for _, key := range keys {
		if key == "" {
			continue
		}
		for i := range list {
			if list[i].ID == key || list[i].ExternalID == key {
				return i
			}
		}
	}
	return -1
}

// normalizeIdentity falls back to the external id when a record has no id.
func normalizeIdentity(m *Message) bool {
	if m.ID == "" {
		m.ID = m.ExternalID
	}
	return m.ID != ""
}

// defaultStatus fills the status of a new record that carries none.
func defaultStatus(m *Message) {
	if m.Status != "" {
		return
	}
	if m.Direction == Inbound {
		m.Status = StatusDelivered
	} else {
		m.Status = StatusSent
	}
}

func isLocalPending(m Message) bool {
	return m.Direction == Outbound && m.Status == StatusPending && m.ExternalID == ""
}

func touchLastMessage(conv *Conversation, at time.Time) {
	if at.IsZero() {
		return
	}
	if conv.LastMessageAt == nil || at.After(*conv.LastMessageAt) {
		t := at
		conv.LastMessageAt = &t
	}
}

func messageLess(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

func sortMessages(list []Message) {
	sort.SliceStable(list, func(i, j int) bool { return messageLess(list[i], list[j]) })
}

func insertSorted(list []Message, m Message) []Message {
	i := sort.Search(len(list), func(i int) bool { return messageLess(m, list[i]) })
	list = append(list, Message{})
	copy(list[i+1:], list[i:])
	list[i] = m
	return list
}

// ============================================================================
// Snapshot
// ============================================================================

// Snapshot is an immutable copy of the cache state.
type Snapshot struct {
	Conversations map[string]Conversation
	Messages      map[string][]Message
	UnreadTotal   int
	Selected      string
}

// Check verifies the cache invariants: unread conservation, identity
// uniqueness, ordering and referential integrity.
func (s Snapshot) Check() error {
	if err := verifyUnread(s.UnreadTotal, s.Conversations); err != nil {
		return err
	}
	for convID, list := range s.Messages {
		if _, ok := s.Conversations[convID]; !ok {
			return fmt.Errorf("messages held for unknown conversation %s", convID)
		}
		ids := make(map[string]struct{}, len(list))
		externals := make(map[string]struct{}, len(list))
		for i, m := range list {
			if m.ConversationID != convID {
				return fmt.Errorf("message %s listed under %s but belongs to %s", m.ID, convID, m.ConversationID)
			}
			if _, dup := ids[m.ID]; dup {
				return fmt.Errorf("conversation %s: duplicate id %s", convID, m.ID)
			}
			ids[m.ID] = struct{}{}
			if m.ExternalID != "" {
				if _, dup := externals[m.ExternalID]; dup {
					return fmt.Errorf("conversation %s: duplicate external id %s", convID, m.ExternalID)
				}
				externals[m.ExternalID] = struct{}{}
			}
			if i > 0 && messageLess(m, list[i-1]) {
				return fmt.Errorf("conversation %s: message %s out of order", convID, m.ID)
			}
		}
	}
	return nil
}
