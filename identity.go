package inbox

import "time"

// ResolutionKind classifies an incoming message record against a
// conversation's current message list.
type ResolutionKind int

const (
	ResolveNew ResolutionKind = iota
	ResolveUpdate
	ResolveDuplicate
)

func (k ResolutionKind) String() string {
	switch k {
	case ResolveNew:
		return "new"
	case ResolveUpdate:
		return "update"
	case ResolveDuplicate:
		return "duplicate"
	}
	return "unknown"
}

// Resolution is the outcome of ResolveIdentity. For ResolveUpdate, Index
// points into the list that was resolved against and Merged holds the record
// that should replace it.
type Resolution struct {
	Kind   ResolutionKind
	Index  int
	Merged Message
}

// ResolveIdentity decides whether incoming is a new message, an update of an
// existing one or a duplicate. It matches by id first and falls back to a
// non-empty external id. It does not modify existing.
func ResolveIdentity(incoming Message, existing []Message) Resolution {
	idx := indexOf(existing, incoming.ID, incoming.ExternalID)
	if idx < 0 {
		return Resolution{Kind: ResolveNew, Index: -1}
	}

	merged, changed := mergeMessage(existing[idx], incoming, externalIDTaken(existing, incoming.ExternalID, idx))
	if !changed {
		return Resolution{Kind: ResolveDuplicate, Index: idx}
	}
	return Resolution{Kind: ResolveUpdate, Index: idx, Merged: merged}
}

// indexOf finds a message by id, then by external id.
func indexOf(list []Message, id, externalID string) int {
	if id != "" {
		for i := range list {
			if list[i].ID == id {
				return i
			}
		}
	}
	if externalID != "" {
		for i := range list {
			if list[i].ExternalID == externalID {
				return i
			}
		}
	}
	return -1
}

func externalIDTaken(list []Message, externalID string, except int) bool {
	if externalID == "" {
		return false
	}
	for i := range list {
		if i != except && list[i].ExternalID == externalID {
			return true
		}
	}
	return false
}

// mergeMessage folds incoming into cur. Identity, direction, created_at and
// the ingestion sequence stay fixed. Content is only filled when empty, an
// external id is only adopted when cur has none and no other message holds
// it, and status goes through the state machine.
func mergeMessage(cur, incoming Message, externalTaken bool) (Message, bool) {
	out := cloneMessage(cur)
	changed := false

	if out.ExternalID == "" && incoming.ExternalID != "" && !externalTaken {
		out.ExternalID = incoming.ExternalID
		changed = true
	}
	if !hasContent(out.Content) && hasContent(incoming.Content) {
		out.Content = append(out.Content[:0:0], incoming.Content...)
		changed = true
	}

	fields, advanced := ApplyStatus(statusFieldsOf(&out), incoming.Status, statusTime(incoming))
	if advanced {
		fields.applyTo(&out)
		changed = true
	}
	return out, changed
}

// statusTime picks the timestamp a record carries for its own status.
func statusTime(m Message) time.Time {
	switch m.Status {
	case StatusDelivered:
		if m.DeliveredAt != nil {
			return *m.DeliveredAt
		}
	case StatusRead:
		if m.ReadAt != nil {
			return *m.ReadAt
		}
	}
	return m.CreatedAt
}
