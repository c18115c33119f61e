package inbox

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the delivery status of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed" // terminal, reachable from pending or sent
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// ValidTransitions lists the forward moves of the delivery state machine.
// Skipping intermediate states is allowed; read and failed have none.
var ValidTransitions = map[Status][]Status{
	StatusPending:   {StatusSent, StatusDelivered, StatusRead, StatusFailed},
	StatusSent:      {StatusDelivered, StatusRead, StatusFailed},
	StatusDelivered: {StatusRead},
	StatusRead:      {},
	StatusFailed:    {},
}

// ParseStatus validates a wire status string. The empty string is accepted
// and means "no status change".
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if st == "" || st.Valid() {
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

func (s Status) Valid() bool {
	_, ok := ValidTransitions[s]
	return ok
}

// Rank orders the successful states. Failed has no rank and returns -1.
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

func (s Status) IsTerminal() bool {
	return s == StatusRead || s == StatusFailed
}

// CanTransitionTo reports whether target is a forward move from s.
func (s Status) CanTransitionTo(target Status) bool {
	for _, t := range ValidTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	st, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// StatusFields is the part of a message owned by the state machine.
type StatusFields struct {
	Status      Status
	DeliveredAt *time.Time
	ReadAt      *time.Time
}

func statusFieldsOf(m *Message) StatusFields {
	return StatusFields{Status: m.Status, DeliveredAt: m.DeliveredAt, ReadAt: m.ReadAt}
}

func (f StatusFields) applyTo(m *Message) {
	m.Status = f.Status
	m.DeliveredAt = f.DeliveredAt
	m.ReadAt = f.ReadAt
}

// ApplyStatus runs one transition of the delivery state machine and returns
// the resulting fields and whether anything changed.
//
// A transition that does not advance the rank is a no-op, including a
// delivered event seen after read: delivered_at is not backfilled. Failed is
// accepted only from pending or sent. delivered_at and read_at are written
// once and never overwritten.
func ApplyStatus(cur StatusFields, incoming Status, at time.Time) (StatusFields, bool) {
	if incoming == "" || !incoming.Valid() {
		return cur, false
	}
	if incoming == cur.Status {
		return stampStatusTime(cur, incoming, at)
	}
	if !cur.Status.CanTransitionTo(incoming) {
		return cur, false
	}
	next := cur
	next.Status = incoming
	next, _ = stampStatusTime(next, incoming, at)
	return next, true
}

// stampStatusTime fills the timestamp belonging to st if it is still unset.
func stampStatusTime(f StatusFields, st Status, at time.Time) (StatusFields, bool) {
	if at.IsZero() {
		return f, false
	}
	switch st {
	case StatusDelivered:
		if f.DeliveredAt == nil {
			f.DeliveredAt = &at
			return f, true
		}
	case StatusRead:
		if f.ReadAt == nil {
			f.ReadAt = &at
			return f, true
		}
	}
	return f, false
}
