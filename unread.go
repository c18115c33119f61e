package inbox

import "fmt"

// unreadLedger maintains the global unread total incrementally. Per
// conversation counts live on the Conversation records themselves; the
// ledger only tracks their sum.
type unreadLedger struct {
	total int
}

func (u *unreadLedger) Total() int {
	return u.total
}

// recompute resets the total from scratch. Only bulk loads use it.
func (u *unreadLedger) recompute(convs map[string]*Conversation) {
	u.total = 0
	for _, c := range convs {
		u.total += c.UnreadCount
	}
}

// move accounts for one conversation going from prev to next unread.
func (u *unreadLedger) move(prev, next int) {
	u.total += next - prev
	if u.total < 0 {
		u.total = 0
	}
}

func (u *unreadLedger) reset() {
	u.total = 0
}

// verifyUnread checks that total equals the per-conversation sum and that no
// count is negative.
func verifyUnread(total int, convs map[string]Conversation) error {
	sum := 0
	for id, c := range convs {
		if c.UnreadCount < 0 {
			return fmt.Errorf("conversation %s: negative unread count %d", id, c.UnreadCount)
		}
		sum += c.UnreadCount
	}
	if sum != total {
		return fmt.Errorf("unread total %d does not match conversation sum %d", total, sum)
	}
	return nil
}
