package stack

import (
	"net/netip"
	"sync"
	"time"

	"github.com/iotlib/coap/pkg/message"
)

// RetransmitEntry is a Confirmable request awaiting a response or ACK.
// There is at most one entry per token.
type RetransmitEntry struct {
	// Token identifies the exchange the message belongs to.
	Token string

	// Owner receives the timeout notification.
	Owner Owner

	// Message is the outgoing request, resent unchanged on each expiry.
	Message *message.Message

	// SendCount is the number of times Message has been sent.
	// Starts at 1 for the initial transmission.
	SendCount int

	// Acknowledged is set once an empty ACK arrived. The timer then
	// guards the separate response instead of resending.
	Acknowledged bool

	timer    *time.Timer
	callback func()
}

// Stop cancels the retransmission timer if running.
func (e *RetransmitEntry) Stop() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// RetransmitTable tracks pending Confirmable requests by token.
//
// Thread-safe for concurrent access. Timer callbacks receive the entry they
// were armed for; callers compare it with the current entry for the token
// so that a cancelled or replaced timer does nothing.
type RetransmitTable struct {
	entries map[string]*RetransmitEntry
	mu      sync.Mutex
}

// NewRetransmitTable creates an empty retransmission table.
func NewRetransmitTable() *RetransmitTable {
	return &RetransmitTable{
		entries: make(map[string]*RetransmitEntry),
	}
}

// Add arms a retransmission timer for msg, replacing any pending entry for
// the same token.
func (t *RetransmitTable) Add(
	owner Owner,
	msg *message.Message,
	interval time.Duration,
	onTimeout func(entry *RetransmitEntry),
) *RetransmitEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	token := string(msg.Token)
	if old, ok := t.entries[token]; ok {
		old.Stop()
	}

	entry := &RetransmitEntry{
		Token:     token,
		Owner:     owner,
		Message:   msg,
		SendCount: 1,
	}
	entry.callback = func() {
		if onTimeout != nil {
			onTimeout(entry)
		}
	}
	entry.timer = time.AfterFunc(interval, entry.callback)

	t.entries[token] = entry
	return entry
}

// Get returns the pending entry for a token.
func (t *RetransmitTable) Get(token string) (*RetransmitEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[token]
	return entry, ok
}

// IsCurrent reports whether entry is still the pending entry for its token.
func (t *RetransmitTable) IsCurrent(entry *RetransmitEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.entries[entry.Token] == entry
}

// ByMessageID finds the pending entry whose message has the given ID and
// was sent to addr. Used to match empty ACK and RST messages.
func (t *RetransmitTable) ByMessageID(mid uint16, addr netip.AddrPort) (*RetransmitEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, entry := range t.entries {
		if entry.Message.MessageID != mid {
			continue
		}
		if addr.IsValid() && entry.Message.Addr.IsValid() && entry.Message.Addr != addr {
			continue
		}
		return entry, true
	}
	return nil, false
}

// Reschedule counts one more transmission and re-arms the timer.
// Returns false if entry is no longer current.
func (t *RetransmitTable) Reschedule(entry *RetransmitEntry, interval time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.entries[entry.Token] != entry {
		return false
	}

	entry.SendCount++
	entry.Stop()
	entry.timer = time.AfterFunc(interval, entry.callback)
	return true
}

// AwaitResponse stops resending entry and arms a single deadline for its
// separate response. Returns false if entry is no longer current or was
// already acknowledged.
func (t *RetransmitTable) AwaitResponse(entry *RetransmitEntry, deadline time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.entries[entry.Token] != entry || entry.Acknowledged {
		return false
	}

	entry.Acknowledged = true
	entry.Stop()
	entry.timer = time.AfterFunc(deadline, entry.callback)
	return true
}

// Remove drops the entry for a token and stops its timer.
// Returns the removed entry, or nil.
func (t *RetransmitTable) Remove(token string) *RetransmitEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[token]
	if !ok {
		return nil
	}

	entry.Stop()
	delete(t.entries, token)
	return entry
}

// Count returns the number of entries still being retransmitted.
func (t *RetransmitTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, entry := range t.entries {
		if !entry.Acknowledged {
			n++
		}
	}
	return n
}

// Clear removes all entries. Used for shutdown.
func (t *RetransmitTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for token, entry := range t.entries {
		entry.Stop()
		delete(t.entries, token)
	}
}
