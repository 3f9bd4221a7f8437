package memory

import (
	"fmt"
	"strings"
	"sync"

	"github.com/convomesh/convomesh/core"
)

// DefaultLogCapacity bounds a MessageLog when no capacity is configured.
const DefaultLogCapacity = 20

// MessageLog is the size-bounded, ordered store of the active conversation's
// turns. Once full, the oldest entry is evicted on append (FIFO). Exactly one
// MessageLog exists per active session; the session registry owns that
// mapping.
type MessageLog struct {
	mu       sync.RWMutex
	capacity int
	msgs     []core.Message
}

// NewMessageLog creates a log bounded to capacity entries. Non-positive
// capacity falls back to DefaultLogCapacity.
func NewMessageLog(capacity int) *MessageLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &MessageLog{capacity: capacity}
}

// Append validates and stores a message, evicting the oldest entry when the
// log is at capacity. Messages are immutable once appended.
func (l *MessageLog) Append(msg core.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.msgs) >= l.capacity {
		l.msgs = l.msgs[len(l.msgs)-l.capacity+1:]
	}
	l.msgs = append(l.msgs, msg)
	return nil
}

// Recent returns the last n messages in chronological order. n larger than
// the log returns everything.
func (l *MessageLog) Recent(n int) []core.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 {
		return nil
	}
	if n > len(l.msgs) {
		n = len(l.msgs)
	}
	out := make([]core.Message, n)
	copy(out, l.msgs[len(l.msgs)-n:])
	return out
}

// All returns a defensive copy of the full log in chronological order.
func (l *MessageLog) All() []core.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]core.Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Len returns the number of stored messages.
func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.msgs)
}

// Clear removes all messages.
func (l *MessageLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = nil
}

// Restore replaces the log contents with a previously captured snapshot.
// The coordinator uses this to roll a session back to its pre-turn state
// when a turn is cancelled mid-flight.
func (l *MessageLog) Restore(snapshot []core.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = make([]core.Message, len(snapshot))
	copy(l.msgs, snapshot)
}

// RenderContext concatenates role-tagged entries in chronological order for
// backend consumption.
func (l *MessageLog) RenderContext() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var b strings.Builder
	for i, msg := range l.msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s] %s", msg.Role, msg.Content)
	}
	return b.String()
}
