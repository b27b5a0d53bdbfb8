package vidplane

import "sync"

// noFrame marks an empty mailbox slot.
const noFrame = -1

// frameMailbox hands decoded output buffers from the drain goroutine to
// the consumer. It holds at most one pending frame: a newer Publish
// replaces an unobserved one, whose buffer goes straight back to the
// drain. Buffers the consumer has moved past are parked until the drain
// re-queues them, so the drain is the only goroutine that queues output
// buffers.
type frameMailbox struct {
	mu      sync.Mutex
	next    int
	current int
	retired []int
	drops   int
}

func newFrameMailbox() *frameMailbox {
	return &frameMailbox{next: noFrame, current: noFrame}
}

// Publish makes buffer id the pending frame. If an unobserved frame was
// pending it is returned as dropped and must be re-queued by the caller.
func (m *frameMailbox) Publish(id int) (dropped int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped, ok = m.next, m.next != noFrame
	if ok {
		m.drops++
	}
	m.next = id
	return dropped, ok
}

// Advance makes the pending frame current and retires the previous
// current frame. It reports false when nothing new was published, along
// with the frame still current.
func (m *frameMailbox) Advance() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.next == noFrame {
		return m.current, false
	}
	if m.current != noFrame {
		m.retired = append(m.retired, m.current)
	}
	m.current, m.next = m.next, noFrame
	return m.current, true
}

// TakeRetired appends the retired buffers to dst and empties the list.
func (m *frameMailbox) TakeRetired(dst []int) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	dst = append(dst, m.retired...)
	m.retired = m.retired[:0]
	return dst
}

// Drops returns how many published frames were never observed.
func (m *frameMailbox) Drops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drops
}

// Reset empties the mailbox and keeps the drop count. The caller owns
// every buffer it held.
func (m *frameMailbox) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next, m.current = noFrame, noFrame
	m.retired = m.retired[:0]
}
