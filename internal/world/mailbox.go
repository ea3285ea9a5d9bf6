package world

import "sync"

// envelope is one mailbox entry: either a directed message or a freeze
// request carrying the channel the actor must answer on.
type envelope struct {
	msg    *Message
	freeze chan<- FreezeResponse
}

// mailbox is an unbounded FIFO queue with a signal-channel wakeup. Enqueue
// never blocks and never drops: senders are fire-and-forget, and the freeze
// protocol's drain argument needs "mailboxes only shrink after the cutover",
// which a bounded queue could not promise.
type mailbox struct {
	mu     sync.Mutex
	items  []envelope
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) put(e envelope) {
	m.mu.Lock()
	m.items = append(m.items, e)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// take blocks until an envelope is available and returns the oldest one.
// Single consumer: only the owning actor goroutine calls take.
func (m *mailbox) take() envelope {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			e := m.items[0]
			m.items[0] = envelope{}
			m.items = m.items[1:]
			if len(m.items) == 0 {
				m.items = nil
			}
			m.mu.Unlock()
			return e
		}
		m.mu.Unlock()
		<-m.signal
	}
}
