package channels

import "sync"

// outgoingEntry is one queued send, preserved in arrival order.
type outgoingEntry struct {
	jid  string
	text string
}

// OutgoingQueue is the per-channel FIFO used when SendMessage is called
// while disconnected, or when the underlying send throws. Flush replays the
// queue in arrival order; it is the caller's job to invoke Flush from
// Connect before accepting new traffic.
type OutgoingQueue struct {
	mu      sync.Mutex
	entries []outgoingEntry
}

// Push appends jid/text to the tail of the queue.
func (q *OutgoingQueue) Push(jid, text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, outgoingEntry{jid: jid, text: text})
}

// Flush drains the queue in FIFO order, calling send for each entry. If
// send returns an error the remaining entries (including the failed one)
// are put back at the head of the queue and Flush returns that error.
func (q *OutgoingQueue) Flush(send func(jid, text string) error) error {
	q.mu.Lock()
	pending := q.entries
	q.entries = nil
	q.mu.Unlock()

	for i, e := range pending {
		if err := send(e.jid, e.text); err != nil {
			q.mu.Lock()
			q.entries = append(append([]outgoingEntry{}, pending[i:]...), q.entries...)
			q.mu.Unlock()
			return err
		}
	}
	return nil
}

// Len reports the number of queued sends.
func (q *OutgoingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
