package channel

import (
	"sync"

	"github.com/ahrav/livesync/internal/domain/realtime"
)

// StateListener observes connection state changes. Listeners run on a
// dedicated goroutine, one change at a time, in the order the changes
// happened, so they may call back into the Client.
type StateListener func(from, to realtime.ConnectionState)

type stateChange struct {
	from, to realtime.ConnectionState
}

type listenerEntry struct {
	id uint64
	fn StateListener
}

// notifier queues state changes and delivers them to listeners.
type notifier struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []stateChange
	listeners []listenerEntry
	nextID    uint64
	closed    bool
}

func newNotifier() *notifier {
	n := new(notifier)
	n.cond = sync.NewCond(&n.mu)
	go n.run()
	return n
}

func (n *notifier) subscribe(fn StateListener) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	n.listeners = append(n.listeners, listenerEntry{id: id, fn: fn})

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, l := range n.listeners {
			if l.id == id {
				n.listeners = append(n.listeners[:i:i], n.listeners[i+1:]...)
				return
			}
		}
	}
}

func (n *notifier) enqueue(c stateChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.queue = append(n.queue, c)
	n.cond.Signal()
}

func (n *notifier) run() {
	for {
		n.mu.Lock()
		for len(n.queue) == 0 && !n.closed {
			n.cond.Wait()
		}
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		c := n.queue[0]
		n.queue = n.queue[1:]
		listeners := append([]listenerEntry(nil), n.listeners...)
		n.mu.Unlock()

		for _, l := range listeners {
			l.fn(c.from, c.to)
		}
	}
}

// close stops accepting changes. Changes already queued are still delivered.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.cond.Broadcast()
	n.mu.Unlock()
}
