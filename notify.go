package commentsync

import "sync"

// notifier delivers values over a bounded channel without ever blocking the
// sender. When the buffer is full the oldest undelivered value is dropped,
// so a slow reader always catches up to the most recent value.
type notifier[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
}

func newNotifier[T any](size int) *notifier[T] {
	if size < 1 {
		size = 1
	}
	return &notifier[T]{ch: make(chan T, size)}
}

// send enqueues v. It reports whether an older value had to be dropped.
func (n *notifier[T]) send(v T) (dropped bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	for {
		select {
		case n.ch <- v:
			return dropped
		default:
		}
		select {
		case <-n.ch:
			dropped = true
		default:
		}
	}
}

func (n *notifier[T]) C() <-chan T { return n.ch }

// close closes the channel. Values already buffered can still be received.
func (n *notifier[T]) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	close(n.ch)
}
