package session

import (
	"sync"

	"github.com/bconhub/hub/internal/envelope"
)

// outbox is the session's bounded outbound queue. A mutex guards the
// drop-oldest pop-then-push sequence, since a plain buffered channel has
// no atomic "evict and retry" operation and multiple router goroutines may
// push to the same destination concurrently during a broadcast.
type outbox struct {
	mu    sync.Mutex
	ch    chan envelope.Envelope
	fatal bool // true for adapter sessions: overflow is a fatal condition, not a drop
}

func newOutbox(size int, fatalOnOverflow bool) *outbox {
	return &outbox{
		ch:    make(chan envelope.Envelope, size),
		fatal: fatalOnOverflow,
	}
}

// push enqueues env. It returns true if the caller should treat this as a
// fatal overflow (adapter session whose queue is already full); otherwise
// it always succeeds, dropping the oldest queued envelope first if
// necessary.
func (o *outbox) push(env envelope.Envelope) (fatalOverflow bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	select {
	case o.ch <- env:
		return false
	default:
	}

	if o.fatal {
		return true
	}

	// drop-oldest: make room for the new envelope by discarding the head
	// of the queue, then retry the enqueue.
	select {
	case <-o.ch:
	default:
	}
	select {
	case o.ch <- env:
	default:
	}
	return false
}
