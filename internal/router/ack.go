package router

import (
	"container/heap"
	"sync"
	"time"

	"github.com/bconhub/hub/internal/registry"
)

// pendingAck is one outstanding requiresAck request awaiting a command_result
// from the adapter it was routed to.
type pendingAck struct {
	messageID    string
	sourceConnID registry.ConnID
	deadline     time.Time
	index        int
}

// ackHeap is a container/heap min-heap ordered by deadline, so the
// supervisor's sweep can pop expired entries in O(log n) instead of
// scanning the whole table every tick.
type ackHeap []*pendingAck

func (h ackHeap) Len() int            { return len(h) }
func (h ackHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h ackHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *ackHeap) Push(x interface{}) {
	item := x.(*pendingAck)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *ackHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// ackTable is the pending-ack table keyed by outgoing messageId.
type ackTable struct {
	mu   sync.Mutex
	byID map[string]*pendingAck
	heap ackHeap
}

func newAckTable() *ackTable {
	t := &ackTable{byID: make(map[string]*pendingAck)}
	heap.Init(&t.heap)
	return t
}

// add registers a new pending ack, to be resolved by a matching
// command_result or reaped by sweepExpired once deadline passes.
func (t *ackTable) add(messageID string, sourceConnID registry.ConnID, deadline time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pa := &pendingAck{messageID: messageID, sourceConnID: sourceConnID, deadline: deadline}
	t.byID[messageID] = pa
	heap.Push(&t.heap, pa)
}

// resolve removes and returns the source connection for replyTo, if a
// pending entry for it still exists.
func (t *ackTable) resolve(replyTo string) (registry.ConnID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pa, ok := t.byID[replyTo]
	if !ok {
		return 0, false
	}
	delete(t.byID, replyTo)
	if pa.index >= 0 {
		heap.Remove(&t.heap, pa.index)
	}
	return pa.sourceConnID, true
}

// sweepExpired pops every entry whose deadline has passed as of now and
// returns them for the caller to turn into ack_timeout errors.
func (t *ackTable) sweepExpired(now time.Time) []*pendingAck {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*pendingAck
	for len(t.heap) > 0 && !t.heap[0].deadline.After(now) {
		pa := heap.Pop(&t.heap).(*pendingAck)
		delete(t.byID, pa.messageID)
		out = append(out, pa)
	}
	return out
}

// len reports the number of outstanding pending acks, for metrics.
func (t *ackTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
