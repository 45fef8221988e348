package output

import (
	"github.com/openvlbi/correlator/internal/correlator"
)

// node is one element of the ordered timeslice list.
type node struct {
	ts   *correlator.TimesliceData
	next *node
}

// ReorderBuffer collects timeslices arriving out of order from the
// correlator workers and releases them in canonical (integration, channel)
// order. A timeslice becomes releasable once every channel of its
// integration has arrived; when the buffer overflows its capacity the
// oldest entries are released anyway, trading strict ordering for bounded
// memory on a stalled worker.
type ReorderBuffer struct {
	channelsPerIntegration int
	capacity               int

	head *node
	size int

	// releasing is the integration currently being drained after it was
	// found complete, or -1. next is the lowest integration index that has
	// not been released yet; later integrations wait for it.
	releasing int
	next      int
}

// NewReorderBuffer sizes the buffer. channelsPerIntegration is the number
// of timeslices that make one integration complete.
func NewReorderBuffer(channelsPerIntegration, capacity int) *ReorderBuffer {
	if capacity < channelsPerIntegration {
		capacity = channelsPerIntegration
	}
	return &ReorderBuffer{
		channelsPerIntegration: channelsPerIntegration,
		capacity:               capacity,
		releasing:              -1,
	}
}

func sliceLess(a, b *correlator.TimesliceData) bool {
	if a.IntegrationIndex != b.IntegrationIndex {
		return a.IntegrationIndex < b.IntegrationIndex
	}
	return a.ChannelNr < b.ChannelNr
}

// Insert adds a timeslice in order.
func (rb *ReorderBuffer) Insert(ts *correlator.TimesliceData) {
	n := &node{ts: ts}
	if rb.head == nil || sliceLess(ts, rb.head.ts) {
		n.next = rb.head
		rb.head = n
		rb.size++
		return
	}
	cur := rb.head
	for cur.next != nil && sliceLess(cur.next.ts, ts) {
		cur = cur.next
	}
	n.next = cur.next
	cur.next = n
	rb.size++
}

// Size returns the number of buffered timeslices.
func (rb *ReorderBuffer) Size() int { return rb.size }

// Ready pops the next timeslice if its integration is complete at the head
// of the buffer, or if the buffer has grown past its capacity.
func (rb *ReorderBuffer) Ready() *correlator.TimesliceData {
	if rb.head == nil {
		return nil
	}
	idx := rb.head.ts.IntegrationIndex
	if idx == rb.releasing {
		return rb.pop()
	}
	if rb.size > rb.capacity {
		// A stalled worker left a gap; give up waiting on it.
		rb.releasing = idx
		rb.next = idx + 1
		return rb.pop()
	}
	if idx != rb.next {
		return nil // an earlier integration is still outstanding
	}

	// The head integration is complete when its first channelsPerIntegration
	// entries all belong to it.
	count := 0
	for cur := rb.head; cur != nil && cur.ts.IntegrationIndex == idx; cur = cur.next {
		count++
	}
	if count >= rb.channelsPerIntegration {
		rb.releasing = idx
		rb.next = idx + 1
		return rb.pop()
	}
	return nil
}

// Drain pops the next timeslice unconditionally; used at end of stream.
func (rb *ReorderBuffer) Drain() *correlator.TimesliceData {
	return rb.pop()
}

func (rb *ReorderBuffer) pop() *correlator.TimesliceData {
	if rb.head == nil {
		return nil
	}
	ts := rb.head.ts
	rb.head = rb.head.next
	rb.size--
	return ts
}
