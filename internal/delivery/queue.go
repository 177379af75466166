package delivery

import (
	"container/heap"
	"time"
)

// Queue is a bounded priority queue of pending requests. Higher priority
// pops first; ties go to the earlier scheduled time, then admission order.
// It is not safe for concurrent use.
type Queue struct {
	items    reqHeap
	byID     map[string]*entry
	capacity int
	seq      uint64
}

type entry struct {
	req   *Request
	seq   uint64
	index int
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 100
	}
	return &Queue{byID: make(map[string]*entry), capacity: capacity}
}

func (q *Queue) Len() int { return len(q.items) }

// Push admits r. When the queue is full the lowest-ranked pending request is
// evicted and returned; if r ranks below everything queued, ErrCapacity.
func (q *Queue) Push(r *Request) (evicted *Request, err error) {
	q.seq++
	e := &entry{req: r, seq: q.seq}
	if len(q.items) >= q.capacity {
		low := q.lowest()
		if !ranksBefore(e, low) {
			return nil, ErrCapacity
		}
		heap.Remove(&q.items, low.index)
		delete(q.byID, low.req.ID)
		evicted = low.req
	}
	heap.Push(&q.items, e)
	q.byID[r.ID] = e
	return evicted, nil
}

func (q *Queue) lowest() *entry {
	var low *entry
	for _, e := range q.items {
		if low == nil || ranksBefore(low, e) {
			low = e
		}
	}
	return low
}

// PopDue removes and returns every request due at now, in dispatch order.
func (q *Queue) PopDue(now time.Time) []*Request {
	var due, later []*entry
	for q.items.Len() > 0 {
		e := heap.Pop(&q.items).(*entry)
		if e.req.Due(now) {
			due = append(due, e)
			delete(q.byID, e.req.ID)
		} else {
			later = append(later, e)
		}
	}
	for _, e := range later {
		heap.Push(&q.items, e)
	}
	out := make([]*Request, len(due))
	for i, e := range due {
		out[i] = e.req
	}
	return out
}

func (q *Queue) Remove(id string) (*Request, bool) {
	e, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	heap.Remove(&q.items, e.index)
	delete(q.byID, id)
	return e.req, true
}

func (q *Queue) Get(id string) (*Request, bool) {
	e, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	return e.req, true
}

func ranksBefore(a, b *entry) bool {
	if a.req.Priority != b.req.Priority {
		return a.req.Priority > b.req.Priority
	}
	if !a.req.ScheduledTime.Equal(b.req.ScheduledTime) {
		return a.req.ScheduledTime.Before(b.req.ScheduledTime)
	}
	return a.seq < b.seq
}

type reqHeap []*entry

func (h reqHeap) Len() int           { return len(h) }
func (h reqHeap) Less(i, j int) bool { return ranksBefore(h[i], h[j]) }
func (h reqHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *reqHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *reqHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
