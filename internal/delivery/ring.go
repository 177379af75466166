package delivery

import (
	"hash/fnv"
	"time"
)

// HashRing remembers the last N content+time hashes. It catches duplicate
// submissions before they reach the ledger.
type HashRing struct {
	buf  []uint64
	seen map[uint64]int
	next int
	size int
}

func NewHashRing(capacity int) *HashRing {
	if capacity <= 0 {
		capacity = 100
	}
	return &HashRing{buf: make([]uint64, capacity), seen: make(map[uint64]int, capacity)}
}

// ContentHash keys a submission by its text and minute.
func ContentHash(content string, at time.Time) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(content))
	_, _ = h.Write([]byte("_" + at.Format("20060102_1504")))
	return h.Sum64()
}

func (r *HashRing) Contains(h uint64) bool {
	return r.seen[h] > 0
}

// Add records h and reports false if it was already present.
func (r *HashRing) Add(h uint64) bool {
	if r.Contains(h) {
		return false
	}
	if r.size == len(r.buf) {
		old := r.buf[r.next]
		if r.seen[old]--; r.seen[old] <= 0 {
			delete(r.seen, old)
		}
	} else {
		r.size++
	}
	r.buf[r.next] = h
	r.seen[h]++
	r.next = (r.next + 1) % len(r.buf)
	return true
}

func (r *HashRing) Len() int { return r.size }
