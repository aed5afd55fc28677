// Package searcher provides candidate queues shared by the index
// implementations.
package searcher

// Candidate pairs a storage slot with its distance to the query.
type Candidate struct {
	Slot     uint32
	Distance float32
}

// Queue is a value-based binary heap of candidates. A max-heap keeps the
// worst candidate on top, which makes it the natural shape for bounded top-k
// collection; a min-heap is used as the expansion frontier during beam
// search.
type Queue struct {
	max   bool
	items []Candidate
}

// NewMin creates a min-heap (closest candidate on top).
func NewMin() *Queue {
	return &Queue{items: make([]Candidate, 0, 16)}
}

// NewMax creates a max-heap (farthest candidate on top).
func NewMax() *Queue {
	return &Queue{max: true, items: make([]Candidate, 0, 16)}
}

// Len returns the number of queued candidates.
func (q *Queue) Len() int { return len(q.items) }

// Top returns the root candidate without removing it.
func (q *Queue) Top() (Candidate, bool) {
	if len(q.items) == 0 {
		return Candidate{}, false
	}
	return q.items[0], true
}

// Push inserts a candidate.
func (q *Queue) Push(c Candidate) {
	q.items = append(q.items, c)
	q.siftUp(len(q.items) - 1)
}

// PushBounded inserts a candidate into a heap capped at capacity. When full,
// the new candidate replaces the root only if it is better than the current
// worst; otherwise it is dropped.
func (q *Queue) PushBounded(c Candidate, capacity int) {
	if len(q.items) < capacity {
		q.Push(c)
		return
	}
	top := q.items[0]
	if q.max {
		if c.Distance < top.Distance {
			q.items[0] = c
			q.siftDown(0)
		}
		return
	}
	if c.Distance > top.Distance {
		q.items[0] = c
		q.siftDown(0)
	}
}

// Pop removes and returns the root candidate.
func (q *Queue) Pop() (Candidate, bool) {
	n := len(q.items)
	if n == 0 {
		return Candidate{}, false
	}
	c := q.items[0]
	q.items[0] = q.items[n-1]
	q.items = q.items[:n-1]
	if len(q.items) > 0 {
		q.siftDown(0)
	}
	return c, true
}

// Drain pops every candidate into a slice ordered best-first.
func (q *Queue) Drain() []Candidate {
	out := make([]Candidate, len(q.items))
	if q.max {
		// Max-heap pops worst-first; fill from the back.
		for i := len(out) - 1; i >= 0; i-- {
			out[i], _ = q.Pop()
		}
		return out
	}
	for i := range out {
		out[i], _ = q.Pop()
	}
	return out
}

// Reset clears the queue, keeping capacity.
func (q *Queue) Reset() {
	q.items = q.items[:0]
}

func (q *Queue) less(i, j int) bool {
	if q.max {
		return q.items[i].Distance > q.items[j].Distance
	}
	return q.items[i].Distance < q.items[j].Distance
}

func (q *Queue) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !q.less(i, parent) {
			break
		}
		q.items[i], q.items[parent] = q.items[parent], q.items[i]
		i = parent
	}
}

func (q *Queue) siftDown(i int) {
	n := len(q.items)
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		child := left
		if right := left + 1; right < n && q.less(right, left) {
			child = right
		}
		if !q.less(child, i) {
			break
		}
		q.items[i], q.items[child] = q.items[child], q.items[i]
		i = child
	}
}
