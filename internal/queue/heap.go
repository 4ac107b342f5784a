package queue

import "fleetd/internal/job"

// readyItem is one QUEUED job in the ready ordering.
type readyItem struct {
	j     *job.Job
	seq   uint64 // insertion order, FIFO within equal priority
	index int
}

// readyHeap orders by priority descending, then enqueue order.
// Implements container/heap.Interface; callers go through heap.Push etc.
type readyHeap []*readyItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(a, b int) bool {
	if h[a].j.Priority != h[b].j.Priority {
		return h[a].j.Priority > h[b].j.Priority
	}
	return h[a].seq < h[b].seq
}

func (h readyHeap) Swap(a, b int) {
	h[a], h[b] = h[b], h[a]
	h[a].index = a
	h[b].index = b
}

func (h *readyHeap) Push(x any) {
	it := x.(*readyItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
