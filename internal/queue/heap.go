package queue

// itemHeap orders work items by next eligible attempt; ties keep creation order.
type itemHeap []*WorkItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].NextAttemptAt.Equal(h[j].NextAttemptAt) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].NextAttemptAt.Before(h[j].NextAttemptAt)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*WorkItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
