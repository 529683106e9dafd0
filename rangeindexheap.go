package mcap

// This file backs the Indexed reader's (C8) k-way merge: a heap.Interface
// implementation ordering chunkCursors by their next unread message's
// logTime, ties broken by chunkStartOffset. Grounded on the teacher's
// range_index_heap.go, adapted to hold one entry per chunk cursor rather
// than mixing chunk-level and message-level entries in a single heap.
type cursorHeap struct {
	cursors []*chunkCursor
	reverse bool
}

func (h cursorHeap) Len() int { return len(h.cursors) }

func (h cursorHeap) Less(i, j int) bool {
	a, b := h.cursors[i], h.cursors[j]
	at, bt := a.peekTimestamp(), b.peekTimestamp()
	if at != bt {
		if h.reverse {
			return at > bt
		}
		return at < bt
	}
	return a.idx.ChunkStartOffset < b.idx.ChunkStartOffset
}

func (h cursorHeap) Swap(i, j int) { h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i] }

func (h *cursorHeap) Push(x interface{}) {
	h.cursors = append(h.cursors, x.(*chunkCursor))
}

func (h *cursorHeap) Pop() interface{} {
	old := h.cursors
	n := len(old)
	x := old[n-1]
	h.cursors = old[:n-1]
	return x
}
