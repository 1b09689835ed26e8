package predict

import "container/heap"

// Priority orders prediction tasks. Lower values are served first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

// String returns the human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// task is one queued phrase generation.
type task struct {
	key      string
	text     string
	priority Priority
	seq      uint64 // FIFO tiebreak within a priority
}

// taskQueue is a priority heap of pending generations. Not safe for
// concurrent use; the generator serialises access under its mutex.
type taskQueue struct {
	items []*task
}

var _ heap.Interface = (*taskQueue)(nil)

func (q *taskQueue) Len() int { return len(q.items) }

func (q *taskQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

func (q *taskQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
}

func (q *taskQueue) Push(x any) {
	q.items = append(q.items, x.(*task))
}

func (q *taskQueue) Pop() any {
	old := q.items
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return t
}
