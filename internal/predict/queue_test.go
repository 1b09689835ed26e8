package predict

import (
	"container/heap"
	"testing"
)

func TestTaskQueue_PriorityThenFIFO(t *testing.T) {
	var q taskQueue
	heap.Push(&q, &task{text: "low-1", priority: PriorityLow, seq: 1})
	heap.Push(&q, &task{text: "high-1", priority: PriorityHigh, seq: 2})
	heap.Push(&q, &task{text: "med-1", priority: PriorityMedium, seq: 3})
	heap.Push(&q, &task{text: "high-2", priority: PriorityHigh, seq: 4})

	want := []string{"high-1", "high-2", "med-1", "low-1"}
	for i, w := range want {
		got := heap.Pop(&q).(*task)
		if got.text != w {
			t.Errorf("pop %d = %q, want %q", i, got.text, w)
		}
	}
	if q.Len() != 0 {
		t.Errorf("queue length = %d after draining, want 0", q.Len())
	}
}

func TestPriority_String(t *testing.T) {
	if PriorityHigh.String() != "high" || PriorityLow.String() != "low" {
		t.Errorf("priority names = %s/%s", PriorityHigh, PriorityLow)
	}
}
