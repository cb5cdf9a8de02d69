package sched

import "container/heap"

// readyQueue orders records by (priority desc, scheduled time asc, seq
// asc). The seq tie-break keeps submission order FIFO for equal
// priorities and times.
type readyQueue []*record

var _ heap.Interface = (*readyQueue)(nil)

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if !a.task.ScheduledAt.Equal(b.task.ScheduledAt) {
		return a.task.ScheduledAt.Before(b.task.ScheduledAt)
	}
	return a.seq < b.seq
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
}

func (q *readyQueue) Push(x any) {
	*q = append(*q, x.(*record))
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return rec
}
