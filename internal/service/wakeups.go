package service

import (
	"cmp"
	"container/heap"
	"time"

	"github.com/LeventeLantos/scheduled-messaging/internal/model"
)

type wakeup struct {
	id        string
	fireAt    time.Time
	createdAt time.Time
	index     int
}

// wakeupQueue is a min-heap of armed records in dispatch order, indexed by id
// so that re-arming and disarming are O(log n). Not safe for concurrent use.
type wakeupQueue struct {
	items []*wakeup
	byID  map[string]*wakeup
}

func newWakeupQueue() *wakeupQueue {
	return &wakeupQueue{byID: make(map[string]*wakeup)}
}

func (q *wakeupQueue) Len() int { return len(q.items) }

func (q *wakeupQueue) Less(i, j int) bool {
	return compareWakeups(q.items[i], q.items[j]) < 0
}

func (q *wakeupQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *wakeupQueue) Push(x any) {
	w := x.(*wakeup)
	w.index = len(q.items)
	q.items = append(q.items, w)
}

func (q *wakeupQueue) Pop() any {
	old := q.items
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	w.index = -1
	return w
}

// arm inserts or moves the wake-up of m.
func (q *wakeupQueue) arm(m model.ScheduledMessage) {
	if w, ok := q.byID[m.ID]; ok {
		w.fireAt = m.FireAt
		w.createdAt = m.CreatedAt
		heap.Fix(q, w.index)
		return
	}
	w := &wakeup{id: m.ID, fireAt: m.FireAt, createdAt: m.CreatedAt}
	q.byID[m.ID] = w
	heap.Push(q, w)
}

func (q *wakeupQueue) disarm(id string) bool {
	w, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(q, w.index)
	delete(q.byID, id)
	return true
}

// popDue removes and returns up to limit wake-ups with fireAt <= now, in
// dispatch order. A non-positive limit means no limit.
func (q *wakeupQueue) popDue(now time.Time, limit int) []wakeup {
	var out []wakeup
	for q.Len() > 0 && (limit <= 0 || len(out) < limit) {
		next := q.items[0]
		if next.fireAt.After(now) {
			break
		}
		heap.Pop(q)
		delete(q.byID, next.id)
		out = append(out, *next)
	}
	return out
}

// compareWakeups orders by fireAt to the second, then createdAt, then id, the
// same order the store uses for due records.
func compareWakeups(a, b *wakeup) int {
	if c := a.fireAt.Truncate(time.Second).Compare(b.fireAt.Truncate(time.Second)); c != 0 {
		return c
	}
	if c := a.createdAt.Compare(b.createdAt); c != 0 {
		return c
	}
	return cmp.Compare(a.id, b.id)
}
