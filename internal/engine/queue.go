package engine

import (
	"container/list"
	"math"
	"sort"
)

// retryKeyBase puts every retry key below every fresh key.
const retryKeyBase = math.MinInt64 / 2

// Queue is the ordered sequence of pending tasks.
//
// Admission appends at the back. Retries go to the front, behind any retry
// already waiting there, so retried work keeps its relative order.
//
// Tasks are kept in one lane per plan. Each task carries an order key and
// the queue head is the lane front with the smallest key, so finding the
// first task of an eligible plan looks at one task per plan instead of
// scanning the queue.
//
// Queue is not safe for concurrent use; the Service mutex guards it.
type Queue struct {
	lanes     map[string]*lane
	n         int
	nextFresh int64
	nextRetry int64
}

type lane struct {
	l *list.List
	// retryTail is the last element of the contiguous run of retried tasks at the front.
	retryTail *list.Element
}

func NewQueue() *Queue {
	return &Queue{lanes: make(map[string]*lane)}
}

func (q *Queue) Len() int { return q.n }

func (q *Queue) lane(plan string) *lane {
	ln, ok := q.lanes[plan]
	if !ok {
		ln = &lane{l: list.New()}
		q.lanes[plan] = ln
	}
	return ln
}

// PushBack appends t at the tail (normal admission).
func (q *Queue) PushBack(t *Task) {
	t.qkey = q.nextFresh
	q.nextFresh++
	q.lane(t.Plan).l.PushBack(t)
	q.n++
}

// PushRetry inserts t at the head, after earlier retries that are still queued.
func (q *Queue) PushRetry(t *Task) {
	t.qkey = retryKeyBase + q.nextRetry
	q.nextRetry++
	ln := q.lane(t.Plan)
	if ln.retryTail == nil {
		ln.retryTail = ln.l.PushFront(t)
	} else {
		ln.retryTail = ln.l.InsertAfter(t, ln.retryTail)
	}
	q.n++
}

// First returns the earliest queued task among the plans for which
// eligible (nil means any) accepts the plan's first task. The task stays
// queued; take it with PopPlan.
func (q *Queue) First(eligible func(t *Task) bool) *Task {
	var best *Task
	for _, ln := range q.lanes {
		e := ln.l.Front()
		if e == nil {
			continue
		}
		t := e.Value.(*Task)
		if best != nil && t.qkey >= best.qkey {
			continue
		}
		if eligible == nil || eligible(t) {
			best = t
		}
	}
	return best
}

// PopPlan removes and returns the first queued task of plan, or nil.
func (q *Queue) PopPlan(plan string) *Task {
	ln, ok := q.lanes[plan]
	if !ok {
		return nil
	}
	e := ln.l.Front()
	if e == nil {
		return nil
	}
	if e == ln.retryTail {
		ln.retryTail = nil
	}
	q.n--
	return ln.l.Remove(e).(*Task)
}

// PopFront removes and returns the head, or nil when the queue is empty.
// An empty queue is a normal condition, not an error.
func (q *Queue) PopFront() *Task {
	t := q.First(nil)
	if t == nil {
		return nil
	}
	return q.PopPlan(t.Plan)
}

// Each calls fn for every queued task from head to tail until fn returns false.
func (q *Queue) Each(fn func(t *Task) bool) {
	all := make([]*Task, 0, q.n)
	for _, ln := range q.lanes {
		for e := ln.l.Front(); e != nil; e = e.Next() {
			all = append(all, e.Value.(*Task))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].qkey < all[j].qkey })
	for _, t := range all {
		if !fn(t) {
			return
		}
	}
}
