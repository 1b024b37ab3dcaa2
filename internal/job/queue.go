package job

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

var ErrAlreadyQueued = errors.New("job is already queued")

// queueItem is a non-owning queue entry; the job itself lives in the Store.
type queueItem struct {
	uid       string
	priority  int32
	createdAt int64
	seq       uint64
}

// queueHeap orders by priority ascending, then creation time ascending, with
// the push sequence as a final tiebreaker so FIFO holds inside one second.
type queueHeap []*queueItem

func (h queueHeap) Len() int { return len(h) }
func (h queueHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	if h[i].createdAt != h[j].createdAt {
		return h[i].createdAt < h[j].createdAt
	}
	return h[i].seq < h[j].seq
}
func (h queueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *queueHeap) Push(x any) { *h = append(*h, x.(*queueItem)) }
func (h *queueHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is the in-memory mirror of the store's queue table: a cache of jobs
// whose status is Queued, ordered by (priority, created_at). Producers are
// the submission paths; the single consumer is the scheduler, which blocks
// on Pop with a timeout so it can periodically re-evaluate capacity.
//
// Removal is lazy: dead heap entries are detected at pop time by comparing
// their push sequence against the member's live sequence, so a job removed
// and later re-pushed cannot be resurrected by its stale entry.
type Queue struct {
	mu      sync.Mutex
	items   queueHeap
	members map[string]uint64
	signal  chan struct{}
	seq     uint64
}

func NewQueue() *Queue {
	return &Queue{
		items:   make(queueHeap, 0),
		members: make(map[string]uint64),
		signal:  make(chan struct{}, 1),
	}
}

// Push inserts a queue entry for the given job. The job must already be
// persisted with status Queued; a duplicate reference is forbidden.
func (q *Queue) Push(j *Job) error {
	return q.push(j.UID, j.Priority, j.CreatedAt)
}

// PushRef inserts a queue entry from a persisted queue reference, used when
// rebuilding the mirror at startup.
func (q *Queue) PushRef(ref QueueRef, createdAt int64) error {
	return q.push(ref.JobUID, ref.Priority, createdAt)
}

func (q *Queue) push(uid string, priority int32, createdAt int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.members[uid]; ok {
		return ErrAlreadyQueued
	}

	item := &queueItem{uid: uid, priority: priority, createdAt: createdAt, seq: q.nextSeq()}
	q.members[uid] = item.seq
	heap.Push(&q.items, item)

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return nil
}

func (q *Queue) nextSeq() uint64 {
	q.seq++
	return q.seq
}

// Pop blocks until an entry is available or the timeout elapses, returning
// the head of the queue (lowest priority value, earliest creation). The
// second return is false when the queue stayed empty for the whole window.
func (q *Queue) Pop(timeout time.Duration) (string, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if uid, ok := q.tryPop(); ok {
			return uid, true
		}

		select {
		case <-q.signal:
		case <-deadline.C:
			return "", false
		}
	}
}

func (q *Queue) tryPop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() > 0 {
		item := heap.Pop(&q.items).(*queueItem)
		if liveSeq, ok := q.members[item.uid]; !ok || liveSeq != item.seq {
			continue
		}

		delete(q.members, item.uid)
		return item.uid, true
	}

	return "", false
}

// Remove marks the entry for the given job as dead; it is skipped when it
// reaches the head. Used by the external DELETE path for queued jobs.
func (q *Queue) Remove(uid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.members, uid)
}

// Contains reports whether the job has a live queue entry.
func (q *Queue) Contains(uid string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.members[uid]
	return ok
}

// Len reports the number of live queue entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.members)
}
