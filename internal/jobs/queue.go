// Package jobs is a cooperative timed-callback queue. Callbacks run on the
// goroutine that calls RunDue, never concurrently with each other.
package jobs

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// Job is a reusable handle for one timed callback. A Job is scheduled at
// most once: scheduling it again replaces the pending callback.
// The zero value is ready to use.
type Job struct {
	at    time.Time
	fn    func()
	seq   uint64
	index int // position in the heap, -1 when not scheduled

	// queue is read by Pending and At without the queue lock held.
	queue atomic.Pointer[Queue]
}

// Pending reports whether the job is waiting to run.
func (j *Job) Pending() bool {
	q := j.queue.Load()
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return j.index >= 0
}

// At returns the time the job is scheduled for. Only meaningful while
// Pending.
func (j *Job) At() time.Time {
	q := j.queue.Load()
	if q == nil {
		return time.Time{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return j.at
}

type Queue struct {
	mu   sync.Mutex
	jobs jobHeap
	seq  uint64
}

func New() *Queue {
	return &Queue{}
}

// Schedule arms job to call fn at the given time, replacing any earlier
// arming of the same job.
func (q *Queue) Schedule(job *Job, at time.Time, fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	prev := job.queue.Load()
	if prev != nil && prev != q {
		prev.Cancel(job)
	}
	if prev == q && job.index >= 0 {
		heap.Remove(&q.jobs, job.index)
	}

	q.seq++
	job.at = at
	job.fn = fn
	job.seq = q.seq
	job.queue.Store(q)
	heap.Push(&q.jobs, job)
}

// Cancel removes job if it is pending. It reports whether anything was
// removed.
func (q *Queue) Cancel(job *Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job.queue.Load() != q || job.index < 0 {
		return false
	}
	heap.Remove(&q.jobs, job.index)
	return true
}

// CancelAll drops every pending job.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		j.index = -1
	}
	q.jobs = nil
}

// Next returns the earliest scheduled time.
func (q *Queue) Next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return time.Time{}, false
	}
	return q.jobs[0].at, true
}

// Len returns the number of pending jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// RunDue runs every job whose time is not after now, earliest first.
// Jobs scheduled by callbacks for a time not after now run in the same call.
func (q *Queue) RunDue(now time.Time) int {
	ran := 0
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 || q.jobs[0].at.After(now) {
			q.mu.Unlock()
			return ran
		}
		job := heap.Pop(&q.jobs).(*Job)
		fn := job.fn
		q.mu.Unlock()

		if fn != nil {
			fn()
		}
		ran++
	}
}

type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	j := x.(*Job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}
