package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/choreo/job"
	"github.com/xraph/choreo/worker"
)

// volatileQueue is the in-memory timer queue for jobs that are never
// persisted. Jobs are ordered by RunAt; ties keep insertion order.
type volatileQueue struct {
	executor    *worker.Executor
	concurrency int
	logger      *slog.Logger

	mu    sync.Mutex
	items jobHeap
	byID  map[string]*item
	seq   uint64

	wake   chan struct{}
	slots  chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ worker.Requeuer = (*volatileQueue)(nil)

func newVolatileQueue(executor *worker.Executor, concurrency int, logger *slog.Logger) *volatileQueue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &volatileQueue{
		executor:    executor,
		concurrency: concurrency,
		logger:      logger,
		byID:        make(map[string]*item),
		wake:        make(chan struct{}, 1),
		slots:       make(chan struct{}, concurrency),
		stopCh:      make(chan struct{}),
	}
}

// Requeue puts a retried job back on the queue.
func (q *volatileQueue) Requeue(j *job.Job) { q.push(j) }

func (q *volatileQueue) push(j *job.Job) {
	q.mu.Lock()
	q.seq++
	it := &item{job: j, seq: q.seq}
	heap.Push(&q.items, it)
	q.byID[j.ID.String()] = it
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// cancel removes a queued job and reports whether it was there.
func (q *volatileQueue) cancel(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[jobID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, it.index)
	delete(q.byID, jobID)
	return true
}

func (q *volatileQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// popDue removes and returns the earliest due job, or the time until the
// next one. An empty queue waits for a push.
func (q *volatileQueue) popDue(now time.Time) (*job.Job, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil, -1
	}
	head := q.items[0]
	if wait := head.job.RunAt.Sub(now); wait > 0 {
		return nil, wait
	}
	heap.Pop(&q.items)
	delete(q.byID, head.job.ID.String())
	return head.job, 0
}

func (q *volatileQueue) start() {
	q.wg.Add(1)
	go q.loop()
}

func (q *volatileQueue) stop() {
	close(q.stopCh)
	q.wg.Wait()
}

func (q *volatileQueue) loop() {
	defer q.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		j, wait := q.popDue(time.Now().UTC())
		if j != nil {
			select {
			case q.slots <- struct{}{}:
			case <-q.stopCh:
				return
			}
			q.wg.Add(1)
			go func() {
				defer q.wg.Done()
				defer func() { <-q.slots }()
				if _, err := q.executor.Execute(context.Background(), j); err != nil {
					q.logger.Debug("volatile job failed",
						slog.String("job_id", j.ID.String()),
						slog.String("job_type", string(j.Details.Type)),
						slog.String("error", err.Error()),
					)
				}
			}()
			continue
		}

		var timeout <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			timeout = timer.C
		}
		select {
		case <-q.stopCh:
			return
		case <-q.wake:
		case <-timeout:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// ──────────────────────────────────────────────────
// Heap
// ──────────────────────────────────────────────────

type item struct {
	job   *job.Job
	seq   uint64
	index int
}

type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, k int) bool {
	if !h[i].job.RunAt.Equal(h[k].job.RunAt) {
		return h[i].job.RunAt.Before(h[k].job.RunAt)
	}
	return h[i].seq < h[k].seq
}

func (h jobHeap) Swap(i, k int) {
	h[i], h[k] = h[k], h[i]
	h[i].index = i
	h[k].index = k
}

func (h *jobHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
