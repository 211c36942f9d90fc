package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
)

var (
	ErrQueueFull   = errors.New("dispatch queue full")
	ErrQueueClosed = errors.New("dispatch queue closed")
)

// DispatchQueue accepts jobs without waiting on any provider.
type DispatchQueue interface {
	Enqueue(ctx context.Context, job domain.Job) (domain.JobHandle, error)
}

// JobSource hands jobs to workers, blocking until one is available.
type JobSource interface {
	Next(ctx context.Context) (domain.Job, error)
}

// elevatedBurst bounds how many elevated jobs Next serves in a row while normal jobs wait.
const elevatedBurst = 8

// MemoryQueue is a bounded in-process queue with an elevated lane for high and
// urgent jobs.
type MemoryQueue struct {
	elevated chan domain.Job
	normal   chan domain.Job

	mu       sync.RWMutex
	closed   bool
	closedCh chan struct{}

	streak atomic.Int32
	now    func() time.Time
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{
		elevated: make(chan domain.Job, size),
		normal:   make(chan domain.Job, size),
		closedCh: make(chan struct{}),
		now:      time.Now,
	}
}

// Enqueue buffers job or fails immediately with ErrQueueFull.
func (q *MemoryQueue) Enqueue(ctx context.Context, job domain.Job) (domain.JobHandle, error) {
	if err := ctx.Err(); err != nil {
		return domain.JobHandle{}, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return domain.JobHandle{}, ErrQueueClosed
	}
	lane, laneName := q.normal, "normal"
	if job.Priority.Elevated() {
		lane, laneName = q.elevated, "elevated"
	}
	select {
	case lane <- job:
		queueDepthGauge.WithLabelValues(laneName).Inc()
		jobsEnqueuedCounter.WithLabelValues("memory", "ok").Inc()
		return domain.JobHandle{ID: job.ID(), JobName: job.JobName, EnqueuedAt: q.now().UTC()}, nil
	default:
		jobsEnqueuedCounter.WithLabelValues("memory", "full").Inc()
		return domain.JobHandle{}, ErrQueueFull
	}
}

// Next returns the next job, preferring the elevated lane. After elevatedBurst
// elevated jobs in a row a waiting normal job goes first.
func (q *MemoryQueue) Next(ctx context.Context) (domain.Job, error) {
	first, second := q.elevated, q.normal
	if q.streak.Load() >= elevatedBurst {
		first, second = q.normal, q.elevated
	}
	for _, lane := range []chan domain.Job{first, second} {
		select {
		case job := <-lane:
			return q.taken(job), nil
		default:
		}
	}
	select {
	case job := <-q.elevated:
		return q.taken(job), nil
	case job := <-q.normal:
		return q.taken(job), nil
	case <-ctx.Done():
		return domain.Job{}, ctx.Err()
	case <-q.closedCh:
		return domain.Job{}, ErrQueueClosed
	}
}

func (q *MemoryQueue) taken(job domain.Job) domain.Job {
	if job.Priority.Elevated() {
		q.streak.Add(1)
		queueDepthGauge.WithLabelValues("elevated").Dec()
	} else {
		q.streak.Store(0)
		queueDepthGauge.WithLabelValues("normal").Dec()
	}
	return job
}

// Len reports the number of buffered jobs.
func (q *MemoryQueue) Len() int {
	return len(q.elevated) + len(q.normal)
}

// Close stops intake and wakes blocked consumers once the buffer is empty.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.closedCh)
}
