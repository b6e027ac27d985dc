package scheduler

import (
	"container/list"
	"context"
	"sync/atomic"

	"github.com/sharma-sourabh3435/buildfarm/internal/models"
)

// JobFilter decides whether an agent takes a job. It may perform a round trip to the agent.
type JobFilter func(task models.BuildTask) (bool, error)

// JobQueue is the shared queue of jobs waiting for an agent. Consumers scan it in insertion
// order and take the first job their filter accepts.
type JobQueue struct {
	// lock is the queue monitor. A channel lets waiters give up when their context ends.
	lock chan struct{}
	jobs *list.List
	// wake is closed and replaced whenever jobs are added
	wake chan struct{}
	// size mirrors jobs.Len() so it can be read without the lock
	size atomic.Int64
}

// NewJobQueue creates an empty queue
func NewJobQueue() *JobQueue {
	return &JobQueue{
		lock: make(chan struct{}, 1),
		jobs: list.New(),
		wake: make(chan struct{}),
	}
}

func (q *JobQueue) acquire(ctx context.Context) error {
	select {
	case q.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *JobQueue) release() {
	<-q.lock
}

// Add appends jobs as one batch and wakes every waiting consumer. Nothing is added when
// ctx ends before the queue can be locked.
func (q *JobQueue) Add(ctx context.Context, jobs ...*RunnableJob) error {
	if err := q.acquire(ctx); err != nil {
		return err
	}
	defer q.release()

	for _, job := range jobs {
		q.jobs.PushBack(job)
	}
	q.size.Store(int64(q.jobs.Len()))
	close(q.wake)
	q.wake = make(chan struct{})
	return nil
}

// AcceptJob blocks until a queued job passes filter, removes it and returns it. The filter
// runs while the queue is locked, so at most one consumer evaluates jobs at a time. A
// filter error or the end of ctx returns without removing anything.
func (q *JobQueue) AcceptJob(ctx context.Context, filter JobFilter) (*RunnableJob, error) {
	for {
		if err := q.acquire(ctx); err != nil {
			return nil, err
		}

		for e := q.jobs.Front(); e != nil; e = e.Next() {
			job := e.Value.(*RunnableJob)
			ok, err := filter(job.Task())
			if err != nil {
				q.release()
				return nil, err
			}
			if ok {
				q.jobs.Remove(e)
				q.size.Store(int64(q.jobs.Len()))
				q.release()
				return job, nil
			}
		}

		wake := q.wake
		q.release()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Remove takes every queued job matching match out of the queue and returns them
func (q *JobQueue) Remove(ctx context.Context, match func(*RunnableJob) bool) ([]*RunnableJob, error) {
	if err := q.acquire(ctx); err != nil {
		return nil, err
	}
	defer q.release()

	var removed []*RunnableJob
	for e := q.jobs.Front(); e != nil; {
		next := e.Next()
		if job := e.Value.(*RunnableJob); match(job) {
			q.jobs.Remove(e)
			removed = append(removed, job)
		}
		e = next
	}
	q.size.Store(int64(q.jobs.Len()))
	return removed, nil
}

// Len returns the number of queued jobs. It does not wait for a consumer holding the queue.
func (q *JobQueue) Len() int {
	return int(q.size.Load())
}
