package rpc

import (
	"github.com/spirit-labs/proxyrpc/errors"
	log "github.com/spirit-labs/proxyrpc/logger"
	"github.com/spirit-labs/proxyrpc/threadpool"
	"github.com/spirit-labs/proxyrpc/timer"
	"sync"
	"time"
)

// RetryTask is a scheduled retry of an invocation. Whoever removes it from the queue first, the timer firing,
// a cancellation or the queue being destroyed, acts on it.
type RetryTask struct {
	queue *RetryQueue
	out   *OutgoingAsync
}

func (t *RetryTask) RunTimerTask() {
	if !t.queue.remove(t) {
		return
	}
	if err := t.queue.pool.Dispatch(t.out.retry); err != nil {
		t.out.complete(nil, err)
	}
}

func (t *RetryTask) DestroyTimerTask() {
	if t.queue.remove(t) {
		t.out.complete(nil, errors.NewCommunicatorDestroyedError())
	}
}

// RetryQueue schedules invocation retries on the timer.
type RetryQueue struct {
	lock      sync.Mutex
	timer     *timer.Timer
	pool      *threadpool.Pool
	tasks     map[*RetryTask]struct{}
	destroyed bool
}

func NewRetryQueue(t *timer.Timer, pool *threadpool.Pool) *RetryQueue {
	return &RetryQueue{
		timer: t,
		pool:  pool,
		tasks: map[*RetryTask]struct{}{},
	}
}

// Add retries out after interval. If the queue is destroyed, out fails with CommunicatorDestroyed.
func (q *RetryQueue) Add(out *OutgoingAsync, interval time.Duration) {
	task := &RetryTask{queue: q, out: out}
	if !out.setRetryTask(task) {
		return
	}
	q.lock.Lock()
	if q.destroyed {
		q.lock.Unlock()
		out.complete(nil, errors.NewCommunicatorDestroyedError())
		return
	}
	q.tasks[task] = struct{}{}
	q.lock.Unlock()
	if err := q.timer.Schedule(task, interval); err != nil {
		if q.remove(task) {
			log.Debugf("failed to schedule retry: %v", err)
			out.complete(nil, errors.NewCommunicatorDestroyedError())
		}
	}
}

// Remove withdraws a scheduled retry. It returns false if the retry already ran or was removed.
func (q *RetryQueue) Remove(task *RetryTask) bool {
	if !q.remove(task) {
		return false
	}
	q.timer.Cancel(task)
	return true
}

func (q *RetryQueue) remove(task *RetryTask) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	if _, ok := q.tasks[task]; !ok {
		return false
	}
	delete(q.tasks, task)
	return true
}

// Pending returns the number of scheduled retries.
func (q *RetryQueue) Pending() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.tasks)
}

// Destroy fails all scheduled retries with CommunicatorDestroyed, later retries fail straight away.
func (q *RetryQueue) Destroy() {
	q.lock.Lock()
	q.destroyed = true
	tasks := q.tasks
	q.tasks = map[*RetryTask]struct{}{}
	q.lock.Unlock()
	for task := range tasks {
		q.timer.Cancel(task)
		task.out.complete(nil, errors.NewCommunicatorDestroyedError())
	}
}
