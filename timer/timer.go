package timer

import (
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/spirit-labs/proxyrpc/common"
	"github.com/spirit-labs/proxyrpc/errors"
	log "github.com/spirit-labs/proxyrpc/logger"
	"github.com/timandy/routine"
	"sync"
	"sync/atomic"
	"time"
)

// Task is run on the timer goroutine when its deadline passes. Tasks are identified by value, so implementations
// must be comparable, in practice pointers. Use NewTask to wrap a plain function.
type Task interface {
	RunTimerTask()
}

// Destroyer is implemented by tasks which want to be told they will never run because the timer was destroyed
// while they were scheduled.
type Destroyer interface {
	DestroyTimerTask()
}

type funcTask struct {
	f func()
}

func (f *funcTask) RunTimerTask() {
	f.f()
}

func NewTask(f func()) Task {
	return &funcTask{f: f}
}

type token struct {
	deadline time.Time
	id       uint64
	period   time.Duration
	task     Task
}

type tokenKey struct {
	deadline int64
	id       uint64
}

func compareTokenKeys(a, b interface{}) int {
	k1 := a.(tokenKey)
	k2 := b.(tokenKey)
	if k1.deadline < k2.deadline {
		return -1
	}
	if k1.deadline > k2.deadline {
		return 1
	}
	if k1.id < k2.id {
		return -1
	}
	if k1.id > k2.id {
		return 1
	}
	return 0
}

func (t *token) key() tokenKey {
	return tokenKey{deadline: t.deadline.UnixNano(), id: t.id}
}

// Timer runs one-shot and repeated tasks from a single goroutine, in deadline order. Tasks with equal deadlines
// run in the order they were scheduled.
type Timer struct {
	lock      sync.Mutex
	tokens    *treemap.Map
	tasks     map[Task]*token
	idSeq     uint64
	notify    chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	destroyed bool
	goid      atomic.Int64
}

func New() *Timer {
	t := &Timer{
		tokens:  treemap.NewWith(compareTokenKeys),
		tasks:   map[Task]*token{},
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	started := make(chan struct{})
	common.Go(func() {
		t.goid.Store(routine.Goid())
		close(started)
		t.run()
	})
	<-started
	return t
}

// Schedule runs task once after delay.
func (t *Timer) Schedule(task Task, delay time.Duration) error {
	return t.schedule(task, delay, 0)
}

// ScheduleRepeated runs task every period, starting one period from now. The next deadline is computed when the
// task returns, so a task slower than its period never runs back to back and under load the task drifts rather
// than catching up.
func (t *Timer) ScheduleRepeated(task Task, period time.Duration) error {
	if period <= 0 {
		return errors.Errorf("repeat period must be > 0, got %v", period)
	}
	return t.schedule(task, period, period)
}

func (t *Timer) schedule(task Task, delay time.Duration, period time.Duration) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.destroyed {
		return errors.NewRpcError(errors.Destroyed, "timer destroyed")
	}
	if _, exists := t.tasks[task]; exists {
		return errors.NewRpcError(errors.AlreadyRegistered, "task is already scheduled")
	}
	if delay < 0 {
		delay = 0
	}
	t.idSeq++
	tok := &token{deadline: time.Now().Add(delay), id: t.idSeq, period: period, task: task}
	t.tokens.Put(tok.key(), tok)
	t.tasks[task] = tok
	t.poke()
	return nil
}

// Cancel removes a scheduled task. It returns false if the task was not scheduled, which includes a one-shot task
// that is already running. Cancelling a repeated task while it runs stops it being run again.
func (t *Timer) Cancel(task Task) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	tok, ok := t.tasks[task]
	if !ok {
		return false
	}
	delete(t.tasks, task)
	t.tokens.Remove(tok.key())
	t.poke()
	return true
}

// Destroy stops the timer goroutine. Outstanding tasks are not run, those implementing Destroyer are told instead.
// Destroy waits for the timer goroutine to exit unless it is called from a task.
func (t *Timer) Destroy() {
	t.lock.Lock()
	if t.destroyed {
		t.lock.Unlock()
		t.join()
		return
	}
	t.destroyed = true
	var outstanding []Task
	it := t.tokens.Iterator()
	for it.Next() {
		outstanding = append(outstanding, it.Value().(*token).task)
	}
	t.tokens.Clear()
	t.tasks = map[Task]*token{}
	close(t.done)
	t.lock.Unlock()

	for _, task := range outstanding {
		if d, ok := task.(Destroyer); ok {
			destroyTask(d)
		}
	}
	t.join()
}

func (t *Timer) join() {
	if routine.Goid() == t.goid.Load() {
		return
	}
	<-t.stopped
}

func (t *Timer) poke() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of scheduled tasks.
func (t *Timer) Pending() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.tokens.Size()
}

func (t *Timer) run() {
	defer close(t.stopped)
	sleeper := time.NewTimer(time.Hour)
	sleeper.Stop()
	for {
		tok, wait, ok := t.next()
		if !ok {
			return
		}
		if tok != nil {
			runTask(tok.task)
			if tok.period > 0 {
				t.reschedule(tok)
			}
			continue
		}
		if wait > 0 {
			sleeper.Reset(wait)
		}
		select {
		case <-t.done:
			sleeper.Stop()
			return
		case <-t.notify:
			if !sleeper.Stop() {
				select {
				case <-sleeper.C:
				default:
				}
			}
		case <-sleeper.C:
		}
	}
}

// next returns a due token, or how long to sleep. A wait of zero means sleep until poked. A repeated task stays
// registered while it runs but is only put back in the queue by reschedule.
func (t *Timer) next() (*token, time.Duration, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.destroyed {
		return nil, 0, false
	}
	k, v := t.tokens.Min()
	if k == nil {
		return nil, 0, true
	}
	tok := v.(*token)
	now := time.Now()
	if wait := tok.deadline.Sub(now); wait > 0 {
		return nil, wait, true
	}
	t.tokens.Remove(k)
	if tok.period == 0 {
		delete(t.tasks, tok.task)
	}
	return tok, 0, true
}

// reschedule queues the next run of a repeated task one period after the last run finished, unless it was
// cancelled meanwhile.
func (t *Timer) reschedule(tok *token) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.destroyed || t.tasks[tok.task] != tok {
		return
	}
	tok.deadline = time.Now().Add(tok.period)
	t.idSeq++
	tok.id = t.idSeq
	t.tokens.Put(tok.key(), tok)
}

func runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("timer task panicked: %v\n%s", r, common.GetCurrentStack())
		}
	}()
	task.RunTimerTask()
}

func destroyTask(d Destroyer) {
	defer common.RecoverAndLog("timer task destroy")
	d.DestroyTimerTask()
}
