// Package exec provides the fixed-size work-stealing task executor that
// drives compiled-module execution, interpreter-scheduled scripts, and
// host-driven background jobs. Each worker owns a deque; idle workers steal
// from their peers, so completion order across independently spawned jobs is
// not guaranteed to match submission order.
package exec

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
)

// Job is one independent unit of work.
type Job func() (any, error)

// ---------------------------------------------------------------------------
// JobError
// ---------------------------------------------------------------------------

// JobError is a failure propagated from a spawned job, delivered through
// Task.Join or Task.Poll. It wraps either the job's returned error or a
// recovered panic.
type JobError struct {
	TaskID     uint64
	Cause      error
	PanicValue any
}

func (e *JobError) Error() string {
	if e.PanicValue != nil {
		return fmt.Sprintf("job %d panicked: %v", e.TaskID, e.PanicValue)
	}
	return fmt.Sprintf("job %d failed: %v", e.TaskID, e.Cause)
}

func (e *JobError) Unwrap() error { return e.Cause }

// ---------------------------------------------------------------------------
// Task: a join/poll-able handle to a scheduled job
// ---------------------------------------------------------------------------

// Task is the submitter-owned handle for a spawned job. The executor does
// not retain it after the job completes and is collected.
type Task struct {
	id     uint64
	job    Job
	done   chan struct{}
	result any
	err    error // nil or *JobError
}

// ID returns the executor-assigned task identifier.
func (t *Task) ID() uint64 { return t.id }

// Join blocks until the job completes, returning its result or the
// propagated failure.
func (t *Task) Join() (any, error) {
	<-t.done
	return t.result, t.err
}

// Poll is the non-blocking variant of Join. The boolean reports whether the
// job has completed; result and error are only meaningful when it has.
func (t *Task) Poll() (any, error, bool) {
	select {
	case <-t.done:
		return t.result, t.err, true
	default:
		return nil, nil, false
	}
}

// Done reports completion without consuming the result.
func (t *Task) Done() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// ---------------------------------------------------------------------------
// Work-stealing deque
// ---------------------------------------------------------------------------

// deque is a double-ended task queue. The owning worker pushes and pops at
// the back; thieves take from the front.
type deque struct {
	mu    sync.Mutex
	tasks []*Task
}

func (d *deque) push(t *Task) {
	d.mu.Lock()
	d.tasks = append(d.tasks, t)
	d.mu.Unlock()
}

// pop removes from the back (owner side).
func (d *deque) pop() *Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.tasks)
	if n == 0 {
		return nil
	}
	t := d.tasks[n-1]
	d.tasks = d.tasks[:n-1]
	return t
}

// tryPush appends at the back unless the deque already holds bound tasks.
func (d *deque) tryPush(t *Task, bound int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tasks) >= bound {
		return false
	}
	d.tasks = append(d.tasks, t)
	return true
}

func (d *deque) depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

// steal removes from the front (thief side).
func (d *deque) steal() *Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tasks) == 0 {
		return nil
	}
	t := d.tasks[0]
	d.tasks = d.tasks[1:]
	return t
}

// ---------------------------------------------------------------------------
// Executor
// ---------------------------------------------------------------------------

// Executor runs jobs across a fixed-size worker pool. Worker count is fixed
// at construction and does not grow or shrink.
type Executor struct {
	deques   []*deque
	injector *deque

	parkMu   sync.Mutex
	parkCond *sync.Cond

	nextTask atomic.Uint64
	nextDeq  atomic.Uint64
	pending  atomic.Int64 // queued but not yet started
	inFlight atomic.Int64 // spawned but not yet completed
	closed   atomic.Bool

	wg  sync.WaitGroup
	log commonlog.Logger
}

// New creates an executor with the given number of worker goroutines
// (minimum one) and starts them.
func New(workers int) *Executor {
	if workers < 1 {
		workers = 1
	}
	e := &Executor{
		injector: &deque{},
		log:      commonlog.GetLogger("svc.exec"),
	}
	e.parkCond = sync.NewCond(&e.parkMu)
	for i := 0; i < workers; i++ {
		e.deques = append(e.deques, &deque{})
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.workerLoop(i)
	}
	return e
}

// Workers returns the fixed pool size.
func (e *Executor) Workers() int { return len(e.deques) }

// localQueueBound caps a worker deque's depth; spawns past it overflow to
// the shared injector, where any worker picks them up.
const localQueueBound = 256

// Spawn enqueues a job for execution by any idle worker and returns its
// handle. Jobs are distributed round-robin across worker deques until a
// deque hits its bound, then overflow to the shared injector; idle workers
// steal from the injector and their peers.
func (e *Executor) Spawn(job Job) *Task {
	t := &Task{
		id:   e.nextTask.Add(1),
		job:  job,
		done: make(chan struct{}),
	}
	e.inFlight.Add(1)

	target := e.deques[e.nextDeq.Add(1)%uint64(len(e.deques))]
	if !target.tryPush(t, localQueueBound) {
		e.injector.push(t)
	}

	e.parkMu.Lock()
	e.pending.Add(1)
	e.parkCond.Signal()
	e.parkMu.Unlock()

	return t
}

// InFlight returns the number of spawned jobs that have not completed.
func (e *Executor) InFlight() int64 {
	return e.inFlight.Load()
}

// RunLoop cooperatively drains the executor from a single synchronous call
// site: it yields until no jobs are outstanding, logging the in-flight count
// each iteration, and returns once the pool is idle.
func (e *Executor) RunLoop() {
	for {
		n := e.inFlight.Load()
		if n == 0 {
			e.log.Debug("run loop idle")
			return
		}
		e.log.Debugf("run loop: %d jobs in flight", n)
		time.Sleep(time.Millisecond)
	}
}

// Shutdown stops the workers after their current jobs and waits for them to
// exit. Queued jobs that never started complete with a JobError.
func (e *Executor) Shutdown() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.parkMu.Lock()
	e.parkCond.Broadcast()
	e.parkMu.Unlock()
	e.wg.Wait()

	// Fail anything still queued so joiners are not stranded.
	for {
		t := e.takeAny(0)
		if t == nil {
			break
		}
		t.err = &JobError{TaskID: t.id, Cause: fmt.Errorf("executor shut down before job started")}
		e.finish(t)
	}
}

// ---------------------------------------------------------------------------
// Worker loop
// ---------------------------------------------------------------------------

func (e *Executor) workerLoop(index int) {
	defer e.wg.Done()
	for {
		t := e.takeAny(index)
		if t == nil {
			if e.closed.Load() {
				return
			}
			e.park()
			continue
		}
		e.run(t)
	}
}

// takeAny pops the worker's own deque, then the injector, then steals from
// peers, starting after the worker's own slot.
func (e *Executor) takeAny(index int) *Task {
	if t := e.deques[index].pop(); t != nil {
		e.pending.Add(-1)
		return t
	}
	if t := e.injector.steal(); t != nil {
		e.pending.Add(-1)
		return t
	}
	n := len(e.deques)
	for i := 1; i < n; i++ {
		victim := e.deques[(index+i)%n]
		if t := victim.steal(); t != nil {
			e.pending.Add(-1)
			return t
		}
	}
	return nil
}

func (e *Executor) park() {
	e.parkMu.Lock()
	for e.pending.Load() == 0 && !e.closed.Load() {
		e.parkCond.Wait()
	}
	e.parkMu.Unlock()
}

func (e *Executor) run(t *Task) {
	defer func() {
		if r := recover(); r != nil {
			t.err = &JobError{TaskID: t.id, PanicValue: r}
			e.finish(t)
		}
	}()

	result, err := t.job()
	if err != nil {
		if je, ok := err.(*JobError); ok {
			t.err = je
		} else {
			t.err = &JobError{TaskID: t.id, Cause: err}
		}
	} else {
		t.result = result
	}
	e.finish(t)
}

func (e *Executor) finish(t *Task) {
	close(t.done)
	e.inFlight.Add(-1)
}
