package vm

import (
	"sync"
	"sync/atomic"

	"github.com/svclang/svc/exec"
)

// ---------------------------------------------------------------------------
// Awaitables: the suspension-point state machine
// ---------------------------------------------------------------------------
//
// Each awaitable is an explicit pending/ready/cancelled state machine driven
// by the task executor. Suspension points are exactly the await expressions;
// a suspended script polls its awaitable cooperatively rather than pinning a
// worker thread in a blocking wait.

type awaitState int32

const (
	awaitPending awaitState = iota
	awaitReady
	awaitCancelled
)

// awaitable tracks one in-flight asynchronous call. A nil task means the
// awaitable resolves only through an explicit completion (or never, for
// pending-forever awaitables used by hosts to model unresolved operations).
type awaitable struct {
	id    uint64
	task  *exec.Task
	state atomic.Int32
}

func (a *awaitable) cancel() {
	a.state.CompareAndSwap(int32(awaitPending), int32(awaitCancelled))
}

func (a *awaitable) cancelled() bool {
	return awaitState(a.state.Load()) == awaitCancelled
}

// poll reports whether the awaitable has resolved, and with what. The error
// is the child job's propagated failure, still wrapped in *exec.JobError.
func (a *awaitable) poll() (Value, error, bool) {
	if a.cancelled() {
		return Null, nil, false
	}
	if a.task == nil {
		return Null, nil, false
	}
	result, err, done := a.task.Poll()
	if !done {
		return Null, nil, false
	}
	a.state.CompareAndSwap(int32(awaitPending), int32(awaitReady))
	if err != nil {
		return Null, err, true
	}
	value, ok := result.(Value)
	if !ok {
		value = Null
	}
	return value, nil, true
}

// awaitTable holds the awaitables owned by one interpreter invocation. When
// the invocation is aborted, cancelAll marks every pending entry cancelled
// so no stale handle resolves afterwards.
type awaitTable struct {
	mu     sync.Mutex
	nextID uint64
	open   map[uint64]*awaitable
}

func newAwaitTable() *awaitTable {
	return &awaitTable{open: make(map[uint64]*awaitable)}
}

func (t *awaitTable) add(task *exec.Task) *awaitable {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	a := &awaitable{id: t.nextID, task: task}
	t.open[a.id] = a
	return a
}

func (t *awaitTable) get(id uint64) *awaitable {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open[id]
}

func (t *awaitTable) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.open, id)
}

func (t *awaitTable) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.open {
		a.cancel()
	}
}

func (t *awaitTable) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, a := range t.open {
		if awaitState(a.state.Load()) == awaitPending {
			n++
		}
	}
	return n
}
