package exec

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecutorRunsAllJobs(t *testing.T) {
	e := New(4)
	defer e.Shutdown()

	const n = 100
	tasks := make([]*Task, n)
	for i := 0; i < n; i++ {
		i := i
		tasks[i] = e.Spawn(func() (any, error) {
			return i * 2, nil
		})
	}

	for i, task := range tasks {
		result, err := task.Join()
		if err != nil {
			t.Fatalf("task %d error = %v", i, err)
		}
		if result.(int) != i*2 {
			t.Errorf("task %d result = %v, want %d", i, result, i*2)
		}
	}
}

func TestExecutorSingleWorkerDrainsQueue(t *testing.T) {
	e := New(1)
	defer e.Shutdown()

	var ran atomic.Int64
	tasks := make([]*Task, 20)
	for i := range tasks {
		tasks[i] = e.Spawn(func() (any, error) {
			ran.Add(1)
			return nil, nil
		})
	}
	for _, task := range tasks {
		task.Join()
	}
	if got := ran.Load(); got != 20 {
		t.Errorf("jobs run = %d, want 20", got)
	}
}

func TestExecutorPropagatesJobError(t *testing.T) {
	e := New(2)
	defer e.Shutdown()

	boom := errors.New("boom")
	task := e.Spawn(func() (any, error) {
		return nil, boom
	})

	_, err := task.Join()
	var je *JobError
	if !errors.As(err, &je) {
		t.Fatalf("error = %v, want *JobError", err)
	}
	if je.TaskID != task.ID() {
		t.Errorf("job error task = %d, want %d", je.TaskID, task.ID())
	}
	if !errors.Is(err, boom) {
		t.Errorf("cause not preserved: %v", err)
	}
}

func TestExecutorRecoversPanics(t *testing.T) {
	e := New(2)
	defer e.Shutdown()

	task := e.Spawn(func() (any, error) {
		panic("job exploded")
	})

	_, err := task.Join()
	var je *JobError
	if !errors.As(err, &je) {
		t.Fatalf("error = %v, want *JobError", err)
	}
	if je.PanicValue != "job exploded" {
		t.Errorf("panic value = %v, want job exploded", je.PanicValue)
	}

	// The worker survives and keeps running jobs.
	result, err := e.Spawn(func() (any, error) { return "ok", nil }).Join()
	if err != nil || result != "ok" {
		t.Errorf("post-panic job = %v, %v; want ok", result, err)
	}
}

func TestExecutorPoll(t *testing.T) {
	e := New(1)
	defer e.Shutdown()

	release := make(chan struct{})
	task := e.Spawn(func() (any, error) {
		<-release
		return 1, nil
	})

	if _, _, done := task.Poll(); done {
		t.Errorf("Poll() reported done before the job finished")
	}
	close(release)
	if _, err := task.Join(); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	result, err, done := task.Poll()
	if !done || err != nil || result.(int) != 1 {
		t.Errorf("Poll() after completion = %v, %v, %t; want 1, nil, true", result, err, done)
	}
}

func TestExecutorWorkStealing(t *testing.T) {
	// One job blocks a worker; the other workers must steal and finish the
	// remaining jobs.
	e := New(2)
	defer e.Shutdown()

	release := make(chan struct{})
	blocker := e.Spawn(func() (any, error) {
		<-release
		return nil, nil
	})

	var ran atomic.Int64
	tasks := make([]*Task, 10)
	for i := range tasks {
		tasks[i] = e.Spawn(func() (any, error) {
			ran.Add(1)
			return nil, nil
		})
	}
	for _, task := range tasks {
		task.Join()
	}
	if got := ran.Load(); got != 10 {
		t.Errorf("jobs run while one worker blocked = %d, want 10", got)
	}

	close(release)
	blocker.Join()
}

func TestExecutorOverflowsToInjector(t *testing.T) {
	// A single blocked worker lets its deque fill to the bound; everything
	// past it lands on the shared injector and still completes.
	e := New(1)
	defer e.Shutdown()

	release := make(chan struct{})
	blocker := e.Spawn(func() (any, error) {
		<-release
		return nil, nil
	})
	// Let the worker pick up the blocker so the deque starts empty.
	for e.deques[0].depth() > 0 {
		time.Sleep(time.Millisecond)
	}

	const extra = 10
	var ran atomic.Int64
	tasks := make([]*Task, localQueueBound+extra)
	for i := range tasks {
		tasks[i] = e.Spawn(func() (any, error) {
			ran.Add(1)
			return nil, nil
		})
	}
	if got := e.injector.depth(); got != extra {
		t.Errorf("injector depth = %d, want %d", got, extra)
	}

	close(release)
	blocker.Join()
	for _, task := range tasks {
		task.Join()
	}
	if got := ran.Load(); got != localQueueBound+extra {
		t.Errorf("jobs run = %d, want %d", got, localQueueBound+extra)
	}
}

func TestExecutorRunLoopDrains(t *testing.T) {
	e := New(2)
	defer e.Shutdown()

	var ran atomic.Int64
	for i := 0; i < 10; i++ {
		e.Spawn(func() (any, error) {
			time.Sleep(time.Millisecond)
			ran.Add(1)
			return nil, nil
		})
	}

	e.RunLoop()
	if got := e.InFlight(); got != 0 {
		t.Errorf("InFlight() after RunLoop = %d, want 0", got)
	}
	if got := ran.Load(); got != 10 {
		t.Errorf("jobs run = %d, want 10", got)
	}
}

func TestExecutorMinimumOneWorker(t *testing.T) {
	e := New(0)
	defer e.Shutdown()
	if got := e.Workers(); got != 1 {
		t.Errorf("Workers() = %d, want 1", got)
	}

	result, err := e.Spawn(func() (any, error) { return 7, nil }).Join()
	if err != nil || result.(int) != 7 {
		t.Errorf("job on minimum pool = %v, %v; want 7", result, err)
	}
}

func TestExecutorShutdownIdempotent(t *testing.T) {
	e := New(2)
	e.Spawn(func() (any, error) { return nil, nil }).Join()
	e.Shutdown()
	e.Shutdown()
}

func TestExecutorManyConcurrentSpawners(t *testing.T) {
	e := New(4)
	defer e.Shutdown()

	const spawners = 8
	const perSpawner = 50
	results := make(chan error, spawners)
	for s := 0; s < spawners; s++ {
		go func() {
			var firstErr error
			for i := 0; i < perSpawner; i++ {
				if _, err := e.Spawn(func() (any, error) { return nil, nil }).Join(); err != nil && firstErr == nil {
					firstErr = fmt.Errorf("spawned job failed: %w", err)
				}
			}
			results <- firstErr
		}()
	}
	for s := 0; s < spawners; s++ {
		if err := <-results; err != nil {
			t.Error(err)
		}
	}
}
