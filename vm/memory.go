package vm

import (
	"errors"
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Memory Contract: the deterministic allocator shared across subsystems
// ---------------------------------------------------------------------------

// MemoryHandle is a stable identifier for a contract-owned allocation.
// Handles are assigned monotonically and never reused for the life of a
// contract, so no two simultaneously live handles ever alias the same
// allocation. A handle is safe to pass between jobs; only the contract
// mutates the accounting behind it.
type MemoryHandle uint64

// Sentinel memory errors.
var (
	ErrCapacityExceeded = errors.New("memory contract capacity exceeded")
	ErrUnknownHandle    = errors.New("unknown or already released memory handle")
)

// MemoryError wraps an allocator failure with the request that caused it.
// Memory errors are recoverable: they never corrupt allocator state.
type MemoryError struct {
	Handle    MemoryHandle // zero for allocation failures
	Requested uint64       // zero for release failures
	Available uint64
	Err       error
}

func (e *MemoryError) Error() string {
	if errors.Is(e.Err, ErrCapacityExceeded) {
		return fmt.Sprintf("%v: requested %d bytes, %d available", e.Err, e.Requested, e.Available)
	}
	return fmt.Sprintf("%v: handle %d", e.Err, e.Handle)
}

func (e *MemoryError) Unwrap() error { return e.Err }

// MemoryStats is a point-in-time snapshot of the contract's accounting.
type MemoryStats struct {
	CapacityBytes uint64
	UsedBytes     uint64
	Allocations   uint64
}

func (s MemoryStats) String() string {
	return fmt.Sprintf("%d used / %d capacity (%d allocations)", s.UsedBytes, s.CapacityBytes, s.Allocations)
}

// TrackerEvent notifies a registered memory tracker of accounting changes.
type TrackerEvent struct {
	Kind      TrackerEventKind
	Handle    MemoryHandle
	Size      uint64
	Task      uint64 // set for cancellations
	UsedBytes uint64 // accounting after the event
}

// TrackerEventKind discriminates tracker notifications.
type TrackerEventKind int

const (
	TrackAllocate TrackerEventKind = iota
	TrackRelease
	TrackCancel // a task was aborted; its outstanding allocations remain accounted
)

type allocation struct {
	size    uint64
	payload any
	task    uint64
}

// MemoryContract is the single source of truth for heap-like allocations
// crossing subsystem boundaries. All operations are linearizable: the
// capacity check and its corresponding mutation happen atomically with
// respect to other allocators, and used <= capacity holds after every call.
type MemoryContract struct {
	capacity uint64

	mu      sync.Mutex
	used    uint64
	next    MemoryHandle // next handle to issue; starts at 1, 0 is never valid
	allocs  map[MemoryHandle]allocation
	tracker func(TrackerEvent)
}

// NewMemoryContract creates a contract with the given capacity in bytes.
func NewMemoryContract(capacity uint64) *MemoryContract {
	return &MemoryContract{
		capacity: capacity,
		next:     1,
		allocs:   make(map[MemoryHandle]allocation),
	}
}

// Capacity returns the fixed capacity in bytes.
func (c *MemoryContract) Capacity() uint64 { return c.capacity }

// SetTracker registers a tracker invoked synchronously, under the contract's
// lock, for every allocation, release, and task cancellation. A nil tracker
// disables tracking.
func (c *MemoryContract) SetTracker(fn func(TrackerEvent)) {
	c.mu.Lock()
	c.tracker = fn
	c.mu.Unlock()
}

// Allocate reserves size bytes and returns a fresh handle. When the request
// would push used past capacity it fails with ErrCapacityExceeded and makes
// no state change at all.
func (c *MemoryContract) Allocate(size uint64) (MemoryHandle, error) {
	return c.allocate(size, nil, 0)
}

// AllocateValue reserves size bytes with an attached payload, retrievable
// through Load until the handle is released. The task id ties the allocation
// to the interpreter invocation that made it, for telemetry accounting.
func (c *MemoryContract) AllocateValue(size uint64, payload any, task uint64) (MemoryHandle, error) {
	return c.allocate(size, payload, task)
}

func (c *MemoryContract) allocate(size uint64, payload any, task uint64) (MemoryHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.used+size > c.capacity {
		return 0, &MemoryError{
			Requested: size,
			Available: c.capacity - c.used,
			Err:       ErrCapacityExceeded,
		}
	}

	h := c.next
	c.next++
	c.allocs[h] = allocation{size: size, payload: payload, task: task}
	c.used += size

	if c.tracker != nil {
		c.tracker(TrackerEvent{Kind: TrackAllocate, Handle: h, Size: size, Task: task, UsedBytes: c.used})
	}
	return h, nil
}

// Release returns a handle's bytes to the contract and invalidates it.
// Releasing an unknown or already released handle fails with
// ErrUnknownHandle and leaves the accounting untouched.
func (c *MemoryContract) Release(h MemoryHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.allocs[h]
	if !ok {
		return &MemoryError{Handle: h, Err: ErrUnknownHandle}
	}
	delete(c.allocs, h)
	c.used -= a.size

	if c.tracker != nil {
		c.tracker(TrackerEvent{Kind: TrackRelease, Handle: h, Size: a.size, Task: a.task, UsedBytes: c.used})
	}
	return nil
}

// Load returns the payload stored under a live handle.
func (c *MemoryContract) Load(h MemoryHandle) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.allocs[h]
	if !ok {
		return nil, &MemoryError{Handle: h, Err: ErrUnknownHandle}
	}
	return a.payload, nil
}

// Store replaces the payload stored under a live handle. The handle's size
// accounting is unchanged.
func (c *MemoryContract) Store(h MemoryHandle, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.allocs[h]
	if !ok {
		return &MemoryError{Handle: h, Err: ErrUnknownHandle}
	}
	a.payload = payload
	c.allocs[h] = a
	return nil
}

// Stats returns a consistent snapshot of the accounting. Safe to call
// concurrently with allocation and release.
func (c *MemoryContract) Stats() MemoryStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return MemoryStats{
		CapacityBytes: c.capacity,
		UsedBytes:     c.used,
		Allocations:   uint64(len(c.allocs)),
	}
}

// NotifyCancelled informs the tracker that a task was aborted. Outstanding
// allocations tied to the task stay accounted for; the caller remains
// responsible for releasing them. Called by the interpreter on timeout.
func (c *MemoryContract) NotifyCancelled(task uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tracker == nil {
		return
	}
	var outstanding uint64
	for _, a := range c.allocs {
		if a.task == task {
			outstanding += a.size
		}
	}
	c.tracker(TrackerEvent{Kind: TrackCancel, Task: task, Size: outstanding, UsedBytes: c.used})
}
