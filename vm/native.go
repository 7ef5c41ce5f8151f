package vm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/svclang/svc/hal"
)

// ---------------------------------------------------------------------------
// Native calls: the host-bridge boundary
// ---------------------------------------------------------------------------
//
// A Native opcode reaches this registry after any capability gate outside
// the core has passed it. The contract is a narrow request/response pair: no
// raw references cross the boundary, only values.

// ErrUnknownNative reports a Native opcode naming an unregistered function.
var ErrUnknownNative = errors.New("unknown native function")

// NativeCall is the request handed to a native function.
type NativeCall struct {
	Name string
	Args []Value
	Task uint64 // interpreter invocation making the call

	// Contract and Hooks give natives the same memory and observer
	// boundary the interpreter uses.
	Contract *MemoryContract
	Hooks    *RuntimeHooks

	// Cancelled reports whether the calling invocation has been aborted.
	// Long-running natives should poll it at cooperative checkpoints; a
	// tight loop that never does is not interruptible.
	Cancelled func() bool

	// PendingTask creates an awaitable that never resolves on its own,
	// owned by the calling invocation. Hosts use it to model operations
	// whose completion arrives out of band.
	PendingTask func() Value
}

// Arg returns the i-th argument, or Null when absent.
func (c *NativeCall) Arg(i int) Value {
	if i < 0 || i >= len(c.Args) {
		return Null
	}
	return c.Args[i]
}

// IntArg returns the i-th argument as an integer.
func (c *NativeCall) IntArg(i int) (int64, error) {
	v := c.Arg(i)
	if v.Kind() != KindInt {
		return 0, fmt.Errorf("native %q: argument %d must be an int, got %s", c.Name, i, v.Kind())
	}
	return v.AsInt(), nil
}

// StringArg returns the i-th argument as a string.
func (c *NativeCall) StringArg(i int) (string, error) {
	v := c.Arg(i)
	if v.Kind() != KindString {
		return "", fmt.Errorf("native %q: argument %d must be a string, got %s", c.Name, i, v.Kind())
	}
	return v.AsString(), nil
}

// NativeFunc implements one host function.
type NativeFunc func(*NativeCall) (Value, error)

// NativeRegistry maps names to host functions. Registration happens at
// bootstrap; lookup is safe from concurrent interpreter invocations.
type NativeRegistry struct {
	mu    sync.RWMutex
	funcs map[string]NativeFunc
}

// NewNativeRegistry creates an empty registry.
func NewNativeRegistry() *NativeRegistry {
	return &NativeRegistry{funcs: make(map[string]NativeFunc)}
}

// Register installs a native function, replacing any previous binding.
func (r *NativeRegistry) Register(name string, fn NativeFunc) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

// Lookup returns the function bound to name.
func (r *NativeRegistry) Lookup(name string) (NativeFunc, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

// ---------------------------------------------------------------------------
// Standard natives wired at bootstrap
// ---------------------------------------------------------------------------

// registerStandardNatives binds the memory, logging, and HAL natives. The
// driver registry is the one injected through the runtime's composition
// root; scripts reach devices only through these bindings.
func registerStandardNatives(reg *NativeRegistry, drivers *hal.Registry) {
	reg.Register("mem.alloc", func(c *NativeCall) (Value, error) {
		size, err := c.IntArg(0)
		if err != nil {
			return Null, err
		}
		if size < 0 {
			return Null, fmt.Errorf("native %q: negative size %d", c.Name, size)
		}
		h, err := c.Contract.AllocateValue(uint64(size), Null, c.Task)
		if err != nil {
			return Null, err
		}
		c.Hooks.emitTelemetry(TelemetryEvent{Kind: TelemetryAllocation, Task: c.Task, Value: uint64(size)})
		return Handle(h), nil
	})

	reg.Register("mem.release", func(c *NativeCall) (Value, error) {
		v := c.Arg(0)
		if v.Kind() != KindHandle {
			return Null, fmt.Errorf("native %q: argument 0 must be a handle, got %s", c.Name, v.Kind())
		}
		if err := c.Contract.Release(v.AsHandle()); err != nil {
			return Null, err
		}
		return Null, nil
	})

	reg.Register("mem.store", func(c *NativeCall) (Value, error) {
		v := c.Arg(0)
		if v.Kind() != KindHandle {
			return Null, fmt.Errorf("native %q: argument 0 must be a handle, got %s", c.Name, v.Kind())
		}
		if err := c.Contract.Store(v.AsHandle(), c.Arg(1)); err != nil {
			return Null, err
		}
		return Null, nil
	})

	reg.Register("mem.load", func(c *NativeCall) (Value, error) {
		v := c.Arg(0)
		if v.Kind() != KindHandle {
			return Null, fmt.Errorf("native %q: argument 0 must be a handle, got %s", c.Name, v.Kind())
		}
		payload, err := c.Contract.Load(v.AsHandle())
		if err != nil {
			return Null, err
		}
		stored, ok := payload.(Value)
		if !ok {
			return Null, nil
		}
		return stored, nil
	})

	reg.Register("task.pending", func(c *NativeCall) (Value, error) {
		return c.PendingTask(), nil
	})

	reg.Register("log", func(c *NativeCall) (Value, error) {
		c.Hooks.emitLog("script", c.Arg(0).String())
		return Null, nil
	})

	reg.Register("hal.read", func(c *NativeCall) (Value, error) {
		name, err := c.StringArg(0)
		if err != nil {
			return Null, err
		}
		index, err := c.IntArg(1)
		if err != nil {
			return Null, err
		}
		value, err := drivers.RegisterRead(name, uint32(index))
		if err != nil {
			return Null, err
		}
		return Int(int64(value)), nil
	})

	reg.Register("hal.write", func(c *NativeCall) (Value, error) {
		name, err := c.StringArg(0)
		if err != nil {
			return Null, err
		}
		index, err := c.IntArg(1)
		if err != nil {
			return Null, err
		}
		value, err := c.IntArg(2)
		if err != nil {
			return Null, err
		}
		if err := drivers.RegisterWrite(name, uint32(index), uint32(value)); err != nil {
			return Null, err
		}
		c.Hooks.emitTelemetry(TelemetryEvent{
			Kind:   TelemetryRegisterWrite,
			Task:   c.Task,
			Device: name,
			Index:  uint32(index),
			Value:  uint64(uint32(value)),
		})
		return Null, nil
	})

	reg.Register("hal.irq.raise", func(c *NativeCall) (Value, error) {
		name, err := c.StringArg(0)
		if err != nil {
			return Null, err
		}
		irq, err := c.IntArg(1)
		if err != nil {
			return Null, err
		}
		var payload uint64
		if len(c.Args) > 2 {
			p, err := c.IntArg(2)
			if err != nil {
				return Null, err
			}
			payload = uint64(p)
		}
		if err := drivers.RaiseInterrupt(name, uint32(irq), payload); err != nil {
			return Null, err
		}
		c.Hooks.emitTelemetry(TelemetryEvent{
			Kind:   TelemetryInterrupt,
			Task:   c.Task,
			Device: name,
			Index:  uint32(irq),
			Value:  payload,
		})
		return Null, nil
	})

	reg.Register("hal.irq.next", func(c *NativeCall) (Value, error) {
		name, err := c.StringArg(0)
		if err != nil {
			return Null, err
		}
		next, ok, err := drivers.NextInterrupt(name)
		if err != nil {
			return Null, err
		}
		if !ok {
			return Null, nil
		}
		// An optional second argument names a handle that receives the
		// interrupt payload.
		if len(c.Args) > 1 {
			h := c.Arg(1)
			if h.Kind() != KindHandle {
				return Null, fmt.Errorf("native %q: argument 1 must be a handle, got %s", c.Name, h.Kind())
			}
			if err := c.Contract.Store(h.AsHandle(), Int(int64(next.Payload))); err != nil {
				return Null, err
			}
		}
		return Int(int64(next.IRQ)), nil
	})
}
