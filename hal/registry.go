// Package hal provides the in-process driver registry the runtime consumes
// through native calls: device register files and per-device interrupt
// queues. Device discovery and persistence live outside the runtime; the
// registry is injected explicitly at bootstrap.
package hal

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Sentinel registry errors.
var (
	ErrUnknownDevice      = errors.New("unknown device")
	ErrRegisterOutOfRange = errors.New("register index out of range")
	ErrDuplicateDevice    = errors.New("device already registered")
)

// Interrupt is one queued interrupt for a device.
type Interrupt struct {
	IRQ     uint32
	Payload uint64
}

type device struct {
	registers  []uint32
	interrupts []Interrupt
}

// Registry holds registered devices and their interrupt queues. All methods
// are safe for concurrent use from worker threads and native calls.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*device
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*device)}
}

// RegisterDevice adds a device with the given number of 32-bit registers,
// all initialized to zero.
func (r *Registry) RegisterDevice(name string, registers int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateDevice, name)
	}
	r.devices[name] = &device{registers: make([]uint32, registers)}
	return nil
}

// Devices returns the registered device names, sorted.
func (r *Registry) Devices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterRead returns the value of one device register.
func (r *Registry) RegisterRead(name string, index uint32) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}
	if int(index) >= len(d.registers) {
		return 0, fmt.Errorf("%w: %q register %d", ErrRegisterOutOfRange, name, index)
	}
	return d.registers[index], nil
}

// RegisterWrite stores a value into one device register.
func (r *Registry) RegisterWrite(name string, index uint32, value uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}
	if int(index) >= len(d.registers) {
		return fmt.Errorf("%w: %q register %d", ErrRegisterOutOfRange, name, index)
	}
	d.registers[index] = value
	return nil
}

// RaiseInterrupt appends an interrupt to a device's queue.
func (r *Registry) RaiseInterrupt(name string, irq uint32, payload uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}
	d.interrupts = append(d.interrupts, Interrupt{IRQ: irq, Payload: payload})
	return nil
}

// NextInterrupt dequeues the oldest pending interrupt for a device. The
// boolean reports whether one was pending; queue order is FIFO.
func (r *Registry) NextInterrupt(name string) (Interrupt, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[name]
	if !ok {
		return Interrupt{}, false, fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}
	if len(d.interrupts) == 0 {
		return Interrupt{}, false, nil
	}
	next := d.interrupts[0]
	d.interrupts = d.interrupts[1:]
	return next, true, nil
}
