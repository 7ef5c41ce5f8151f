package vm

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/svclang/svc/exec"
	"github.com/svclang/svc/hal"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Backend selection
// ---------------------------------------------------------------------------

// Backend selects the execution strategy for loaded modules.
type Backend int

const (
	// BackendInterpreter is the portable stack interpreter.
	BackendInterpreter Backend = iota
	// BackendArmInterpreter reserves a slot for a lowered ARM-flavored
	// interpretation mode. It currently dispatches to the same loop.
	BackendArmInterpreter
)

func (b Backend) String() string {
	switch b {
	case BackendInterpreter:
		return "interpreter"
	case BackendArmInterpreter:
		return "arm-interpreter"
	default:
		return fmt.Sprintf("backend(%d)", int(b))
	}
}

// ParseBackend resolves a backend name from configuration.
func ParseBackend(name string) (Backend, error) {
	switch name {
	case "", "interpreter":
		return BackendInterpreter, nil
	case "arm-interpreter":
		return BackendArmInterpreter, nil
	default:
		return BackendInterpreter, fmt.Errorf("unknown backend %q", name)
	}
}

// ---------------------------------------------------------------------------
// Runtime
// ---------------------------------------------------------------------------

// Config carries the tunables for a runtime instance.
type Config struct {
	StackSize    int           // max call depth per invocation; 0 = default
	HeapCapacity uint64        // memory contract budget in bytes; 0 = default
	Workers      int           // executor worker count; 0 = default
	Timeout      time.Duration // per-invocation budget; 0 = unbounded
	Backend      Backend
	Drivers      *hal.Registry // optional; created empty when nil
}

// DefaultHeapCapacity is the memory contract budget used when the
// configuration does not name one.
const DefaultHeapCapacity = 16 << 20

// Runtime owns the long-lived machinery shared across invocations: the
// memory contract, the task executor, runtime hooks, the native registry
// and the device registry. Modules are registered once and may then be
// executed any number of times, concurrently.
type Runtime struct {
	config   Config
	contract *MemoryContract
	executor *exec.Executor
	hooks    *RuntimeHooks
	natives  *NativeRegistry
	drivers  *hal.Registry
	taskIDs  atomic.Uint64
	log      commonlog.Logger
}

// Bootstrap builds a runtime from configuration, wiring the standard native
// bindings against the device registry.
func Bootstrap(config Config) *Runtime {
	if config.HeapCapacity == 0 {
		config.HeapCapacity = DefaultHeapCapacity
	}
	if config.Drivers == nil {
		config.Drivers = hal.NewRegistry()
	}

	r := &Runtime{
		config:   config,
		contract: NewMemoryContract(config.HeapCapacity),
		executor: exec.New(config.Workers),
		hooks:    NewRuntimeHooks(),
		natives:  NewNativeRegistry(),
		drivers:  config.Drivers,
		log:      commonlog.GetLogger("svc.runtime"),
	}
	registerStandardNatives(r.natives, r.drivers)
	r.log.Infof("runtime up: backend=%s workers=%d heap=%d", config.Backend, r.executor.Workers(), config.HeapCapacity)
	return r
}

// MemoryContract exposes the runtime's shared memory contract.
func (r *Runtime) MemoryContract() *MemoryContract { return r.contract }

// Executor exposes the runtime's task executor.
func (r *Runtime) Executor() *exec.Executor { return r.executor }

// Hooks exposes the runtime's hook set for host-side instrumentation.
func (r *Runtime) Hooks() *RuntimeHooks { return r.hooks }

// Natives exposes the native registry for host extensions.
func (r *Runtime) Natives() *NativeRegistry { return r.natives }

// Drivers exposes the device registry.
func (r *Runtime) Drivers() *hal.Registry { return r.drivers }

// Register validates a loaded module against the runtime and announces it
// through telemetry. Registration is cheap; the same module may be executed
// repeatedly afterwards.
func (r *Runtime) Register(name string, m *Module) error {
	if len(m.Functions) == 0 {
		return fmt.Errorf("module %q has no functions", name)
	}
	if int(m.Entry) >= len(m.Functions) {
		return fmt.Errorf("module %q entry index %d out of range", name, m.Entry)
	}
	r.hooks.emitTelemetry(TelemetryEvent{Kind: TelemetryModuleRegistered, Module: name})
	r.log.Debugf("registered module %q: %d functions, %d constants", name, len(m.Functions), len(m.Constants))
	return nil
}

// Execute runs a module's entry function to completion under the runtime's
// configured budget. Each call is an independent invocation with its own
// task id, call stack, and await table.
func (r *Runtime) Execute(m *Module) (Value, error) {
	interp := r.interpreter(m)
	return interp.Run()
}

// ExecuteFunction runs a named function of a module with explicit arguments.
func (r *Runtime) ExecuteFunction(m *Module, name string, args []Value) (Value, error) {
	idx := m.FunctionNamed(name)
	if idx < 0 {
		return Null, fmt.Errorf("no function named %q", name)
	}
	interp := r.interpreter(m)
	return interp.RunFunction(uint32(idx), args)
}

// ExecuteFile loads, registers and runs a module container from disk.
func (r *Runtime) ExecuteFile(path string) (Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Null, fmt.Errorf("reading module: %w", err)
	}
	m, err := LoadModule(data)
	if err != nil {
		return Null, fmt.Errorf("loading %s: %w", path, err)
	}
	if err := r.Register(path, m); err != nil {
		return Null, err
	}
	return r.Execute(m)
}

// RunLoop blocks until all in-flight asynchronous tasks have drained.
func (r *Runtime) RunLoop() {
	r.executor.RunLoop()
}

// Shutdown stops the executor. The runtime must not be used afterwards.
func (r *Runtime) Shutdown() {
	r.executor.Shutdown()
}

func (r *Runtime) interpreter(m *Module) *Interpreter {
	interp := NewInterpreter(m, InterpreterOptions{
		Contract: r.contract,
		Executor: r.executor,
		Hooks:    r.hooks,
		Natives:  r.natives,
		Timeout:  r.config.Timeout,
		MaxDepth: r.config.StackSize,
	})
	interp.task = r.taskIDs.Add(1)
	interp.taskIDs = &r.taskIDs
	return interp
}
