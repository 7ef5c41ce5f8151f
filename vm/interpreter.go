package vm

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/svclang/svc/exec"
)

// ---------------------------------------------------------------------------
// CallFrame: execution state for one function invocation
// ---------------------------------------------------------------------------

// CallFrame holds the execution state of a single function call: the
// function, its program counter, local slots, an operand stack, and a back
// reference to the caller. Frames form one linear stack owned exclusively by
// the job executing them; they are created on call and destroyed on return
// or unwind.
type CallFrame struct {
	fn     *Function
	ip     int
	locals []Value
	stack  []Value
	caller *CallFrame
}

func (f *CallFrame) push(v Value) {
	f.stack = append(f.stack, v)
}

func (f *CallFrame) pop() Value {
	n := len(f.stack)
	if n == 0 {
		return Null
	}
	v := f.stack[n-1]
	f.stack = f.stack[:n-1]
	return v
}

// symbol returns the debug symbol of the instruction the frame is executing.
func (f *CallFrame) symbol(m *Module) (DebugSymbol, bool) {
	ip := f.ip
	if ip > 0 {
		ip--
	}
	if ip >= len(f.fn.Instructions) {
		return DebugSymbol{}, false
	}
	return m.Symbol(f.fn.Instructions[ip].Debug)
}

// ---------------------------------------------------------------------------
// Interpreter
// ---------------------------------------------------------------------------

// Interpreter executes one module invocation to completion or failure. A
// single invocation runs its bytecode on one thread at a time; the module
// it executes is read-only and may be shared with concurrent invocations.
type Interpreter struct {
	module   *Module
	contract *MemoryContract
	executor *exec.Executor
	hooks    *RuntimeHooks
	natives  *NativeRegistry

	task     uint64
	timeout  time.Duration // 0 = no budget
	started  time.Time
	maxDepth int

	top       *CallFrame
	depth     int
	awaits    *awaitTable
	cancelled atomic.Bool
	instrs    uint64 // executed instruction count, for telemetry
	taskIDs   *atomic.Uint64
}

// InterpreterOptions configures one invocation.
type InterpreterOptions struct {
	Contract *MemoryContract
	Executor *exec.Executor
	Hooks    *RuntimeHooks
	Natives  *NativeRegistry
	Timeout  time.Duration // optional budget for the whole invocation
	MaxDepth int           // call stack depth limit; 0 means a default of 256
}

// NewInterpreter creates an invocation over a loaded module. The contract,
// executor, hooks, and natives are shared with the runtime that owns them.
func NewInterpreter(m *Module, opts InterpreterOptions) *Interpreter {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 256
	}
	ids := &atomic.Uint64{}
	return &Interpreter{
		module:   m,
		contract: opts.Contract,
		executor: opts.Executor,
		hooks:    opts.Hooks,
		natives:  opts.Natives,
		timeout:  opts.Timeout,
		maxDepth: opts.MaxDepth,
		task:     ids.Add(1),
		awaits:   newAwaitTable(),
		taskIDs:  ids,
	}
}

// child creates the interpreter for an asynchronously called function. It
// shares the module, contract, executor, hooks and natives, inherits the
// parent's start time and budget (the budget covers the whole logical call
// tree), and gets a fresh task id.
func (i *Interpreter) child() *Interpreter {
	return &Interpreter{
		module:   i.module,
		contract: i.contract,
		executor: i.executor,
		hooks:    i.hooks,
		natives:  i.natives,
		task:     i.taskIDs.Add(1),
		timeout:  i.timeout,
		started:  i.started,
		maxDepth: i.maxDepth,
		awaits:   newAwaitTable(),
		taskIDs:  i.taskIDs,
	}
}

// Task returns the invocation's task id.
func (i *Interpreter) Task() uint64 { return i.task }

// Run executes the module's entry function.
func (i *Interpreter) Run() (Value, error) {
	return i.RunFunction(i.module.Entry, nil)
}

// RunFunction executes an explicitly selected function. Failures unwind
// cleanly to this boundary and are returned as errors; the interpreter is
// never left in an undefined state.
func (i *Interpreter) RunFunction(index uint32, args []Value) (Value, error) {
	if i.started.IsZero() {
		i.started = time.Now()
	}
	if int(index) >= len(i.module.Functions) {
		return Null, &Panic{Message: fmt.Sprintf("invalid function index %d", index)}
	}
	fn := &i.module.Functions[index]

	i.hooks.emitDebug(DebugEvent{Kind: DebugStarted, Task: i.task, Function: fn.Name})

	result, err := i.call(fn, args)
	i.hooks.emitTelemetry(TelemetryEvent{Kind: TelemetryInstructions, Task: i.task, Value: i.instrs})
	if err != nil {
		i.hooks.emitDebug(DebugEvent{Kind: DebugFailed, Task: i.task, Function: fn.Name, Err: err})
		return Null, err
	}
	i.hooks.emitDebug(DebugEvent{Kind: DebugSucceeded, Task: i.task, Function: fn.Name, Result: result})
	return result, nil
}

// ---------------------------------------------------------------------------
// Call handling
// ---------------------------------------------------------------------------

func (i *Interpreter) call(fn *Function, args []Value) (Value, error) {
	if len(args) != int(fn.Arity) {
		return Null, i.panicf("function %q expects %d arguments, received %d", fn.Name, fn.Arity, len(args))
	}
	if err := i.checkBudget(); err != nil {
		return Null, err
	}
	if i.depth >= i.maxDepth {
		return Null, i.panicf("call stack overflow in %q (depth %d)", fn.Name, i.depth)
	}

	frame := &CallFrame{
		fn:     fn,
		locals: make([]Value, fn.Locals),
		caller: i.top,
	}
	copy(frame.locals, args)
	i.top = frame
	i.depth++
	defer func() {
		i.top = frame.caller
		i.depth--
	}()

	if sym, ok := frame.symbol(i.module); ok {
		i.hooks.emitDebug(DebugEvent{Kind: DebugFramePause, Task: i.task, Function: fn.Name, Symbol: sym})
	} else {
		i.hooks.emitDebug(DebugEvent{Kind: DebugFramePause, Task: i.task, Function: fn.Name})
	}

	return i.runFrame(frame)
}

// runFrame executes a frame's instructions in program order until return.
func (i *Interpreter) runFrame(f *CallFrame) (Value, error) {
	code := f.fn.Instructions
	for f.ip < len(code) {
		in := code[f.ip]
		f.ip++
		i.instrs++

		switch in.Op {
		case OpNop:

		case OpPop:
			f.pop()

		case OpDup:
			v := f.pop()
			f.push(v)
			f.push(v)

		case OpLoadConst:
			if int(in.A) >= len(i.module.Constants) {
				return Null, i.panicf("constant index %d out of range", in.A)
			}
			f.push(i.module.Constants[in.A].Value())

		case OpLoadLocal:
			if int(in.A) >= len(f.locals) {
				return Null, i.panicf("local slot %d out of range", in.A)
			}
			f.push(f.locals[in.A])

		case OpStoreLocal:
			if int(in.A) >= len(f.locals) {
				return Null, i.panicf("local slot %d out of range", in.A)
			}
			f.locals[in.A] = f.pop()

		case OpAdd, OpSub, OpMul, OpDiv, OpRem:
			b := f.pop()
			a := f.pop()
			v, err := i.arithmetic(in.Op, a, b)
			if err != nil {
				return Null, err
			}
			f.push(v)

		case OpNeg:
			v := f.pop()
			switch v.Kind() {
			case KindInt:
				f.push(Int(-v.AsInt()))
			case KindFloat:
				f.push(Float(-v.AsFloat()))
			default:
				return Null, i.panicf("negation not supported for %s", v.Kind())
			}

		case OpNot:
			f.push(Bool(!f.pop().Truthy()))

		case OpEq:
			b := f.pop()
			a := f.pop()
			f.push(Bool(a.Equal(b)))

		case OpNe:
			b := f.pop()
			a := f.pop()
			f.push(Bool(!a.Equal(b)))

		case OpLt, OpLe, OpGt, OpGe:
			b := f.pop()
			a := f.pop()
			v, err := i.compare(in.Op, a, b)
			if err != nil {
				return Null, err
			}
			f.push(v)

		case OpAnd:
			b := f.pop()
			a := f.pop()
			f.push(Bool(a.Truthy() && b.Truthy()))

		case OpOr:
			b := f.pop()
			a := f.pop()
			f.push(Bool(a.Truthy() || b.Truthy()))

		case OpJump:
			if int(in.A) > len(code) {
				return Null, i.panicf("jump target %d out of range", in.A)
			}
			// Backward jumps are the loop edges; the budget check here
			// keeps spinning scripts interruptible.
			if int(in.A) < f.ip {
				if err := i.checkBudget(); err != nil {
					return Null, err
				}
			}
			f.ip = int(in.A)

		case OpJumpIfFalse:
			if int(in.A) > len(code) {
				return Null, i.panicf("jump target %d out of range", in.A)
			}
			if !f.pop().Truthy() {
				if int(in.A) < f.ip {
					if err := i.checkBudget(); err != nil {
						return Null, err
					}
				}
				f.ip = int(in.A)
			}

		case OpCall:
			if int(in.A) >= len(i.module.Functions) {
				return Null, i.panicf("call to invalid function index %d", in.A)
			}
			args := i.popArgs(f, int(in.B))
			result, err := i.call(&i.module.Functions[in.A], args)
			if err != nil {
				return Null, err
			}
			f.push(result)

		case OpCallAsync:
			if int(in.A) >= len(i.module.Functions) {
				return Null, i.panicf("async call to invalid function index %d", in.A)
			}
			args := i.popArgs(f, int(in.B))
			f.push(i.spawnAsync(in.A, args))

		case OpAwait:
			v := f.pop()
			if v.Kind() != KindTask {
				return Null, i.panicf("await on non-task value of kind %s", v.Kind())
			}
			result, err := i.await(v.taskID())
			if err != nil {
				return Null, err
			}
			f.push(result)

		case OpNative:
			if int(in.A) >= len(i.module.Constants) {
				return Null, i.panicf("native name constant %d out of range", in.A)
			}
			name := i.module.Constants[in.A]
			if name.Tag != ConstString {
				return Null, i.panicf("native name constant %d is not a string", in.A)
			}
			args := i.popArgs(f, int(in.B))
			result, err := i.callNative(name.Str, args)
			if err != nil {
				return Null, err
			}
			f.push(result)

		case OpReturn:
			return f.pop(), nil

		case OpMemLoad:
			h := f.pop()
			if h.Kind() != KindHandle {
				return Null, i.panicf("memory load from non-handle value of kind %s", h.Kind())
			}
			payload, err := i.contract.Load(h.AsHandle())
			if err != nil {
				return Null, i.wrap(err)
			}
			stored, ok := payload.(Value)
			if !ok {
				stored = Null
			}
			f.push(stored)

		case OpMemStore:
			v := f.pop()
			h := f.pop()
			if h.Kind() != KindHandle {
				return Null, i.panicf("memory store to non-handle value of kind %s", h.Kind())
			}
			if err := i.contract.Store(h.AsHandle(), v); err != nil {
				return Null, i.wrap(err)
			}

		default:
			return Null, i.panicf("unknown opcode %#02x", byte(in.Op))
		}
	}

	// Falling off the end of a function returns null.
	return Null, nil
}

func (i *Interpreter) popArgs(f *CallFrame, argc int) []Value {
	args := make([]Value, argc)
	for n := argc - 1; n >= 0; n-- {
		args[n] = f.pop()
	}
	return args
}

// ---------------------------------------------------------------------------
// Asynchronous calls and awaiting
// ---------------------------------------------------------------------------

// awaitPollInterval is how often a suspended invocation re-checks its
// awaitable and its budget.
const awaitPollInterval = 100 * time.Microsecond

func (i *Interpreter) spawnAsync(fnIdx uint32, args []Value) Value {
	child := i.child()
	task := i.executor.Spawn(func() (any, error) {
		return child.RunFunction(fnIdx, args)
	})
	aw := i.awaits.add(task)
	return taskValue(aw.id)
}

// pendingTask creates an awaitable that never resolves on its own.
func (i *Interpreter) pendingTask() Value {
	aw := i.awaits.add(nil)
	return taskValue(aw.id)
}

// await suspends the invocation until the awaitable resolves, propagating
// the child's failure with its trace merged beneath the awaiting frames, or
// aborting with a Timeout when the configured budget runs out.
func (i *Interpreter) await(id uint64) (Value, error) {
	aw := i.awaits.get(id)
	if aw == nil {
		return Null, i.panicf("await on unknown task %d", id)
	}
	defer i.awaits.remove(id)

	for {
		if err := i.checkBudget(); err != nil {
			return Null, err
		}
		value, err, done := aw.poll()
		if done {
			if err != nil {
				return Null, i.propagateChild(err)
			}
			return value, nil
		}
		time.Sleep(awaitPollInterval)
	}
}

// checkBudget aborts the invocation when its deadline has passed: pending
// awaitables are cancelled, the memory tracker observes the cancellation,
// and the stack unwinds through the error return to a consistent depth.
func (i *Interpreter) checkBudget() error {
	if i.timeout <= 0 {
		return nil
	}
	elapsed := time.Since(i.started)
	if elapsed < i.timeout {
		return nil
	}

	i.cancelled.Store(true)
	i.awaits.cancelAll()
	i.contract.NotifyCancelled(i.task)
	elapsedMs := elapsed.Milliseconds()
	i.hooks.emitTelemetry(TelemetryEvent{Kind: TelemetryTimeout, Task: i.task, Value: uint64(elapsedMs)})

	return &Timeout{
		Task:      i.task,
		ElapsedMs: elapsedMs,
		Frames:    i.captureTrace(),
	}
}

// propagateChild rethrows a failure from an awaited sub-task. The child's
// frames come first (they are logically innermost at the await point),
// followed by the awaiting frames, so the merged trace reflects logical
// call order rather than scheduling order.
func (i *Interpreter) propagateChild(err error) error {
	var cause error = err
	var je *exec.JobError
	if errors.As(err, &je) {
		if je.Cause != nil {
			cause = je.Cause
		} else {
			cause = &Panic{Message: fmt.Sprintf("async task panicked: %v", je.PanicValue)}
		}
	}

	parent := i.captureTrace()
	switch e := cause.(type) {
	case *Panic:
		return &Panic{Message: e.Message, Frames: append(append([]FrameInfo{}, e.Frames...), parent...), Cause: e.Cause}
	case *Timeout:
		return &Timeout{Task: e.Task, ElapsedMs: e.ElapsedMs, Frames: append(append([]FrameInfo{}, e.Frames...), parent...)}
	default:
		return &Panic{Message: cause.Error(), Frames: parent, Cause: cause}
	}
}

// ---------------------------------------------------------------------------
// Native dispatch
// ---------------------------------------------------------------------------

func (i *Interpreter) callNative(name string, args []Value) (Value, error) {
	fn, ok := i.natives.Lookup(name)
	if !ok {
		return Null, i.wrap(fmt.Errorf("%w: %q", ErrUnknownNative, name))
	}
	call := &NativeCall{
		Name:     name,
		Args:     args,
		Task:     i.task,
		Contract: i.contract,
		Hooks:    i.hooks,
		Cancelled: func() bool {
			if i.cancelled.Load() {
				return true
			}
			return i.timeout > 0 && time.Since(i.started) >= i.timeout
		},
		PendingTask: i.pendingTask,
	}
	result, err := fn(call)
	if err != nil {
		return Null, i.wrap(err)
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// Arithmetic and comparison semantics
// ---------------------------------------------------------------------------

// arithmetic implements Add/Sub/Mul/Div/Rem. Integer pairs stay integral
// and fail with a division-by-zero panic on zero divisors; any float
// operand promotes to float arithmetic, where division by zero follows
// IEEE semantics (Inf/NaN, never an error). Add concatenates strings.
func (i *Interpreter) arithmetic(op Opcode, a, b Value) (Value, error) {
	if op == OpAdd && a.Kind() == KindString && b.Kind() == KindString {
		return Str(a.AsString() + b.AsString()), nil
	}
	if !a.IsNumber() || !b.IsNumber() {
		return Null, i.panicf("unsupported operands for %s: %s and %s", op, a.Kind(), b.Kind())
	}

	if a.Kind() == KindInt && b.Kind() == KindInt {
		x, y := a.AsInt(), b.AsInt()
		switch op {
		case OpAdd:
			return Int(x + y), nil
		case OpSub:
			return Int(x - y), nil
		case OpMul:
			return Int(x * y), nil
		case OpDiv:
			if y == 0 {
				return Null, i.panicf("integer division by zero")
			}
			return Int(x / y), nil
		case OpRem:
			if y == 0 {
				return Null, i.panicf("integer remainder by zero")
			}
			return Int(x % y), nil
		}
	}

	x, y := a.Number(), b.Number()
	switch op {
	case OpAdd:
		return Float(x + y), nil
	case OpSub:
		return Float(x - y), nil
	case OpMul:
		return Float(x * y), nil
	case OpDiv:
		return Float(x / y), nil
	case OpRem:
		return Float(math.Mod(x, y)), nil
	}
	return Null, i.panicf("unsupported arithmetic opcode %s", op)
}

func (i *Interpreter) compare(op Opcode, a, b Value) (Value, error) {
	if a.Kind() == KindString && b.Kind() == KindString {
		x, y := a.AsString(), b.AsString()
		switch op {
		case OpLt:
			return Bool(x < y), nil
		case OpLe:
			return Bool(x <= y), nil
		case OpGt:
			return Bool(x > y), nil
		case OpGe:
			return Bool(x >= y), nil
		}
	}
	if !a.IsNumber() || !b.IsNumber() {
		return Null, i.panicf("unsupported operands for %s: %s and %s", op, a.Kind(), b.Kind())
	}
	x, y := a.Number(), b.Number()
	switch op {
	case OpLt:
		return Bool(x < y), nil
	case OpLe:
		return Bool(x <= y), nil
	case OpGt:
		return Bool(x > y), nil
	case OpGe:
		return Bool(x >= y), nil
	}
	return Null, i.panicf("unsupported comparison opcode %s", op)
}

// ---------------------------------------------------------------------------
// Trace capture
// ---------------------------------------------------------------------------

// captureTrace walks the live frame chain, innermost first, attaching each
// frame's function name and current debug symbol.
func (i *Interpreter) captureTrace() []FrameInfo {
	var frames []FrameInfo
	for f := i.top; f != nil; f = f.caller {
		info := FrameInfo{Function: f.fn.Name}
		if sym, ok := f.symbol(i.module); ok {
			info.Symbol = sym
			info.HasSymbol = true
		}
		frames = append(frames, info)
	}
	return frames
}

func (i *Interpreter) panicf(format string, args ...any) error {
	return &Panic{Message: fmt.Sprintf(format, args...), Frames: i.captureTrace()}
}

// wrap converts a non-interpreter error (memory, native, format) into a
// Panic carrying the current trace, preserving the cause for errors.Is/As.
func (i *Interpreter) wrap(err error) error {
	if p, ok := err.(*Panic); ok {
		return p
	}
	if t, ok := err.(*Timeout); ok {
		return t
	}
	return &Panic{Message: err.Error(), Frames: i.captureTrace(), Cause: err}
}
