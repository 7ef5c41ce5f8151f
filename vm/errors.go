package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Runtime error taxonomy
// ---------------------------------------------------------------------------

// FrameInfo is one captured call-stack frame, innermost first: the function
// name and the debug symbol of the instruction being executed, when the
// instruction carries one.
type FrameInfo struct {
	Function  string
	Symbol    DebugSymbol
	HasSymbol bool
}

func (f FrameInfo) String() string {
	if f.HasSymbol {
		return fmt.Sprintf("at %s (%s)", f.Function, f.Symbol)
	}
	return fmt.Sprintf("at %s", f.Function)
}

func formatFrames(frames []FrameInfo) string {
	var sb strings.Builder
	for _, f := range frames {
		sb.WriteString("\n  ")
		sb.WriteString(f.String())
	}
	return sb.String()
}

// Panic is an interpreter-level failure: division by zero, type mismatch, a
// failed native call, and so on. It carries the full frame trace; when the
// failure originated inside an awaited sub-task, the child's frames appear
// before the awaiting frames, so the trace reflects logical call order.
type Panic struct {
	Message string
	Frames  []FrameInfo
	Cause   error // optional underlying error (memory, native, HAL)
}

func (e *Panic) Error() string {
	return fmt.Sprintf("runtime panic: %s%s", e.Message, formatFrames(e.Frames))
}

func (e *Panic) Unwrap() error { return e.Cause }

// Timeout reports an invocation aborted for exceeding its configured budget.
// ElapsedMs is always >= the budget; given the same budget and workload the
// failure is reproducible. The abort cancels the invocation's pending
// awaitables, unwinds the stack to a consistent depth, and notifies any
// registered memory tracker of the cancellation.
type Timeout struct {
	Task      uint64
	ElapsedMs int64
	Frames    []FrameInfo
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("timeout: task %d exceeded budget after %d ms%s", e.Task, e.ElapsedMs, formatFrames(e.Frames))
}
