package vm

import (
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Runtime Hooks: debugger / log / telemetry observer boundary
// ---------------------------------------------------------------------------
//
// Hooks deliver synchronous, ordered notifications of runtime events to host
// observers without altering execution semantics. Every callback fires on the
// thread that produced the event, before that thread proceeds, so an observer
// never reasons about cross-thread interleaving within one execution strand.

// DebugEventKind discriminates debugger notifications.
type DebugEventKind int

const (
	DebugStarted DebugEventKind = iota
	DebugSucceeded
	DebugFailed
	DebugFramePause // per-frame pause point (function entry)
)

var debugEventNames = [...]string{"started", "succeeded", "failed", "frame"}

func (k DebugEventKind) String() string {
	if int(k) < len(debugEventNames) {
		return debugEventNames[k]
	}
	return "unknown"
}

// DebugEvent is delivered to the debugger slot.
type DebugEvent struct {
	Kind     DebugEventKind
	Task     uint64
	Function string
	Symbol   DebugSymbol // zero when the site has no debug symbol
	Result   Value       // set for DebugSucceeded
	Err      error       // set for DebugFailed
}

// LogRecord is delivered to the log slot.
type LogRecord struct {
	Source  string
	Message string
}

// TelemetryEventKind discriminates telemetry notifications.
type TelemetryEventKind int

const (
	TelemetryModuleRegistered TelemetryEventKind = iota
	TelemetryRegisterWrite
	TelemetryInterrupt
	TelemetryTimeout
	TelemetryAllocation
	TelemetryInstructions
)

// TelemetryEvent is delivered to the telemetry slot.
type TelemetryEvent struct {
	Kind    TelemetryEventKind
	Task    uint64
	Module  string // module digest or name, for registrations
	Device  string // for register writes and interrupts
	Index   uint32 // register index or IRQ number
	Value   uint64 // register value, payload size, elapsed ms, byte or instruction count
	Message string
}

// RuntimeHooks holds the three independently settable observer slots. Unset
// slots are skipped. The zero value is ready to use.
type RuntimeHooks struct {
	Debugger  func(DebugEvent)
	Log       func(LogRecord)
	Telemetry func(TelemetryEvent)
}

// NewRuntimeHooks returns hooks with the log slot wired to a commonlog
// logger, the default for bootstrapped runtimes.
func NewRuntimeHooks() *RuntimeHooks {
	log := commonlog.GetLogger("svc.runtime")
	return &RuntimeHooks{
		Log: func(r LogRecord) {
			log.Infof("[%s] %s", r.Source, r.Message)
		},
	}
}

func (h *RuntimeHooks) emitDebug(ev DebugEvent) {
	if h != nil && h.Debugger != nil {
		h.Debugger(ev)
	}
}

func (h *RuntimeHooks) emitLog(source, message string) {
	if h != nil && h.Log != nil {
		h.Log(LogRecord{Source: source, Message: message})
	}
}

func (h *RuntimeHooks) emitTelemetry(ev TelemetryEvent) {
	if h != nil && h.Telemetry != nil {
		h.Telemetry(ev)
	}
}
