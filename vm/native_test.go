package vm

import (
	"testing"

	"github.com/svclang/svc/ast"
	"github.com/svclang/svc/hal"
)

// runWithDrivers executes a program against a runtime whose native registry
// is bound to the given device registry.
func runWithDrivers(t *testing.T, p *ast.Program, drivers *hal.Registry) (Value, error, []TelemetryEvent) {
	t.Helper()
	m, err := Assemble(p)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	var events []TelemetryEvent
	hooks := NewRuntimeHooks()
	hooks.Telemetry = func(e TelemetryEvent) { events = append(events, e) }

	natives := NewNativeRegistry()
	registerStandardNatives(natives, drivers)

	interp := testInterpreter(t, m, InterpreterOptions{Hooks: hooks, Natives: natives})
	v, err := interp.Run()
	return v, err, events
}

func TestNativeHALRegisterRoundTrip(t *testing.T) {
	drivers := hal.NewRegistry()
	if err := drivers.RegisterDevice("uart0", 4); err != nil {
		t.Fatalf("RegisterDevice() error = %v", err)
	}

	s := ast.Span{}
	p := &ast.Program{Functions: []*ast.Function{{
		Name: "main",
		Body: []ast.Stmt{
			&ast.ExprStmt{Value: &ast.Native{Name: "hal.write", Args: []ast.Expr{
				ast.StringLit("uart0", s), ast.IntLit(1, s), ast.IntLit(77, s),
			}}},
			&ast.Return{Value: &ast.Native{Name: "hal.read", Args: []ast.Expr{
				ast.StringLit("uart0", s), ast.IntLit(1, s),
			}}},
		},
	}}}

	v, err, events := runWithDrivers(t, p, drivers)
	if err != nil {
		t.Fatalf("execution error = %v", err)
	}
	if v.AsInt() != 77 {
		t.Errorf("read back = %v, want 77", v)
	}

	found := false
	for _, e := range events {
		if e.Kind == TelemetryRegisterWrite && e.Device == "uart0" && e.Index == 1 && e.Value == 77 {
			found = true
		}
	}
	if !found {
		t.Errorf("telemetry = %v, want a register write event", events)
	}
}

func TestNativeHALInterruptQueue(t *testing.T) {
	drivers := hal.NewRegistry()
	drivers.RegisterDevice("timer", 1)

	s := ast.Span{}
	p := &ast.Program{Functions: []*ast.Function{{
		Name: "main",
		Body: []ast.Stmt{
			&ast.ExprStmt{Value: &ast.Native{Name: "hal.irq.raise", Args: []ast.Expr{
				ast.StringLit("timer", s), ast.IntLit(5, s), ast.IntLit(99, s),
			}}},
			&ast.Return{Value: &ast.Native{Name: "hal.irq.next", Args: []ast.Expr{
				ast.StringLit("timer", s),
			}}},
		},
	}}}

	v, err, events := runWithDrivers(t, p, drivers)
	if err != nil {
		t.Fatalf("execution error = %v", err)
	}
	if v.AsInt() != 5 {
		t.Errorf("dequeued irq = %v, want 5", v)
	}

	found := false
	for _, e := range events {
		if e.Kind == TelemetryInterrupt && e.Device == "timer" && e.Index == 5 && e.Value == 99 {
			found = true
		}
	}
	if !found {
		t.Errorf("telemetry = %v, want an interrupt event", events)
	}
}

func TestNativeHALInterruptPayloadViaHandle(t *testing.T) {
	drivers := hal.NewRegistry()
	drivers.RegisterDevice("timer", 1)

	s := ast.Span{}
	p := &ast.Program{Functions: []*ast.Function{{
		Name: "main",
		Body: []ast.Stmt{
			&ast.ExprStmt{Value: &ast.Native{Name: "hal.irq.raise", Args: []ast.Expr{
				ast.StringLit("timer", s), ast.IntLit(5, s), ast.IntLit(99, s),
			}}},
			&ast.Let{Name: "h", Value: &ast.Native{Name: "mem.alloc", Args: []ast.Expr{ast.IntLit(8, s)}}},
			&ast.Let{Name: "irq", Value: &ast.Native{Name: "hal.irq.next", Args: []ast.Expr{
				ast.StringLit("timer", s), &ast.Ident{Name: "h"},
			}}},
			// irq * 100 + payload
			&ast.Return{Value: &ast.Binary{
				Op: ast.OpAdd,
				Left: &ast.Binary{
					Op: ast.OpMul, Left: &ast.Ident{Name: "irq"}, Right: ast.IntLit(100, s),
				},
				Right: &ast.Native{Name: "mem.load", Args: []ast.Expr{&ast.Ident{Name: "h"}}},
			}},
		},
	}}}

	v, err, _ := runWithDrivers(t, p, drivers)
	if err != nil {
		t.Fatalf("execution error = %v", err)
	}
	if v.AsInt() != 599 {
		t.Errorf("irq*100 + payload = %v, want 599", v)
	}
}

func TestNativeHALEmptyInterruptQueueReturnsNull(t *testing.T) {
	drivers := hal.NewRegistry()
	drivers.RegisterDevice("dma", 1)

	s := ast.Span{}
	p := &ast.Program{Functions: []*ast.Function{{
		Name: "main",
		Body: []ast.Stmt{
			&ast.Return{Value: &ast.Native{Name: "hal.irq.next", Args: []ast.Expr{
				ast.StringLit("dma", s),
			}}},
		},
	}}}

	v, err, _ := runWithDrivers(t, p, drivers)
	if err != nil {
		t.Fatalf("execution error = %v", err)
	}
	if v != Null {
		t.Errorf("empty queue = %v, want null", v)
	}
}

func TestNativeAllocationTelemetry(t *testing.T) {
	s := ast.Span{}
	p := &ast.Program{Functions: []*ast.Function{{
		Name: "main",
		Body: []ast.Stmt{
			&ast.Let{Name: "h", Value: &ast.Native{Name: "mem.alloc", Args: []ast.Expr{ast.IntLit(128, s)}}},
			&ast.Return{Value: &ast.Native{Name: "mem.release", Args: []ast.Expr{&ast.Ident{Name: "h"}}}},
		},
	}}}

	_, err, events := runWithDrivers(t, p, hal.NewRegistry())
	if err != nil {
		t.Fatalf("execution error = %v", err)
	}
	found := false
	for _, e := range events {
		if e.Kind == TelemetryAllocation && e.Value == 128 {
			found = true
		}
	}
	if !found {
		t.Errorf("telemetry = %v, want an allocation event", events)
	}
}

func TestNativeArgumentValidation(t *testing.T) {
	s := ast.Span{}
	// mem.alloc with a string argument fails with a frame-carrying panic.
	p := &ast.Program{Functions: []*ast.Function{{
		Name: "main",
		Body: []ast.Stmt{
			&ast.Return{Value: &ast.Native{Name: "mem.alloc", Args: []ast.Expr{ast.StringLit("big", s)}, Span: s}},
		},
	}}}
	_, err, _ := runWithDrivers(t, p, hal.NewRegistry())
	if err == nil {
		t.Fatalf("mem.alloc(string) succeeded, want error")
	}
	if _, ok := err.(*Panic); !ok {
		t.Errorf("error = %T, want *Panic", err)
	}
}

func TestNativeRegistryReplaceBinding(t *testing.T) {
	reg := NewNativeRegistry()
	reg.Register("answer", func(c *NativeCall) (Value, error) { return Int(1), nil })
	reg.Register("answer", func(c *NativeCall) (Value, error) { return Int(42), nil })

	fn, ok := reg.Lookup("answer")
	if !ok {
		t.Fatalf("Lookup() missed registered native")
	}
	v, err := fn(&NativeCall{Name: "answer"})
	if err != nil || v.AsInt() != 42 {
		t.Errorf("replaced binding = %v, %v; want 42", v, err)
	}
}

func TestInstructionCountTelemetry(t *testing.T) {
	s := ast.Span{}
	p := &ast.Program{Functions: []*ast.Function{{
		Name: "main",
		Body: []ast.Stmt{
			&ast.Return{Value: &ast.Binary{Op: ast.OpAdd, Left: ast.IntLit(2, s), Right: ast.IntLit(3, s)}},
		},
	}}}

	_, err, events := runWithDrivers(t, p, hal.NewRegistry())
	if err != nil {
		t.Fatalf("execution error = %v", err)
	}
	found := false
	for _, e := range events {
		if e.Kind == TelemetryInstructions && e.Value >= 4 {
			found = true
		}
	}
	if !found {
		t.Errorf("telemetry = %v, want an instruction count event", events)
	}
}
