package vm

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/svclang/svc/ast"
)

// spinProgram loops forever: while (true) {}.
func spinProgram() *ast.Program {
	s := ast.Span{}
	return &ast.Program{Functions: []*ast.Function{{
		Name: "main",
		Body: []ast.Stmt{
			&ast.While{Cond: ast.BoolLit(true, s)},
		},
	}}}
}

func testRuntime(t *testing.T, config Config) *Runtime {
	t.Helper()
	rt := Bootstrap(config)
	t.Cleanup(rt.Shutdown)
	return rt
}

func TestRuntimeExecuteModule(t *testing.T) {
	rt := testRuntime(t, Config{Workers: 2})

	m, err := Assemble(fibProgram(10))
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if err := rt.Register("fib", m); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	v, err := rt.Execute(m)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if v.AsInt() != 55 {
		t.Errorf("result = %v, want 55", v)
	}
	rt.RunLoop()
}

func TestRuntimeExecuteFunctionByName(t *testing.T) {
	rt := testRuntime(t, Config{})

	m, err := Assemble(fibProgram(10))
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	v, err := rt.ExecuteFunction(m, "fib", []Value{Int(7)})
	if err != nil {
		t.Fatalf("ExecuteFunction() error = %v", err)
	}
	if v.AsInt() != 13 {
		t.Errorf("fib(7) = %v, want 13", v)
	}

	if _, err := rt.ExecuteFunction(m, "missing", nil); err == nil {
		t.Errorf("ExecuteFunction(missing) succeeded, want error")
	}
}

func TestRuntimeExecuteFile(t *testing.T) {
	rt := testRuntime(t, Config{})

	m, err := Assemble(fibProgram(10))
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "fib.svc")
	if err := os.WriteFile(path, m.Encode(), 0o644); err != nil {
		t.Fatalf("writing module: %v", err)
	}

	var registered []string
	rt.Hooks().Telemetry = func(e TelemetryEvent) {
		if e.Kind == TelemetryModuleRegistered {
			registered = append(registered, e.Module)
		}
	}

	v, err := rt.ExecuteFile(path)
	if err != nil {
		t.Fatalf("ExecuteFile() error = %v", err)
	}
	if v.AsInt() != 55 {
		t.Errorf("result = %v, want 55", v)
	}
	if len(registered) != 1 || registered[0] != path {
		t.Errorf("registered modules = %v, want [%s]", registered, path)
	}
}

func TestRuntimeExecuteFileRejectsBadContainer(t *testing.T) {
	rt := testRuntime(t, Config{})

	path := filepath.Join(t.TempDir(), "bad.svc")
	if err := os.WriteFile(path, []byte("XXXX not a module"), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	if _, err := rt.ExecuteFile(path); err == nil {
		t.Errorf("ExecuteFile() accepted a bad container")
	}
	if _, err := rt.ExecuteFile(filepath.Join(t.TempDir(), "absent.svc")); err == nil {
		t.Errorf("ExecuteFile() accepted a missing file")
	}
}

func TestRuntimeRegisterValidation(t *testing.T) {
	rt := testRuntime(t, Config{})

	if err := rt.Register("empty", &Module{Version: ModuleVersion}); err == nil {
		t.Errorf("Register() accepted a module with no functions")
	}
	bad := &Module{Version: ModuleVersion, Entry: 3, Functions: []Function{{Name: "main"}}}
	if err := rt.Register("bad-entry", bad); err == nil {
		t.Errorf("Register() accepted an out-of-range entry")
	}
}

func TestRuntimeTimeoutBudget(t *testing.T) {
	rt := testRuntime(t, Config{Timeout: 5 * time.Millisecond})

	// Spin forever: while (true) {}
	m, err := Assemble(spinProgram())
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	_, err = rt.Execute(m)
	if _, ok := err.(*Timeout); !ok {
		t.Errorf("error = %v, want *Timeout", err)
	}
}

func TestRuntimeSharedContractAcrossInvocations(t *testing.T) {
	rt := testRuntime(t, Config{HeapCapacity: 1024})

	h, err := rt.MemoryContract().Allocate(1000)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if _, err := rt.MemoryContract().Allocate(100); err == nil {
		t.Errorf("second invocation's allocation ignored shared accounting")
	}
	rt.MemoryContract().Release(h)
}

func TestParseBackend(t *testing.T) {
	tests := []struct {
		name    string
		want    Backend
		wantErr bool
	}{
		{"", BackendInterpreter, false},
		{"interpreter", BackendInterpreter, false},
		{"arm-interpreter", BackendArmInterpreter, false},
		{"jit", BackendInterpreter, true},
	}
	for _, tt := range tests {
		got, err := ParseBackend(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseBackend(%q) error = %v, wantErr %t", tt.name, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseBackend(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
