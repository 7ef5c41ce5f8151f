// svc CLI - loads, inspects and runs bytecode modules.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/svclang/svc/ast"
	"github.com/svclang/svc/manifest"
	"github.com/svclang/svc/store"
	"github.com/svclang/svc/vm"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "run":
		err = cmdRun(args[1:])
	case "asm":
		err = cmdAsm(args[1:])
	case "dis":
		err = cmdDis(args[1:])
	case "store":
		err = cmdStore(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "svc: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: svc <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  run <file.svc>       Execute a module's entry function\n")
	fmt.Fprintf(os.Stderr, "  asm [-o out.svc]     Assemble the built-in demo program\n")
	fmt.Fprintf(os.Stderr, "  dis <file.svc>       Disassemble a module\n")
	fmt.Fprintf(os.Stderr, "  store put|list       Manage the module store\n\n")
	fmt.Fprintf(os.Stderr, "Runtime settings are read from svc.toml when present.\n")
}

// loadManifest finds the project manifest, falling back to defaults when the
// working tree has none.
func loadManifest() (*manifest.Manifest, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	m, err := manifest.FindAndLoad(wd)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = &manifest.Manifest{Dir: wd}
		m.Runtime.StackSize = 256
		m.Runtime.Backend = "interpreter"
	}
	return m, nil
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	timeoutMs := fs.Int64("timeout-ms", 0, "Override the manifest's execution budget")
	workers := fs.Int("workers", 0, "Override the manifest's worker count")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("run expects exactly one module file")
	}

	m, err := loadManifest()
	if err != nil {
		return err
	}
	if *timeoutMs != 0 {
		m.Runtime.TimeoutMs = *timeoutMs
	}
	if *workers != 0 {
		m.Runtime.Workers = *workers
	}

	backend, err := vm.ParseBackend(m.Runtime.Backend)
	if err != nil {
		return err
	}
	rt := vm.Bootstrap(vm.Config{
		StackSize:    m.Runtime.StackSize,
		HeapCapacity: m.Runtime.HeapCapacity,
		Workers:      m.Runtime.Workers,
		Timeout:      time.Duration(m.Runtime.TimeoutMs) * time.Millisecond,
		Backend:      backend,
	})
	defer rt.Shutdown()

	result, err := rt.ExecuteFile(fs.Arg(0))
	if err != nil {
		return err
	}
	rt.RunLoop()
	fmt.Println(result)
	return nil
}

func cmdAsm(args []string) error {
	fs := flag.NewFlagSet("asm", flag.ExitOnError)
	out := fs.String("o", "demo.svc", "Output file")
	fs.Parse(args)

	module, err := vm.Assemble(demoProgram())
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, module.Encode(), 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d functions, %d constants)\n", *out, len(module.Functions), len(module.Constants))
	return nil
}

func cmdDis(args []string) error {
	fs := flag.NewFlagSet("dis", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("dis expects exactly one module file")
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	module, err := vm.LoadModule(data)
	if err != nil {
		return err
	}
	fmt.Print(vm.Disassemble(module))
	return nil
}

func cmdStore(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("store expects put or list")
	}

	m, err := loadManifest()
	if err != nil {
		return err
	}
	s, err := store.Open(m.StorePath())
	if err != nil {
		return err
	}
	defer s.Close()

	switch args[0] {
	case "put":
		if len(args) != 2 {
			return fmt.Errorf("store put expects one module file")
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		// Reject containers the loader would refuse.
		if _, err := vm.LoadModule(data); err != nil {
			return err
		}
		digest, err := s.Put(args[1], data)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", hex.EncodeToString(digest[:]), args[1])
		return nil
	case "list":
		entries, err := s.List()
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s %s\n", hex.EncodeToString(e.Digest[:]), e.Name)
		}
		return nil
	default:
		return fmt.Errorf("unknown store command %q", args[0])
	}
}

// demoProgram builds a small program exercising calls, control flow and
// async tasks: computes fib(10) on a spawned task and awaits it.
func demoProgram() *ast.Program {
	span := func(line int) ast.Span { return ast.Span{File: "demo.svc.src", Line: line, Column: 1} }

	fib := &ast.Function{
		Name:   "fib",
		Params: []string{"n"},
		Span:   span(1),
		Body: []ast.Stmt{
			&ast.If{
				Cond: &ast.Binary{Op: ast.OpLt, Left: &ast.Ident{Name: "n", Span: span(2)}, Right: ast.IntLit(2, span(2)), Span: span(2)},
				Then: []ast.Stmt{
					&ast.Return{Value: &ast.Ident{Name: "n", Span: span(3)}, Span: span(3)},
				},
				Span: span(2),
			},
			&ast.Return{
				Value: &ast.Binary{
					Op: ast.OpAdd,
					Left: &ast.Call{Callee: "fib", Args: []ast.Expr{
						&ast.Binary{Op: ast.OpSub, Left: &ast.Ident{Name: "n", Span: span(5)}, Right: ast.IntLit(1, span(5)), Span: span(5)},
					}, Span: span(5)},
					Right: &ast.Call{Callee: "fib", Args: []ast.Expr{
						&ast.Binary{Op: ast.OpSub, Left: &ast.Ident{Name: "n", Span: span(5)}, Right: ast.IntLit(2, span(5)), Span: span(5)},
					}, Span: span(5)},
					Span: span(5),
				},
				Span: span(5),
			},
		},
	}

	main := &ast.Function{
		Name: "main",
		Span: span(8),
		Body: []ast.Stmt{
			&ast.Let{Name: "t", Value: &ast.Call{
				Callee: "fib",
				Args:   []ast.Expr{ast.IntLit(10, span(9))},
				Async:  true,
				Span:   span(9),
			}, Span: span(9)},
			&ast.Return{Value: &ast.Await{Task: &ast.Ident{Name: "t", Span: span(10)}, Span: span(10)}, Span: span(10)},
		},
	}

	return &ast.Program{Functions: []*ast.Function{fib, main}, Entry: "main"}
}
