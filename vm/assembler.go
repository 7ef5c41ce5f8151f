package vm

import (
	"fmt"

	"github.com/svclang/svc/ast"
)

// ---------------------------------------------------------------------------
// Assembler: lowers the front end's neutral AST into a Module
// ---------------------------------------------------------------------------

// AssembleError reports an AST construct that cannot be lowered. It carries
// the offending source span.
type AssembleError struct {
	Span    ast.Span
	Message string
}

func (e *AssembleError) Error() string {
	if e.Span.IsZero() {
		return fmt.Sprintf("assemble error: %s", e.Message)
	}
	return fmt.Sprintf("assemble error at %s: %s", e.Span, e.Message)
}

func assembleErrf(span ast.Span, format string, args ...any) *AssembleError {
	return &AssembleError{Span: span, Message: fmt.Sprintf(format, args...)}
}

// Assemble lowers a program into a bytecode module. The constant pool is
// deduplicated (one index per distinct literal), every emitted instruction
// records a debug symbol for its source span, and the entry function index
// points at the program's entry function.
func Assemble(program *ast.Program) (*Module, error) {
	if len(program.Functions) == 0 {
		return nil, assembleErrf(ast.Span{}, "program has no functions")
	}

	asm := &assembler{
		module:     &Module{Version: ModuleVersion},
		constIndex: make(map[constantKey]uint32),
		debugIndex: make(map[DebugSymbol]uint32),
		funcIndex:  make(map[string]uint32),
	}

	for i, fn := range program.Functions {
		if _, dup := asm.funcIndex[fn.Name]; dup {
			return nil, assembleErrf(fn.Span, "duplicate function %q", fn.Name)
		}
		asm.funcIndex[fn.Name] = uint32(i)
	}

	entry, ok := asm.funcIndex[program.EntryName()]
	if !ok {
		return nil, assembleErrf(ast.Span{}, "entry function %q is undefined", program.EntryName())
	}
	asm.module.Entry = entry

	for _, fn := range program.Functions {
		lowered, err := asm.lowerFunction(fn)
		if err != nil {
			return nil, err
		}
		asm.module.Functions = append(asm.module.Functions, lowered)
	}

	return asm.module, nil
}

type assembler struct {
	module     *Module
	constIndex map[constantKey]uint32
	debugIndex map[DebugSymbol]uint32
	funcIndex  map[string]uint32
}

// constant interns a pool entry, returning its deduplicated index.
func (asm *assembler) constant(c Constant) uint32 {
	if idx, ok := asm.constIndex[c.key()]; ok {
		return idx
	}
	idx := uint32(len(asm.module.Constants))
	asm.module.Constants = append(asm.module.Constants, c)
	asm.constIndex[c.key()] = idx
	return idx
}

// symbol interns a debug symbol, returning its index; NoDebug for synthetic
// spans.
func (asm *assembler) symbol(span ast.Span) uint32 {
	if span.IsZero() {
		return NoDebug
	}
	sym := DebugSymbol{File: span.File, Line: uint32(span.Line), Column: uint32(span.Column)}
	if idx, ok := asm.debugIndex[sym]; ok {
		return idx
	}
	idx := uint32(len(asm.module.Debug))
	asm.module.Debug = append(asm.module.Debug, sym)
	asm.debugIndex[sym] = idx
	return idx
}

// ---------------------------------------------------------------------------
// Function lowering
// ---------------------------------------------------------------------------

type funcAssembler struct {
	asm    *assembler
	fn     *ast.Function
	code   []Instruction
	slots  map[string]uint32 // local name -> slot
	nSlots uint16
}

func (asm *assembler) lowerFunction(fn *ast.Function) (Function, error) {
	fa := &funcAssembler{
		asm:   asm,
		fn:    fn,
		slots: make(map[string]uint32),
	}

	// Parameters occupy the first local slots in order.
	for _, p := range fn.Params {
		if _, dup := fa.slots[p]; dup {
			return Function{}, assembleErrf(fn.Span, "duplicate parameter %q in function %q", p, fn.Name)
		}
		fa.slots[p] = uint32(fa.nSlots)
		fa.nSlots++
	}

	if err := fa.lowerBlock(fn.Body); err != nil {
		return Function{}, err
	}

	// Implicit "return null" when the body can fall off the end. A body
	// already ending in a return gets no epilogue, so the pool holds only
	// constants the program mentions.
	if n := len(fa.code); n == 0 || fa.code[n-1].Op != OpReturn {
		fa.emit(OpLoadConst, asm.constant(NullConstant()), 0, ast.Span{})
		fa.emit(OpReturn, 0, 0, ast.Span{})
	}

	return Function{
		Name:         fn.Name,
		Arity:        uint16(len(fn.Params)),
		Locals:       fa.nSlots,
		Instructions: fa.code,
	}, nil
}

func (fa *funcAssembler) emit(op Opcode, a, b uint32, span ast.Span) int {
	fa.code = append(fa.code, Instruction{Op: op, A: a, B: b, Debug: fa.asm.symbol(span)})
	return len(fa.code) - 1
}

// patch rewrites the A operand of a previously emitted jump.
func (fa *funcAssembler) patch(at int, target uint32) {
	fa.code[at].A = target
}

func (fa *funcAssembler) here() uint32 {
	return uint32(len(fa.code))
}

func (fa *funcAssembler) lowerBlock(stmts []ast.Stmt) error {
	for _, s := range stmts {
		if err := fa.lowerStmt(s); err != nil {
			return err
		}
	}
	return nil
}

func (fa *funcAssembler) lowerStmt(s ast.Stmt) error {
	switch stmt := s.(type) {
	case *ast.Let:
		if _, dup := fa.slots[stmt.Name]; dup {
			return assembleErrf(stmt.Span, "variable %q redeclared in function %q", stmt.Name, fa.fn.Name)
		}
		if err := fa.lowerExpr(stmt.Value); err != nil {
			return err
		}
		slot := uint32(fa.nSlots)
		fa.slots[stmt.Name] = slot
		fa.nSlots++
		fa.emit(OpStoreLocal, slot, 0, stmt.Span)

	case *ast.Assign:
		slot, ok := fa.slots[stmt.Name]
		if !ok {
			return assembleErrf(stmt.Span, "assignment to undeclared variable %q", stmt.Name)
		}
		if err := fa.lowerExpr(stmt.Value); err != nil {
			return err
		}
		fa.emit(OpStoreLocal, slot, 0, stmt.Span)

	case *ast.ExprStmt:
		if err := fa.lowerExpr(stmt.Value); err != nil {
			return err
		}
		fa.emit(OpPop, 0, 0, stmt.Span)

	case *ast.Return:
		if stmt.Value != nil {
			if err := fa.lowerExpr(stmt.Value); err != nil {
				return err
			}
		} else {
			fa.emit(OpLoadConst, fa.asm.constant(NullConstant()), 0, stmt.Span)
		}
		fa.emit(OpReturn, 0, 0, stmt.Span)

	case *ast.If:
		if err := fa.lowerExpr(stmt.Cond); err != nil {
			return err
		}
		elseJump := fa.emit(OpJumpIfFalse, 0, 0, stmt.Span)
		if err := fa.lowerBlock(stmt.Then); err != nil {
			return err
		}
		if len(stmt.Else) > 0 {
			endJump := fa.emit(OpJump, 0, 0, stmt.Span)
			fa.patch(elseJump, fa.here())
			if err := fa.lowerBlock(stmt.Else); err != nil {
				return err
			}
			fa.patch(endJump, fa.here())
		} else {
			fa.patch(elseJump, fa.here())
		}

	case *ast.While:
		top := fa.here()
		if err := fa.lowerExpr(stmt.Cond); err != nil {
			return err
		}
		exitJump := fa.emit(OpJumpIfFalse, 0, 0, stmt.Span)
		if err := fa.lowerBlock(stmt.Body); err != nil {
			return err
		}
		fa.emit(OpJump, top, 0, stmt.Span)
		fa.patch(exitJump, fa.here())

	default:
		return assembleErrf(s.Pos(), "unsupported statement %T", s)
	}
	return nil
}

func (fa *funcAssembler) lowerExpr(e ast.Expr) error {
	switch expr := e.(type) {
	case *ast.Lit:
		fa.emit(OpLoadConst, fa.asm.constant(litConstant(expr)), 0, expr.Span)

	case *ast.Ident:
		slot, ok := fa.slots[expr.Name]
		if !ok {
			return assembleErrf(expr.Span, "undefined variable %q", expr.Name)
		}
		fa.emit(OpLoadLocal, slot, 0, expr.Span)

	case *ast.Unary:
		if err := fa.lowerExpr(expr.Operand); err != nil {
			return err
		}
		switch expr.Op {
		case ast.OpNegate:
			fa.emit(OpNeg, 0, 0, expr.Span)
		case ast.OpNot:
			fa.emit(OpNot, 0, 0, expr.Span)
		default:
			return assembleErrf(expr.Span, "unsupported unary operator %v", expr.Op)
		}

	case *ast.Binary:
		if err := fa.lowerExpr(expr.Left); err != nil {
			return err
		}
		if err := fa.lowerExpr(expr.Right); err != nil {
			return err
		}
		op, ok := binaryOpcodes[expr.Op]
		if !ok {
			return assembleErrf(expr.Span, "unsupported binary operator %v", expr.Op)
		}
		fa.emit(op, 0, 0, expr.Span)

	case *ast.Call:
		target, ok := fa.asm.funcIndex[expr.Callee]
		if !ok {
			return assembleErrf(expr.Span, "call to undefined function %q", expr.Callee)
		}
		for _, arg := range expr.Args {
			if err := fa.lowerExpr(arg); err != nil {
				return err
			}
		}
		op := OpCall
		if expr.Async {
			op = OpCallAsync
		}
		fa.emit(op, target, uint32(len(expr.Args)), expr.Span)

	case *ast.Native:
		nameIdx := fa.asm.constant(StringConstant(expr.Name))
		for _, arg := range expr.Args {
			if err := fa.lowerExpr(arg); err != nil {
				return err
			}
		}
		fa.emit(OpNative, nameIdx, uint32(len(expr.Args)), expr.Span)

	case *ast.Await:
		if err := fa.lowerExpr(expr.Task); err != nil {
			return err
		}
		fa.emit(OpAwait, 0, 0, expr.Span)

	default:
		return assembleErrf(e.Pos(), "unsupported expression %T", e)
	}
	return nil
}

var binaryOpcodes = map[ast.BinaryOp]Opcode{
	ast.OpAdd: OpAdd,
	ast.OpSub: OpSub,
	ast.OpMul: OpMul,
	ast.OpDiv: OpDiv,
	ast.OpRem: OpRem,
	ast.OpEq:  OpEq,
	ast.OpNe:  OpNe,
	ast.OpLt:  OpLt,
	ast.OpLe:  OpLe,
	ast.OpGt:  OpGt,
	ast.OpGe:  OpGe,
	ast.OpAnd: OpAnd,
	ast.OpOr:  OpOr,
}

func litConstant(lit *ast.Lit) Constant {
	switch lit.Kind {
	case ast.LitNull:
		return NullConstant()
	case ast.LitBool:
		return BoolConstant(lit.Bool)
	case ast.LitInt:
		return IntConstant(lit.Int)
	case ast.LitFloat:
		return FloatConstant(lit.Float)
	case ast.LitString:
		return StringConstant(lit.String)
	}
	return NullConstant()
}
