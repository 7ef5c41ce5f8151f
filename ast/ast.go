// Package ast defines the architecture-neutral tree handed to the assembler
// by the language front end. The runtime never re-parses source text; the
// front end resolves escapes, precedence, and scoping before building these
// nodes.
package ast

import "fmt"

// Span locates a node in its original source file. Line and Column are
// 1-indexed; a zero Span means the node is synthetic.
type Span struct {
	File   string
	Line   int
	Column int
}

// IsZero reports whether the span carries no source location.
func (s Span) IsZero() bool {
	return s.File == "" && s.Line == 0 && s.Column == 0
}

func (s Span) String() string {
	return fmt.Sprintf("%s:%d:%d", s.File, s.Line, s.Column)
}

// ---------------------------------------------------------------------------
// Program and functions
// ---------------------------------------------------------------------------

// Program is a complete compilation unit: an ordered list of functions and
// the name of the one the module starts in.
type Program struct {
	Functions []*Function
	Entry     string // function name; empty means "main"
}

// EntryName returns the configured entry function name.
func (p *Program) EntryName() string {
	if p.Entry == "" {
		return "main"
	}
	return p.Entry
}

// Function is a named function with positional parameters.
type Function struct {
	Name   string
	Params []string
	Body   []Stmt
	Span   Span
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

// Stmt is implemented by all statement nodes.
type Stmt interface {
	Pos() Span
	stmtNode()
}

// Let declares a new local and initializes it.
type Let struct {
	Name  string
	Value Expr
	Span  Span
}

// Assign stores into an existing local.
type Assign struct {
	Name  string
	Value Expr
	Span  Span
}

// ExprStmt evaluates an expression for its effect and discards the result.
type ExprStmt struct {
	Value Expr
	Span  Span
}

// Return exits the enclosing function. A nil Value returns null.
type Return struct {
	Value Expr
	Span  Span
}

// If is a structured conditional. Else may be empty.
type If struct {
	Cond Expr
	Then []Stmt
	Else []Stmt
	Span Span
}

// While is a structured pre-test loop.
type While struct {
	Cond Expr
	Body []Stmt
	Span Span
}

func (s *Let) Pos() Span      { return s.Span }
func (s *Assign) Pos() Span   { return s.Span }
func (s *ExprStmt) Pos() Span { return s.Span }
func (s *Return) Pos() Span   { return s.Span }
func (s *If) Pos() Span       { return s.Span }
func (s *While) Pos() Span    { return s.Span }

func (*Let) stmtNode()      {}
func (*Assign) stmtNode()   {}
func (*ExprStmt) stmtNode() {}
func (*Return) stmtNode()   {}
func (*If) stmtNode()       {}
func (*While) stmtNode()    {}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// Expr is implemented by all expression nodes.
type Expr interface {
	Pos() Span
	exprNode()
}

// Literal kinds carried by Lit.
type LitKind int

const (
	LitNull LitKind = iota
	LitBool
	LitInt
	LitFloat
	LitString
)

// Lit is a literal constant.
type Lit struct {
	Kind   LitKind
	Bool   bool
	Int    int64
	Float  float64
	String string
	Span   Span
}

// NullLit builds a null literal.
func NullLit(span Span) *Lit { return &Lit{Kind: LitNull, Span: span} }

// BoolLit builds a boolean literal.
func BoolLit(v bool, span Span) *Lit { return &Lit{Kind: LitBool, Bool: v, Span: span} }

// IntLit builds an integer literal.
func IntLit(v int64, span Span) *Lit { return &Lit{Kind: LitInt, Int: v, Span: span} }

// FloatLit builds a float literal.
func FloatLit(v float64, span Span) *Lit { return &Lit{Kind: LitFloat, Float: v, Span: span} }

// StringLit builds a string literal.
func StringLit(v string, span Span) *Lit { return &Lit{Kind: LitString, String: v, Span: span} }

// Ident references a local variable or parameter.
type Ident struct {
	Name string
	Span Span
}

// Unary operator expression.
type Unary struct {
	Op      UnaryOp
	Operand Expr
	Span    Span
}

// Binary operator expression.
type Binary struct {
	Op    BinaryOp
	Left  Expr
	Right Expr
	Span  Span
}

// Call invokes another function in the same program. When Async is set the
// call is scheduled on the task executor and evaluates to an awaitable task.
type Call struct {
	Callee string
	Args   []Expr
	Async  bool
	Span   Span
}

// Native invokes a registered host function by name.
type Native struct {
	Name string
	Args []Expr
	Span Span
}

// Await suspends until an awaitable task resolves and yields its result.
type Await struct {
	Task Expr
	Span Span
}

func (e *Lit) Pos() Span    { return e.Span }
func (e *Ident) Pos() Span  { return e.Span }
func (e *Unary) Pos() Span  { return e.Span }
func (e *Binary) Pos() Span { return e.Span }
func (e *Call) Pos() Span   { return e.Span }
func (e *Native) Pos() Span { return e.Span }
func (e *Await) Pos() Span  { return e.Span }

func (*Lit) exprNode()    {}
func (*Ident) exprNode()  {}
func (*Unary) exprNode()  {}
func (*Binary) exprNode() {}
func (*Call) exprNode()   {}
func (*Native) exprNode() {}
func (*Await) exprNode()  {}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

// UnaryOp enumerates prefix operators.
type UnaryOp int

const (
	OpNegate UnaryOp = iota
	OpNot
)

// BinaryOp enumerates infix operators.
type BinaryOp int

const (
	OpAdd BinaryOp = iota
	OpSub
	OpMul
	OpDiv
	OpRem
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAnd
	OpOr
)

var binaryOpNames = map[BinaryOp]string{
	OpAdd: "+", OpSub: "-", OpMul: "*", OpDiv: "/", OpRem: "%",
	OpEq: "==", OpNe: "!=", OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">=",
	OpAnd: "&&", OpOr: "||",
}

func (op BinaryOp) String() string {
	if name, ok := binaryOpNames[op]; ok {
		return name
	}
	return fmt.Sprintf("BinaryOp(%d)", int(op))
}

func (op UnaryOp) String() string {
	switch op {
	case OpNegate:
		return "-"
	case OpNot:
		return "!"
	}
	return fmt.Sprintf("UnaryOp(%d)", int(op))
}
