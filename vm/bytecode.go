package vm

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode identifies a single bytecode instruction.
type Opcode byte

// Stack operations
const (
	OpNop Opcode = 0x00 // no operation
	OpPop Opcode = 0x01 // discard top of stack
	OpDup Opcode = 0x02 // duplicate top of stack
)

// Constants and locals
const (
	OpLoadConst  Opcode = 0x10 // push constant pool entry (a = index)
	OpLoadLocal  Opcode = 0x11 // push local slot (a = slot)
	OpStoreLocal Opcode = 0x12 // pop into local slot (a = slot)
)

// Arithmetic
const (
	OpAdd Opcode = 0x20 // pop b, pop a, push a + b
	OpSub Opcode = 0x21 // pop b, pop a, push a - b
	OpMul Opcode = 0x22 // pop b, pop a, push a * b
	OpDiv Opcode = 0x23 // pop b, pop a, push a / b
	OpRem Opcode = 0x24 // pop b, pop a, push a % b
	OpNeg Opcode = 0x25 // pop a, push -a
	OpNot Opcode = 0x26 // pop a, push logical not
)

// Comparisons and logic
const (
	OpEq  Opcode = 0x30 // push a == b
	OpNe  Opcode = 0x31 // push a != b
	OpLt  Opcode = 0x32 // push a < b
	OpLe  Opcode = 0x33 // push a <= b
	OpGt  Opcode = 0x34 // push a > b
	OpGe  Opcode = 0x35 // push a >= b
	OpAnd Opcode = 0x36 // push truthy(a) && truthy(b)
	OpOr  Opcode = 0x37 // push truthy(a) || truthy(b)
)

// Control flow
const (
	OpJump        Opcode = 0x40 // jump to instruction index (a = target)
	OpJumpIfFalse Opcode = 0x41 // pop, jump if not truthy (a = target)
)

// Calls
const (
	OpCall      Opcode = 0x50 // call function (a = function index, b = argc)
	OpCallAsync Opcode = 0x51 // schedule function on executor, push task (a = fn, b = argc)
	OpAwait     Opcode = 0x52 // pop task, suspend until it resolves, push result
	OpNative    Opcode = 0x53 // call host function (a = name constant index, b = argc)
	OpReturn    Opcode = 0x54 // pop return value, unwind frame
)

// Memory contract access
const (
	OpMemLoad  Opcode = 0x60 // pop handle, push value stored under it
	OpMemStore Opcode = 0x61 // pop value, pop handle, store value under handle
)

// NoDebug marks an instruction with no associated debug symbol.
const NoDebug uint32 = 0xFFFFFFFF

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name     string // human-readable name
	Operands int    // number of meaningful operands (0, 1 or 2)
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop: {"NOP", 0},
	OpPop: {"POP", 0},
	OpDup: {"DUP", 0},

	OpLoadConst:  {"LOAD_CONST", 1},
	OpLoadLocal:  {"LOAD_LOCAL", 1},
	OpStoreLocal: {"STORE_LOCAL", 1},

	OpAdd: {"ADD", 0},
	OpSub: {"SUB", 0},
	OpMul: {"MUL", 0},
	OpDiv: {"DIV", 0},
	OpRem: {"REM", 0},
	OpNeg: {"NEG", 0},
	OpNot: {"NOT", 0},

	OpEq:  {"CMP_EQ", 0},
	OpNe:  {"CMP_NE", 0},
	OpLt:  {"CMP_LT", 0},
	OpLe:  {"CMP_LE", 0},
	OpGt:  {"CMP_GT", 0},
	OpGe:  {"CMP_GE", 0},
	OpAnd: {"AND", 0},
	OpOr:  {"OR", 0},

	OpJump:        {"JUMP", 1},
	OpJumpIfFalse: {"JUMP_IF_FALSE", 1},

	OpCall:      {"CALL", 2},
	OpCallAsync: {"CALL_ASYNC", 2},
	OpAwait:     {"AWAIT", 0},
	OpNative:    {"NATIVE", 2},
	OpReturn:    {"RETURN", 0},

	OpMemLoad:  {"MEM_LOAD", 0},
	OpMemStore: {"MEM_STORE", 0},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// Instruction
// ---------------------------------------------------------------------------

// Instruction is one fixed-width bytecode instruction: an opcode, two 32-bit
// operands, and the index of its debug symbol (NoDebug for synthetic code).
// Instructions are immutable once emitted.
type Instruction struct {
	Op    Opcode
	A     uint32
	B     uint32
	Debug uint32
}

// Inst builds a synthetic instruction with no debug symbol.
func Inst(op Opcode, a, b uint32) Instruction {
	return Instruction{Op: op, A: a, B: b, Debug: NoDebug}
}

func (in Instruction) String() string {
	info := in.Op.Info()
	switch info.Operands {
	case 0:
		return info.Name
	case 1:
		return fmt.Sprintf("%s %d", info.Name, in.A)
	default:
		return fmt.Sprintf("%s %d %d", info.Name, in.A, in.B)
	}
}
