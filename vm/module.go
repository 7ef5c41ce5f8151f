package vm

import (
	"fmt"
	"math"
)

// Container identification for the .svc format.
var ModuleMagic = [4]byte{'S', 'V', 'C', '1'}

// ModuleVersion is the container version this runtime reads and writes.
const ModuleVersion uint16 = 0x0001

// ---------------------------------------------------------------------------
// Constant pool
// ---------------------------------------------------------------------------

// ConstantTag identifies the payload of a pool entry on the wire.
type ConstantTag byte

const (
	ConstNull   ConstantTag = 0x00
	ConstBool   ConstantTag = 0x01
	ConstInt    ConstantTag = 0x02 // 64-bit signed two's-complement
	ConstFloat  ConstantTag = 0x03 // 64-bit IEEE 754
	ConstString ConstantTag = 0x04 // u32 length + UTF-8 bytes
)

// Constant is one entry of a module's constant pool. Entries are deduplicated
// at assembly time: the same literal value maps to the same index within one
// module.
type Constant struct {
	Tag    ConstantTag
	Bool   bool
	Int    int64
	Float  float64
	Str    string
}

// Constant constructors.
func NullConstant() Constant           { return Constant{Tag: ConstNull} }
func BoolConstant(b bool) Constant     { return Constant{Tag: ConstBool, Bool: b} }
func IntConstant(i int64) Constant     { return Constant{Tag: ConstInt, Int: i} }
func FloatConstant(f float64) Constant { return Constant{Tag: ConstFloat, Float: f} }
func StringConstant(s string) Constant { return Constant{Tag: ConstString, Str: s} }

// Value materializes the constant as a runtime value. Repeated loads of the
// same pool entry yield value-equal results without re-allocating backing
// storage: string constants share the pool's string.
func (c Constant) Value() Value {
	switch c.Tag {
	case ConstNull:
		return Null
	case ConstBool:
		return Bool(c.Bool)
	case ConstInt:
		return Int(c.Int)
	case ConstFloat:
		return Float(c.Float)
	case ConstString:
		return Str(c.Str)
	}
	return Null
}

// key is the dedup identity of a constant. Floats dedup by bit pattern so
// that NaN payloads and signed zero survive the pool round trip.
func (c Constant) key() constantKey {
	k := constantKey{tag: c.Tag, str: c.Str}
	switch c.Tag {
	case ConstBool:
		if c.Bool {
			k.bits = 1
		}
	case ConstInt:
		k.bits = uint64(c.Int)
	case ConstFloat:
		k.bits = math.Float64bits(c.Float)
	}
	return k
}

type constantKey struct {
	tag  ConstantTag
	bits uint64
	str  string
}

func (c Constant) String() string {
	switch c.Tag {
	case ConstNull:
		return "null"
	case ConstBool:
		return fmt.Sprintf("bool(%t)", c.Bool)
	case ConstInt:
		return fmt.Sprintf("int(%d)", c.Int)
	case ConstFloat:
		return fmt.Sprintf("float(%g)", c.Float)
	case ConstString:
		return fmt.Sprintf("string(%q)", c.Str)
	}
	return fmt.Sprintf("constant(tag=%02X)", byte(c.Tag))
}

// ---------------------------------------------------------------------------
// Debug symbols
// ---------------------------------------------------------------------------

// DebugSymbol associates an instruction with its source position. Line and
// Column are 1-indexed.
type DebugSymbol struct {
	File   string
	Line   uint32
	Column uint32
}

func (d DebugSymbol) String() string {
	return fmt.Sprintf("%s:%d:%d", d.File, d.Line, d.Column)
}

// ---------------------------------------------------------------------------
// Functions and modules
// ---------------------------------------------------------------------------

// Function is one function of a module: name, arity, local slot count and
// the ordered instruction list. Owned by exactly one Module and immutable
// after assembly.
type Function struct {
	Name         string
	Arity        uint16
	Locals       uint16
	Instructions []Instruction
}

// Module is an immutable compiled unit. It is built once by the assembler or
// loaded from a .svc byte stream, then read-only; it may be shared across
// concurrent interpreter invocations.
type Module struct {
	Version   uint16
	Entry     uint32 // index into Functions
	Constants []Constant
	Debug     []DebugSymbol
	Functions []Function
}

// EntryFunction returns the designated entry function.
func (m *Module) EntryFunction() (*Function, error) {
	if int(m.Entry) >= len(m.Functions) {
		return nil, fmt.Errorf("invalid entry function index %d (module has %d functions)", m.Entry, len(m.Functions))
	}
	return &m.Functions[m.Entry], nil
}

// FunctionNamed returns the index of the named function, or -1.
func (m *Module) FunctionNamed(name string) int {
	for i := range m.Functions {
		if m.Functions[i].Name == name {
			return i
		}
	}
	return -1
}

// Symbol resolves a debug index, returning ok=false for NoDebug or an
// out-of-range index.
func (m *Module) Symbol(index uint32) (DebugSymbol, bool) {
	if index == NoDebug || int(index) >= len(m.Debug) {
		return DebugSymbol{}, false
	}
	return m.Debug[index], true
}

// Equal reports structural equality of two modules: same constants, debug
// symbols, functions, and entry point.
func (m *Module) Equal(other *Module) bool {
	if m.Version != other.Version || m.Entry != other.Entry {
		return false
	}
	if len(m.Constants) != len(other.Constants) ||
		len(m.Debug) != len(other.Debug) ||
		len(m.Functions) != len(other.Functions) {
		return false
	}
	for i := range m.Constants {
		if m.Constants[i].key() != other.Constants[i].key() {
			return false
		}
	}
	for i := range m.Debug {
		if m.Debug[i] != other.Debug[i] {
			return false
		}
	}
	for i := range m.Functions {
		a, b := &m.Functions[i], &other.Functions[i]
		if a.Name != b.Name || a.Arity != b.Arity || a.Locals != b.Locals ||
			len(a.Instructions) != len(b.Instructions) {
			return false
		}
		for j := range a.Instructions {
			if a.Instructions[j] != b.Instructions[j] {
				return false
			}
		}
	}
	return true
}
