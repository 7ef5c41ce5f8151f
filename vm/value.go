package vm

import (
	"fmt"
	"math"
	"strconv"
)

// ---------------------------------------------------------------------------
// Value: the runtime's tagged union
// ---------------------------------------------------------------------------

// Kind discriminates the payload of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindHandle

	// KindTask is runtime-internal: it references an in-flight asynchronous
	// call on the operand stack. Task values never appear in the constant
	// pool and never cross the host boundary.
	KindTask
)

var kindNames = [...]string{"null", "bool", "int", "float", "string", "handle", "task"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Value is an immutable tagged value. Scalars are stored inline; strings in
// str; handles and tasks carry their identifier in bits. A Handle is an
// opaque reference into the memory contract and is never dereferenced
// outside it: equality on handles is by identity, not contents.
type Value struct {
	kind Kind
	bits uint64
	str  string
}

// Null is the null value.
var Null = Value{kind: KindNull}

// True and False are the boolean values.
var (
	True  = Value{kind: KindBool, bits: 1}
	False = Value{kind: KindBool, bits: 0}
)

// Bool returns a boolean value.
func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Int returns a 64-bit signed integer value.
func Int(i int64) Value {
	return Value{kind: KindInt, bits: uint64(i)}
}

// Float returns a 64-bit IEEE 754 float value.
func Float(f float64) Value {
	return Value{kind: KindFloat, bits: math.Float64bits(f)}
}

// Str returns a string value.
func Str(s string) Value {
	return Value{kind: KindString, str: s}
}

// Handle wraps a memory contract handle as a value.
func Handle(h MemoryHandle) Value {
	return Value{kind: KindHandle, bits: uint64(h)}
}

// taskValue wraps a task identifier for the operand stack.
func taskValue(id uint64) Value {
	return Value{kind: KindTask, bits: id}
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Kind returns the value's discriminant.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsNumber reports whether v is an int or a float.
func (v Value) IsNumber() bool { return v.kind == KindInt || v.kind == KindFloat }

// AsBool returns the boolean payload. Panics on other kinds.
func (v Value) AsBool() bool {
	if v.kind != KindBool {
		panic("Value.AsBool: not a bool")
	}
	return v.bits != 0
}

// AsInt returns the integer payload. Panics on other kinds.
func (v Value) AsInt() int64 {
	if v.kind != KindInt {
		panic("Value.AsInt: not an int")
	}
	return int64(v.bits)
}

// AsFloat returns the float payload. Panics on other kinds.
func (v Value) AsFloat() float64 {
	if v.kind != KindFloat {
		panic("Value.AsFloat: not a float")
	}
	return math.Float64frombits(v.bits)
}

// AsString returns the string payload. Panics on other kinds.
func (v Value) AsString() string {
	if v.kind != KindString {
		panic("Value.AsString: not a string")
	}
	return v.str
}

// AsHandle returns the memory handle payload. Panics on other kinds.
func (v Value) AsHandle() MemoryHandle {
	if v.kind != KindHandle {
		panic("Value.AsHandle: not a handle")
	}
	return MemoryHandle(v.bits)
}

func (v Value) taskID() uint64 {
	if v.kind != KindTask {
		panic("Value.taskID: not a task")
	}
	return v.bits
}

// Number returns the value as a float64 for mixed-type arithmetic and
// ordering. Only valid for numbers.
func (v Value) Number() float64 {
	switch v.kind {
	case KindInt:
		return float64(int64(v.bits))
	case KindFloat:
		return math.Float64frombits(v.bits)
	}
	panic("Value.Number: not a number")
}

// Truthy reports the value's boolean interpretation: null and false are
// falsy, everything else is truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.bits != 0
	}
	return true
}

// Equal reports structural equality for scalars and strings, identity for
// handles and tasks. Int and float never compare equal across kinds.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	if v.kind == KindString {
		return v.str == other.str
	}
	return v.bits == other.bits
}

// String renders the value for diagnostics and log output.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.bits != 0)
	case KindInt:
		return strconv.FormatInt(int64(v.bits), 10)
	case KindFloat:
		return strconv.FormatFloat(math.Float64frombits(v.bits), 'g', -1, 64)
	case KindString:
		return v.str
	case KindHandle:
		return fmt.Sprintf("<handle %d>", v.bits)
	case KindTask:
		return fmt.Sprintf("<task %d>", v.bits)
	}
	return fmt.Sprintf("<invalid %d>", v.kind)
}
