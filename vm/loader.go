package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Format errors
// ---------------------------------------------------------------------------

var (
	ErrInvalidMagic    = errors.New("invalid magic number: expected SVC1")
	ErrVersionMismatch = errors.New("module version mismatch")
	ErrTruncated       = errors.New("unexpected end of module data")
	ErrInvalidUTF8     = errors.New("invalid UTF-8 sequence")
	ErrUnknownOpcode   = errors.New("unknown opcode")
	ErrUnknownTag      = errors.New("unknown constant tag")
)

// Container sections, in the order they appear on the wire.
const (
	SectionHeader    = "header"
	SectionConstants = "constants"
	SectionDebug     = "debug symbols"
	SectionFunctions = "functions"
)

// FormatError reports a malformed .svc container. It identifies the section
// being read and the byte offset at which decoding failed. A FormatError is
// fatal to the load attempt: no partial module is ever returned.
type FormatError struct {
	Section string
	Offset  int
	Err     error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("svc format error in %s section at offset %d: %v", e.Section, e.Offset, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

// LoadModule parses and validates a .svc byte stream. The magic and version
// are checked before any other section is read; any truncated or malformed
// section fails the whole load with a FormatError naming the section and
// offset.
func LoadModule(data []byte) (*Module, error) {
	r := &moduleReader{data: data, section: SectionHeader}

	var magic [4]byte
	if err := r.readFull(magic[:]); err != nil {
		return nil, err
	}
	if magic != ModuleMagic {
		return nil, r.failAt(0, fmt.Errorf("%w: got %q", ErrInvalidMagic, magic[:]))
	}

	version, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	if version != ModuleVersion {
		return nil, r.failAt(4, fmt.Errorf("%w: expected %#04x, got %#04x", ErrVersionMismatch, ModuleVersion, version))
	}

	entry, err := r.readUint32()
	if err != nil {
		return nil, err
	}

	m := &Module{Version: version, Entry: entry}

	r.section = SectionConstants
	if m.Constants, err = r.readConstants(); err != nil {
		return nil, err
	}

	r.section = SectionDebug
	if m.Debug, err = r.readDebugSymbols(); err != nil {
		return nil, err
	}

	r.section = SectionFunctions
	if m.Functions, err = r.readFunctions(); err != nil {
		return nil, err
	}

	if int(m.Entry) >= len(m.Functions) {
		return nil, r.fail(fmt.Errorf("entry function index %d out of range (%d functions)", m.Entry, len(m.Functions)))
	}
	for fi := range m.Functions {
		fn := &m.Functions[fi]
		for _, in := range fn.Instructions {
			if in.Debug != NoDebug && int(in.Debug) >= len(m.Debug) {
				return nil, r.fail(fmt.Errorf("debug index %d out of range in function %q (%d symbols)", in.Debug, fn.Name, len(m.Debug)))
			}
		}
	}
	if r.offset != len(r.data) {
		return nil, r.fail(fmt.Errorf("%d trailing bytes after function table", len(r.data)-r.offset))
	}

	return m, nil
}

// moduleReader walks the byte stream, tracking the current section for error
// reporting.
type moduleReader struct {
	data    []byte
	offset  int
	section string
}

func (r *moduleReader) fail(err error) error {
	return &FormatError{Section: r.section, Offset: r.offset, Err: err}
}

func (r *moduleReader) failAt(offset int, err error) error {
	return &FormatError{Section: r.section, Offset: offset, Err: err}
}

func (r *moduleReader) readFull(dst []byte) error {
	if r.offset+len(dst) > len(r.data) {
		return r.fail(ErrTruncated)
	}
	copy(dst, r.data[r.offset:])
	r.offset += len(dst)
	return nil
}

func (r *moduleReader) readByte() (byte, error) {
	if r.offset >= len(r.data) {
		return 0, r.fail(ErrTruncated)
	}
	b := r.data[r.offset]
	r.offset++
	return b, nil
}

func (r *moduleReader) readUint16() (uint16, error) {
	if r.offset+2 > len(r.data) {
		return 0, r.fail(ErrTruncated)
	}
	v := binary.LittleEndian.Uint16(r.data[r.offset:])
	r.offset += 2
	return v, nil
}

func (r *moduleReader) readUint32() (uint32, error) {
	if r.offset+4 > len(r.data) {
		return 0, r.fail(ErrTruncated)
	}
	v := binary.LittleEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return v, nil
}

func (r *moduleReader) readUint64() (uint64, error) {
	if r.offset+8 > len(r.data) {
		return 0, r.fail(ErrTruncated)
	}
	v := binary.LittleEndian.Uint64(r.data[r.offset:])
	r.offset += 8
	return v, nil
}

// readCount reads a record count and rejects any count whose records could
// not fit in the remaining bytes, so a hostile count never drives a huge
// preallocation.
func (r *moduleReader) readCount(minRecordSize int) (uint32, error) {
	count, err := r.readUint32()
	if err != nil {
		return 0, err
	}
	remaining := len(r.data) - r.offset
	if uint64(count)*uint64(minRecordSize) > uint64(remaining) {
		return 0, r.failAt(r.offset-4, fmt.Errorf("%w: %d records in %d remaining bytes", ErrTruncated, count, remaining))
	}
	return count, nil
}

func (r *moduleReader) readString() (string, error) {
	length, err := r.readUint32()
	if err != nil {
		return "", err
	}
	if r.offset+int(length) > len(r.data) {
		return "", r.fail(ErrTruncated)
	}
	raw := r.data[r.offset : r.offset+int(length)]
	if !utf8.Valid(raw) {
		return "", r.fail(ErrInvalidUTF8)
	}
	r.offset += int(length)
	return string(raw), nil
}

// ---------------------------------------------------------------------------
// Section readers
// ---------------------------------------------------------------------------

func (r *moduleReader) readConstants() ([]Constant, error) {
	count, err := r.readCount(1) // a Null constant is a lone tag byte
	if err != nil {
		return nil, err
	}
	constants := make([]Constant, 0, count)
	for i := uint32(0); i < count; i++ {
		tag, err := r.readByte()
		if err != nil {
			return nil, err
		}
		var c Constant
		switch ConstantTag(tag) {
		case ConstNull:
			c = NullConstant()
		case ConstBool:
			b, err := r.readByte()
			if err != nil {
				return nil, err
			}
			c = BoolConstant(b != 0)
		case ConstInt:
			bits, err := r.readUint64()
			if err != nil {
				return nil, err
			}
			c = IntConstant(int64(bits))
		case ConstFloat:
			bits, err := r.readUint64()
			if err != nil {
				return nil, err
			}
			c = FloatConstant(math.Float64frombits(bits))
		case ConstString:
			s, err := r.readString()
			if err != nil {
				return nil, err
			}
			c = StringConstant(s)
		default:
			return nil, r.fail(fmt.Errorf("%w: %#02x", ErrUnknownTag, tag))
		}
		constants = append(constants, c)
	}
	return constants, nil
}

func (r *moduleReader) readDebugSymbols() ([]DebugSymbol, error) {
	count, err := r.readCount(12) // empty file name + line + column
	if err != nil {
		return nil, err
	}
	symbols := make([]DebugSymbol, 0, count)
	for i := uint32(0); i < count; i++ {
		file, err := r.readString()
		if err != nil {
			return nil, err
		}
		line, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		column, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		symbols = append(symbols, DebugSymbol{File: file, Line: line, Column: column})
	}
	return symbols, nil
}

func (r *moduleReader) readFunctions() ([]Function, error) {
	count, err := r.readCount(12) // empty name + arity + locals + instruction count
	if err != nil {
		return nil, err
	}
	functions := make([]Function, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := r.readString()
		if err != nil {
			return nil, err
		}
		arity, err := r.readUint16()
		if err != nil {
			return nil, err
		}
		locals, err := r.readUint16()
		if err != nil {
			return nil, err
		}
		instrCount, err := r.readCount(instructionWireSize)
		if err != nil {
			return nil, err
		}
		instructions := make([]Instruction, 0, instrCount)
		for j := uint32(0); j < instrCount; j++ {
			opByte, err := r.readByte()
			if err != nil {
				return nil, err
			}
			op := Opcode(opByte)
			if !op.Valid() {
				return nil, r.failAt(r.offset-1, fmt.Errorf("%w: %#02x in function %q", ErrUnknownOpcode, opByte, name))
			}
			a, err := r.readUint32()
			if err != nil {
				return nil, err
			}
			b, err := r.readUint32()
			if err != nil {
				return nil, err
			}
			debug, err := r.readUint32()
			if err != nil {
				return nil, err
			}
			instructions = append(instructions, Instruction{Op: op, A: a, B: b, Debug: debug})
		}
		functions = append(functions, Function{
			Name:         name,
			Arity:        arity,
			Locals:       locals,
			Instructions: instructions,
		})
	}
	return functions, nil
}
