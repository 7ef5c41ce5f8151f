package vm

import (
	"encoding/binary"
	"math"
)

// ---------------------------------------------------------------------------
// Module encoding: the .svc binary container
// ---------------------------------------------------------------------------
//
// Layout, little-endian:
//
//	magic "SVC1" | u16 version | u32 entry index
//	u32 constant count, constant records
//	u32 debug symbol count, debug records
//	u32 function count, function records
//
// Constant record: u8 tag + payload. Debug record: u32 filename length,
// filename bytes, u32 line, u32 column. Function record: u32 name length,
// name bytes, u16 arity, u16 locals, u32 instruction count, instructions.
// Instruction: u8 opcode, u32 operand a, u32 operand b, u32 debug index.

// instructionWireSize is the fixed encoded width of one instruction.
const instructionWireSize = 1 + 4 + 4 + 4

// Encode serializes the module to its binary container form.
func (m *Module) Encode() []byte {
	buf := make([]byte, 0, m.encodedSizeHint())

	buf = append(buf, ModuleMagic[:]...)
	buf = appendUint16(buf, m.Version)
	buf = appendUint32(buf, m.Entry)

	buf = appendUint32(buf, uint32(len(m.Constants)))
	for i := range m.Constants {
		buf = appendConstant(buf, &m.Constants[i])
	}

	buf = appendUint32(buf, uint32(len(m.Debug)))
	for i := range m.Debug {
		d := &m.Debug[i]
		buf = appendString(buf, d.File)
		buf = appendUint32(buf, d.Line)
		buf = appendUint32(buf, d.Column)
	}

	buf = appendUint32(buf, uint32(len(m.Functions)))
	for i := range m.Functions {
		fn := &m.Functions[i]
		buf = appendString(buf, fn.Name)
		buf = appendUint16(buf, fn.Arity)
		buf = appendUint16(buf, fn.Locals)
		buf = appendUint32(buf, uint32(len(fn.Instructions)))
		for _, in := range fn.Instructions {
			buf = append(buf, byte(in.Op))
			buf = appendUint32(buf, in.A)
			buf = appendUint32(buf, in.B)
			buf = appendUint32(buf, in.Debug)
		}
	}

	return buf
}

func (m *Module) encodedSizeHint() int {
	size := 4 + 2 + 4 + 12 // header + section counts
	for i := range m.Constants {
		size += 1 + 8 + 4 + len(m.Constants[i].Str)
	}
	for i := range m.Debug {
		size += 12 + len(m.Debug[i].File)
	}
	for i := range m.Functions {
		size += 12 + len(m.Functions[i].Name) + instructionWireSize*len(m.Functions[i].Instructions)
	}
	return size
}

func appendConstant(buf []byte, c *Constant) []byte {
	buf = append(buf, byte(c.Tag))
	switch c.Tag {
	case ConstNull:
	case ConstBool:
		if c.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case ConstInt:
		buf = appendUint64(buf, uint64(c.Int))
	case ConstFloat:
		buf = appendUint64(buf, math.Float64bits(c.Float))
	case ConstString:
		buf = appendString(buf, c.Str)
	}
	return buf
}

// ---------------------------------------------------------------------------
// Little-endian append helpers
// ---------------------------------------------------------------------------

func appendUint16(buf []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(buf, v)
}

func appendUint32(buf []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, v)
}

func appendUint64(buf []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, v)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}
