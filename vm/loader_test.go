package vm

import (
	"errors"
	"testing"
)

func testModule() *Module {
	return &Module{
		Version: ModuleVersion,
		Entry:   1,
		Constants: []Constant{
			NullConstant(),
			BoolConstant(true),
			IntConstant(-42),
			FloatConstant(3.25),
			StringConstant("hello"),
		},
		Debug: []DebugSymbol{
			{File: "main.src", Line: 3, Column: 7},
		},
		Functions: []Function{
			{
				Name:  "helper",
				Arity: 2, Locals: 3,
				Instructions: []Instruction{
					Inst(OpLoadLocal, 0, 0),
					Inst(OpLoadLocal, 1, 0),
					Inst(OpAdd, 0, 0),
					Inst(OpReturn, 0, 0),
				},
			},
			{
				Name: "main",
				Instructions: []Instruction{
					{Op: OpLoadConst, A: 2, B: 0, Debug: 0},
					Inst(OpReturn, 0, 0),
				},
			},
		},
	}
}

func TestLoaderRoundTrip(t *testing.T) {
	m := testModule()
	data := m.Encode()

	loaded, err := LoadModule(data)
	if err != nil {
		t.Fatalf("LoadModule() error = %v", err)
	}
	if !m.Equal(loaded) {
		t.Errorf("round-tripped module differs from original")
	}
}

func TestLoaderRoundTripAssembled(t *testing.T) {
	m, err := Assemble(fibProgram(10))
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	loaded, err := LoadModule(m.Encode())
	if err != nil {
		t.Fatalf("LoadModule() error = %v", err)
	}
	if !m.Equal(loaded) {
		t.Errorf("round-tripped assembled module differs from original")
	}
}

func TestLoaderBadMagic(t *testing.T) {
	data := testModule().Encode()
	copy(data, "XXXX")

	_, err := LoadModule(data)
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("error = %v, want ErrInvalidMagic", err)
	}
	// Rejection happens in the header, before any table is read.
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want *FormatError", err)
	}
	if fe.Section != SectionHeader {
		t.Errorf("section = %v, want header", fe.Section)
	}
}

func TestLoaderVersionMismatch(t *testing.T) {
	data := testModule().Encode()
	data[4] = 0xFF
	data[5] = 0xFF

	_, err := LoadModule(data)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("error = %v, want ErrVersionMismatch", err)
	}
}

func TestLoaderTruncated(t *testing.T) {
	data := testModule().Encode()
	for _, cut := range []int{0, 3, len(data) / 2, len(data) - 1} {
		_, err := LoadModule(data[:cut])
		if err == nil {
			t.Errorf("LoadModule(%d bytes) succeeded, want error", cut)
			continue
		}
		if !errors.Is(err, ErrTruncated) && !errors.Is(err, ErrInvalidMagic) {
			t.Errorf("LoadModule(%d bytes) error = %v, want ErrTruncated", cut, err)
		}
	}
}

func TestLoaderTrailingBytes(t *testing.T) {
	data := append(testModule().Encode(), 0xAB)
	if _, err := LoadModule(data); err == nil {
		t.Errorf("LoadModule() accepted trailing bytes")
	}
}

func TestLoaderHostileCounts(t *testing.T) {
	// A count field whose records cannot fit in the remaining bytes must be
	// rejected up front, not drive a giant allocation.
	header := append([]byte{}, ModuleMagic[:]...)
	header = appendUint16(header, ModuleVersion)
	header = appendUint32(header, 0) // entry

	const huge = uint32(0xFFFFFFFF)

	constants := appendUint32(append([]byte{}, header...), huge)
	constants = append(constants, make([]byte, 8)...)

	debug := appendUint32(append([]byte{}, header...), 0)
	debug = appendUint32(debug, huge)

	functions := appendUint32(append([]byte{}, header...), 0)
	functions = appendUint32(functions, 0)
	functions = appendUint32(functions, huge)

	instructions := appendUint32(append([]byte{}, header...), 0)
	instructions = appendUint32(instructions, 0)
	instructions = appendUint32(instructions, 1)
	instructions = appendString(instructions, "m")
	instructions = appendUint16(instructions, 0)
	instructions = appendUint16(instructions, 0)
	instructions = appendUint32(instructions, huge)

	for _, tt := range []struct {
		name string
		data []byte
	}{
		{"constant count", constants},
		{"debug count", debug},
		{"function count", functions},
		{"instruction count", instructions},
	} {
		_, err := LoadModule(tt.data)
		if !errors.Is(err, ErrTruncated) {
			t.Errorf("%s: error = %v, want ErrTruncated", tt.name, err)
		}
		var fe *FormatError
		if !errors.As(err, &fe) {
			t.Errorf("%s: error = %v, want *FormatError", tt.name, err)
		}
	}
}

func TestLoaderUnknownOpcode(t *testing.T) {
	m := testModule()
	m.Functions[1].Instructions[0].Op = Opcode(0xEE)

	_, err := LoadModule(m.Encode())
	if !errors.Is(err, ErrUnknownOpcode) {
		t.Errorf("error = %v, want ErrUnknownOpcode", err)
	}
}

func TestLoaderUnknownConstantTag(t *testing.T) {
	m := testModule()
	m.Constants[0].Tag = ConstantTag(0x7F)

	_, err := LoadModule(m.Encode())
	if !errors.Is(err, ErrUnknownTag) {
		t.Errorf("error = %v, want ErrUnknownTag", err)
	}
}

func TestLoaderInvalidUTF8String(t *testing.T) {
	m := testModule()
	m.Constants[4] = StringConstant(string([]byte{0xFF, 0xFE}))

	_, err := LoadModule(m.Encode())
	if !errors.Is(err, ErrInvalidUTF8) {
		t.Errorf("error = %v, want ErrInvalidUTF8", err)
	}
}

func TestLoaderEntryOutOfRange(t *testing.T) {
	m := testModule()
	m.Entry = 9

	_, err := LoadModule(m.Encode())
	if err == nil {
		t.Errorf("LoadModule() accepted out-of-range entry index")
	}
}

func TestLoaderDebugIndexOutOfRange(t *testing.T) {
	m := testModule()
	m.Functions[1].Instructions[0].Debug = 77

	_, err := LoadModule(m.Encode())
	if err == nil {
		t.Errorf("LoadModule() accepted out-of-range debug index")
	}
}

func TestModuleSymbolLookup(t *testing.T) {
	m := testModule()

	sym, ok := m.Symbol(0)
	if !ok || sym.File != "main.src" || sym.Line != 3 || sym.Column != 7 {
		t.Errorf("Symbol(0) = %+v, %v; want main.src:3:7", sym, ok)
	}
	if _, ok := m.Symbol(NoDebug); ok {
		t.Errorf("Symbol(NoDebug) resolved, want none")
	}
	if _, ok := m.Symbol(99); ok {
		t.Errorf("Symbol(99) resolved, want none")
	}
}

func TestModuleFunctionNamed(t *testing.T) {
	m := testModule()
	if idx := m.FunctionNamed("helper"); idx != 0 {
		t.Errorf("FunctionNamed(helper) = %d, want 0", idx)
	}
	if idx := m.FunctionNamed("nope"); idx != -1 {
		t.Errorf("FunctionNamed(nope) = %d, want -1", idx)
	}
}
