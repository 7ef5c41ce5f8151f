package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Disassemble returns a human-readable listing of a module: constant pool,
// then each function with one instruction per line. Instructions with a
// debug symbol carry their source position as a trailing comment.
func Disassemble(m *Module) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "; svc module, version %#04x, entry #%d\n", m.Version, m.Entry)

	if len(m.Constants) > 0 {
		sb.WriteString("\n.constants\n")
		for i, c := range m.Constants {
			fmt.Fprintf(&sb, "  %4d  %s\n", i, c)
		}
	}

	for fi := range m.Functions {
		fn := &m.Functions[fi]
		fmt.Fprintf(&sb, "\n.func %s (arity %d, locals %d)", fn.Name, fn.Arity, fn.Locals)
		if uint32(fi) == m.Entry {
			sb.WriteString("  ; entry")
		}
		sb.WriteByte('\n')
		for pc, in := range fn.Instructions {
			fmt.Fprintf(&sb, "  %04d  %s", pc, in)
			if sym, ok := m.Symbol(in.Debug); ok {
				fmt.Fprintf(&sb, "  ; %s", sym)
			}
			sb.WriteByte('\n')
		}
	}

	return sb.String()
}
