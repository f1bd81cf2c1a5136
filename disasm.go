package elfview

import (
	"fmt"
	"io"

	"github.com/Rtoax/elfview/arch"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Disasm writes a GNU-syntax disassembly of code, labelled as if it lived
// at pc, to w. Undecodable bytes stop the listing with an error after
// everything decoded so far has been written.
func Disasm(w io.Writer, code []byte, pc uint64) error {
	if arch.Host() == arch.AArch64 {
		for off := 0; off+4 <= len(code); off += 4 {
			inst, err := arm64asm.Decode(code[off:])
			if err != nil {
				return fmt.Errorf("decode at %#x: %w", pc+uint64(off), err)
			}
			fmt.Fprintf(w, "%#x:\t% x\t%s\n",
				pc+uint64(off), code[off:off+4], arm64asm.GNUSyntax(inst))
		}
		return nil
	}

	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return fmt.Errorf("decode at %#x: %w", pc+uint64(off), err)
		}
		fmt.Fprintf(w, "%#x:\t% x\t%s\n",
			pc+uint64(off), code[off:off+inst.Len],
			x86asm.GNUSyntax(inst, pc+uint64(off), nil))
		off += inst.Len
	}
	return nil
}
