package patch

import (
	"fmt"

	"github.com/Rtoax/elfview/arch"
	"github.com/Rtoax/elfview/task"
	"golang.org/x/arch/x86/x86asm"
)

// checkCallSite verifies the first instruction of the function to patch is
// at least as long as the branch poked over it. aarch64 instructions are
// fixed-width, so only x86-64 needs the decode.
func checkCallSite(t *task.Task, isa arch.ISA, site uint64) error {
	if isa != arch.X8664 {
		return nil
	}
	buf := make([]byte, 16)
	if _, err := t.ReadMem(buf, site); err != nil {
		return err
	}
	inst, err := x86asm.Decode(buf, 64)
	if err != nil {
		return fmt.Errorf("decode call site %#x: %w", site, err)
	}
	if inst.Len < isa.McountInsnSize() {
		return fmt.Errorf("%w: %s at %#x starts with a %d-byte %s",
			ErrShortPrologue, isa, site, inst.Len, inst.Op)
	}
	return nil
}
