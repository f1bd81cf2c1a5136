package ptrace

import (
	"golang.org/x/sys/unix"
)

// SyscallRegs composes the register file for one remote syscall per the
// aarch64 kernel ABI: number in x8, arguments in x0..x5. All other registers
// are carried over from orig.
func SyscallRegs(orig *unix.PtraceRegs, ip uint64, nr uint64, args [6]uint64) unix.PtraceRegs {
	regs := *orig
	regs.SetPC(ip)
	regs.Regs[8] = nr
	regs.Regs[0] = args[0]
	regs.Regs[1] = args[1]
	regs.Regs[2] = args[2]
	regs.Regs[3] = args[3]
	regs.Regs[4] = args[4]
	regs.Regs[5] = args[5]
	return regs
}

// RetReg extracts the syscall return value register (x0).
func RetReg(regs *unix.PtraceRegs) uint64 {
	return regs.Regs[0]
}
