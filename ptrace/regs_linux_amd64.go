package ptrace

import (
	"golang.org/x/sys/unix"
)

// SyscallRegs composes the register file for one remote syscall per the
// x86-64 kernel ABI: number in rax, arguments in rdi, rsi, rdx, r10, r8, r9.
// All other registers are carried over from orig.
func SyscallRegs(orig *unix.PtraceRegs, ip uint64, nr uint64, args [6]uint64) unix.PtraceRegs {
	regs := *orig
	regs.SetPC(ip)
	regs.Rax = nr
	regs.Rdi = args[0]
	regs.Rsi = args[1]
	regs.Rdx = args[2]
	regs.R10 = args[3]
	regs.R8 = args[4]
	regs.R9 = args[5]
	return regs
}

// RetReg extracts the syscall return value register (rax).
func RetReg(regs *unix.PtraceRegs) uint64 {
	return regs.Rax
}
