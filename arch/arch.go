// Package arch encodes the small set of machine instructions needed to
// redirect control flow in a target process: relative calls and jumps, the
// call-site sized nop, the far-jump table entry, and the syscall splice. The
// encoders are pure; all pokes into a target happen elsewhere.
package arch

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
)

// An ISA selects the instruction encodings for one target architecture.
type ISA int

const (
	X8664 ISA = iota
	AArch64
)

var (
	ErrReach     = errors.New("destination out of branch reach")
	ErrUnaligned = errors.New("unaligned branch target")
)

// Host returns the ISA this tool was built for.
func Host() ISA {
	switch runtime.GOARCH {
	case "arm64":
		return AArch64
	default:
		return X8664
	}
}

func (i ISA) String() string {
	if i == AArch64 {
		return "aarch64"
	}
	return "x86_64"
}

// ELFMachine returns the e_machine value patch objects must carry.
func (i ISA) ELFMachine() elf.Machine {
	if i == AArch64 {
		return elf.EM_AARCH64
	}
	return elf.EM_X86_64
}

// McountInsnSize is the call-site replacement size: the number of bytes a
// poked branch occupies at the start of a patched function.
func (i ISA) McountInsnSize() int {
	if i == AArch64 {
		return 4
	}
	return 5
}

// SyscallInsn returns the byte sequence spliced into the target to run one
// remote syscall: the syscall instruction followed by a trap so the tracee
// stops immediately after the kernel returns.
func (i ISA) SyscallInsn() []byte {
	if i == AArch64 {
		// svc #0; brk #0
		return []byte{0x01, 0x00, 0x00, 0xD4, 0x00, 0x00, 0x20, 0xD4}
	}
	// syscall; int3
	return []byte{0x0F, 0x05, 0xCC}
}

// NopInsn returns a call-site sized no-op.
func (i ISA) NopInsn() []byte {
	if i == AArch64 {
		return []byte{0x1F, 0x20, 0x03, 0xD5}
	}
	// The 5-byte "ideal" nop: nopl 0x0(%rax,%rax,1)
	return []byte{0x0F, 0x1F, 0x44, 0x00, 0x00}
}

const (
	aarch64BranchReach = 1 << 27 // +-128MiB

	aarch64OpB  = 0x14000000
	aarch64OpBL = 0x94000000
)

func aarch64BranchImm(ip, dst uint64, op uint32) ([]byte, error) {
	off := int64(dst) - int64(ip)
	if off%4 != 0 {
		return nil, fmt.Errorf("%w: %#x -> %#x", ErrUnaligned, ip, dst)
	}
	if off >= aarch64BranchReach || off < -aarch64BranchReach {
		return nil, fmt.Errorf("%w: %#x -> %#x", ErrReach, ip, dst)
	}
	insn := op | uint32(off>>2)&0x03FFFFFF
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, insn)
	return b, nil
}

func x8664Rel32(ip, dst uint64, op byte) ([]byte, error) {
	off := int64(dst) - int64(ip) - 5
	if off > 0x7FFFFFFF || off < -0x80000000 {
		return nil, fmt.Errorf("%w: %#x -> %#x", ErrReach, ip, dst)
	}
	b := make([]byte, 5)
	b[0] = op
	binary.LittleEndian.PutUint32(b[1:], uint32(int32(off)))
	return b, nil
}

// CallInsn encodes a direct call from ip to dst: E8 rel32 on x86-64, BL
// imm26 on aarch64.
func (i ISA) CallInsn(ip, dst uint64) ([]byte, error) {
	if i == AArch64 {
		return aarch64BranchImm(ip, dst, aarch64OpBL)
	}
	return x8664Rel32(ip, dst, 0xE8)
}

// JmpInsn encodes a direct jump from ip to dst: E9 rel32 on x86-64, B imm26
// on aarch64.
func (i ISA) JmpInsn(ip, dst uint64) ([]byte, error) {
	if i == AArch64 {
		return aarch64BranchImm(ip, dst, aarch64OpB)
	}
	return x8664Rel32(ip, dst, 0xE9)
}

// InReach reports whether a direct branch at ip can land on dst.
func (i ISA) InReach(ip, dst uint64) bool {
	_, err := i.JmpInsn(ip, dst)
	return err == nil
}

// JumpTableSize is the byte size of one far-jump table entry.
const JumpTableSize = 16

// JumpTableEntry encodes a position-independent absolute jump to dst. The
// entry is an 8-byte jump opcode word followed by the 8-byte destination:
//
//	x86-64:  ff 25 02 00 00 00 90 90   jmp *0x2(%rip)
//	aarch64: 58000050 d61f0200         ldr x16, [pc, #8]; br x16
func (i ISA) JumpTableEntry(dst uint64) []byte {
	b := make([]byte, JumpTableSize)
	if i == AArch64 {
		binary.LittleEndian.PutUint32(b[0:], 0x58000050)
		binary.LittleEndian.PutUint32(b[4:], 0xD61F0200)
	} else {
		copy(b, []byte{0xFF, 0x25, 0x02, 0x00, 0x00, 0x00, 0x90, 0x90})
	}
	binary.LittleEndian.PutUint64(b[8:], dst)
	return b
}
