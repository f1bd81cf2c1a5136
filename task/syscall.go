package task

import (
	"fmt"
	"path/filepath"
	"unsafe"

	"github.com/Rtoax/elfview/arch"
	"github.com/Rtoax/elfview/ptrace"
	"golang.org/x/sys/unix"
)

// Values from this one up are -4095..-1: an errno travelling in the return
// register.
const maxErrno = uint64(0xFFFFFFFFFFFFF001)

// Syscall runs one syscall inside the attached target.
//
// The start of libc's executable mapping is used as the splice site: the
// original bytes there are saved, the architecture's syscall-plus-trap
// sequence is written in their place, the registers are composed per the
// kernel ABI with the instruction pointer at the splice, and the tracee is
// resumed until it traps right after the syscall. The saved bytes and the
// saved register file are restored unconditionally, also on every failure
// path past the splice.
func (t *Task) Syscall(nr uint64, args ...uint64) (uint64, error) {
	if !t.tracer.Attached() {
		return 0, ptrace.ErrNotAttached
	}
	var a6 [6]uint64
	copy(a6[:], args)

	isa := arch.Host()
	splice := isa.SyscallInsn()
	site := t.LibcVMA().Start

	var oldRegs unix.PtraceRegs
	if err := t.tracer.GetRegs(&oldRegs); err != nil {
		return 0, fmt.Errorf("get regs of %d: %w", t.pid, err)
	}

	orig := make([]byte, len(splice))
	if _, err := t.ReadMem(orig, site); err != nil {
		return 0, err
	}
	if _, err := t.WriteMem(site, splice); err != nil {
		return 0, err
	}

	ret, err := func() (uint64, error) {
		regs := ptrace.SyscallRegs(&oldRegs, site, nr, a6)
		if err := t.tracer.SetRegs(&regs); err != nil {
			return 0, fmt.Errorf("set regs of %d: %w", t.pid, err)
		}
		if err := t.tracer.WaitForStop(); err != nil {
			return 0, err
		}
		if err := t.tracer.GetRegs(&regs); err != nil {
			return 0, fmt.Errorf("get regs of %d: %w", t.pid, err)
		}
		return ptrace.RetReg(&regs), nil
	}()

	// Unconditional cleanup, bytes before registers.
	if _, rerr := t.WriteMem(site, orig); rerr != nil && err == nil {
		err = rerr
	}
	if rerr := t.tracer.SetRegs(&oldRegs); rerr != nil && err == nil {
		err = fmt.Errorf("restore regs of %d: %w", t.pid, rerr)
	}
	if err != nil {
		return 0, err
	}

	if ret >= maxErrno {
		return 0, fmt.Errorf("remote syscall %d in pid %d: %w",
			nr, t.pid, unix.Errno(-ret))
	}
	logger.Printf("remote syscall %d = %#x", nr, ret)
	return ret, nil
}

// Mmap maps length bytes in the target.
func (t *Task) Mmap(addr, length uint64, prot, flags, fd int, offset uint64) (uint64, error) {
	return t.Syscall(unix.SYS_MMAP, addr, length,
		uint64(prot), uint64(flags), uint64(int64(fd)), offset)
}

// Munmap unmaps [addr, addr+length) in the target.
func (t *Task) Munmap(addr, length uint64) error {
	_, err := t.Syscall(unix.SYS_MUNMAP, addr, length)
	return err
}

// Msync flushes a mapped region of the target.
func (t *Task) Msync(addr, length uint64, flags int) error {
	_, err := t.Syscall(unix.SYS_MSYNC, addr, length, uint64(flags))
	return err
}

// Malloc allocates anonymous private read-write memory in the target.
func (t *Task) Malloc(length uint64) (uint64, error) {
	addr, err := t.Mmap(0, length, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, -1, 0)
	if err != nil {
		return 0, fmt.Errorf("remote malloc %d bytes: %w", length, err)
	}
	return addr, nil
}

// Free releases memory obtained with Malloc.
func (t *Task) Free(addr, length uint64) error {
	return t.Munmap(addr, length)
}

// OpenFile opens a file inside the target and returns the remote fd. The
// pathname is materialized in the target with Malloc+WriteMem and freed
// again after the syscall. For non-O_CREAT opens the path is resolved to
// its real path in our filesystem first; both processes share a namespace
// in the intended deployment.
func (t *Task) OpenFile(path string, flags int, mode uint32) (int, error) {
	if flags&unix.O_CREAT == 0 {
		real, err := filepath.EvalSymlinks(path)
		if err != nil {
			return -1, fmt.Errorf("realpath %s: %w", path, err)
		}
		path = real
	}

	buf := append([]byte(path), 0)
	raddr, err := t.Malloc(uint64(len(buf)))
	if err != nil {
		return -1, err
	}
	defer t.Free(raddr, uint64(len(buf)))

	if _, err := t.WriteMem(raddr, buf); err != nil {
		return -1, err
	}

	nr, args := openSyscall(raddr, flags, mode)
	fd, err := t.Syscall(nr, args[:]...)
	if err != nil {
		return -1, fmt.Errorf("remote open %s: %w", path, err)
	}
	return int(fd), nil
}

// CloseFD closes a remote file descriptor.
func (t *Task) CloseFD(fd int) error {
	_, err := t.Syscall(unix.SYS_CLOSE, uint64(int64(fd)))
	return err
}

// Ftruncate resizes a remote file descriptor.
func (t *Task) Ftruncate(fd int, length uint64) error {
	_, err := t.Syscall(unix.SYS_FTRUNCATE, uint64(int64(fd)), length)
	return err
}

// Fstat stats a remote file descriptor. The stat buffer lives in remote
// scratch memory for the duration of the call.
func (t *Task) Fstat(fd int) (*unix.Stat_t, error) {
	size := uint64(unsafe.Sizeof(unix.Stat_t{}))
	raddr, err := t.Malloc(size)
	if err != nil {
		return nil, err
	}
	defer t.Free(raddr, size)

	if _, err := t.Syscall(unix.SYS_FSTAT, uint64(int64(fd)), raddr); err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	if _, err := t.ReadMem(buf, raddr); err != nil {
		return nil, err
	}
	st := *(*unix.Stat_t)(unsafe.Pointer(&buf[0]))
	return &st, nil
}

// Prctl runs prctl(2) inside the target.
func (t *Task) Prctl(option, arg2, arg3, arg4, arg5 uint64) (uint64, error) {
	return t.Syscall(unix.SYS_PRCTL, option, arg2, arg3, arg4, arg5)
}
