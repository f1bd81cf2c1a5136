package task

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	ErrShortRead  = errors.New("short read from target")
	ErrShortWrite = errors.New("short write to target")
	ErrReadOnly   = errors.New("task opened read-only")
)

// ReadMem reads len(dst) bytes at addr in the target. The primary path is
// positional I/O on /proc/<pid>/mem; if that fails and the target is
// attached, the word-granular ptrace path is used. A short read is an
// error, never silently tolerated. Reads may cross page boundaries.
func (t *Task) ReadMem(dst []byte, addr uint64) (int, error) {
	var nread int
	for nread < len(dst) {
		n, err := unix.Pread(t.memfd, dst[nread:], int64(addr)+int64(nread))
		if err != nil || n == 0 {
			if t.tracer.Attached() {
				return t.peekFallback(dst, addr)
			}
			if err == nil {
				err = ErrShortRead
			}
			return nread, fmt.Errorf("read %d bytes at %#x in pid %d: %w",
				len(dst), addr, t.pid, err)
		}
		nread += n
	}
	return nread, nil
}

// WriteMem writes src to addr in the target. Requires the RDWR open flag.
// The fallback path is PTRACE_POKEDATA; sub-word tails are read-modify-
// written by the poke layer.
func (t *Task) WriteMem(addr uint64, src []byte) (int, error) {
	if t.flags&RDWR == 0 {
		return 0, ErrReadOnly
	}
	var nwritten int
	for nwritten < len(src) {
		n, err := unix.Pwrite(t.memfd, src[nwritten:], int64(addr)+int64(nwritten))
		if err != nil || n == 0 {
			if t.tracer.Attached() {
				return t.pokeFallback(addr, src)
			}
			if err == nil {
				err = ErrShortWrite
			}
			return nwritten, fmt.Errorf("write %d bytes at %#x in pid %d: %w",
				len(src), addr, t.pid, err)
		}
		nwritten += n
	}
	return nwritten, nil
}

func (t *Task) peekFallback(dst []byte, addr uint64) (int, error) {
	n, err := t.tracer.PeekData(uintptr(addr), dst)
	if err != nil {
		return n, fmt.Errorf("peek %d bytes at %#x in pid %d: %w",
			len(dst), addr, t.pid, err)
	}
	if n != len(dst) {
		return n, fmt.Errorf("peek at %#x in pid %d: %w", addr, t.pid, ErrShortRead)
	}
	return n, nil
}

func (t *Task) pokeFallback(addr uint64, src []byte) (int, error) {
	n, err := t.tracer.PokeData(uintptr(addr), src)
	if err != nil {
		return n, fmt.Errorf("poke %d bytes at %#x in pid %d: %w",
			len(src), addr, t.pid, err)
	}
	if n != len(src) {
		return n, fmt.Errorf("poke at %#x in pid %d: %w", addr, t.pid, ErrShortWrite)
	}
	return n, nil
}
