// Package task models one attached target process: its mappings, its
// symbols, direct access to its memory, and the remote-syscall engine that
// drives mmap/open/munmap inside its address space.
//
// A Task is owned by a single goroutine for its whole lifetime. All remote
// operations are strictly serialized: attach, N syscalls, detach.
//
// Only the target's pid is attached. Its other threads stop only through
// the group stop that the attach triggers; a thread executing a call site
// while that site is being poked is not excluded.
package task

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Rtoax/elfview/bininfo"
	"github.com/Rtoax/elfview/ptrace"
	"golang.org/x/sys/unix"
)

// OpenFlag selects what Open loads and what the Task is allowed to do.
type OpenFlag int

const (
	// RDWR opens /proc/<pid>/mem for writing; without it the Task is
	// inspect-only.
	RDWR OpenFlag = 1 << iota
	// LoadVMAs parses /proc/<pid>/maps. The maps are in fact always parsed,
	// since construction requires locating libc and [stack]; the flag is
	// kept so call sites document their intent.
	LoadVMAs
	// LoadSelfELF opens the target's executable from disk.
	LoadSelfELF
	// LoadLibcELF opens the target's libc from disk.
	LoadLibcELF
	// LoadVMAELFs peeks ELF headers of every mapping from target memory.
	LoadVMAELFs
	// LoadSymbols builds the symbol index (implies LoadVMAELFs).
	LoadSymbols
	// RegisterOnDisk creates the per-pid registry directory tree.
	RegisterOnDisk
)

var (
	ErrNoLibc  = errors.New("no executable libc mapping in target")
	ErrNoStack = errors.New("no [stack] mapping in target")
)

// A Task is one attached target process.
type Task struct {
	pid   int
	comm  string
	exe   string
	flags OpenFlag

	memfd  int
	tracer *ptrace.Tracer

	vmas  []*VMA
	libc  int
	stack int

	symbols map[string]*Symbol

	selfBin *bininfo.BinFile
	libcBin *bininfo.BinFile

	registry string
}

func readComm(pid int) (string, error) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func readExe(pid int) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
}

// Exist reports whether a process with the given pid is alive.
func Exist(pid int) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}

// Open builds a Task for the given pid. The target is not attached yet;
// call Attach before any remote syscall. Construction fails cleanly when
// the target lacks an executable libc mapping or a [stack] mapping, since
// the remote-syscall splice depends on both.
func Open(pid int, flags OpenFlag) (*Task, error) {
	mode := os.O_RDONLY
	if flags&RDWR != 0 {
		mode = os.O_RDWR
	}
	memfd, err := unix.Open(fmt.Sprintf("/proc/%d/mem", pid), mode, 0)
	if err != nil {
		return nil, fmt.Errorf("open mem for %d: %w", pid, err)
	}

	t := &Task{
		pid:     pid,
		flags:   flags,
		memfd:   memfd,
		tracer:  ptrace.NewTracer(pid),
		libc:    -1,
		stack:   -1,
		symbols: make(map[string]*Symbol),
	}

	fail := func(err error) (*Task, error) {
		unix.Close(memfd)
		return nil, err
	}

	if t.comm, err = readComm(pid); err != nil {
		return fail(err)
	}
	if t.exe, err = readExe(pid); err != nil {
		return fail(err)
	}

	if err := t.ReadMaps(); err != nil {
		return fail(err)
	}
	if t.libc < 0 {
		return fail(fmt.Errorf("pid %d: %w", pid, ErrNoLibc))
	}
	if t.stack < 0 {
		return fail(fmt.Errorf("pid %d: %w", pid, ErrNoStack))
	}

	if flags&LoadSelfELF != 0 {
		if t.selfBin, err = bininfo.Open(t.exe); err != nil {
			return fail(fmt.Errorf("open self elf %s: %w", t.exe, err))
		}
	}
	if flags&LoadLibcELF != 0 {
		if t.libcBin, err = bininfo.Open(t.LibcVMA().Name); err != nil {
			return fail(fmt.Errorf("open libc elf: %w", err))
		}
	}

	if flags&(LoadVMAELFs|LoadSymbols) != 0 {
		for i := range t.vmas {
			if err := t.PeekELF(i); err != nil {
				logger.Printf("peek elf %s: %v", t.vmas[i].Name, err)
			}
		}
	}
	if flags&LoadSymbols != 0 {
		if err := t.LoadSymbols(); err != nil {
			return fail(err)
		}
	}

	if flags&RegisterOnDisk != 0 {
		if err := t.createRegistry(); err != nil {
			return fail(err)
		}
	}

	return t, nil
}

// Close detaches if needed, drops the registry entry and releases the mem
// handle. The Task must not be used afterwards.
func (t *Task) Close() error {
	var first error
	if t.tracer.Attached() {
		first = t.tracer.Detach()
	}
	if t.flags&RegisterOnDisk != 0 {
		t.removeRegistry()
	}
	if err := unix.Close(t.memfd); err != nil && first == nil {
		first = err
	}
	t.memfd = -1
	return first
}

// Pid returns the target's process id.
func (t *Task) Pid() int { return t.pid }

// Comm returns the target's command name.
func (t *Task) Comm() string { return t.comm }

// Exe returns the canonical path of the target's executable.
func (t *Task) Exe() string { return t.exe }

// SelfBin returns the on-disk ELF of the target executable, if LoadSelfELF
// was requested.
func (t *Task) SelfBin() *bininfo.BinFile { return t.selfBin }

// LibcBin returns the on-disk ELF of the target's libc, if LoadLibcELF was
// requested.
func (t *Task) LibcBin() *bininfo.BinFile { return t.libcBin }

// Writable reports whether the Task was opened read-write.
func (t *Task) Writable() bool { return t.flags&RDWR != 0 }

// Attach stops the target under ptrace. Remote syscalls and the ptrace
// write fallback require an attached Task.
func (t *Task) Attach() error {
	return t.tracer.Attach()
}

// Detach resumes the target.
func (t *Task) Detach() error {
	return t.tracer.Detach()
}

// Attached reports whether the target is currently ptrace-stopped by this
// Task.
func (t *Task) Attached() bool {
	return t.tracer.Attached()
}

// Tracer exposes the underlying ptrace handle.
func (t *Task) Tracer() *ptrace.Tracer {
	return t.tracer
}
