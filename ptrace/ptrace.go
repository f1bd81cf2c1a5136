// Package ptrace wraps the ptrace requests used to drive a target process:
// attaching, waiting for stops, transferring register files, and word
// granular reads/writes of target memory.
//
// NOTE: the kernel requires every ptrace request after PTRACE_ATTACH to come
// from the attaching thread. Attach locks the calling goroutine to its OS
// thread and Detach unlocks it; do not move a Tracer between goroutines in
// between.
package ptrace

import (
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

var (
	ErrNotAttached = errors.New("tracer not attached")
	ErrTargetFault = errors.New("tracee faulted")
)

// A Tracer keeps track of one traced process and allows running ptrace
// requests on it.
type Tracer struct {
	pid      int
	attached bool
}

// NewTracer returns a tracer for the given PID. No ptrace request is issued
// until Attach.
func NewTracer(pid int) *Tracer {
	return &Tracer{
		pid: pid,
	}
}

// Pid returns the PID of the traced process.
func (t *Tracer) Pid() int {
	return t.pid
}

// Attached reports whether Attach succeeded and Detach has not run yet.
func (t *Tracer) Attached() bool {
	return t.attached
}

// Attach issues PTRACE_ATTACH and waits until the tracee is stopped with
// SIGSTOP. A SIGTRAP seen first (the tracee racing out of execve) is
// swallowed and the tracee continued until the SIGSTOP arrives; any other
// signal is re-delivered.
func (t *Tracer) Attach() error {
	if t.attached {
		return nil
	}
	runtime.LockOSThread()
	if err := unix.PtraceAttach(t.pid); err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("ptrace attach %d: %w", t.pid, err)
	}

	var status unix.WaitStatus
	for {
		if _, err := unix.Wait4(t.pid, &status, unix.WALL, nil); err != nil {
			runtime.UnlockOSThread()
			return fmt.Errorf("wait %d: %w", t.pid, err)
		}
		if status.Stopped() && status.StopSignal() == unix.SIGSTOP {
			break
		}

		sig := 0
		if status.Stopped() {
			if status.StopSignal() != unix.SIGTRAP {
				sig = int(status.StopSignal())
			}
		} else if status.Signaled() {
			sig = int(status.Signal())
		}
		if err := unix.PtraceCont(t.pid, sig); err != nil {
			runtime.UnlockOSThread()
			return fmt.Errorf("ptrace cont %d: %w", t.pid, err)
		}
	}

	t.attached = true
	return nil
}

// Detach releases the tracee. Idempotent up to once per successful Attach.
func (t *Tracer) Detach() error {
	if !t.attached {
		return nil
	}
	t.attached = false
	err := unix.PtraceDetach(t.pid)
	runtime.UnlockOSThread()
	if err != nil {
		return fmt.Errorf("ptrace detach %d: %w", t.pid, err)
	}
	return nil
}

// WaitForStop resumes the tracee and blocks until it stops on SIGSTOP or
// SIGTRAP. Other stop signals are re-delivered and the wait continues. A
// SIGSEGV in the tracee is fatal: the caller must restore any spliced state
// before surfacing the error.
func (t *Tracer) WaitForStop() error {
	if !t.attached {
		return ErrNotAttached
	}

	sig := 0
	for {
		if err := unix.PtraceCont(t.pid, sig); err != nil {
			return fmt.Errorf("ptrace cont %d: %w", t.pid, err)
		}

		var status unix.WaitStatus
		if _, err := unix.Wait4(t.pid, &status, unix.WALL, nil); err != nil {
			return fmt.Errorf("wait %d: %w", t.pid, err)
		}

		if status.Stopped() {
			switch status.StopSignal() {
			case unix.SIGSTOP, unix.SIGTRAP:
				return nil
			case unix.SIGSEGV:
				return fmt.Errorf("%w: pid %d received SIGSEGV", ErrTargetFault, t.pid)
			}
			sig = int(status.StopSignal())
			continue
		}

		if status.Signaled() {
			sig = int(status.Signal())
		} else {
			sig = 0
		}
	}
}

// GetRegs fetches the general purpose registers of the tracee. On x86-64
// this is PTRACE_GETREGS; on aarch64 the x/sys implementation goes through
// PTRACE_GETREGSET with NT_PRSTATUS.
func (t *Tracer) GetRegs(regs *unix.PtraceRegs) error {
	if !t.attached {
		return ErrNotAttached
	}
	return unix.PtraceGetRegs(t.pid, regs)
}

// SetRegs assigns the general purpose registers of the tracee.
func (t *Tracer) SetRegs(regs *unix.PtraceRegs) error {
	if !t.attached {
		return ErrNotAttached
	}
	return unix.PtraceSetRegs(t.pid, regs)
}

// PeekData reads len(data) bytes at addr in the tracee. Short reads are
// retried until the full length is transferred or an error occurs.
func (t *Tracer) PeekData(addr uintptr, data []byte) (int, error) {
	var nread int
	for nread < len(data) {
		n, err := unix.PtracePeekData(t.pid, addr+uintptr(nread), data[nread:])
		if n == 0 || err != nil {
			return nread, err
		}
		nread += n
	}
	return nread, nil
}

// PokeData writes data to the tracee's memory at addr. A trailing sub-word
// write is handled read-modify-write by the underlying request.
func (t *Tracer) PokeData(addr uintptr, data []byte) (int, error) {
	var nwritten int
	for nwritten < len(data) {
		n, err := unix.PtracePokeData(t.pid, addr+uintptr(nwritten), data[nwritten:])
		if n == 0 || err != nil {
			return nwritten, err
		}
		nwritten += n
	}
	return nwritten, nil
}
