// Package elfview live-patches running Linux processes. It binds the
// target model (package task), the patch loader (package patch) and the
// instruction encoders (package arch) into one operation per tool verb.
package elfview

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/Rtoax/elfview/arch"
	"github.com/Rtoax/elfview/patch"
	"github.com/Rtoax/elfview/task"
	"github.com/ianlancetaylor/demangle"
	"golang.org/x/sys/unix"
)

// Version of the toolkit.
var Version = "0.3.0"

var ErrNoActivePatch = errors.New("no active patch registered for target")

func openAttached(pid int, flags task.OpenFlag) (*task.Task, error) {
	if err := CheckKernel(); err != nil {
		return nil, err
	}
	t, err := task.Open(pid, flags)
	if err != nil {
		return nil, err
	}
	if err := t.Attach(); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// PatchProcess loads the patch object into the target process and
// redirects the patched function. The target keeps running afterwards.
func PatchProcess(pid int, obj string) error {
	t, err := openAttached(pid, task.RDWR|task.LoadVMAs|task.LoadVMAELFs|
		task.LoadSymbols|task.LoadSelfELF|task.RegisterOnDisk)
	if err != nil {
		return err
	}
	defer t.Close()

	li, err := patch.Load(t, obj)
	if err != nil {
		return err
	}
	logger.Printf("patch %s active in pid %d (image %#x)",
		li.Target(), pid, li.TargetBase)
	return nil
}

// UnpatchProcess reverses every patch registered for the target, in
// reverse file-name order of the registry entries (not install order).
func UnpatchProcess(pid int) error {
	t, err := openAttached(pid, task.RDWR|task.LoadVMAs|task.LoadVMAELFs|
		task.RegisterOnDisk)
	if err != nil {
		return err
	}
	defer t.Close()

	objs, err := patch.ActivePatches(t.RegistryDir())
	if err != nil {
		return err
	}
	if len(objs) == 0 {
		return fmt.Errorf("pid %d: %w", pid, ErrNoActivePatch)
	}

	for i := len(objs) - 1; i >= 0; i-- {
		li, err := patch.Restore(objs[i])
		if err != nil {
			return err
		}
		if err := li.Delete(t); err != nil {
			return err
		}
	}
	return nil
}

// WriteVMAs renders the target's mappings.
func WriteVMAs(pid int, w InfoWriter) error {
	t, err := task.Open(pid, task.LoadVMAs|task.LoadVMAELFs)
	if err != nil {
		return err
	}
	defer t.Close()

	w.SetHeader([]string{"type", "start", "end", "perms", "offset", "name", "flags"})
	for i, v := range t.VMAs() {
		flags := ""
		if v.ELF() != nil {
			flags += "E"
		}
		if v.SharedLib() {
			flags += "S"
		}
		if v.Leader == i {
			flags += "L"
		}
		w.Append([]string{
			v.Type.String(),
			fmt.Sprintf("%016x", v.Start),
			fmt.Sprintf("%016x", v.End),
			v.Perms,
			fmt.Sprintf("%x", v.Offset),
			v.Name,
			flags,
		})
	}
	w.Render()
	return nil
}

// WriteSymbols renders the target's symbol index with demangled names.
func WriteSymbols(pid int, w InfoWriter) error {
	t, err := task.Open(pid, task.LoadVMAs|task.LoadVMAELFs|
		task.LoadSymbols|task.LoadSelfELF)
	if err != nil {
		return err
	}
	defer t.Close()

	names := make([]string, 0, len(t.Symbols()))
	for name := range t.Symbols() {
		names = append(names, name)
	}
	sort.Strings(names)

	w.SetHeader([]string{"symbol", "address", "size", "library"})
	for _, name := range names {
		s := t.FindSymbol(name)
		addr, err := t.SymbolValue(s)
		if err != nil {
			continue
		}
		w.Append([]string{
			demangle.Filter(name),
			fmt.Sprintf("%016x", addr),
			fmt.Sprintf("%d", s.Sym.Size),
			t.SymbolVMA(s).Name,
		})
	}
	w.Render()
	return nil
}

// MapFile maps a file from the shared filesystem into the target's address
// space and returns the mapping address.
func MapFile(pid int, file string, ro, noexec bool) (uint64, error) {
	t, err := openAttached(pid, task.RDWR|task.LoadVMAs)
	if err != nil {
		return 0, err
	}
	defer t.Close()

	openFlags := unix.O_RDWR
	prot := unix.PROT_READ | unix.PROT_WRITE
	if ro {
		openFlags = unix.O_RDONLY
		prot = unix.PROT_READ
	}
	if !noexec {
		prot |= unix.PROT_EXEC
	}

	fd, err := t.OpenFile(file, openFlags, 0)
	if err != nil {
		return 0, err
	}
	defer t.CloseFD(fd)

	st, err := t.Fstat(fd)
	if err != nil {
		return 0, err
	}
	addr, err := t.Mmap(0, uint64(st.Size), prot, unix.MAP_PRIVATE, fd, 0)
	if err != nil {
		return 0, err
	}
	logger.Printf("mapped %s at %#x in pid %d", file, addr, pid)
	return addr, nil
}

// Unmap removes the mapping covering addr from the target.
func Unmap(pid int, addr uint64) error {
	t, err := openAttached(pid, task.RDWR|task.LoadVMAs)
	if err != nil {
		return err
	}
	defer t.Close()

	vma := t.FindVMA(addr)
	if vma == nil {
		return fmt.Errorf("pid %d: no mapping covers %#x", pid, addr)
	}
	return t.Munmap(vma.Start, vma.End-vma.Start)
}

// PokeJump writes a far-jump table entry at from, redirecting execution to
// to. You better ensure what you are doing.
func PokeJump(pid int, from, to uint64) error {
	t, err := openAttached(pid, task.RDWR|task.LoadVMAs)
	if err != nil {
		return err
	}
	defer t.Close()

	entry := arch.Host().JumpTableEntry(to)
	_, err = t.WriteMem(from, entry)
	return err
}

// ReadMem copies size bytes at addr of the target into w.
func ReadMem(pid int, addr, size uint64, w io.Writer) error {
	t, err := task.Open(pid, task.LoadVMAs)
	if err != nil {
		return err
	}
	defer t.Close()

	buf := make([]byte, size)
	if _, err := t.ReadMem(buf, addr); err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// DisasmMem disassembles size bytes at addr of the target into w.
func DisasmMem(pid int, addr, size uint64, w io.Writer) error {
	t, err := task.Open(pid, task.LoadVMAs)
	if err != nil {
		return err
	}
	defer t.Close()

	buf := make([]byte, size)
	if _, err := t.ReadMem(buf, addr); err != nil {
		return err
	}
	return Disasm(w, buf, addr)
}
