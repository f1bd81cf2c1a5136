// Package patch loads relocatable ELF patch objects into a target process
// and links them: the object is staged into the target with remote
// syscalls, its undefined symbols are resolved against the target's symbol
// index, relocations are applied in the target's address space, and the
// patched function's entry is redirected to the replacement.
package patch

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/Rtoax/elfview/arch"
)

const (
	// SecUpatchInfo is the section carrying the patch metadata record.
	SecUpatchInfo = ".upatch.info"
	// SecUpatchStrtab carries patch-local strings.
	SecUpatchStrtab = ".upatch.strtab"
)

var (
	ErrNotPatchObject = errors.New("not a patch object")
	ErrWrongMachine   = errors.New("patch built for a different machine")
)

// UpatchInfo is the packed metadata record stored in .upatch.info. It names
// the function being patched and its author; ReplaceAddr is a placeholder
// the loader fills with the runtime address of the replacement once the
// object is staged.
type UpatchInfo struct {
	Type        uint32
	Version     uint32
	TargetFunc  [64]byte
	Author      [64]byte
	ReplaceAddr uint64
}

const (
	upatchInfoSize = 144
	// byte offset of ReplaceAddr inside the record
	replaceAddrOff = 136
)

// State tracks one patch through its lifecycle.
type State int

const (
	Unloaded State = iota
	Parsed
	Staged
	Relocated
	Active
)

func (s State) String() string {
	switch s {
	case Parsed:
		return "parsed"
	case Staged:
		return "staged"
	case Relocated:
		return "relocated"
	case Active:
		return "active"
	}
	return "unloaded"
}

// A LoadInfo is the snapshot of one relocatable patch object, carried from
// parse through stage, relocate, install, and eventual removal.
type LoadInfo struct {
	// Path of the source object on disk.
	Path string
	// Raw object bytes; also the image staged into the target.
	Raw []byte
	// RegistryPath is the byte copy below the registry's map_files, once
	// registered.
	RegistryPath string
	// TargetBase is the staged image's address in the target.
	TargetBase uint64

	Info UpatchInfo

	file    *elf.File
	syms    []elf.Symbol
	infoSec *elf.Section

	state State

	// install bookkeeping for reversal
	site        uint64
	origBytes   []byte
	tramp       uint64
	trampLen    uint64
	replaceAddr uint64
}

// State returns the patch lifecycle state.
func (li *LoadInfo) State() State {
	return li.state
}

// Target returns the name of the function being patched.
func (li *LoadInfo) Target() string {
	return cstr(li.Info.TargetFunc[:])
}

// Author returns the patch author string.
func (li *LoadInfo) Author() string {
	return cstr(li.Info.Author[:])
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// ParseLoadInfo reads and validates a patch object: 64-bit little-endian
// relocatable ELF for the host machine, carrying .upatch.info,
// .upatch.strtab and a symbol table.
func ParseLoadInfo(path string) (*LoadInfo, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrNotPatchObject, path)
	}

	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotPatchObject, path, err)
	}

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("%w: %s: not ELF64", ErrNotPatchObject, path)
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: %s: not little-endian", ErrNotPatchObject, path)
	}
	if f.Type != elf.ET_REL {
		return nil, fmt.Errorf("%w: %s: not relocatable", ErrNotPatchObject, path)
	}
	if want := arch.Host().ELFMachine(); f.Machine != want {
		return nil, fmt.Errorf("%w: %s has %v, host needs %v",
			ErrWrongMachine, path, f.Machine, want)
	}

	infoSec := f.Section(SecUpatchInfo)
	if infoSec == nil {
		return nil, fmt.Errorf("%w: %s: missing %s", ErrNotPatchObject, path, SecUpatchInfo)
	}
	if f.Section(SecUpatchStrtab) == nil {
		return nil, fmt.Errorf("%w: %s: missing %s", ErrNotPatchObject, path, SecUpatchStrtab)
	}

	syms, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: no symbol table", ErrNotPatchObject, path)
	}

	data, err := infoSec.Data()
	if err != nil {
		return nil, err
	}
	if len(data) < upatchInfoSize {
		return nil, fmt.Errorf("%w: %s: %s is %d bytes, want %d",
			ErrNotPatchObject, path, SecUpatchInfo, len(data), upatchInfoSize)
	}

	li := &LoadInfo{
		Path:    path,
		Raw:     raw,
		file:    f,
		syms:    syms,
		infoSec: infoSec,
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &li.Info); err != nil {
		return nil, err
	}

	li.state = Parsed
	return li, nil
}
