package patch

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/Rtoax/elfview/task"
	"golang.org/x/sys/unix"
)

var (
	ErrUnresolved    = errors.New("unresolved symbol")
	ErrNoReplacement = errors.New("no replacement function in patch")
)

// Load runs a patch object through its full lifecycle against an attached
// task: parse, register, stage, relocate, install. On any failure past
// staging, the image is unmapped and untouched call sites stay untouched;
// the error reports where the patch died.
func Load(t *task.Task, objPath string) (*LoadInfo, error) {
	li, err := ParseLoadInfo(objPath)
	if err != nil {
		return nil, err
	}

	if t.RegistryDir() != "" {
		li.RegistryPath, err = t.CreatePatchFile(li.Raw)
		if err != nil {
			return nil, err
		}
	}

	if err := li.stage(t); err != nil {
		li.dropRegistryFiles()
		return nil, err
	}
	if err := li.relocate(t); err != nil {
		// no call site has been touched yet
		li.unstage(t)
		return nil, err
	}
	if err := li.install(t); err != nil {
		li.unstage(t)
		return nil, err
	}

	li.saveRecord()
	return li, nil
}

// stage materializes the object inside the target: remote open of the
// registered copy, ftruncate to the object size, then a private RWX
// file-backed mmap. The raw bytes are then written over the image so later
// relocation edits stay local to the target.
func (li *LoadInfo) stage(t *task.Task) error {
	path := li.Path
	if li.RegistryPath != "" {
		path = li.RegistryPath
	}
	size := uint64(len(li.Raw))

	fd, err := t.OpenFile(path, unix.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := t.Ftruncate(fd, size); err != nil {
		t.CloseFD(fd)
		return err
	}
	base, err := t.Mmap(0, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE, fd, 0)
	if cerr := t.CloseFD(fd); cerr != nil {
		logger.Printf("close remote fd %d: %v", fd, cerr)
	}
	if err != nil {
		return fmt.Errorf("stage %s: %w", li.Path, err)
	}

	if _, err := t.WriteMem(base, li.Raw); err != nil {
		t.Munmap(base, size)
		return err
	}
	if err := t.UpdateVMAs(); err != nil {
		t.Munmap(base, size)
		return err
	}

	li.TargetBase = base
	li.state = Staged
	logger.Printf("staged %s at %#x (%d bytes)", li.Path, base, size)
	return nil
}

// unstage unmaps the staged image and returns the patch to UNLOADED.
func (li *LoadInfo) unstage(t *task.Task) {
	if li.TargetBase != 0 {
		if err := t.Munmap(li.TargetBase, uint64(len(li.Raw))); err != nil {
			logger.Printf("unstage %s: %v", li.Path, err)
		}
		li.TargetBase = 0
		t.UpdateVMAs()
	}
	li.dropRegistryFiles()
	li.state = Unloaded
}

// resolve computes the runtime value of every patch symbol: undefined
// symbols through the task's symbol index, defined ones relative to the
// staged image. The returned slice is indexed like the relocation entries
// (entry 0 is the null symbol).
func (li *LoadInfo) resolve(t *task.Task) ([]uint64, error) {
	vals := make([]uint64, len(li.syms)+1)
	for i, s := range li.syms {
		idx := i + 1
		switch {
		case s.Section == elf.SHN_UNDEF:
			if s.Name == "" {
				continue
			}
			ts := t.FindSymbol(s.Name)
			if ts == nil {
				return nil, fmt.Errorf("%w: %s (check /proc/%d/maps)",
					ErrUnresolved, s.Name, t.Pid())
			}
			v, err := t.SymbolValue(ts)
			if err != nil {
				return nil, err
			}
			vals[idx] = v
		case s.Section == elf.SHN_ABS:
			vals[idx] = s.Value
		case int(s.Section) < len(li.file.Sections):
			vals[idx] = li.TargetBase + li.file.Sections[s.Section].Offset + s.Value
		}
	}
	return vals, nil
}

// relocate applies every SHT_RELA section against its allocatable target
// section, in section-header order, entry by entry. Each site is read from
// the target, merged, and written back.
func (li *LoadInfo) relocate(t *task.Task) error {
	vals, err := li.resolve(t)
	if err != nil {
		return err
	}

	f := li.file
	for _, rs := range f.Sections {
		if rs.Type != elf.SHT_RELA || int(rs.Info) >= len(f.Sections) {
			continue
		}
		target := f.Sections[rs.Info]
		if target.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		data, err := rs.Data()
		if err != nil {
			return err
		}

		for off := 0; off+relaSize <= len(data); off += relaSize {
			rOff := binary.LittleEndian.Uint64(data[off:])
			rInfo := binary.LittleEndian.Uint64(data[off+8:])
			rAddend := binary.LittleEndian.Uint64(data[off+16:])

			typ := uint32(rInfo)
			symIdx := int(rInfo >> 32)
			if symIdx <= 0 || symIdx > len(li.syms) {
				return fmt.Errorf("%s: relocation references symbol %d of %d",
					rs.Name, symIdx, len(li.syms))
			}

			p := li.TargetBase + target.Offset + rOff
			loc := make([]byte, 8)
			if _, err := t.ReadMem(loc, p); err != nil {
				return err
			}
			n, err := applyReloc(f.Machine, typ, loc, vals[symIdx], rAddend, p)
			if err != nil {
				return fmt.Errorf("%s+%#x: %w", target.Name, rOff, err)
			}
			if _, err := t.WriteMem(p, loc[:n]); err != nil {
				return err
			}
		}
	}

	li.state = Relocated
	return nil
}

// replacement picks the patch symbol the call site will be redirected to:
// the global defined function that is not the target itself, preferring one
// whose name embeds the target name when the object defines several.
func (li *LoadInfo) replacement() (elf.Symbol, error) {
	target := li.Target()
	var candidates []elf.Symbol
	for _, s := range li.syms {
		if s.Section == elf.SHN_UNDEF || int(s.Section) >= len(li.file.Sections) {
			continue
		}
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || elf.ST_BIND(s.Info) != elf.STB_GLOBAL {
			continue
		}
		if s.Name == target {
			continue
		}
		candidates = append(candidates, s)
	}

	if len(candidates) == 1 {
		return candidates[0], nil
	}
	for _, c := range candidates {
		if strings.Contains(c.Name, target) {
			return c, nil
		}
	}
	return elf.Symbol{}, fmt.Errorf("%w: %s (target %s)", ErrNoReplacement, li.Path, target)
}
