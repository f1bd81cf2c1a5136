package task

import (
	"bufio"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// VMAType classifies one mapping of the target.
type VMAType int

const (
	VMANone VMAType = iota
	VMASelf
	VMALibc
	VMALibELF
	VMAHeap
	VMALD
	VMAStack
	VMAVVAR
	VMAVDSO
	VMAVsyscall
	VMALibUnknown
	VMAAnon
)

var vmaTypeNames = map[VMAType]string{
	VMANone:       "none",
	VMASelf:       "self",
	VMALibc:       "libc",
	VMALibELF:     "libelf",
	VMAHeap:       "heap",
	VMALD:         "ld",
	VMAStack:      "stack",
	VMAVVAR:       "vvar",
	VMAVDSO:       "vdso",
	VMAVsyscall:   "vsyscall",
	VMALibUnknown: "lib?",
	VMAAnon:       "anon",
}

func (t VMAType) String() string {
	if s, ok := vmaTypeNames[t]; ok {
		return s
	}
	return "none"
}

// A VMA is one contiguous [Start, End) mapping parsed from
// /proc/<pid>/maps. VMAs sharing a backing file form a group whose first
// member is the leader; Leader is an index into the owning Task's VMA list
// and always valid (a lone VMA leads itself).
type VMA struct {
	Start  uint64
	End    uint64
	Perms  string
	Prot   int
	Offset uint64
	Major  uint32
	Minor  uint32
	Inode  uint64
	Name   string
	Type   VMAType

	Leader int

	// Voffset is the p_vaddr of the PT_LOAD segment this VMA backs, filled
	// in by PeekELF on the group leader.
	Voffset uint64

	elf    *VMAELF
	shared bool
}

// A VMAELF is the in-memory ELF header view of a leader VMA whose first page
// carries the ELF magic.
type VMAELF struct {
	Ehdr       elf.Header64
	Phdrs      []elf.Prog64
	LoadOffset uint64
}

// ELF returns the in-memory ELF view, or nil if the VMA is not an ELF image
// or PeekELF has not run.
func (v *VMA) ELF() *VMAELF {
	return v.elf
}

// SharedLib reports whether the mapping was identified as a shared library
// image.
func (v *VMA) SharedLib() bool {
	return v.shared
}

func (v *VMA) String() string {
	return fmt.Sprintf("%#x-%#x %s %#x %s (%s)",
		v.Start, v.End, v.Perms, v.Offset, v.Name, v.Type)
}

func permsToProt(perms string) int {
	prot := 0
	if strings.Contains(perms, "r") {
		prot |= unix.PROT_READ
	}
	if strings.Contains(perms, "w") {
		prot |= unix.PROT_WRITE
	}
	if strings.Contains(perms, "x") {
		prot |= unix.PROT_EXEC
	}
	// the p/s flag is not represented
	return prot
}

func vmaType(exe, name string) VMAType {
	base := filepath.Base(name)
	switch {
	case name == exe:
		return VMASelf
	case strings.HasPrefix(base, "libc") || strings.HasPrefix(base, "libssp"):
		return VMALibc
	case strings.HasPrefix(base, "libelf"):
		return VMALibELF
	case name == "[heap]":
		return VMAHeap
	case strings.HasPrefix(base, "ld-linux"):
		return VMALD
	case name == "[stack]":
		return VMAStack
	case name == "[vvar]":
		return VMAVVAR
	case name == "[vdso]":
		return VMAVDSO
	case name == "[vsyscall]":
		return VMAVsyscall
	case strings.HasPrefix(base, "lib"):
		return VMALibUnknown
	case name == "":
		return VMAAnon
	}
	return VMANone
}

var errBadMapsLine = errors.New("malformed maps line")

// parseMapsLine parses one line of the 8-field /proc/<pid>/maps format:
// start-end perms offset maj:min inode [name].
func parseMapsLine(line, exe string) (*VMA, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return nil, fmt.Errorf("%w: %q", errBadMapsLine, line)
	}

	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return nil, fmt.Errorf("%w: %q", errBadMapsLine, line)
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", errBadMapsLine, line)
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", errBadMapsLine, line)
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", errBadMapsLine, line)
	}
	devs := strings.SplitN(fields[3], ":", 2)
	if len(devs) != 2 {
		return nil, fmt.Errorf("%w: %q", errBadMapsLine, line)
	}
	maj, _ := strconv.ParseUint(devs[0], 16, 32)
	min, _ := strconv.ParseUint(devs[1], 16, 32)
	inode, _ := strconv.ParseUint(fields[4], 10, 64)

	name := ""
	if len(fields) >= 6 {
		name = fields[5]
	}

	return &VMA{
		Start:  start,
		End:    end,
		Perms:  fields[1],
		Prot:   permsToProt(fields[1]),
		Offset: offset,
		Major:  uint32(maj),
		Minor:  uint32(min),
		Inode:  inode,
		Name:   name,
		Type:   vmaType(exe, name),
	}, nil
}

// readVMAs rebuilds the VMA index from the maps text in r. Same-named
// adjacent mappings are linked to one group leader, and the libc executable
// VMA and [stack] pointers are re-resolved.
func (t *Task) readVMAs(r io.Reader) error {
	t.vmas = t.vmas[:0]
	t.libc = -1
	t.stack = -1

	var prev *VMA
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		vma, err := parseMapsLine(line, t.exe)
		if err != nil {
			return err
		}

		idx := len(t.vmas)
		vma.Leader = idx
		if prev != nil && vma.Name != "" && prev.Name == vma.Name {
			vma.Leader = prev.Leader
		}

		if t.libc < 0 && vma.Type == VMALibc && vma.Prot&unix.PROT_EXEC != 0 {
			t.libc = idx
		}
		if t.stack < 0 && vma.Type == VMAStack {
			t.stack = idx
		}

		t.vmas = append(t.vmas, vma)
		prev = vma
	}
	return scanner.Err()
}

// ReadMaps parses /proc/<pid>/maps and (re)builds the VMA index.
func (t *Task) ReadMaps() error {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", t.pid))
	if err != nil {
		return fmt.Errorf("open maps for %d: %w", t.pid, err)
	}
	defer f.Close()
	return t.readVMAs(f)
}

// UpdateVMAs rereads /proc/<pid>/maps after the target's mappings changed
// (remote mmap/munmap). All previously returned VMA pointers are invalid
// afterwards.
func (t *Task) UpdateVMAs() error {
	if err := t.ReadMaps(); err != nil {
		return err
	}
	if t.flags&LoadVMAELFs != 0 || t.flags&LoadSymbols != 0 {
		for i := range t.vmas {
			if err := t.PeekELF(i); err != nil {
				logger.Printf("peek elf %s: %v", t.vmas[i].Name, err)
			}
		}
	}
	return nil
}

// VMAs returns the current mappings in address order.
func (t *Task) VMAs() []*VMA {
	return t.vmas
}

// LibcVMA returns the executable libc mapping the remote-syscall splice
// uses.
func (t *Task) LibcVMA() *VMA {
	return t.vmas[t.libc]
}

// StackVMA returns the [stack] mapping.
func (t *Task) StackVMA() *VMA {
	return t.vmas[t.stack]
}

// FindVMA returns the VMA covering addr, or nil.
func (t *Task) FindVMA(addr uint64) *VMA {
	// address order is maps order; binary search for the first VMA whose
	// end lies above addr
	lo, hi := 0, len(t.vmas)
	for lo < hi {
		mid := (lo + hi) / 2
		if t.vmas[mid].End <= addr {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(t.vmas) && t.vmas[lo].Start <= addr && addr < t.vmas[lo].End {
		return t.vmas[lo]
	}
	return nil
}

// FindSpan walks the mappings in address order and returns the start of the
// first inter-VMA gap of at least size bytes, or 0 if none exists. The
// stretch below [vsyscall] is kernel address space and never counts.
func (t *Task) FindSpan(size uint64) uint64 {
	for i := 0; i+1 < len(t.vmas); i++ {
		if t.vmas[i+1].Type == VMAVsyscall {
			break
		}
		if t.vmas[i+1].Start-t.vmas[i].End >= size {
			return t.vmas[i].End
		}
	}
	logger.Printf("no span of %d bytes in pid %d", size, t.pid)
	return 0
}

// FindSpanIn returns the start of the first inter-VMA gap of at least size
// bytes whose start lies in [lo, hi), or 0 if none exists. Used to place
// trampolines within branch reach of a call site.
func (t *Task) FindSpanIn(size, lo, hi uint64) uint64 {
	for i := 0; i+1 < len(t.vmas); i++ {
		gap := t.vmas[i].End
		if gap >= lo && gap < hi && t.vmas[i+1].Start-gap >= size {
			return gap
		}
	}
	return 0
}

// siblings returns the VMA group led by the given index, in address order.
func (t *Task) siblings(leader int) []*VMA {
	var group []*VMA
	for _, v := range t.vmas {
		if v.Leader == leader {
			group = append(group, v)
		}
	}
	return group
}

// interpException lists library names that carry PT_INTERP yet still are
// shared libraries.
func interpException(name string) bool {
	base := filepath.Base(name)
	for _, prefix := range []string{"libc", "libssp", "libpthread", "libdl"} {
		if strings.HasPrefix(base, prefix) && strings.Contains(base, ".so") {
			return true
		}
	}
	return false
}

func alignDown(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return v &^ (align - 1)
}

// PeekELF lazily attaches the in-memory ELF view to the VMA at index idx.
// Non-leader and non-ELF mappings are skipped silently; a valid ELF yields
// the Ehdr/Phdr copy, the load offset, the shared-library determination and
// the Voffset of each sibling.
func (t *Task) PeekELF(idx int) error {
	vma := t.vmas[idx]

	switch vma.Type {
	case VMAVVAR, VMAStack, VMAVsyscall:
		return nil
	}
	if vma.elf != nil || vma.Leader != idx {
		return nil
	}

	var raw [64]byte
	if _, err := t.ReadMem(raw[:], vma.Start); err != nil {
		return fmt.Errorf("read ehdr at %#x (%s): %w", vma.Start, vma.Name, err)
	}
	if !bytes.Equal(raw[:4], []byte(elf.ELFMAG)) {
		return nil
	}
	if elf.Class(raw[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return nil
	}

	var ehdr elf.Header64
	if err := binary.Read(bytes.NewReader(raw[:]), binary.LittleEndian, &ehdr); err != nil {
		return err
	}
	if ehdr.Phnum == 0 {
		// some mappings carry the magic but no program headers (e.g. a
		// partial ld.so image); nothing to learn from those
		logger.Printf("%s: no phdr, skipped", vma.Name)
		return nil
	}

	phsz := int(ehdr.Phnum) * int(ehdr.Phentsize)
	buf := make([]byte, phsz)
	if _, err := t.ReadMem(buf, vma.Start+ehdr.Phoff); err != nil {
		return fmt.Errorf("read phdrs of %s: %w", vma.Name, err)
	}
	phdrs := make([]elf.Prog64, ehdr.Phnum)
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, phdrs); err != nil {
		return err
	}

	shared := true
	if elf.Type(ehdr.Type) != elf.ET_DYN {
		shared = false
	} else {
		// An ET_DYN image with PT_INTERP is a position-independent
		// executable, not a library, except for the libc family.
		for _, ph := range phdrs {
			if elf.ProgType(ph.Type) == elf.PT_INTERP && !interpException(vma.Name) {
				shared = false
				break
			}
		}
	}
	shared = shared || vma.Type == VMALibc || vma.Type == VMALibUnknown

	lowest := uint64(1<<64 - 1)
	group := t.siblings(idx)
	for _, ph := range phdrs {
		if elf.ProgType(ph.Type) != elf.PT_LOAD {
			continue
		}
		if ph.Vaddr < lowest {
			lowest = ph.Vaddr
		}
		off := alignDown(ph.Vaddr, ph.Align)
		for _, sib := range group {
			if sib.Offset == off {
				sib.Voffset = ph.Vaddr
			}
		}
	}
	if lowest == 1<<64-1 {
		return fmt.Errorf("%s: no PT_LOAD segment", vma.Name)
	}

	vma.elf = &VMAELF{
		Ehdr:       ehdr,
		Phdrs:      phdrs,
		LoadOffset: vma.Start - lowest,
	}
	vma.shared = shared

	logger.Printf("%s vma start %#x, load_offset %#x", vma.Name, vma.Start, vma.elf.LoadOffset)
	return nil
}
