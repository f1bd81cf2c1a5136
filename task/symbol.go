package task

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Rtoax/elfview/bininfo"
)

var ErrBadSyment = errors.New("unexpected dynamic symbol entry size")

// A Symbol is one named symbol of the target, tagged with the leader VMA of
// the ELF image that defines it. The runtime address is derived on demand
// by SymbolValue.
type Symbol struct {
	Name string
	Sym  elf.Sym64

	vma int
}

const sym64Size = 24

func isUndef(shndx uint16) bool {
	return elf.SectionIndex(shndx) == elf.SHN_UNDEF
}

func (t *Task) addSymbol(s *Symbol) {
	if _, ok := t.symbols[s.Name]; ok {
		// first-writer-wins matches ELF search order
		logger.Printf("%s: symbol %s already present", t.comm, s.Name)
		return
	}
	t.symbols[s.Name] = s
}

// FindSymbol returns the symbol with the given exact name, or nil.
func (t *Task) FindSymbol(name string) *Symbol {
	return t.symbols[name]
}

// Symbols returns the full symbol index.
func (t *Task) Symbols() map[string]*Symbol {
	return t.symbols
}

// SymbolVMA returns the leader VMA of the ELF image defining s.
func (t *Task) SymbolVMA(s *Symbol) *VMA {
	return t.vmas[s.vma]
}

// SymbolValue derives the runtime address of s in the target address
// space. Symbols of a shared library are anchored to the sibling VMA whose
// file offset covers st_value; anything else uses st_value directly.
func (t *Task) SymbolValue(s *Symbol) (uint64, error) {
	leader := t.vmas[s.vma]
	if !leader.shared {
		return s.Sym.Value, nil
	}

	// Pick the sibling with the greatest offset not above st_value; the
	// group is in address order so offsets ascend.
	off := s.Sym.Value
	var chosen *VMA
	for _, sib := range t.siblings(s.vma) {
		if sib.Offset <= off {
			chosen = sib
		}
	}
	if chosen == nil {
		return 0, fmt.Errorf("symbol %s: no segment covers st_value %#x in %s",
			s.Name, off, leader.Name)
	}
	return chosen.Start + (off - chosen.Offset), nil
}

// LoadSymbols fills the symbol index from every ELF mapping of the target.
func (t *Task) LoadSymbols() error {
	for i := range t.vmas {
		if err := t.loadVMASymbols(i); err != nil {
			logger.Printf("load symbols of %s: %v", t.vmas[i].Name, err)
		}
	}
	return nil
}

func (t *Task) loadVMASymbols(idx int) error {
	vma := t.vmas[idx]
	if vma.Leader != idx || vma.elf == nil {
		return nil
	}
	if vma.Type == VMASelf {
		return t.loadSelfSymbols(idx)
	}
	return t.loadDynamicSymbols(idx)
}

// loadSelfSymbols wraps every defined symbol of the target's on-disk
// executable and tags it with the SELF leader VMA.
func (t *Task) loadSelfSymbols(idx int) error {
	if t.selfBin == nil {
		bin, err := bininfo.Open(t.exe)
		if err != nil {
			return err
		}
		t.selfBin = bin
	}
	for _, s := range t.selfBin.Symbols() {
		t.addSymbol(&Symbol{
			Name: s.Name,
			Sym: elf.Sym64{
				Info:  s.Info,
				Other: s.Other,
				Shndx: uint16(s.Section),
				Value: s.Value,
				Size:  s.Size,
			},
			vma: idx,
		})
	}
	return nil
}

// loadDynamicSymbols reads the in-memory PT_DYNAMIC of a mapped ELF and
// extracts DT_SYMTAB/DT_STRTAB in one contiguous read from the target. The
// symbol table length is derived as strtab-symtab, the layout the dynamic
// linker produces.
func (t *Task) loadDynamicSymbols(idx int) error {
	vma := t.vmas[idx]

	var dyn *elf.Prog64
	for i := range vma.elf.Phdrs {
		if elf.ProgType(vma.elf.Phdrs[i].Type) == elf.PT_DYNAMIC {
			dyn = &vma.elf.Phdrs[i]
			break
		}
	}
	if dyn == nil {
		return fmt.Errorf("no PT_DYNAMIC in %s", vma.Name)
	}

	buf := make([]byte, dyn.Memsz)
	if _, err := t.ReadMem(buf, vma.elf.LoadOffset+dyn.Vaddr); err != nil {
		return err
	}
	dyns := make([]elf.Dyn64, dyn.Memsz/16)
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, dyns); err != nil {
		return err
	}

	var symtabAddr, strtabAddr, strtabSize uint64
	for _, d := range dyns {
		switch elf.DynTag(d.Tag) {
		case elf.DT_SYMTAB:
			symtabAddr = d.Val
		case elf.DT_STRTAB:
			strtabAddr = d.Val
		case elf.DT_STRSZ:
			strtabSize = d.Val
		case elf.DT_SYMENT:
			if d.Val != sym64Size {
				return fmt.Errorf("%w: %d in %s", ErrBadSyment, d.Val, vma.Name)
			}
		}
	}
	if symtabAddr == 0 || strtabAddr == 0 || strtabSize == 0 ||
		strtabAddr <= symtabAddr {
		return fmt.Errorf("no usable dynamic symbol table in %s", vma.Name)
	}
	symtabSize := strtabAddr - symtabAddr

	// The vdso's dynamic pointers are image-relative, everything the
	// dynamic linker touched is absolute.
	if vma.Type == VMAVDSO {
		symtabAddr += vma.elf.LoadOffset
	}

	tables := make([]byte, symtabSize+strtabSize)
	if _, err := t.ReadMem(tables, symtabAddr); err != nil {
		return err
	}
	strtab := tables[symtabSize:]

	syms := make([]elf.Sym64, symtabSize/sym64Size)
	if err := binary.Read(bytes.NewReader(tables[:symtabSize]), binary.LittleEndian, syms); err != nil {
		return err
	}

	for _, sym := range syms {
		if isUndef(sym.Shndx) || uint64(sym.Name) >= strtabSize {
			continue
		}
		name := cstring(strtab[sym.Name:])
		if name == "" {
			continue
		}
		t.addSymbol(&Symbol{
			Name: name,
			Sym:  sym,
			vma:  idx,
		})
	}
	return nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
