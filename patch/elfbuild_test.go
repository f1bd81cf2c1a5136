package patch

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/Rtoax/elfview/arch"
)

// buildPatchObject assembles a minimal relocatable patch object in memory:
// a .text carrying the replacement function, a symbol table defining it and
// leaving the target undefined, and the two .upatch sections.
func buildPatchObject(t *testing.T, machine elf.Machine) []byte {
	t.Helper()

	type section struct {
		name  string
		typ   elf.SectionType
		flags elf.SectionFlag
		data  []byte
		link  uint32
		info  uint32
		align uint64
		ent   uint64
	}

	text := bytes.Repeat([]byte{0x00}, 16)

	strtab := []byte("\x00ulpatch_try_to_wake_up\x00try_to_wake_up\x00")
	syms := new(bytes.Buffer)
	binary.Write(syms, binary.LittleEndian, elf.Sym64{}) // null
	binary.Write(syms, binary.LittleEndian, elf.Sym64{
		Name:  1, // ulpatch_try_to_wake_up
		Info:  byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_FUNC),
		Shndx: 1,
		Value: 0,
		Size:  16,
	})
	binary.Write(syms, binary.LittleEndian, elf.Sym64{
		Name:  24, // try_to_wake_up, undefined
		Info:  byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_NOTYPE),
		Shndx: uint16(elf.SHN_UNDEF),
	})

	info := new(bytes.Buffer)
	binary.Write(info, binary.LittleEndian, UpatchInfo{
		Type:    1,
		Version: 1,
		TargetFunc: func() (b [64]byte) {
			copy(b[:], "try_to_wake_up")
			return
		}(),
		Author: func() (b [64]byte) {
			copy(b[:], "elfview-test")
			return
		}(),
	})

	sections := []section{
		{},
		{name: ".text", typ: elf.SHT_PROGBITS,
			flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: text, align: 16},
		{name: ".symtab", typ: elf.SHT_SYMTAB, data: syms.Bytes(),
			link: 3, info: 1, align: 8, ent: 24},
		{name: ".strtab", typ: elf.SHT_STRTAB, data: strtab, align: 1},
		{name: SecUpatchInfo, typ: elf.SHT_PROGBITS, data: info.Bytes(), align: 8},
		{name: SecUpatchStrtab, typ: elf.SHT_STRTAB, data: []byte("\x00test\x00"), align: 1},
		{name: ".shstrtab", typ: elf.SHT_STRTAB, align: 1},
	}

	shstrtab := []byte{0}
	nameOff := make([]uint32, len(sections))
	for i, s := range sections {
		if s.name == "" {
			continue
		}
		nameOff[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, s.name...)
		shstrtab = append(shstrtab, 0)
	}
	sections[6].data = shstrtab

	const ehsize = 64
	body := new(bytes.Buffer)
	offsets := make([]uint64, len(sections))
	for i, s := range sections {
		if len(s.data) == 0 {
			continue
		}
		for (ehsize+body.Len())%8 != 0 {
			body.WriteByte(0)
		}
		offsets[i] = uint64(ehsize + body.Len())
		body.Write(s.data)
	}
	for (ehsize+body.Len())%8 != 0 {
		body.WriteByte(0)
	}
	shoff := uint64(ehsize + body.Len())

	out := new(bytes.Buffer)
	ident := [16]byte{0x7F, 'E', 'L', 'F',
		byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	binary.Write(out, binary.LittleEndian, elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    ehsize,
		Shentsize: 64,
		Shnum:     uint16(len(sections)),
		Shstrndx:  6,
	})
	out.Write(body.Bytes())
	for i, s := range sections {
		binary.Write(out, binary.LittleEndian, elf.Section64{
			Name:      nameOff[i],
			Type:      uint32(s.typ),
			Flags:     uint64(s.flags),
			Off:       offsets[i],
			Size:      uint64(len(s.data)),
			Link:      s.link,
			Info:      s.info,
			Addralign: s.align,
			Entsize:   s.ent,
		})
	}
	return out.Bytes()
}

func writePatchObject(t *testing.T, machine elf.Machine) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "patch-ttwu.o")
	if err := os.WriteFile(path, buildPatchObject(t, machine), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func hostMachine() elf.Machine {
	return arch.Host().ELFMachine()
}
