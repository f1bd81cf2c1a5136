package patch

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"
)

func TestApplyRelocX8664(t *testing.T) {
	loc := make([]byte, 8)

	n, err := applyReloc(elf.EM_X86_64, uint32(elf.R_X86_64_64), loc,
		0x7f0011223344, 0x10, 0)
	if err != nil || n != 8 {
		t.Fatalf("R_X86_64_64: n=%d err=%v", n, err)
	}
	if got := binary.LittleEndian.Uint64(loc); got != 0x7f0011223354 {
		t.Errorf("R_X86_64_64 wrote %#x", got)
	}

	// pc-relative: S + A - P with the usual -4 addend of a call site
	loc = make([]byte, 8)
	n, err = applyReloc(elf.EM_X86_64, uint32(elf.R_X86_64_PC32), loc,
		0x401000, ^uint64(0)-3, 0x400100) // addend -4
	if err != nil || n != 4 {
		t.Fatalf("R_X86_64_PC32: n=%d err=%v", n, err)
	}
	if got := int32(binary.LittleEndian.Uint32(loc)); got != 0xefc {
		t.Errorf("R_X86_64_PC32 wrote %#x, want 0xefc", got)
	}

	// PLT32 resolves like PC32 here
	loc2 := make([]byte, 8)
	if _, err := applyReloc(elf.EM_X86_64, uint32(elf.R_X86_64_PLT32), loc2,
		0x401000, ^uint64(0)-3, 0x400100); err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint32(loc2) != binary.LittleEndian.Uint32(loc) {
		t.Error("PLT32 and PC32 disagree")
	}

	if _, err := applyReloc(elf.EM_X86_64, uint32(elf.R_X86_64_32), loc,
		1<<33, 0, 0); !errors.Is(err, ErrRelocOverflow) {
		t.Errorf("R_X86_64_32 overflow err = %v", err)
	}
	if _, err := applyReloc(elf.EM_X86_64, uint32(elf.R_X86_64_32S), loc,
		1<<31, 0, 0); !errors.Is(err, ErrRelocOverflow) {
		t.Errorf("R_X86_64_32S overflow err = %v", err)
	}
	if _, err := applyReloc(elf.EM_X86_64, uint32(elf.R_X86_64_GOTPCREL), loc,
		0, 0, 0); !errors.Is(err, ErrUnsupportedReloc) {
		t.Errorf("unsupported type err = %v", err)
	}
}

func TestApplyRelocAArch64(t *testing.T) {
	loc := make([]byte, 8)

	// bl placeholder 0x94000000 branching forward 0x1000 bytes
	binary.LittleEndian.PutUint32(loc, 0x94000000)
	n, err := applyReloc(elf.EM_AARCH64, uint32(elf.R_AARCH64_CALL26), loc,
		0x2000, 0, 0x1000)
	if err != nil || n != 4 {
		t.Fatalf("CALL26: n=%d err=%v", n, err)
	}
	if got := binary.LittleEndian.Uint32(loc); got != 0x94000400 {
		t.Errorf("CALL26 wrote %#x, want 0x94000400", got)
	}

	binary.LittleEndian.PutUint32(loc, 0x14000000)
	if _, err := applyReloc(elf.EM_AARCH64, uint32(elf.R_AARCH64_JUMP26), loc,
		0x1000, 0, 0x2000); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(loc); got != 0x17FFFC00 {
		t.Errorf("backwards JUMP26 wrote %#x", got)
	}

	if _, err := applyReloc(elf.EM_AARCH64, uint32(elf.R_AARCH64_CALL26), loc,
		1<<28, 0, 0); !errors.Is(err, ErrRelocOverflow) {
		t.Errorf("CALL26 reach err = %v", err)
	}

	loc = make([]byte, 8)
	if _, err := applyReloc(elf.EM_AARCH64, uint32(elf.R_AARCH64_ABS64), loc,
		0xdeadbeefcafe, 2, 0); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint64(loc); got != 0xdeadbeefcb00 {
		t.Errorf("ABS64 wrote %#x", got)
	}

	// adrp x0, <page of S+A>: same page yields zero immediate
	binary.LittleEndian.PutUint32(loc, 0x90000000)
	if _, err := applyReloc(elf.EM_AARCH64, uint32(elf.R_AARCH64_ADR_PREL_PG_HI21),
		loc, 0x10123, 0, 0x10456); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(loc); got != 0x90000000 {
		t.Errorf("same-page adrp wrote %#x", got)
	}
	// one page forward sets immlo=1 (bit 29)
	binary.LittleEndian.PutUint32(loc, 0x90000000)
	if _, err := applyReloc(elf.EM_AARCH64, uint32(elf.R_AARCH64_ADR_PREL_PG_HI21),
		loc, 0x11000, 0, 0x10000); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(loc); got != 0xB0000000 {
		t.Errorf("next-page adrp wrote %#x, want 0xb0000000", got)
	}

	// add x0, x0, #:lo12:S
	binary.LittleEndian.PutUint32(loc, 0x91000000)
	if _, err := applyReloc(elf.EM_AARCH64, uint32(elf.R_AARCH64_ADD_ABS_LO12_NC),
		loc, 0x10123, 0, 0); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(loc); got != 0x91048C00 {
		t.Errorf("lo12 add wrote %#x, want 0x91048c00", got)
	}
}
