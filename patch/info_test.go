package patch

import (
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParseLoadInfo(t *testing.T) {
	li, err := ParseLoadInfo(writePatchObject(t, hostMachine()))
	if err != nil {
		t.Fatal(err)
	}

	if li.State() != Parsed {
		t.Errorf("state %v, want parsed", li.State())
	}
	if got := li.Target(); got != "try_to_wake_up" {
		t.Errorf("target %q", got)
	}
	if got := li.Author(); got != "elfview-test" {
		t.Errorf("author %q", got)
	}
	if li.Info.Type != 1 || li.Info.Version != 1 {
		t.Errorf("info record %+v", li.Info)
	}
	if li.Info.ReplaceAddr != 0 {
		t.Errorf("placeholder already set: %#x", li.Info.ReplaceAddr)
	}
}

func TestParseLoadInfoReplacement(t *testing.T) {
	li, err := ParseLoadInfo(writePatchObject(t, hostMachine()))
	if err != nil {
		t.Fatal(err)
	}
	rep, err := li.replacement()
	if err != nil {
		t.Fatal(err)
	}
	if rep.Name != "ulpatch_try_to_wake_up" {
		t.Errorf("replacement %q", rep.Name)
	}
	if elf.ST_TYPE(rep.Info) != elf.STT_FUNC {
		t.Errorf("replacement type %v", elf.ST_TYPE(rep.Info))
	}
}

func TestParseLoadInfoRejects(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.o")
	os.WriteFile(empty, nil, 0644)
	if _, err := ParseLoadInfo(empty); !errors.Is(err, ErrNotPatchObject) {
		t.Errorf("empty file err = %v", err)
	}

	text := filepath.Join(dir, "not-elf.o")
	os.WriteFile(text, []byte("definitely not an ELF"), 0644)
	if _, err := ParseLoadInfo(text); !errors.Is(err, ErrNotPatchObject) {
		t.Errorf("non-elf err = %v", err)
	}

	if _, err := ParseLoadInfo(filepath.Join(dir, "missing.o")); err == nil {
		t.Error("missing file parsed")
	}

	other := elf.EM_AARCH64
	if hostMachine() == elf.EM_AARCH64 {
		other = elf.EM_X86_64
	}
	if _, err := ParseLoadInfo(writePatchObject(t, other)); !errors.Is(err, ErrWrongMachine) {
		t.Errorf("foreign machine err = %v", err)
	}
}

func TestStateString(t *testing.T) {
	states := map[State]string{
		Unloaded:  "unloaded",
		Parsed:    "parsed",
		Staged:    "staged",
		Relocated: "relocated",
		Active:    "active",
	}
	for s, want := range states {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
