// Package bininfo provides functions for reading elf binary files on disk
// and converting function names to link-time addresses. It backs the symbol
// index for a target's own executable and its libc.
package bininfo

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidElfType = errors.New("invalid elf type")
	ErrNoSymbols      = errors.New("no elf symbol table")
)

// ErrMultipleMatches is an error that describes a function name matching
// multiple known functions.
type ErrMultipleMatches struct {
	Matches []string
}

func (e *ErrMultipleMatches) Error() string {
	if len(e.Matches) == 0 {
		return "no matches"
	}

	b := &bytes.Buffer{}
	b.WriteString("Multiple matches:\n")
	for _, m := range e.Matches {
		b.WriteString(m)
		b.WriteByte('\n')
	}
	return b.String()
}

// A BinFile holds the defined symbols of one on-disk ELF. The BinFile also
// tracks if the executable is position-independent.
type BinFile struct {
	pie    bool
	syms   []elf.Symbol
	byName map[string]int
	name   string
}

// FromPid creates a new BinFile from the executable of a running process.
func FromPid(pid int) (*BinFile, error) {
	binpath, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return nil, err
	}
	return Open(binpath)
}

// Open creates a new BinFile from a file on disk.
func Open(path string) (*BinFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f, filepath.Base(path))
}

// Read creates a new BinFile from an io.ReaderAt.
func Read(r io.ReaderAt, name string) (*BinFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, ErrInvalidElfType
	}

	b := &BinFile{
		name:   name,
		byName: make(map[string]int),
	}

	if f.Type == elf.ET_DYN {
		b.pie = true
	} else if f.Type != elf.ET_EXEC {
		return nil, ErrInvalidElfType
	}

	// .symtab first, .dynsym as the stripped-binary fallback.
	syms, err := f.Symbols()
	if err != nil {
		syms, err = f.DynamicSymbols()
		if err != nil {
			return nil, ErrNoSymbols
		}
	}

	for _, s := range syms {
		if s.Section == elf.SHN_UNDEF || s.Name == "" {
			continue
		}
		b.byName[s.Name] = len(b.syms)
		b.syms = append(b.syms, s)
	}

	return b, nil
}

// Name returns the base name the file was opened under.
func (b *BinFile) Name() string {
	return b.name
}

// Pie returns true if this executable is position-independent.
func (b *BinFile) Pie() bool {
	return b.pie
}

// Symbols returns all defined symbols, in symbol-table order.
func (b *BinFile) Symbols() []elf.Symbol {
	return b.syms
}

// Lookup returns the defined symbol with the given exact name.
func (b *BinFile) Lookup(name string) (elf.Symbol, bool) {
	i, ok := b.byName[name]
	if !ok {
		return elf.Symbol{}, false
	}
	return b.syms[i], true
}

// FuncToPC converts a function name to its link-time PC. It does a "fuzzy"
// search so if the given name is a substring of a real function name, and
// the substring uniquely identifies it, that function is used. If there are
// multiple matches it returns a multiple match error describing all the
// matches.
func (b *BinFile) FuncToPC(name string) (uint64, error) {
	if s, ok := b.Lookup(name); ok {
		return s.Value, nil
	}

	matches := make([]string, 0)
	for _, s := range b.syms {
		if elf.ST_TYPE(s.Info) == elf.STT_FUNC && strings.Contains(s.Name, name) {
			matches = append(matches, s.Name)
		}
	}

	if len(matches) == 1 {
		s, _ := b.Lookup(matches[0])
		return s.Value, nil
	}

	return 0, &ErrMultipleMatches{
		Matches: matches,
	}
}
