package patch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/Rtoax/elfview/arch"
	"github.com/Rtoax/elfview/task"
	"golang.org/x/sys/unix"
)

var (
	ErrShortPrologue = errors.New("function prologue shorter than the call-site replacement")
	ErrNoSpan        = errors.New("no free span within branch reach")
	ErrNotActive     = errors.New("patch is not active")
)

const trampPageSize = 4096

// install redirects the target function's entry to the replacement inside
// the staged image. If the replacement is within direct branch reach the
// entry gets a direct jump; otherwise a jump-table entry is placed in a
// nearby free span and the entry branches there. The original call-site
// bytes are kept for reversal.
func (li *LoadInfo) install(t *task.Task) error {
	isa := arch.Host()

	tsym := t.FindSymbol(li.Target())
	if tsym == nil {
		return fmt.Errorf("%w: target function %s (check /proc/%d/maps)",
			ErrUnresolved, li.Target(), t.Pid())
	}
	site, err := t.SymbolValue(tsym)
	if err != nil {
		return err
	}

	rep, err := li.replacement()
	if err != nil {
		return err
	}
	dst := li.TargetBase + li.file.Sections[rep.Section].Offset + rep.Value
	li.replaceAddr = dst

	// fill the ReplaceAddr placeholder inside the staged record
	var addr [8]byte
	binary.LittleEndian.PutUint64(addr[:], dst)
	if _, err := t.WriteMem(li.TargetBase+li.infoSec.Offset+replaceAddrOff, addr[:]); err != nil {
		return err
	}

	if err := checkCallSite(t, isa, site); err != nil {
		return err
	}

	size := isa.McountInsnSize()
	orig := make([]byte, size)
	if _, err := t.ReadMem(orig, site); err != nil {
		return err
	}

	var branch []byte
	if isa.InReach(site, dst) {
		branch, err = isa.JmpInsn(site, dst)
		if err != nil {
			return err
		}
	} else {
		span, serr := li.placeTrampoline(t, isa, site, dst)
		if serr != nil {
			return serr
		}
		branch, err = isa.JmpInsn(site, span)
		if err != nil {
			li.removeTrampoline(t)
			return err
		}
	}

	if _, err := t.WriteMem(site, branch); err != nil {
		li.removeTrampoline(t)
		return err
	}

	li.site = site
	li.origBytes = orig
	li.state = Active
	logger.Printf("patched %s: %#x -> %#x (%s)", li.Target(), site, dst, li.Author())
	return nil
}

// placeTrampoline finds a free span within branch reach of the call site,
// maps one RWX page there and pokes the far-jump entry into it.
func (li *LoadInfo) placeTrampoline(t *task.Task, isa arch.ISA, site, dst uint64) (uint64, error) {
	// stay a little inside the architectural reach so the branch from the
	// call site to the span start always encodes
	var reach uint64 = 1<<31 - 1<<20
	if isa == arch.AArch64 {
		reach = 1<<27 - 1<<16
	}
	lo := uint64(0x10000)
	if site > reach {
		lo = site - reach
	}
	span := t.FindSpanIn(trampPageSize, lo, site+reach)
	if span == 0 || !isa.InReach(site, span) {
		return 0, fmt.Errorf("%w: call site %#x", ErrNoSpan, site)
	}

	if _, err := t.Mmap(span, trampPageSize,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED, -1, 0); err != nil {
		return 0, err
	}
	if _, err := t.WriteMem(span, isa.JumpTableEntry(dst)); err != nil {
		t.Munmap(span, trampPageSize)
		return 0, err
	}
	if err := t.UpdateVMAs(); err != nil {
		return 0, err
	}

	li.tramp = span
	li.trampLen = trampPageSize
	logger.Printf("trampoline for %s at %#x -> %#x", li.Target(), span, dst)
	return span, nil
}

func (li *LoadInfo) removeTrampoline(t *task.Task) {
	if li.tramp == 0 {
		return
	}
	zero := make([]byte, arch.JumpTableSize)
	if _, err := t.WriteMem(li.tramp, zero); err != nil {
		logger.Printf("zero trampoline %#x: %v", li.tramp, err)
	}
	if err := t.Munmap(li.tramp, li.trampLen); err != nil {
		logger.Printf("unmap trampoline %#x: %v", li.tramp, err)
	}
	li.tramp = 0
}

// Delete reverses an active patch: the call site gets its original bytes
// back, the trampoline (if any) is zeroed and unmapped, the image is
// unmapped, and the registry entry disappears.
func (li *LoadInfo) Delete(t *task.Task) error {
	if li.state != Active {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, li.Path, li.state)
	}

	if _, err := t.WriteMem(li.site, li.origBytes); err != nil {
		return err
	}
	li.removeTrampoline(t)
	if err := t.Munmap(li.TargetBase, uint64(len(li.Raw))); err != nil {
		return err
	}
	li.TargetBase = 0
	li.dropRegistryFiles()
	if err := t.UpdateVMAs(); err != nil {
		return err
	}

	li.state = Unloaded
	logger.Printf("removed patch of %s", li.Target())
	return nil
}

func (li *LoadInfo) dropRegistryFiles() {
	if li.RegistryPath == "" {
		return
	}
	os.Remove(li.RegistryPath)
	os.Remove(li.RegistryPath + recSuffix)
	li.RegistryPath = ""
}
