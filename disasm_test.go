package elfview

import (
	"bytes"
	"strings"
	"testing"

	"github.com/Rtoax/elfview/arch"
)

func TestDisasmNop(t *testing.T) {
	isa := arch.Host()
	code := append(isa.NopInsn(), isa.NopInsn()...)

	buf := &bytes.Buffer{}
	if err := Disasm(buf, code, 0x401000); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("disassembled %d instructions: %q", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "0x401000:") {
		t.Errorf("first line %q", lines[0])
	}
	if !strings.Contains(lines[0], "nop") {
		t.Errorf("nop not recognized: %q", lines[0])
	}
}

func TestDisasmGarbage(t *testing.T) {
	buf := &bytes.Buffer{}
	// an undecodable soup must surface an error, not loop
	if err := Disasm(buf, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, 0); err == nil {
		t.Skip("host decoder accepted the soup")
	}
}
