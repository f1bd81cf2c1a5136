package elfview

import (
	"bytes"
	"strings"
	"testing"
)

func TestCSVWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewCSVWriter(buf)
	w.SetHeader([]string{"symbol", "address"})
	w.Append([]string{"printf", "7fd4c733d3d0"})
	w.Render()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	if lines[0] != "symbol,address" || lines[1] != "printf,7fd4c733d3d0" {
		t.Errorf("csv output %q", buf.String())
	}
}

func TestTableWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewTableWriter(buf)
	w.SetHeader([]string{"type", "start"})
	w.Append([]string{"libc", "7fd4c72f6000"})
	w.Render()

	out := buf.String()
	if !strings.Contains(out, "libc") || !strings.Contains(out, "7fd4c72f6000") {
		t.Errorf("table output %q", out)
	}
}
