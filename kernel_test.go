package elfview

import "testing"

func TestParseRelease(t *testing.T) {
	tests := []struct {
		release string
		want    string
	}{
		{"5.10.0-8-amd64", "5.10.0"},
		{"6.1.55", "6.1.55"},
		{"4.18.0-477.10.1.el8_8.x86_64", "4.18.0"},
		{"6.5.0-rc1+", "6.5.0"},
	}
	for _, tt := range tests {
		v, err := parseRelease(tt.release)
		if err != nil {
			t.Errorf("parseRelease(%q): %v", tt.release, err)
			continue
		}
		if v.String() != tt.want {
			t.Errorf("parseRelease(%q) = %s, want %s", tt.release, v, tt.want)
		}
	}
}

func TestCheckKernel(t *testing.T) {
	// anything able to run this test is newer than the minimum
	if err := CheckKernel(); err != nil {
		t.Error(err)
	}
}
