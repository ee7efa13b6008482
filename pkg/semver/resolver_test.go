package semver

import (
	"testing"
)

func TestSatisfiesRange(t *testing.T) {
	tests := []struct {
		name     string
		version  string
		rangeStr string
		want     bool
	}{
		{"empty range matches anything", "", "", true},
		{"major-only match", "3.4.2", "3", true},
		{"major-only no match", "3.4.2", "2", false},
		{"caret match", "3.4.2", "^3.2.0", true},
		{"caret no match", "2.1.0", "^3.2.0", false},
		{"tilde match", "3.2.9", "~3.2.0", true},
		{"exact match", "3.4.2", "3.4.2", true},
		{"exact no match", "3.4.2", "3.4.1", false},
		{"exact prerelease match", "2.0.0-rc.1", "2.0.0-rc.1", true},
		{"unversioned never matches a range", "", "1", false},
		{"bad constraint", "1.0.0", "not-a-range", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SatisfiesRange(tt.version, tt.rangeStr)
			if got != tt.want {
				t.Errorf("SatisfiesRange(%q, %q) = %v, want %v", tt.version, tt.rangeStr, got, tt.want)
			}
		})
	}
}

func TestHighestIndex(t *testing.T) {
	tests := []struct {
		name     string
		versions []string
		want     int
	}{
		{"empty", nil, -1},
		{"none parse", []string{"", "x"}, -1},
		{"plain highest", []string{"1.0.0", "2.1.0", "2.0.5"}, 1},
		{"stable beats newer prerelease", []string{"3.4.2", "3.5.0-alpha.1"}, 0},
		{"prerelease only", []string{"1.0.0-alpha", "1.0.0-beta"}, 1},
		{"tie keeps first", []string{"1.0.0", "1.0.0"}, 0},
		{"skips unversioned", []string{"", "0.1.0"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HighestIndex(tt.versions); got != tt.want {
				t.Errorf("HighestIndex(%v) = %d, want %d", tt.versions, got, tt.want)
			}
		})
	}
}

func TestValidateVersionAndRange(t *testing.T) {
	if err := ValidateVersion(""); err != nil {
		t.Errorf("ValidateVersion(\"\") = %v", err)
	}
	if err := ValidateVersion("1.2.3"); err != nil {
		t.Errorf("ValidateVersion(1.2.3) = %v", err)
	}
	if err := ValidateVersion("one"); err == nil {
		t.Error("ValidateVersion(one) expected error")
	}
	if err := ValidateRange("2"); err != nil {
		t.Errorf("ValidateRange(2) = %v", err)
	}
	if err := ValidateRange(">= 1.0"); err != nil {
		t.Errorf("ValidateRange(>= 1.0) = %v", err)
	}
	if err := ValidateRange("garbage"); err == nil {
		t.Error("ValidateRange(garbage) expected error")
	}
}
