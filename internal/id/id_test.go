package id

import (
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	for _, prefix := range []string{SessionPrefix, "snap"} {
		t.Run(prefix, func(t *testing.T) {
			id1 := Generate(prefix)
			id2 := Generate(prefix)

			if !strings.HasPrefix(id1, prefix+"_") {
				t.Errorf("expected prefix %q, got %s", prefix+"_", id1)
			}
			if id1 == id2 {
				t.Errorf("expected unique IDs, got %s and %s", id1, id2)
			}
			if want := len(prefix) + 1 + 12; len(id1) != want {
				t.Errorf("expected length %d, got %d (%s)", want, len(id1), id1)
			}
			if !Valid(id1) {
				t.Errorf("Valid(%q) = false", id1)
			}
		})
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"rec_0a1b2c3d4e5f", true},
		{"rec_0A1B2C3D4E5F", false},
		{"rec_0a1b2c", false},
		{"./trace.json", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := Valid(tt.in); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
