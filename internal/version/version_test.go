package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	v, c, d := Info()
	if v == "" || c == "" || d == "" {
		t.Fatalf("version info must not be empty: %q %q %q", v, c, d)
	}
}

func TestGetVersionMatchesInfo(t *testing.T) {
	v, _, _ := Info()
	if got := GetVersion(); got != v {
		t.Fatalf("GetVersion (%s) must match Info version (%s)", got, v)
	}
}

func TestString(t *testing.T) {
	s := String()
	for _, field := range []string{"version=", "commit=", "date="} {
		if !strings.Contains(s, field) {
			t.Fatalf("String() must contain %q, got %s", field, s)
		}
	}
}
