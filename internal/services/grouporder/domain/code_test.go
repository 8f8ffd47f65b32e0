package domain

import (
	"bytes"
	"testing"
)

func TestGenerateCodeUsesReadableAlphabet(t *testing.T) {
	seen := make(map[string]bool)
	for range 200 {
		code, err := GenerateCode(nil)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if !ValidCode(code) {
			t.Fatalf("invalid code %q", code)
		}
		seen[code] = true
	}
	if len(seen) < 190 {
		t.Fatalf("only %d distinct codes out of 200", len(seen))
	}
}

func TestGenerateCodeIsDeterministicForReader(t *testing.T) {
	code, err := GenerateCode(bytes.NewReader([]byte{0, 1, 31, 32, 24, 255}))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if code != "AB9A29" {
		t.Fatalf("code = %q, want %q", code, "AB9A29")
	}
	if _, err := GenerateCode(bytes.NewReader([]byte{1, 2})); err == nil {
		t.Fatal("expected short read error")
	}
}

func TestNormalizeAndValidateCode(t *testing.T) {
	if got := NormalizeCode("  abc2de "); got != "ABC2DE" {
		t.Fatalf("normalize = %q", got)
	}
	for _, bad := range []string{"", "ABCDE", "ABCDEFG", "ABCDE0", "ABCDEI", "abcdef"} {
		if ValidCode(bad) {
			t.Fatalf("ValidCode(%q) = true", bad)
		}
	}
}
