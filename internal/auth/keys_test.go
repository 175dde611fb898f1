package auth

import (
	"testing"
)

func TestDigest_TrimsWhitespace(t *testing.T) {
	if digest("  test-api-key  ") != digest("test-api-key") {
		t.Error("expected surrounding whitespace to be ignored")
	}
	if digest("key1") == digest("key2") {
		t.Error("different keys produced the same digest")
	}
	if !Equal(" stream-token\n", "stream-token") {
		t.Error("expected tokens differing only in whitespace to match")
	}
}

func TestEqual(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"stream-token", "stream-token", true},
		{"stream-token", "stream-token2", false},
		{"short", "a-much-longer-token", false},
		{"", "", false},
		{"   ", "   ", false},
		{"token", "", false},
	}
	for _, tt := range tests {
		if got := Equal(tt.a, tt.b); got != tt.want {
			t.Errorf("Equal(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestKeySet(t *testing.T) {
	s := NewKeySet([]string{"alpha", "", "beta", "  "})

	if len(s.digests) != 2 {
		t.Errorf("expected blank entries to be skipped, got %d keys", len(s.digests))
	}
	for _, k := range []string{"alpha", "beta"} {
		if !s.Contains(k) {
			t.Errorf("expected %q to be allowed", k)
		}
	}
	for _, k := range []string{"gamma", "", "alph"} {
		if s.Contains(k) {
			t.Errorf("expected %q to be rejected", k)
		}
	}
	if NewKeySet(nil).Contains("alpha") {
		t.Error("an empty set must reject everything")
	}
}
