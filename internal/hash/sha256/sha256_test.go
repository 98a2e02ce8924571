// Package sha256 includes tests for the SHA-256 hasher adapter.
package sha256

import (
	"io"
	"strings"
	"testing"
)

const helloWorldDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if got != helloWorldDigest {
		t.Fatalf("expected %s, got %s", helloWorldDigest, got)
	}
}

// TestStreamMatchesHash checks chunked writes digest identically to Hash.
func TestStreamMatchesHash(t *testing.T) {
	t.Parallel()

	s := NewStream()
	if _, err := io.Copy(s, strings.NewReader("hello world")); err != nil {
		t.Fatalf("copy error = %v", err)
	}
	if s.Sum() != helloWorldDigest {
		t.Fatalf("expected %s, got %s", helloWorldDigest, s.Sum())
	}
	if s.Len() != int64(len("hello world")) {
		t.Fatalf("expected length 11, got %d", s.Len())
	}
}
