// Package sha256 provides SHA-256 hashing utilities.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Stream digests bytes as they are written, for bodies copied straight to disk.
type Stream struct {
	h hash.Hash
	n int64
}

// NewStream returns an empty streaming digest.
func NewStream() *Stream {
	return &Stream{h: sha256.New()}
}

// Write implements io.Writer.
func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.h.Write(p)
	s.n += int64(n)
	return n, err
}

// Sum returns the hex digest of everything written so far.
func (s *Stream) Sum() string {
	return hex.EncodeToString(s.h.Sum(nil))
}

// Len returns the number of bytes written.
func (s *Stream) Len() int64 {
	return s.n
}
