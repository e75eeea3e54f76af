// Package pagehash defines the content hash that addresses a manga page.
//
// A page is identified by the MD5 of its raw image bytes, rendered as 32
// lowercase hex characters. Hashes are canonicalized to lowercase at every
// boundary: uppercase input never reaches the cache or the coalescer.
package pagehash

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Hash is a canonical page hash: 32 lowercase hex characters.
type Hash string

// pattern matches a canonical page hash. Input is lowercased before matching,
// so uppercase hex is accepted at the boundary.
var pattern = regexp.MustCompile(`^[a-f0-9]{32}$`)

// Parse canonicalizes and validates a client-supplied hash string.
func Parse(s string) (Hash, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !pattern.MatchString(s) {
		return "", fmt.Errorf("invalid page hash: %q", s)
	}
	return Hash(s), nil
}

// Valid reports whether s canonicalizes to a well-formed page hash.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// FromBytes computes the canonical hash of raw image bytes.
func FromBytes(data []byte) Hash {
	sum := md5.Sum(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// String returns the hash as its canonical lowercase hex form.
func (h Hash) String() string {
	return string(h)
}
