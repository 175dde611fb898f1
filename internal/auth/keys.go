// Package auth compares API and stream tokens through their SHA-256
// digests so comparisons take the same time whatever the token length.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"
)

func digest(key string) [sha256.Size]byte {
	return sha256.Sum256([]byte(strings.TrimSpace(key)))
}

// Equal reports whether two tokens match. Empty tokens never match.
func Equal(a, b string) bool {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return false
	}
	da, db := digest(a), digest(b)
	return subtle.ConstantTimeCompare(da[:], db[:]) == 1
}

// KeySet holds the digests of a list of allowed tokens.
type KeySet struct {
	digests [][sha256.Size]byte
}

// NewKeySet hashes keys. Blank entries are skipped.
func NewKeySet(keys []string) KeySet {
	s := KeySet{digests: make([][sha256.Size]byte, 0, len(keys))}
	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			continue
		}
		s.digests = append(s.digests, digest(k))
	}
	return s
}

// Contains reports whether key is in the set. Every entry is compared.
func (s KeySet) Contains(key string) bool {
	if strings.TrimSpace(key) == "" {
		return false
	}
	d := digest(key)
	found := 0
	for _, allowed := range s.digests {
		found |= subtle.ConstantTimeCompare(d[:], allowed[:])
	}
	return found == 1
}
