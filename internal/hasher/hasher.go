// Package hasher computes the content fingerprints used as record ids and
// sync-state hashes.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SumString is Sum for strings.
func SumString(s string) string {
	return Sum([]byte(s))
}

// RecordID derives the deterministic id of a memory record.
// Fields are NUL-separated so ("ab","c") and ("a","bc") never collide.
func RecordID(content, source, scope string) string {
	h := sha256.New()
	h.Write([]byte(content))
	h.Write([]byte{0})
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(scope))
	return hex.EncodeToString(h.Sum(nil))
}

// IsDigest reports whether s has the shape of a Sum or RecordID result.
func IsDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// NormalizePath returns the absolute, cleaned, symlink-resolved form of p so
// that every spelling of one file yields the same source identity.
// For a path that does not exist yet, its nearest existing ancestor is
// resolved and the rest joined back on, so the result matches what the
// path resolves to once created.
func NormalizePath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	dir, rest := abs, ""
	for {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
	}
}
