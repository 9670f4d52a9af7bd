// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and the SHA-256 digests derived from it.
//
// Every hash that Tollgate persists (audit content hashes, input hashes,
// decision hashes, tool fingerprints) is computed over JCS bytes, so the
// encoding here is part of the audit log's external verification contract
// and must not change without a new hash version prefix.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// DigestPrefix identifies the hash algorithm of a digest string.
const DigestPrefix = "sha256:"

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// Values are first encoded with encoding/json so struct tags and
// omitempty are honoured, then transformed: object keys sorted by UTF-16
// code units, numbers in ECMAScript form, no HTML escaping, no whitespace.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	return Transform(intermediate)
}

// Transform canonicalizes an already encoded JSON document.
func Transform(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(bytes.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// JCSString returns the JCS canonical form as a string.
func JCSString(v any) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CanonicalHash returns the prefixed SHA-256 digest of JCS(v).
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return Digest(b), nil
}

// Digest returns "sha256:<hex>" for data.
func Digest(data []byte) string {
	return DigestPrefix + HashBytes(data)
}

// HashBytes computes the SHA-256 of raw bytes as lowercase hex.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// HashJSON digests a raw JSON document by its canonical form. Input that is
// not valid JSON is digested as opaque bytes, so a caller always gets a
// value that can be recorded without storing the payload itself.
func HashJSON(raw []byte) string {
	if canonical, err := Transform(raw); err == nil {
		return Digest(canonical)
	}
	return Digest(raw)
}

// DecodeDigest returns the raw hash bytes of a prefixed digest.
func DecodeDigest(d string) ([]byte, error) {
	if !strings.HasPrefix(d, DigestPrefix) {
		return nil, fmt.Errorf("digest %q: missing %s prefix", d, DigestPrefix)
	}
	b, err := hex.DecodeString(d[len(DigestPrefix):])
	if err != nil {
		return nil, fmt.Errorf("digest %q: %w", d, err)
	}
	if len(b) != sha256.Size {
		return nil, fmt.Errorf("digest %q: want %d bytes, got %d", d, sha256.Size, len(b))
	}
	return b, nil
}
