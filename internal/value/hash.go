package value

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainFile  = "skfs/file/v1"
	DomainEntry = "skfs/entry/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// FileHash computes the content-addressed identity of a File. Two Files with
// equal canonical encodings have equal hashes; the Interner relies on this to
// collapse them to one value.
func FileHash(f File) (string, error) {
	canonical, err := MarshalCanonical(f)
	if err != nil {
		return "", fmt.Errorf("FileHash: %w", err)
	}
	return hashWithDomain(DomainFile, canonical), nil
}

// EntryHash computes the identity of a whole value array. Used to detect
// no-op writes: a write whose entry hash matches the stored one must not
// bump the write time or dirty any readers.
func EntryHash(files []File) (string, error) {
	h := sha256.New()
	h.Write([]byte(DomainEntry))
	h.Write([]byte{0x00})
	for _, f := range files {
		canonical, err := MarshalCanonical(f)
		if err != nil {
			return "", fmt.Errorf("EntryHash: %w", err)
		}
		// Length-prefix each element so concatenation is unambiguous.
		fmt.Fprintf(h, "%d:", len(canonical))
		h.Write(canonical)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MustFileHash is like FileHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustFileHash(f File) string {
	id, err := FileHash(f)
	if err != nil {
		panic(err)
	}
	return id
}
