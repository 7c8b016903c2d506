// Package keygen produces symmetric key records from a cryptographically
// strong random source. Records are immutable after creation: an opaque
// UUID identifier plus base64-encoded key material of a fixed byte length.
package keygen

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// Record is a single key as it appears on the wire and in the pool
// snapshot: an opaque identifier and base64-encoded material.
type Record struct {
	ID       string `json:"key_ID"`
	Material string `json:"key"`
}

// Bytes decodes the key material back into raw bytes.
func (r Record) Bytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(r.Material)
	if err != nil {
		return nil, fmt.Errorf("keygen: decode key material: %w", err)
	}
	return b, nil
}

// SizeBits reports the material length in bits, or 0 when the material
// is not valid base64.
func (r Record) SizeBits() int {
	b, err := r.Bytes()
	if err != nil {
		return 0
	}
	return len(b) * 8
}

// SizeError reports a non-positive requested key size.
type SizeError struct {
	Size int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("keygen: invalid key size %d bytes", e.Size)
}

// Generate produces one fresh record of sizeBytes random bytes.
// The identifier is a UUIDv4; the material is standard base64.
func Generate(sizeBytes int) (Record, error) {
	if sizeBytes <= 0 {
		return Record{}, &SizeError{Size: sizeBytes}
	}

	buf := make([]byte, sizeBytes)
	if _, err := rand.Read(buf); err != nil {
		return Record{}, fmt.Errorf("keygen: read random source: %w", err)
	}

	return Record{
		ID:       uuid.NewString(),
		Material: base64.StdEncoding.EncodeToString(buf),
	}, nil
}

// GenerateBatch produces n records of sizeBytes each.
// Returns the records generated so far alongside the first error.
func GenerateBatch(n, sizeBytes int) ([]Record, error) {
	records := make([]Record, 0, n)
	for range n {
		rec, err := Generate(sizeBytes)
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}
