package dedup

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PointerExt is the suffix that marks a remote object as a dedup pointer.
// A duplicate of content stored at X lives at "<logical path>" + PointerExt
// and references X.
const PointerExt = ".b2ptr"

const (
	pointerType    = "dedup-pointer"
	pointerVersion = 1
)

// ErrMalformedPointer is returned (wrapped) by DecodePointer when the bytes
// are not a pointer this engine understands. The download pipeline treats
// such objects as unresolvable and keeps going.
var ErrMalformedPointer = errors.New("malformed pointer object")

// Pointer is the wire format of a dedup pointer object. Created once per
// duplicate occurrence at upload time and immutable thereafter.
type Pointer struct {
	Type         string    `json:"type"`
	Version      int       `json:"version"`
	OriginalHash string    `json:"original_hash"`
	OriginalPath string    `json:"original_path"`
	Created      time.Time `json:"pointer_created"`
}

// EncodePointer serializes a pointer referencing the original stored at
// originalPath. Deterministic for identical inputs and timestamp.
func EncodePointer(originalHash, originalPath string, created time.Time) ([]byte, error) {
	p := Pointer{
		Type:         pointerType,
		Version:      pointerVersion,
		OriginalHash: originalHash,
		OriginalPath: originalPath,
		Created:      created.UTC(),
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding pointer: %w", err)
	}
	return data, nil
}

// DecodePointer parses pointer bytes. A wrong type tag, an unknown version,
// missing fields, or invalid JSON all yield ErrMalformedPointer.
func DecodePointer(data []byte) (*Pointer, error) {
	var p Pointer
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPointer, err)
	}
	if p.Type != pointerType {
		return nil, fmt.Errorf("%w: unexpected type tag %q", ErrMalformedPointer, p.Type)
	}
	if p.Version != pointerVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedPointer, p.Version)
	}
	if p.OriginalHash == "" || p.OriginalPath == "" {
		return nil, fmt.Errorf("%w: missing original reference", ErrMalformedPointer)
	}
	return &p, nil
}
