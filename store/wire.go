package store

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode holds CBOR encoding options with canonical mode for
// deterministic encoding.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("store: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Record is the stored form of a module: its name, the raw container
// bytes, the content digest, and bookkeeping metadata.
type Record struct {
	Name      string   `cbor:"1,keyasint"`
	Digest    [32]byte `cbor:"2,keyasint"`
	Container []byte   `cbor:"3,keyasint"`
	StoredAt  int64    `cbor:"4,keyasint"` // unix seconds
}

// NewRecord builds a record from a module's container bytes, computing its
// content digest.
func NewRecord(name string, container []byte) *Record {
	return &Record{
		Name:      name,
		Digest:    sha256.Sum256(container),
		Container: container,
		StoredAt:  time.Now().Unix(),
	}
}

// MarshalRecord serializes a Record to canonical CBOR bytes.
func MarshalRecord(r *Record) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalRecord deserializes a Record from CBOR bytes.
func UnmarshalRecord(data []byte) (*Record, error) {
	var r Record
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("store: unmarshal record: %w", err)
	}
	return &r, nil
}
