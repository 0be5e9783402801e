package resolution

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// StatementID is a consistent hash (i.e., content address) over the natural key
// of a Statement: its entity id, property, value and dataset. Two statements
// with the same natural key have the same StatementID regardless of their
// metadata (language, timestamps), which makes writing a statement twice an
// idempotent upsert.
//
// The hash must stay stable as the software evolves, because statement ids are
// persisted in stores and published statement packs.
type StatementID contentAddress

func (h StatementID) MarshalText() ([]byte, error)     { return contentAddress(h).MarshalText() }
func (h *StatementID) UnmarshalText(text []byte) error { return (*contentAddress)(h).UnmarshalText(text) }
func (h StatementID) String() string                   { return contentAddress(h).String() }
func (h StatementID) IsZero() bool                     { return contentAddress(h).IsZero() }

// ParseStatementID decodes the hex form of a StatementID.
func ParseStatementID(s string) (StatementID, error) {
	var id StatementID
	if err := id.UnmarshalText([]byte(s)); err != nil {
		return StatementID{}, err
	}
	return id, nil
}

// ComputeStatementID returns the content address of a statement's natural key.
//
// Each field is length-prefixed before it is written to the digest, so that
// moving bytes between adjacent fields (e.g. entity "ab" with property "c"
// versus entity "a" with property "bc") changes the hash.
func ComputeStatementID(entityID, prop, value, dataset string) StatementID {
	h := sha1.New()
	writeField(h, dataset)
	writeField(h, entityID)
	writeField(h, prop)
	writeField(h, value)
	return StatementID(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(s)))
	h.Write(buf[:n])
	h.Write([]byte(s))
}

// contentAddress is a consistent hash primitive serving as the base for strongly
// typed hashes, like StatementID.
type contentAddress [sha1.Size]byte

func (h contentAddress) MarshalText() ([]byte, error) {
	text := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(text, h[:]) // always returns hex.EncodedLen(len(h)) (see hex.Encode)
	return text, nil
}

func (h *contentAddress) UnmarshalText(text []byte) error {
	if len(text) != hex.EncodedLen(len(h)) {
		return fmt.Errorf("want %d hex digits, got %d: %w", hex.EncodedLen(len(h)), len(text), io.ErrUnexpectedEOF)
	}
	if _, err := hex.Decode(h[:], text); err != nil {
		return fmt.Errorf("decode hex: %w", err)
	}
	return nil
}

func (h contentAddress) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero value of the type.
func (h contentAddress) IsZero() bool {
	return h == contentAddress{}
}
