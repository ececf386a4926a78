package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	PubkeySize    = 32
	SignatureSize = 64
	HashSize      = 32
)

var (
	ErrInvalidPubkey    = errors.New("invalid public key")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidHash      = errors.New("invalid hash")
)

// Pubkey is a 32-byte ledger account address, rendered as base58.
type Pubkey [PubkeySize]byte

// ParsePubkey decodes a base58 account address.
// Only syntactic validity is checked: the string must decode to exactly 32 bytes.
func ParsePubkey(s string) (Pubkey, error) {
	var pk Pubkey
	if s == "" {
		return pk, fmt.Errorf("%w: empty string", ErrInvalidPubkey)
	}
	b, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("%w: %q: %v", ErrInvalidPubkey, s, err)
	}
	if len(b) != PubkeySize {
		return pk, fmt.Errorf("%w: %q decodes to %d bytes", ErrInvalidPubkey, s, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// MustPubkey is ParsePubkey for well-known constants. It panics on bad input.
func MustPubkey(s string) Pubkey {
	pk, err := ParsePubkey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

func (p Pubkey) String() string { return base58.Encode(p[:]) }

func (p Pubkey) Bytes() []byte { return p[:] }

func (p Pubkey) IsZero() bool { return p == Pubkey{} }

func (p Pubkey) Equals(o Pubkey) bool { return bytes.Equal(p[:], o[:]) }

func (p Pubkey) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Pubkey) UnmarshalText(text []byte) error {
	pk, err := ParsePubkey(string(text))
	if err != nil {
		return err
	}
	*p = pk
	return nil
}

// Signature is an ed25519 signature. The first signature of a transaction
// doubles as its identifier on the ledger.
type Signature [SignatureSize]byte

func ParseSignature(s string) (Signature, error) {
	var sig Signature
	b, err := base58.Decode(s)
	if err != nil {
		return sig, fmt.Errorf("%w: %q: %v", ErrInvalidSignature, s, err)
	}
	if len(b) != SignatureSize {
		return sig, fmt.Errorf("%w: %q decodes to %d bytes", ErrInvalidSignature, s, len(b))
	}
	copy(sig[:], b)
	return sig, nil
}

func (s Signature) String() string { return base58.Encode(s[:]) }

func (s Signature) IsZero() bool { return s == Signature{} }

func (s Signature) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *Signature) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	sig, err := ParseSignature(str)
	if err != nil {
		return err
	}
	*s = sig
	return nil
}

// Hash is a 32-byte digest. Blockhashes (the recency token attached to every
// transaction) use this type.
type Hash [HashSize]byte

func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("%w: %q: %v", ErrInvalidHash, s, err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("%w: %q decodes to %d bytes", ErrInvalidHash, s, len(b))
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash) String() string { return base58.Encode(h[:]) }

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
