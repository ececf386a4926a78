package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mr-tron/base58"
)

var ErrInvalidKeypair = errors.New("invalid keypair")

// Keypair is an ed25519 signing key for a ledger account.
type Keypair struct {
	priv ed25519.PrivateKey
}

func NewKeypair() (Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate keypair: %w", err)
	}
	return Keypair{priv: priv}, nil
}

// KeypairFromSeed derives a keypair from a 32-byte seed. Used by tests and the
// devnet for deterministic accounts.
func KeypairFromSeed(seed []byte) (Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return Keypair{}, fmt.Errorf("%w: seed is %d bytes", ErrInvalidKeypair, len(seed))
	}
	return Keypair{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// KeypairFromBytes accepts the 64-byte secret||public layout used by wallet
// files. The public half must match the secret.
func KeypairFromBytes(b []byte) (Keypair, error) {
	if len(b) != ed25519.PrivateKeySize {
		return Keypair{}, fmt.Errorf("%w: secret key is %d bytes", ErrInvalidKeypair, len(b))
	}
	kp, err := KeypairFromSeed(b[:ed25519.SeedSize])
	if err != nil {
		return Keypair{}, err
	}
	if string(kp.priv[ed25519.SeedSize:]) != string(b[ed25519.SeedSize:]) {
		return Keypair{}, fmt.Errorf("%w: public key does not match secret", ErrInvalidKeypair)
	}
	return kp, nil
}

// KeypairFromBase58 decodes a base58 64-byte secret key.
func KeypairFromBase58(s string) (Keypair, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return Keypair{}, fmt.Errorf("%w: %v", ErrInvalidKeypair, err)
	}
	return KeypairFromBytes(b)
}

// LoadKeypairFile reads a wallet file holding the secret key as a JSON array
// of 64 byte values.
func LoadKeypairFile(path string) (Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Keypair{}, fmt.Errorf("read keypair file: %w", err)
	}
	var raw []byte
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return Keypair{}, fmt.Errorf("parse keypair file %s: %w", path, err)
	}
	raw = make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return Keypair{}, fmt.Errorf("%w: byte %d out of range in %s", ErrInvalidKeypair, i, path)
		}
		raw[i] = byte(v)
	}
	return KeypairFromBytes(raw)
}

// WriteKeypairFile stores kp in the JSON array format read by LoadKeypairFile.
func WriteKeypairFile(path string, kp Keypair) error {
	ints := make([]int, len(kp.priv))
	for i, b := range kp.priv {
		ints[i] = int(b)
	}
	data, err := json.Marshal(ints)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func (k Keypair) PublicKey() Pubkey {
	var pk Pubkey
	copy(pk[:], k.priv[ed25519.SeedSize:])
	return pk
}

func (k Keypair) Sign(msg []byte) Signature {
	var s Signature
	copy(s[:], ed25519.Sign(k.priv, msg))
	return s
}

func (k Keypair) IsZero() bool { return len(k.priv) == 0 }
