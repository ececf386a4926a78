package protocol

import (
	"crypto/sha256"
	"encoding/binary"
)

// Block is one slot produced by a ledger node. Its Blockhash is the recency
// token clients attach to transactions.
type Block struct {
	Slot       uint64      `json:"slot"`
	Height     uint64      `json:"height"`
	PrevHash   Hash        `json:"prev_hash"`
	Blockhash  Hash        `json:"blockhash"`
	Timestamp  uint64      `json:"timestamp"`
	Signatures []Signature `json:"signatures"`
}

// ComputeBlockhash chains the previous hash, the height and the included
// transaction signatures.
func ComputeBlockhash(prev Hash, height, timestamp uint64, sigs []Signature) Hash {
	h := sha256.New()
	h.Write(prev[:])
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], height)
	binary.LittleEndian.PutUint64(buf[8:], timestamp)
	h.Write(buf[:])
	for _, s := range sigs {
		h.Write(s[:])
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
