package devnet

import (
	"sync"
	"time"

	"github.com/token-airdrop/airdrop/internal/protocol"
)

// MaxRecentBlockhashes is how many blocks a blockhash stays usable as a
// recency token.
const MaxRecentBlockhashes = 150

// Chain maintains the devnet block sequence.
type Chain struct {
	mu      sync.RWMutex
	blocks  []*protocol.Block
	pending []protocol.Signature
	recent  map[protocol.Hash]uint64 // blockhash -> height
}

func NewChain() *Chain {
	ts := uint64(time.Now().Unix())
	genesis := &protocol.Block{
		Slot:       0,
		Height:     0,
		PrevHash:   protocol.Hash{},
		Timestamp:  ts,
		Signatures: []protocol.Signature{},
	}
	genesis.Blockhash = protocol.ComputeBlockhash(genesis.PrevHash, 0, ts, nil)

	return &Chain{
		blocks: []*protocol.Block{genesis},
		recent: map[protocol.Hash]uint64{genesis.Blockhash: 0},
	}
}

// AddSignature queues an executed transaction for the next block.
func (c *Chain) AddSignature(sig protocol.Signature) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, sig)
}

// ProduceBlock seals the pending signatures into the next block.
func (c *Chain) ProduceBlock() *protocol.Block {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.blocks[len(c.blocks)-1]
	height := prev.Height + 1
	ts := uint64(time.Now().Unix())
	sigs := c.pending
	if sigs == nil {
		sigs = []protocol.Signature{}
	}

	block := &protocol.Block{
		Slot:       height,
		Height:     height,
		PrevHash:   prev.Blockhash,
		Timestamp:  ts,
		Signatures: sigs,
	}
	block.Blockhash = protocol.ComputeBlockhash(prev.Blockhash, height, ts, sigs)

	c.blocks = append(c.blocks, block)
	c.recent[block.Blockhash] = height
	if height >= MaxRecentBlockhashes {
		expired := c.blocks[height-MaxRecentBlockhashes]
		delete(c.recent, expired.Blockhash)
	}
	c.pending = nil

	return block
}

// Height returns the height of the newest block.
func (c *Chain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1].Height
}

// Latest returns the newest blockhash and the last height at which it is
// still accepted.
func (c *Chain) Latest() (protocol.Hash, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	head := c.blocks[len(c.blocks)-1]
	return head.Blockhash, head.Height + MaxRecentBlockhashes - 1
}

// IsRecent reports whether h may still be used as a recency token.
func (c *Chain) IsRecent(h protocol.Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.recent[h]
	return ok
}

// Block returns the block at height, or nil.
func (c *Chain) Block(height uint64) *protocol.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if height >= uint64(len(c.blocks)) {
		return nil
	}
	b := *c.blocks[height]
	b.Signatures = append([]protocol.Signature(nil), b.Signatures...)
	return &b
}
