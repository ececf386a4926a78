package devnet

import (
	"encoding/json"
	"sync"

	"github.com/token-airdrop/airdrop/internal/ledger"
	"github.com/token-airdrop/airdrop/internal/protocol"
)

// DefaultFinalizeDepth is how many blocks must follow the including block
// before a transaction counts as finalized.
const DefaultFinalizeDepth = 2

// TxStatus is the devnet record of an executed transaction.
type TxStatus struct {
	Signature protocol.Signature
	Slot      uint64
	// IncludedHeight is zero until a block seals the transaction.
	IncludedHeight uint64
	Err            json.RawMessage
}

// DeepCopy creates a deep copy of the TxStatus
func (st *TxStatus) DeepCopy() *TxStatus {
	if st == nil {
		return nil
	}
	cp := *st
	if st.Err != nil {
		cp.Err = append(json.RawMessage(nil), st.Err...)
	}
	return &cp
}

// StatusStore manages transaction statuses in memory
type StatusStore struct {
	statuses map[protocol.Signature]*TxStatus
	mu       sync.RWMutex
}

func NewStatusStore() *StatusStore {
	return &StatusStore{
		statuses: make(map[protocol.Signature]*TxStatus),
	}
}

func (s *StatusStore) Add(st *TxStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[st.Signature] = st.DeepCopy()
}

func (s *StatusStore) Get(sig protocol.Signature) *TxStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statuses[sig].DeepCopy()
}

func (s *StatusStore) Has(sig protocol.Signature) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.statuses[sig]
	return ok
}

// MarkIncluded records that a block at height sealed sigs.
func (s *StatusStore) MarkIncluded(sigs []protocol.Signature, height uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sig := range sigs {
		if st, ok := s.statuses[sig]; ok {
			st.IncludedHeight = height
		}
	}
}

// View renders st as the RPC status seen at chain height head.
func (st *TxStatus) View(head uint64, finalizeDepth uint64) *ledger.SignatureStatus {
	out := &ledger.SignatureStatus{
		Slot:               st.Slot,
		Err:                st.Err,
		ConfirmationStatus: ledger.CommitmentProcessed,
	}
	if out.Err == nil {
		out.Err = json.RawMessage("null")
	}
	if st.IncludedHeight == 0 {
		zero := uint64(0)
		out.Confirmations = &zero
		return out
	}
	depth := head - st.IncludedHeight
	if depth >= finalizeDepth {
		out.ConfirmationStatus = ledger.CommitmentFinalized
		return out
	}
	out.ConfirmationStatus = ledger.CommitmentConfirmed
	out.Confirmations = &depth
	return out
}
