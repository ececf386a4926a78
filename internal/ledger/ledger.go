// Package ledger is the JSON-RPC client for the ledger network: account
// lookups, recency tokens, transaction submission and confirmation polling.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/token-airdrop/airdrop/internal/protocol"
)

// Commitment is how settled a block must be before a read or a confirmation
// counts.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

func (c Commitment) rank() int {
	switch c {
	case CommitmentProcessed:
		return 1
	case CommitmentConfirmed:
		return 2
	case CommitmentFinalized:
		return 3
	default:
		return 0
	}
}

// Satisfies reports whether a status at commitment c meets target.
func (c Commitment) Satisfies(target Commitment) bool {
	return c.rank() >= target.rank() && c.rank() > 0
}

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrNotAMint        = errors.New("account is not a token mint")
	// ErrRecencyTokenExpired means the blockhash aged out before the
	// transaction was seen, so it can no longer land.
	ErrRecencyTokenExpired = errors.New("recency token expired before the transaction landed")
	ErrUnsignedTransaction = errors.New("transaction is not fully signed")
	ErrSignatureMismatch   = errors.New("node returned a different signature than submitted")
)

// RecencyToken is a recent blockhash plus the last block height at which a
// transaction carrying it can still be included.
type RecencyToken struct {
	Blockhash            protocol.Hash
	LastValidBlockHeight uint64
}

// TransactionError is the on-ledger failure of an executed transaction, kept
// in the node's JSON form.
type TransactionError struct {
	Raw json.RawMessage
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction failed on ledger: %s", string(e.Raw))
}

// Outcome is the confirmed result of a submitted transaction. TxErr is set
// when the transaction landed but failed; in that case no state changed
// besides the fee.
type Outcome struct {
	Signature  protocol.Signature
	Slot       uint64
	Commitment Commitment
	TxErr      *TransactionError
}

func (o Outcome) Succeeded() bool { return o.TxErr == nil }

// RPCError is a JSON-RPC level rejection returned by the node, for example a
// failed preflight simulation.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: rpc error %d: %s", e.Method, e.Code, e.Message)
}
