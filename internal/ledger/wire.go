package ledger

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/token-airdrop/airdrop/internal/protocol"
)

// JSON shapes of the node's RPC dialect. The devnet server encodes the same
// types so both sides stay in step.

// JSON-RPC error codes used by the node.
const (
	CodeInvalidParams          = -32602
	CodeMethodNotFound         = -32601
	CodeInvalidRequest         = -32600
	CodeParseError             = -32700
	CodeSendTransactionFailure = -32002
	CodeBlockhashNotFound      = -32003
	CodeInternal               = -32000
)

type RPCContext struct {
	Slot uint64 `json:"slot"`
}

// AccountInfo is an account as returned by getAccountInfo with base64 encoding.
type AccountInfo struct {
	Lamports   uint64          `json:"lamports"`
	Owner      protocol.Pubkey `json:"owner"`
	Data       EncodedData     `json:"data"`
	Executable bool            `json:"executable"`
	RentEpoch  uint64          `json:"rentEpoch"`
}

type AccountInfoResult struct {
	Context RPCContext   `json:"context"`
	Value   *AccountInfo `json:"value"`
}

// EncodedData is the ["<base64>", "base64"] pair used for account data.
type EncodedData []byte

func (d EncodedData) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{base64.StdEncoding.EncodeToString(d), "base64"})
}

func (d *EncodedData) UnmarshalJSON(b []byte) error {
	var pair []string
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("account data: %w", err)
	}
	if len(pair) != 2 || pair[1] != "base64" {
		return fmt.Errorf("account data: unsupported encoding %v", pair)
	}
	raw, err := base64.StdEncoding.DecodeString(pair[0])
	if err != nil {
		return fmt.Errorf("account data: %w", err)
	}
	*d = raw
	return nil
}

type BlockhashValue struct {
	Blockhash            protocol.Hash `json:"blockhash"`
	LastValidBlockHeight uint64        `json:"lastValidBlockHeight"`
}

type LatestBlockhashResult struct {
	Context RPCContext     `json:"context"`
	Value   BlockhashValue `json:"value"`
}

// SignatureStatus is one entry of getSignatureStatuses. Err holds JSON null
// when the transaction succeeded.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus Commitment      `json:"confirmationStatus"`
}

// Failed reports whether the status carries an execution error.
func (s *SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

type SignatureStatusesResult struct {
	Context RPCContext         `json:"context"`
	Value   []*SignatureStatus `json:"value"`
}

type BalanceResult struct {
	Context RPCContext `json:"context"`
	Value   uint64     `json:"value"`
}

// CommitmentConfig is the trailing config object most read methods accept.
type CommitmentConfig struct {
	Commitment Commitment `json:"commitment,omitempty"`
	Encoding   string     `json:"encoding,omitempty"`
}

type SendTransactionConfig struct {
	Encoding            string     `json:"encoding"`
	SkipPreflight       bool       `json:"skipPreflight"`
	PreflightCommitment Commitment `json:"preflightCommitment,omitempty"`
}

type SignatureStatusesConfig struct {
	SearchTransactionHistory bool `json:"searchTransactionHistory"`
}
