package distributor

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/token-airdrop/airdrop/internal/ledger"
	"github.com/token-airdrop/airdrop/internal/protocol"
)

// fakeLedger is an in-memory Ledger. Failures are injected per submission
// number (1-based).
type fakeLedger struct {
	mu sync.Mutex

	decimals      uint8
	decimalsErr   error
	decimalsCalls int

	existing    map[protocol.Pubkey]bool
	existsCalls int
	tokenCalls  int

	submitted   []*protocol.Transaction
	submitErr   map[int]error
	confirmErr  map[int]error
	failOnChain map[int]bool

	// onSubmit runs after the node has taken a transaction, before the
	// response is returned.
	onSubmit func()
	// onConfirm runs at the start of every ConfirmTransaction.
	onConfirm func(ctx context.Context)
}

func newFakeLedger(decimals uint8) *fakeLedger {
	return &fakeLedger{
		decimals:    decimals,
		existing:    make(map[protocol.Pubkey]bool),
		submitErr:   make(map[int]error),
		confirmErr:  make(map[int]error),
		failOnChain: make(map[int]bool),
	}
}

func (f *fakeLedger) GetAssetDecimals(ctx context.Context, mint protocol.Pubkey) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decimalsCalls++
	return f.decimals, f.decimalsErr
}

func (f *fakeLedger) AccountExists(ctx context.Context, addr protocol.Pubkey) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.existsCalls++
	return f.existing[addr], nil
}

func (f *fakeLedger) GetRecencyToken(ctx context.Context) (ledger.RecencyToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls++
	var h protocol.Hash
	h[0] = byte(f.tokenCalls)
	return ledger.RecencyToken{Blockhash: h, LastValidBlockHeight: 1000}, nil
}

func (f *fakeLedger) SubmitTransaction(ctx context.Context, tx *protocol.Transaction) (protocol.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := tx.VerifySignatures(ed25519.Verify); err != nil {
		return protocol.Signature{}, err
	}
	f.submitted = append(f.submitted, tx)
	if f.onSubmit != nil {
		f.onSubmit()
	}
	if err := f.submitErr[len(f.submitted)]; err != nil {
		return protocol.Signature{}, err
	}
	if err := ctx.Err(); err != nil {
		return protocol.Signature{}, err
	}
	return tx.ID(), nil
}

func (f *fakeLedger) ConfirmTransaction(ctx context.Context, sig protocol.Signature, token ledger.RecencyToken) (ledger.Outcome, error) {
	if f.onConfirm != nil {
		f.onConfirm(ctx)
	}
	if ctx.Err() != nil {
		return ledger.Outcome{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.submitted)
	if err := f.confirmErr[n]; err != nil {
		return ledger.Outcome{}, err
	}
	out := ledger.Outcome{Signature: sig, Slot: uint64(n), Commitment: ledger.CommitmentConfirmed}
	if f.failOnChain[n] {
		out.TxErr = &ledger.TransactionError{Raw: []byte(`{"InstructionError":[0,{"Custom":1}]}`)}
		return out, nil
	}
	// Landed: created accounts now exist.
	tx := f.submitted[n-1]
	for _, ci := range tx.Message.Instructions {
		ix, err := tx.Message.Resolve(ci)
		if err != nil {
			return ledger.Outcome{}, err
		}
		if ix.ProgramID == protocol.AssociatedTokenAccountProgramID {
			f.existing[ix.Accounts[1].Pubkey] = true
		}
	}
	return out, nil
}

// transfers decodes the destination and amount of every transfer in tx.
func transfers(t *testing.T, tx *protocol.Transaction) (dests []protocol.Pubkey, amounts []uint64) {
	t.Helper()
	for _, ci := range tx.Message.Instructions {
		ix, err := tx.Message.Resolve(ci)
		require.NoError(t, err)
		if ix.ProgramID != protocol.TokenProgramID {
			continue
		}
		amt, err := protocol.DecodeTransferAmount(ix.Data)
		require.NoError(t, err)
		dests = append(dests, ix.Accounts[1].Pubkey)
		amounts = append(amounts, amt)
	}
	return dests, amounts
}

func testPubkey(n int) protocol.Pubkey {
	var pk protocol.Pubkey
	pk[0] = byte(n)
	pk[1] = byte(n >> 8)
	for i := 2; i < len(pk); i++ {
		pk[i] = byte(i * 7)
	}
	return pk
}

func testKeypair(t *testing.T, fill byte) protocol.Keypair {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = fill
	}
	kp, err := protocol.KeypairFromSeed(seed)
	require.NoError(t, err)
	return kp
}

func ata(t *testing.T, owner, mint protocol.Pubkey) protocol.Pubkey {
	t.Helper()
	a, err := protocol.FindAssociatedTokenAddress(owner, mint)
	require.NoError(t, err)
	return a
}

// writeInput writes an input CSV with a wallet_address column and, when ids
// is set, an id column numbered from 1.
func writeInput(t *testing.T, dir, name string, ids bool, addrs ...protocol.Pubkey) string {
	t.Helper()
	var b strings.Builder
	if ids {
		b.WriteString("id,wallet_address\n")
	} else {
		b.WriteString("wallet_address\n")
	}
	for i, a := range addrs {
		if ids {
			fmt.Fprintf(&b, "%d,%s\n", i+1, a)
		} else {
			fmt.Fprintf(&b, "%s\n", a)
		}
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	return path
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

var (
	errRejected = &ledger.RPCError{
		Method:  "sendTransaction",
		Code:    ledger.CodeSendTransactionFailure,
		Message: "insufficient funds for fee",
	}
	errConnReset = errors.New("read tcp 127.0.0.1:8899: connection reset by peer")
)
