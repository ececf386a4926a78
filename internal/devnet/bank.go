package devnet

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hdevalence/ed25519consensus"
	"go.uber.org/zap"

	"github.com/token-airdrop/airdrop/internal/protocol"
)

const (
	// LamportsPerSignature is the flat fee charged per transaction signature.
	LamportsPerSignature = 5000

	rentLamportsPerByteYear = 3480
	rentExemptionYears      = 2
	accountStorageOverhead  = 128
)

var (
	ErrBlockhashNotFound = errors.New("blockhash not found")
	ErrAlreadyProcessed  = errors.New("this transaction has already been processed")
	ErrFeePayerNoFunds   = errors.New("attempt to debit an account but found no record of a prior credit")
	ErrBadSignature      = errors.New("transaction signature verification failure")
	ErrMintExists        = errors.New("mint already exists")
)

// RentExemptMinimum returns the balance an account of size bytes must hold.
func RentExemptMinimum(size int) uint64 {
	return uint64(accountStorageOverhead+size) * rentLamportsPerByteYear * rentExemptionYears
}

// InstructionError is an execution failure of one instruction. It encodes as
// {"InstructionError":[index, detail]}.
type InstructionError struct {
	Index  int
	Detail interface{} // string, or map like {"Custom": 1}
}

func (e *InstructionError) Error() string {
	return fmt.Sprintf("Error processing Instruction %d: %v", e.Index, e.Detail)
}

func (e *InstructionError) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string][]interface{}{
		"InstructionError": {e.Index, e.Detail},
	})
}

// Token program custom error codes.
const (
	tokenErrInsufficientFunds = 1
	tokenErrMintMismatch      = 3
	tokenErrOwnerMismatch     = 4
)

func customErr(code int) map[string]int { return map[string]int{"Custom": code} }

// Bank executes transactions against the account store. Execution is
// serialized; a transaction's instructions apply all-or-nothing, while the fee
// is charged whenever the transaction lands.
type Bank struct {
	mu       sync.Mutex
	store    *AccountStore
	chain    *Chain
	statuses *StatusStore
	log      *zap.Logger
	airdrops uint64
}

func NewBank(store *AccountStore, chain *Chain, statuses *StatusStore, log *zap.Logger) *Bank {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bank{store: store, chain: chain, statuses: statuses, log: log}
}

// overlay buffers account writes until commit.
type overlay struct {
	store   *AccountStore
	changes map[protocol.Pubkey]*Account
}

func newOverlay(store *AccountStore) *overlay {
	return &overlay{store: store, changes: make(map[protocol.Pubkey]*Account)}
}

func (o *overlay) get(pk protocol.Pubkey) (*Account, error) {
	if acct, ok := o.changes[pk]; ok {
		return acct.Copy(), nil
	}
	return o.store.Get(pk)
}

func (o *overlay) set(pk protocol.Pubkey, acct *Account) {
	o.changes[pk] = acct.Copy()
}

func (o *overlay) commit() error {
	return o.store.Commit(o.changes)
}

// Process verifies, executes and records tx. When preflight is set, a
// transaction whose instructions fail is rejected without landing; otherwise
// it lands with its error recorded and only the fee applied. The returned
// error is non-nil only when the transaction did not land.
func (b *Bank) Process(tx *protocol.Transaction, preflight bool) (protocol.Signature, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sig := tx.ID()
	if err := tx.VerifySignatures(verifyEd25519); err != nil {
		return sig, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !b.chain.IsRecent(tx.Message.RecentBlockhash) {
		return sig, ErrBlockhashNotFound
	}
	if b.statuses.Has(sig) {
		return sig, ErrAlreadyProcessed
	}

	payer := tx.Message.FeePayer()
	fee := uint64(LamportsPerSignature * len(tx.Signatures))
	payerAcct, err := b.store.Get(payer)
	if err != nil {
		return sig, err
	}
	if payerAcct == nil || payerAcct.Lamports < fee {
		return sig, ErrFeePayerNoFunds
	}

	ov := newOverlay(b.store)
	payerAcct.Lamports -= fee
	ov.set(payer, payerAcct)

	execErr := b.execute(ov, tx)
	if execErr != nil {
		var ixErr *InstructionError
		if !errors.As(execErr, &ixErr) {
			return sig, execErr
		}
		if preflight {
			return sig, fmt.Errorf("transaction simulation failed: %w", execErr)
		}
		// Landed but failed: keep only the fee.
		ov = newOverlay(b.store)
		ov.set(payer, payerAcct)
	}
	if err := ov.commit(); err != nil {
		return sig, err
	}

	status := &TxStatus{Signature: sig, Slot: b.chain.Height() + 1}
	if execErr != nil {
		raw, err := json.Marshal(execErr)
		if err != nil {
			return sig, err
		}
		status.Err = raw
	}
	b.statuses.Add(status)
	b.chain.AddSignature(sig)

	b.log.Debug("Transaction executed",
		zap.Stringer("signature", sig),
		zap.Int("instructions", tx.InstructionCount()),
		zap.Bool("failed", execErr != nil))
	return sig, nil
}

func verifyEd25519(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519consensus.Verify(pub, msg, sig)
}

func (b *Bank) execute(ov *overlay, tx *protocol.Transaction) error {
	for i, ci := range tx.Message.Instructions {
		ix, err := tx.Message.Resolve(ci)
		if err != nil {
			return &InstructionError{Index: i, Detail: "InvalidAccountData"}
		}
		var detail interface{}
		switch ix.ProgramID {
		case protocol.AssociatedTokenAccountProgramID:
			detail = b.createAssociatedAccount(ov, ix)
		case protocol.TokenProgramID:
			detail = b.tokenInstruction(ov, ix)
		default:
			detail = "IncorrectProgramId"
		}
		if detail != nil {
			return &InstructionError{Index: i, Detail: detail}
		}
	}
	return nil
}

// createAssociatedAccount expects [payer, ata, owner, mint, system, token, rent].
func (b *Bank) createAssociatedAccount(ov *overlay, ix protocol.Instruction) interface{} {
	if len(ix.Accounts) < 6 {
		return "NotEnoughAccountKeys"
	}
	payerMeta, ataMeta := ix.Accounts[0], ix.Accounts[1]
	owner, mint := ix.Accounts[2].Pubkey, ix.Accounts[3].Pubkey
	if !payerMeta.IsSigner || !payerMeta.IsWritable || !ataMeta.IsWritable {
		return "MissingRequiredSignature"
	}
	if ix.Accounts[5].Pubkey != protocol.TokenProgramID {
		return "IncorrectProgramId"
	}
	want, err := protocol.FindAssociatedTokenAddress(owner, mint)
	if err != nil || want != ataMeta.Pubkey {
		return "InvalidSeeds"
	}

	mintAcct, err := ov.get(mint)
	if err != nil || mintAcct == nil || mintAcct.Owner != protocol.TokenProgramID {
		return "InvalidAccountData"
	}
	if _, err := protocol.DecodeMint(mintAcct.Data); err != nil {
		return "InvalidAccountData"
	}

	existing, err := ov.get(ataMeta.Pubkey)
	if err != nil {
		return "InvalidAccountData"
	}
	if existing != nil {
		return customErr(0) // account already in use
	}

	rent := RentExemptMinimum(protocol.TokenAccountSize)
	payer, err := ov.get(payerMeta.Pubkey)
	if err != nil || payer == nil || payer.Lamports < rent {
		return customErr(1) // insufficient lamports
	}
	payer.Lamports -= rent
	ov.set(payerMeta.Pubkey, payer)
	ov.set(ataMeta.Pubkey, &Account{
		Lamports: rent,
		Owner:    protocol.TokenProgramID,
		Data:     protocol.TokenAccount{Mint: mint, Owner: owner}.Encode(),
	})
	return nil
}

// tokenInstruction supports Transfer: [source, destination, authority].
func (b *Bank) tokenInstruction(ov *overlay, ix protocol.Instruction) interface{} {
	amount, err := protocol.DecodeTransferAmount(ix.Data)
	if err != nil {
		return "InvalidInstructionData"
	}
	if len(ix.Accounts) < 3 {
		return "NotEnoughAccountKeys"
	}
	srcMeta, dstMeta, auth := ix.Accounts[0], ix.Accounts[1], ix.Accounts[2]
	if !auth.IsSigner {
		return "MissingRequiredSignature"
	}
	if !srcMeta.IsWritable || !dstMeta.IsWritable {
		return "InvalidArgument"
	}

	srcAcct, src, detail := loadTokenAccount(ov, srcMeta.Pubkey)
	if detail != nil {
		return detail
	}
	dstAcct, dst, detail := loadTokenAccount(ov, dstMeta.Pubkey)
	if detail != nil {
		return detail
	}
	if src.Owner != auth.Pubkey {
		return customErr(tokenErrOwnerMismatch)
	}
	if src.Mint != dst.Mint {
		return customErr(tokenErrMintMismatch)
	}
	if src.Amount < amount {
		return customErr(tokenErrInsufficientFunds)
	}
	if srcMeta.Pubkey == dstMeta.Pubkey {
		return nil
	}

	src.Amount -= amount
	dst.Amount += amount
	srcAcct.Data = src.Encode()
	dstAcct.Data = dst.Encode()
	ov.set(srcMeta.Pubkey, srcAcct)
	ov.set(dstMeta.Pubkey, dstAcct)
	return nil
}

func loadTokenAccount(ov *overlay, pk protocol.Pubkey) (*Account, protocol.TokenAccount, interface{}) {
	acct, err := ov.get(pk)
	if err != nil || acct == nil {
		return nil, protocol.TokenAccount{}, "AccountNotFound"
	}
	if acct.Owner != protocol.TokenProgramID {
		return nil, protocol.TokenAccount{}, "IncorrectProgramId"
	}
	ta, err := protocol.DecodeTokenAccount(acct.Data)
	if err != nil {
		return nil, protocol.TokenAccount{}, "InvalidAccountData"
	}
	return acct, ta, nil
}

// Airdrop credits lamports to pk and records a successful status under a
// synthetic signature.
func (b *Bank) Airdrop(pk protocol.Pubkey, lamports uint64) (protocol.Signature, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	acct, err := b.store.Get(pk)
	if err != nil {
		return protocol.Signature{}, err
	}
	if acct == nil {
		acct = &Account{}
	}
	acct.Lamports += lamports
	if err := b.store.Put(pk, acct); err != nil {
		return protocol.Signature{}, err
	}

	b.airdrops++
	sig := syntheticSignature(pk, b.airdrops)
	b.statuses.Add(&TxStatus{Signature: sig, Slot: b.chain.Height() + 1})
	b.chain.AddSignature(sig)
	return sig, nil
}

func syntheticSignature(pk protocol.Pubkey, n uint64) protocol.Signature {
	var ctr [8]byte
	binary.LittleEndian.PutUint64(ctr[:], n)
	first := sha256.Sum256(append(pk[:], ctr[:]...))
	second := sha256.Sum256(first[:])
	var sig protocol.Signature
	copy(sig[:32], first[:])
	copy(sig[32:], second[:])
	return sig
}

// CreateMint installs an initialized mint account.
func (b *Bank) CreateMint(mint protocol.Pubkey, authority protocol.Pubkey, decimals uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, err := b.store.Get(mint)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%s: %w", mint, ErrMintExists)
	}
	auth := authority
	return b.store.Put(mint, &Account{
		Lamports: RentExemptMinimum(protocol.MintSize),
		Owner:    protocol.TokenProgramID,
		Data:     protocol.Mint{MintAuthority: &auth, Decimals: decimals}.Encode(),
	})
}

// MintTo credits amount to owner's associated token account, creating the
// account when needed, and returns its address.
func (b *Bank) MintTo(mint, owner protocol.Pubkey, amount uint64) (protocol.Pubkey, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mintAcct, err := b.store.Get(mint)
	if err != nil {
		return protocol.Pubkey{}, err
	}
	if mintAcct == nil {
		return protocol.Pubkey{}, fmt.Errorf("mint %s not found", mint)
	}
	m, err := protocol.DecodeMint(mintAcct.Data)
	if err != nil {
		return protocol.Pubkey{}, err
	}
	ata, err := protocol.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return protocol.Pubkey{}, err
	}

	acct, err := b.store.Get(ata)
	if err != nil {
		return protocol.Pubkey{}, err
	}
	ta := protocol.TokenAccount{Mint: mint, Owner: owner}
	if acct == nil {
		acct = &Account{Lamports: RentExemptMinimum(protocol.TokenAccountSize), Owner: protocol.TokenProgramID}
	} else if ta, err = protocol.DecodeTokenAccount(acct.Data); err != nil {
		return protocol.Pubkey{}, err
	}
	ta.Amount += amount
	acct.Data = ta.Encode()
	m.Supply += amount
	mintAcct.Data = m.Encode()

	err = b.store.Commit(map[protocol.Pubkey]*Account{ata: acct, mint: mintAcct})
	return ata, err
}

// Seal produces the next block and marks its transactions included.
func (b *Bank) Seal() *protocol.Block {
	b.mu.Lock()
	defer b.mu.Unlock()
	block := b.chain.ProduceBlock()
	b.statuses.MarkIncluded(block.Signatures, block.Height)
	return block
}
