package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Well-known program and sysvar addresses.
var (
	SystemProgramID                 = MustPubkey("11111111111111111111111111111111")
	TokenProgramID                  = MustPubkey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	AssociatedTokenAccountProgramID = MustPubkey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
	SysvarRentID                    = MustPubkey("SysvarRent111111111111111111111111111111111")
)

// Token program instruction tags.
const (
	TokenInstructionTransfer = 3
)

const (
	MintSize         = 82
	TokenAccountSize = 165

	mintDecimalsOffset      = 44
	mintInitializedOffset   = 45
	tokenAmountOffset       = 64
	tokenStateOffset        = 108
	tokenAccountInitialized = 1
)

var (
	ErrInvalidMintData    = errors.New("account data is not an initialized mint")
	ErrInvalidTokenData   = errors.New("account data is not an initialized token account")
	ErrInvalidTransferIxn = errors.New("malformed token transfer instruction")
)

// FindAssociatedTokenAddress derives the token account that holds mint on
// behalf of owner.
func FindAssociatedTokenAddress(owner, mint Pubkey) (Pubkey, error) {
	pk, _, err := FindProgramAddress(
		[][]byte{owner[:], TokenProgramID[:], mint[:]},
		AssociatedTokenAccountProgramID,
	)
	if err != nil {
		return Pubkey{}, fmt.Errorf("derive associated token address for %s: %w", owner, err)
	}
	return pk, nil
}

// NewCreateAssociatedTokenAccountInstruction creates owner's token account for
// mint, funded by payer.
func NewCreateAssociatedTokenAccountInstruction(payer, associated, owner, mint Pubkey) Instruction {
	return Instruction{
		ProgramID: AssociatedTokenAccountProgramID,
		Accounts: []AccountMeta{
			Meta(payer, true, true),
			Meta(associated, false, true),
			Meta(owner, false, false),
			Meta(mint, false, false),
			Meta(SystemProgramID, false, false),
			Meta(TokenProgramID, false, false),
			Meta(SysvarRentID, false, false),
		},
	}
}

// NewTransferInstruction moves amount base units from source to destination.
// authority owns source and must sign.
func NewTransferInstruction(source, destination, authority Pubkey, amount uint64) Instruction {
	data := make([]byte, 9)
	data[0] = TokenInstructionTransfer
	binary.LittleEndian.PutUint64(data[1:], amount)
	return Instruction{
		ProgramID: TokenProgramID,
		Accounts: []AccountMeta{
			Meta(source, false, true),
			Meta(destination, false, true),
			Meta(authority, true, false),
		},
		Data: data,
	}
}

// DecodeTransferAmount extracts the amount from a transfer instruction's data.
func DecodeTransferAmount(data []byte) (uint64, error) {
	if len(data) != 9 || data[0] != TokenInstructionTransfer {
		return 0, ErrInvalidTransferIxn
	}
	return binary.LittleEndian.Uint64(data[1:]), nil
}

// Mint is the subset of mint account state the distributor cares about.
type Mint struct {
	MintAuthority *Pubkey
	Supply        uint64
	Decimals      uint8
}

// DecodeMint parses the 82-byte mint layout.
func DecodeMint(data []byte) (Mint, error) {
	if len(data) != MintSize || data[mintInitializedOffset] == 0 {
		return Mint{}, ErrInvalidMintData
	}
	m := Mint{
		Supply:   binary.LittleEndian.Uint64(data[36:44]),
		Decimals: data[mintDecimalsOffset],
	}
	if binary.LittleEndian.Uint32(data[0:4]) == 1 {
		var auth Pubkey
		copy(auth[:], data[4:36])
		m.MintAuthority = &auth
	}
	return m, nil
}

// Encode produces the 82-byte mint layout with no freeze authority.
func (m Mint) Encode() []byte {
	data := make([]byte, MintSize)
	if m.MintAuthority != nil {
		binary.LittleEndian.PutUint32(data[0:4], 1)
		copy(data[4:36], m.MintAuthority[:])
	}
	binary.LittleEndian.PutUint64(data[36:44], m.Supply)
	data[mintDecimalsOffset] = m.Decimals
	data[mintInitializedOffset] = 1
	return data
}

// TokenAccount is the subset of token account state used here.
type TokenAccount struct {
	Mint   Pubkey
	Owner  Pubkey
	Amount uint64
}

// DecodeTokenAccount parses the 165-byte token account layout.
func DecodeTokenAccount(data []byte) (TokenAccount, error) {
	if len(data) != TokenAccountSize || data[tokenStateOffset] != tokenAccountInitialized {
		return TokenAccount{}, ErrInvalidTokenData
	}
	var ta TokenAccount
	copy(ta.Mint[:], data[0:32])
	copy(ta.Owner[:], data[32:64])
	ta.Amount = binary.LittleEndian.Uint64(data[tokenAmountOffset : tokenAmountOffset+8])
	return ta, nil
}

// Encode produces an initialized 165-byte token account with no delegate or
// close authority.
func (ta TokenAccount) Encode() []byte {
	data := make([]byte, TokenAccountSize)
	copy(data[0:32], ta.Mint[:])
	copy(data[32:64], ta.Owner[:])
	binary.LittleEndian.PutUint64(data[tokenAmountOffset:tokenAmountOffset+8], ta.Amount)
	data[tokenStateOffset] = tokenAccountInitialized
	return data
}
