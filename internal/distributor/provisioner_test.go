package distributor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/token-airdrop/airdrop/internal/protocol"
)

func TestProvisioner_Provision(t *testing.T) {
	l := newFakeLedger(6)
	mint := testPubkey(900)
	authority := testPubkey(800)
	source := ata(t, authority, mint)
	r1, r2, r3 := testPubkey(1), testPubkey(2), testPubkey(3)
	l.existing[ata(t, r2, mint)] = true

	p := NewProvisioner(l, mint, source, authority, 42)
	got, err := p.Provision(context.Background(), Batch{Index: 1, Recipients: []RecipientRecord{
		{Address: r1}, {Address: r2}, {Address: r3},
	}})
	require.NoError(t, err)

	assert.Equal(t, 2, got.Created)
	assert.Equal(t, []protocol.Pubkey{ata(t, r1, mint), ata(t, r2, mint), ata(t, r3, mint)}, got.Destinations)
	require.Len(t, got.Instructions, 5)

	wantPrograms := []protocol.Pubkey{
		protocol.AssociatedTokenAccountProgramID, protocol.TokenProgramID,
		protocol.TokenProgramID,
		protocol.AssociatedTokenAccountProgramID, protocol.TokenProgramID,
	}
	for i, ix := range got.Instructions {
		assert.Equal(t, wantPrograms[i], ix.ProgramID, "instruction %d", i)
	}
	// Each create precedes the transfer into the account it creates.
	assert.Equal(t, got.Destinations[0], got.Instructions[0].Accounts[1].Pubkey)
	assert.Equal(t, got.Destinations[0], got.Instructions[1].Accounts[1].Pubkey)
	assert.Equal(t, got.Destinations[2], got.Instructions[3].Accounts[1].Pubkey)

	amt, err := protocol.DecodeTransferAmount(got.Instructions[2].Data)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), amt)
	assert.Equal(t, source, got.Instructions[2].Accounts[0].Pubkey)
	assert.Equal(t, authority, got.Instructions[2].Accounts[2].Pubkey)
}

func TestProvisioner_SharedDestinationCreatedOnce(t *testing.T) {
	l := newFakeLedger(6)
	mint := testPubkey(900)
	authority := testPubkey(800)
	r := testPubkey(1)

	p := NewProvisioner(l, mint, ata(t, authority, mint), authority, 1)
	got, err := p.Provision(context.Background(), Batch{Index: 1, Recipients: []RecipientRecord{
		{Address: r}, {Address: r},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Created)
	assert.Len(t, got.Instructions, 3)
	assert.Equal(t, 1, l.existsCalls)
}

type failingChecker struct{ err error }

func (f failingChecker) AccountExists(context.Context, protocol.Pubkey) (bool, error) {
	return false, f.err
}

func TestProvisioner_CheckError(t *testing.T) {
	mint := testPubkey(900)
	authority := testPubkey(800)
	p := NewProvisioner(failingChecker{errRejected}, mint, ata(t, authority, mint), authority, 1)
	_, err := p.Provision(context.Background(), Batch{Index: 1, Recipients: []RecipientRecord{{Address: testPubkey(1)}}})
	assert.ErrorIs(t, err, errRejected)
}
