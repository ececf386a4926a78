package protocol

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeypair(t *testing.T, fill byte) Keypair {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = fill
	}
	kp, err := KeypairFromSeed(seed)
	require.NoError(t, err)
	return kp
}

func testPubkey(fill byte) Pubkey {
	var pk Pubkey
	for i := range pk {
		pk[i] = fill
	}
	return pk
}

func TestCompactU16(t *testing.T) {
	tests := []struct {
		value int
		enc   []byte
	}{
		{0, []byte{0x00}},
		{0x7f, []byte{0x7f}},
		{0x80, []byte{0x80, 0x01}},
		{0x3fff, []byte{0xff, 0x7f}},
		{0x4000, []byte{0x80, 0x80, 0x01}},
		{0xffff, []byte{0xff, 0xff, 0x03}},
	}

	for _, tt := range tests {
		got := appendCompactU16(nil, tt.value)
		if string(got) != string(tt.enc) {
			t.Errorf("appendCompactU16(%d) = %x, want %x", tt.value, got, tt.enc)
		}
		if l := compactU16Len(tt.value); l != len(tt.enc) {
			t.Errorf("compactU16Len(%d) = %d, want %d", tt.value, l, len(tt.enc))
		}
		v, n, err := readCompactU16(tt.enc)
		if err != nil || v != tt.value || n != len(tt.enc) {
			t.Errorf("readCompactU16(%x) = %d, %d, %v", tt.enc, v, n, err)
		}
	}
}

func TestNewTransaction_AccountOrdering(t *testing.T) {
	payer := testKeypair(t, 1).PublicKey()
	source := testPubkey(2)
	dest := testPubkey(3)

	ix := NewTransferInstruction(source, dest, payer, 42)
	tx, err := NewTransaction([]Instruction{ix}, Hash{9}, payer)
	require.NoError(t, err)

	m := tx.Message
	assert.Equal(t, []Pubkey{payer, source, dest, TokenProgramID}, m.AccountKeys)
	assert.Equal(t, MessageHeader{NumRequiredSignatures: 1, NumReadonlySigned: 0, NumReadonlyUnsigned: 1}, m.Header)
	assert.True(t, m.IsWritable(0))
	assert.True(t, m.IsWritable(1))
	assert.True(t, m.IsWritable(2))
	assert.False(t, m.IsWritable(3))
	assert.True(t, m.IsSigner(0))
	assert.False(t, m.IsSigner(1))

	require.Len(t, m.Instructions, 1)
	assert.Equal(t, uint8(3), m.Instructions[0].ProgramIDIndex)
	assert.Equal(t, []uint8{1, 2, 0}, m.Instructions[0].Accounts)
}

func TestNewTransaction_NoInstructions(t *testing.T) {
	_, err := NewTransaction(nil, Hash{}, testPubkey(1))
	require.ErrorIs(t, err, ErrNoInstructions)
}

func TestTransaction_SizeSingleTransfer(t *testing.T) {
	payer := testKeypair(t, 1)
	ix := NewTransferInstruction(testPubkey(2), testPubkey(3), payer.PublicKey(), 1)
	tx, err := NewTransaction([]Instruction{ix}, Hash{}, payer.PublicKey())
	require.NoError(t, err)

	// 1 + 64 signature section, 3 header, 1 + 4*32 keys, 32 blockhash,
	// 1 + (1 + 1+3 + 1+9) instruction.
	assert.Equal(t, 245, tx.Size())
	require.NoError(t, tx.Sign(payer))
	assert.Len(t, tx.Serialize(), tx.Size())
}

func TestTransaction_TenCreatesFitPacket(t *testing.T) {
	payer := testKeypair(t, 1)
	mint := testPubkey(0xAA)
	source := testPubkey(0xBB)

	build := func(n int) *Transaction {
		var ixs []Instruction
		for i := 0; i < n; i++ {
			owner := testPubkey(byte(10 + i))
			ata := testPubkey(byte(100 + i))
			ixs = append(ixs,
				NewCreateAssociatedTokenAccountInstruction(payer.PublicKey(), ata, owner, mint),
				NewTransferInstruction(source, ata, payer.PublicKey(), 10))
		}
		tx, err := NewTransaction(ixs, Hash{}, payer.PublicKey())
		require.NoError(t, err)
		return tx
	}

	assert.Equal(t, 1216, build(10).Size())
	assert.LessOrEqual(t, build(10).Size(), PacketDataSize)
	assert.Greater(t, build(11).Size(), PacketDataSize)
}

func TestTransaction_SignAndDecode(t *testing.T) {
	payer := testKeypair(t, 7)
	owner := testPubkey(5)
	mint := testPubkey(6)
	ata := testPubkey(8)

	ixs := []Instruction{
		NewCreateAssociatedTokenAccountInstruction(payer.PublicKey(), ata, owner, mint),
		NewTransferInstruction(testPubkey(9), ata, payer.PublicKey(), 10_000_000),
	}
	tx, err := NewTransaction(ixs, Hash{1, 2, 3}, payer.PublicKey())
	require.NoError(t, err)
	assert.False(t, tx.IsSigned())

	require.NoError(t, tx.Sign(payer))
	require.True(t, tx.IsSigned())
	require.NoError(t, tx.VerifySignatures(ed25519.Verify))

	decoded, err := DecodeTransaction(tx.Serialize())
	require.NoError(t, err)
	assert.Equal(t, tx.Signatures, decoded.Signatures)
	assert.Equal(t, tx.Message.AccountKeys, decoded.Message.AccountKeys)
	assert.Equal(t, tx.Message.RecentBlockhash, decoded.Message.RecentBlockhash)
	assert.Equal(t, tx.ID(), decoded.ID())

	resolved, err := decoded.Message.Resolve(decoded.Message.Instructions[1])
	require.NoError(t, err)
	assert.Equal(t, TokenProgramID, resolved.ProgramID)
	amount, err := DecodeTransferAmount(resolved.Data)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000_000), amount)
	assert.True(t, resolved.Accounts[2].IsSigner)
}

func TestTransaction_TamperedSignatureFailsVerify(t *testing.T) {
	payer := testKeypair(t, 7)
	tx, err := NewTransaction([]Instruction{NewTransferInstruction(testPubkey(1), testPubkey(2), payer.PublicKey(), 1)}, Hash{}, payer.PublicKey())
	require.NoError(t, err)
	require.NoError(t, tx.Sign(payer))

	tx.Message.RecentBlockhash[0] ^= 0xff
	require.ErrorIs(t, tx.VerifySignatures(ed25519.Verify), ErrInvalidSignature)
}

func TestTransaction_SignRejectsStranger(t *testing.T) {
	payer := testKeypair(t, 1)
	stranger := testKeypair(t, 2)
	tx, err := NewTransaction([]Instruction{NewTransferInstruction(testPubkey(3), testPubkey(4), payer.PublicKey(), 1)}, Hash{}, payer.PublicKey())
	require.NoError(t, err)
	require.ErrorIs(t, tx.Sign(stranger), ErrNotASigner)
}

func TestDecodeTransaction_Truncated(t *testing.T) {
	payer := testKeypair(t, 1)
	tx, err := NewTransaction([]Instruction{NewTransferInstruction(testPubkey(3), testPubkey(4), payer.PublicKey(), 1)}, Hash{}, payer.PublicKey())
	require.NoError(t, err)
	require.NoError(t, tx.Sign(payer))
	raw := tx.Serialize()

	_, err = DecodeTransaction(raw[:len(raw)-1])
	require.ErrorIs(t, err, ErrShortBuffer)

	_, err = DecodeTransaction(append(raw, 0))
	require.ErrorIs(t, err, ErrTrailingBytes)
}
