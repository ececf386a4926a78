package protocol

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePubkey(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"system program", "11111111111111111111111111111111", false},
		{"token program", "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA", false},
		{"empty", "", true},
		{"bad alphabet", "0OIl0OIl0OIl0OIl0OIl0OIl0OIl0OIl", true},
		{"too short", "abc", true},
		{"hex address", "0x1234567890123456789012345678901234567890", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pk, err := ParsePubkey(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParsePubkey(%q) expected error", tt.input)
				}
				assert.ErrorIs(t, err, ErrInvalidPubkey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.input, pk.String())
		})
	}
}

func TestFindAssociatedTokenAddress(t *testing.T) {
	owner := testKeypair(t, 3).PublicKey()
	mintA := testKeypair(t, 4).PublicKey()
	mintB := testKeypair(t, 5).PublicKey()

	ataA, err := FindAssociatedTokenAddress(owner, mintA)
	require.NoError(t, err)
	again, err := FindAssociatedTokenAddress(owner, mintA)
	require.NoError(t, err)
	ataB, err := FindAssociatedTokenAddress(owner, mintB)
	require.NoError(t, err)

	assert.Equal(t, ataA, again, "derivation must be deterministic")
	assert.NotEqual(t, ataA, ataB)
	assert.False(t, IsOnCurve(ataA[:]), "derived address must be off curve")
	assert.True(t, IsOnCurve(owner[:]), "a real public key is on curve")

	_, bump, err := FindProgramAddress([][]byte{owner[:], TokenProgramID[:], mintA[:]}, AssociatedTokenAccountProgramID)
	require.NoError(t, err)
	direct, err := CreateProgramAddress([][]byte{owner[:], TokenProgramID[:], mintA[:], {bump}}, AssociatedTokenAccountProgramID)
	require.NoError(t, err)
	assert.Equal(t, ataA, direct)
}

func TestCreateProgramAddress_SeedTooLong(t *testing.T) {
	_, err := CreateProgramAddress([][]byte{make([]byte, 33)}, TokenProgramID)
	require.ErrorIs(t, err, ErrMaxSeedLengthExceeded)
}

func TestMintLayout(t *testing.T) {
	auth := testPubkey(1)
	m := Mint{MintAuthority: &auth, Supply: 1_000_000, Decimals: 6}
	data := m.Encode()
	require.Len(t, data, MintSize)

	decoded, err := DecodeMint(data)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), decoded.Decimals)
	assert.Equal(t, uint64(1_000_000), decoded.Supply)
	require.NotNil(t, decoded.MintAuthority)
	assert.Equal(t, auth, *decoded.MintAuthority)

	_, err = DecodeMint(make([]byte, MintSize))
	assert.ErrorIs(t, err, ErrInvalidMintData, "uninitialized mint")
	_, err = DecodeMint(data[:10])
	assert.ErrorIs(t, err, ErrInvalidMintData)
}

func TestTokenAccountLayout(t *testing.T) {
	ta := TokenAccount{Mint: testPubkey(1), Owner: testPubkey(2), Amount: 77}
	decoded, err := DecodeTokenAccount(ta.Encode())
	require.NoError(t, err)
	assert.Equal(t, ta, decoded)

	_, err = DecodeTokenAccount(make([]byte, TokenAccountSize))
	assert.ErrorIs(t, err, ErrInvalidTokenData)
}

func TestKeypairFile(t *testing.T) {
	kp := testKeypair(t, 9)
	path := filepath.Join(t.TempDir(), "payer.json")
	require.NoError(t, WriteKeypairFile(path, kp))

	loaded, err := LoadKeypairFile(path)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey(), loaded.PublicKey())

	require.NoError(t, os.WriteFile(path, []byte("[1,2,3]"), 0600))
	_, err = LoadKeypairFile(path)
	assert.ErrorIs(t, err, ErrInvalidKeypair)
}

func TestKeypairFromBytes_MismatchedPublicHalf(t *testing.T) {
	kp := testKeypair(t, 9)
	raw := append([]byte(nil), kp.priv...)
	raw[63] ^= 0x01
	_, err := KeypairFromBytes(raw)
	assert.ErrorIs(t, err, ErrInvalidKeypair)
}
