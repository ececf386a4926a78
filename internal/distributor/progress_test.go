package distributor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/token-airdrop/airdrop/internal/protocol"
)

func int64p(v int64) *int64 { return &v }

func TestLoadProgress_Missing(t *testing.T) {
	p, err := LoadProgress(filepath.Join(t.TempDir(), "absent.csv"))
	require.NoError(t, err)
	assert.Empty(t, p.Processed)
	assert.Nil(t, p.IncludeID)
}

func TestProgressLedger_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	a, b := testPubkey(1), testPubkey(2)
	sig := protocol.Signature{1, 2, 3}

	pl, err := OpenProgressLedger(path, true, nil)
	require.NoError(t, err)
	require.NoError(t, pl.Append([]ProgressEntry{
		{RowID: int64p(5), Address: a, Signature: sig},
		{Address: b, Signature: sig},
	}))
	require.NoError(t, pl.Close())

	assert.Equal(t, []string{
		"id,wallet_address,tx_sig",
		"5," + a.String() + "," + sig.String(),
		"," + b.String() + "," + sig.String(),
	}, readLines(t, path))

	p, err := LoadProgress(path)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Entries)
	assert.True(t, p.Contains(a))
	assert.True(t, p.Contains(b))
	assert.False(t, p.Contains(testPubkey(3)))
	require.NotNil(t, p.IncludeID)
	assert.True(t, *p.IncludeID)
}

func TestProgressLedger_HeaderWrittenOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	for i := 1; i <= 3; i++ {
		pl, err := OpenProgressLedger(path, false, nil)
		require.NoError(t, err)
		require.NoError(t, pl.Append([]ProgressEntry{{Address: testPubkey(i), Signature: protocol.Signature{byte(i)}}}))
		require.NoError(t, pl.Close())
	}
	lines := readLines(t, path)
	require.Len(t, lines, 4)
	assert.Equal(t, "wallet_address,tx_sig", lines[0])
}

func TestProgressLedger_WhitespaceFileGetsHeader(t *testing.T) {
	path := writeFile(t, t.TempDir(), "out.csv", "\n  \n")
	pl, err := OpenProgressLedger(path, false, nil)
	require.NoError(t, err)
	require.NoError(t, pl.Append([]ProgressEntry{{Address: testPubkey(1), Signature: protocol.Signature{1}}}))
	require.NoError(t, pl.Close())

	p, err := LoadProgress(path)
	require.NoError(t, err)
	assert.True(t, p.Contains(testPubkey(1)))
	assert.Equal(t, []string{
		"wallet_address,tx_sig",
		testPubkey(1).String() + "," + protocol.Signature{1}.String(),
	}, readLines(t, path))
}

func TestProgressLedger_TornHeaderRewritten(t *testing.T) {
	path := writeFile(t, t.TempDir(), "out.csv", "wallet_add")
	pl, err := OpenProgressLedger(path, true, nil)
	require.NoError(t, err)
	assert.True(t, pl.IncludeID())
	require.NoError(t, pl.Close())

	assert.Equal(t, []string{"id,wallet_address,tx_sig"}, readLines(t, path))
}

func TestProgress_BlankLinesBeforeHeader(t *testing.T) {
	a := testPubkey(1)
	sig := protocol.Signature{4}
	path := writeFile(t, t.TempDir(), "out.csv", "\n  \n,\nwallet_address,tx_sig\n"+a.String()+","+sig.String()+"\n  \n")

	p, err := LoadProgress(path)
	require.NoError(t, err)
	assert.True(t, p.Contains(a))
	assert.Equal(t, 1, p.Entries)
	assert.Empty(t, p.Skipped)

	pl, err := OpenProgressLedger(path, true, nil)
	require.NoError(t, err)
	assert.False(t, pl.IncludeID())
	require.NoError(t, pl.Close())
}

func TestProgress_HeaderNamesNormalized(t *testing.T) {
	a := testPubkey(1)
	sig := protocol.Signature{5}
	path := writeFile(t, t.TempDir(), "out.csv", "\ufeffID, Wallet_Address ,TX_SIG\n7,"+a.String()+","+sig.String()+"\n")

	p, err := LoadProgress(path)
	require.NoError(t, err)
	assert.True(t, p.Contains(a))
	require.NotNil(t, p.IncludeID)
	assert.True(t, *p.IncludeID)

	pl, err := OpenProgressLedger(path, false, nil)
	require.NoError(t, err)
	assert.True(t, pl.IncludeID())
	require.NoError(t, pl.Close())
}

func TestProgressLedger_ExistingHeaderDecidesLayout(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	path := writeFile(t, t.TempDir(), "out.csv", "wallet_address,tx_sig\n")

	pl, err := OpenProgressLedger(path, true, zap.New(core))
	require.NoError(t, err)
	assert.False(t, pl.IncludeID())
	require.NoError(t, pl.Append([]ProgressEntry{{RowID: int64p(1), Address: testPubkey(1), Signature: protocol.Signature{1}}}))
	require.NoError(t, pl.Close())

	assert.Equal(t, 1, logs.FilterMessage("Progress file layout kept from existing header").Len())
	lines := readLines(t, path)
	assert.Equal(t, testPubkey(1).String()+","+protocol.Signature{1}.String(), lines[1])
}

func TestProgressLedger_BadHeader(t *testing.T) {
	path := writeFile(t, t.TempDir(), "out.csv", "address,signature\n")

	_, err := OpenProgressLedger(path, false, nil)
	var ple *ProgressLedgerError
	require.ErrorAs(t, err, &ple)
	assert.ErrorIs(t, err, ErrBadProgressHeader)

	_, err = LoadProgress(path)
	assert.ErrorIs(t, err, ErrBadProgressHeader)
}

func TestLoadProgress_TornLine(t *testing.T) {
	a, b := testPubkey(1), testPubkey(2)
	sig := protocol.Signature{7}
	complete := "wallet_address,tx_sig\n" + a.String() + "," + sig.String() + "\n"

	t.Run("parseable", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "out.csv", complete+b.String()+","+sig.String())
		p, err := LoadProgress(path)
		require.NoError(t, err)
		assert.True(t, p.Contains(b))
		assert.Empty(t, p.Skipped)
	})

	t.Run("unparseable", func(t *testing.T) {
		torn := b.String() + "," + sig.String()[:10]
		path := writeFile(t, t.TempDir(), "out.csv", complete+torn)
		p, err := LoadProgress(path)
		require.NoError(t, err)
		assert.True(t, p.Contains(a))
		assert.False(t, p.Contains(b))
		assert.Equal(t, []string{torn}, p.Skipped)
	})

	t.Run("terminated before append", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "out.csv", complete+b.String()+",xx")
		pl, err := OpenProgressLedger(path, false, nil)
		require.NoError(t, err)
		c := testPubkey(3)
		require.NoError(t, pl.Append([]ProgressEntry{{Address: c, Signature: sig}}))
		require.NoError(t, pl.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, complete+b.String()+",xx\n"+c.String()+","+sig.String()+"\n", string(data))

		p, err := LoadProgress(path)
		require.NoError(t, err)
		assert.True(t, p.Contains(c))
		assert.False(t, p.Contains(b))
		assert.Len(t, p.Skipped, 1)
	})
}
