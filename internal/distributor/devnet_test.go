package distributor

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/token-airdrop/airdrop/config"
	"github.com/token-airdrop/airdrop/internal/devnet"
	"github.com/token-airdrop/airdrop/internal/ledger"
	"github.com/token-airdrop/airdrop/internal/network"
)

func TestEngine_AgainstDevnet(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a local ledger node")
	}
	node := devnet.NewServer(devnet.Options{BlockInterval: 5 * time.Millisecond})
	t.Cleanup(func() { node.Close() })
	srv := httptest.NewServer(node.Router())
	t.Cleanup(srv.Close)

	payer := testKeypair(t, 1)
	mint := testKeypair(t, 2).PublicKey()
	_, err := node.Bank().Airdrop(payer.PublicKey(), 10_000_000_000)
	require.NoError(t, err)
	require.NoError(t, node.Bank().CreateMint(mint, payer.PublicKey(), 6))
	source, err := node.Bank().MintTo(mint, payer.PublicKey(), 100_000_000)
	require.NoError(t, err)

	client, err := ledger.Dial(context.Background(), srv.URL, ledger.Options{
		PollInterval: 5 * time.Millisecond,
		HTTPClient:   network.NewHTTPClient(config.NetworkConfig{TimeoutMs: 5000}),
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	// One recipient already holds a token account.
	owners := recipients(1, 12)
	_, err = node.Bank().MintTo(mint, owners[3], 1)
	require.NoError(t, err)

	dir := t.TempDir()
	input := writeInput(t, dir, "in.csv", true, owners...)
	cfg := Config{
		Payer:          payer,
		Mint:           mint,
		InputPath:      input,
		OutputPath:     filepath.Join(dir, "out.csv"),
		UIAmount:       "2.5",
		BatchSize:      5,
		IncludeID:      true,
		ConfirmTimeout: 10 * time.Second,
	}
	ctx := context.Background()

	e, err := New(cfg, client, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	report, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Batches)
	assert.Equal(t, 12, report.Paid)
	assert.Equal(t, 11, report.AccountsCreated)
	assert.Len(t, report.Signatures, 3)

	for i, owner := range owners {
		bal, err := client.GetTokenBalance(ctx, ata(t, owner, mint))
		require.NoError(t, err)
		want := uint64(2_500_000)
		if i == 3 {
			want++
		}
		assert.Equal(t, want, bal, "recipient %d", i+1)
	}
	left, err := client.GetTokenBalance(ctx, source)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000_000-12*2_500_000), left)

	for _, sig := range report.Signatures {
		st, err := client.GetSignatureStatus(ctx, sig)
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.False(t, st.Failed())
	}

	// A rerun over the same input finds nothing to pay.
	e, err = New(cfg, client)
	require.NoError(t, err)
	report, err = e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, report.AlreadyProcessed)
	assert.Equal(t, 0, report.Pending)
	assert.Len(t, readLines(t, cfg.OutputPath), 13)
}
