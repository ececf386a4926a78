package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/token-airdrop/airdrop/config"
	"github.com/token-airdrop/airdrop/internal/distributor"
	"github.com/token-airdrop/airdrop/internal/protocol"
)

const testMint = "So11111111111111111111111111111111111111112"

func withConfigFile(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	configPath = path
	t.Cleanup(func() { configPath = "" })
}

func noEnv(string) string { return "" }

func TestLoadConfig_Layering(t *testing.T) {
	withConfigFile(t, `{"network": "localnet", "mint": "`+testMint+`", "input_path": "in.csv", "output_path": "out.csv", "batch_size": 4}`)
	env := map[string]string{"BATCH_SIZE": "6", "UI_AMOUNT": "2.5"}

	flags := distributeCmd.Flags()
	t.Cleanup(func() { flags.VisitAll(func(f *pflag.Flag) { f.Changed = false; _ = f.Value.Set(f.DefValue) }) })
	require.NoError(t, flags.Set("batch-size", "8"))
	require.NoError(t, flags.Set("confirm-timeout", "3s"))

	cfg, err := loadConfig(flags, func(k string) string { return env[k] })
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.BatchSize, "flag beats env beats file")
	assert.Equal(t, "2.5", cfg.UIAmount, "env beats default")
	assert.Equal(t, "in.csv", cfg.InputPath)
	assert.Equal(t, 3000, cfg.ConfirmTimeoutMs)

	endpoint, err := cfg.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8899/", endpoint)
}

func TestLoadConfig_Invalid(t *testing.T) {
	withConfigFile(t, `{"network": "moonnet"}`)
	_, err := loadConfig(distributeCmd.Flags(), noEnv)
	assert.ErrorContains(t, err, "mint is required")
}

func TestLoadPayer(t *testing.T) {
	kp, err := protocol.NewKeypair()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "payer.json")
	require.NoError(t, protocol.WriteKeypairFile(path, kp))

	withConfigFile(t, `{"mint": "`+testMint+`", "input_path": "in.csv", "output_path": "out.csv", "keypair_path": "`+path+`"}`)
	cfg, err := loadConfig(distributeCmd.Flags(), noEnv)
	require.NoError(t, err)
	got, err := loadPayer(cfg)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey(), got.PublicKey())

	cfg.PrivateKeyBase58 = "not base58 0OIl"
	_, err = loadPayer(cfg)
	assert.ErrorContains(t, err, "PRIVATE_KEY_BASE58")
}

func TestEngineConfig(t *testing.T) {
	withConfigFile(t, `{"mint": "`+testMint+`", "input_path": "in.csv", "output_path": "out.csv"}`)
	cfg, err := loadConfig(distributeCmd.Flags(), noEnv)
	require.NoError(t, err)
	kp, err := protocol.NewKeypair()
	require.NoError(t, err)

	ecfg, err := engineConfig(cfg, kp, true)
	require.NoError(t, err)
	assert.Equal(t, testMint, ecfg.Mint.String())
	assert.Equal(t, 90*time.Second, ecfg.ConfirmTimeout)
	assert.Equal(t, "wallet_address", ecfg.Columns.Address)
	assert.True(t, ecfg.DryRun)

	cfg.Mint = "bad"
	_, err = engineConfig(cfg, kp, false)
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	ambiguous := &distributor.ConfirmationAmbiguousError{Batch: 2, Err: context.DeadlineExceeded}
	assert.Equal(t, 2, exitCode(ambiguous))
	assert.Equal(t, 2, exitCode(fmt.Errorf("run: %w", ambiguous)))
	assert.Equal(t, 1, exitCode(&distributor.SubmissionError{Batch: 1, Err: context.Canceled}))
	assert.Equal(t, 1, exitCode(context.Canceled))
}

type fakeNode struct {
	healthErr  error
	balance    uint64
	balanceErr error
	airdrops   map[protocol.Pubkey]uint64
}

func (n *fakeNode) Health(context.Context) error { return n.healthErr }

func (n *fakeNode) GetBalance(context.Context, protocol.Pubkey) (uint64, error) {
	return n.balance, n.balanceErr
}

func (n *fakeNode) RequestAirdrop(_ context.Context, pk protocol.Pubkey, amount uint64) (protocol.Signature, error) {
	if n.airdrops == nil {
		n.airdrops = make(map[protocol.Pubkey]uint64)
	}
	n.airdrops[pk] += amount
	return protocol.Signature{9}, nil
}

func TestPreflight(t *testing.T) {
	payer := protocol.Pubkey{1}
	tests := []struct {
		name    string
		node    *fakeNode
		wantErr bool
		wantLog string
	}{
		{"healthy", &fakeNode{balance: 5000}, false, "Node healthy"},
		{"unhealthy", &fakeNode{healthErr: errors.New(`getHealth: node reports "behind"`)}, true, ""},
		{"empty payer", &fakeNode{}, false, "Payer has no native balance for fees"},
		{"balance unreadable", &fakeNode{balanceErr: errors.New("timeout")}, false, "Could not read payer balance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.InfoLevel)
			err := preflight(context.Background(), zap.New(core), tt.node, payer)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.node.healthErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, logs.FilterMessage(tt.wantLog).Len())
		})
	}
}

func TestRequestFunding(t *testing.T) {
	node := &fakeNode{}
	payer := protocol.Pubkey{2}
	core, logs := observer.New(zap.InfoLevel)

	sig, err := requestFunding(context.Background(), zap.New(core), node, payer, 2_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, protocol.Signature{9}, sig)
	assert.Equal(t, uint64(2_000_000_000), node.airdrops[payer])
	assert.Equal(t, 1, logs.FilterMessage("Funding requested").Len())

	_, err = requestFunding(context.Background(), zap.NewNop(), node, payer, 0)
	assert.ErrorIs(t, err, errZeroFunding)
}

func TestLayerConfig_FundFlags(t *testing.T) {
	withConfigFile(t, `{"network": "localnet", "keypair_path": "a.json"}`)
	require.NoError(t, fundCmd.Flags().Set("keypair", "b.json"))
	t.Cleanup(func() {
		fundCmd.Flags().Set("keypair", "") //nolint:errcheck
		fundCmd.Flags().Lookup("keypair").Changed = false
	})

	cfg, err := layerConfig(fundCmd.Flags(), noEnv)
	require.NoError(t, err)
	assert.Equal(t, "b.json", cfg.KeypairPath)
	endpoint, err := cfg.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, config.LocalnetRPC, endpoint)
}
