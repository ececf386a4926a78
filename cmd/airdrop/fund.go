package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/token-airdrop/airdrop/internal/protocol"
)

var fundCmd = &cobra.Command{
	Use:   "fund",
	Short: "Request native balance for the funding wallet on a test network",
	Long: "Asks the node to credit the funding wallet so it can pay fees and account rent. " +
		"Only test networks and the local devnet serve this.",
	Args: cobra.NoArgs,
	RunE: runFund,
}

func init() {
	f := fundCmd.Flags()
	f.String("network", "", "testnet or localnet")
	f.String("rpc", "", "RPC endpoint; overrides --network")
	f.String("keypair", "", "Funding wallet keypair file (JSON byte array)")
	f.Uint64("lamports", 1_000_000_000, "Amount to request in base units")
}

type airdropper interface {
	RequestAirdrop(ctx context.Context, pk protocol.Pubkey, amount uint64) (protocol.Signature, error)
}

var errZeroFunding = errors.New("lamports must be positive")

func requestFunding(ctx context.Context, log *zap.Logger, node airdropper, payer protocol.Pubkey, lamports uint64) (protocol.Signature, error) {
	if lamports == 0 {
		return protocol.Signature{}, errZeroFunding
	}
	sig, err := node.RequestAirdrop(ctx, payer, lamports)
	if err != nil {
		return protocol.Signature{}, fmt.Errorf("request airdrop for %s: %w", payer, err)
	}
	log.Info("Funding requested",
		zap.Stringer("payer", payer),
		zap.Uint64("lamports", lamports),
		zap.Stringer("signature", sig))
	return sig, nil
}

func runFund(cmd *cobra.Command, args []string) error {
	cfg, err := layerConfig(cmd.Flags(), os.Getenv)
	if err != nil {
		return err
	}
	lamports, _ := cmd.Flags().GetUint64("lamports")

	log, err := newLogger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	payer, err := loadPayer(cfg)
	if err != nil {
		return err
	}
	endpoint, err := cfg.Endpoint()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := dialLedger(ctx, cfg, endpoint, log)
	if err != nil {
		return err
	}
	defer client.Close()

	_, err = requestFunding(ctx, log, client, payer.PublicKey(), lamports)
	return err
}
