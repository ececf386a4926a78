package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/token-airdrop/airdrop/config"
	"github.com/token-airdrop/airdrop/internal/distributor"
	"github.com/token-airdrop/airdrop/internal/ledger"
	"github.com/token-airdrop/airdrop/internal/network"
	"github.com/token-airdrop/airdrop/internal/protocol"
)

var distributeCmd = &cobra.Command{
	Use:   "distribute",
	Short: "Pay every pending recipient, resuming from the result file",
	Long: "Reads recipients from the input CSV, skips those already listed in the result file, " +
		"and pays the rest in batches. Each confirmed batch is appended to the result file before " +
		"the next one starts, so an interrupted run can simply be repeated.",
	Args: cobra.NoArgs,
	RunE: runDistribute,
}

func init() {
	f := distributeCmd.Flags()
	f.String("network", "", "mainnet, testnet or localnet")
	f.String("rpc", "", "RPC endpoint; overrides --network")
	f.String("commitment", "", "processed, confirmed or finalized")
	f.String("keypair", "", "Funding wallet keypair file (JSON byte array)")
	f.String("mint", "", "Mint address of the token to distribute")
	f.StringP("input", "i", "", "Recipient CSV file")
	f.StringP("output", "o", "", "Result CSV file, appended to")
	f.String("amount", "", "Amount per recipient in whole tokens, e.g. 10 or 0.25")
	f.Int("batch-size", 0, "Recipients per transaction")
	f.Bool("include-id", false, "Write the input id column to the result file")
	f.String("address-column", "", "Input column holding recipient addresses")
	f.String("id-column", "", "Input column holding row ids")
	f.Duration("confirm-timeout", 0, "How long to wait for each batch to confirm")
	f.String("metrics-file", "", "Write run metrics in textfile format to this path")
	f.Bool("dry-run", false, "Plan and provision batches without submitting anything")
}

// loadConfig layers the config file, the environment and explicitly set
// flags, in that order, and validates the result for a distribution run.
func loadConfig(flags *pflag.FlagSet, getenv func(string) string) (*config.Config, error) {
	cfg, err := layerConfig(flags, getenv)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// layerConfig applies only the flags flags defines; the rest keep their
// file or environment value.
func layerConfig(flags *pflag.FlagSet, getenv func(string) string) (*config.Config, error) {
	cfg := config.Default()
	switch {
	case configPath != "":
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	default:
		if loaded, err := config.LoadDefault(); err == nil {
			cfg = loaded
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}

	str := map[string]*string{
		"network":        &cfg.Network,
		"rpc":            &cfg.RPCEndpoint,
		"commitment":     &cfg.Commitment,
		"keypair":        &cfg.KeypairPath,
		"mint":           &cfg.Mint,
		"input":          &cfg.InputPath,
		"output":         &cfg.OutputPath,
		"amount":         &cfg.UIAmount,
		"address-column": &cfg.AddressColumn,
		"id-column":      &cfg.IDColumn,
		"metrics-file":   &cfg.MetricsFile,
	}
	for name, dst := range str {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	if flags.Changed("batch-size") {
		cfg.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("include-id") {
		cfg.IncludeID, _ = flags.GetBool("include-id")
	}
	if flags.Changed("confirm-timeout") {
		d, _ := flags.GetDuration("confirm-timeout")
		cfg.ConfirmTimeoutMs = int(d.Milliseconds())
	}
	// The key itself is only ever read from the environment.
	if cfg.PrivateKeyBase58 != "" && flags.Changed("keypair") {
		cfg.PrivateKeyBase58 = ""
	}
	return cfg, nil
}

func loadPayer(cfg *config.Config) (protocol.Keypair, error) {
	if cfg.PrivateKeyBase58 != "" {
		kp, err := protocol.KeypairFromBase58(cfg.PrivateKeyBase58)
		if err != nil {
			return protocol.Keypair{}, fmt.Errorf("PRIVATE_KEY_BASE58: %w", err)
		}
		return kp, nil
	}
	return protocol.LoadKeypairFile(cfg.KeypairPath)
}

func engineConfig(cfg *config.Config, payer protocol.Keypair, dryRun bool) (distributor.Config, error) {
	mint, err := protocol.ParsePubkey(cfg.Mint)
	if err != nil {
		return distributor.Config{}, fmt.Errorf("mint %q: %w", cfg.Mint, err)
	}
	return distributor.Config{
		Payer:      payer,
		Mint:       mint,
		InputPath:  cfg.InputPath,
		OutputPath: cfg.OutputPath,
		UIAmount:   cfg.UIAmount,
		BatchSize:  cfg.BatchSize,
		IncludeID:  cfg.IncludeID,
		Columns: distributor.SourceColumns{
			Address: cfg.AddressColumn,
			ID:      cfg.IDColumn,
		},
		MaxInstructions: cfg.MaxInstructions,
		MaxTxBytes:      cfg.MaxTxBytes,
		ConfirmTimeout:  time.Duration(cfg.ConfirmTimeoutMs) * time.Millisecond,
		DryRun:          dryRun,
	}, nil
}

func runDistribute(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags(), os.Getenv)
	if err != nil {
		return err
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	log, err := newLogger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	payer, err := loadPayer(cfg)
	if err != nil {
		return err
	}
	ecfg, err := engineConfig(cfg, payer, dryRun)
	if err != nil {
		return err
	}
	endpoint, err := cfg.Endpoint()
	if err != nil {
		return err
	}
	if cfg.Net.DelayEnabled {
		log.Info("Network delay simulation enabled",
			zap.Int("min_ms", cfg.Net.MinDelayMs), zap.Int("max_ms", cfg.Net.MaxDelayMs))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Connecting", zap.String("endpoint", endpoint), zap.String("commitment", cfg.Commitment))
	client, err := dialLedger(ctx, cfg, endpoint, log)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := preflight(ctx, log, client, payer.PublicKey()); err != nil {
		return err
	}

	metrics := distributor.NewMetrics()
	engine, err := distributor.New(ecfg, client,
		distributor.WithLogger(log.Named("distributor")),
		distributor.WithMetrics(metrics))
	if err != nil {
		return err
	}

	report, runErr := engine.Run(ctx)

	if cfg.MetricsFile != "" {
		if err := metrics.WriteTextfile(cfg.MetricsFile); err != nil {
			log.Warn("Could not write metrics file", zap.String("path", cfg.MetricsFile), zap.Error(err))
		}
	}
	fields := []zap.Field{
		zap.String("run_id", report.RunID),
		zap.Int("paid", report.Paid),
		zap.Int("already_processed", report.AlreadyProcessed),
		zap.Int("pending", report.Pending),
		zap.Int("batches", report.Batches),
		zap.Int("accounts_created", report.AccountsCreated),
	}
	if runErr != nil {
		logFailure(log, runErr, fields)
		return runErr
	}
	log.Info("Run complete", fields...)
	return nil
}

func dialLedger(ctx context.Context, cfg *config.Config, endpoint string, log *zap.Logger) (*ledger.Client, error) {
	return ledger.Dial(ctx, endpoint, ledger.Options{
		Commitment:   ledger.Commitment(cfg.Commitment),
		PollInterval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		HTTPClient:   network.NewHTTPClient(cfg.Net),
		Logger:       log.Named("ledger"),
	})
}

type nodeStatus interface {
	Health(ctx context.Context) error
	GetBalance(ctx context.Context, pk protocol.Pubkey) (uint64, error)
}

// preflight refuses to start against an unhealthy node and warns when the
// payer has nothing to pay fees with.
func preflight(ctx context.Context, log *zap.Logger, node nodeStatus, payer protocol.Pubkey) error {
	if err := node.Health(ctx); err != nil {
		return fmt.Errorf("node not ready: %w", err)
	}
	lamports, err := node.GetBalance(ctx, payer)
	switch {
	case err != nil:
		log.Warn("Could not read payer balance", zap.Stringer("payer", payer), zap.Error(err))
	case lamports == 0:
		log.Warn("Payer has no native balance for fees", zap.Stringer("payer", payer))
	default:
		log.Info("Node healthy", zap.Stringer("payer", payer), zap.Uint64("payer_lamports", lamports))
	}
	return nil
}

// logFailure adds what an operator needs to reconcile the failed batch.
func logFailure(log *zap.Logger, err error, fields []zap.Field) {
	var (
		ambiguous *distributor.ConfirmationAmbiguousError
		submit    *distributor.SubmissionError
		record    *distributor.ProgressLedgerError
	)
	switch {
	case errors.As(err, &ambiguous):
		fields = append(fields,
			zap.Int("batch", ambiguous.Batch),
			zap.Stringer("signature", ambiguous.Signature),
			zap.Stringers("addresses", ambiguous.Addresses))
		log.Error("Batch outcome unknown; check the signature before rerunning", append(fields, zap.Error(err))...)
	case errors.As(err, &submit):
		fields = append(fields, zap.Int("batch", submit.Batch), zap.Stringers("addresses", submit.Addresses))
		log.Error("Batch not paid; rerun to retry it", append(fields, zap.Error(err))...)
	case errors.As(err, &record) && record.Signature != nil:
		fields = append(fields, zap.Stringer("signature", *record.Signature))
		log.Error("Batch confirmed but not recorded; add it to the result file before rerunning", append(fields, zap.Error(err))...)
	case errors.Is(err, context.Canceled):
		log.Warn("Run interrupted between batches", fields...)
	default:
		log.Error("Run failed", append(fields, zap.Error(err))...)
	}
}
