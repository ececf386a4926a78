package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/token-airdrop/airdrop/internal/devnet"
)

var opts struct {
	addr          string
	storePath     string
	blockInterval time.Duration
	finalizeDepth uint64
	debug         bool
	genesis       genesisOptions
}

var rootCmd = &cobra.Command{
	Use:          "devnet",
	Short:        "Run a local single-node ledger with a funded payer and a token mint",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.addr, "addr", ":8899", "HTTP listen address")
	f.StringVar(&opts.storePath, "store", "", "LevelDB directory for accounts (empty keeps them in memory)")
	f.DurationVar(&opts.blockInterval, "block-interval", devnet.DefaultBlockInterval, "Time between blocks")
	f.Uint64Var(&opts.finalizeDepth, "finalize-depth", devnet.DefaultFinalizeDepth, "Blocks on top of a transaction before it is finalized")
	f.BoolVar(&opts.debug, "debug", false, "Human-readable debug logging")

	g := &opts.genesis
	f.StringVar(&g.PayerPath, "payer-keypair", ".wallets/payer.json", "Payer keypair file, created when missing")
	f.StringVar(&g.MintPath, "mint-keypair", ".wallets/mint.json", "Mint keypair file, created when missing")
	f.Uint64Var(&g.Lamports, "payer-lamports", 100_000_000_000, "Lamports airdropped to the payer")
	f.Uint8Var(&g.Decimals, "decimals", 6, "Mint decimals")
	f.Uint64Var(&g.Supply, "supply", 1_000_000_000_000, "Base units minted to the payer's token account")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	var (
		log *zap.Logger
		err error
	)
	if opts.debug {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	node := devnet.NewServer(devnet.Options{
		BlockInterval: opts.blockInterval,
		FinalizeDepth: opts.finalizeDepth,
		StorePath:     opts.storePath,
		Logger:        log,
	})
	defer node.Close()

	g, err := seedGenesis(node.Bank(), opts.genesis)
	if err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	log.Info("Genesis ready",
		zap.Stringer("payer", g.Payer),
		zap.Stringer("mint", g.Mint),
		zap.Stringer("payer_token_account", g.Source),
		zap.Bool("seeded", g.Seeded))

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           node.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		log.Info("Devnet listening", zap.String("addr", opts.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
