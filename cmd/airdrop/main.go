package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/token-airdrop/airdrop/internal/distributor"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:           "airdrop",
	Short:         "Distribute a fixed token amount to every address in a CSV file",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "JSON config file (default config/config.json when present)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Human-readable debug logging")
	rootCmd.AddCommand(distributeCmd, fundCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 when a batch may have landed without being recorded, so
// callers can tell a run that needs manual reconciliation from one that can
// simply be rerun.
func exitCode(err error) int {
	var ambiguous *distributor.ConfirmationAmbiguousError
	if errors.As(err, &ambiguous) {
		return 2
	}
	return 1
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
