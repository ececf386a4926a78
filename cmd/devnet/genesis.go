package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/token-airdrop/airdrop/internal/devnet"
	"github.com/token-airdrop/airdrop/internal/protocol"
)

type genesisOptions struct {
	PayerPath string
	MintPath  string
	Lamports  uint64
	Decimals  uint8
	Supply    uint64
}

type genesis struct {
	Payer  protocol.Pubkey
	Mint   protocol.Pubkey
	Source protocol.Pubkey
	// Seeded is false when the store already held the mint from an earlier run.
	Seeded bool
}

// seedGenesis funds the payer, creates the mint and mints the supply to the
// payer's token account. A mint already present in the store is left as is.
func seedGenesis(bank *devnet.Bank, o genesisOptions) (genesis, error) {
	payer, err := loadOrCreateKeypair(o.PayerPath)
	if err != nil {
		return genesis{}, err
	}
	mint, err := loadOrCreateKeypair(o.MintPath)
	if err != nil {
		return genesis{}, err
	}
	g := genesis{Payer: payer.PublicKey(), Mint: mint.PublicKey()}
	if g.Source, err = protocol.FindAssociatedTokenAddress(g.Payer, g.Mint); err != nil {
		return genesis{}, err
	}

	err = bank.CreateMint(g.Mint, g.Payer, o.Decimals)
	if errors.Is(err, devnet.ErrMintExists) {
		return g, nil
	}
	if err != nil {
		return genesis{}, err
	}
	if _, err := bank.Airdrop(g.Payer, o.Lamports); err != nil {
		return genesis{}, fmt.Errorf("fund payer: %w", err)
	}
	if _, err := bank.MintTo(g.Mint, g.Payer, o.Supply); err != nil {
		return genesis{}, fmt.Errorf("mint supply: %w", err)
	}
	g.Seeded = true
	return g, nil
}

func loadOrCreateKeypair(path string) (protocol.Keypair, error) {
	kp, err := protocol.LoadKeypairFile(path)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return protocol.Keypair{}, err
	}
	if kp, err = protocol.NewKeypair(); err != nil {
		return protocol.Keypair{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return protocol.Keypair{}, err
	}
	if err := protocol.WriteKeypairFile(path, kp); err != nil {
		return protocol.Keypair{}, fmt.Errorf("write %s: %w", path, err)
	}
	return kp, nil
}
