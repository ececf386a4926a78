package distributor

import (
	"context"
	"fmt"

	"github.com/token-airdrop/airdrop/internal/protocol"
)

// AccountChecker answers whether an account exists on the ledger.
type AccountChecker interface {
	AccountExists(ctx context.Context, addr protocol.Pubkey) (bool, error)
}

// Provisioner turns a batch into instructions, creating destination token
// accounts that do not exist yet.
type Provisioner struct {
	ledger    AccountChecker
	mint      protocol.Pubkey
	source    protocol.Pubkey // funding token account
	authority protocol.Pubkey // owner of source, also the fee payer
	amount    uint64
}

func NewProvisioner(l AccountChecker, mint, source, authority protocol.Pubkey, amount uint64) *Provisioner {
	return &Provisioner{ledger: l, mint: mint, source: source, authority: authority, amount: amount}
}

// Provisioned is the instruction list for one batch.
type Provisioned struct {
	Instructions []protocol.Instruction
	Destinations []protocol.Pubkey // per recipient, batch order
	Created      int
}

// Provision checks every member's destination account, one call at a time
// and all before assembly, then emits per member either
// [create, transfer] or [transfer]. A create always sits directly before the
// transfer it funds.
func (p *Provisioner) Provision(ctx context.Context, b Batch) (*Provisioned, error) {
	dests := make([]protocol.Pubkey, len(b.Recipients))
	missing := make([]bool, len(b.Recipients))
	scheduled := make(map[protocol.Pubkey]bool)

	for i, r := range b.Recipients {
		ata, err := protocol.FindAssociatedTokenAddress(r.Address, p.mint)
		if err != nil {
			return nil, fmt.Errorf("derive destination for %s: %w", r.Address, err)
		}
		dests[i] = ata
		if scheduled[ata] {
			continue
		}
		exists, err := p.ledger.AccountExists(ctx, ata)
		if err != nil {
			return nil, fmt.Errorf("check destination %s of %s: %w", ata, r.Address, err)
		}
		if !exists {
			missing[i] = true
			scheduled[ata] = true
		}
	}

	out := &Provisioned{
		Instructions: make([]protocol.Instruction, 0, 2*len(b.Recipients)),
		Destinations: dests,
	}
	for i, r := range b.Recipients {
		if missing[i] {
			out.Instructions = append(out.Instructions,
				protocol.NewCreateAssociatedTokenAccountInstruction(p.authority, dests[i], r.Address, p.mint))
			out.Created++
		}
		out.Instructions = append(out.Instructions,
			protocol.NewTransferInstruction(p.source, dests[i], p.authority, p.amount))
	}
	return out, nil
}
