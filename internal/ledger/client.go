package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/token-airdrop/airdrop/internal/protocol"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
)

// Options configures a Client.
type Options struct {
	// Commitment applies to reads and is the level ConfirmTransaction waits for.
	Commitment    Commitment
	PollInterval  time.Duration
	SkipPreflight bool
	// HTTPClient carries timeouts and optional latency injection.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to a ledger node over JSON-RPC.
type Client struct {
	rpc           *rpc.Client
	commitment    Commitment
	pollInterval  time.Duration
	skipPreflight bool
	log           *zap.Logger
}

// Dial creates a client for the node at endpoint. No request is made until
// the first call.
func Dial(ctx context.Context, endpoint string, opts Options) (*Client, error) {
	var dialOpts []rpc.ClientOption
	if opts.HTTPClient != nil {
		dialOpts = append(dialOpts, rpc.WithHTTPClient(opts.HTTPClient))
	}
	rc, err := rpc.DialOptions(ctx, endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c := &Client{
		rpc:           rc,
		commitment:    opts.Commitment,
		pollInterval:  opts.PollInterval,
		skipPreflight: opts.SkipPreflight,
		log:           opts.Logger,
	}
	if c.commitment == "" {
		c.commitment = CommitmentConfirmed
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c, nil
}

func (c *Client) Close() { c.rpc.Close() }

func (c *Client) Commitment() Commitment { return c.commitment }

func (c *Client) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	err := c.rpc.CallContext(ctx, result, method, args...)
	if err == nil {
		return nil
	}
	var rerr rpc.Error
	if errors.As(err, &rerr) {
		return &RPCError{Method: method, Code: rerr.ErrorCode(), Message: rerr.Error()}
	}
	return fmt.Errorf("%s: %w", method, err)
}

// GetAccountInfo returns the account at pk, or nil when it does not exist.
func (c *Client) GetAccountInfo(ctx context.Context, pk protocol.Pubkey) (*AccountInfo, error) {
	var res AccountInfoResult
	err := c.call(ctx, &res, "getAccountInfo", pk.String(), CommitmentConfig{
		Commitment: c.commitment,
		Encoding:   "base64",
	})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// AccountExists reports whether any account is stored at pk.
func (c *Client) AccountExists(ctx context.Context, pk protocol.Pubkey) (bool, error) {
	info, err := c.GetAccountInfo(ctx, pk)
	if err != nil {
		return false, err
	}
	return info != nil, nil
}

// GetMint reads and decodes the token mint at pk.
func (c *Client) GetMint(ctx context.Context, mint protocol.Pubkey) (protocol.Mint, error) {
	info, err := c.GetAccountInfo(ctx, mint)
	if err != nil {
		return protocol.Mint{}, err
	}
	if info == nil {
		return protocol.Mint{}, fmt.Errorf("mint %s: %w", mint, ErrAccountNotFound)
	}
	if info.Owner != protocol.TokenProgramID {
		return protocol.Mint{}, fmt.Errorf("mint %s owned by %s: %w", mint, info.Owner, ErrNotAMint)
	}
	m, err := protocol.DecodeMint(info.Data)
	if err != nil {
		return protocol.Mint{}, fmt.Errorf("mint %s: %w", mint, err)
	}
	return m, nil
}

// GetAssetDecimals returns the decimal precision of the mint.
func (c *Client) GetAssetDecimals(ctx context.Context, mint protocol.Pubkey) (uint8, error) {
	m, err := c.GetMint(ctx, mint)
	if err != nil {
		return 0, err
	}
	return m.Decimals, nil
}

// GetTokenBalance returns the raw amount held by a token account.
func (c *Client) GetTokenBalance(ctx context.Context, account protocol.Pubkey) (uint64, error) {
	info, err := c.GetAccountInfo(ctx, account)
	if err != nil {
		return 0, err
	}
	if info == nil {
		return 0, fmt.Errorf("token account %s: %w", account, ErrAccountNotFound)
	}
	ta, err := protocol.DecodeTokenAccount(info.Data)
	if err != nil {
		return 0, fmt.Errorf("token account %s: %w", account, err)
	}
	return ta.Amount, nil
}

// GetRecencyToken fetches the latest finalized blockhash.
func (c *Client) GetRecencyToken(ctx context.Context) (RecencyToken, error) {
	var res LatestBlockhashResult
	err := c.call(ctx, &res, "getLatestBlockhash", CommitmentConfig{Commitment: CommitmentFinalized})
	if err != nil {
		return RecencyToken{}, err
	}
	return RecencyToken{
		Blockhash:            res.Value.Blockhash,
		LastValidBlockHeight: res.Value.LastValidBlockHeight,
	}, nil
}

func (c *Client) GetBlockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	if err := c.call(ctx, &height, "getBlockHeight", CommitmentConfig{Commitment: c.commitment}); err != nil {
		return 0, err
	}
	return height, nil
}

// GetBalance returns the native balance of pk in base units.
func (c *Client) GetBalance(ctx context.Context, pk protocol.Pubkey) (uint64, error) {
	var res BalanceResult
	if err := c.call(ctx, &res, "getBalance", pk.String(), CommitmentConfig{Commitment: c.commitment}); err != nil {
		return 0, err
	}
	return res.Value, nil
}

// SubmitTransaction sends a fully signed transaction and returns its
// identifier. The node accepting it says nothing about whether it lands.
func (c *Client) SubmitTransaction(ctx context.Context, tx *protocol.Transaction) (protocol.Signature, error) {
	if !tx.IsSigned() {
		return protocol.Signature{}, ErrUnsignedTransaction
	}
	wire := base64.StdEncoding.EncodeToString(tx.Serialize())

	var res protocol.Signature
	err := c.call(ctx, &res, "sendTransaction", wire, SendTransactionConfig{
		Encoding:            "base64",
		SkipPreflight:       c.skipPreflight,
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		return protocol.Signature{}, err
	}
	if res != tx.ID() {
		return protocol.Signature{}, fmt.Errorf("%w: sent %s, got %s", ErrSignatureMismatch, tx.ID(), res)
	}
	c.log.Debug("Transaction submitted",
		zap.Stringer("signature", res),
		zap.Int("size", tx.Size()))
	return res, nil
}

// GetSignatureStatus returns the node's view of sig, or nil when the node has
// not seen it.
func (c *Client) GetSignatureStatus(ctx context.Context, sig protocol.Signature) (*SignatureStatus, error) {
	var res SignatureStatusesResult
	err := c.call(ctx, &res, "getSignatureStatuses", []string{sig.String()}, SignatureStatusesConfig{
		SearchTransactionHistory: true,
	})
	if err != nil {
		return nil, err
	}
	if len(res.Value) == 0 {
		return nil, nil
	}
	return res.Value[0], nil
}

// ConfirmTransaction polls until sig reaches the client's commitment, fails
// on ledger, or its recency token expires. It returns ErrRecencyTokenExpired
// only when the block height has passed the token's last valid height and
// the node still has no record of sig. Any other error, including ctx ending,
// leaves the outcome unknown.
func (c *Client) ConfirmTransaction(ctx context.Context, sig protocol.Signature, token RecencyToken) (Outcome, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.GetSignatureStatus(ctx, sig)
		if err != nil {
			return Outcome{}, err
		}
		if out, done := c.settle(sig, status); done {
			return out, nil
		}

		if status == nil {
			height, err := c.GetBlockHeight(ctx)
			if err != nil {
				return Outcome{}, err
			}
			if height > token.LastValidBlockHeight {
				// The transaction may have landed between the two reads.
				status, err = c.GetSignatureStatus(ctx, sig)
				if err != nil {
					return Outcome{}, err
				}
				if out, done := c.settle(sig, status); done {
					return out, nil
				}
				if status == nil {
					return Outcome{}, fmt.Errorf("%s at height %d (last valid %d): %w",
						sig, height, token.LastValidBlockHeight, ErrRecencyTokenExpired)
				}
			}
		}

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// settle turns a status into an outcome once it is final for our purposes.
func (c *Client) settle(sig protocol.Signature, status *SignatureStatus) (Outcome, bool) {
	if status == nil {
		return Outcome{}, false
	}
	out := Outcome{Signature: sig, Slot: status.Slot, Commitment: status.ConfirmationStatus}
	if status.Failed() {
		out.TxErr = &TransactionError{Raw: append([]byte(nil), status.Err...)}
		return out, true
	}
	if status.ConfirmationStatus.Satisfies(c.commitment) {
		c.log.Debug("Transaction confirmed",
			zap.Stringer("signature", sig),
			zap.Uint64("slot", status.Slot),
			zap.String("commitment", string(status.ConfirmationStatus)))
		return out, true
	}
	return Outcome{}, false
}

// RequestAirdrop asks the node to credit native balance to pk. Only test
// networks serve it.
func (c *Client) RequestAirdrop(ctx context.Context, pk protocol.Pubkey, amount uint64) (protocol.Signature, error) {
	var res protocol.Signature
	if err := c.call(ctx, &res, "requestAirdrop", pk.String(), amount); err != nil {
		return protocol.Signature{}, err
	}
	return res, nil
}

// Health returns nil when the node reports itself healthy.
func (c *Client) Health(ctx context.Context) error {
	var res string
	if err := c.call(ctx, &res, "getHealth"); err != nil {
		return err
	}
	if res != "ok" {
		return fmt.Errorf("getHealth: node reports %q", res)
	}
	return nil
}
