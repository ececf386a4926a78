// Package distributor pays a fixed token amount to every recipient in a CSV
// file, one batch transaction at a time, recording each confirmed batch in an
// append-only progress file so that a rerun skips completed work.
//
// A run moves through
//
//	INIT -> READ_PENDING -> (PLAN_BATCH -> PROVISION -> SUBMIT -> CONFIRM -> RECORD)* -> DONE
//
// strictly sequentially. A batch is recorded only after it is confirmed, so a
// crash between the two leaves it unrecorded and a rerun pays it again.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/token-airdrop/airdrop/internal/ledger"
	"github.com/token-airdrop/airdrop/internal/protocol"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultBatchSize       = 10
	DefaultMaxInstructions = 64
	DefaultConfirmTimeout  = 90 * time.Second
	DefaultSubmitTimeout   = 30 * time.Second
)

// Ledger is the ledger network as the engine sees it.
type Ledger interface {
	GetAssetDecimals(ctx context.Context, mint protocol.Pubkey) (uint8, error)
	AccountExists(ctx context.Context, addr protocol.Pubkey) (bool, error)
	GetRecencyToken(ctx context.Context) (ledger.RecencyToken, error)
	SubmitTransaction(ctx context.Context, tx *protocol.Transaction) (protocol.Signature, error)
	ConfirmTransaction(ctx context.Context, sig protocol.Signature, token ledger.RecencyToken) (ledger.Outcome, error)
}

// TokenBalanceReader is implemented by ledgers that can report a token
// account balance. The engine uses it to warn about an underfunded source.
type TokenBalanceReader interface {
	GetTokenBalance(ctx context.Context, account protocol.Pubkey) (uint64, error)
}

// Config is everything a run needs. The CLI builds it; nothing is read from
// the environment here.
type Config struct {
	Payer      protocol.Keypair
	Mint       protocol.Pubkey
	InputPath  string
	OutputPath string
	UIAmount   string
	BatchSize  int
	IncludeID  bool
	Columns    SourceColumns

	MaxInstructions int
	MaxTxBytes      int
	SubmitTimeout   time.Duration
	ConfirmTimeout  time.Duration

	// DryRun plans and provisions every batch without signing, submitting
	// or recording.
	DryRun bool
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxInstructions <= 0 {
		c.MaxInstructions = DefaultMaxInstructions
	}
	if c.MaxTxBytes <= 0 {
		c.MaxTxBytes = protocol.PacketDataSize
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	return c
}

func (c Config) validate() error {
	switch {
	case c.Payer.IsZero():
		return errors.New("payer keypair is required")
	case c.Mint.IsZero():
		return errors.New("mint is required")
	case c.InputPath == "":
		return errors.New("input path is required")
	case c.OutputPath == "":
		return errors.New("output path is required")
	case c.UIAmount == "":
		return errors.New("amount is required")
	}
	return nil
}

// Report summarizes a run. It is returned with whatever was reached when a
// run fails.
type Report struct {
	RunID            string
	Decimals         uint8
	Amount           uint64 // base units per recipient
	InputRows        int
	SkippedEmpty     int
	Duplicates       int
	AlreadyProcessed int
	Pending          int
	Batches          int
	Paid             int
	AccountsCreated  int
	Signatures       []protocol.Signature
	DryRun           bool
}

// Engine runs distributions.
type Engine struct {
	cfg     Config
	ledger  Ledger
	log     *zap.Logger
	metrics *Metrics
}

type Option func(*Engine)

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func New(cfg Config, l Ledger, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("distributor config: %w", err)
	}
	e := &Engine{cfg: cfg, ledger: l}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.metrics == nil {
		e.metrics = NewMetrics()
	}
	return e, nil
}

func (e *Engine) Metrics() *Metrics { return e.metrics }

// batchResult is how a batch ended; the engine decides what each means.
type batchResult int

const (
	batchConfirmed batchResult = iota
	batchRejected
	batchAmbiguous
)

// Run performs one distribution. Cancelling ctx stops the run between
// batches; a batch already submitted is always seen through to confirmation
// or a definite failure first.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	report := Report{RunID: uuid.NewString(), DryRun: e.cfg.DryRun}
	log := e.log.With(zap.String("run_id", report.RunID))
	payer := e.cfg.Payer.PublicKey()

	// INIT
	decimals, err := e.ledger.GetAssetDecimals(ctx, e.cfg.Mint)
	if err != nil {
		return report, &AssetMetadataError{Mint: e.cfg.Mint, Err: err}
	}
	amount, err := ParseAmount(e.cfg.UIAmount, decimals)
	if err != nil {
		return report, fmt.Errorf("transfer amount: %w", err)
	}
	source, err := protocol.FindAssociatedTokenAddress(payer, e.cfg.Mint)
	if err != nil {
		return report, fmt.Errorf("derive source account: %w", err)
	}
	report.Decimals, report.Amount = decimals, amount
	log.Info("Distribution starting",
		zap.Stringer("mint", e.cfg.Mint),
		zap.Stringer("payer", payer),
		zap.Stringer("source", source),
		zap.Uint8("decimals", decimals),
		zap.Uint64("amount", amount),
		zap.Bool("dry_run", e.cfg.DryRun))

	// READ_PENDING
	progress, err := LoadProgress(e.cfg.OutputPath)
	if err != nil {
		return report, err
	}
	for _, line := range progress.Skipped {
		log.Warn("Unparseable progress row ignored; reconcile it manually",
			zap.String("path", e.cfg.OutputPath), zap.String("row", line))
	}
	src, err := ReadRecipients(e.cfg.InputPath, e.cfg.Columns)
	if err != nil {
		return report, err
	}
	if e.cfg.IncludeID && !src.HasID {
		log.Warn("Input has no id column; result rows get an empty id",
			zap.String("path", e.cfg.InputPath))
	}
	pending := e.filterPending(src, progress, &report)
	e.metrics.pending.Set(float64(len(pending)))
	log.Info("Recipients loaded",
		zap.Int("progress_rows", progress.Entries),
		zap.Int("rows", report.InputRows),
		zap.Int("skipped_empty", report.SkippedEmpty),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("already_processed", report.AlreadyProcessed),
		zap.Int("pending", report.Pending))
	if len(pending) == 0 {
		log.Info("Nothing to distribute")
		return report, nil
	}
	e.checkFunding(ctx, log, source, amount, len(pending))

	var out *ProgressLedger
	if !e.cfg.DryRun {
		out, err = OpenProgressLedger(e.cfg.OutputPath, e.cfg.IncludeID, log)
		if err != nil {
			return report, err
		}
		defer out.Close()
		log.Debug("Progress file open", zap.String("path", e.cfg.OutputPath), zap.Bool("include_id", out.IncludeID()))
	}

	provisioner := NewProvisioner(e.ledger, e.cfg.Mint, source, payer, amount)
	planner := NewPlanner(pending, e.cfg.BatchSize)
	total := planner.Total()

	for {
		if err := ctx.Err(); err != nil {
			log.Info("Stopping between batches", zap.Int("paid", report.Paid), zap.Error(err))
			return report, err
		}
		// PLAN_BATCH
		batch, ok := planner.Next()
		if !ok {
			break
		}
		blog := log.With(zap.Int("batch", batch.Index), zap.Int("of", total))
		if err := e.runBatch(ctx, blog, batch, provisioner, out, &report); err != nil {
			blog.Error("Batch failed", zap.Error(err))
			return report, err
		}
	}

	log.Info("Distribution done",
		zap.Int("batches", report.Batches),
		zap.Int("paid", report.Paid),
		zap.Int("accounts_created", report.AccountsCreated))
	return report, nil
}

// filterPending drops recipients already in the progress file and repeated
// addresses within the input, keeping the first occurrence.
func (e *Engine) filterPending(src *Source, progress *Progress, report *Report) []RecipientRecord {
	report.InputRows = src.Rows
	report.SkippedEmpty = src.SkippedEmpty

	seen := make(map[protocol.Pubkey]struct{}, len(src.Records))
	pending := make([]RecipientRecord, 0, len(src.Records))
	for _, r := range src.Records {
		if progress.Contains(r.Address) {
			report.AlreadyProcessed++
			continue
		}
		if _, dup := seen[r.Address]; dup {
			report.Duplicates++
			continue
		}
		seen[r.Address] = struct{}{}
		pending = append(pending, r)
	}
	report.Pending = len(pending)
	return pending
}

func (e *Engine) checkFunding(ctx context.Context, log *zap.Logger, source protocol.Pubkey, amount uint64, n int) {
	reader, ok := e.ledger.(TokenBalanceReader)
	if !ok {
		return
	}
	need, err := TotalAmount(amount, n)
	if err != nil {
		log.Warn("Total distribution overflows 64 bits", zap.Int("recipients", n))
		return
	}
	have, err := reader.GetTokenBalance(ctx, source)
	if err != nil {
		log.Warn("Could not read source balance", zap.Stringer("source", source), zap.Error(err))
		return
	}
	if have < need {
		log.Warn("Source balance does not cover every pending recipient",
			zap.Uint64("balance", have), zap.Uint64("needed", need))
	}
}

func batchAddresses(b Batch) []protocol.Pubkey {
	addrs := make([]protocol.Pubkey, len(b.Recipients))
	for i, r := range b.Recipients {
		addrs[i] = r.Address
	}
	return addrs
}

func (e *Engine) runBatch(ctx context.Context, log *zap.Logger, batch Batch, prov *Provisioner, out *ProgressLedger, report *Report) error {
	addrs := batchAddresses(batch)

	// PROVISION
	plan, err := prov.Provision(ctx, batch)
	if err != nil {
		return &SubmissionError{Batch: batch.Index, Addresses: addrs, Err: err}
	}

	// SUBMIT
	token, err := e.ledger.GetRecencyToken(ctx)
	if err != nil {
		return &SubmissionError{Batch: batch.Index, Addresses: addrs, Err: fmt.Errorf("recency token: %w", err)}
	}
	tx, err := e.buildTransaction(batch, plan, token)
	if err != nil {
		return err
	}
	log = log.With(
		zap.Int("recipients", len(batch.Recipients)),
		zap.Int("instructions", tx.InstructionCount()),
		zap.Int("tx_bytes", tx.Size()),
		zap.Int("creates", plan.Created))
	e.metrics.txBytes.Observe(float64(tx.Size()))
	log.Debug("Batch destinations", zap.Stringers("destinations", plan.Destinations))

	if e.cfg.DryRun {
		log.Info("Batch planned (dry run)")
		e.metrics.batches.WithLabelValues(resultPlanned).Inc()
		report.Batches++
		return nil
	}

	if err := tx.Sign(e.cfg.Payer); err != nil {
		return &SubmissionError{Batch: batch.Index, Addresses: addrs, Err: fmt.Errorf("sign: %w", err)}
	}
	sig, err := e.submit(ctx, tx)
	if err != nil {
		if rejected(err) {
			e.metrics.batches.WithLabelValues(resultFailed).Inc()
			return &SubmissionError{Batch: batch.Index, Addresses: addrs, Err: err}
		}
		// The node may have taken it; only confirmation can tell.
		sig = tx.ID()
		log.Warn("Submission outcome unknown, confirming", zap.Stringer("signature", sig), zap.Error(err))
	} else {
		log.Info("Batch submitted", zap.Stringer("signature", sig))
	}
	log = log.With(zap.Stringer("signature", sig))

	// CONFIRM
	started := time.Now()
	result, err := e.confirm(ctx, sig, token)
	switch result {
	case batchRejected:
		e.metrics.batches.WithLabelValues(resultFailed).Inc()
		return &SubmissionError{Batch: batch.Index, Addresses: addrs, Signature: &sig, Err: err}
	case batchAmbiguous:
		e.metrics.batches.WithLabelValues(resultAmbiguous).Inc()
		return &ConfirmationAmbiguousError{Batch: batch.Index, Signature: sig, Addresses: addrs, Err: err}
	}
	e.metrics.confirmSeconds.Observe(time.Since(started).Seconds())

	// RECORD
	entries := make([]ProgressEntry, len(batch.Recipients))
	for i, r := range batch.Recipients {
		entries[i] = ProgressEntry{RowID: r.RowID, Address: r.Address, Signature: sig}
	}
	if err := out.Append(entries); err != nil {
		var ple *ProgressLedgerError
		if errors.As(err, &ple) {
			ple.Signature = &sig
		}
		return err
	}

	e.metrics.batches.WithLabelValues(resultConfirmed).Inc()
	e.metrics.recipientsPaid.Add(float64(len(entries)))
	e.metrics.accountsCreated.Add(float64(plan.Created))
	e.metrics.pending.Sub(float64(len(entries)))
	report.Batches++
	report.Paid += len(entries)
	report.AccountsCreated += plan.Created
	report.Signatures = append(report.Signatures, sig)
	log.Info("Batch recorded")
	return nil
}

func (e *Engine) buildTransaction(batch Batch, plan *Provisioned, token ledger.RecencyToken) (*protocol.Transaction, error) {
	tooLarge := &BatchTooLargeError{
		Batch:           batch.Index,
		Recipients:      len(batch.Recipients),
		Instructions:    len(plan.Instructions),
		MaxInstructions: e.cfg.MaxInstructions,
		MaxTxBytes:      e.cfg.MaxTxBytes,
	}
	tx, err := protocol.NewTransaction(plan.Instructions, token.Blockhash, e.cfg.Payer.PublicKey())
	if err != nil {
		if errors.Is(err, protocol.ErrTooManyAccounts) {
			tooLarge.Err = err
			return nil, tooLarge
		}
		return nil, &SubmissionError{Batch: batch.Index, Addresses: batchAddresses(batch), Err: err}
	}
	tooLarge.Size = tx.Size()
	if tx.InstructionCount() > e.cfg.MaxInstructions || tx.Size() > e.cfg.MaxTxBytes {
		return nil, tooLarge
	}
	return tx, nil
}

// submit sends tx on a context that ignores caller cancellation, bounded by
// the submit timeout. Once signed, a batch is seen through to confirmation.
func (e *Engine) submit(ctx context.Context, tx *protocol.Transaction) (protocol.Signature, error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SubmitTimeout)
	defer cancel()
	return e.ledger.SubmitTransaction(sctx, tx)
}

// rejected reports whether a submission error is a definite answer from the
// node that it did not accept the transaction.
func rejected(err error) bool {
	var rpcErr *ledger.RPCError
	return errors.As(err, &rpcErr) || errors.Is(err, ledger.ErrUnsignedTransaction)
}

// confirm waits for the outcome on a context that ignores caller
// cancellation, bounded by the confirm timeout.
func (e *Engine) confirm(ctx context.Context, sig protocol.Signature, token ledger.RecencyToken) (batchResult, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ConfirmTimeout)
	defer cancel()

	out, err := e.ledger.ConfirmTransaction(cctx, sig, token)
	switch {
	case errors.Is(err, ledger.ErrRecencyTokenExpired):
		return batchRejected, err
	case err != nil:
		return batchAmbiguous, err
	case !out.Succeeded():
		return batchRejected, out.TxErr
	}
	return batchConfirmed, nil
}
