package distributor

import (
	"fmt"
	"strings"

	"github.com/token-airdrop/airdrop/internal/protocol"
)

// Every error below aborts the run. Entries already in the progress file are
// the only recovery state; a rerun resumes after them.

// SourceFormatError reports an unreadable or malformed recipient file.
type SourceFormatError struct {
	Path string
	Line int // 0 when the problem is not tied to a line
	Err  error
}

func (e *SourceFormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("recipient source %s line %d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("recipient source %s: %v", e.Path, e.Err)
}

func (e *SourceFormatError) Unwrap() error { return e.Err }

// AssetMetadataError reports a mint that could not be resolved on the ledger.
type AssetMetadataError struct {
	Mint protocol.Pubkey
	Err  error
}

func (e *AssetMetadataError) Error() string {
	return fmt.Sprintf("asset %s: %v", e.Mint, e.Err)
}

func (e *AssetMetadataError) Unwrap() error { return e.Err }

// BatchTooLargeError reports a batch whose transaction exceeds the network
// bounds. Lower the batch size and rerun.
type BatchTooLargeError struct {
	Batch           int
	Recipients      int
	Instructions    int
	Size            int
	MaxInstructions int
	MaxTxBytes      int
	Err             error // set when the transaction could not be compiled at all
}

func (e *BatchTooLargeError) Error() string {
	msg := fmt.Sprintf("batch %d (%d recipients) too large: %d instructions (max %d), %d bytes (max %d)",
		e.Batch, e.Recipients, e.Instructions, e.MaxInstructions, e.Size, e.MaxTxBytes)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BatchTooLargeError) Unwrap() error { return e.Err }

// SubmissionError reports a batch that definitely did not pay its
// recipients: the network refused it, it failed on ledger, or its recency
// token expired unseen. Nothing was recorded for the batch.
type SubmissionError struct {
	Batch     int
	Addresses []protocol.Pubkey
	Signature *protocol.Signature // nil when the failure preceded submission
	Err       error
}

func (e *SubmissionError) Error() string {
	if e.Signature != nil {
		return fmt.Sprintf("batch %d submission %s failed: %v", e.Batch, e.Signature, e.Err)
	}
	return fmt.Sprintf("batch %d submission failed: %v", e.Batch, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// ConfirmationAmbiguousError reports a submitted batch whose outcome is
// unknown. The transaction may have landed; check the ledger history of
// Signature and Addresses before rerunning, or the recipients can be paid
// twice.
type ConfirmationAmbiguousError struct {
	Batch     int
	Signature protocol.Signature
	Addresses []protocol.Pubkey
	Err       error
}

func (e *ConfirmationAmbiguousError) Error() string {
	return fmt.Sprintf("batch %d: outcome of %s unknown for %s: %v",
		e.Batch, e.Signature, joinAddresses(e.Addresses), e.Err)
}

func (e *ConfirmationAmbiguousError) Unwrap() error { return e.Err }

// ProgressLedgerError reports a failure to read or append the progress file.
// When Signature is set the batch was confirmed on ledger but not recorded.
type ProgressLedgerError struct {
	Path      string
	Op        string
	Signature *protocol.Signature
	Err       error
}

func (e *ProgressLedgerError) Error() string {
	if e.Signature != nil {
		return fmt.Sprintf("progress file %s: %s after confirmed %s: %v", e.Path, e.Op, e.Signature, e.Err)
	}
	return fmt.Sprintf("progress file %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *ProgressLedgerError) Unwrap() error { return e.Err }

func joinAddresses(addrs []protocol.Pubkey) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}
