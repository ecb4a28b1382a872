package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error taxonomy for the trading core. Validation, balance and liquidity
// errors precede any ledger mutation and are safe to retry with adjusted
// input. Submission, confirmation and signing errors may leave the
// ledger ahead of the application; they always propagate.

var (
	// ErrInsufficientBalance: a local precondition check found the
	// available native balance short of the required total.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNoFunds: the follower has nothing to trade with.
	ErrNoFunds = errors.New("no funds available")

	// ErrNoLiquidity: no route cleared the depth checks.
	ErrNoLiquidity = errors.New("insufficient liquidity")

	// ErrConfirmationTimeout: the transaction was submitted but its
	// outcome is indeterminate after the polling budget.
	ErrConfirmationTimeout = errors.New("transaction confirmation timed out")
)

// ValidationError marks malformed input; nothing was submitted.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// SubmissionError: the ledger rejected the transaction at submission,
// or returned no status field. Submitted exactly once. Status carries
// the gateway's structured submission status when one was returned;
// TryAgainLater marks the only transient case.
type SubmissionError struct {
	Status      string
	Title       string
	Detail      string
	ResultCodes []string
}

// TryAgainLater is the submission status for a transiently overloaded
// gateway; it is the one submission failure worth retrying.
const TryAgainLater = "TRY_AGAIN_LATER"

// Transient reports whether the rejection is worth retrying as-is.
func (e *SubmissionError) Transient() bool {
	return e.Status == TryAgainLater
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission failed: %s: %s", e.Title, e.Detail)
}

// HasOperationCode reports whether any per-operation result code equals
// code. Classification goes through this, never through message text.
func (e *SubmissionError) HasOperationCode(code string) bool {
	for _, c := range e.ResultCodes {
		if c == code {
			return true
		}
	}
	return false
}

// TransactionFailedError: the network confirmed the transaction as
// failed. Deterministic; never retried.
type TransactionFailedError struct {
	Hash        string
	ResultCodes []string
}

func (e *TransactionFailedError) Error() string {
	return fmt.Sprintf("transaction %s failed on the network: %v", e.Hash, e.ResultCodes)
}

// SigningError: the signing boundary refused or was unreachable.
type SigningError struct {
	Reason string
}

func (e *SigningError) Error() string {
	return "signing boundary: " + e.Reason
}
