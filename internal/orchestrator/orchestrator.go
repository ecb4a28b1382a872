// Package orchestrator assembles operations into signed, submitted and
// confirmed transactions. It owns the submit/retry/confirm protocol; the
// signing authority itself lives behind the remote boundary.
package orchestrator

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/starfolk/gostellar/horizon/types"
	"github.com/starfolk/gostellar/internal/domain"
	"github.com/starfolk/gostellar/internal/fees"
	"github.com/starfolk/gostellar/internal/ports"
	"github.com/starfolk/gostellar/internal/txassembly"
)

var log = logrus.WithField("component", "orchestrator")

const (
	// DefaultConfirmAttempts bounds confirmation polling.
	DefaultConfirmAttempts = 30
	// DefaultConfirmInterval is the pause between polls.
	DefaultConfirmInterval = 2 * time.Second
)

// Orchestrator builds and submits transactions for identities whose
// keys live behind the signing boundary.
type Orchestrator struct {
	gw         ports.Gateway
	signer     ports.Signer
	keys       ports.KeyResolver
	estimator  *fees.Estimator
	passphrase string

	ConfirmAttempts int
	ConfirmInterval time.Duration

	now func() time.Time
}

func New(gw ports.Gateway, signer ports.Signer, keys ports.KeyResolver, estimator *fees.Estimator, networkPassphrase string) *Orchestrator {
	return &Orchestrator{
		gw:              gw,
		signer:          signer,
		keys:            keys,
		estimator:       estimator,
		passphrase:      networkPassphrase,
		ConfirmAttempts: DefaultConfirmAttempts,
		ConfirmInterval: DefaultConfirmInterval,
		now:             time.Now,
	}
}

// SubmitOptions tune a single submission.
type SubmitOptions struct {
	Memo    string
	BaseFee int64 // stroops per operation; 0 means estimate
}

// BuildAndSubmit loads the signer's current sequence, assembles the
// envelope, signs it across the boundary and submits it once.
//
// The sequence number is re-read here, immediately before building, so
// concurrent submissions for the same identity race only within one
// round trip. A loser surfaces as SubmissionError (tx_bad_seq) and may
// be retried by the caller; submissions are not serialized per signer.
func (o *Orchestrator) BuildAndSubmit(ctx context.Context, identity string, ops []txassembly.Operation, opts SubmitOptions) (*types.SubmitResponse, *txassembly.SignedEnvelope, error) {
	address, err := o.keys.PublicKey(ctx, identity)
	if err != nil {
		return nil, nil, errors.Wrap(err, "resolve public key")
	}
	account, err := o.gw.GetAccount(ctx, address)
	if err != nil {
		return nil, nil, errors.Wrap(err, "load signer account")
	}

	baseFee := opts.BaseFee
	if baseFee == 0 {
		baseFee = o.estimator.BaseFee(ctx, len(ops))
	}
	log.WithFields(logrus.Fields{
		"base_fee": baseFee,
		"op_count": len(ops),
	}).Info("building transaction")

	env, err := txassembly.NewBuilder(address, account.Sequence).
		BaseFee(baseFee).
		ValidFor(o.now().Unix()).
		Memo(opts.Memo).
		Add(ops...).
		Build()
	if err != nil {
		return nil, nil, err
	}

	unsigned, err := env.Encode()
	if err != nil {
		return nil, nil, err
	}
	hash, err := env.Hash(o.passphrase)
	if err != nil {
		return nil, nil, err
	}

	signedBlob, err := o.signer.Sign(ctx, identity, unsigned)
	if err != nil {
		return nil, nil, err
	}
	signed := &txassembly.SignedEnvelope{Envelope: env, Hash: hash, Blob: signedBlob}

	resp, err := o.gw.SubmitAsync(ctx, signed.Blob)
	if err != nil {
		return nil, signed, errors.Wrap(err, "submit transaction")
	}
	// An absent status is a failure, never an implicit success.
	switch resp.TxStatus {
	case "PENDING", "DUPLICATE":
	default:
		title := resp.Title
		if title == "" {
			title = "no transaction status returned"
		}
		return nil, signed, &domain.SubmissionError{
			Status:      resp.TxStatus,
			Title:       title,
			Detail:      resp.Detail,
			ResultCodes: resp.Extras.ResultCodes.Operations,
		}
	}
	if resp.Hash == "" {
		resp.Hash = signed.Hash
	}
	log.WithField("hash", resp.Hash).Info("transaction submitted")
	return resp, signed, nil
}

// WaitForConfirmation polls the transaction by hash until the network
// reports it. "Not yet visible" is retried up to the polling budget; a
// confirmed failure is deterministic and returns immediately; an
// exhausted budget leaves the outcome indeterminate.
func (o *Orchestrator) WaitForConfirmation(ctx context.Context, hash string) (*types.Transaction, error) {
	for attempt := 0; attempt < o.ConfirmAttempts; attempt++ {
		tx, err := o.gw.GetTransaction(ctx, hash)
		switch {
		case err == nil && tx.Successful:
			log.WithField("hash", hash).Info("transaction confirmed")
			return tx, nil
		case err == nil:
			codes := make([]string, 0, 1+len(tx.ResultCodes.Operations))
			if tx.ResultCodes.Transaction != "" {
				codes = append(codes, tx.ResultCodes.Transaction)
			}
			codes = append(codes, tx.ResultCodes.Operations...)
			return nil, &domain.TransactionFailedError{Hash: hash, ResultCodes: codes}
		case errors.Is(err, types.ErrNotFound):
			if err := sleepCtx(ctx, o.ConfirmInterval); err != nil {
				return nil, err
			}
		default:
			return nil, errors.Wrapf(err, "check transaction %s", hash)
		}
	}
	return nil, errors.Wrapf(domain.ErrConfirmationTimeout,
		"transaction %s after %d attempts", hash, o.ConfirmAttempts)
}

// RetryPolicy bounds SubmitWithRetry: linear backoff of attempt times
// BaseDelay, at most MaxAttempts submissions.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// SubmitWithRetry wraps BuildAndSubmit with linear backoff for
// transport-level failures. Classified ledger rejections and signing
// refusals are deterministic and never retried.
func (o *Orchestrator) SubmitWithRetry(ctx context.Context, identity string, ops []txassembly.Operation, opts SubmitOptions, policy RetryPolicy) (*types.SubmitResponse, *txassembly.SignedEnvelope, error) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		resp, signed, err := o.BuildAndSubmit(ctx, identity, ops, opts)
		if err == nil {
			return resp, signed, nil
		}
		if !retryable(err) {
			return nil, signed, err
		}
		lastErr = err
		if attempt < policy.MaxAttempts {
			delay := time.Duration(attempt) * policy.BaseDelay
			log.Warnf("submit attempt %d failed (%v), retrying in %s", attempt, err, delay)
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, nil, err
			}
		}
	}
	return nil, nil, lastErr
}

// retryable reports whether err is a transient transport failure rather
// than a deterministic rejection.
func retryable(err error) bool {
	var submission *domain.SubmissionError
	if errors.As(err, &submission) {
		return submission.Transient()
	}
	var validation *domain.ValidationError
	var signing *domain.SigningError
	if errors.As(err, &validation) || errors.As(err, &signing) {
		return false
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
