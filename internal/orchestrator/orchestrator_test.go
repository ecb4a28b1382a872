package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/starfolk/gostellar/horizon/types"
	"github.com/starfolk/gostellar/internal/domain"
	"github.com/starfolk/gostellar/internal/fees"
	"github.com/starfolk/gostellar/internal/ports"
	"github.com/starfolk/gostellar/internal/txassembly"
)

const (
	testAddress = "GDUKMGUGDZQK6YHYA5Z6AY2G4XDSZPSZ3SW5UN3ARVMO6QSRDWP5YLEX"
	testDest    = "GBVFTZL5HIPT4PFQVTZVIWR77V7LWYCXU4CLYWWHHOEXB64XPG5LDMTU"
	passphrase  = "Test SDF Network ; September 2015"
)

type fakeGateway struct {
	ports.Gateway
	getAccount     func(ctx context.Context, address string) (*types.Account, error)
	submitAsync    func(ctx context.Context, blob string) (*types.SubmitResponse, error)
	getTransaction func(ctx context.Context, hash string) (*types.Transaction, error)
	submits        int
}

func (f *fakeGateway) GetAccount(ctx context.Context, address string) (*types.Account, error) {
	return f.getAccount(ctx, address)
}

func (f *fakeGateway) SubmitAsync(ctx context.Context, blob string) (*types.SubmitResponse, error) {
	f.submits++
	return f.submitAsync(ctx, blob)
}

func (f *fakeGateway) GetTransaction(ctx context.Context, hash string) (*types.Transaction, error) {
	return f.getTransaction(ctx, hash)
}

type fakeSigner struct{}

func (fakeSigner) Sign(ctx context.Context, identity, unsignedEnvelope string) (string, error) {
	return "signed:" + unsignedEnvelope, nil
}

type fakeKeys struct{}

func (fakeKeys) PublicKey(ctx context.Context, identity string) (string, error) {
	return testAddress, nil
}

func accountAtSequence(seq int64) func(ctx context.Context, address string) (*types.Account, error) {
	return func(ctx context.Context, address string) (*types.Account, error) {
		return &types.Account{ID: address, Sequence: seq}, nil
	}
}

func testOps() []txassembly.Operation {
	return []txassembly.Operation{txassembly.Payment{
		Destination: testDest,
		Asset:       types.NativeAsset(),
		Amount:      decimal.RequireFromString("1"),
	}}
}

func newTestOrchestrator(gw *fakeGateway) *Orchestrator {
	o := New(gw, fakeSigner{}, fakeKeys{}, fees.NewEstimator(gw), passphrase)
	o.ConfirmInterval = time.Millisecond
	return o
}

func TestBuildAndSubmitPending(t *testing.T) {
	gw := &fakeGateway{
		getAccount: accountAtSequence(100),
		submitAsync: func(ctx context.Context, blob string) (*types.SubmitResponse, error) {
			return &types.SubmitResponse{TxStatus: "PENDING", Hash: "abc"}, nil
		},
	}

	resp, signed, err := newTestOrchestrator(gw).BuildAndSubmit(context.Background(), "alice", testOps(), SubmitOptions{BaseFee: 200})
	if err != nil {
		t.Fatalf("BuildAndSubmit error: %v", err)
	}
	if resp.Hash != "abc" {
		t.Fatalf("hash got=%q want=abc", resp.Hash)
	}
	if signed.Envelope.Sequence != 101 {
		t.Fatalf("sequence got=%d want=101", signed.Envelope.Sequence)
	}
}

func TestBuildAndSubmitDefaultsHash(t *testing.T) {
	gw := &fakeGateway{
		getAccount: accountAtSequence(100),
		submitAsync: func(ctx context.Context, blob string) (*types.SubmitResponse, error) {
			return &types.SubmitResponse{TxStatus: "DUPLICATE"}, nil
		},
	}

	resp, signed, err := newTestOrchestrator(gw).BuildAndSubmit(context.Background(), "alice", testOps(), SubmitOptions{BaseFee: 200})
	if err != nil {
		t.Fatalf("BuildAndSubmit error: %v", err)
	}
	if resp.Hash == "" || resp.Hash != signed.Hash {
		t.Fatalf("hash not defaulted: resp=%q local=%q", resp.Hash, signed.Hash)
	}
}

func TestBuildAndSubmitRejection(t *testing.T) {
	gw := &fakeGateway{
		getAccount: accountAtSequence(100),
		submitAsync: func(ctx context.Context, blob string) (*types.SubmitResponse, error) {
			resp := &types.SubmitResponse{TxStatus: "ERROR", Title: "Transaction Failed"}
			resp.Extras.ResultCodes.Operations = []string{"op_too_few_offers"}
			return resp, nil
		},
	}

	_, signed, err := newTestOrchestrator(gw).BuildAndSubmit(context.Background(), "alice", testOps(), SubmitOptions{BaseFee: 200})
	var serr *domain.SubmissionError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if !serr.HasOperationCode("op_too_few_offers") {
		t.Fatalf("result codes got=%v", serr.ResultCodes)
	}
	if serr.Transient() {
		t.Fatalf("ERROR status must not be transient")
	}
	// The signed envelope is still returned for diagnostics.
	if signed == nil {
		t.Fatalf("signed envelope missing on rejection")
	}
}

func TestBuildAndSubmitMissingStatus(t *testing.T) {
	gw := &fakeGateway{
		getAccount: accountAtSequence(100),
		submitAsync: func(ctx context.Context, blob string) (*types.SubmitResponse, error) {
			return &types.SubmitResponse{}, nil
		},
	}

	_, _, err := newTestOrchestrator(gw).BuildAndSubmit(context.Background(), "alice", testOps(), SubmitOptions{BaseFee: 200})
	var serr *domain.SubmissionError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
}

func TestWaitForConfirmationEventualSuccess(t *testing.T) {
	polls := 0
	gw := &fakeGateway{
		getTransaction: func(ctx context.Context, hash string) (*types.Transaction, error) {
			polls++
			if polls < 3 {
				return nil, errors.Wrap(types.ErrNotFound, "transaction missing")
			}
			return &types.Transaction{Hash: hash, Successful: true}, nil
		},
	}

	tx, err := newTestOrchestrator(gw).WaitForConfirmation(context.Background(), "abc")
	if err != nil {
		t.Fatalf("WaitForConfirmation error: %v", err)
	}
	if !tx.Successful || polls != 3 {
		t.Fatalf("successful=%v polls=%d", tx.Successful, polls)
	}
}

func TestWaitForConfirmationFailedTransaction(t *testing.T) {
	gw := &fakeGateway{
		getTransaction: func(ctx context.Context, hash string) (*types.Transaction, error) {
			tx := &types.Transaction{Hash: hash, Successful: false}
			tx.ResultCodes.Transaction = "tx_failed"
			tx.ResultCodes.Operations = []string{"op_underfunded"}
			return tx, nil
		},
	}

	_, err := newTestOrchestrator(gw).WaitForConfirmation(context.Background(), "abc")
	var ferr *domain.TransactionFailedError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected TransactionFailedError, got %v", err)
	}
	if len(ferr.ResultCodes) != 2 || ferr.ResultCodes[1] != "op_underfunded" {
		t.Fatalf("codes got=%v", ferr.ResultCodes)
	}
}

func TestWaitForConfirmationOmitsEmptyTransactionCode(t *testing.T) {
	// Some failures carry only operation codes; the empty transaction
	// code must not leak into the error.
	gw := &fakeGateway{
		getTransaction: func(ctx context.Context, hash string) (*types.Transaction, error) {
			tx := &types.Transaction{Hash: hash, Successful: false}
			tx.ResultCodes.Operations = []string{"op_too_few_offers"}
			return tx, nil
		},
	}

	_, err := newTestOrchestrator(gw).WaitForConfirmation(context.Background(), "abc")
	var ferr *domain.TransactionFailedError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected TransactionFailedError, got %v", err)
	}
	if len(ferr.ResultCodes) != 1 || ferr.ResultCodes[0] != "op_too_few_offers" {
		t.Fatalf("codes got=%v", ferr.ResultCodes)
	}
}

func TestWaitForConfirmationTimeout(t *testing.T) {
	polls := 0
	gw := &fakeGateway{
		getTransaction: func(ctx context.Context, hash string) (*types.Transaction, error) {
			polls++
			return nil, errors.Wrap(types.ErrNotFound, "transaction missing")
		},
	}

	o := newTestOrchestrator(gw)
	o.ConfirmAttempts = 5
	_, err := o.WaitForConfirmation(context.Background(), "abc")
	if !errors.Is(err, domain.ErrConfirmationTimeout) {
		t.Fatalf("expected ErrConfirmationTimeout, got %v", err)
	}
	if polls != 5 {
		t.Fatalf("polls got=%d want=5", polls)
	}
}

func TestSubmitWithRetryTransient(t *testing.T) {
	gw := &fakeGateway{
		getAccount: accountAtSequence(100),
	}
	gw.submitAsync = func(ctx context.Context, blob string) (*types.SubmitResponse, error) {
		if gw.submits < 3 {
			return &types.SubmitResponse{TxStatus: domain.TryAgainLater}, nil
		}
		return &types.SubmitResponse{TxStatus: "PENDING", Hash: "abc"}, nil
	}

	o := newTestOrchestrator(gw)
	resp, _, err := o.SubmitWithRetry(context.Background(), "alice", testOps(), SubmitOptions{BaseFee: 200},
		RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("SubmitWithRetry error: %v", err)
	}
	if resp.Hash != "abc" || gw.submits != 3 {
		t.Fatalf("hash=%q submits=%d", resp.Hash, gw.submits)
	}
}

func TestSubmitWithRetryStopsOnRejection(t *testing.T) {
	gw := &fakeGateway{
		getAccount: accountAtSequence(100),
	}
	gw.submitAsync = func(ctx context.Context, blob string) (*types.SubmitResponse, error) {
		return &types.SubmitResponse{TxStatus: "ERROR", Title: "Transaction Failed"}, nil
	}

	o := newTestOrchestrator(gw)
	_, _, err := o.SubmitWithRetry(context.Background(), "alice", testOps(), SubmitOptions{BaseFee: 200},
		RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond})
	var serr *domain.SubmissionError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if gw.submits != 1 {
		t.Fatalf("submits got=%d want=1", gw.submits)
	}
}

func TestSubmitWithRetryExhausted(t *testing.T) {
	gw := &fakeGateway{
		getAccount: accountAtSequence(100),
	}
	gw.submitAsync = func(ctx context.Context, blob string) (*types.SubmitResponse, error) {
		return &types.SubmitResponse{TxStatus: domain.TryAgainLater}, nil
	}

	o := newTestOrchestrator(gw)
	_, _, err := o.SubmitWithRetry(context.Background(), "alice", testOps(), SubmitOptions{BaseFee: 200},
		RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond})
	var serr *domain.SubmissionError
	if !errors.As(err, &serr) || !serr.Transient() {
		t.Fatalf("expected transient SubmissionError, got %v", err)
	}
	if gw.submits != 3 {
		t.Fatalf("submits got=%d want=3", gw.submits)
	}
}
