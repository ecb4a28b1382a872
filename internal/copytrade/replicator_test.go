package copytrade

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/starfolk/gostellar/horizon/types"
	"github.com/starfolk/gostellar/internal/domain"
	"github.com/starfolk/gostellar/internal/fees"
	"github.com/starfolk/gostellar/internal/orchestrator"
	"github.com/starfolk/gostellar/internal/ports"
)

const (
	issuer          = "GDUKMGUGDZQK6YHYA5Z6AY2G4XDSZPSZ3SW5UN3ARVMO6QSRDWP5YLEX"
	followerAddress = "GBVFTZL5HIPT4PFQVTZVIWR77V7LWYCXU4CLYWWHHOEXB64XPG5LDMTU"
	counterpart     = "GCKFBEIYTKP74Q7JKLXAFRPW5FUCPB5VSMDZF5PPAIXCTUMOEOY2JFVZ"
	feeWallet       = "GAOQJGUAB7NI7K7I62ORBXMN3J4SSWQUQ7FOEPSDJ322W2HMCNWPHXFB"
)

var usdc = types.NewAsset("USDC", issuer)

type fakeGateway struct {
	ports.Gateway
	account     *types.Account
	transaction *types.Transaction
	operations  []types.OperationRecord
	valuation   []types.PathRecord
	submitted   []string
}

func (f *fakeGateway) GetAccount(ctx context.Context, address string) (*types.Account, error) {
	return f.account, nil
}

func (f *fakeGateway) LatestLedger(ctx context.Context) (*types.Ledger, error) {
	return nil, errors.New("ledger stats unavailable")
}

func (f *fakeGateway) GetTransaction(ctx context.Context, hash string) (*types.Transaction, error) {
	if f.transaction != nil && f.transaction.Hash == hash {
		return f.transaction, nil
	}
	// Replicated transactions confirm immediately.
	return &types.Transaction{Hash: hash, Successful: true}, nil
}

func (f *fakeGateway) TransactionOperations(ctx context.Context, hash string) ([]types.OperationRecord, error) {
	return f.operations, nil
}

func (f *fakeGateway) TransactionEffects(ctx context.Context, hash string) ([]types.EffectRecord, error) {
	return nil, nil
}

func (f *fakeGateway) StrictSendPaths(ctx context.Context, source types.Asset, amount decimal.Decimal, dest []types.Asset, limit int) ([]types.PathRecord, error) {
	return f.valuation, nil
}

func (f *fakeGateway) SubmitAsync(ctx context.Context, blob string) (*types.SubmitResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(blob, "signed:"))
	if err != nil {
		return nil, err
	}
	f.submitted = append(f.submitted, string(raw))
	return &types.SubmitResponse{TxStatus: "PENDING"}, nil
}

type fakeSigner struct{}

func (fakeSigner) Sign(ctx context.Context, identity, unsignedEnvelope string) (string, error) {
	return "signed:" + unsignedEnvelope, nil
}

type fakeKeys struct{}

func (fakeKeys) PublicKey(ctx context.Context, identity string) (string, error) {
	return followerAddress, nil
}

type fakeConfigs struct {
	cfg *domain.CopyTradeConfig
}

func (f fakeConfigs) Config(ctx context.Context, identity, counterpart string) (*domain.CopyTradeConfig, error) {
	return f.cfg, nil
}

type decodedEnvelope struct {
	Memo       string `json:"memo"`
	Operations []struct {
		Type string `json:"type"`
		Body struct {
			Destination string          `json:"destination"`
			Amount      decimal.Decimal `json:"amount"`
			SendMax     decimal.Decimal `json:"send_max"`
			SendAmount  decimal.Decimal `json:"send_amount"`
			DestMin     decimal.Decimal `json:"dest_min"`
			DestAmount  decimal.Decimal `json:"dest_amount"`
		} `json:"body"`
	} `json:"operations"`
}

func decodeSubmitted(t *testing.T, gw *fakeGateway, i int) decodedEnvelope {
	t.Helper()
	if i >= len(gw.submitted) {
		t.Fatalf("submission %d missing, have %d", i, len(gw.submitted))
	}
	var env decodedEnvelope
	if err := json.Unmarshal([]byte(gw.submitted[i]), &env); err != nil {
		t.Fatalf("decode submission %d: %v", i, err)
	}
	return env
}

func newReplicator(gw *fakeGateway, cfg *domain.CopyTradeConfig) *Replicator {
	est := fees.NewEstimator(gw)
	orch := orchestrator.New(gw, fakeSigner{}, fakeKeys{}, est, "Test SDF Network ; September 2015")
	orch.ConfirmInterval = time.Millisecond
	return NewReplicator(gw, est, orch, fakeKeys{}, fakeConfigs{cfg}, feeWallet)
}

func followerAccount(native string, lines ...types.Balance) *types.Account {
	balances := append([]types.Balance{
		{AssetType: "native", Balance: decimal.RequireFromString(native)},
	}, lines...)
	return &types.Account{
		ID:            followerAddress,
		Sequence:      10,
		SubentryCount: int32(len(lines)),
		Balances:      balances,
	}
}

func usdcLine(balance string) types.Balance {
	return types.Balance{
		AssetType:   "credit_alphanum4",
		AssetCode:   "USDC",
		AssetIssuer: issuer,
		Balance:     decimal.RequireFromString(balance),
	}
}

// strictSendRecord is a counterpart op spending sent XLM for received USDC.
func strictSendRecord(source, sent, received string) types.OperationRecord {
	return types.OperationRecord{
		Type:            "path_payment_strict_send",
		SourceAccount:   source,
		SourceAssetType: "native",
		SourceAmount:    decimal.RequireFromString(sent),
		AssetType:       "credit_alphanum4",
		AssetCode:       "USDC",
		AssetIssuer:     issuer,
		Amount:          decimal.RequireFromString(received),
		DestinationMin:  decimal.RequireFromString(received),
	}
}

func TestReplicateStrictSendMultiplier(t *testing.T) {
	gw := &fakeGateway{
		account:     followerAccount("200", usdcLine("0")),
		transaction: &types.Transaction{Hash: "orig", SourceAccount: counterpart, Successful: true},
		operations:  []types.OperationRecord{strictSendRecord(counterpart, "100", "50")},
	}
	cfg := &domain.CopyTradeConfig{Multiplier: decimal.RequireFromString("0.5")}

	reports, err := newReplicator(gw, cfg).ProcessTransaction(context.Background(), "alice", counterpart, "orig")
	if err != nil {
		t.Fatalf("ProcessTransaction error: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("reports got=%d want=1", len(reports))
	}

	r := reports[0]
	if r.OriginalSent.String() != "100" || r.CopiedSent.String() != "50" {
		t.Fatalf("sent original=%s copied=%s", r.OriginalSent, r.CopiedSent)
	}
	// proportional target = 50 * 50/100 = 25; floor = 25 * 0.95
	if r.CopiedTarget.String() != "23.75" {
		t.Fatalf("copied target got=%s", r.CopiedTarget)
	}

	env := decodeSubmitted(t, gw, 0)
	if env.Memo != "Copy Trade" {
		t.Fatalf("memo got=%q", env.Memo)
	}
	if env.Operations[0].Type != "path_payment_strict_send" {
		t.Fatalf("op type got=%q", env.Operations[0].Type)
	}
	if env.Operations[0].Body.SendAmount.String() != "50" {
		t.Fatalf("send_amount got=%s", env.Operations[0].Body.SendAmount)
	}
	last := env.Operations[len(env.Operations)-1]
	if last.Type != "payment" || last.Body.Destination != feeWallet {
		t.Fatalf("fee payment got type=%q dest=%q", last.Type, last.Body.Destination)
	}
}

func TestReplicateFixedAmountPrecedence(t *testing.T) {
	gw := &fakeGateway{
		account:     followerAccount("200", usdcLine("0")),
		transaction: &types.Transaction{Hash: "orig", SourceAccount: counterpart, Successful: true},
		operations:  []types.OperationRecord{strictSendRecord(counterpart, "100", "50")},
	}
	fixed := decimal.RequireFromString("7")
	cfg := &domain.CopyTradeConfig{Multiplier: decimal.RequireFromString("0.5"), FixedAmount: &fixed}

	reports, err := newReplicator(gw, cfg).ProcessTransaction(context.Background(), "alice", counterpart, "orig")
	if err != nil {
		t.Fatalf("ProcessTransaction error: %v", err)
	}
	if reports[0].CopiedSent.String() != "7" {
		t.Fatalf("copied sent got=%s want=7", reports[0].CopiedSent)
	}
}

func TestReplicateCapsToBalance(t *testing.T) {
	// Available native is 42.5 (45 minus the 2.5 reserve); the scaled
	// spend of 50 is capped and the target rescaled by the same ratio.
	gw := &fakeGateway{
		account:     followerAccount("45", usdcLine("0")),
		transaction: &types.Transaction{Hash: "orig", SourceAccount: counterpart, Successful: true},
		operations:  []types.OperationRecord{strictSendRecord(counterpart, "100", "50")},
	}
	cfg := &domain.CopyTradeConfig{Multiplier: decimal.RequireFromString("0.5")}

	reports, err := newReplicator(gw, cfg).ProcessTransaction(context.Background(), "alice", counterpart, "orig")
	if err != nil {
		t.Fatalf("ProcessTransaction error: %v", err)
	}
	r := reports[0]
	if r.CopiedSent.String() != "42.5" {
		t.Fatalf("copied sent got=%s want=42.5", r.CopiedSent)
	}
	// 23.75 * 42.5/50
	if r.CopiedTarget.String() != "20.1875" {
		t.Fatalf("copied target got=%s", r.CopiedTarget)
	}
}

func TestReplicateNoFunds(t *testing.T) {
	gw := &fakeGateway{
		account: &types.Account{
			ID: followerAddress, Sequence: 10,
			Balances: []types.Balance{{AssetType: "native", Balance: decimal.RequireFromString("2")}},
		},
		transaction: &types.Transaction{Hash: "orig", SourceAccount: counterpart, Successful: true},
		operations:  []types.OperationRecord{strictSendRecord(counterpart, "100", "50")},
	}
	cfg := &domain.CopyTradeConfig{Multiplier: decimal.RequireFromString("0.5")}

	_, err := newReplicator(gw, cfg).ProcessTransaction(context.Background(), "alice", counterpart, "orig")
	if !errors.Is(err, domain.ErrNoFunds) {
		t.Fatalf("expected ErrNoFunds, got %v", err)
	}
}

func TestReplicateStrictReceive(t *testing.T) {
	op := types.OperationRecord{
		Type:            "path_payment_strict_receive",
		SourceAccount:   counterpart,
		SourceAssetType: "native",
		SourceMax:       decimal.RequireFromString("30"),
		AssetType:       "credit_alphanum4",
		AssetCode:       "USDC",
		AssetIssuer:     issuer,
		Amount:          decimal.RequireFromString("60"),
	}
	gw := &fakeGateway{
		account:     followerAccount("200", usdcLine("0")),
		transaction: &types.Transaction{Hash: "orig", SourceAccount: counterpart, Successful: true},
		operations:  []types.OperationRecord{op},
	}
	cfg := &domain.CopyTradeConfig{Multiplier: decimal.RequireFromString("0.5")}

	reports, err := newReplicator(gw, cfg).ProcessTransaction(context.Background(), "alice", counterpart, "orig")
	if err != nil {
		t.Fatalf("ProcessTransaction error: %v", err)
	}
	r := reports[0]
	// Fixed output 30, proportional bound 15 widened by 5%.
	if r.CopiedTarget.String() != "30" {
		t.Fatalf("copied target got=%s want=30", r.CopiedTarget)
	}
	if r.CopiedSent.String() != "15.75" {
		t.Fatalf("copied sent got=%s want=15.75", r.CopiedSent)
	}

	env := decodeSubmitted(t, gw, 0)
	if env.Operations[0].Type != "path_payment_strict_receive" {
		t.Fatalf("op type got=%q", env.Operations[0].Type)
	}
}

func TestReplicateSkipsFeeWhenUnpriceable(t *testing.T) {
	// Counterpart spent USDC and there is no conversion path to value
	// it: no fee is owed, and a zero-amount payment would fail the
	// whole replica.
	gw := &fakeGateway{
		account:     followerAccount("200", usdcLine("60")),
		transaction: &types.Transaction{Hash: "orig", SourceAccount: counterpart, Successful: true},
		operations: []types.OperationRecord{{
			Type:              "path_payment_strict_send",
			SourceAccount:     counterpart,
			SourceAssetType:   "credit_alphanum4",
			SourceAssetCode:   "USDC",
			SourceAssetIssuer: issuer,
			SourceAmount:      decimal.RequireFromString("100"),
			AssetType:         "native",
			Amount:            decimal.RequireFromString("50"),
			DestinationMin:    decimal.RequireFromString("50"),
		}},
	}
	cfg := &domain.CopyTradeConfig{Multiplier: decimal.RequireFromString("0.5")}

	reports, err := newReplicator(gw, cfg).ProcessTransaction(context.Background(), "alice", counterpart, "orig")
	if err != nil {
		t.Fatalf("ProcessTransaction error: %v", err)
	}
	if !reports[0].ServiceFee.IsZero() {
		t.Fatalf("service fee got=%s want=0", reports[0].ServiceFee)
	}
	env := decodeSubmitted(t, gw, 0)
	if len(env.Operations) != 1 {
		t.Fatalf("op count got=%d want=1", len(env.Operations))
	}
	if env.Operations[0].Type != "path_payment_strict_send" {
		t.Fatalf("op type got=%q", env.Operations[0].Type)
	}
}

func TestReplicateSkipsFailedCounterpartTransaction(t *testing.T) {
	// A transaction the ledger recorded as failed moved no funds, so
	// there is nothing to mirror.
	gw := &fakeGateway{
		account:     followerAccount("200", usdcLine("0")),
		transaction: &types.Transaction{Hash: "orig", SourceAccount: counterpart, Successful: false},
		operations:  []types.OperationRecord{strictSendRecord(counterpart, "100", "50")},
	}
	cfg := &domain.CopyTradeConfig{Multiplier: decimal.RequireFromString("0.5")}

	reports, err := newReplicator(gw, cfg).ProcessTransaction(context.Background(), "alice", counterpart, "orig")
	if err != nil {
		t.Fatalf("ProcessTransaction error: %v", err)
	}
	if len(reports) != 0 {
		t.Fatalf("reports got=%d want=0", len(reports))
	}
	if len(gw.submitted) != 0 {
		t.Fatalf("submissions got=%d want=0", len(gw.submitted))
	}
}

func TestReplicateSkipsForeignAndUnsupported(t *testing.T) {
	gw := &fakeGateway{
		account:     followerAccount("200", usdcLine("0")),
		transaction: &types.Transaction{Hash: "orig", SourceAccount: counterpart, Successful: true},
		operations: []types.OperationRecord{
			{Type: "manage_sell_offer", SourceAccount: counterpart},
			strictSendRecord(followerAddress, "100", "50"), // someone else's op
		},
	}
	cfg := &domain.CopyTradeConfig{Multiplier: decimal.RequireFromString("0.5")}

	reports, err := newReplicator(gw, cfg).ProcessTransaction(context.Background(), "alice", counterpart, "orig")
	if err != nil {
		t.Fatalf("ProcessTransaction error: %v", err)
	}
	if len(reports) != 0 {
		t.Fatalf("reports got=%d want=0", len(reports))
	}
	if len(gw.submitted) != 0 {
		t.Fatalf("submissions got=%d want=0", len(gw.submitted))
	}
}

func TestReplicatePrependsTrustlines(t *testing.T) {
	// Follower has no USDC line yet: the replica carries the change
	// trust in the same transaction.
	gw := &fakeGateway{
		account:     followerAccount("200"),
		transaction: &types.Transaction{Hash: "orig", SourceAccount: counterpart, Successful: true},
		operations:  []types.OperationRecord{strictSendRecord(counterpart, "100", "50")},
	}
	cfg := &domain.CopyTradeConfig{Multiplier: decimal.RequireFromString("0.5")}

	if _, err := newReplicator(gw, cfg).ProcessTransaction(context.Background(), "alice", counterpart, "orig"); err != nil {
		t.Fatalf("ProcessTransaction error: %v", err)
	}
	env := decodeSubmitted(t, gw, 0)
	if len(env.Operations) != 3 {
		t.Fatalf("op count got=%d want=3", len(env.Operations))
	}
	if env.Operations[0].Type != "change_trust" {
		t.Fatalf("first op got=%q want=change_trust", env.Operations[0].Type)
	}
}
