package domain

import (
	"github.com/shopspring/decimal"

	"github.com/starfolk/gostellar/horizon/types"
)

// TradeAction is what the user asked for.
type TradeAction string

const (
	ActionBuy  TradeAction = "buy"
	ActionSell TradeAction = "sell"
)

// DefaultSlippage is the tolerated fractional deviation between the
// quoted and the worst-acceptable exchange outcome. Doubled for routes
// with one or more intermediate hops.
var DefaultSlippage = decimal.RequireFromString("0.05")

// TradeIntent is a user's buy/sell request against the native asset.
type TradeIntent struct {
	Action   TradeAction
	Asset    types.Asset
	Amount   decimal.Decimal
	Slippage decimal.Decimal // zero means DefaultSlippage
}

// EffectiveSlippage resolves the intent's slippage, doubling it when the
// selected route has intermediate hops.
func (t TradeIntent) EffectiveSlippage(hops int) decimal.Decimal {
	s := t.Slippage
	if s.IsZero() {
		s = DefaultSlippage
	}
	if hops > 0 {
		s = s.Add(s)
	}
	return s
}

// TradeResult reports the executed amounts of a buy or sell.
type TradeResult struct {
	Hash       string
	Spent      decimal.Decimal
	Received   decimal.Decimal
	ServiceFee decimal.Decimal
}

// CopyTradeConfig is the follower's per-counterpart replication setting.
// FixedAmount, when set, takes precedence over Multiplier.
type CopyTradeConfig struct {
	Multiplier  decimal.Decimal
	FixedAmount *decimal.Decimal
	Slippage    decimal.Decimal
}

// ObservedKind is the closed set of counterpart operation kinds the
// replicator understands. Anything else is skipped, not errored.
type ObservedKind int

const (
	ObservedUnsupported ObservedKind = iota
	ObservedStrictSend
	ObservedStrictReceive
)

// ObservedOperation is a counterpart operation reduced to the fields
// replication needs. Amount semantics depend on Kind: for strict-send,
// SendAmount/DestMin are the fixed input and the floor; for
// strict-receive, SendMax/DestAmount are the ceiling and the fixed
// output.
type ObservedOperation struct {
	Kind          ObservedKind
	SourceAccount string
	SendAsset     types.Asset
	DestAsset     types.Asset
	SendAmount    decimal.Decimal
	DestMin       decimal.Decimal
	SendMax       decimal.Decimal
	DestAmount    decimal.Decimal
	Path          []types.Asset
}

// ClassifyOperation maps a Horizon operation record onto the closed
// observed-operation variant.
func ClassifyOperation(op types.OperationRecord, txSource string) (ObservedOperation, error) {
	source := op.SourceAccount
	if source == "" {
		source = txSource
	}

	kind := ObservedUnsupported
	switch op.Type {
	case "path_payment_strict_send":
		kind = ObservedStrictSend
	case "path_payment_strict_receive":
		kind = ObservedStrictReceive
	}
	if kind == ObservedUnsupported {
		return ObservedOperation{Kind: ObservedUnsupported, SourceAccount: source}, nil
	}

	sendAsset, err := types.ParseAssetRecord(op.SourceAssetType, op.SourceAssetCode, op.SourceAssetIssuer)
	if err != nil {
		return ObservedOperation{}, err
	}
	destAsset, err := types.ParseAssetRecord(op.AssetType, op.AssetCode, op.AssetIssuer)
	if err != nil {
		return ObservedOperation{}, err
	}
	path := make([]types.Asset, 0, len(op.Path))
	for _, h := range op.Path {
		a, err := types.ParseAssetRecord(h.AssetType, h.AssetCode, h.AssetIssuer)
		if err != nil {
			return ObservedOperation{}, err
		}
		path = append(path, a)
	}

	obs := ObservedOperation{
		Kind:          kind,
		SourceAccount: source,
		SendAsset:     sendAsset,
		DestAsset:     destAsset,
		Path:          path,
	}
	switch kind {
	case ObservedStrictSend:
		obs.SendAmount = op.SourceAmount
		obs.DestMin = op.DestinationMin
		obs.DestAmount = op.Amount // realized receipt
	case ObservedStrictReceive:
		obs.SendMax = op.SourceMax
		obs.DestAmount = op.Amount
	}
	return obs, nil
}

// ReplicationReport summarizes a completed copy trade.
type ReplicationReport struct {
	Counterpart    string
	Hash           string
	SendAsset      types.Asset
	DestAsset      types.Asset
	OriginalSent   decimal.Decimal
	OriginalTarget decimal.Decimal
	CopiedSent     decimal.Decimal
	CopiedTarget   decimal.Decimal
	Received       decimal.Decimal
	NetworkFee     decimal.Decimal
	ServiceFee     decimal.Decimal
}

// TotalFee is the network plus service fee in native units.
func (r ReplicationReport) TotalFee() decimal.Decimal {
	return r.NetworkFee.Add(r.ServiceFee)
}
