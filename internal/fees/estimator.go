// Package fees derives network and service fees from recent ledger
// congestion and path-derived native valuations.
package fees

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/starfolk/gostellar/horizon/types"
	"github.com/starfolk/gostellar/internal/domain"
	"github.com/starfolk/gostellar/internal/ports"
)

var log = logrus.WithField("component", "fees")

const (
	// FallbackFee is used when the latest ledger is empty or the fee
	// query fails: a deliberately generous 10,000 stroops.
	FallbackFee int64 = 10_000

	// MinFeePerOp is the floor bid per operation, in stroops.
	MinFeePerOp int64 = 200
)

// serviceFeeRate is the proportional service fee: 1% of native value.
var serviceFeeRate = decimal.RequireFromString("0.01")

// Estimator computes fee figures against live ledger state.
type Estimator struct {
	gw ports.Gateway
}

func NewEstimator(gw ports.Gateway) *Estimator {
	return &Estimator{gw: gw}
}

// RecommendedFee returns the median of the max fees bid in the most
// recently closed ledger. An empty ledger or a failed query yields
// FallbackFee rather than an error: fee estimation must not block a
// trade.
func (e *Estimator) RecommendedFee(ctx context.Context) int64 {
	ledger, err := e.gw.LatestLedger(ctx)
	if err != nil {
		log.Warnf("latest ledger query failed, using fallback fee: %v", err)
		return FallbackFee
	}
	txs, err := e.gw.LedgerTransactions(ctx, ledger.Sequence)
	if err != nil {
		log.Warnf("ledger %d transactions query failed, using fallback fee: %v", ledger.Sequence, err)
		return FallbackFee
	}
	if len(txs) == 0 {
		return FallbackFee
	}

	fees := make([]int64, 0, len(txs))
	for _, tx := range txs {
		fees = append(fees, tx.MaxFee)
	}
	sort.Slice(fees, func(i, j int) bool { return fees[i] < fees[j] })

	mid := len(fees) / 2
	if len(fees)%2 == 0 {
		return (fees[mid] + fees[mid-1]) / 2
	}
	return fees[mid]
}

// BaseFee returns the per-operation fee bid for a transaction of
// opCount operations: the recommended fee, floored at MinFeePerOp per
// operation.
func (e *Estimator) BaseFee(ctx context.Context, opCount int) int64 {
	recommended := e.RecommendedFee(ctx)
	floor := MinFeePerOp * int64(opCount)
	if recommended < floor {
		return floor
	}
	return recommended
}

// NativeValue estimates the native-asset equivalent of amount via a
// single strict-send path to native. A missing path values the position
// at zero: it cannot be converted, so it carries no chargeable value.
func (e *Estimator) NativeValue(ctx context.Context, asset types.Asset, amount decimal.Decimal) decimal.Decimal {
	if asset.IsNative() {
		return amount
	}
	paths, err := e.gw.StrictSendPaths(ctx, asset, types.RoundAmount(amount), []types.Asset{types.NativeAsset()}, 1)
	if err != nil {
		log.Warnf("native valuation of %s %s failed: %v", amount, asset, err)
		return decimal.Zero
	}
	if len(paths) == 0 {
		log.Warnf("no conversion path from %s to native, valuing at zero", asset)
		return decimal.Zero
	}
	return paths[0].DestinationAmount
}

// ServiceFee is the proportional service charge on a trade: 1% of the
// native-equivalent value, in native units at ledger precision.
func (e *Estimator) ServiceFee(ctx context.Context, asset types.Asset, amount decimal.Decimal) decimal.Decimal {
	return types.RoundAmount(e.NativeValue(ctx, asset, amount).Mul(serviceFeeRate))
}

// StroopsToNative converts a stroop fee figure to native units.
func StroopsToNative(stroops int64) decimal.Decimal {
	return decimal.New(stroops, -types.AmountPrecision)
}

// CheckAffordable verifies the account's available native balance covers
// required, re-fetching the account so the check never runs against a
// stale snapshot.
func (e *Estimator) CheckAffordable(ctx context.Context, address string, required decimal.Decimal) error {
	acc, err := e.gw.GetAccount(ctx, address)
	if err != nil {
		return errors.Wrap(err, "load account for affordability check")
	}
	available := acc.AvailableNative()
	if available.LessThan(required) {
		return errors.Wrapf(domain.ErrInsufficientBalance,
			"required %s XLM, available %s XLM", required, available)
	}
	return nil
}
