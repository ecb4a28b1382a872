// Package trade implements user-facing asset exchange: buy and sell
// against the native asset, withdrawals and trust line management. Each
// operation validates its preconditions against freshly fetched ledger
// state, routes through the path router, and is confirmed before it
// returns.
package trade

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/starfolk/gostellar/horizon/types"
	"github.com/starfolk/gostellar/internal/domain"
	"github.com/starfolk/gostellar/internal/fees"
	"github.com/starfolk/gostellar/internal/orchestrator"
	"github.com/starfolk/gostellar/internal/ports"
	"github.com/starfolk/gostellar/internal/router"
	"github.com/starfolk/gostellar/internal/txassembly"
)

var log = logrus.WithField("component", "trade")

var one = decimal.NewFromInt(1)

// trustlineHeadroom is the native balance a new trust line must leave
// room for (one subentry reserve) on top of the network fee.
var trustlineHeadroom = decimal.RequireFromString("0.5")

// Executor runs trades for identities resolved through the key resolver
// and signed across the boundary.
type Executor struct {
	gw        ports.Gateway
	router    *router.Router
	estimator *fees.Estimator
	orch      *orchestrator.Orchestrator
	keys      ports.KeyResolver
	feeWallet string
}

func NewExecutor(gw ports.Gateway, rt *router.Router, est *fees.Estimator, orch *orchestrator.Orchestrator, keys ports.KeyResolver, feeWallet string) *Executor {
	return &Executor{
		gw:        gw,
		router:    rt,
		estimator: est,
		orch:      orch,
		keys:      keys,
		feeWallet: feeWallet,
	}
}

func validateCreditAsset(asset types.Asset) error {
	if asset.IsNative() {
		return domain.Validationf("expected a credit asset, got native")
	}
	if asset.Code == "" || !types.ValidAddress(asset.Issuer) {
		return domain.Validationf("invalid asset %s: bad code or issuer", asset)
	}
	return nil
}

// Buy acquires intent.Amount of intent.Asset paid in native currency.
//
// The primary strategy fixes the output (strict receive, bounded by
// sendMax); when the ledger rejects it with an offer-shortage or
// over-send-max code, meaning the order book drifted between the path
// query and submission, a single fallback fixes the input instead,
// spending the same sendMax for at least the ratio-derived minimum.
func (e *Executor) Buy(ctx context.Context, identity string, intent domain.TradeIntent) (*domain.TradeResult, error) {
	if err := validateCreditAsset(intent.Asset); err != nil {
		return nil, err
	}
	if !intent.Amount.IsPositive() {
		return nil, domain.Validationf("buy amount must be positive, got %s", intent.Amount)
	}

	address, err := e.keys.PublicKey(ctx, identity)
	if err != nil {
		return nil, errors.Wrap(err, "resolve public key")
	}
	account, err := e.gw.GetAccount(ctx, address)
	if err != nil {
		return nil, errors.Wrap(err, "load account")
	}
	account, err = e.ensureTrustline(ctx, identity, address, account, intent.Asset)
	if err != nil {
		return nil, err
	}

	native := types.NativeAsset()
	route, err := e.router.FindBuyRoute(ctx, native, intent.Asset, intent.Amount)
	if err != nil {
		return nil, err
	}
	slippage := intent.EffectiveSlippage(route.HopCount())

	sendMax := types.RoundAmount(route.SourceAmount.Mul(one.Add(slippage)))
	if sendMax.LessThan(types.OneStroop) {
		sendMax = types.OneStroop
	}
	serviceFee := e.estimator.ServiceFee(ctx, native, sendMax)
	if err := e.estimator.CheckAffordable(ctx, address, sendMax.Add(serviceFee)); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"asset":    intent.Asset.Label(),
		"amount":   intent.Amount,
		"send_max": sendMax,
		"slippage": slippage,
		"hops":     route.HopCount(),
	}).Info("executing buy")

	strategies := []buyStrategy{
		e.strictReceiveBuy(address, intent, route, sendMax, serviceFee),
		e.strictSendBuy(address, intent, route, sendMax, slippage, serviceFee),
	}

	var lastErr error
	for i, strategy := range strategies {
		result, err := strategy(ctx, identity)
		if err == nil {
			result.ServiceFee = serviceFee
			return result, nil
		}
		lastErr = err
		// Only an offer-shortage / over-send-max rejection of the
		// primary strategy arms the fallback.
		if i == 0 && bookDrift(err) {
			log.Warnf("strict receive buy rejected (%v), falling back to strict send", err)
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

type buyStrategy func(ctx context.Context, identity string) (*domain.TradeResult, error)

// serviceFeeOps appends the fee payment unless the position valued at
// zero. Zero-amount payments are invalid on the ledger.
func (e *Executor) serviceFeeOps(ops []txassembly.Operation, asset types.Asset, fee decimal.Decimal) []txassembly.Operation {
	if !fee.IsPositive() {
		return ops
	}
	return append(ops, txassembly.Payment{Destination: e.feeWallet, Asset: asset, Amount: fee})
}

func (e *Executor) strictReceiveBuy(address string, intent domain.TradeIntent, route *router.Route, sendMax, serviceFee decimal.Decimal) buyStrategy {
	return func(ctx context.Context, identity string) (*domain.TradeResult, error) {
		ops := []txassembly.Operation{
			txassembly.PathPaymentStrictReceive{
				Destination: address,
				SendAsset:   types.NativeAsset(),
				SendMax:     sendMax,
				DestAsset:   intent.Asset,
				DestAmount:  types.RoundAmount(intent.Amount),
				Path:        route.Hops,
			},
		}
		ops = e.serviceFeeOps(ops, types.NativeAsset(), serviceFee)
		resp, _, err := e.orch.BuildAndSubmit(ctx, identity, ops, orchestrator.SubmitOptions{
			Memo: "Buy " + intent.Asset.Label(),
		})
		if err != nil {
			return nil, err
		}
		if _, err := e.orch.WaitForConfirmation(ctx, resp.Hash); err != nil {
			return nil, err
		}
		received := e.realizedCredit(ctx, resp.Hash, address, intent.Asset, intent.Amount)
		return &domain.TradeResult{Hash: resp.Hash, Spent: route.SourceAmount, Received: received}, nil
	}
}

func (e *Executor) strictSendBuy(address string, intent domain.TradeIntent, route *router.Route, sendMax, slippage, serviceFee decimal.Decimal) buyStrategy {
	return func(ctx context.Context, identity string) (*domain.TradeResult, error) {
		// Spend the original ceiling as a fixed input; the floor comes
		// from the quoted exchange ratio less slippage.
		expected := sendMax.Mul(route.DestinationAmount).Div(route.SourceAmount)
		destMin := types.RoundAmount(expected.Mul(one.Sub(slippage)))
		if destMin.LessThan(types.OneStroop) {
			destMin = types.OneStroop
		}
		ops := []txassembly.Operation{
			txassembly.PathPaymentStrictSend{
				Destination: address,
				SendAsset:   types.NativeAsset(),
				SendAmount:  sendMax,
				DestAsset:   intent.Asset,
				DestMin:     destMin,
				Path:        route.Hops,
			},
		}
		ops = e.serviceFeeOps(ops, types.NativeAsset(), serviceFee)
		resp, _, err := e.orch.BuildAndSubmit(ctx, identity, ops, orchestrator.SubmitOptions{
			Memo: "Buy " + intent.Asset.Label() + " (SS)",
		})
		if err != nil {
			return nil, err
		}
		if _, err := e.orch.WaitForConfirmation(ctx, resp.Hash); err != nil {
			return nil, err
		}
		received := e.realizedCredit(ctx, resp.Hash, address, intent.Asset, destMin)
		return &domain.TradeResult{Hash: resp.Hash, Spent: sendMax, Received: received}, nil
	}
}

// bookDrift reports whether err is a ledger rejection caused by order
// book movement between the path query and submission. Classification
// reads structured result codes only.
func bookDrift(err error) bool {
	codes := []string{"op_too_few_offers", "op_over_source_max"}
	var submission *domain.SubmissionError
	if errors.As(err, &submission) {
		for _, c := range codes {
			if submission.HasOperationCode(c) {
				return true
			}
		}
	}
	var failed *domain.TransactionFailedError
	if errors.As(err, &failed) {
		for _, have := range failed.ResultCodes {
			for _, c := range codes {
				if have == c {
					return true
				}
			}
		}
	}
	return false
}

// Sell converts intent.Amount of intent.Asset into native currency,
// clamped to the held balance. No fallback: a fixed-input payment that
// clears the floor either executes or fails deterministically.
func (e *Executor) Sell(ctx context.Context, identity string, intent domain.TradeIntent) (*domain.TradeResult, error) {
	if err := validateCreditAsset(intent.Asset); err != nil {
		return nil, err
	}

	address, err := e.keys.PublicKey(ctx, identity)
	if err != nil {
		return nil, errors.Wrap(err, "resolve public key")
	}
	account, err := e.gw.GetAccount(ctx, address)
	if err != nil {
		return nil, errors.Wrap(err, "load account")
	}

	held := decimal.Zero
	if bal, ok := account.BalanceFor(intent.Asset); ok {
		held = bal.Balance
	}
	sendAmount := decimal.Min(intent.Amount, held)
	if !sendAmount.IsPositive() {
		return nil, errors.Wrapf(domain.ErrNoFunds, "no %s available to sell", intent.Asset.Label())
	}
	sendAmount = types.RoundAmount(sendAmount)

	serviceFee := e.estimator.ServiceFee(ctx, intent.Asset, sendAmount)
	if err := e.estimator.CheckAffordable(ctx, address, serviceFee); err != nil {
		return nil, err
	}

	native := types.NativeAsset()
	route, err := e.router.FindSellRoute(ctx, intent.Asset, native, sendAmount)
	if err != nil {
		return nil, err
	}
	slippage := intent.EffectiveSlippage(route.HopCount())
	destMin := types.RoundAmount(route.DestinationAmount.Mul(one.Sub(slippage)))
	if destMin.LessThan(types.OneStroop) {
		destMin = types.OneStroop
	}

	log.WithFields(logrus.Fields{
		"asset":       intent.Asset.Label(),
		"send_amount": sendAmount,
		"dest_min":    destMin,
		"slippage":    slippage,
		"hops":        route.HopCount(),
	}).Info("executing sell")

	ops := []txassembly.Operation{
		txassembly.PathPaymentStrictSend{
			Destination: address,
			SendAsset:   intent.Asset,
			SendAmount:  sendAmount,
			DestAsset:   native,
			DestMin:     destMin,
			Path:        route.Hops,
		},
	}
	ops = e.serviceFeeOps(ops, native, serviceFee)
	resp, _, err := e.orch.BuildAndSubmit(ctx, identity, ops, orchestrator.SubmitOptions{
		Memo: "Sell " + intent.Asset.Label(),
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.orch.WaitForConfirmation(ctx, resp.Hash); err != nil {
		return nil, err
	}
	received := e.realizedCredit(ctx, resp.Hash, address, native, route.DestinationAmount)
	return &domain.TradeResult{
		Hash:       resp.Hash,
		Spent:      sendAmount,
		Received:   received,
		ServiceFee: serviceFee,
	}, nil
}

// Withdraw sends amount of asset to an external destination address.
// Native withdrawals are capped at balance minus reserve minus the
// network fee; credit withdrawals additionally need native headroom for
// the fee.
func (e *Executor) Withdraw(ctx context.Context, identity string, asset types.Asset, amount decimal.Decimal, destination string) (*domain.TradeResult, error) {
	if !types.ValidAddress(destination) {
		return nil, domain.Validationf("invalid destination address %q", destination)
	}
	if !amount.IsPositive() {
		return nil, domain.Validationf("withdraw amount must be positive, got %s", amount)
	}

	address, err := e.keys.PublicKey(ctx, identity)
	if err != nil {
		return nil, errors.Wrap(err, "resolve public key")
	}
	account, err := e.gw.GetAccount(ctx, address)
	if err != nil {
		return nil, errors.Wrap(err, "load account")
	}

	networkFee := fees.StroopsToNative(e.estimator.RecommendedFee(ctx))
	if asset.IsNative() {
		bal, _ := account.BalanceFor(asset)
		maxWithdrawable := bal.Balance.Sub(account.MinimumReserve()).Sub(networkFee)
		if amount.GreaterThan(maxWithdrawable) {
			return nil, errors.Wrapf(domain.ErrInsufficientBalance,
				"maximum withdrawable is %s XLM", maxWithdrawable)
		}
	} else {
		bal, ok := account.BalanceFor(asset)
		if !ok || amount.GreaterThan(bal.Balance) {
			return nil, errors.Wrapf(domain.ErrInsufficientBalance,
				"insufficient %s balance", asset.Label())
		}
		if account.AvailableNative().LessThan(networkFee) {
			return nil, errors.Wrap(domain.ErrInsufficientBalance, "insufficient XLM for network fee")
		}
	}

	ops := []txassembly.Operation{
		txassembly.Payment{Destination: destination, Asset: asset, Amount: types.RoundAmount(amount)},
	}
	resp, _, err := e.orch.BuildAndSubmit(ctx, identity, ops, orchestrator.SubmitOptions{Memo: "Withdrawal"})
	if err != nil {
		return nil, err
	}
	if _, err := e.orch.WaitForConfirmation(ctx, resp.Hash); err != nil {
		return nil, err
	}
	return &domain.TradeResult{Hash: resp.Hash, Spent: amount}, nil
}

// AddTrust opens a trust line for asset.
func (e *Executor) AddTrust(ctx context.Context, identity string, asset types.Asset) (*domain.TradeResult, error) {
	if err := validateCreditAsset(asset); err != nil {
		return nil, err
	}
	address, err := e.keys.PublicKey(ctx, identity)
	if err != nil {
		return nil, errors.Wrap(err, "resolve public key")
	}
	account, err := e.gw.GetAccount(ctx, address)
	if err != nil {
		return nil, errors.Wrap(err, "load account")
	}
	if account.HasTrustline(asset) {
		return nil, domain.Validationf("trustline already exists for %s", asset)
	}
	networkFee := fees.StroopsToNative(e.estimator.RecommendedFee(ctx))
	if account.AvailableNative().LessThan(networkFee.Add(trustlineHeadroom)) {
		return nil, errors.Wrap(domain.ErrInsufficientBalance, "insufficient XLM for trustline reserve")
	}

	ops := []txassembly.Operation{txassembly.ChangeTrust{Asset: asset, Limit: txassembly.TrustLimit}}
	resp, _, err := e.orch.BuildAndSubmit(ctx, identity, ops, orchestrator.SubmitOptions{
		Memo: "Add Trust " + asset.Label(),
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.orch.WaitForConfirmation(ctx, resp.Hash); err != nil {
		return nil, err
	}
	return &domain.TradeResult{Hash: resp.Hash}, nil
}

// RemoveTrust closes the trust line for asset; the held balance must be
// zero.
func (e *Executor) RemoveTrust(ctx context.Context, identity string, asset types.Asset) (*domain.TradeResult, error) {
	if err := validateCreditAsset(asset); err != nil {
		return nil, err
	}
	address, err := e.keys.PublicKey(ctx, identity)
	if err != nil {
		return nil, errors.Wrap(err, "resolve public key")
	}
	account, err := e.gw.GetAccount(ctx, address)
	if err != nil {
		return nil, errors.Wrap(err, "load account")
	}
	bal, ok := account.BalanceFor(asset)
	if !ok {
		return nil, domain.Validationf("no trustline exists for %s", asset)
	}
	if bal.Balance.IsPositive() {
		return nil, domain.Validationf("cannot remove trustline: %s %s remaining", bal.Balance, asset.Label())
	}
	networkFee := fees.StroopsToNative(e.estimator.RecommendedFee(ctx))
	if account.AvailableNative().LessThan(networkFee) {
		return nil, errors.Wrap(domain.ErrInsufficientBalance, "insufficient XLM for network fee")
	}

	ops := []txassembly.Operation{txassembly.ChangeTrust{Asset: asset, Limit: decimal.Zero}}
	resp, _, err := e.orch.BuildAndSubmit(ctx, identity, ops, orchestrator.SubmitOptions{
		Memo: "Remove Trust " + asset.Label(),
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.orch.WaitForConfirmation(ctx, resp.Hash); err != nil {
		return nil, err
	}
	return &domain.TradeResult{Hash: resp.Hash}, nil
}

// ensureTrustline opens a trust line for asset if the account lacks
// one, confirming before continuing, and returns a refreshed snapshot.
func (e *Executor) ensureTrustline(ctx context.Context, identity, address string, account *types.Account, asset types.Asset) (*types.Account, error) {
	if account.HasTrustline(asset) {
		return account, nil
	}
	log.WithField("asset", asset.Label()).Info("adding missing trustline")
	ops := []txassembly.Operation{txassembly.ChangeTrust{Asset: asset, Limit: txassembly.TrustLimit}}
	resp, _, err := e.orch.BuildAndSubmit(ctx, identity, ops, orchestrator.SubmitOptions{Memo: "Add Trustline"})
	if err != nil {
		return nil, errors.Wrap(err, "add trustline")
	}
	if _, err := e.orch.WaitForConfirmation(ctx, resp.Hash); err != nil {
		return nil, errors.Wrap(err, "confirm trustline")
	}
	refreshed, err := e.gw.GetAccount(ctx, address)
	if err != nil {
		return nil, errors.Wrap(err, "reload account after trustline")
	}
	return refreshed, nil
}

// realizedCredit reads the credited amount for (address, asset) from
// the transaction's effects, falling back to the expected amount when
// the effects are unavailable.
func (e *Executor) realizedCredit(ctx context.Context, hash, address string, asset types.Asset, fallback decimal.Decimal) decimal.Decimal {
	effects, err := e.gw.TransactionEffects(ctx, hash)
	if err != nil {
		log.Warnf("effects query for %s failed: %v", hash, err)
		return fallback
	}
	for _, eff := range effects {
		if eff.Type != "account_credited" || eff.Account != address {
			continue
		}
		effAsset, err := types.ParseAssetRecord(eff.AssetType, eff.AssetCode, eff.AssetIssuer)
		if err != nil {
			continue
		}
		if effAsset == asset {
			return eff.Amount
		}
	}
	return fallback
}
