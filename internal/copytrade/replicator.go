// Package copytrade mirrors path payments observed on a followed
// account onto a follower's account, scaled by the follower's
// configuration. Each observed operation is replicated with the exact
// same payment kind; there is no fallback strategy.
package copytrade

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
	"github.com/starfolk/gostellar/internal/txassembly"
)

var log = logrus.WithField("component", "copytrade")

var (
	one = decimal.NewFromInt(1)

	// minTargetShare floors the replicated minimum at 75% of the
	// proportional target, so rounding on small amounts cannot produce
	// an unreachable bound.
	minTargetShare = decimal.RequireFromString("0.75")
)

// Replicator watches a counterpart's confirmed transactions and
// re-derives proportional operations for the follower identity.
type Replicator struct {
	gw        ports.Gateway
	estimator *fees.Estimator
	orch      *orchestrator.Orchestrator
	keys      ports.KeyResolver
	configs   ports.CopyConfigSource
	feeWallet string
}

func NewReplicator(gw ports.Gateway, est *fees.Estimator, orch *orchestrator.Orchestrator, keys ports.KeyResolver, configs ports.CopyConfigSource, feeWallet string) *Replicator {
	return &Replicator{
		gw:        gw,
		estimator: est,
		orch:      orch,
		keys:      keys,
		configs:   configs,
		feeWallet: feeWallet,
	}
}

// ProcessTransaction replicates every supported path payment in the
// counterpart's transaction for the given follower identity. Operations
// of other kinds, or sourced from a different account, are skipped.
// Replication stops at the first failure; reports for operations
// already replicated are returned alongside the error.
func (r *Replicator) ProcessTransaction(ctx context.Context, identity, counterpart, txHash string) ([]*domain.ReplicationReport, error) {
	tx, err := r.gw.GetTransaction(ctx, txHash)
	if err != nil {
		return nil, errors.Wrapf(err, "load transaction %s", txHash)
	}
	if !tx.Successful {
		log.WithField("hash", txHash).Info("counterpart transaction failed, nothing to replicate")
		return nil, nil
	}
	records, err := r.gw.TransactionOperations(ctx, txHash)
	if err != nil {
		return nil, errors.Wrapf(err, "load operations for %s", txHash)
	}
	cfg, err := r.configs.Config(ctx, identity, counterpart)
	if err != nil {
		return nil, errors.Wrap(err, "load copy trade config")
	}

	var reports []*domain.ReplicationReport
	for _, record := range records {
		obs, err := domain.ClassifyOperation(record, tx.SourceAccount)
		if err != nil {
			log.Warnf("skipping unparseable operation in %s: %v", txHash, err)
			continue
		}
		if obs.Kind == domain.ObservedUnsupported || obs.SourceAccount != counterpart {
			continue
		}
		report, err := r.replicate(ctx, identity, counterpart, obs, cfg)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// plan is the fully scaled replica of one observed operation: the
// amount the follower will spend or bound, and the matching target.
type plan struct {
	spend  decimal.Decimal // strict send: fixed input; strict receive: sendMax bound
	target decimal.Decimal // strict send: destMin; strict receive: fixed output
}

func (r *Replicator) replicate(ctx context.Context, identity, counterpart string, obs domain.ObservedOperation, cfg *domain.CopyTradeConfig) (*domain.ReplicationReport, error) {
	address, err := r.keys.PublicKey(ctx, identity)
	if err != nil {
		return nil, errors.Wrap(err, "resolve public key")
	}
	account, err := r.gw.GetAccount(ctx, address)
	if err != nil {
		return nil, errors.Wrap(err, "load follower account")
	}

	slippage := cfg.Slippage
	if slippage.IsZero() {
		slippage = domain.DefaultSlippage
	}

	var p plan
	switch obs.Kind {
	case domain.ObservedStrictSend:
		p, err = scaleStrictSend(obs, cfg, slippage)
	case domain.ObservedStrictReceive:
		p, err = scaleStrictReceive(obs, cfg, slippage)
	default:
		return nil, domain.Validationf("unsupported observed kind %d", obs.Kind)
	}
	if err != nil {
		return nil, err
	}
	p, err = capToBalance(account, obs.SendAsset, p)
	if err != nil {
		return nil, err
	}

	serviceFee := r.estimator.ServiceFee(ctx, obs.SendAsset, p.spend)
	required := serviceFee
	if obs.SendAsset.IsNative() {
		required = required.Add(p.spend)
	}
	if err := r.estimator.CheckAffordable(ctx, address, required); err != nil {
		return nil, err
	}

	var ops []txassembly.Operation
	for _, leg := range []types.Asset{obs.SendAsset, obs.DestAsset} {
		if !leg.IsNative() && !account.HasTrustline(leg) {
			ops = append(ops, txassembly.ChangeTrust{Asset: leg, Limit: txassembly.TrustLimit})
		}
	}
	switch obs.Kind {
	case domain.ObservedStrictSend:
		ops = append(ops, txassembly.PathPaymentStrictSend{
			Destination: address,
			SendAsset:   obs.SendAsset,
			SendAmount:  p.spend,
			DestAsset:   obs.DestAsset,
			DestMin:     p.target,
			Path:        obs.Path,
		})
	case domain.ObservedStrictReceive:
		ops = append(ops, txassembly.PathPaymentStrictReceive{
			Destination: address,
			SendAsset:   obs.SendAsset,
			SendMax:     p.spend,
			DestAsset:   obs.DestAsset,
			DestAmount:  p.target,
			Path:        obs.Path,
		})
	}
	// Zero-amount payments are invalid on the ledger; an unpriceable
	// position simply carries no fee.
	if serviceFee.IsPositive() {
		ops = append(ops, txassembly.Payment{Destination: r.feeWallet, Asset: types.NativeAsset(), Amount: serviceFee})
	}

	log.WithFields(logrus.Fields{
		"counterpart": counterpart,
		"send_asset":  obs.SendAsset.Label(),
		"dest_asset":  obs.DestAsset.Label(),
		"spend":       p.spend,
		"target":      p.target,
	}).Info("replicating operation")

	resp, signed, err := r.orch.BuildAndSubmit(ctx, identity, ops, orchestrator.SubmitOptions{Memo: "Copy Trade"})
	if err != nil {
		return nil, err
	}
	if _, err := r.orch.WaitForConfirmation(ctx, resp.Hash); err != nil {
		return nil, err
	}

	report := &domain.ReplicationReport{
		Counterpart:  counterpart,
		Hash:         resp.Hash,
		SendAsset:    obs.SendAsset,
		DestAsset:    obs.DestAsset,
		CopiedSent:   p.spend,
		CopiedTarget: p.target,
		Received:     r.realizedCredit(ctx, resp.Hash, address, obs.DestAsset, p.target),
		NetworkFee:   fees.StroopsToNative(signed.Envelope.TotalFee()),
		ServiceFee:   serviceFee,
	}
	switch obs.Kind {
	case domain.ObservedStrictSend:
		report.OriginalSent = obs.SendAmount
		report.OriginalTarget = obs.DestAmount
	case domain.ObservedStrictReceive:
		report.OriginalSent = obs.SendMax
		report.OriginalTarget = obs.DestAmount
	}
	return report, nil
}

// effectiveAmount applies the follower's scaling: a fixed amount takes
// precedence over the multiplier.
func effectiveAmount(observed decimal.Decimal, cfg *domain.CopyTradeConfig) decimal.Decimal {
	if cfg.FixedAmount != nil {
		return *cfg.FixedAmount
	}
	return observed.Mul(cfg.Multiplier)
}

// scaleStrictSend fixes the follower's input at the scaled counterpart
// send and derives destMin from the counterpart's realized receipt,
// widened by slippage and floored at 75% of the proportional value.
func scaleStrictSend(obs domain.ObservedOperation, cfg *domain.CopyTradeConfig, slippage decimal.Decimal) (plan, error) {
	if !obs.SendAmount.IsPositive() {
		return plan{}, domain.Validationf("observed strict send has non-positive amount %s", obs.SendAmount)
	}
	spend := types.RoundAmount(effectiveAmount(obs.SendAmount, cfg))
	if spend.LessThan(types.OneStroop) {
		spend = types.OneStroop
	}
	proportional := obs.DestAmount.Mul(spend).Div(obs.SendAmount)
	destMin := decimal.Max(
		proportional.Mul(one.Sub(slippage)),
		proportional.Mul(minTargetShare),
	)
	destMin = types.RoundAmount(destMin)
	if destMin.LessThan(types.OneStroop) {
		destMin = types.OneStroop
	}
	return plan{spend: spend, target: destMin}, nil
}

// scaleStrictReceive fixes the follower's output at the scaled
// counterpart receipt and derives sendMax from the counterpart's bound,
// widened by slippage.
func scaleStrictReceive(obs domain.ObservedOperation, cfg *domain.CopyTradeConfig, slippage decimal.Decimal) (plan, error) {
	if !obs.DestAmount.IsPositive() {
		return plan{}, domain.Validationf("observed strict receive has non-positive amount %s", obs.DestAmount)
	}
	target := types.RoundAmount(effectiveAmount(obs.DestAmount, cfg))
	if target.LessThan(types.OneStroop) {
		target = types.OneStroop
	}
	proportional := obs.SendMax.Mul(target).Div(obs.DestAmount)
	sendMax := types.RoundAmount(proportional.Mul(one.Add(slippage)))
	if sendMax.LessThan(types.OneStroop) {
		sendMax = types.OneStroop
	}
	return plan{spend: sendMax, target: target}, nil
}

// capToBalance caps the planned spend at the follower's live balance in
// the send asset, rescaling the target by the same ratio so the
// replica stays proportional. A zero balance fails with NoFunds.
func capToBalance(account *types.Account, sendAsset types.Asset, p plan) (plan, error) {
	available := decimal.Zero
	if sendAsset.IsNative() {
		available = account.AvailableNative()
	} else if bal, ok := account.BalanceFor(sendAsset); ok {
		available = bal.Balance
	}
	if !available.IsPositive() {
		return plan{}, errors.Wrapf(domain.ErrNoFunds, "no %s available to replicate with", sendAsset.Label())
	}
	if p.spend.LessThanOrEqual(available) {
		return p, nil
	}
	ratio := available.Div(p.spend)
	capped := plan{
		spend:  types.RoundAmount(available),
		target: types.RoundAmount(p.target.Mul(ratio)),
	}
	if capped.target.LessThan(types.OneStroop) {
		capped.target = types.OneStroop
	}
	log.WithFields(logrus.Fields{
		"asset":     sendAsset.Label(),
		"requested": p.spend,
		"available": available,
	}).Warn("capping replicated spend to balance")
	return capped, nil
}

// realizedCredit reads the credited amount for (address, asset) from
// the confirmed transaction's effects, falling back to the planned
// target when the effects are unavailable.
func (r *Replicator) realizedCredit(ctx context.Context, hash, address string, asset types.Asset, fallback decimal.Decimal) decimal.Decimal {
	effects, err := r.gw.TransactionEffects(ctx, hash)
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
