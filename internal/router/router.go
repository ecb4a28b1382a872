// Package router selects a liquidity-feasible conversion route between
// two instruments, in fixed-output (buying) or fixed-input (selling)
// mode, verifying order book depth along multi-hop candidates.
package router

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

var log = logrus.WithField("component", "router")

const (
	pathLimit  = 10
	depthLimit = 10
)

// Route is an accepted conversion route. SourceAmount is what the route
// requires (fixed-output) or consumes (fixed-input); DestinationAmount
// is what it delivers.
type Route struct {
	SourceAmount      decimal.Decimal
	DestinationAmount decimal.Decimal
	Hops              []types.Asset
}

// HopCount is the number of intermediate instruments.
func (r *Route) HopCount() int {
	return len(r.Hops)
}

// Router ranks path candidates and verifies their depth.
type Router struct {
	gw ports.Gateway
}

func New(gw ports.Gateway) *Router {
	return &Router{gw: gw}
}

type candidate struct {
	record types.PathRecord
	hops   []types.Asset
}

func buildCandidates(records []types.PathRecord) ([]candidate, error) {
	out := make([]candidate, 0, len(records))
	for _, rec := range records {
		hops, err := rec.Hops()
		if err != nil {
			return nil, err
		}
		out = append(out, candidate{record: rec, hops: hops})
	}
	return out, nil
}

// FindBuyRoute finds a route delivering exactly destAmount of dest paid
// in send (fixed-output). Candidates are ranked by required source
// amount ascending, then hop count; the first whose every hop clears
// the ask-depth check wins. Direct candidates skip the check; the
// ledger validates the exchange atomically at submission.
func (r *Router) FindBuyRoute(ctx context.Context, send, dest types.Asset, destAmount decimal.Decimal) (*Route, error) {
	records, err := r.gw.StrictReceivePaths(ctx, []types.Asset{send}, dest, destAmount, pathLimit)
	if err != nil {
		return nil, errors.Wrap(err, "strict receive paths")
	}
	if len(records) == 0 {
		return nil, errors.Wrapf(domain.ErrNoLiquidity, "no paths to buy %s %s with %s", destAmount, dest.Label(), send.Label())
	}

	candidates, err := buildCandidates(records)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		cmp := candidates[i].record.SourceAmount.Cmp(candidates[j].record.SourceAmount)
		if cmp != 0 {
			return cmp < 0
		}
		return len(candidates[i].hops) < len(candidates[j].hops)
	})

	for _, cand := range candidates {
		entry := log.WithFields(logrus.Fields{
			"source_amount": cand.record.SourceAmount,
			"hops":          len(cand.hops),
		})
		if len(cand.hops) > 0 {
			ok, err := r.verifyAskDepth(ctx, send, dest, cand.hops, destAmount)
			if err != nil {
				return nil, err
			}
			if !ok {
				entry.Debug("candidate rejected by ask depth")
				continue
			}
		}
		entry.Info("buy route selected")
		return &Route{
			SourceAmount:      cand.record.SourceAmount,
			DestinationAmount: destAmount,
			Hops:              cand.hops,
		}, nil
	}
	return nil, errors.Wrapf(domain.ErrNoLiquidity, "no viable path to buy %s %s", destAmount, dest.Label())
}

// FindSellRoute finds a route spending exactly sourceAmount of source
// into dest (fixed-input). Candidates are ranked by expected destination
// amount descending, then hop count ascending; bid depth is converted to
// source units via price before comparison.
func (r *Router) FindSellRoute(ctx context.Context, source, dest types.Asset, sourceAmount decimal.Decimal) (*Route, error) {
	records, err := r.gw.StrictSendPaths(ctx, source, sourceAmount, []types.Asset{dest}, pathLimit)
	if err != nil {
		return nil, errors.Wrap(err, "strict send paths")
	}
	if len(records) == 0 {
		return nil, errors.Wrapf(domain.ErrNoLiquidity, "no paths to sell %s %s for %s", sourceAmount, source.Label(), dest.Label())
	}

	candidates, err := buildCandidates(records)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		cmp := candidates[i].record.DestinationAmount.Cmp(candidates[j].record.DestinationAmount)
		if cmp != 0 {
			return cmp > 0
		}
		return len(candidates[i].hops) < len(candidates[j].hops)
	})

	for _, cand := range candidates {
		entry := log.WithFields(logrus.Fields{
			"destination_amount": cand.record.DestinationAmount,
			"hops":               len(cand.hops),
		})
		if len(cand.hops) > 0 {
			ok, err := r.verifyBidDepth(ctx, source, dest, cand.hops, sourceAmount)
			if err != nil {
				return nil, err
			}
			if !ok {
				entry.Debug("candidate rejected by bid depth")
				continue
			}
		}
		entry.Info("sell route selected")
		return &Route{
			SourceAmount:      sourceAmount,
			DestinationAmount: cand.record.DestinationAmount,
			Hops:              cand.hops,
		}, nil
	}
	return nil, errors.Wrapf(domain.ErrNoLiquidity, "no viable path to sell %s %s", sourceAmount, source.Label())
}

// chain lists the full asset sequence of a route.
func chain(source types.Asset, hops []types.Asset, dest types.Asset) []types.Asset {
	full := make([]types.Asset, 0, len(hops)+2)
	full = append(full, source)
	full = append(full, hops...)
	full = append(full, dest)
	return full
}

// verifyAskDepth checks that every hop's cumulative ask amount covers
// the required destination flow.
func (r *Router) verifyAskDepth(ctx context.Context, source, dest types.Asset, hops []types.Asset, required decimal.Decimal) (bool, error) {
	assets := chain(source, hops, dest)
	for i := 0; i < len(assets)-1; i++ {
		book, err := r.gw.GetOrderBook(ctx, assets[i], assets[i+1], depthLimit)
		if err != nil {
			return false, errors.Wrapf(err, "order book %s/%s", assets[i].Label(), assets[i+1].Label())
		}
		if len(book.Asks) == 0 {
			log.Warnf("no asks for %s -> %s", assets[i].Label(), assets[i+1].Label())
			return false, nil
		}
		total := decimal.Zero
		for _, ask := range book.Asks {
			total = total.Add(ask.Amount)
		}
		if total.LessThan(required) {
			log.Warnf("ask depth %s short of %s for %s -> %s", total, required, assets[i].Label(), assets[i+1].Label())
			return false, nil
		}
	}
	return true, nil
}

// verifyBidDepth checks that every hop's bid-side depth, converted to
// source units via the bid price, covers the amount being sold.
func (r *Router) verifyBidDepth(ctx context.Context, source, dest types.Asset, hops []types.Asset, required decimal.Decimal) (bool, error) {
	assets := chain(source, hops, dest)
	for i := 0; i < len(assets)-1; i++ {
		book, err := r.gw.GetOrderBook(ctx, assets[i], assets[i+1], depthLimit)
		if err != nil {
			return false, errors.Wrapf(err, "order book %s/%s", assets[i].Label(), assets[i+1].Label())
		}
		if len(book.Bids) == 0 {
			log.Warnf("no bids for %s -> %s", assets[i].Label(), assets[i+1].Label())
			return false, nil
		}
		total := decimal.Zero
		for _, bid := range book.Bids {
			if bid.Price.IsZero() {
				continue
			}
			total = total.Add(bid.Amount.Div(bid.Price))
		}
		if total.LessThan(required) {
			log.Warnf("bid depth %s short of %s for %s -> %s", total, required, assets[i].Label(), assets[i+1].Label())
			return false, nil
		}
	}
	return true, nil
}
