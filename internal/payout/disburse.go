package payout

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/starfolk/gostellar/horizon/types"
	"github.com/starfolk/gostellar/internal/orchestrator"
	"github.com/starfolk/gostellar/internal/txassembly"
)

const (
	// MaxOpsPerTx is the ledger's per-transaction operation ceiling.
	MaxOpsPerTx = 100

	defaultSubmitPause = 2 * time.Second
	defaultMaxRetries  = 5
	defaultRetryDelay  = 2 * time.Second
)

// Disburser pays computed entitlements from the disbursement identity
// in batched payment transactions.
type Disburser struct {
	orch     *orchestrator.Orchestrator
	store    *Store
	identity string
	reward   types.Asset

	// SubmitPause spaces consecutive transactions to ease sequencing
	// and fee pressure.
	SubmitPause time.Duration
	Retry       orchestrator.RetryPolicy
	Confirm     bool
	Memo        string
}

func NewDisburser(orch *orchestrator.Orchestrator, store *Store, identity string, reward types.Asset) *Disburser {
	return &Disburser{
		orch:        orch,
		store:       store,
		identity:    identity,
		reward:      reward,
		SubmitPause: defaultSubmitPause,
		Retry:       orchestrator.RetryPolicy{MaxAttempts: defaultMaxRetries, BaseDelay: defaultRetryDelay},
		Memo:        "LP Rewards Hourly",
	}
}

// PayPool disburses the entitlements for one pool in the given hour.
// A pool already recorded as paid for that hour is skipped. Each chunk
// of up to MaxOpsPerTx payments is submitted with retry; a chunk that
// fails permanently is recorded with its error and does not stop the
// remaining chunks.
func (d *Disburser) PayPool(ctx context.Context, poolID string, hour time.Time, entitlements []Entitlement) ([]PayoutRecord, error) {
	if prior, err := d.store.PaidRecords(hour, poolID); err != nil {
		return nil, errors.Wrap(err, "read payout ledger")
	} else if prior != nil {
		log.Infof("pool %s already paid for %s, skipping", poolID, hour.UTC().Format("2006-01-02T15"))
		return prior, nil
	}

	payable := make([]Entitlement, 0, len(entitlements))
	for _, ent := range entitlements {
		if ent.Hourly.IsPositive() {
			payable = append(payable, ent)
		}
	}
	if len(payable) == 0 {
		log.Infof("pool %s has no payable entitlements", poolID)
		return nil, nil
	}

	var records []PayoutRecord
	for start := 0; start < len(payable); start += MaxOpsPerTx {
		end := start + MaxOpsPerTx
		if end > len(payable) {
			end = len(payable)
		}
		chunk := payable[start:end]

		ops := make([]txassembly.Operation, 0, len(chunk))
		for _, ent := range chunk {
			ops = append(ops, txassembly.Payment{
				Destination: ent.Account,
				Asset:       d.reward,
				Amount:      ent.Hourly,
			})
		}

		resp, _, err := d.orch.SubmitWithRetry(ctx, d.identity, ops,
			orchestrator.SubmitOptions{Memo: d.Memo}, d.Retry)
		if err != nil {
			log.Errorf("chunk of %d payouts failed permanently: %v", len(chunk), err)
			for _, ent := range chunk {
				records = append(records, PayoutRecord{Account: ent.Account, Amount: ent.Hourly, Error: err.Error()})
			}
			continue
		}
		log.Infof("submitted payout chunk with %d ops (hash=%s)", len(chunk), resp.Hash)

		if d.Confirm {
			if _, err := d.orch.WaitForConfirmation(ctx, resp.Hash); err != nil {
				log.Warnf("confirmation check failed for %s: %v", resp.Hash, err)
			}
		}
		for _, ent := range chunk {
			records = append(records, PayoutRecord{Account: ent.Account, Amount: ent.Hourly, Hash: resp.Hash})
		}

		if end < len(payable) && d.SubmitPause > 0 {
			select {
			case <-ctx.Done():
				return records, ctx.Err()
			case <-time.After(d.SubmitPause):
			}
		}
	}

	if err := d.store.SavePaidRecords(hour, poolID, records); err != nil {
		return records, errors.Wrap(err, "save payout ledger")
	}
	return records, nil
}

// Run executes one full payout cycle: snapshot each pool, compute
// entitlements, disburse.
func (d *Disburser) Run(ctx context.Context, holders HolderSource, poolIDs []string, hour time.Time) error {
	for _, poolID := range poolIDs {
		snap, err := SnapshotPool(ctx, holders, d.store, poolID)
		if err != nil {
			return err
		}
		if _, err := d.PayPool(ctx, poolID, hour, ComputeEntitlements(snap)); err != nil {
			return err
		}
	}
	return nil
}
