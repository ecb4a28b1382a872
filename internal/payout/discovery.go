package payout

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/starfolk/gostellar/horizon/types"
	"github.com/starfolk/gostellar/internal/ports"
)

var log = logrus.WithField("component", "payout")

// maxDiscoveryPages caps pool enumeration so a runaway cursor cannot
// loop forever.
const maxDiscoveryPages = 100

// DiscoverPools enumerates the ledger's liquidity pools and maps every
// pool containing the reward asset under both "<OTHER>-<CODE>" and
// "<CODE>-<OTHER>" labels, where OTHER is "XLM" for native and
// "CODE:ISSUER" otherwise. The refreshed map is persisted to the store.
func DiscoverPools(ctx context.Context, gw ports.Gateway, store *Store, reward types.Asset, rebuild bool) (map[string]string, error) {
	existing, err := store.PoolsMap()
	if err != nil {
		return nil, errors.Wrap(err, "load pools map")
	}
	updated := map[string]string{}
	if !rebuild {
		for k, v := range existing {
			updated[k] = v
		}
	}
	rewardKey := reward.Code + ":" + reward.Issuer

	cursor := ""
	seen := 0
	for page := 1; ; page++ {
		pools, next, err := gw.ListLiquidityPools(ctx, cursor, 200)
		if err != nil {
			return nil, errors.Wrap(err, "list liquidity pools")
		}
		seen += len(pools)
		log.Debugf("discovery page %d: %d pools (total %d)", page, len(pools), seen)

		for _, pool := range pools {
			if pool.ID == "" || len(pool.Reserves) != 2 {
				continue
			}
			var other string
			switch {
			case pool.Reserves[0].Asset == rewardKey:
				other = pool.Reserves[1].Asset
			case pool.Reserves[1].Asset == rewardKey:
				other = pool.Reserves[0].Asset
			default:
				continue
			}
			if other == "native" {
				other = "XLM"
			}
			updated[other+"-"+reward.Code] = pool.ID
			updated[reward.Code+"-"+other] = pool.ID
		}

		if next == "" {
			break
		}
		if page >= maxDiscoveryPages {
			log.Warnf("stopping discovery after %d pages", page)
			break
		}
		cursor = next
	}

	if !mapsEqual(updated, existing) {
		if err := store.SavePoolsMap(updated); err != nil {
			return nil, errors.Wrap(err, "save pools map")
		}
		log.Infof("pools map updated, %d entries (%d pools scanned)", len(updated), seen)
	} else {
		log.Infof("no new pools discovered (%d pools scanned)", seen)
	}
	return updated, nil
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// HolderSource enumerates the share holders of a liquidity pool.
// Horizon does not expose holders directly; implementations typically
// back onto an explorer API.
type HolderSource interface {
	PoolShares(ctx context.Context, poolID string) (decimal.Decimal, error)
	PoolHolders(ctx context.Context, poolID string) ([]ParticipantRecord, error)
}

// SnapshotPool records the pool's current total shares and holders.
func SnapshotPool(ctx context.Context, holders HolderSource, store *Store, poolID string) (*Snapshot, error) {
	shares, err := holders.PoolShares(ctx, poolID)
	if err != nil {
		return nil, errors.Wrapf(err, "pool %s shares", poolID)
	}
	records, err := holders.PoolHolders(ctx, poolID)
	if err != nil {
		return nil, errors.Wrapf(err, "pool %s holders", poolID)
	}
	snap := &Snapshot{
		PoolID:      poolID,
		FetchedAt:   time.Now().UTC(),
		TotalShares: shares,
		Records:     records,
	}
	if err := store.SaveSnapshot(snap); err != nil {
		return nil, errors.Wrapf(err, "save snapshot for %s", poolID)
	}
	log.Infof("wrote participants snapshot for %s with %d holders", poolID, len(records))
	return snap, nil
}

// PoolLabel normalizes an asset pair label for pools-map lookups.
func PoolLabel(other, rewardCode string) string {
	return strings.ToUpper(other) + "-" + strings.ToUpper(rewardCode)
}
