package payout

import (
	"github.com/shopspring/decimal"

	"github.com/starfolk/gostellar/horizon/types"
)

// DailyRewardPerPool is the fixed reward budget each pool distributes
// per day, in reward asset units.
var DailyRewardPerPool = decimal.NewFromInt(4000)

var hoursPerDay = decimal.NewFromInt(24)

// HourlyRewardPerPool is DailyRewardPerPool spread evenly over the day.
func HourlyRewardPerPool() decimal.Decimal {
	return DailyRewardPerPool.Div(hoursPerDay)
}

// Entitlement is one holder's computed share of the hourly reward.
type Entitlement struct {
	Account string
	Balance decimal.Decimal
	Percent decimal.Decimal // share of total, 0..1
	Hourly  decimal.Decimal // reward asset units, rounded down
}

// ComputeEntitlements splits the hourly pool reward pro rata over the
// snapshot's holders. Amounts round down to ledger precision so the sum
// never exceeds the budget; a zero-share snapshot yields zero amounts.
func ComputeEntitlements(snap *Snapshot) []Entitlement {
	hourly := HourlyRewardPerPool()
	out := make([]Entitlement, 0, len(snap.Records))
	for _, rec := range snap.Records {
		percent := decimal.Zero
		if snap.TotalShares.IsPositive() {
			percent = rec.Balance.Div(snap.TotalShares)
		}
		out = append(out, Entitlement{
			Account: rec.Account,
			Balance: rec.Balance,
			Percent: percent,
			Hourly:  types.RoundAmount(hourly.Mul(percent)),
		})
	}
	return out
}
