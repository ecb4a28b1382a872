// Package types defines the wire data model consumed from the Horizon API.
package types

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Ledger amounts carry 7 decimal places; one stroop is the smallest unit.
const AmountPrecision = 7

// OneStroop is the minimal representable amount.
var OneStroop = decimal.New(1, -AmountPrecision)

// ErrNotFound marks a 404 from Horizon. All gateway reads wrap missing
// resources with it so callers can match via errors.Is.
var ErrNotFound = errors.New("horizon: resource not found")

// RoundAmount truncates d to ledger precision, rounding down so a
// derived bound never overstates what the ledger will accept.
func RoundAmount(d decimal.Decimal) decimal.Decimal {
	return d.RoundDown(AmountPrecision)
}

// Asset identifies a fungible instrument: the native asset, or an
// issuer-scoped credit. The zero value is the native asset.
type Asset struct {
	Code   string `json:"code,omitempty"`
	Issuer string `json:"issuer,omitempty"`
}

// NativeAsset returns the ledger's native asset.
func NativeAsset() Asset {
	return Asset{}
}

// NewAsset returns an issuer-scoped credit asset.
func NewAsset(code, issuer string) Asset {
	return Asset{Code: code, Issuer: issuer}
}

func (a Asset) IsNative() bool {
	return a.Code == "" && a.Issuer == ""
}

// Type returns the Horizon asset_type discriminator.
func (a Asset) Type() string {
	switch {
	case a.IsNative():
		return "native"
	case len(a.Code) <= 4:
		return "credit_alphanum4"
	default:
		return "credit_alphanum12"
	}
}

// Label is a short human-readable form used in memos and logs.
func (a Asset) Label() string {
	if a.IsNative() {
		return "XLM"
	}
	return a.Code
}

func (a Asset) String() string {
	if a.IsNative() {
		return "native"
	}
	return fmt.Sprintf("%s:%s", a.Code, a.Issuer)
}

// ParseAssetRecord builds an Asset from Horizon's (asset_type, asset_code,
// asset_issuer) triple as it appears in operations, balances and paths.
func ParseAssetRecord(assetType, code, issuer string) (Asset, error) {
	if assetType == "native" {
		return NativeAsset(), nil
	}
	if code == "" || issuer == "" {
		return Asset{}, errors.Errorf("incomplete asset record: type=%q code=%q issuer=%q", assetType, code, issuer)
	}
	return NewAsset(code, issuer), nil
}

const addressLen = 56

// ValidAddress reports whether s has the shape of an ed25519 account
// address: 56 base32 characters with the G version prefix. Strkey
// checksum verification belongs to the signing boundary.
func ValidAddress(s string) bool {
	if len(s) != addressLen || s[0] != 'G' {
		return false
	}
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	for _, r := range s {
		if !strings.ContainsRune(alphabet, r) {
			return false
		}
	}
	return true
}

// Balance is one entry of an account's balances array.
type Balance struct {
	AssetType          string          `json:"asset_type"`
	AssetCode          string          `json:"asset_code,omitempty"`
	AssetIssuer        string          `json:"asset_issuer,omitempty"`
	Balance            decimal.Decimal `json:"balance"`
	Limit              decimal.Decimal `json:"limit,omitempty"`
	BuyingLiabilities  decimal.Decimal `json:"buying_liabilities"`
	SellingLiabilities decimal.Decimal `json:"selling_liabilities"`
}

// Asset returns the instrument this balance line holds.
func (b Balance) Asset() Asset {
	if b.AssetType == "native" {
		return NativeAsset()
	}
	return NewAsset(b.AssetCode, b.AssetIssuer)
}

// Account is the Horizon account record, reduced to the fields the
// trading core reads. Snapshots are throwaway: ledger state moves
// between round trips, so they are re-fetched per invocation and
// never cached.
type Account struct {
	ID            string    `json:"id"`
	Sequence      int64     `json:"sequence,string"`
	SubentryCount int32     `json:"subentry_count"`
	NumSponsoring int32     `json:"num_sponsoring"`
	NumSponsored  int32     `json:"num_sponsored"`
	Balances      []Balance `json:"balances"`
}

var (
	baseAccountReserve = decimal.NewFromInt(2)
	perEntryReserve    = decimal.RequireFromString("0.5")
)

// MinimumReserve is the native balance the account must retain:
// 2 + 0.5 per subentry and sponsoring obligation, minus sponsored ones.
func (a *Account) MinimumReserve() decimal.Decimal {
	entries := int64(a.SubentryCount) + int64(a.NumSponsoring) - int64(a.NumSponsored)
	return baseAccountReserve.Add(perEntryReserve.Mul(decimal.NewFromInt(entries)))
}

// AvailableNative is the native balance minus selling liabilities and the
// minimum reserve, floored at zero. Any spend plan must fit inside it.
func (a *Account) AvailableNative() decimal.Decimal {
	native, ok := a.BalanceFor(NativeAsset())
	if !ok {
		return decimal.Zero
	}
	avail := native.Balance.Sub(native.SellingLiabilities).Sub(a.MinimumReserve())
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// BalanceFor returns the balance line for asset, if the account holds one.
func (a *Account) BalanceFor(asset Asset) (Balance, bool) {
	for _, b := range a.Balances {
		if b.Asset() == asset {
			return b, true
		}
	}
	return Balance{}, false
}

// HasTrustline reports whether the account can hold asset. The native
// asset needs no trust line.
func (a *Account) HasTrustline(asset Asset) bool {
	if asset.IsNative() {
		return true
	}
	_, ok := a.BalanceFor(asset)
	return ok
}

// PriceLevel is one order book level. Price is buying per selling unit;
// Amount is denominated in the selling asset.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// OrderBook is a two-sided depth snapshot for a selling/buying pair.
type OrderBook struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// PathAsset is an intermediate hop in a payment path record.
type PathAsset struct {
	AssetType   string `json:"asset_type"`
	AssetCode   string `json:"asset_code,omitempty"`
	AssetIssuer string `json:"asset_issuer,omitempty"`
}

// PathRecord is one candidate conversion route returned by the
// strict-send / strict-receive path endpoints.
type PathRecord struct {
	SourceAmount      decimal.Decimal `json:"source_amount"`
	DestinationAmount decimal.Decimal `json:"destination_amount"`
	Path              []PathAsset     `json:"path"`
}

// Hops returns the intermediate assets of the route.
func (p PathRecord) Hops() ([]Asset, error) {
	hops := make([]Asset, 0, len(p.Path))
	for _, h := range p.Path {
		a, err := ParseAssetRecord(h.AssetType, h.AssetCode, h.AssetIssuer)
		if err != nil {
			return nil, err
		}
		hops = append(hops, a)
	}
	return hops, nil
}

// Ledger is a closed ledger header, reduced to what fee estimation needs.
type Ledger struct {
	Sequence                   int32 `json:"sequence"`
	SuccessfulTransactionCount int32 `json:"successful_transaction_count"`
}

// Transaction is the Horizon transaction record.
type Transaction struct {
	ID            string `json:"id"`
	Hash          string `json:"hash"`
	Successful    bool   `json:"successful"`
	SourceAccount string `json:"source_account"`
	MaxFee        int64  `json:"max_fee,string"`
	FeeCharged    int64  `json:"fee_charged,string"`
	ResultCodes   struct {
		Transaction string   `json:"transaction,omitempty"`
		Operations  []string `json:"operations,omitempty"`
	} `json:"result_codes"`
}

// OperationRecord is one operation of a transaction, as reported by
// Horizon. Fields are a union over the payment-family types; Type
// discriminates.
type OperationRecord struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	SourceAccount string `json:"source_account"`

	// payment / path payment destination leg
	AssetType   string          `json:"asset_type,omitempty"`
	AssetCode   string          `json:"asset_code,omitempty"`
	AssetIssuer string          `json:"asset_issuer,omitempty"`
	Amount      decimal.Decimal `json:"amount,omitempty"`

	// path payment source leg
	SourceAssetType   string          `json:"source_asset_type,omitempty"`
	SourceAssetCode   string          `json:"source_asset_code,omitempty"`
	SourceAssetIssuer string          `json:"source_asset_issuer,omitempty"`
	SourceAmount      decimal.Decimal `json:"source_amount,omitempty"`
	SourceMax         decimal.Decimal `json:"source_max,omitempty"`
	DestinationMin    decimal.Decimal `json:"destination_min,omitempty"`

	Path []PathAsset `json:"path,omitempty"`
}

// EffectRecord is one ledger effect of a transaction.
type EffectRecord struct {
	Type        string          `json:"type"`
	Account     string          `json:"account"`
	AssetType   string          `json:"asset_type,omitempty"`
	AssetCode   string          `json:"asset_code,omitempty"`
	AssetIssuer string          `json:"asset_issuer,omitempty"`
	Amount      decimal.Decimal `json:"amount,omitempty"`
}

// SubmitResponse is the async submission acknowledgement. TxStatus is
// empty when Horizon returned a problem document instead; callers treat
// a missing status as failure, never as implicit success.
type SubmitResponse struct {
	TxStatus string `json:"tx_status"`
	Hash     string `json:"hash"`
	Title    string `json:"title,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Extras   struct {
		ResultCodes struct {
			Transaction string   `json:"transaction,omitempty"`
			Operations  []string `json:"operations,omitempty"`
		} `json:"result_codes"`
	} `json:"extras,omitempty"`
}

// LiquidityPoolReserve is one side of a pool.
type LiquidityPoolReserve struct {
	Asset  string          `json:"asset"` // "native" or "CODE:ISSUER"
	Amount decimal.Decimal `json:"amount"`
}

// LiquidityPool is a Horizon liquidity pool record.
type LiquidityPool struct {
	ID          string                 `json:"id"`
	TotalShares decimal.Decimal        `json:"total_shares"`
	Reserves    []LiquidityPoolReserve `json:"reserves"`
}

// Page wraps Horizon's HAL collection envelope.
type Page[T any] struct {
	Embedded struct {
		Records []T `json:"records"`
	} `json:"_embedded"`
	Links struct {
		Next struct {
			Href string `json:"href"`
		} `json:"next"`
	} `json:"_links"`
}
