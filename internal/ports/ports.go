package ports

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/starfolk/gostellar/horizon/types"
	"github.com/starfolk/gostellar/internal/domain"
)

// Small capability interfaces shared across layers. Components depend on
// these rather than on concrete clients so tests can substitute fakes.

// Gateway is the ledger's public query and submission surface.
type Gateway interface {
	GetAccount(ctx context.Context, address string) (*types.Account, error)
	GetOrderBook(ctx context.Context, selling, buying types.Asset, limit int) (*types.OrderBook, error)
	StrictReceivePaths(ctx context.Context, source []types.Asset, dest types.Asset, destAmount decimal.Decimal, limit int) ([]types.PathRecord, error)
	StrictSendPaths(ctx context.Context, source types.Asset, sourceAmount decimal.Decimal, dest []types.Asset, limit int) ([]types.PathRecord, error)
	LatestLedger(ctx context.Context) (*types.Ledger, error)
	LedgerTransactions(ctx context.Context, seq int32) ([]types.Transaction, error)
	GetTransaction(ctx context.Context, hash string) (*types.Transaction, error)
	TransactionOperations(ctx context.Context, hash string) ([]types.OperationRecord, error)
	TransactionEffects(ctx context.Context, hash string) ([]types.EffectRecord, error)
	ListLiquidityPools(ctx context.Context, cursor string, limit int) ([]types.LiquidityPool, string, error)
	SubmitAsync(ctx context.Context, signedEnvelope string) (*types.SubmitResponse, error)
}

// Signer is the opaque remote signing boundary: unsigned blob in, signed
// blob out. Key material never crosses this interface.
type Signer interface {
	Sign(ctx context.Context, identity, unsignedEnvelope string) (string, error)
}

// KeyResolver maps an application identity to its account address.
// Backed by external storage; injected, never queried here directly.
type KeyResolver interface {
	PublicKey(ctx context.Context, identity string) (string, error)
}

// CopyConfigSource provides the follower's replication settings for a
// counterpart address. Owned and mutated externally; read-only here.
type CopyConfigSource interface {
	Config(ctx context.Context, identity, counterpart string) (*domain.CopyTradeConfig, error)
}
