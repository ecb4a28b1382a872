// Package client implements the Horizon API gateway: account, order book,
// path and transaction queries, plus asynchronous transaction submission.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/starfolk/gostellar/horizon/types"
)

var log = logrus.WithField("component", "horizon_client")

// Client talks to a Horizon server. All reads are idempotent and retried
// by the transport on throttling; submission goes through a separate
// non-retrying client because it is not idempotent.
type Client struct {
	read   *resty.Client
	submit *resty.Client
}

// New creates a Client for the given Horizon base URL.
func New(host string) *Client {
	host = strings.TrimSuffix(host, "/")

	read := resty.New().
		SetBaseURL(host).
		SetTimeout(40 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})

	submit := resty.New().
		SetBaseURL(host).
		SetTimeout(40 * time.Second)

	return &Client{read: read, submit: submit}
}

// problem is Horizon's RFC 7807 error document.
type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

// Error carries a Horizon problem document verbatim; the gateway does
// not interpret it beyond the NotFound mapping.
type Error struct {
	StatusCode int
	Title      string
	Detail     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("horizon: %d %s: %s", e.StatusCode, e.Title, e.Detail)
}

// Unwrap lets errors.Is(err, types.ErrNotFound) match 404 responses.
func (e *Error) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return types.ErrNotFound
	}
	return nil
}

func responseError(resp *resty.Response) error {
	var p problem
	_ = json.Unmarshal(resp.Body(), &p)
	if p.Title == "" {
		p.Title = resp.Status()
	}
	return &Error{StatusCode: resp.StatusCode(), Title: p.Title, Detail: p.Detail}
}

func (c *Client) get(ctx context.Context, endpoint string, params map[string]string, out any) error {
	resp, err := c.read.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(out).
		Get(endpoint)
	if err != nil {
		return errors.Wrapf(err, "GET %s", endpoint)
	}
	if !resp.IsSuccess() {
		return responseError(resp)
	}
	return nil
}

// GetAccount fetches the account record for address.
func (c *Client) GetAccount(ctx context.Context, address string) (*types.Account, error) {
	var acc types.Account
	if err := c.get(ctx, "/accounts/"+address, nil, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// assetParams writes a Horizon asset parameter triple under prefix.
func assetParams(params map[string]string, prefix string, a types.Asset) {
	params[prefix+"_asset_type"] = a.Type()
	if !a.IsNative() {
		params[prefix+"_asset_code"] = a.Code
		params[prefix+"_asset_issuer"] = a.Issuer
	}
}

// GetOrderBook fetches depth for the selling/buying pair.
func (c *Client) GetOrderBook(ctx context.Context, selling, buying types.Asset, limit int) (*types.OrderBook, error) {
	params := map[string]string{"limit": fmt.Sprint(limit)}
	assetParams(params, "selling", selling)
	assetParams(params, "buying", buying)

	var book types.OrderBook
	if err := c.get(ctx, "/order_book", params, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

// assetList renders assets in Horizon's comma-separated canonical form.
func assetList(assets []types.Asset) string {
	parts := make([]string, 0, len(assets))
	for _, a := range assets {
		if a.IsNative() {
			parts = append(parts, "native")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:%s", a.Code, a.Issuer))
	}
	return strings.Join(parts, ",")
}

// StrictReceivePaths finds routes delivering exactly destAmount of dest,
// starting from any of the source assets (fixed-output mode).
func (c *Client) StrictReceivePaths(ctx context.Context, source []types.Asset, dest types.Asset, destAmount decimal.Decimal, limit int) ([]types.PathRecord, error) {
	params := map[string]string{
		"source_assets":      assetList(source),
		"destination_amount": destAmount.StringFixed(types.AmountPrecision),
		"limit":              fmt.Sprint(limit),
	}
	assetParams(params, "destination", dest)

	var page types.Page[types.PathRecord]
	if err := c.get(ctx, "/paths/strict-receive", params, &page); err != nil {
		return nil, err
	}
	return page.Embedded.Records, nil
}

// StrictSendPaths finds routes spending exactly sourceAmount of source,
// ending in any of the destination assets (fixed-input mode).
func (c *Client) StrictSendPaths(ctx context.Context, source types.Asset, sourceAmount decimal.Decimal, dest []types.Asset, limit int) ([]types.PathRecord, error) {
	params := map[string]string{
		"destination_assets": assetList(dest),
		// StringFixed keeps small amounts out of scientific notation.
		"source_amount": sourceAmount.StringFixed(types.AmountPrecision),
		"limit":         fmt.Sprint(limit),
	}
	assetParams(params, "source", source)

	var page types.Page[types.PathRecord]
	if err := c.get(ctx, "/paths/strict-send", params, &page); err != nil {
		return nil, err
	}
	return page.Embedded.Records, nil
}

// LatestLedger returns the most recently closed ledger header.
func (c *Client) LatestLedger(ctx context.Context) (*types.Ledger, error) {
	params := map[string]string{"order": "desc", "limit": "1"}
	var page types.Page[types.Ledger]
	if err := c.get(ctx, "/ledgers", params, &page); err != nil {
		return nil, err
	}
	if len(page.Embedded.Records) == 0 {
		return nil, errors.New("horizon: no ledgers returned")
	}
	return &page.Embedded.Records[0], nil
}

// LedgerTransactions lists transactions included in ledger seq.
func (c *Client) LedgerTransactions(ctx context.Context, seq int32) ([]types.Transaction, error) {
	params := map[string]string{"limit": "200"}
	var page types.Page[types.Transaction]
	if err := c.get(ctx, fmt.Sprintf("/ledgers/%d/transactions", seq), params, &page); err != nil {
		return nil, err
	}
	return page.Embedded.Records, nil
}

// GetTransaction fetches a transaction by hash. A transaction the
// network has not seen yet surfaces as types.ErrNotFound.
func (c *Client) GetTransaction(ctx context.Context, hash string) (*types.Transaction, error) {
	var tx types.Transaction
	if err := c.get(ctx, "/transactions/"+hash, nil, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// TransactionOperations lists the operations of a transaction.
func (c *Client) TransactionOperations(ctx context.Context, hash string) ([]types.OperationRecord, error) {
	params := map[string]string{"limit": "200"}
	var page types.Page[types.OperationRecord]
	if err := c.get(ctx, "/transactions/"+hash+"/operations", params, &page); err != nil {
		return nil, err
	}
	return page.Embedded.Records, nil
}

// TransactionEffects lists the ledger effects of a transaction.
func (c *Client) TransactionEffects(ctx context.Context, hash string) ([]types.EffectRecord, error) {
	params := map[string]string{"limit": "200"}
	var page types.Page[types.EffectRecord]
	if err := c.get(ctx, "/transactions/"+hash+"/effects", params, &page); err != nil {
		return nil, err
	}
	return page.Embedded.Records, nil
}

// ListLiquidityPools pages through liquidity pools. An empty cursor
// starts from the beginning; the returned cursor is empty on the last
// page.
func (c *Client) ListLiquidityPools(ctx context.Context, cursor string, limit int) ([]types.LiquidityPool, string, error) {
	params := map[string]string{"order": "asc", "limit": fmt.Sprint(limit)}
	if cursor != "" {
		params["cursor"] = cursor
	}
	var page types.Page[types.LiquidityPool]
	if err := c.get(ctx, "/liquidity_pools", params, &page); err != nil {
		return nil, "", err
	}
	next := nextCursor(page.Links.Next.Href)
	if len(page.Embedded.Records) == 0 {
		next = ""
	}
	return page.Embedded.Records, next, nil
}

func nextCursor(href string) string {
	idx := strings.Index(href, "cursor=")
	if idx < 0 {
		return ""
	}
	cur := href[idx+len("cursor="):]
	if amp := strings.IndexByte(cur, '&'); amp >= 0 {
		cur = cur[:amp]
	}
	return cur
}

// SubmitAsync posts a signed envelope to the asynchronous submission
// endpoint. Transport errors are returned as-is; a 2xx body is decoded
// into SubmitResponse regardless of tx_status, and problem documents
// are folded into the same structure so the orchestrator can classify
// them. Submission is never retried here.
func (c *Client) SubmitAsync(ctx context.Context, signedEnvelope string) (*types.SubmitResponse, error) {
	var out types.SubmitResponse
	resp, err := c.submit.R().
		SetContext(ctx).
		SetFormData(map[string]string{"tx": signedEnvelope}).
		Post("/transactions_async")
	if err != nil {
		return nil, errors.Wrap(err, "POST /transactions_async")
	}
	if decodeErr := json.Unmarshal(resp.Body(), &out); decodeErr != nil && resp.IsSuccess() {
		return nil, errors.Wrap(decodeErr, "decode submission response")
	}
	if !resp.IsSuccess() {
		log.WithFields(logrus.Fields{
			"status": resp.StatusCode(),
			"title":  out.Title,
		}).Warn("submission rejected by horizon")
	}
	return &out, nil
}
