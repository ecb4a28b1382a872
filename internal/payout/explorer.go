package payout

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/starfolk/gostellar/pkg/ratelimit"
)

// ExplorerClient implements HolderSource against a block-explorer API
// that exposes per-pool share holders, which Horizon does not.
type ExplorerClient struct {
	http    *resty.Client
	base    string // e.g. https://api.stellar.expert/explorer/public
	root    string // scheme://host, for resolving relative next links
	limiter *ratelimit.TokenBucket
}

const (
	holdersPageLimit = 50

	// Public explorer APIs throttle aggressively; stay well under.
	requestBurst     = 5
	requestPerSecond = 2
)

func NewExplorerClient(baseURL string) (*ExplorerClient, error) {
	base := strings.TrimRight(baseURL, "/")
	parsed, err := url.Parse(base)
	if err != nil || parsed.Host == "" {
		return nil, errors.Errorf("invalid explorer URL %q", baseURL)
	}
	client := resty.New().
		SetHeader("User-Agent", "gostellar-lp-rewards/1.0").
		SetRetryCount(5).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == 429 || r.StatusCode() >= 500
		})
	return &ExplorerClient{
		http:    client,
		base:    base,
		root:    parsed.Scheme + "://" + parsed.Host,
		limiter: ratelimit.NewTokenBucket(requestBurst, requestPerSecond),
	}, nil
}

type poolOverview struct {
	Shares decimal.Decimal `json:"shares"`
}

type holdersPage struct {
	Embedded struct {
		Records []struct {
			Account string          `json:"account"`
			Balance decimal.Decimal `json:"balance"`
		} `json:"records"`
	} `json:"_embedded"`
	Links struct {
		Next struct {
			Href string `json:"href"`
		} `json:"next"`
	} `json:"_links"`
}

func (c *ExplorerClient) PoolShares(ctx context.Context, poolID string) (decimal.Decimal, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	var overview poolOverview
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&overview).
		Get(c.base + "/liquidity-pool/" + poolID)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "pool overview")
	}
	if resp.IsError() {
		return decimal.Zero, errors.Errorf("pool overview: status %d", resp.StatusCode())
	}
	return overview.Shares, nil
}

// PoolHolders walks the holders collection to exhaustion. Pagination
// stops when the next link is absent, repeats, or a page comes back
// empty.
func (c *ExplorerClient) PoolHolders(ctx context.Context, poolID string) ([]ParticipantRecord, error) {
	var all []ParticipantRecord

	first := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"filter": "asset-holders",
			"limit":  strconv.Itoa(holdersPageLimit),
			"order":  "desc",
		})
	target := c.base + "/liquidity-pool/" + poolID + "/holders"
	req := first

	seen := map[string]bool{}
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		var page holdersPage
		resp, err := req.SetResult(&page).Get(target)
		if err != nil {
			return nil, errors.Wrap(err, "pool holders")
		}
		if resp.IsError() {
			return nil, errors.Errorf("pool holders: status %d", resp.StatusCode())
		}
		if len(page.Embedded.Records) == 0 {
			break
		}
		for _, rec := range page.Embedded.Records {
			all = append(all, ParticipantRecord{Account: rec.Account, Balance: rec.Balance})
		}

		next := page.Links.Next.Href
		if next == "" || seen[next] {
			break
		}
		seen[next] = true
		if strings.HasPrefix(next, "http") {
			target = next
		} else {
			target = c.root + next
		}
		req = c.http.R().SetContext(ctx)
	}

	log.Infof("fetched %d holders for pool %s", len(all), poolID)
	return all, nil
}
