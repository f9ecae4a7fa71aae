// Package fetch implements the single-page running-trade request against the
// vendor REST API. Pagination across pages is the crawl engine's job; this
// package only fetches one page and classifies the outcome:
//
//   - 200             → trades parsed, Success
//   - 401             → token marked invalid, RequiresLogin
//   - 403             → RequiresLogin (captcha or session issue, token kept)
//   - other 4xx       → error, no retry
//   - 5xx / transport → retried with exponential backoff, then error
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"idx-tape/internal/auth"
	"idx-tape/pkg/types"
)

// PageResult classifies one page request. Exactly one of Success /
// RequiresLogin is set on a non-error return; a nil-error result with both
// false does not occur.
type PageResult struct {
	Success       bool
	RequiresLogin bool
	StatusCode    int
	Trades        []types.Trade
	IsOpenMarket  bool
}

// Count returns the number of trades on the page.
func (r *PageResult) Count() int { return len(r.Trades) }

// tradePage is the vendor's JSON envelope.
type tradePage struct {
	Data struct {
		RunningTrade []types.Trade `json:"running_trade"`
		IsOpenMarket bool          `json:"is_open_market"`
	} `json:"data"`
}

// Client fetches running-trade pages.
type Client struct {
	http   *resty.Client
	store  *auth.Store
	logger *slog.Logger
}

// New creates a fetch client. retryCount bounds the 5xx/transport retries
// per page; backoff is exponential with a 2-second base, matching the
// vendor's observed tolerance.
func New(runningTradeURL, userAgent, origin string, retryCount int, store *auth.Store, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(runningTradeURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(retryCount).
		SetRetryWaitTime(2 * time.Second).
		SetRetryMaxWaitTime(16 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("User-Agent", userAgent).
		SetHeader("Origin", origin).
		SetHeader("Referer", origin+"/").
		SetHeader("Accept", "application/json")

	return &Client{
		http:   httpClient,
		store:  store,
		logger: logger.With("component", "fetch"),
	}
}

// FetchPage requests one page of the running-trade tape for ticker on date
// (YYYY-MM-DD). tradeNumber, when non-nil, is the pagination cursor: the
// vendor returns trades strictly before it.
func (c *Client) FetchPage(ctx context.Context, ticker, date string, limit int, tradeNumber *int64) (*PageResult, error) {
	bearer, ok := c.store.Bearer()
	if !ok {
		return &PageResult{RequiresLogin: true}, nil
	}

	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(bearer).
		SetQueryParam("sort", "DESC").
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetQueryParam("order_by", "RUNNING_TRADE_ORDER_BY_TIME").
		SetQueryParam("symbols[]", ticker).
		SetQueryParam("date", date)
	if tradeNumber != nil {
		req.SetQueryParam("trade_number", strconv.FormatInt(*tradeNumber, 10))
	}

	var page tradePage
	resp, err := req.SetResult(&page).Get("")
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s: %w", ticker, date, err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusOK:
		return &PageResult{
			Success:      true,
			StatusCode:   code,
			Trades:       page.Data.RunningTrade,
			IsOpenMarket: page.Data.IsOpenMarket,
		}, nil
	case code == http.StatusUnauthorized:
		c.store.MarkInvalid()
		c.logger.Warn("bearer token rejected", "ticker", ticker, "date", date)
		return &PageResult{RequiresLogin: true, StatusCode: code}, nil
	case code == http.StatusForbidden:
		c.logger.Warn("access forbidden, session may need refresh", "ticker", ticker, "date", date)
		return &PageResult{RequiresLogin: true, StatusCode: code}, nil
	case code >= 400 && code < 500:
		return &PageResult{StatusCode: code}, fmt.Errorf("fetch %s %s: client error %d", ticker, date, code)
	default:
		return &PageResult{StatusCode: code}, fmt.Errorf("fetch %s %s: server error %d after retries", ticker, date, code)
	}
}
