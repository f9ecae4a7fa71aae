package fetch

import (
	"context"
	"time"
)

// morningCutoff is the tape's earliest interesting time. Pages are served
// newest-first, so once a page reaches pre-open trades there is nothing
// older worth walking.
const morningCutoff = "09:00:00"

// pagePoliteness spaces consecutive page requests.
const pagePoliteness = 500 * time.Millisecond

// CrawlResult is the outcome of walking all pages for one ticker-date.
type CrawlResult struct {
	Result *PageResult // last page's classification
	Pages  int
	// Partial is set when some pages succeeded before a failure; the
	// caller still has usable trades in Result.Trades.
	Partial bool
}

// FetchAllPages walks the full tape for ticker on date, newest page first,
// using the oldest trade number of each page as the cursor for the next.
// It stops on a short page, an empty page, or a page that reaches the
// morning cutoff. Trades accumulate across pages in the returned result.
func (c *Client) FetchAllPages(ctx context.Context, ticker, date string, limit int) (*CrawlResult, error) {
	out := &CrawlResult{Result: &PageResult{}}
	var cursor *int64

	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		page, err := c.FetchPage(ctx, ticker, date, limit, cursor)
		if err != nil {
			out.Partial = out.Pages > 0
			if page != nil {
				out.Result.StatusCode = page.StatusCode
			}
			return out, err
		}
		if page.RequiresLogin {
			out.Result.RequiresLogin = true
			out.Result.StatusCode = page.StatusCode
			out.Partial = out.Pages > 0
			return out, nil
		}

		out.Pages++
		out.Result.Success = true
		out.Result.StatusCode = page.StatusCode
		out.Result.IsOpenMarket = page.IsOpenMarket
		out.Result.Trades = append(out.Result.Trades, page.Trades...)

		c.logger.Debug("page fetched",
			"ticker", ticker, "date", date,
			"page", out.Pages, "records", len(page.Trades))

		if len(page.Trades) == 0 || len(page.Trades) < limit {
			return out, nil
		}
		oldest := page.Trades[len(page.Trades)-1]
		if oldest.Time <= morningCutoff {
			return out, nil
		}
		cursor = &oldest.TradeNumber

		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(pagePoliteness):
		}
	}
}
