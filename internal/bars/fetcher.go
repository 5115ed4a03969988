package bars

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/milliyang/zuilow/internal/symbols"
)

// HistoryFetcher talks to a Yahoo-style chart/quote endpoint. Requests are
// retried with exponential backoff; a final failure surfaces to the task
// as a transient fetch error.
type HistoryFetcher struct {
	http *resty.Client
	log  zerolog.Logger
}

// FetcherConfig tunes the upstream client.
type FetcherConfig struct {
	BaseURL    string
	Timeout    time.Duration
	RetryTimes int
	RetryDelay time.Duration
}

// NewHistoryFetcher creates a fetcher. Zero values fall back to sane
// defaults (15 s timeout, 3 retries, 1 s base delay).
func NewHistoryFetcher(cfg FetcherConfig, log zerolog.Logger) *HistoryFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryTimes <= 0 {
		cfg.RetryTimes = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryTimes).
		SetRetryWaitTime(cfg.RetryDelay).
		SetRetryMaxWaitTime(30 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")
	return &HistoryFetcher{
		http: client,
		log:  log.With().Str("component", "fetcher").Logger(),
	}
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []float64 `json:"open"`
					High   []float64 `json:"high"`
					Low    []float64 `json:"low"`
					Close  []float64 `json:"close"`
					Volume []float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// History fetches bars for [start, end].
func (f *HistoryFetcher) History(ctx context.Context, symbol string, start, end time.Time, interval string) ([]Bar, error) {
	canon := symbols.Canonical(symbol)
	if canon == "" {
		return nil, nil
	}

	var result chartResponse
	resp, err := f.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   upstreamSymbol(canon),
			"period1":  fmt.Sprintf("%d", start.UTC().Unix()),
			"period2":  fmt.Sprintf("%d", end.UTC().Unix()),
			"interval": interval,
		}).
		SetResult(&result).
		Get("/v8/finance/chart")
	if err != nil {
		return nil, fmt.Errorf("history fetch for %s failed: %w", canon, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("history fetch for %s failed: status %d: %s", canon, resp.StatusCode(), resp.String())
	}
	if result.Chart.Error != nil {
		return nil, fmt.Errorf("history fetch for %s failed: %s: %s", canon, result.Chart.Error.Code, result.Chart.Error.Description)
	}
	if len(result.Chart.Result) == 0 || len(result.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, nil
	}

	r := result.Chart.Result[0]
	q := r.Indicators.Quote[0]

	out := make([]Bar, 0, len(r.Timestamp))
	for i, ts := range r.Timestamp {
		if i >= len(q.Close) {
			break
		}
		b := Bar{
			Symbol:   canon,
			Interval: interval,
			Time:     time.Unix(ts, 0).UTC(),
			Open:     at(q.Open, i),
			High:     at(q.High, i),
			Low:      at(q.Low, i),
			Close:    at(q.Close, i),
			Volume:   at(q.Volume, i),
		}
		// Upstream occasionally emits rows with zero prices on halts;
		// skip rather than poison the store.
		if b.Close <= 0 {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// Quote fetches the latest price for a symbol.
func (f *HistoryFetcher) Quote(ctx context.Context, symbol string) (float64, error) {
	canon := symbols.Canonical(symbol)
	if canon == "" {
		return 0, fmt.Errorf("cannot quote empty symbol")
	}

	var result struct {
		QuoteResponse struct {
			Result []struct {
				RegularMarketPrice float64 `json:"regularMarketPrice"`
			} `json:"result"`
		} `json:"quoteResponse"`
	}
	resp, err := f.http.R().
		SetContext(ctx).
		SetQueryParam("symbols", upstreamSymbol(canon)).
		SetResult(&result).
		Get("/v7/finance/quote")
	if err != nil {
		return 0, fmt.Errorf("quote fetch for %s failed: %w", canon, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("quote fetch for %s failed: status %d", canon, resp.StatusCode())
	}
	if len(result.QuoteResponse.Result) == 0 || result.QuoteResponse.Result[0].RegularMarketPrice <= 0 {
		return 0, fmt.Errorf("no quote available for %s", canon)
	}
	return result.QuoteResponse.Result[0].RegularMarketPrice, nil
}

// upstreamSymbol converts a canonical symbol to the provider's spelling:
// US.AAPL → AAPL, HK.00700 → 0700.HK, SH.600519 → 600519.SS,
// SZ.000001 → 000001.SZ.
func upstreamSymbol(canon string) string {
	switch {
	case strings.HasPrefix(canon, "US."):
		return strings.TrimPrefix(canon, "US.")
	case strings.HasPrefix(canon, "HK."):
		body := strings.TrimPrefix(canon, "HK.")
		if len(body) == 5 && strings.HasPrefix(body, "0") {
			body = body[1:]
		}
		return body + ".HK"
	case strings.HasPrefix(canon, "SH."):
		return strings.TrimPrefix(canon, "SH.") + ".SS"
	case strings.HasPrefix(canon, "SZ."):
		return strings.TrimPrefix(canon, "SZ.") + ".SZ"
	default:
		return canon
	}
}

func at(xs []float64, i int) float64 {
	if i < len(xs) {
		return xs[i]
	}
	return 0
}
