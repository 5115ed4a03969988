package bars

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/milliyang/zuilow/internal/clock"
	"github.com/milliyang/zuilow/internal/symbols"
)

// RestStore is a BarStore backed by a remote DMS instance (typically a
// replication backup running with role=slave). It speaks the DMS wire API:
// POST /api/dms/write/batch, POST /api/dms/read/batch, GET /api/dms/symbol/
// {sym}/info. Only the operations replication needs are fully supported;
// destructive operations are refused client-side.
type RestStore struct {
	http *resty.Client
	log  zerolog.Logger
}

// NewRestStore builds a client for baseURL (e.g. "http://backup-1:8101").
// The token, when non-empty, is sent as X-API-Key on every request.
func NewRestStore(baseURL, token string, timeout time.Duration, log zerolog.Logger) *RestStore {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		client.SetHeader("X-API-Key", token)
	}
	return &RestStore{
		http: client,
		log:  log.With().Str("component", "rest_bar_store").Str("base_url", baseURL).Logger(),
	}
}

type wireBar struct {
	Symbol   string  `json:"symbol"`
	Interval string  `json:"interval"`
	Time     string  `json:"time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

type writeBatchRequest struct {
	Bars []wireBar `json:"bars"`
}

type readBatchRequest struct {
	Symbols   []string `json:"symbols"`
	StartDate string   `json:"start_date"`
	EndDate   string   `json:"end_date"`
	Interval  string   `json:"interval"`
}

type readBatchFrame struct {
	Data []struct {
		Open   float64 `json:"Open"`
		High   float64 `json:"High"`
		Low    float64 `json:"Low"`
		Close  float64 `json:"Close"`
		Volume float64 `json:"Volume"`
	} `json:"data"`
	Index []string `json:"index"`
}

// Write pushes bars to the remote store.
func (s *RestStore) Write(ctx context.Context, rows []Bar) error {
	if len(rows) == 0 {
		return nil
	}
	req := writeBatchRequest{Bars: make([]wireBar, 0, len(rows))}
	for _, b := range rows {
		req.Bars = append(req.Bars, wireBar{
			Symbol:   symbols.Canonical(b.Symbol),
			Interval: b.Interval,
			Time:     b.Time.UTC().Format(clock.ISOFormat),
			Open:     b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
		})
	}

	resp, err := s.http.R().SetContext(ctx).SetBody(req).Post("/api/dms/write/batch")
	if err != nil {
		return fmt.Errorf("backup write failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("backup write failed: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Read fetches bars for one symbol via the batch endpoint.
func (s *RestStore) Read(ctx context.Context, symbol, interval string, start, end time.Time) ([]Bar, error) {
	return s.ReadBatch(ctx, []string{symbol}, interval, start, end)
}

// ReadBatch fetches bars for many symbols.
func (s *RestStore) ReadBatch(ctx context.Context, syms []string, interval string, start, end time.Time) ([]Bar, error) {
	canon := make([]string, 0, len(syms))
	for _, sym := range syms {
		if c := symbols.Canonical(sym); c != "" {
			canon = append(canon, c)
		}
	}
	if len(canon) == 0 {
		return nil, nil
	}

	var result map[string]readBatchFrame
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(readBatchRequest{
			Symbols:   canon,
			StartDate: start.UTC().Format("2006-01-02"),
			EndDate:   end.UTC().Format("2006-01-02"),
			Interval:  interval,
		}).
		SetResult(&result).
		Post("/api/dms/read/batch")
	if err != nil {
		return nil, fmt.Errorf("backup read failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("backup read failed: status %d: %s", resp.StatusCode(), resp.String())
	}

	var out []Bar
	for sym, frame := range result {
		for i, row := range frame.Data {
			if i >= len(frame.Index) {
				break
			}
			ts, err := clock.ParseISO(frame.Index[i])
			if err != nil {
				return nil, fmt.Errorf("backup returned bad timestamp %q: %w", frame.Index[i], err)
			}
			out = append(out, Bar{
				Symbol: sym, Interval: interval, Time: ts,
				Open: row.Open, High: row.High, Low: row.Low, Close: row.Close, Volume: row.Volume,
			})
		}
	}
	return out, nil
}

// Latest queries the remote symbol info endpoint.
func (s *RestStore) Latest(ctx context.Context, symbol, interval string) (time.Time, bool, error) {
	canon := symbols.Canonical(symbol)
	if canon == "" {
		return time.Time{}, false, nil
	}
	var info struct {
		LatestDate  string `json:"latest_date"`
		RecordCount int64  `json:"record_count"`
	}
	resp, err := s.http.R().
		SetContext(ctx).
		SetResult(&info).
		SetQueryParam("interval", interval).
		Get("/api/dms/symbol/" + canon + "/info")
	if err != nil {
		return time.Time{}, false, fmt.Errorf("backup info query failed: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound || info.LatestDate == "" {
		return time.Time{}, false, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return time.Time{}, false, fmt.Errorf("backup info query failed: status %d", resp.StatusCode())
	}
	t, err := time.Parse("2006-01-02", info.LatestDate)
	if err != nil {
		t2, err2 := clock.ParseISO(info.LatestDate)
		if err2 != nil {
			return time.Time{}, false, fmt.Errorf("backup returned bad latest_date %q: %w", info.LatestDate, err)
		}
		t = t2
	}
	return t.UTC(), true, nil
}

// Symbols lists symbols on the remote store.
func (s *RestStore) Symbols(ctx context.Context) ([]string, error) {
	var result struct {
		Symbols []string `json:"symbols"`
	}
	resp, err := s.http.R().SetContext(ctx).SetResult(&result).Get("/api/dms/symbols")
	if err != nil {
		return nil, fmt.Errorf("backup symbols query failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("backup symbols query failed: status %d", resp.StatusCode())
	}
	return result.Symbols, nil
}

// Count returns the remote record count for a symbol.
func (s *RestStore) Count(ctx context.Context, symbol, interval string) (int64, error) {
	canon := symbols.Canonical(symbol)
	if canon == "" {
		return 0, nil
	}
	var info struct {
		RecordCount int64 `json:"record_count"`
	}
	resp, err := s.http.R().
		SetContext(ctx).
		SetResult(&info).
		SetQueryParam("interval", interval).
		Get("/api/dms/symbol/" + canon + "/info")
	if err != nil {
		return 0, fmt.Errorf("backup count query failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("backup count query failed: status %d", resp.StatusCode())
	}
	return info.RecordCount, nil
}

// DeleteRange is not supported over the wire; replication only appends.
func (s *RestStore) DeleteRange(ctx context.Context, symbol, interval string, start, end time.Time) error {
	return fmt.Errorf("delete is not supported on a remote backup store")
}

// Clear is refused client-side; /database/clear requires master role and a
// deliberate operator call.
func (s *RestStore) Clear(ctx context.Context) error {
	return fmt.Errorf("clear is not supported on a remote backup store")
}
