package dms

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/milliyang/zuilow/internal/bars"
	"github.com/milliyang/zuilow/internal/symbols"
)

const (
	// gapThresholdDays triggers a warning when the store trails the clock
	// by more than this many days; the fetch still proceeds.
	gapThresholdDays = 7

	// repairDriftThreshold is the relative close drift beyond which a
	// stored row is overwritten with fresh data.
	repairDriftThreshold = 0.01
)

// runIncremental advances each symbol from its latest stored bar to now.
// Symbols with no rows bootstrap with initial_days of history. Only rows
// strictly after the stored latest are written.
func (s *Service) runIncremental(ctx context.Context, t *Task) (int, error) {
	now := s.clock.Now()
	total := 0
	for _, raw := range t.Def.Symbols {
		sym := symbols.Canonical(raw)
		if sym == "" {
			s.log.Warn().Str("symbol", raw).Msg("Skipping invalid symbol")
			continue
		}

		latest, ok, err := s.store.Latest(ctx, sym, t.Def.Interval)
		if err != nil {
			return total, fmt.Errorf("latest lookup for %s failed: %w", sym, err)
		}

		start := now.AddDate(0, 0, -t.Def.InitialDays)
		if ok {
			start = latest.AddDate(0, 0, 1)
			if now.Sub(latest) > gapThresholdDays*24*time.Hour {
				s.log.Warn().Str("symbol", sym).Time("latest", latest).
					Msg("Store trails the clock beyond the gap threshold")
			}
			if !start.Before(now) {
				continue
			}
		}

		fetched, err := s.fetcher.History(ctx, sym, start, now, t.Def.Interval)
		if err != nil {
			return total, fmt.Errorf("fetch for %s failed: %w", sym, err)
		}

		fresh := make([]bars.Bar, 0, len(fetched))
		for _, b := range fetched {
			if !ok || b.Time.After(latest) {
				fresh = append(fresh, b)
			}
		}
		if len(fresh) == 0 {
			continue
		}

		if err := s.store.Write(ctx, fresh); err != nil {
			return total, fmt.Errorf("write for %s failed: %w", sym, err)
		}
		total += len(fresh)
		s.afterWrite(ctx, sym, t.Def.Interval, fresh)
	}
	return total, nil
}

// runFullSync re-fetches a fixed range and overwrites the store for each
// symbol. An empty start/end falls back to initial_days ending now.
func (s *Service) runFullSync(ctx context.Context, t *Task) (int, error) {
	now := s.clock.Now()
	start := now.AddDate(0, 0, -t.Def.InitialDays)
	end := now
	if t.Def.StartDate != "" {
		parsed, err := time.Parse("2006-01-02", t.Def.StartDate)
		if err != nil {
			return 0, fmt.Errorf("task %s has bad start_date %q: %w", t.Def.Name, t.Def.StartDate, err)
		}
		start = parsed
	}
	if t.Def.EndDate != "" {
		parsed, err := time.Parse("2006-01-02", t.Def.EndDate)
		if err != nil {
			return 0, fmt.Errorf("task %s has bad end_date %q: %w", t.Def.Name, t.Def.EndDate, err)
		}
		end = parsed
	}

	total := 0
	for _, raw := range t.Def.Symbols {
		sym := symbols.Canonical(raw)
		if sym == "" {
			continue
		}
		fetched, err := s.fetcher.History(ctx, sym, start, end, t.Def.Interval)
		if err != nil {
			return total, fmt.Errorf("fetch for %s failed: %w", sym, err)
		}
		if len(fetched) == 0 {
			continue
		}
		if err := s.store.Write(ctx, fetched); err != nil {
			return total, fmt.Errorf("write for %s failed: %w", sym, err)
		}
		total += len(fetched)
		s.invalidateCache(sym)
		if err := s.repl.SyncFull(ctx, sym, t.Def.Interval, start, end); err != nil {
			s.log.Warn().Err(err).Str("symbol", sym).Msg("Full replication failed; next cycle retries")
		}
	}
	return total, nil
}

// runValidation reads the recent check_range window per symbol and reports
// rows that violate the bar invariants. No writes.
func (s *Service) runValidation(ctx context.Context, t *Task) (int, []string, error) {
	now := s.clock.Now()
	start := now.AddDate(0, 0, -t.Def.CheckRange)

	checked := 0
	var issues []string
	for _, raw := range t.Def.Symbols {
		sym := symbols.Canonical(raw)
		if sym == "" {
			continue
		}
		window, err := s.store.Read(ctx, sym, t.Def.Interval, start, now)
		if err != nil {
			return checked, issues, fmt.Errorf("read for %s failed: %w", sym, err)
		}
		checked += len(window)
		issues = append(issues, validateWindow(sym, window, t.Def.MaxPriceChange)...)

		if returns := dailyReturns(window); len(returns) > 1 {
			mean, sigma := stat.MeanStdDev(returns, nil)
			s.log.Info().Str("symbol", sym).Int("bars", len(window)).
				Float64("ret_mean", mean).Float64("ret_sigma", sigma).
				Msg("Validation window statistics")
		}
	}
	return checked, issues, nil
}

// validateWindow collects human-readable issue strings for one symbol.
func validateWindow(sym string, window []bars.Bar, maxPriceChange float64) []string {
	var issues []string
	var prevClose float64
	for i, b := range window {
		day := b.Time.UTC().Format("2006-01-02")
		switch {
		case b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0:
			issues = append(issues, fmt.Sprintf("%s %s: missing or non-positive price", sym, day))
		case b.High < math.Max(b.Open, math.Max(b.Close, b.Low)):
			issues = append(issues, fmt.Sprintf("%s %s: high below open/close/low", sym, day))
		case b.Low > math.Min(b.Open, math.Min(b.Close, b.High)):
			issues = append(issues, fmt.Sprintf("%s %s: low above open/close/high", sym, day))
		}
		if b.Volume == 0 {
			issues = append(issues, fmt.Sprintf("%s %s: zero volume", sym, day))
		}
		if i > 0 && prevClose > 0 {
			change := math.Abs(b.Close-prevClose) / prevClose
			if change > maxPriceChange {
				issues = append(issues, fmt.Sprintf("%s %s: daily change %.1f%% exceeds limit", sym, day, change*100))
			}
		}
		prevClose = b.Close
	}
	return issues
}

func dailyReturns(window []bars.Bar) []float64 {
	if len(window) < 2 {
		return nil
	}
	out := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		if window[i-1].Close > 0 {
			out = append(out, window[i].Close/window[i-1].Close-1)
		}
	}
	return out
}

// runRepair re-fetches the recent check_range window and overwrites stored
// rows whose close drifted more than repairDriftThreshold from fresh data.
func (s *Service) runRepair(ctx context.Context, t *Task) (int, error) {
	now := s.clock.Now()
	start := now.AddDate(0, 0, -t.Def.CheckRange)

	total := 0
	for _, raw := range t.Def.Symbols {
		sym := symbols.Canonical(raw)
		if sym == "" {
			continue
		}
		stored, err := s.store.Read(ctx, sym, t.Def.Interval, start, now)
		if err != nil {
			return total, fmt.Errorf("read for %s failed: %w", sym, err)
		}
		if len(stored) == 0 {
			continue
		}
		fresh, err := s.fetcher.History(ctx, sym, start, now, t.Def.Interval)
		if err != nil {
			return total, fmt.Errorf("fetch for %s failed: %w", sym, err)
		}

		freshByTime := make(map[int64]bars.Bar, len(fresh))
		for _, b := range fresh {
			freshByTime[b.Time.UTC().Unix()] = b
		}

		var repaired []bars.Bar
		for _, b := range stored {
			f, ok := freshByTime[b.Time.UTC().Unix()]
			if !ok || b.Close <= 0 {
				continue
			}
			if math.Abs(b.Close-f.Close)/b.Close > repairDriftThreshold {
				repaired = append(repaired, f)
			}
		}
		if len(repaired) == 0 {
			continue
		}
		if err := s.store.Write(ctx, repaired); err != nil {
			return total, fmt.Errorf("repair write for %s failed: %w", sym, err)
		}
		total += len(repaired)
		s.afterWrite(ctx, sym, t.Def.Interval, repaired)
	}
	return total, nil
}

// afterWrite invalidates cached reads for the symbol, fires the realtime
// fan-out and queues an incremental backup sync.
func (s *Service) afterWrite(ctx context.Context, sym, interval string, rows []bars.Bar) {
	s.invalidateCache(sym)
	s.repl.Realtime(rows)
	if err := s.repl.SyncIncremental(ctx, sym, interval); err != nil {
		s.log.Warn().Err(err).Str("symbol", sym).Msg("Incremental replication failed; next cycle retries")
	}
}

func (s *Service) invalidateCache(sym string) {
	if s.cache != nil {
		s.cache.Invalidate(sym)
	}
}
