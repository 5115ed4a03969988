package bars

import (
	"context"
	"time"
)

// Store is the time-series backend for OHLCV data. Implementations must
// be safe for concurrent use; readers never mutate. The primary key is
// (symbol, interval, time) and writes replace on conflict.
type Store interface {
	// Write upserts bars. Invalid bars fail the whole batch.
	Write(ctx context.Context, bars []Bar) error

	// Read returns bars for [start, end] inclusive, ordered by time ascending.
	Read(ctx context.Context, symbol, interval string, start, end time.Time) ([]Bar, error)

	// ReadBatch is a single store call for many symbols; callers partition
	// the result by canonical symbol in memory.
	ReadBatch(ctx context.Context, syms []string, interval string, start, end time.Time) ([]Bar, error)

	// Latest returns the most recent bar timestamp for (symbol, interval).
	// ok is false when no rows exist.
	Latest(ctx context.Context, symbol, interval string) (t time.Time, ok bool, err error)

	// Symbols lists all distinct canonical symbols in the store.
	Symbols(ctx context.Context) ([]string, error)

	// Count returns the number of rows for (symbol, interval).
	Count(ctx context.Context, symbol, interval string) (int64, error)

	// DeleteRange removes rows in [start, end]; full-sync and repair tasks
	// overwrite through Write, this exists for explicit clears.
	DeleteRange(ctx context.Context, symbol, interval string, start, end time.Time) error

	// Clear wipes the store. Destructive; exposed only on master role.
	Clear(ctx context.Context) error
}

// Fetcher pulls history and quotes from the upstream market data provider.
// Implementations rate-limit and retry internally; a final failure is a
// fetcher_transient error surfaced to the calling task.
type Fetcher interface {
	History(ctx context.Context, symbol string, start, end time.Time, interval string) ([]Bar, error)
	Quote(ctx context.Context, symbol string) (float64, error)
}
