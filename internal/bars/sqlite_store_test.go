package bars

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteStore(db, zerolog.Nop())
	require.NoError(t, err)
	return store
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func testBars(symbol string, days ...time.Time) []Bar {
	out := make([]Bar, 0, len(days))
	for i, d := range days {
		px := 100.0 + float64(i)
		out = append(out, Bar{
			Symbol: symbol, Interval: Interval1d, Time: d,
			Open: px, High: px + 1, Low: px - 1, Close: px + 0.5, Volume: 1000,
		})
	}
	return out
}

func TestSQLiteStore_WriteRead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rows := testBars("AAPL", day(2025, 11, 12), day(2025, 11, 13), day(2025, 11, 14))
	require.NoError(t, store.Write(ctx, rows))

	// Reads resolve through the same canonical form regardless of spelling
	got, err := store.Read(ctx, "aapl", Interval1d, day(2025, 11, 12), day(2025, 11, 14))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "US.AAPL", got[0].Symbol)
	assert.True(t, got[0].Time.Before(got[1].Time), "ascending time order")

	latest, ok, err := store.Latest(ctx, "US.AAPL", Interval1d)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, day(2025, 11, 14), latest)

	n, err := store.Count(ctx, "AAPL.US", Interval1d)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestSQLiteStore_UpsertReplaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d := day(2025, 11, 14)
	require.NoError(t, store.Write(ctx, []Bar{{
		Symbol: "AAPL", Interval: Interval1d, Time: d,
		Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1000,
	}}))
	require.NoError(t, store.Write(ctx, []Bar{{
		Symbol: "AAPL", Interval: Interval1d, Time: d,
		Open: 100, High: 102, Low: 99, Close: 101.5, Volume: 2000,
	}}))

	got, err := store.Read(ctx, "AAPL", Interval1d, d, d)
	require.NoError(t, err)
	require.Len(t, got, 1, "same primary key must replace, not duplicate")
	assert.Equal(t, 101.5, got[0].Close)
	assert.Equal(t, 2000.0, got[0].Volume)
}

func TestSQLiteStore_InvalidBarRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Write(ctx, []Bar{{
		Symbol: "AAPL", Interval: Interval1d, Time: day(2025, 11, 14),
		Open: 100, High: 99, Low: 101, Close: 100, Volume: -5,
	}})
	assert.Error(t, err)

	n, err := store.Count(ctx, "AAPL", Interval1d)
	require.NoError(t, err)
	assert.Zero(t, n, "failed batch must not partially apply")
}

func TestSQLiteStore_ReadBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, testBars("AAPL", day(2025, 11, 13), day(2025, 11, 14))))
	require.NoError(t, store.Write(ctx, testBars("0700.HK", day(2025, 11, 14))))

	got, err := store.ReadBatch(ctx, []string{"AAPL", "0700.HK", "MISSING"},
		Interval1d, day(2025, 11, 13), day(2025, 11, 14))
	require.NoError(t, err)
	assert.Len(t, got, 3)

	bySymbol := map[string]int{}
	for _, b := range got {
		bySymbol[b.Symbol]++
	}
	assert.Equal(t, 2, bySymbol["US.AAPL"])
	assert.Equal(t, 1, bySymbol["HK.00700"])

	syms, err := store.Symbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"HK.00700", "US.AAPL"}, syms)
}

func TestSQLiteStore_EmptySymbolNeverPanics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.Read(ctx, "", Interval1d, day(2025, 1, 1), day(2025, 12, 31))
	require.NoError(t, err)
	assert.Empty(t, got)

	_, ok, err := store.Latest(ctx, "   ", Interval1d)
	require.NoError(t, err)
	assert.False(t, ok)
}
