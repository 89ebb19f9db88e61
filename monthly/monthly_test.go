package monthly

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/rustyeddy/tradegate/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	rows map[string]Record
}

func (m *memStore) SaveMonthly(r Record) error {
	m.rows[r.Period] = r
	return nil
}

func book(t *testing.T, l *ledger.Ledger, n int, pl float64, at time.Time) {
	t.Helper()
	_, err := l.ApplyFill(ledger.Fill{
		ID:         fmt.Sprintf("f%d", n),
		Exit:       true,
		Symbol:     "EURUSD",
		Quantity:   1,
		Price:      1.1,
		RealizedPL: pl,
		Time:       at,
	})
	require.NoError(t, err)
}

func TestPeriodsFollowEventTime(t *testing.T) {
	t.Parallel()

	l, err := ledger.New(10000)
	require.NoError(t, err)
	store := &memStore{rows: map[string]Record{}}
	agg := New(time.UTC, store, quiet())
	l.Subscribe(agg)

	jan := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	book(t, l, 1, 200, jan)
	book(t, l, 2, -50, jan.Add(48*time.Hour))
	// February is skipped entirely.
	book(t, l, 3, 100, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC))

	recs := agg.Records()
	require.Len(t, recs, 3)

	assert.Equal(t, "2025-01", recs[0].Period)
	assert.Equal(t, 10000.0, recs[0].Opening)
	assert.Equal(t, 10150.0, recs[0].Closing)
	assert.Equal(t, 150.0, recs[0].PnL)
	assert.InDelta(t, 1.5, recs[0].PnLPct, 1e-9)
	assert.Equal(t, 2, recs[0].Trades)
	assert.Equal(t, "2025-02", recs[1].Period)
	assert.Equal(t, 10150.0, recs[1].Opening)
	assert.Equal(t, 0.0, recs[1].PnL)
	assert.Equal(t, 0, recs[1].Trades)
	assert.Equal(t, "2025-03", recs[2].Period)
	assert.Equal(t, 10250.0, recs[2].Closing)

	assert.Len(t, store.rows, 3)
	assert.Equal(t, recs[2], store.rows["2025-03"])
}

func TestSumMatchesBalanceChange(t *testing.T) {
	t.Parallel()

	l, err := ledger.New(5000)
	require.NoError(t, err)
	agg := New(time.UTC, nil, quiet())
	l.Subscribe(agg)

	rng := rand.New(rand.NewSource(7))
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 400; i++ {
		at = at.Add(time.Duration(rng.Intn(72)+1) * time.Hour)
		book(t, l, i, (rng.Float64()-0.48)*80, at)
	}

	recs := agg.Records()
	sum, err := Total(recs)
	require.NoError(t, err)
	assert.InDelta(t, l.Snapshot().Balance-5000, sum, 1e-6)
	assert.Equal(t, 5000.0, recs[0].Opening)

	for i := 1; i < len(recs); i++ {
		assert.InDelta(t, recs[i-1].Closing, recs[i].Opening, 1e-9, recs[i].Period)
		assert.Greater(t, recs[i].Period, recs[i-1].Period)
	}
}

func TestEntryFillsDoNotCountAsTrades(t *testing.T) {
	t.Parallel()

	l, err := ledger.New(1000)
	require.NoError(t, err)
	agg := New(time.UTC, nil, quiet())
	l.Subscribe(agg)

	_, err = l.ApplyFill(ledger.Fill{ID: "e", Quantity: 1, Price: 10, Time: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)

	cur, ok := agg.Current()
	require.True(t, ok)
	assert.Equal(t, 0, cur.Trades)
	assert.Equal(t, "2025-04", cur.Period)
}

func TestTickClosesQuietMonths(t *testing.T) {
	t.Parallel()

	l, err := ledger.New(1000)
	require.NoError(t, err)
	agg := New(time.UTC, nil, quiet())
	l.Subscribe(agg)

	book(t, l, 1, 10, time.Date(2025, 4, 30, 23, 0, 0, 0, time.UTC))
	agg.Tick(time.Date(2025, 4, 30, 23, 59, 0, 0, time.UTC))
	assert.Len(t, agg.Records(), 1)

	agg.Tick(time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC))
	recs := agg.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, "2025-06", recs[2].Period)
	assert.Equal(t, 1010.0, recs[2].Opening)
}

func TestPeriodKeyUsesZone(t *testing.T) {
	t.Parallel()

	ny := time.FixedZone("EST", -5*3600)
	at := time.Date(2025, 2, 1, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, "2025-02", PeriodKey(at, nil))
	assert.Equal(t, "2025-01", PeriodKey(at, ny))
}

func TestRestoreReopensLatest(t *testing.T) {
	t.Parallel()

	agg := New(time.UTC, nil, quiet())
	agg.Restore([]Record{
		{Period: "2025-02", Opening: 1100, Closing: 1150, PnL: 50, Trades: 1},
		{Period: "2025-01", Opening: 1000, Closing: 1100, PnL: 100, Trades: 3},
	})
	cur, ok := agg.Current()
	require.True(t, ok)
	assert.Equal(t, "2025-02", cur.Period)

	agg.OnLedgerChanged(ledger.Event{
		Fill:   ledger.Fill{ID: "x", Exit: true, Quantity: 1, RealizedPL: 25, Time: time.Date(2025, 2, 20, 0, 0, 0, 0, time.UTC)},
		Before: ledger.Account{Balance: 1150},
		After:  ledger.Account{Balance: 1175},
	})
	cur, _ = agg.Current()
	assert.Equal(t, 75.0, cur.PnL)
	assert.Equal(t, 2, cur.Trades)
	assert.Len(t, agg.Records(), 2)
}

func TestTotalDetectsGap(t *testing.T) {
	t.Parallel()

	_, err := Total([]Record{
		{Period: "2025-01", Opening: 100, Closing: 110, PnL: 10},
		{Period: "2025-02", Opening: 120, Closing: 130, PnL: 10},
	})
	assert.Error(t, err)

	sum, err := Total(nil)
	assert.NoError(t, err)
	assert.Zero(t, sum)
}
