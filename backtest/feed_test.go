package backtest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rustyeddy/tradegate/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBarRow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		row     []string
		ok      bool
		wantErr bool
		check   func(t *testing.T, b Bar)
	}{
		{
			name: "prices only",
			row:  []string{"2025-01-02T10:00:00Z", "BTCUSD", "100", "101", "99", "100.5"},
			ok:   true,
			check: func(t *testing.T, b Bar) {
				assert.Equal(t, time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC), b.Time)
				assert.Equal(t, "BTCUSD", b.Symbol)
				assert.Equal(t, 100.5, b.Close)
				assert.Equal(t, risk.Flat, b.Direction)
				assert.Equal(t, 1.0, b.Strength)
			},
		},
		{
			name: "full decision",
			row:  []string{"1735812000", "ETHUSD", "10", "11", "9", "10", "sell", "0.5", "ema", "10.8", "9", "0.4"},
			ok:   true,
			check: func(t *testing.T, b Bar) {
				assert.Equal(t, time.Unix(1735812000, 0).UTC(), b.Time)
				assert.Equal(t, risk.Short, b.Direction)
				assert.Equal(t, 0.5, b.Strength)
				assert.Equal(t, "ema", b.Strategy)
				assert.Equal(t, 10.8, b.Stop)
				assert.Equal(t, 9.0, b.Target)
				assert.Equal(t, 0.4, b.ATR)
			},
		},
		{
			name: "blank optional columns",
			row:  []string{"2025-01-02T10:00:00Z", "BTCUSD", "100", "101", "99", "100", "long", "", "", "", "", "2"},
			ok:   true,
			check: func(t *testing.T, b Bar) {
				assert.Equal(t, risk.Long, b.Direction)
				assert.Equal(t, 1.0, b.Strength)
				assert.Zero(t, b.Stop)
				assert.Equal(t, 2.0, b.ATR)
			},
		},
		{name: "short row", row: []string{"2025-01-02T10:00:00Z", "BTCUSD", "1"}},
		{name: "no symbol", row: []string{"2025-01-02T10:00:00Z", "", "1", "1", "1", "1"}},
		{name: "bad time", row: []string{"yesterday", "BTCUSD", "1", "1", "1", "1"}, wantErr: true},
		{name: "bad price", row: []string{"2025-01-02T10:00:00Z", "BTCUSD", "1", "x", "1", "1"}, wantErr: true},
		{name: "low above high", row: []string{"2025-01-02T10:00:00Z", "BTCUSD", "1", "1", "2", "1"}, wantErr: true},
		{name: "bad direction", row: []string{"2025-01-02T10:00:00Z", "BTCUSD", "1", "1", "1", "1", "up"}, wantErr: true},
		{name: "bad atr", row: []string{"2025-01-02T10:00:00Z", "BTCUSD", "1", "1", "1", "1", "long", "1", "", "", "", "wide"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, ok, err := parseBarRow(tt.row)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.ok, ok)
			if tt.check != nil {
				tt.check(t, b)
			}
		})
	}
}

func TestCSVFeed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bars.csv")
	data := "time,symbol,open,high,low,close,direction\n" +
		"2025-01-01T00:00:00Z,BTCUSD,1,2,1,2,long\n" +
		"\n" +
		"2025-01-02T00:00:00Z,BTCUSD,2,3,2,3,\n" +
		"2025-01-03T00:00:00Z,BTCUSD,3,4,3,4,short\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	from := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	f, err := NewCSVFeed(path, from, time.Time{})
	require.NoError(t, err)
	defer f.Close()

	var got []Bar
	for {
		b, ok, err := f.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, b)
	}
	require.Len(t, got, 2)
	assert.Equal(t, 3.0, got[0].Close)
	assert.Equal(t, risk.Flat, got[0].Direction)
	assert.Equal(t, risk.Short, got[1].Direction)
}

func TestCSVFeedReportsLine(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bars.csv")
	data := "2025-01-01T00:00:00Z,BTCUSD,1,2,1,2\n" +
		"2025-01-02T00:00:00Z,BTCUSD,1,nope,1,2\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	f, err := NewCSVFeed(path, time.Time{}, time.Time{})
	require.NoError(t, err)
	defer f.Close()

	_, ok, err := f.Next()
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = f.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestInRange(t *testing.T) {
	t.Parallel()

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	assert.True(t, inRange(from, from, to))
	assert.False(t, inRange(to, from, to))
	assert.False(t, inRange(from.Add(-time.Second), from, to))
	assert.True(t, inRange(from.Add(-time.Hour), time.Time{}, time.Time{}))
}

func TestPeek(t *testing.T) {
	t.Parallel()

	bars := []Bar{{Symbol: "A"}, {Symbol: "B"}}
	first, ok, f, err := Peek(&SliceFeed{Bars: bars})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", first.Symbol)

	var got []string
	for {
		b, ok, err := f.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, b.Symbol)
	}
	assert.Equal(t, []string{"A", "B"}, got)

	_, ok, _, err = Peek(&SliceFeed{})
	require.NoError(t, err)
	assert.False(t, ok)
}
