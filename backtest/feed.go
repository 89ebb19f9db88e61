package backtest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/tradegate/risk"
)

// Bar is one step of a replay: OHLC prices for a symbol plus the
// strategy decision taken at its close.
type Bar struct {
	Time   time.Time
	Symbol string
	Open   float64
	High   float64
	Low    float64
	Close  float64

	Direction risk.Direction // flat when the strategy has no opinion
	Strength  float64
	Strategy  string
	Stop      float64 // 0 = derive from ATR
	Target    float64 // 0 = none, or derived from the reward/risk ratio
	ATR       float64
}

// Feed yields bars in time order. Next returns ok=false, err=nil at the end.
type Feed interface {
	Next() (b Bar, ok bool, err error)
	Close() error
}

// CSVFeed reads rows of
//
//	time,symbol,open,high,low,close[,direction,strength,strategy,stop,target,atr]
//
// where time is RFC3339, RFC3339Nano or unix seconds. An optional header
// row is skipped, as are empty or short rows. Bars outside [from, to) are
// dropped when the bounds are set.
type CSVFeed struct {
	f    *os.File
	r    *csv.Reader
	from time.Time
	to   time.Time

	sawFirst bool
}

func NewCSVFeed(path string, from, to time.Time) (*CSVFeed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	return &CSVFeed{f: f, r: r, from: from, to: to}, nil
}

func (f *CSVFeed) Close() error {
	if f.f != nil {
		return f.f.Close()
	}
	return nil
}

func (f *CSVFeed) Next() (Bar, bool, error) {
	for {
		row, err := f.r.Read()
		if err == io.EOF {
			return Bar{}, false, nil
		}
		if err != nil {
			return Bar{}, false, err
		}
		if len(row) == 0 {
			continue
		}

		if !f.sawFirst {
			f.sawFirst = true
			if strings.EqualFold(strings.TrimSpace(row[0]), "time") {
				continue
			}
		}

		b, ok, err := parseBarRow(row)
		if err != nil {
			line, _ := f.r.FieldPos(0)
			return Bar{}, false, fmt.Errorf("line %d: %w", line, err)
		}
		if !ok || !inRange(b.Time, f.from, f.to) {
			continue
		}
		return b, true, nil
	}
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad time %q", s)
	}
	return time.Unix(sec, 0).UTC(), nil
}

func parseBarRow(row []string) (Bar, bool, error) {
	if len(row) < 6 {
		return Bar{}, false, nil
	}
	for i := range row {
		row[i] = strings.TrimSpace(row[i])
	}
	if row[0] == "" || row[1] == "" {
		return Bar{}, false, nil
	}

	t, err := parseTime(row[0])
	if err != nil {
		return Bar{}, false, err
	}
	b := Bar{Time: t, Symbol: row[1], Direction: risk.Flat}

	prices := []*float64{&b.Open, &b.High, &b.Low, &b.Close}
	names := []string{"open", "high", "low", "close"}
	for i, p := range prices {
		v, err := strconv.ParseFloat(row[2+i], 64)
		if err != nil {
			return Bar{}, false, fmt.Errorf("bad %s %q: %w", names[i], row[2+i], err)
		}
		*p = v
	}
	if b.Low > b.High {
		return Bar{}, false, fmt.Errorf("low %v above high %v", b.Low, b.High)
	}

	opt := func(i int) string {
		if i < len(row) {
			return row[i]
		}
		return ""
	}
	if s := opt(6); s != "" {
		if b.Direction, err = risk.ParseDirection(s); err != nil {
			return Bar{}, false, err
		}
	}
	b.Strength = 1
	if s := opt(7); s != "" {
		if b.Strength, err = strconv.ParseFloat(s, 64); err != nil {
			return Bar{}, false, fmt.Errorf("bad strength %q: %w", s, err)
		}
	}
	b.Strategy = opt(8)
	for i, p := range []*float64{&b.Stop, &b.Target, &b.ATR} {
		s := opt(9 + i)
		if s == "" {
			continue
		}
		if *p, err = strconv.ParseFloat(s, 64); err != nil {
			return Bar{}, false, fmt.Errorf("bad column %d %q: %w", 10+i, s, err)
		}
	}
	return b, true, nil
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

// SliceFeed replays bars held in memory.
type SliceFeed struct {
	Bars []Bar
	i    int
}

func (s *SliceFeed) Next() (Bar, bool, error) {
	if s.i >= len(s.Bars) {
		return Bar{}, false, nil
	}
	b := s.Bars[s.i]
	s.i++
	return b, true, nil
}

func (s *SliceFeed) Close() error { return nil }

// Peek reads the first bar of f and returns a feed that replays it before
// the rest, so callers can start a clock at the data's first timestamp.
func Peek(f Feed) (Bar, bool, Feed, error) {
	b, ok, err := f.Next()
	if err != nil || !ok {
		return b, ok, f, err
	}
	return b, true, &peeked{first: &b, Feed: f}, nil
}

type peeked struct {
	first *Bar
	Feed
}

func (p *peeked) Next() (Bar, bool, error) {
	if p.first != nil {
		b := *p.first
		p.first = nil
		return b, true, nil
	}
	return p.Feed.Next()
}
