package bridge

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rustyeddy/tradegate/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t0.Add(d)
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOpts() Options {
	return Options{AckTimeout: 5 * time.Second, MaxAge: 60 * time.Second, UnreachableAfter: 30 * time.Second}
}

func newTestQueue(t *testing.T, store Store) (*Queue, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: t0}
	q, err := NewQueue(testOpts(), clk, store, quiet())
	require.NoError(t, err)
	return q, clk
}

func entry(sym string, at time.Time) Signal {
	return Signal{
		Event:     EventEntry,
		Account:   "acct-1",
		Symbol:    sym,
		Direction: risk.Long,
		Price:     100,
		Stop:      95,
		Target:    110,
		Quantity:  2,
		Strategy:  "ema-cross",
		Time:      at,
	}
}

func TestDeliveryTimeline(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(t, nil)
	s, dup, err := q.Enqueue(entry("BTCUSDT", t0))
	require.NoError(t, err)
	require.False(t, dup)
	assert.Equal(t, StatusQueued, s.Status)
	assert.NotEmpty(t, s.ID)
	assert.Len(t, s.IdemKey, 32)

	clk.Set(7 * time.Second)
	got, ok, err := q.Dequeue("acct-1")
	require.NoError(t, err)
	require.True(t, ok, "still deliverable after the ack timeout if never delivered")
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, 1, got.Attempts)

	clk.Set(8 * time.Second)
	_, ok, err = q.Dequeue("acct-1")
	require.NoError(t, err)
	assert.False(t, ok, "second poll inside the window must not duplicate")

	clk.Set(12 * time.Second)
	got, ok, _ = q.Dequeue("acct-1")
	require.True(t, ok)
	assert.Equal(t, 2, got.Attempts)

	clk.Set(13 * time.Second)
	_, ok, _ = q.Dequeue("acct-1")
	assert.False(t, ok)

	assert.Equal(t, 1, q.Status().Redelivered)
}

func TestIdempotentEnqueue(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, nil)
	a, dup, err := q.Enqueue(entry("ETHUSDT", t0))
	require.NoError(t, err)
	require.False(t, dup)

	b, dup, err := q.Enqueue(entry("ethusdt", t0))
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, a.ID, b.ID)

	_, ok, _ := q.Dequeue("")
	assert.True(t, ok)
	_, ok, _ = q.Dequeue("")
	assert.False(t, ok)
	assert.Equal(t, 1, q.Status().Total)
}

func TestDequeueFiltersAccount(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, nil)
	_, _, err := q.Enqueue(entry("XRPUSDT", t0))
	require.NoError(t, err)

	_, ok, _ := q.Dequeue("other")
	assert.False(t, ok)
	_, ok, _ = q.Dequeue("acct-1")
	assert.True(t, ok)
}

func TestExpiry(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(t, nil)
	var closed []Signal
	q.SetHooks(Hooks{OnClose: func(s Signal) { closed = append(closed, s) }})

	s, _, err := q.Enqueue(entry("BTCUSDT", t0))
	require.NoError(t, err)

	clk.Set(61 * time.Second)
	_, ok, _ := q.Dequeue("acct-1")
	assert.False(t, ok, "stale signals are never delivered")
	require.Len(t, closed, 1)
	assert.Equal(t, StatusExpired, closed[0].Status)

	_, err = q.Acknowledge(s.ID, FillReport{Quantity: 2, Price: 100})
	assert.ErrorIs(t, err, ErrExpired)

	st := q.Status()
	assert.Equal(t, 1, st.Expired)
	assert.Equal(t, 0, st.Active)
}

func TestLateAckAfterDeliveredExpiry(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(t, nil)
	var acked []Signal
	q.SetHooks(Hooks{OnAck: func(s Signal) error { acked = append(acked, s); return nil }})

	s, _, _ := q.Enqueue(entry("BTCUSDT", t0))
	clk.Set(time.Second)
	_, ok, _ := q.Dequeue("acct-1")
	require.True(t, ok)

	clk.Set(90 * time.Second)
	require.Len(t, q.Sweep(), 1)

	got, err := q.Acknowledge(s.ID, FillReport{Quantity: 2, Price: 101})
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, got.Status)
	require.Len(t, acked, 1)
}

// slowStore widens the gap between reading a signal and writing it back.
type slowStore struct {
	*memStore
	delay time.Duration
}

func (s slowStore) SignalByID(sid string) (Signal, error) {
	out, err := s.memStore.SignalByID(sid)
	time.Sleep(s.delay)
	return out, err
}

func TestConcurrentLateAcksBookOnce(t *testing.T) {
	t.Parallel()

	store := slowStore{memStore: newMemStore(), delay: 20 * time.Millisecond}
	q, clk := newTestQueue(t, store)
	s, _, _ := q.Enqueue(entry("BTCUSDT", t0))
	clk.Set(time.Second)
	_, ok, _ := q.Dequeue("acct-1")
	require.True(t, ok)
	clk.Set(90 * time.Second)
	require.Len(t, q.Sweep(), 1)

	// A fresh queue has no history, so every lookup goes to the store.
	q2, err := NewQueue(testOpts(), clk, store, quiet())
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		calls int
	)
	q2.SetHooks(Hooks{OnAck: func(Signal) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := q2.Acknowledge(s.ID, FillReport{Quantity: 2, RealizedPL: -50})
			assert.NoError(t, err)
			assert.Equal(t, StatusAcknowledged, got.Status)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, q2.Status().Acknowledged)
}

func TestAcknowledge(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(t, nil)
	calls := 0
	q.SetHooks(Hooks{OnAck: func(s Signal) error {
		calls++
		assert.True(t, s.Fill.Filled())
		return nil
	}})

	s, _, _ := q.Enqueue(entry("BTCUSDT", t0))
	_, err := q.Acknowledge(s.ID, FillReport{Quantity: 2})
	assert.ErrorIs(t, err, ErrNotDelivered)

	clk.Set(time.Second)
	_, _, _ = q.Dequeue("acct-1")

	got, err := q.Acknowledge(s.ID, FillReport{Quantity: 2, Price: 100.5, Ticket: "T1"})
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, got.Status)
	assert.Equal(t, t0.Add(time.Second), got.Fill.Time)

	again, err := q.Acknowledge(s.ID, FillReport{Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, "T1", again.Fill.Ticket)
	assert.Equal(t, 1, calls)

	_, err = q.Acknowledge("nope", FillReport{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetract(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, nil)
	var closed int
	q.SetHooks(Hooks{OnClose: func(Signal) { closed++ }})

	a, _, _ := q.Enqueue(entry("BTCUSDT", t0))
	b, _, _ := q.Enqueue(entry("ETHUSDT", t0))

	got, err := q.Retract(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetracted, got.Status)
	assert.Equal(t, 1, closed)

	d, ok, _ := q.Dequeue("")
	require.True(t, ok)
	assert.Equal(t, b.ID, d.ID)

	_, err = q.Retract(b.ID)
	assert.ErrorIs(t, err, ErrNotRetractable)
	_, err = q.Retract(a.ID)
	assert.ErrorIs(t, err, ErrNotRetractable)
}

func TestExitNeedsOriginal(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, nil)
	_, _, err := q.Enqueue(Signal{Event: EventExit, Symbol: "BTCUSDT", Strategy: "x"})
	assert.Error(t, err)

	ex, _, err := q.Enqueue(Signal{Event: EventExit, Symbol: "BTCUSDT", Strategy: "x", OriginalID: "01ABC", Time: t0})
	require.NoError(t, err)
	assert.Equal(t, IdempotencyKey("x", "BTCUSDT", t0, risk.Flat), ex.IdemKey)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(t, nil)
	require.NoError(t, q.Health())

	_, _, _ = q.Enqueue(entry("BTCUSDT", t0))
	assert.ErrorIs(t, q.Health(), ErrUnreachable)

	_, _, _ = q.Dequeue("acct-1")
	assert.NoError(t, q.Health())

	_, _, _ = q.Enqueue(entry("ETHUSDT", t0))
	clk.Set(31 * time.Second)
	assert.ErrorIs(t, q.Health(), ErrUnreachable, "enqueue keeps working while the bridge is away")
	assert.False(t, q.Status().Reachable)
}

func TestConcurrentDeliveryAcksOnce(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, nil)
	var (
		mu    sync.Mutex
		acked = map[string]int{}
	)
	q.SetHooks(Hooks{OnAck: func(s Signal) error {
		mu.Lock()
		acked[s.ID]++
		mu.Unlock()
		return nil
	}})

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := q.Enqueue(entry(fmt.Sprintf("SYM%d", i), t0))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				s, ok, err := q.Dequeue("acct-1")
				if err != nil || !ok {
					return
				}
				_, err = q.Acknowledge(s.ID, FillReport{Quantity: s.Quantity, Price: s.Price})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, acked, n)
	for sid, c := range acked {
		assert.Equal(t, 1, c, sid)
	}
	assert.Equal(t, n, q.Status().Acknowledged)
}

func TestHistoryNewestFirst(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(t, nil)
	var ids []string
	for i := 0; i < 3; i++ {
		clk.Set(time.Duration(i) * time.Millisecond)
		s, _, err := q.Enqueue(entry(fmt.Sprintf("S%d", i), t0))
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}
	_, err := q.Retract(ids[0])
	require.NoError(t, err)

	h, err := q.History(2)
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, ids[2], h[0].ID)
	assert.Equal(t, ids[1], h[1].ID)
}

// memStore is an in-memory Store with the uniqueness rule of the real one.
type memStore struct {
	mu   sync.Mutex
	rows map[string]Signal
	keys map[string]string
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]Signal{}, keys: map[string]string{}}
}

func (m *memStore) InsertSignal(s Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[s.IdemKey]; ok {
		return ErrDuplicateKey
	}
	m.rows[s.ID] = s
	m.keys[s.IdemKey] = s.ID
	return nil
}

func (m *memStore) UpdateSignal(s Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.ID] = s
	return nil
}

func (m *memStore) SignalByID(sid string) (Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.rows[sid]; ok {
		return s, nil
	}
	return Signal{}, ErrNotFound
}

func (m *memStore) SignalByKey(key string) (Signal, error) {
	m.mu.Lock()
	sid, ok := m.keys[key]
	m.mu.Unlock()
	if !ok {
		return Signal{}, ErrNotFound
	}
	return m.SignalByID(sid)
}

func (m *memStore) OpenSignals() ([]Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Signal
	for _, s := range m.rows {
		if s.Status.Open() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) RecentSignals(n int) ([]Signal, error) {
	return nil, nil
}

func TestRestartResumesDelivery(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	q, clk := newTestQueue(t, store)
	a, _, _ := q.Enqueue(entry("BTCUSDT", t0))
	b, _, _ := q.Enqueue(entry("ETHUSDT", t0))
	acked, _, _ := q.Enqueue(entry("ADAUSDT", t0))

	clk.Set(time.Second)
	for i := 0; i < 3; i++ {
		s, ok, _ := q.Dequeue("")
		require.True(t, ok)
		if s.ID == acked.ID {
			_, err := q.Acknowledge(s.ID, FillReport{Quantity: 1, Price: 1})
			require.NoError(t, err)
		}
	}

	q2, err := NewQueue(testOpts(), clk, store, quiet())
	require.NoError(t, err)
	open := q2.Open()
	require.Len(t, open, 2)
	assert.Equal(t, a.ID, open[0].ID)
	assert.Equal(t, b.ID, open[1].ID)

	_, dup, err := q2.Enqueue(entry("ADAUSDT", t0))
	require.NoError(t, err)
	assert.True(t, dup, "keys stay unique across restarts")

	got, err := q2.Acknowledge(acked.ID, FillReport{Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, got.Status)

	clk.Set(7 * time.Second)
	s, ok, _ := q2.Dequeue("")
	require.True(t, ok)
	assert.Equal(t, a.ID, s.ID)
	assert.Equal(t, 2, s.Attempts)
}

func TestNewQueueOptions(t *testing.T) {
	t.Parallel()

	_, err := NewQueue(Options{}, nil, nil, nil)
	assert.Error(t, err)
	_, err = NewQueue(Options{AckTimeout: time.Minute, MaxAge: time.Second}, nil, nil, nil)
	assert.Error(t, err)
}

func TestMessage(t *testing.T) {
	t.Parallel()

	s := Signal{
		ID: "01J", IdemKey: "k", Account: "a", Event: EventEntry,
		Symbol: "BTCUSDT", BridgeSymbol: DefaultSymbols.Bridge("btcusdt"),
		Direction: risk.Short, Price: 101.23456, Stop: 105.005, Target: 90,
		SizeQuote: 1234.56, Quantity: 0.1234567, Strategy: "ema", Time: t0, Attempts: 2,
	}
	m := s.Message(2)
	assert.Equal(t, "BTCUSD", m.Symbol)
	assert.Equal(t, "sell", m.Side)
	assert.Equal(t, "101.23", m.Price.String())
	assert.Equal(t, "90", m.TP.String())
	assert.Equal(t, "1235", m.QtyUSD.String())
	assert.Equal(t, "0.123457", m.Qty.String())
	assert.Equal(t, t0.Unix(), m.Timestamp)
	assert.Equal(t, 2, m.Attempt)
}

func TestSymbolMap(t *testing.T) {
	t.Parallel()

	m := DefaultSymbols.With(map[string]string{"eurusd": "EURUSD.a"})
	assert.Equal(t, "EURUSD.a", m.Bridge("EURUSD"))
	assert.Equal(t, "DJ30", m.Bridge("US30"))
	assert.Equal(t, "GBPJPY", m.Bridge("GBPJPY"))
	assert.Equal(t, "EURUSD", DefaultSymbols.Bridge("EURUSD"), "With must not mutate the receiver")
}
