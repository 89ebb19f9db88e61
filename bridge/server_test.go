package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rustyeddy/tradegate/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubIntake enqueues accepted intents directly and rejects one symbol.
type stubIntake struct {
	q      *Queue
	reject string
}

func (s *stubIntake) Submit(ctx context.Context, in risk.TradeIntent) (Signal, error) {
	if err := in.Validate(); err != nil {
		return Signal{}, err
	}
	if in.Symbol == s.reject {
		return Signal{}, risk.Violation{Code: risk.CodeDailyLimit, Msg: "480 + 30 > 500"}
	}
	sig, _, err := s.q.Enqueue(Signal{
		Event: EventEntry, Account: "acct-1", Symbol: in.Symbol, BridgeSymbol: DefaultSymbols.Bridge(in.Symbol),
		Direction: in.Direction, Price: in.Price, Stop: in.Stop, Target: in.Target,
		Quantity: 1, SizeQuote: in.Price, Strategy: in.Strategy, Time: in.Time,
	})
	return sig, err
}

func (s *stubIntake) Exit(ctx context.Context, originalID string, price float64, at time.Time) (Signal, error) {
	orig, err := s.q.Get(originalID)
	if err != nil {
		return Signal{}, err
	}
	sig, _, err := s.q.Enqueue(Signal{
		Event: EventExit, Account: orig.Account, Symbol: orig.Symbol, Price: price,
		Strategy: orig.Strategy, OriginalID: orig.ID, Time: at,
	})
	return sig, err
}

func newTestServer(t *testing.T, opts ServerOptions) (*httptest.Server, *Queue, *fakeClock) {
	t.Helper()
	q, clk := newTestQueue(t, nil)
	srv := NewServer(q, &stubIntake{q: q, reject: "US30"}, opts, quiet())
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, q, clk
}

func do(t *testing.T, method, url, body string, hdr map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

const entryBody = `{"symbol":"BTCUSDT","side":"buy","price":100,"sl":95,"tp":110,"confidence":0.8,"strategy":"ema","timestamp":1741078800}`

func TestServerRoundTrip(t *testing.T) {
	t.Parallel()

	ts, q, _ := newTestServer(t, ServerOptions{PricePlaces: 2})

	resp := do(t, http.MethodPost, ts.URL+"/enqueue", entryBody, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var queued map[string]string
	decode(t, resp, &queued)
	sid := queued["signalId"]
	require.NotEmpty(t, sid)

	resp = do(t, http.MethodGet, ts.URL+"/dequeue?account=acct-1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msg Message
	decode(t, resp, &msg)
	assert.Equal(t, sid, msg.SignalID)
	assert.Equal(t, "BTCUSD", msg.Symbol)
	assert.Equal(t, "buy", msg.Side)
	assert.Equal(t, int64(1741078800), msg.Timestamp)

	resp = do(t, http.MethodGet, ts.URL+"/dequeue?account=acct-1", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/acknowledge/"+sid, `{"ticket":"42","qty":1,"price":100.1}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := q.Get(sid)
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, got.Status)
	assert.Equal(t, "42", got.Fill.Ticket)

	resp = do(t, http.MethodGet, ts.URL+"/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st QueueStatus
	decode(t, resp, &st)
	assert.Equal(t, 1, st.Acknowledged)
	assert.True(t, st.Reachable)
}

func TestServerExitEvent(t *testing.T) {
	t.Parallel()

	ts, _, _ := newTestServer(t, ServerOptions{})
	resp := do(t, http.MethodPost, ts.URL+"/webhook", entryBody, nil)
	var queued map[string]string
	decode(t, resp, &queued)

	body := `{"event":"exit","price":104,"original_signal_id":"` + queued["signalId"] + `","timestamp":1741082400}`
	resp = do(t, http.MethodPost, ts.URL+"/webhook", body, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/webhook", `{"event":"exit","original_signal_id":"missing"}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerRejections(t *testing.T) {
	t.Parallel()

	ts, _, _ := newTestServer(t, ServerOptions{})

	resp := do(t, http.MethodPost, ts.URL+"/enqueue", `{"symbol":"US30","side":"sell","price":100,"sl":101,"strategy":"x","timestamp":1}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var e map[string]string
	decode(t, resp, &e)
	assert.Equal(t, risk.CodeDailyLimit, e["error"])

	resp = do(t, http.MethodPost, ts.URL+"/enqueue", `{"symbol":"BTCUSDT","side":"sideways","price":100,"sl":95}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/enqueue", `{"symbol":"BTCUSDT","side":"buy","price":100,"sl":105,"strategy":"x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "stop on the wrong side")

	resp = do(t, http.MethodPost, ts.URL+"/enqueue", `{"event":"adjust"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/enqueue", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerAckErrors(t *testing.T) {
	t.Parallel()

	ts, q, clk := newTestServer(t, ServerOptions{})
	s, _, err := q.Enqueue(entry("ETHUSDT", t0))
	require.NoError(t, err)

	resp := do(t, http.MethodPost, ts.URL+"/acknowledge/"+s.ID, `{"qty":1}`, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/acknowledge/unknown", `{"qty":1}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	clk.Set(2 * time.Minute)
	q.Sweep()
	resp = do(t, http.MethodPost, ts.URL+"/acknowledge/"+s.ID, `{"qty":1}`, nil)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestServerRetract(t *testing.T) {
	t.Parallel()

	ts, q, _ := newTestServer(t, ServerOptions{})
	a, _, _ := q.Enqueue(entry("ETHUSDT", t0))
	b, _, _ := q.Enqueue(entry("XRPUSDT", t0))

	resp := do(t, http.MethodDelete, ts.URL+"/signals/"+a.ID, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, _, _ = q.Dequeue("")
	resp = do(t, http.MethodDelete, ts.URL+"/signals/"+b.ID, "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/signals/"+a.ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var v signalView
	decode(t, resp, &v)
	assert.Equal(t, StatusRetracted, v.Status)

	resp = do(t, http.MethodGet, ts.URL+"/queue", "", nil)
	var open []signalView
	decode(t, resp, &open)
	require.Len(t, open, 1)
	assert.Equal(t, b.ID, open[0].ID)

	resp = do(t, http.MethodGet, ts.URL+"/history?limit=5", "", nil)
	var hist []signalView
	decode(t, resp, &hist)
	assert.Len(t, hist, 2)
}

func TestServerToken(t *testing.T) {
	t.Parallel()

	ts, _, _ := newTestServer(t, ServerOptions{Token: "s3cret"})

	resp := do(t, http.MethodGet, ts.URL+"/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/status", "", map[string]string{"X-Bridge-Token": "s3cret"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/dequeue?token=s3cret", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/enqueue", entryBody, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	withToken := strings.Replace(entryBody, `{`, `{"token":"s3cret",`, 1)
	resp = do(t, http.MethodPost, ts.URL+"/enqueue", withToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerPollRateLimit(t *testing.T) {
	t.Parallel()

	ts, _, _ := newTestServer(t, ServerOptions{PollsPerSecond: 0.001, Burst: 2})

	for i := 0; i < 2; i++ {
		resp := do(t, http.MethodGet, ts.URL+"/dequeue?account=a", "", nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	}
	resp := do(t, http.MethodGet, ts.URL+"/dequeue?account=a", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/dequeue?account=b", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode, "limits are per account")
}
