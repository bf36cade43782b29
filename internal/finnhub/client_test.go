package finnhub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AyooB00/Qouantb-sub001/internal/platform/resilience"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{
		BaseURL: server.URL,
		APIKey:  "test-token",
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return client
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.Error(t, err)
}

func TestClient_Quote(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		assert.Equal(t, "test-token", r.URL.Query().Get("token"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"c":187.44,"d":2.13,"dp":1.1494,"h":188.1,"l":185.02,"o":185.5,"pc":185.31,"t":1709303400}`))
	})

	q, err := client.Quote(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.Equal(t, "AAPL", q.Symbol)
	assert.True(t, q.Current.Equal(decimal.RequireFromString("187.44")))
	assert.True(t, q.PercentChange.Equal(decimal.RequireFromString("1.1494")))
	assert.True(t, q.PreviousClose.Equal(decimal.RequireFromString("185.31")))
	assert.Equal(t, int64(1709303400), q.Timestamp)
	assert.Equal(t, 2024, q.Time().Year())

	h := client.Health()
	assert.Equal(t, "finnhub", h.Provider)
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.False(t, h.LastSuccess.IsZero())
	assert.Equal(t, "closed", h.CircuitState)
}

func TestClient_QuoteUnknownSymbol(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"c":0,"d":null,"dp":null,"h":0,"l":0,"o":0,"pc":0,"t":0}`))
	})

	_, err := client.Quote(context.Background(), "ZZZZ")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestClient_RateLimitedIsTagged(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"API limit reached. Please try again later."}`))
	})

	_, err := client.Quote(context.Background(), "AAPL")
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrRateLimitExceeded)
	assert.True(t, resilience.IsRateLimited(err))

	var rl *resilience.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, http.StatusTooManyRequests, rl.StatusCode)
	assert.Equal(t, 3*time.Second, rl.RetryAfter)
}

func TestClient_RateLimitsDoNotOpenBreaker(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	for i := 0; i < 10; i++ {
		_, _ = client.Quote(context.Background(), "AAPL")
	}
	assert.Equal(t, "closed", client.Health().CircuitState)
}

func TestClient_ServerErrorsOpenBreaker(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 7; i++ {
		_, err := client.Quote(context.Background(), "AAPL")
		require.Error(t, err)
		assert.False(t, resilience.IsRateLimited(err))
	}

	assert.Equal(t, int32(5), calls.Load(), "breaker stops calls after 5 failures")
	h := client.Health()
	assert.Equal(t, "open", h.CircuitState)
	assert.Equal(t, 5, h.ConsecutiveFailures)
	assert.Contains(t, h.LastError, "status code 502")
}

func TestClient_Profile(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stock/profile2", r.URL.Path)
		if r.URL.Query().Get("symbol") == "ZZZZ" {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		_, _ = w.Write([]byte(`{"country":"US","currency":"USD","exchange":"NASDAQ NMS - GLOBAL MARKET","finnhubIndustry":"Technology","ipo":"1980-12-12","marketCapitalization":2891402.5,"name":"Apple Inc","shareOutstanding":15441.88,"ticker":"AAPL","weburl":"https://www.apple.com/"}`))
	})

	p, err := client.Profile(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "Apple Inc", p.Name)
	assert.Equal(t, "AAPL", p.Symbol)
	assert.Equal(t, "Technology", p.Industry)
	assert.InDelta(t, 2891402.5, p.MarketCap, 0.01)

	_, err = client.Profile(context.Background(), "ZZZZ")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestClient_Candles(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stock/candle", r.URL.Path)
		assert.Equal(t, "D", r.URL.Query().Get("resolution"))
		assert.Equal(t, "1709251200", r.URL.Query().Get("from"))
		_, _ = w.Write([]byte(`{"c":[186.5,187.44],"h":[187,188.1],"l":[185,185.02],"o":[185.9,185.5],"v":[53000000,48000000],"t":[1709251200,1709337600],"s":"ok"}`))
	})

	from := time.Unix(1709251200, 0)
	c, err := client.Candles(context.Background(), "AAPL", "D", from, from.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, "D", c.Resolution)
	assert.True(t, c.Close[1].Equal(decimal.RequireFromString("187.44")))

	_, err = client.Candles(context.Background(), "AAPL", "2H", from, from)
	assert.ErrorIs(t, err, ErrInvalidResolution)
	assert.False(t, resilience.IsRetryable(err))
}

func TestClient_CandlesNoData(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"s":"no_data"}`))
	})

	_, err := client.Candles(context.Background(), "AAPL", "D", time.Now().Add(-time.Hour), time.Now())
	assert.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 5*time.Second, parseRetryAfter("5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
}
