package crawler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newRetryPipeline(t *testing.T, maxRetries int, sleeper *recordingSleeper, opts ...Option) *Pipeline {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RespectRobots = false
	cfg.MaxRetries = maxRetries
	cfg.Headers = map[string]string{"User-Agent": "finbot/1.0", "Accept": "text/html"}
	opts = append([]Option{WithSleeper(sleeper.Sleep)}, opts...)
	p, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	return p
}

func TestRequestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failures  int
		wantSleep []time.Duration
	}{
		{name: "first attempt", failures: 0, wantSleep: nil},
		{name: "one failure", failures: 1, wantSleep: []time.Duration{time.Second}},
		{name: "three failures", failures: 3, wantSleep: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if int(hits.Add(1)) <= tt.failures {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				_, _ = io.WriteString(w, "ok")
			}))
			defer srv.Close()

			sleeper := &recordingSleeper{}
			p := newRetryPipeline(t, 5, sleeper)

			resp, err := p.RequestWithRetry(context.Background(), http.MethodGet, srv.URL, RequestOptions{})
			require.NoError(t, err)
			payload, err := ReadBody(resp, 0)
			require.NoError(t, err)
			require.Equal(t, "ok", string(payload.Body))
			require.Equal(t, int32(tt.failures+1), hits.Load())
			require.Equal(t, tt.wantSleep, sleeper.Delays())
		})
	}
}

func TestRequestWithRetryGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sleeper := &recordingSleeper{}
	p := newRetryPipeline(t, 3, sleeper)

	resp, err := p.RequestWithRetry(context.Background(), http.MethodGet, srv.URL+"/quote", RequestOptions{})
	require.Nil(t, resp)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	var transportErr *TransportError
	require.False(t, errors.As(err, &transportErr), "status failures are not transport failures")
	require.NoError(t, errors.Unwrap(err), "a status error has no underlying cause")
	require.Equal(t, int32(3), hits.Load())
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.Delays())
	require.Equal(t, 3*time.Second, sleeper.Total())
}

func TestRequestWithRetryReportsTransportErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset by peer")
	var calls atomic.Int32
	client := doerFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, boom
	})

	sleeper := &recordingSleeper{}
	p := newRetryPipeline(t, 2, sleeper, WithHTTPClient(client))

	_, err := p.RequestWithRetry(context.Background(), http.MethodGet, "https://example.com/a", RequestOptions{})
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.ErrorIs(t, err, boom)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, []time.Duration{time.Second}, sleeper.Delays())
}

func TestRequestWithRetrySingleAttemptNeverSleeps(t *testing.T) {
	t.Parallel()

	client := doerFunc(func(r *http.Request) (*http.Response, error) {
		return newResponse(r, http.StatusNotFound, ""), nil
	})
	sleeper := &recordingSleeper{}
	p := newRetryPipeline(t, 1, sleeper, WithHTTPClient(client))

	_, err := p.RequestWithRetry(context.Background(), http.MethodGet, "https://example.com/missing", RequestOptions{})
	require.Error(t, err)
	require.Empty(t, sleeper.Delays())
}

func TestRequestWithRetryAppliesHeadersParamsAndBody(t *testing.T) {
	t.Parallel()

	type seen struct {
		ua, accept, query, body string
	}
	var got []seen
	client := doerFunc(func(r *http.Request) (*http.Response, error) {
		var body []byte
		if r.Body != nil {
			body, _ = io.ReadAll(r.Body)
		}
		got = append(got, seen{
			ua:     r.Header.Get("User-Agent"),
			accept: r.Header.Get("Accept"),
			query:  r.URL.RawQuery,
			body:   string(body),
		})
		if len(got) == 1 {
			return newResponse(r, http.StatusBadGateway, ""), nil
		}
		return newResponse(r, http.StatusOK, "{}"), nil
	})

	sleeper := &recordingSleeper{}
	p := newRetryPipeline(t, 3, sleeper, WithHTTPClient(client))

	resp, err := p.RequestWithRetry(context.Background(), http.MethodPost, "https://example.com/api?page=1", RequestOptions{
		Params: map[string][]string{"symbol": {"AAPL"}},
		Header: http.Header{"Accept": {"application/json"}},
		Body:   []byte(`{"q":"pe"}`),
	})
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	require.Len(t, got, 2)
	for _, s := range got {
		require.Equal(t, "finbot/1.0", s.ua)
		require.Equal(t, "application/json", s.accept)
		require.Equal(t, "page=1&symbol=AAPL", s.query)
		require.Equal(t, `{"q":"pe"}`, s.body, "body is replayed on retry")
	}
}

func TestRequestWithRetryStopsOnCanceledBackoff(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := doerFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return newResponse(r, http.StatusTooManyRequests, ""), nil
	})
	cfg := DefaultConfig()
	cfg.RespectRobots = false
	cfg.MaxRetries = 5
	p, err := New(context.Background(), cfg, WithHTTPClient(client))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.RequestWithRetry(ctx, http.MethodGet, "https://example.com", RequestOptions{})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, int32(1), calls.Load())
}

func TestBackoffDelayDoubles(t *testing.T) {
	t.Parallel()

	require.Equal(t, time.Second, backoffDelay(0))
	require.Equal(t, 2*time.Second, backoffDelay(1))
	require.Equal(t, 8*time.Second, backoffDelay(3))
}

func TestTimerSleepHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := timerSleep(ctx, 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second, "sleep should exit immediately when context is done")
	require.NoError(t, timerSleep(context.Background(), 0))
}
