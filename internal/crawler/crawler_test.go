package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Shared fakes for the crawler tests.

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(r *http.Request) (*http.Response, error) { return f(r) }

func newResponse(r *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    r,
	}
}

// notFoundRobots answers every robots.txt request with 404 (allow all).
func notFoundRobots() Doer {
	return doerFunc(func(r *http.Request) (*http.Response, error) {
		return newResponse(r, http.StatusNotFound, ""), nil
	})
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func (s *recordingSleeper) Total() time.Duration {
	var total time.Duration
	for _, d := range s.Delays() {
		total += d
	}
	return total
}

type fakeSource struct {
	payload    Payload
	records    []Record
	fetchErr   error
	parseErr   error
	fetchCalls int
	parseCalls int
	lastParams url.Values
}

func (s *fakeSource) Fetch(_ context.Context, rawURL string, params url.Values) (Payload, error) {
	s.fetchCalls++
	s.lastParams = params
	if s.fetchErr != nil {
		return Payload{}, s.fetchErr
	}
	p := s.payload
	p.URL = rawURL
	return p, nil
}

func (s *fakeSource) Parse(Payload) ([]Record, error) {
	s.parseCalls++
	if s.parseErr != nil {
		return nil, s.parseErr
	}
	return s.records, nil
}

type fakeStore struct {
	ids    []string
	failOn map[string]bool
	calls  int
	texts  []string
	metas  []map[string]any
}

func (s *fakeStore) AddDocument(_ context.Context, text string, metadata map[string]any) (string, error) {
	s.calls++
	s.texts = append(s.texts, text)
	s.metas = append(s.metas, metadata)
	if s.failOn[text] {
		return "", errors.New("store unavailable")
	}
	if len(s.ids) > 0 {
		id := s.ids[0]
		s.ids = s.ids[1:]
		return id, nil
	}
	return "id-" + text, nil
}

type fakeCleaner struct {
	failOn map[string]bool
	calls  int
}

func (c *fakeCleaner) Clean(record Record) (Record, error) {
	c.calls++
	if c.failOn[record.Content] {
		return Record{}, errors.New("cannot clean")
	}
	record.Content = strings.ToUpper(record.Content)
	return record, nil
}
