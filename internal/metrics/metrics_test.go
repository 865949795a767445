package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveRunAndRecords(t *testing.T) {
	Init()
	Init()

	ObserveRun("https://runs.example/a", RunRejected)
	if val := testutil.ToFloat64(crawlerRunsTotal.WithLabelValues("runs.example", RunRejected)); val != 1 {
		t.Errorf("expected rejected run counter to be 1, got %f", val)
	}

	ObserveRecords(StageStored, 3)
	ObserveRecords(StageStored, 0)
	if val := testutil.ToFloat64(crawlerRecordsTotal.WithLabelValues(StageStored)); val != 3 {
		t.Errorf("expected stored records to be 3, got %f", val)
	}
}

func TestObserveRequestCountsBytes(t *testing.T) {
	ObserveRequest("https://bytes.example/page", "ok")
	ObserveRequest("https://bytes.example/page", "error")
	ObserveBytes("https://bytes.example/page", 128)
	ObserveBytes("https://bytes.example/page", 0)
	ObserveRetry("https://bytes.example/page")
	ObserveSearch(10 * time.Millisecond)

	if val := testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("bytes.example")); val != 128 {
		t.Errorf("expected 128 bytes, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerRequestsTotal.WithLabelValues("bytes.example", "error")); val != 1 {
		t.Errorf("expected one failed request, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerRetriesTotal.WithLabelValues("bytes.example")); val != 1 {
		t.Errorf("expected one retry, got %f", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
