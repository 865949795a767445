package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/finresearch-crawler/internal/app"
	"github.com/JakeFAU/finresearch-crawler/internal/config"
	"github.com/JakeFAU/finresearch-crawler/internal/publisher"
	memorypublisher "github.com/JakeFAU/finresearch-crawler/internal/publisher/memory"
)

// These tests swap the package-level newApp factory and must not run in
// parallel.

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Blob.Backend = "local"
	cfg.Blob.BaseDir = t.TempDir()
	cfg.Embedding.Dimensions = 64
	cfg.Crawler.Delay = 0
	cfg.Logging.Level = "error"
	return cfg
}

// closeCounter wraps an App and counts Close calls.
type closeCounter struct {
	App
	closes *int
}

func (c closeCounter) Close() {
	*c.closes++
	c.App.Close()
}

// cliResult is what one CLI invocation produced.
type cliResult struct {
	out    string
	app    *app.App
	closes int
}

// runCLI executes the root command with args against cfg.
func runCLI(t *testing.T, cfg config.Config, args ...string) (cliResult, error) {
	t.Helper()
	var res cliResult
	prev := newApp
	newApp = func(ctx context.Context, _ string) (App, error) {
		a, err := app.NewApp(ctx, cfg, app.WithLogger(zap.NewNop()))
		if err != nil {
			return nil, err
		}
		res.app = a
		return closeCounter{App: a, closes: &res.closes}, nil
	}
	t.Cleanup(func() { newApp = prev })

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.execute(context.Background())
	res.out = out.String()
	return res, err
}

func newSiteServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
	})
	mux.HandleFunc("/article", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>Rates</title></head><body><article>
<p>The central bank held its policy rate steady this quarter.</p>
<p>Analysts expect inflation to ease through the rest of the year.</p>
</article></body></html>`)
	})
	mux.HandleFunc("/private", func(w http.ResponseWriter, _ *http.Request) {
		t.Error("disallowed path was fetched")
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCrawlCommand(t *testing.T) {
	srv := newSiteServer(t)
	cfg := testConfig(t)
	cfg.Crawler.BaseURL = srv.URL

	res, err := runCLI(t, cfg, "crawl", srv.URL+"/article", srv.URL+"/private")
	require.NoError(t, err)
	require.Contains(t, res.out, srv.URL+"/article\t1 documents\tok")
	require.Contains(t, res.out, srv.URL+"/private\t0 documents\trejected by robots.txt")
	require.Equal(t, 1, res.closes)

	msgs := res.app.Publisher().(*memorypublisher.Publisher).Messages()
	require.Len(t, msgs, 2)
	first, ok := msgs[0].Payload.(publisher.CrawlEvent)
	require.True(t, ok)
	require.Equal(t, srv.URL+"/article", first.URL)
	require.Len(t, first.IDs, 1)
	require.NotEmpty(t, first.RunID)
	second := msgs[1].Payload.(publisher.CrawlEvent)
	require.True(t, second.Rejected)
	require.Empty(t, second.IDs)

	_, err = os.Stat(filepath.Join(cfg.Blob.BaseDir, "vectorstore", "snapshot.json"))
	require.NoError(t, err)
}

func TestCrawlCommandReportsFailures(t *testing.T) {
	srv := newSiteServer(t)
	cfg := testConfig(t)
	cfg.Crawler.BaseURL = srv.URL
	cfg.Crawler.MaxRetries = 1

	res, err := runCLI(t, cfg, "crawl", srv.URL+"/broken", srv.URL+"/article")
	require.ErrorContains(t, err, "1 of 2 crawls failed")
	require.Contains(t, res.out, srv.URL+"/broken\t0 documents\tfailed: fetch")
	require.Contains(t, res.out, srv.URL+"/article\t1 documents\tok")
	require.Equal(t, 1, res.closes, "app is closed when the command fails")
}

func TestCrawlCommandHonorsRobotsWithoutBaseURL(t *testing.T) {
	srv := newSiteServer(t)
	cfg := testConfig(t)
	require.Empty(t, cfg.Crawler.BaseURL)

	res, err := runCLI(t, cfg, "crawl", srv.URL+"/private", srv.URL+"/article")
	require.NoError(t, err)
	require.Contains(t, res.out, srv.URL+"/private\t0 documents\trejected by robots.txt")
	require.Contains(t, res.out, srv.URL+"/article\t1 documents\tok")

	msgs := res.app.Publisher().(*memorypublisher.Publisher).Messages()
	require.Len(t, msgs, 2)
	require.True(t, msgs[0].Payload.(publisher.CrawlEvent).Rejected)
}

func TestCrawlCommandUsesRobotsOfEachHost(t *testing.T) {
	configured := newSiteServer(t)
	other := newSiteServer(t)
	cfg := testConfig(t)
	cfg.Crawler.BaseURL = configured.URL

	res, err := runCLI(t, cfg, "crawl", other.URL+"/private")
	require.NoError(t, err)
	require.Contains(t, res.out, other.URL+"/private\t0 documents\trejected by robots.txt")
}

func TestCrawlCommandRejectsBadParam(t *testing.T) {
	cfg := testConfig(t)
	res, err := runCLI(t, cfg, "crawl", "--param", "novalue", "https://example.com")
	require.ErrorContains(t, err, "want key=value")
	require.Equal(t, 1, res.closes)
}

func TestParseParams(t *testing.T) {
	t.Parallel()

	values, err := parseParams([]string{"symbol=600519", "page=1", "page=2"})
	require.NoError(t, err)
	require.Equal(t, "600519", values.Get("symbol"))
	require.Equal(t, []string{"1", "2"}, values["page"])

	values, err = parseParams(nil)
	require.NoError(t, err)
	require.Nil(t, values)

	_, err = parseParams([]string{"=x"})
	require.Error(t, err)
}

func TestIngestThenQuery(t *testing.T) {
	cfg := testConfig(t)
	dataset := filepath.Join(t.TempDir(), "fin.json")
	items := []map[string]string{
		{"instruction": "什么是市盈率？", "output": "市盈率是股价除以每股收益的比率。"},
		{"instruction": "什么是市净率？", "output": "市净率是股价除以每股净资产的比率。"},
		{"instruction": "什么是久期？", "output": "久期衡量债券价格对利率变化的敏感度。"},
	}
	raw, err := json.Marshal(items)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dataset, raw, 0o600))

	res, err := runCLI(t, cfg, "ingest", "--batch-size", "2", dataset)
	require.NoError(t, err)
	require.Contains(t, res.out, "Loaded 3 records")
	require.Contains(t, res.out, "Added 2/3 documents")
	require.Contains(t, res.out, "Added 3/3 documents")
	require.Contains(t, res.out, "Vector store holds 3 documents")

	res, err = runCLI(t, cfg, "query", "-k", "2", "什么是市盈率？")
	require.NoError(t, err)
	require.Contains(t, res.out, "【结果 1】")
	require.Contains(t, res.out, "【结果 2】")
	require.NotContains(t, res.out, "【结果 3】")
	require.Contains(t, res.out, `"source": deepseek-fin`)
}

func TestQueryEmptyStore(t *testing.T) {
	cfg := testConfig(t)
	res, err := runCLI(t, cfg, "query", "anything")
	require.NoError(t, err)
	require.Contains(t, res.out, "No results.")
}

func TestIngestMissingFile(t *testing.T) {
	cfg := testConfig(t)
	res, err := runCLI(t, cfg, "ingest", filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorContains(t, err, "read dataset")
	require.Equal(t, 1, res.closes, "app is closed when the command fails")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.ShutdownGrace = time.Second
	a, err := app.NewApp(context.Background(), cfg, app.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, a, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/readyz")
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ready", body["status"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	_, err = os.Stat(filepath.Join(cfg.Blob.BaseDir, "vectorstore", "snapshot.json"))
	require.NoError(t, err)
}
