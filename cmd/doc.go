// Package cmd defines and implements the CLI commands for the fincrawl executable.
//
// Architecture overview:
//   - crawl: each URL runs through crawler.Pipeline. The pipeline checks the host's robots.txt, waits out the
//     fixed per-request delay, fetches and parses through the configured Source (static HTML, JSON API, or a
//     headless Chromedp render), cleans each record and stores it in the vector store. With --discover-depth,
//     same-host links found by the Colly-based discoverer are crawled too. Every run is traced with OpenTelemetry
//     and summarized as a CrawlEvent on the configured publisher (Pub/Sub or in-memory).
//   - ingest: a local question/answer dataset is parsed by the JSON source and embedded in batches.
//   - query: the search text is prefixed with the query instruction, embedded, and ranked by cosine distance.
//   - serve: internal/api.Server exposes /v1/search, /v1/documents, health, and Prometheus metrics.
//   - Persistence: the memory vector store snapshots to a BlobStore (local disk, memory, or GCS) after crawl and
//     ingest and on server shutdown. The Postgres backend persists each document as it is added.
//   - Configuration & plumbing: Viper populates config from a file and FINCRAWL_* env vars; zap provides
//     structured logging; internal/app builds every service once per command and closes them in reverse order.
//
// Quick checklist:
//   - Crawl a page: fincrawl crawl https://example.com/news --config config.yaml
//   - Load the Q&A set: fincrawl ingest data/deepseek_fin.json
//   - Ask a question: fincrawl query -k 3 什么是市盈率
//   - Serve: fincrawl serve --port 8080 (SIGINT/SIGTERM drain in-flight requests and save the snapshot)
package cmd
