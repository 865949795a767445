// Package crawler implements the crawl pipeline: a robots-aware, rate-limited,
// retrying fetch → parse → store workflow with pluggable data sources.
//
// A Pipeline owns the HTTP session and the robots.txt policy for a single base
// URL. Data-source variants implement Source and use Pipeline.RequestWithRetry
// for their network I/O; parsed records are optionally cleaned and written to a
// VectorStore by Pipeline.Store. Runs are synchronous: every call to Run blocks
// for the robots check, the configured delay, the fetch, the parse, and the
// store.
package crawler
