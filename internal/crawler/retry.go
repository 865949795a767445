package crawler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/finresearch-crawler/internal/metrics"
)

// RequestWithRetry performs an HTTP request through the session, making at
// most MaxRetries attempts. Between attempts it sleeps 2^attempt seconds.
// Responses with a status of 400 or above count as failures. When every
// attempt fails, the last *StatusError or *TransportError is returned.
//
// The caller owns the returned response body.
func (p *Pipeline) RequestWithRetry(
	ctx context.Context,
	method string,
	rawURL string,
	opts RequestOptions,
) (*http.Response, error) {
	target, err := AppendParams(rawURL, opts.Params)
	if err != nil {
		return nil, fmt.Errorf("build request url: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		resp, err := p.do(ctx, method, target, opts)
		if err == nil {
			metrics.ObserveRequest(target, "ok")
			return resp, nil
		}
		lastErr = err
		metrics.ObserveRequest(target, "error")
		p.logger.Warn("Request failed",
			zap.String("url", target),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if attempt == p.cfg.MaxRetries-1 {
			break
		}
		metrics.ObserveRetry(target)
		if err := p.sleep(ctx, backoffDelay(attempt)); err != nil {
			return nil, fmt.Errorf("retry backoff: %w", err)
		}
	}
	return nil, lastErr
}

func (p *Pipeline) do(ctx context.Context, method, target string, opts RequestOptions) (*http.Response, error) {
	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &TransportError{Method: method, URL: target, Err: err}
	}
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}
	for k, values := range opts.Header {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &TransportError{Method: method, URL: target, Err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		return nil, &StatusError{Method: method, URL: target, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// AppendParams merges params into the query string of rawURL.
func AppendParams(rawURL string, params url.Values) (string, error) {
	if len(params) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	query := u.Query()
	for key, values := range params {
		for _, v := range values {
			query.Add(key, v)
		}
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// ReadBody drains and closes resp into a Payload. maxBytes <= 0 reads everything.
func ReadBody(resp *http.Response, maxBytes int64) (Payload, error) {
	defer resp.Body.Close() //nolint:errcheck // read-only body
	reader := io.Reader(resp.Body)
	if maxBytes > 0 {
		reader = io.LimitReader(resp.Body, maxBytes)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return Payload{}, fmt.Errorf("read body: %w", err)
	}
	payload := Payload{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header.Clone(),
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}
	if resp.Request != nil && resp.Request.URL != nil {
		payload.URL = resp.Request.URL.String()
	}
	metrics.ObserveBytes(payload.URL, len(body))
	return payload, nil
}
