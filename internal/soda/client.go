// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

// Package soda fetches records from the SODA open-data API. It paginates,
// rate-limits outbound requests, and retries transient failures with
// per-class exponential backoff. It never interprets record content.
package soda

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/wolfiesch/SFCrime/internal/logging"
	"github.com/wolfiesch/SFCrime/internal/metrics"
)

// RawRecord is one undecoded upstream record.
type RawRecord map[string]any

// Pagination caps. FetchAll stops after maxFetchRecords even if the window
// holds more; ordering by cursor descending favors the most recent changes.
const (
	maxFetchRecords = 50000
	maxRangeRecords = 100000

	// queryTimeFormat is the SODA floating-timestamp literal format.
	queryTimeFormat = "2006-01-02T15:04:05"

	rateLimitBackoffBase = 10 * time.Second
	serverBackoffBase    = time.Second

	maxErrorBodySize = 64 * 1024
)

// Retryable failure classes. Both exhaust the retry budget before surfacing.
var (
	// ErrRateLimited marks an upstream 429.
	ErrRateLimited = errors.New("rate limited by upstream")

	// ErrServerFailure marks an upstream 5xx or transport-level failure.
	ErrServerFailure = errors.New("upstream server failure")
)

// StatusError is a permanent, non-retryable HTTP failure (4xx other than 429).
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// Config holds client settings.
type Config struct {
	BaseURL        string
	AppToken       string
	Timeout        time.Duration
	MaxRetries     int
	PageSize       int
	RequestsPerSec float64
}

// Client is a retrying, paginated SODA fetcher. Safe for concurrent use.
type Client struct {
	baseURL    string
	appToken   string
	httpClient *http.Client
	maxRetries int
	pageSize   int
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[[]RawRecord]

	// backoff bases, overridable in tests
	rateLimitBackoff time.Duration
	serverBackoff    time.Duration
}

// NewClient creates a SODA client from config, applying defaults for zero
// values.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 1000
	}
	if cfg.RequestsPerSec == 0 {
		cfg.RequestsPerSec = 5
	}

	breaker := gobreaker.NewCircuitBreaker[[]RawRecord](gobreaker.Settings{
		Name:        "soda",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		baseURL:          cfg.BaseURL,
		appToken:         cfg.AppToken,
		httpClient:       &http.Client{Timeout: cfg.Timeout},
		maxRetries:       cfg.MaxRetries,
		pageSize:         cfg.PageSize,
		limiter:          rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1),
		breaker:          breaker,
		rateLimitBackoff: rateLimitBackoffBase,
		serverBackoff:    serverBackoffBase,
	}
}

// Fetch retrieves one page of records updated after since (exclusive of
// nothing: the boundary record is re-seen by design), ordered by the cursor
// field descending.
func (c *Client) Fetch(ctx context.Context, ds Dataset, since *time.Time, limit, offset int) ([]RawRecord, error) {
	where := ""
	if since != nil {
		where = fmt.Sprintf("%s > '%s'", ds.CursorField, since.Format(queryTimeFormat))
	}
	return c.fetchPage(ctx, ds, where, limit, offset)
}

// FetchAll retrieves every record updated after since, paginating until a
// short page or the safety cap.
func (c *Client) FetchAll(ctx context.Context, ds Dataset, since *time.Time) ([]RawRecord, error) {
	where := ""
	if since != nil {
		where = fmt.Sprintf("%s > '%s'", ds.CursorField, since.Format(queryTimeFormat))
	}
	return c.fetchAllPages(ctx, ds, where, maxFetchRecords)
}

// FetchRange retrieves records with cursor values in [start, end], paginating
// under the larger backfill cap. The checkpoint is never consulted here.
func (c *Client) FetchRange(ctx context.Context, ds Dataset, start, end time.Time) ([]RawRecord, error) {
	where := fmt.Sprintf("%s >= '%s' AND %s <= '%s'",
		ds.CursorField, start.Format(queryTimeFormat),
		ds.CursorField, end.Format(queryTimeFormat))
	return c.fetchAllPages(ctx, ds, where, maxRangeRecords)
}

func (c *Client) fetchAllPages(ctx context.Context, ds Dataset, where string, maxRecords int) ([]RawRecord, error) {
	var all []RawRecord
	offset := 0
	for {
		page, err := c.fetchPage(ctx, ds, where, c.pageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < c.pageSize {
			return all, nil
		}
		offset += c.pageSize
		if len(all) >= maxRecords {
			logging.Warn().
				Str("source", string(ds.Source)).
				Int("records", len(all)).
				Msg("fetch safety cap reached, truncating window")
			return all, nil
		}
	}
}

// fetchPage performs one paged request through the circuit breaker with the
// full retry budget.
func (c *Client) fetchPage(ctx context.Context, ds Dataset, where string, limit, offset int) ([]RawRecord, error) {
	records, err := c.breaker.Execute(func() ([]RawRecord, error) {
		return c.doRequestWithRetry(ctx, ds, where, limit, offset)
	})
	if err != nil {
		metrics.SourceRequests.WithLabelValues(string(ds.Source), "error").Inc()
		return nil, err
	}
	metrics.SourceRequests.WithLabelValues(string(ds.Source), "ok").Inc()
	return records, nil
}

// doRequestWithRetry applies the per-class retry policy: 429 backs off on the
// larger base, 5xx and transport errors on the shorter one, anything else is
// permanent. Waits are context-cancellable.
func (c *Client) doRequestWithRetry(ctx context.Context, ds Dataset, where string, limit, offset int) ([]RawRecord, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		records, err := c.doRequest(ctx, ds, where, limit, offset)
		if err == nil {
			return records, nil
		}
		lastErr = err

		var delay time.Duration
		switch {
		case errors.Is(err, ErrRateLimited):
			delay = c.rateLimitBackoff * (1 << uint(attempt))
		case errors.Is(err, ErrServerFailure):
			delay = c.serverBackoff * (1 << uint(attempt))
		default:
			return nil, err
		}

		if attempt < c.maxRetries-1 {
			logging.Warn().
				Str("source", string(ds.Source)).
				Int("attempt", attempt+1).
				Dur("backoff", delay).
				Err(err).
				Msg("retrying upstream request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("retries exhausted after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Client) doRequest(ctx context.Context, ds Dataset, where string, limit, offset int) ([]RawRecord, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("$limit", strconv.Itoa(limit))
	params.Set("$offset", strconv.Itoa(offset))
	params.Set("$order", ds.CursorField+" DESC")
	if where != "" {
		params.Set("$where", where)
	}

	reqURL := fmt.Sprintf("%s/%s.json?%s", c.baseURL, ds.ID, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.appToken != "" {
		req.Header.Set("X-App-Token", c.appToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrServerFailure, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrServerFailure, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}

	var records []RawRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: "malformed response body"}
	}
	return records, nil
}

// readErrorBody reads a bounded error body for diagnostics.
func readErrorBody(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return "unreadable body"
	}
	return string(body)
}

// IsTransient reports whether an error came from the retryable class
// (rate limiting, server failure, or an exhausted retry budget over them).
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrServerFailure)
}
