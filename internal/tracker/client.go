// Package tracker provides the HTTP client for the external issue tracker
// and the retry policy that wraps it. The client is stateless: no cookies,
// no sessions, just a bearer token per request over a bounded connection
// pool.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// defaultPageSize is the page size used for tracker search pagination
	defaultPageSize = 100

	// defaultAPIVersion is the tracker REST API version used when the
	// config does not pin one
	defaultAPIVersion = "2"

	// maxResponseSize caps a single search page response (10MB)
	maxResponseSize = 10 * 1024 * 1024

	// userAgent identifies this service to the tracker
	userAgent = "tally-sync/1.0"
)

// RawIssue is one issue as returned by the tracker search endpoint: an
// identifier, a key, and an opaque bag of fields which only the render
// template interprets.
type RawIssue struct {
	ID     string         `json:"id"`
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields"`
}

// Context returns the issue as the data context handed to the template
// engine.
func (i RawIssue) Context() map[string]any {
	return map[string]any{
		"id":     i.ID,
		"key":    i.Key,
		"fields": i.Fields,
	}
}

// searchResult is one page of a tracker search response.
type searchResult struct {
	StartAt    int        `json:"startAt"`
	MaxResults int        `json:"maxResults"`
	Total      int        `json:"total"`
	Issues     []RawIssue `json:"issues"`
}

// Searcher executes a tracker query expression and returns the matching
// raw issues.
type Searcher interface {
	Search(ctx context.Context, expression string) ([]RawIssue, error)
}

// Config holds the transport settings for the tracker client.
type Config struct {
	BaseURL         string
	APIVersion      string
	Token           string
	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
	MaxConns        int
	MaxConnsPerHost int
	PageSize        int

	// RateLimitDefaultWait is used when a 429 carries no usable
	// Retry-After header.
	RateLimitDefaultWait time.Duration
}

// Client talks to the issue tracker over HTTP. Construct it once and inject
// it into the components that need it.
type Client struct {
	baseURL     string
	apiVersion  string
	token       string
	http        *http.Client
	pageSize    int
	defaultWait time.Duration
}

// NewClient creates a tracker client with a bounded, pooled transport and
// explicit connect/read timeouts. The client keeps no per-call state.
func NewClient(cfg Config) *Client {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 30 * time.Second
	}
	maxConns := cfg.MaxConns
	if maxConns == 0 {
		maxConns = 20
	}
	maxPerHost := cfg.MaxConnsPerHost
	if maxPerHost == 0 {
		maxPerHost = 10
	}
	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = defaultPageSize
	}
	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	defaultWait := cfg.RateLimitDefaultWait
	if defaultWait == 0 {
		defaultWait = time.Minute
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		MaxIdleConns:          maxConns,
		MaxConnsPerHost:       maxPerHost,
		MaxIdleConnsPerHost:   maxPerHost,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: requestTimeout,
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiVersion: apiVersion,
		token:      cfg.Token,
		http: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
		pageSize:    pageSize,
		defaultWait: defaultWait,
	}
}

// Search runs the query expression against the tracker and returns all
// matching issues, following pagination until the reported total is
// reached. Errors are classified per the taxonomy in errors.go.
func (c *Client) Search(ctx context.Context, expression string) ([]RawIssue, error) {
	var all []RawIssue
	startAt := 0

	for {
		page, err := c.searchPage(ctx, expression, startAt)
		if err != nil {
			return nil, err
		}

		all = append(all, page.Issues...)

		if len(page.Issues) == 0 || startAt+len(page.Issues) >= page.Total {
			return all, nil
		}
		startAt += len(page.Issues)
	}
}

func (c *Client) searchPage(ctx context.Context, expression string, startAt int) (*searchResult, error) {
	params := url.Values{
		"jql":        {expression},
		"startAt":    {strconv.Itoa(startAt)},
		"maxResults": {strconv.Itoa(c.pageSize)},
	}
	endpoint := fmt.Sprintf("%s/rest/api/%s/search?%s", c.baseURL, c.apiVersion, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport-level failures (refused connections, DNS, connect
		// and read timeouts) are all retryable.
		return nil, &TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("read search response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, truncateBody(body), resp.Header.Get("Retry-After"), c.defaultWait)
	}

	var result searchResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}
	return &result, nil
}

// truncateBody keeps error messages readable when the tracker returns a
// large error page.
func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
