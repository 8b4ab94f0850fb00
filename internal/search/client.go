package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client talks to the search engine's HTTP API: SQL over /sql, tabular
// queries over /cli_json, and the JSON document endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(host string, port int, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return NewClientFromURL(fmt.Sprintf("http://%s:%d", host, port), timeout, logger)
}

// NewClientFromURL creates a client against an explicit base URL.
func NewClientFromURL(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// BaseURL returns the engine's root URL, used by the reverse proxy.
func (c *Client) BaseURL() string { return c.baseURL }

// ExecSQL runs a query through /sql and decodes the SELECT response shape.
// An engine-side error comes back as a Go error.
func (c *Client) ExecSQL(ctx context.Context, query string) (*SQLResult, error) {
	form := url.Values{"query": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sql", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var result SQLResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode /sql response: %w", err)
	}
	if result.Error != "" {
		return &result, fmt.Errorf("sql error: %s", result.Error)
	}
	return &result, nil
}

// ExecCLI runs a raw query through /cli_json, which accepts statements the
// JSON SQL endpoint rejects (KNN selects, DDL) and answers with tabular
// result sets.
func (c *Client) ExecCLI(ctx context.Context, query string) ([]CLIResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/cli_json", strings.NewReader(query))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var results []CLIResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("failed to decode /cli_json response: %w", err)
	}
	for _, r := range results {
		if r.Error != "" {
			return results, fmt.Errorf("query error: %s", r.Error)
		}
	}
	return results, nil
}

// Search runs a JSON query against /search.
func (c *Client) Search(ctx context.Context, request *SearchRequest) (*SearchResponse, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var response SearchResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode /search response: %w", err)
	}
	if response.Error != "" {
		return &response, fmt.Errorf("search error: %s", response.Error)
	}
	return &response, nil
}

// Insert stores one document through /insert.
func (c *Client) Insert(ctx context.Context, request *InsertRequest) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/insert", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}

	var response struct {
		Error interface{} `json:"error,omitempty"`
	}
	if err := json.Unmarshal(body, &response); err == nil && response.Error != nil {
		return fmt.Errorf("insert error: %v", response.Error)
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search engine request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read search engine response: %w", err)
	}

	c.logger.Debug("Search engine call",
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	// The engine reports query errors with a JSON body and a non-2xx
	// status; surface the body so callers can see the reason.
	if resp.StatusCode >= 500 {
		return body, fmt.Errorf("search engine returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// EscapeString doubles single quotes for safe embedding in SQL literals.
func EscapeString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
