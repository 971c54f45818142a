// Package engine is the HTTP client for the external query-execution
// service. It runs saved queries for alert evaluation and answers
// collection-level read-permission checks.
package engine

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mr-karan/pulse/internal/config"
	"github.com/mr-karan/pulse/pkg/models"
)

// Client talks to the query engine. It implements the dispatcher's
// QueryRunner and the permission layer's CollectionACL.
type Client struct {
	baseURL    string
	token      string
	client     *http.Client
	log        *slog.Logger
	maxRetries int
	retryDelay time.Duration
}

// New constructs a query engine client with sane defaults.
func New(cfg config.EngineConfig, logger *slog.Logger) (*Client, error) {
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("query engine URL is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.SkipTLSVerify {
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 - intentionally configurable
		} else {
			transport.TLSClientConfig.InsecureSkipVerify = true // #nosec G402
		}
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		token:      cfg.Token,
		client:     &http.Client{Timeout: timeout, Transport: transport},
		log:        logger.With("component", "engine_client"),
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}, nil
}

// Run executes a saved query and returns its result.
func (c *Client) Run(ctx context.Context, queryID models.QueryID) (*models.QueryResult, error) {
	endpoint := fmt.Sprintf("%s/api/v1/queries/%d/run", c.baseURL, queryID)
	body, err := c.do(ctx, http.MethodPost, endpoint, []byte(`{}`))
	if err != nil {
		return nil, err
	}
	var result models.QueryResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode query result: %w", err)
	}
	return &result, nil
}

// CanReadQuery reports whether the user holds a collection read grant on the
// saved query.
func (c *Client) CanReadQuery(ctx context.Context, userID models.UserID, queryID models.QueryID) (bool, error) {
	endpoint := fmt.Sprintf("%s/api/v1/permissions/users/%d/queries/%d", c.baseURL, userID, queryID)
	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	var grant struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.Unmarshal(body, &grant); err != nil {
		return false, fmt.Errorf("failed to decode permission response: %w", err)
	}
	return grant.Allowed, nil
}

// HealthCheck verifies connectivity to the query engine.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, c.baseURL+"/api/v1/health", nil)
	return err
}

// do issues the request with exponential backoff on network and 5xx errors.
func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<uint(attempt-1))
			c.log.Warn("retrying engine request", "endpoint", endpoint, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create engine request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("engine request failed: %w", err)
			continue
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if readErr != nil {
				return nil, fmt.Errorf("failed to read engine response: %w", readErr)
			}
			return body, nil
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("engine returned server error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			continue
		}
		return nil, fmt.Errorf("engine returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil, fmt.Errorf("engine request failed after %d retries: %w", c.maxRetries, lastErr)
}
