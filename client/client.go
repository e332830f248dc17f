// Package client is a Go client for the shellui HTTP API and observer WebSocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/guseggert/shellui/ledger"
	"github.com/guseggert/shellui/server"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("not found")

// Client talks to a shellui server over HTTP and its observer WebSocket.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
	waitInterval             time.Duration
}

type Option func(c *Client)

func WithWaitInterval(d time.Duration) Option {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.Logger = l.Named("client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// New builds a client for the server at baseURL, such as "http://127.0.0.1:3001".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}

	c := &Client{
		Logger:       zap.NewNop().Sugar(),
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond * time.Duration(attemptNum+1)
	}
	retryClient.RetryMax = 5
	// a 500 from execute means a record was already created for the failed spawn
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusInternalServerError {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(method, path, resp.StatusCode, b)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// ResponseError is returned for non-200 responses.
type ResponseError struct {
	StatusCode  int
	Message     string
	Errors      []string
	ExecutionID string
}

func (e *ResponseError) Error() string {
	msg := fmt.Sprintf("non-200 HTTP status code %d: %s", e.StatusCode, e.Message)
	if len(e.Errors) > 0 {
		msg += " (" + strings.Join(e.Errors, "; ") + ")"
	}
	return msg
}

func (e *ResponseError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

func statusError(method, path string, code int, body []byte) error {
	respErr := &ResponseError{StatusCode: code}
	var payload struct {
		Error       string   `json:"error"`
		Errors      []string `json:"errors"`
		ExecutionID string   `json:"executionId"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		respErr.Message = payload.Error
		respErr.Errors = payload.Errors
		respErr.ExecutionID = payload.ExecutionID
	} else {
		respErr.Message = strings.TrimSpace(string(body))
	}
	return fmt.Errorf("%s %s: %w", method, path, respErr)
}

func (c *Client) Health(ctx context.Context) (server.HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var resp server.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &resp)
	return resp, err
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Health(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}

func (c *Client) Config(ctx context.Context) (server.ConfigResponse, error) {
	var resp server.ConfigResponse
	err := c.do(ctx, http.MethodGet, "/api/config", nil, &resp)
	return resp, err
}

// Execute starts a command and returns its execution ID. If the command could not be spawned,
// the returned error is a *ResponseError carrying the execution ID of the failed record.
func (c *Client) Execute(ctx context.Context, commandID string, args map[string]any) (string, error) {
	var resp server.ExecuteResponse
	path := "/api/commands/" + url.PathEscape(commandID) + "/execute"
	err := c.do(ctx, http.MethodPost, path, server.ExecuteRequest{Args: args}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ExecutionID, nil
}

func (c *Client) Stop(ctx context.Context, executionID string) error {
	return c.do(ctx, http.MethodPost, "/api/executions/"+url.PathEscape(executionID)+"/stop", nil, nil)
}

func (c *Client) GetExecution(ctx context.Context, executionID string) (ledger.Record, error) {
	var rec ledger.Record
	err := c.do(ctx, http.MethodGet, "/api/executions/"+url.PathEscape(executionID), nil, &rec)
	return rec, err
}

// ListExecutions returns the newest executions first. A limit of 0 uses the server's default.
func (c *Client) ListExecutions(ctx context.Context, limit int) ([]ledger.Record, error) {
	path := "/api/executions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var recs []ledger.Record
	err := c.do(ctx, http.MethodGet, path, nil, &recs)
	return recs, err
}

func (c *Client) History(ctx context.Context) ([]server.HistoryItem, error) {
	var items []server.HistoryItem
	err := c.do(ctx, http.MethodGet, "/api/history", nil, &items)
	return items, err
}

func (c *Client) DeleteHistory(ctx context.Context, executionID string) error {
	return c.do(ctx, http.MethodDelete, "/api/history/"+url.PathEscape(executionID), nil, nil)
}

func (c *Client) Stats(ctx context.Context) (server.StatsResponse, error) {
	var resp server.StatsResponse
	err := c.do(ctx, http.MethodGet, "/api/stats", nil, &resp)
	return resp, err
}
