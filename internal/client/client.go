// Package client provides an HTTP client for moduleconv-server.
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
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/moduleconv/internal/models"
	"github.com/raphaelgruber/moduleconv/internal/server"
)

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("not found")

// Client talks to the REST API of moduleconv-server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client. If baseURL is empty, MODULECONV_SERVER_URL is used,
// falling back to localhost:8585. Timeout can be configured via
// MODULECONV_CLIENT_TIMEOUT (default 30s).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("MODULECONV_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8585"
	}

	timeout := 30 * time.Second
	if t := os.Getenv("MODULECONV_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// Is matches ErrNotFound for 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// do sends a JSON request and decodes the JSON response into result.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e server.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// CreateConversion creates a job and enqueues it.
func (c *Client) CreateConversion(ctx context.Context, req server.CreateConversionRequest) (*models.ConversionJob, error) {
	var job models.ConversionJob
	if err := c.do(ctx, http.MethodPost, "/conversions", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetConversion fetches a job.
func (c *Client) GetConversion(ctx context.Context, id string) (*models.ConversionJob, error) {
	var job models.ConversionJob
	if err := c.do(ctx, http.MethodGet, "/conversions/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListOptions filters ListConversions.
type ListOptions struct {
	Status     string
	TenantID   string
	TemplateID string
	Limit      int
	Offset     int
}

// ListConversions lists jobs newest first and returns the total count.
func (c *Client) ListConversions(ctx context.Context, opts ListOptions) ([]models.ConversionJob, int, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.TenantID != "" {
		q.Set("tenant_id", opts.TenantID)
	}
	if opts.TemplateID != "" {
		q.Set("template_id", opts.TemplateID)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/conversions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp server.ListConversionsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Conversions, resp.Total, nil
}

// GetSteps fetches the step log of a job.
func (c *Client) GetSteps(ctx context.Context, id string) ([]models.ConversionStep, error) {
	var resp server.StepsResponse
	if err := c.do(ctx, http.MethodGet, "/conversions/"+url.PathEscape(id)+"/steps", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Steps, nil
}

// CancelConversion cancels a job. It reports false when the job is unknown
// or already terminal.
func (c *Client) CancelConversion(ctx context.Context, id string) (bool, error) {
	var resp server.CancelResponse
	err := c.do(ctx, http.MethodPost, "/conversions/"+url.PathEscape(id)+"/cancel", nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

// RetryConversion creates and enqueues a new job from a failed or cancelled one.
func (c *Client) RetryConversion(ctx context.Context, id, stagingTargetID string) (*models.ConversionJob, error) {
	var job models.ConversionJob
	body := server.RetryConversionRequest{StagingTargetID: stagingTargetID}
	if err := c.do(ctx, http.MethodPost, "/conversions/"+url.PathEscape(id)+"/retry", body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// TestProvider runs the health check of a provider configuration.
func (c *Client) TestProvider(ctx context.Context, configID string) (bool, error) {
	var resp server.ProviderTestResponse
	if err := c.do(ctx, http.MethodGet, "/providers/"+url.PathEscape(configID)+"/test", nil, &resp); err != nil {
		return false, err
	}
	return resp.OK, nil
}

// Watch streams snapshots of a job to onUpdate until the job reaches a
// terminal status. Return an error from onUpdate to abort. The last
// snapshot is returned.
func (c *Client) Watch(ctx context.Context, id string, onUpdate func(*models.ConversionJob) error) (*models.ConversionJob, error) {
	wsEndpoint := c.baseURL
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

	u, err := url.Parse(wsEndpoint + "/conversions/" + url.PathEscape(id) + "/watch")
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: "conversion " + id + " not found"}
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	var last *models.ConversionJob
	for {
		var job models.ConversionJob
		if err := conn.ReadJSON(&job); err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			if last != nil && last.Status.IsTerminal() {
				return last, nil
			}
			return last, fmt.Errorf("read snapshot: %w", err)
		}
		last = &job
		if err := onUpdate(last); err != nil {
			return last, err
		}
		if last.Status.IsTerminal() {
			return last, nil
		}
	}
}
