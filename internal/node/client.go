// Package node implements the runplane node agent: the process that
// registers with the controller, pulls leases over the streaming node
// protocol, executes runs through a runner, and reports resolutions.
package node

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"runplane/pkg/api"
)

// maxLeaseLineSize bounds one NDJSON lease line on the pull stream.
const maxLeaseLineSize = 1 << 20

// APIError is a non-2xx answer from the controller.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Retryable reports whether the call may be repeated as-is. Server-side
// failures are transient; everything else means the request itself is
// wrong and repeating it cannot help.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500
}

// Client speaks the node protocol to one controller. All calls except
// Register authenticate with the node's API key.
type Client struct {
	BaseURL string
	APIKey  string

	// httpClient serves unary calls; streamClient has no timeout because
	// a pull stream stays open until one side hangs up.
	httpClient   *http.Client
	streamClient *http.Client
}

// NewClient creates a node protocol client for the given controller.
func NewClient(controllerURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(controllerURL, "/"),
		APIKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		streamClient: &http.Client{},
	}
}

// Register sends POST /nodes to join the fleet. It authenticates with
// the registration secret, not an API key; the response carries the API
// key for every later call.
func (c *Client) Register(ctx context.Context, secret string, req api.RegisterNodeRequest) (*api.RegisterNodeResponse, error) {
	var resp api.RegisterNodeResponse
	if err := c.doJSON(ctx, http.MethodPost, "/nodes", secret, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat sends PUT /nodes/{id}/heartbeat with the node's advisory
// status figures.
func (c *Client) Heartbeat(ctx context.Context, nodeID string, req api.HeartbeatRequest) error {
	return c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/nodes/%s/heartbeat", nodeID), c.APIKey, req, nil)
}

// Disconnect sends DELETE /nodes/{id}. With drain the node keeps its
// outstanding leases and only stops receiving new ones.
func (c *Client) Disconnect(ctx context.Context, nodeID string, drain bool) error {
	path := fmt.Sprintf("/nodes/%s", nodeID)
	if drain {
		path += "?drain=true"
	}
	return c.doJSON(ctx, http.MethodDelete, path, c.APIKey, nil, nil)
}

// AckLease sends POST /internal/leases/{id}/ack to confirm receipt of a
// lease before execution starts.
func (c *Client) AckLease(ctx context.Context, leaseID string, req api.AckLeaseRequest) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/internal/leases/%s/ack", leaseID), c.APIKey, req, nil)
}

// CompleteLease sends POST /internal/leases/{id}/complete with the run's
// result document and accounting.
func (c *Client) CompleteLease(ctx context.Context, leaseID string, req api.CompleteLeaseRequest) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/internal/leases/%s/complete", leaseID), c.APIKey, req, nil)
}

// FailLease sends POST /internal/leases/{id}/fail. The response reports
// whether the controller will redeliver the run.
func (c *Client) FailLease(ctx context.Context, leaseID string, req api.FailLeaseRequest) (*api.FailLeaseResponse, error) {
	var resp api.FailLeaseResponse
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/internal/leases/%s/fail", leaseID), c.APIKey, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PullLeases opens the lease stream via POST /internal/leases/pull. The
// returned stream delivers one lease per call to Next until the
// connection drops; the caller owns closing it.
func (c *Client) PullLeases(ctx context.Context, nodeID string, maxLeases int) (*LeaseStream, error) {
	body, err := json.Marshal(api.PullRequest{NodeID: nodeID, MaxLeases: maxLeases})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/internal/leases/pull", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLeaseLineSize)
	return &LeaseStream{body: resp.Body, scanner: scanner}, nil
}

// LeaseStream is an open pull stream. It is not safe for concurrent use.
type LeaseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next blocks until the controller streams the next lease. It returns
// io.EOF when the stream ends cleanly.
func (s *LeaseStream) Next() (*api.LeaseMessage, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg api.LeaseMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("malformed lease message: %w", err)
		}
		return &msg, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close tears the stream down. The controller does not treat this as a
// failure; unresolved leases stay outstanding.
func (s *LeaseStream) Close() error {
	return s.body.Close()
}

// doJSON performs one unary call and decodes the response into out when
// out is non-nil. Non-2xx answers come back as *APIError.
func (c *Client) doJSON(ctx context.Context, method, path, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return apiError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// apiError turns an error response into an *APIError, keeping the
// machine-readable code when the body is the standard error shape.
func apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var body api.ErrorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: body.Error, Code: body.Code}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
}
