package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cloudbench/cloudbench/pkg/deployment"
	"github.com/cloudbench/cloudbench/pkg/operation"
	"github.com/cloudbench/cloudbench/pkg/policy"
	"github.com/cloudbench/cloudbench/pkg/scheduler"
	"github.com/cloudbench/cloudbench/pkg/stores"
)

// DefaultServer is the address the CLI talks to when none is given.
const DefaultServer = "http://localhost:8080"

// Error is a non-2xx answer of the server.
type Error struct {
	StatusCode int
	Message    string
	Class      scheduler.ErrorClass
	Code       string
}

func (e *Error) Error() string {
	if e.Class != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Class, e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// Client calls a cloudbench server.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the server at base, e.g.
// "http://localhost:8080".
func NewClient(base string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: strings.TrimRight(base, "/"), http: httpClient}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 && out != nil {
		// Admissions answer 409 with a regular body.
		if a, ok := out.(*AdmissionResponse); ok {
			var both struct {
				AdmissionResponse
				ErrorResponse
			}
			if err := json.Unmarshal(data, &both); err == nil && both.ErrorResponse.Error == "" {
				*a = both.AdmissionResponse
				return resp.StatusCode, nil
			}
		}
	}

	if resp.StatusCode >= 300 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		var body ErrorResponse
		if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		} else {
			apiErr.Message, apiErr.Class, apiErr.Code = body.Error, body.Class, body.Code
		}
		return resp.StatusCode, apiErr
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func requestsPath(id int64) string {
	return "/deployments/" + strconv.FormatInt(id, 10) + "/requests"
}

// Health returns the server status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if _, err := c.do(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Deployments lists every deployment.
func (c *Client) Deployments(ctx context.Context) ([]*deployment.Deployment, error) {
	var out []*deployment.Deployment
	_, err := c.do(ctx, http.MethodGet, "/deployments", nil, &out)
	return out, err
}

// Deployment returns one deployment.
func (c *Client) Deployment(ctx context.Context, id int64) (*deployment.Deployment, error) {
	var out deployment.Deployment
	if _, err := c.do(ctx, http.MethodGet, "/deployments/"+strconv.FormatInt(id, 10), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reserve creates a deployment from free nodes.
func (c *Client) Reserve(ctx context.Context, r deployment.Reservation) (*AdmissionResponse, error) {
	var out AdmissionResponse
	if _, err := c.do(ctx, http.MethodPost, "/deployments", r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Request submits an operation of kind against deployment id.
func (c *Client) Request(ctx context.Context, id int64, kind operation.Kind, args operation.Arguments) (*AdmissionResponse, error) {
	var out AdmissionResponse
	body := OperationRequest{Kind: kind, Arguments: args}
	if _, err := c.do(ctx, http.MethodPost, requestsPath(id), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pending lists the queued and running records of deployment id.
func (c *Client) Pending(ctx context.Context, id int64) ([]operation.View, error) {
	var out []operation.View
	_, err := c.do(ctx, http.MethodGet, requestsPath(id), nil, &out)
	return out, err
}

// History lists every record of deployment id.
func (c *Client) History(ctx context.Context, id int64) ([]operation.View, error) {
	var out []operation.View
	_, err := c.do(ctx, http.MethodGet, requestsPath(id)+"/history", nil, &out)
	return out, err
}

// Current returns the running record of deployment id, or nil.
func (c *Client) Current(ctx context.Context, id int64) (*operation.View, error) {
	var out operation.View
	status, err := c.do(ctx, http.MethodGet, requestsPath(id)+"/current", nil, &out)
	if err != nil || status == http.StatusNoContent {
		return nil, err
	}
	return &out, nil
}

// Get returns one record of deployment id.
func (c *Client) Get(ctx context.Context, id, requestID int64) (*operation.View, error) {
	var out operation.View
	path := requestsPath(id) + "/" + strconv.FormatInt(requestID, 10)
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel tail-cancels requestID and returns the removed records.
func (c *Client) Cancel(ctx context.Context, id, requestID int64) ([]operation.View, error) {
	var out CancelResponse
	path := requestsPath(id) + "/" + strconv.FormatInt(requestID, 10)
	if _, err := c.do(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Cancelled, nil
}

// Abandon closes an orphaned record.
func (c *Client) Abandon(ctx context.Context, id, requestID int64, reason string) (*operation.View, error) {
	var out operation.View
	path := requestsPath(id) + "/" + strconv.FormatInt(requestID, 10) + "/abandon"
	if _, err := c.do(ctx, http.MethodPost, path, AbandonRequest{Reason: reason}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Repeat re-submits a finished experiment with the same arguments.
func (c *Client) Repeat(ctx context.Context, id, requestID int64) (*AdmissionResponse, error) {
	var out AdmissionResponse
	path := requestsPath(id) + "/" + strconv.FormatInt(requestID, 10) + "/repeat"
	if _, err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Orphans lists records that started and were never finished.
func (c *Client) Orphans(ctx context.Context) ([]operation.View, error) {
	var out []operation.View
	_, err := c.do(ctx, http.MethodGet, "/orphans", nil, &out)
	return out, err
}

// Nodes lists the inventory.
func (c *Client) Nodes(ctx context.Context) ([]*deployment.Node, error) {
	var out []*deployment.Node
	_, err := c.do(ctx, http.MethodGet, "/nodes", nil, &out)
	return out, err
}

// Policies lists the admission policies.
func (c *Client) Policies(ctx context.Context) ([]policy.Policy, error) {
	var out []policy.Policy
	_, err := c.do(ctx, http.MethodGet, "/policies", nil, &out)
	return out, err
}

// EventQuery filters Events. Zero fields match everything.
type EventQuery struct {
	DeploymentID int64
	Level        string
	Limit        int
	Offset       int
}

// Events reads the persisted event log.
func (c *Client) Events(ctx context.Context, q EventQuery) ([]*stores.Event, error) {
	v := url.Values{}
	if q.DeploymentID != 0 {
		v.Set("deployment", strconv.FormatInt(q.DeploymentID, 10))
	}
	if q.Level != "" {
		v.Set("level", q.Level)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	path := "/events"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}

	var out []*stores.Event
	_, err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}
