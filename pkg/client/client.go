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
	"strings"
	"time"

	"github.com/cuemby/membersync/pkg/api"
	"github.com/cuemby/membersync/pkg/reconciler"
	"github.com/cuemby/membersync/pkg/service"
	"github.com/cuemby/membersync/pkg/types"
)

const defaultTimeout = 30 * time.Second

// Error is a non-2xx response from the API
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error: %d %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error: %s: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the API
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client wraps the HTTP API for CLI usage
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the API at addr. A bare host:port is
// treated as http.
func NewClient(addr string) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid api address %q", addr)
	}
	return &Client{
		baseURL:    strings.TrimRight(u.String(), "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}, nil
}

// EnqueueWork queues a work item and returns its id
func (c *Client) EnqueueWork(ctx context.Context, t types.WorkType, payload json.RawMessage) (string, error) {
	var resp api.EnqueueResponse
	err := c.do(ctx, http.MethodPost, "/v1/work", api.EnqueueRequest{Type: t, Payload: payload}, &resp)
	return resp.ID, err
}

// GetWorkItem returns a work item by id
func (c *Client) GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error) {
	var item types.WorkItem
	if err := c.do(ctx, http.MethodGet, "/v1/work/"+url.PathEscape(id), nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// GetTask returns a task with its subtasks
func (c *Client) GetTask(ctx context.Context, id string) (*service.TaskDetail, error) {
	var detail service.TaskDetail
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id), nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListTasks lists parent tasks, optionally filtered by status
func (c *Client) ListTasks(ctx context.Context, status types.TaskStatus) ([]*types.Task, error) {
	path := "/v1/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var list api.TaskList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list.Tasks, nil
}

// RetryTask retries a failed task or work item
func (c *Client) RetryTask(ctx context.Context, id string) (bool, error) {
	var resp api.RetryResponse
	err := c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(id)+"/retry", nil, &resp)
	return resp.Retried, err
}

// CancelTask cancels a pending task or work item
func (c *Client) CancelTask(ctx context.Context, id string) (bool, error) {
	var resp api.CancelResponse
	err := c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp.Cancelled, err
}

// QueueStatus returns work item counts by state
func (c *Client) QueueStatus(ctx context.Context) (types.QueueStatus, error) {
	var status types.QueueStatus
	err := c.do(ctx, http.MethodGet, "/v1/queue/status", nil, &status)
	return status, err
}

// ReconcileMember queues role changes for member
func (c *Client) ReconcileMember(ctx context.Context, member types.Member) (reconciler.Result, error) {
	var res reconciler.Result
	err := c.do(ctx, http.MethodPost, "/v1/members/reconcile", member, &res)
	return res, err
}

// Archive moves finished work items older than olderThan out of the live set
func (c *Client) Archive(ctx context.Context, olderThan time.Duration) (int, error) {
	var resp api.ArchiveResponse
	err := c.do(ctx, http.MethodPost, "/v1/admin/archive?older_than="+url.QueryEscape(olderThan.String()), nil, &resp)
	return resp.Archived, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var errResp api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error.Code != "" {
			apiErr.Code = errResp.Error.Code
			apiErr.Message = errResp.Error.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
