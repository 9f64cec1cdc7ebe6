// Package authentik implements integrations.IdentityProvider against the
// Authentik core API. Roles map to Authentik groups; subject ids are user pks.
package authentik

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

	"github.com/cuemby/membersync/pkg/integrations"
	"golang.org/x/time/rate"
)

const (
	// maxErrorBodySize limits how much of an error response is kept
	maxErrorBodySize = 4096

	defaultTimeout = 10 * time.Second

	// HealthPath is Authentik's unauthenticated liveness endpoint
	HealthPath = "/-/health/live/"
)

// Config holds client settings
type Config struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// APIError is a non-2xx response from Authentik
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("authentik %s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Client talks to one Authentik instance
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates an Authentik client
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid authentik base url %q", cfg.BaseURL)
	}
	if cfg.Token == "" {
		return nil, errors.New("authentik token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}, nil
}

// HealthURL returns the liveness URL of the configured instance
func (c *Client) HealthURL() string {
	return c.baseURL + HealthPath
}

type groupMembership struct {
	PK int `json:"pk"`
}

type userRequest struct {
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	IsActive bool   `json:"is_active"`
}

type userResponse struct {
	PK       int    `json:"pk"`
	Username string `json:"username"`
}

type userList struct {
	Results []userResponse `json:"results"`
}

// GrantRole adds the user to the group. Adding an existing member is a no-op
// on the Authentik side.
func (c *Client) GrantRole(ctx context.Context, subjectID, roleID string) error {
	return c.groupMembership(ctx, "add_user", subjectID, roleID)
}

// RevokeRole removes the user from the group
func (c *Client) RevokeRole(ctx context.Context, subjectID, roleID string) error {
	return c.groupMembership(ctx, "remove_user", subjectID, roleID)
}

func (c *Client) groupMembership(ctx context.Context, action, subjectID, groupID string) error {
	pk, err := strconv.Atoi(subjectID)
	if err != nil {
		return fmt.Errorf("authentik subject id %q is not a user pk", subjectID)
	}
	path := fmt.Sprintf("/api/v3/core/groups/%s/%s/", url.PathEscape(groupID), action)
	return c.do(ctx, http.MethodPost, path, groupMembership{PK: pk}, nil)
}

// CreateUser looks the username up first so a retried create returns the
// account made by the earlier attempt
func (c *Client) CreateUser(ctx context.Context, user integrations.User) (string, error) {
	existing, err := c.findUser(ctx, user.Username)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return strconv.Itoa(existing.PK), nil
	}

	var created userResponse
	req := userRequest{Username: user.Username, Name: user.Name, Email: user.Email, IsActive: true}
	if err := c.do(ctx, http.MethodPost, "/api/v3/core/users/", req, &created); err != nil {
		return "", err
	}
	return strconv.Itoa(created.PK), nil
}

// DeactivateUser sets is_active to false
func (c *Client) DeactivateUser(ctx context.Context, subjectID string) error {
	if _, err := strconv.Atoi(subjectID); err != nil {
		return fmt.Errorf("authentik subject id %q is not a user pk", subjectID)
	}
	path := fmt.Sprintf("/api/v3/core/users/%s/", subjectID)
	err := c.do(ctx, http.MethodPatch, path, map[string]bool{"is_active": false}, nil)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("subject %s: %w", subjectID, integrations.ErrUserNotFound)
	}
	return err
}

func (c *Client) findUser(ctx context.Context, username string) (*userResponse, error) {
	var list userList
	path := "/api/v3/core/users/?username=" + url.QueryEscape(username)
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	for i := range list.Results {
		if list.Results[i].Username == username {
			return &list.Results[i], nil
		}
	}
	return nil, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("authentik rate limit: %w", err)
	}

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
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("authentik %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode authentik response: %w", err)
	}
	return nil
}
