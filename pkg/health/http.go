package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPChecker requests a health URL, such as the identity provider's
// liveness endpoint, and accepts a range of status codes
type HTTPChecker struct {
	url       string
	header    http.Header
	minStatus int
	maxStatus int
	client    *http.Client
}

// HTTPOption configures an HTTPChecker
type HTTPOption func(*HTTPChecker)

// WithHeader sends key: value with every probe
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTPChecker) { h.header.Set(key, value) }
}

// WithStatusRange replaces the accepted range, 200-399 by default
func WithStatusRange(min, max int) HTTPOption {
	return func(h *HTTPChecker) {
		h.minStatus = min
		h.maxStatus = max
	}
}

// WithHTTPClient replaces the client used for probes
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPChecker) { h.client = c }
}

// NewHTTPChecker creates a GET checker for url. Redirects are not followed:
// a redirect to a login page is reported as a 3xx, not as the login page's
// 200.
func NewHTTPChecker(url string, opts ...HTTPOption) *HTTPChecker {
	h := &HTTPChecker{
		url:       url,
		header:    make(http.Header),
		minStatus: http.StatusOK,
		maxStatus: 399,
		client: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTPChecker) Check(ctx context.Context) (res Result) {
	res.CheckedAt = time.Now()
	defer func() { res.Duration = time.Since(res.CheckedAt) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		res.Message = fmt.Sprintf("failed to create request: %v", err)
		return res
	}
	req.Header = h.header.Clone()

	resp, err := h.client.Do(req)
	if err != nil {
		res.Message = fmt.Sprintf("request failed: %v", err)
		return res
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	res.Healthy = resp.StatusCode >= h.minStatus && resp.StatusCode <= h.maxStatus
	res.Message = fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !res.Healthy {
		res.Message += fmt.Sprintf(" (expected %d-%d)", h.minStatus, h.maxStatus)
	}
	return res
}

func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}
