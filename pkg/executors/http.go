package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/perpetual/pkg/types"
)

// HTTPParams configures one http-probe task
type HTTPParams struct {
	// URL is the full HTTP URL to poll
	URL string `json:"url"`

	// Method is the HTTP method to use (default: GET)
	Method string `json:"method,omitempty"`

	// Headers are custom HTTP headers to include in the request
	Headers map[string]string `json:"headers,omitempty"`

	// ExpectedStatusMin is the minimum acceptable HTTP status code (default: 200)
	ExpectedStatusMin int `json:"expectedStatusMin,omitempty"`

	// ExpectedStatusMax is the maximum acceptable HTTP status code (default: 399)
	ExpectedStatusMax int `json:"expectedStatusMax,omitempty"`
}

// buildHTTPParams reads url, method, status_min, status_max and any
// header.<Name> keys from the client context.
func buildHTTPParams(_ context.Context, cc map[string]string) ([]byte, error) {
	p := HTTPParams{
		URL:     cc["url"],
		Method:  cc["method"],
		Headers: make(map[string]string),
	}
	if p.URL == "" {
		return nil, fmt.Errorf("http-probe requires a url")
	}

	for key, value := range cc {
		if name, ok := strings.CutPrefix(key, "header."); ok {
			p.Headers[name] = value
		}
	}

	var err error
	if p.ExpectedStatusMin, err = atoiDefault(cc["status_min"], 0); err != nil {
		return nil, fmt.Errorf("invalid status_min: %w", err)
	}
	if p.ExpectedStatusMax, err = atoiDefault(cc["status_max"], 0); err != nil {
		return nil, fmt.Errorf("invalid status_max: %w", err)
	}

	return json.Marshal(p)
}

// HTTPExecutor polls an HTTP endpoint and reports its status
type HTTPExecutor struct {
	// Client is the HTTP client to use; per-run deadlines come from the context
	Client *http.Client
}

// NewHTTPExecutor creates an executor with a default client
func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{
		Client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// RunOnce performs the request. An out-of-range status is reported as a
// response carrying that status; a transport failure is an error.
func (h *HTTPExecutor) RunOnce(ctx context.Context, taskID string, params []byte, heartbeatTime time.Time) (*types.TaskResponse, error) {
	var p HTTPParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Method == "" {
		p.Method = http.MethodGet
	}
	if p.ExpectedStatusMin == 0 {
		p.ExpectedStatusMin = 200
	}
	if p.ExpectedStatusMax == 0 {
		p.ExpectedStatusMax = 399
	}

	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Add custom headers
	for key, value := range p.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if resp.StatusCode < p.ExpectedStatusMin || resp.StatusCode > p.ExpectedStatusMax {
		return &types.TaskResponse{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("%s (expected %d-%d)", message, p.ExpectedStatusMin, p.ExpectedStatusMax),
		}, nil
	}

	return &types.TaskResponse{Code: types.ResponseCodeOK, Message: message}, nil
}

func (h *HTTPExecutor) Cleanup(ctx context.Context, taskID string, params []byte) error {
	h.Client.CloseIdleConnections()
	return nil
}

func atoiDefault(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}
