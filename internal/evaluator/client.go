package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oliveagle/jsonpath"

	"github.com/Kdotropez/loto-news/pkg/types"
)

const maxResponseBytes = 1 << 20

// Response is the envelope every evaluator endpoint answers with.
type Response struct {
	Success bool         `json:"success"`
	Data    *types.Stats `json:"data,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// requiredFields must be present in a successful response.
var requiredFields = []string{
	"$.data.hit3",
	"$.data.hit4",
	"$.data.hit5",
	"$.data.expectedValue",
	"$.data.gridEstimate",
	"$.data.selectedSet",
}

// NewHTTPClient creates an HTTP client with connection pooling
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// Client calls a remote evaluator at {baseURL}/api/evaluate.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a remote evaluator client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: NewHTTPClient(timeout),
	}
}

// BaseURL returns the evaluator address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Evaluate posts the request and validates the response shape before
// decoding it.
func (c *Client) Evaluate(ctx context.Context, req Request) (types.Stats, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return types.Stats{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/evaluate", bytes.NewReader(body))
	if err != nil {
		return types.Stats{}, fmt.Errorf("%w: %v", ErrEvaluatorUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return types.Stats{}, fmt.Errorf("%w: %v", ErrEvaluatorUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return types.Stats{}, fmt.Errorf("%w: read body: %v", ErrEvaluatorUnavailable, err)
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		if resp.StatusCode >= http.StatusInternalServerError {
			return types.Stats{}, fmt.Errorf("%w: status %d", ErrEvaluatorUnavailable, resp.StatusCode)
		}
		return types.Stats{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return types.Stats{}, fmt.Errorf("%w: %s", ErrNoHistory, errorMessage(doc))
	}

	success, err := extractValue(doc, "$.success")
	if err != nil {
		return types.Stats{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	ok, isBool := success.(bool)
	if !isBool {
		return types.Stats{}, fmt.Errorf("%w: success is %T", ErrMalformedResponse, success)
	}
	if !ok {
		return types.Stats{}, fmt.Errorf("%w: %s", ErrRejected, errorMessage(doc))
	}

	for _, field := range requiredFields {
		if _, err := extractValue(doc, field); err != nil {
			return types.Stats{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}

	var envelope Response
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Data == nil {
		return types.Stats{}, fmt.Errorf("%w: cannot decode data", ErrMalformedResponse)
	}
	return *envelope.Data, nil
}

// extractValue extracts a value from JSON using a JSONPath expression
func extractValue(doc interface{}, expression string) (interface{}, error) {
	pattern, err := jsonpath.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONPath expression '%s': %w", expression, err)
	}

	result, err := pattern.Lookup(doc)
	if err != nil {
		return nil, fmt.Errorf("JSONPath expression '%s' returned no results: %w", expression, err)
	}
	if result == nil {
		return nil, fmt.Errorf("JSONPath expression '%s' is null", expression)
	}
	return result, nil
}

func errorMessage(doc interface{}) string {
	v, err := extractValue(doc, "$.error")
	if err != nil {
		return "no error message"
	}
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return "no error message"
}

var _ Service = (*Client)(nil)
