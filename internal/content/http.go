package content

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxErrorBody = 512

// articleStatusPublished marks an article that can no longer be scheduled
const articleStatusPublished = "PUBLISHED"

// HTTPClientConfig configures the HTTP content client
type HTTPClientConfig struct {
	BaseURL string
	Timeout time.Duration
	Headers map[string]string
}

// HTTPClient talks to the content service REST API
type HTTPClient struct {
	logger     *zap.Logger
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
}

var (
	_ Publisher = (*HTTPClient)(nil)
	_ Validator = (*HTTPClient)(nil)
)

// NewHTTPClient creates a new HTTP content client
func NewHTTPClient(cfg HTTPClientConfig, logger *zap.Logger) (*HTTPClient, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid content base url %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPClient{
		logger:  logger.Named("content-http"),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		headers: cfg.Headers,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Publish calls POST /articles/{ref}/publish. A 409 means the article is
// already published and counts as success.
func (c *HTTPClient) Publish(ctx context.Context, targetRef string) error {
	endpoint := fmt.Sprintf("%s/articles/%s/publish", c.baseURL, url.PathEscape(targetRef))

	resp, err := c.do(ctx, http.MethodPost, endpoint)
	if err != nil {
		return fmt.Errorf("publish request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		c.logger.Info("Target already published", zap.String("target_ref", targetRef))
		return nil
	default:
		return &StatusError{Op: "publish", StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}
}

// Validate calls GET /articles/{ref} and checks the article status
func (c *HTTPClient) Validate(ctx context.Context, targetRef string) error {
	endpoint := fmt.Sprintf("%s/articles/%s", c.baseURL, url.PathEscape(targetRef))

	resp, err := c.do(ctx, http.MethodGet, endpoint)
	if err != nil {
		return fmt.Errorf("validate request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrTargetNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &StatusError{Op: "validate", StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}

	var article struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&article); err != nil {
		return fmt.Errorf("failed to decode article: %w", err)
	}
	if strings.EqualFold(article.Status, articleStatusPublished) {
		return ErrNotPublishable
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	c.logger.Debug("Executing HTTP request",
		zap.String("method", method),
		zap.String("url", endpoint))

	return c.httpClient.Do(req)
}

func readErrorBody(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(body))
}
