package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// HTTPClient talks to a blurb server over its JSON API.
type HTTPClient struct {
	baseURL   string
	apiKey    string
	public    bool
	userAgent string
	client    *http.Client

	mu   sync.Mutex
	etag string
}

// HTTPConfig holds configuration for the HTTP client.
type HTTPConfig struct {
	APIKey    string        // Project API key
	Host      string        // Server host (default: "localhost")
	Port      int           // Server port (default: 443 when Secure, else 80)
	Secure    bool          // Use https
	BaseURL   string        // Full base URL, overrides Host/Port/Secure (optional)
	Public    bool          // Download published blurbs instead of drafts
	Timeout   time.Duration // Per-request timeout (default: 5s)
	UserAgent string        // User-Agent header (optional)
	Client    *http.Client  // Custom HTTP client (optional)
}

// NewHTTPClient creates a new HTTP client for the blurb server.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	base := cfg.BaseURL
	if base == "" {
		host := cfg.Host
		if host == "" {
			host = "localhost"
		}
		scheme := "http"
		port := cfg.Port
		if cfg.Secure {
			scheme = "https"
			if port == 0 {
				port = 443
			}
		}
		if port == 0 {
			port = 80
		}
		base = scheme + "://" + host + ":" + strconv.Itoa(port)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &HTTPClient{
		baseURL:   base,
		apiKey:    cfg.APIKey,
		public:    cfg.Public,
		userAgent: cfg.UserAgent,
		client:    client,
	}
}

// Upload posts blurbs as drafts.
func (c *HTTPClient) Upload(ctx context.Context, blurbs map[string]string) error {
	body, err := json.Marshal(blurbs)
	if err != nil {
		return &SyncError{Op: "upload", Message: "encoding blurbs", Cause: err}
	}

	resp, err := c.do(ctx, http.MethodPost, c.url("draft_blurbs"), body, nil)
	if err != nil {
		return &SyncError{Op: "upload", Message: "request failed", Cause: err, Retryable: true}
	}
	defer resp.Body.Close()

	return checkStatus("upload", resp)
}

// Download fetches published or draft blurbs, using the last ETag.
func (c *HTTPClient) Download(ctx context.Context) (map[string]string, error) {
	resource := "draft_blurbs"
	if c.public {
		resource = "published_blurbs"
	}

	c.mu.Lock()
	etag := c.etag
	c.mu.Unlock()

	header := http.Header{}
	if etag != "" {
		header.Set("If-None-Match", etag)
	}

	resp, err := c.do(ctx, http.MethodGet, c.url(resource), nil, header)
	if err != nil {
		return nil, &SyncError{Op: "download", Message: "request failed", Cause: err, Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, ErrNotModified
	}
	if err := checkStatus("download", resp); err != nil {
		return nil, err
	}

	var blurbs map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&blurbs); err != nil {
		return nil, &SyncError{Op: "download", Message: "decoding blurbs", Cause: err}
	}

	c.mu.Lock()
	c.etag = resp.Header.Get("ETag")
	c.mu.Unlock()

	return blurbs, nil
}

// Deploy publishes all draft blurbs.
func (c *HTTPClient) Deploy(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, c.url("deploys"), nil, nil)
	if err != nil {
		return &SyncError{Op: "deploy", Message: "request failed", Cause: err, Retryable: true}
	}
	defer resp.Body.Close()

	return checkStatus("deploy", resp)
}

func (c *HTTPClient) url(resource string) string {
	return fmt.Sprintf("%s/api/v2/projects/%s/%s", c.baseURL, c.apiKey, resource)
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body []byte, header http.Header) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	return c.client.Do(req)
}

func checkStatus(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrInvalidAPIKey
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &SyncError{
			Op:        op,
			Message:   fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg)),
			Retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}
}

// Verify HTTPClient implements Client and Deployer
var (
	_ Client   = (*HTTPClient)(nil)
	_ Deployer = (*HTTPClient)(nil)
)
