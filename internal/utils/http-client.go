package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type ClientConfig struct {
	APIKey     string
	BaseURL    string // defaults to ItchAPI
	UserAgent  string
	KATimeout  time.Duration
	Headers    map[string]string
	MaxRetries int               // total attempts, default 5
	RetryWait  time.Duration     // exponential backoff base, default 10s
	Transport  http.RoundTripper // overrides the pooled transport when set
}

// ItchClient is a thin wrapper over http.Client that appends the itch.io
// API key as a query parameter and retries transient failures. Only GET
// requests go through it, so every retry is idempotent. Safe for
// concurrent use; the pooled transport is shared across workers.
type ItchClient struct {
	client *http.Client
	config ClientConfig
}

type GetOptions struct {
	Params   url.Values    // extra query parameters (credentials, page numbers)
	NoAPIKey bool          // suppress the api_key parameter (raw pages, external mirrors)
	Timeout  time.Duration // per-call deadline, 0 means none (streamed downloads)
}

func NewItchClient(cfg ClientConfig) *ItchClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = ItchAPI
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 60 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryWait == 0 {
		cfg.RetryWait = 10 * time.Second
	}
	var transport http.RoundTripper = &http.Transport{
		IdleConnTimeout:     cfg.KATimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		DisableCompression:  true,
		MaxConnsPerHost:     0,
	}
	if cfg.Transport != nil {
		transport = cfg.Transport
	}
	return &ItchClient{
		client: &http.Client{Transport: transport},
		config: cfg,
	}
}

// Get fetches an absolute URL or an endpoint path on the API base.
// Timeouts apply per call, so a hung job is bounded by the sum of its
// constituent call deadlines rather than being unbounded.
func (c *ItchClient) Get(endpoint string, opts *GetOptions) (*http.Response, error) {
	if opts == nil {
		opts = &GetOptions{}
	}
	rawURL := endpoint
	if !strings.HasPrefix(endpoint, "https://") && !strings.HasPrefix(endpoint, "http://") {
		rawURL = c.config.BaseURL + endpoint
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing request URL %q: %v", rawURL, err)
	}
	query := parsed.Query()
	for key, values := range opts.Params {
		for _, value := range values {
			query.Set(key, value)
		}
	}
	if !opts.NoAPIKey && query.Get("api_key") == "" {
		query.Set("api_key", c.config.APIKey)
	}
	parsed.RawQuery = query.Encode()

	var lastErr error
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := c.config.RetryWait * (1 << (attempt - 1))
			log.Warn().Str("op", "utils/http-client").Msgf("Retrying %s in %s (attempt %d/%d)", parsed.Path, wait, attempt+1, c.config.MaxRetries)
			time.Sleep(wait)
		}
		resp, err := c.attempt(parsed.String(), opts.Timeout)
		if err != nil {
			lastErr = err
			continue
		}
		if RetryStatuses[resp.StatusCode] {
			lastErr = fmt.Errorf("server returned status %d", resp.StatusCode)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.config.MaxRetries, lastErr)
}

func (c *ItchClient) attempt(fullURL string, timeout time.Duration) (*http.Response, error) {
	req, err := http.NewRequest("GET", fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating GET request: %v", err)
	}
	var cancel context.CancelFunc
	if timeout > 0 {
		var ctx context.Context
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
		req = req.WithContext(ctx)
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	} else {
		req.Header.Set("User-Agent", ToolUserAgent)
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, err
	}
	if cancel != nil {
		resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	}
	return resp, nil
}

// GetJSON fetches an endpoint and decodes a 2xx JSON response into v.
func (c *ItchClient) GetJSON(endpoint string, opts *GetOptions, v any) error {
	resp, err := c.Get(endpoint, opts)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if !IsOK(resp.StatusCode) {
		return fmt.Errorf("request returned status %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("error decoding JSON response: %v", err)
	}
	return nil
}

func IsOK(status int) bool {
	return status >= 200 && status < 300
}

// cancelBody ties a per-call context to the response body so the
// deadline stays armed while the caller streams the payload.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	b.cancel()
	return b.ReadCloser.Close()
}
