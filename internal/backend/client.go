// Package backend is the HTTP client for the remote analysis service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/aixgo-dev/quantchat/internal/observability"
	"github.com/aixgo-dev/quantchat/pkg/chatlog"
	metrics "github.com/aixgo-dev/quantchat/pkg/observability"
	"github.com/aixgo-dev/quantchat/pkg/upload"
)

const (
	analyzePath = "/api/analyze"
	uploadPath  = "/api/upload"
	patchPath   = "/api/patch"

	defaultTimeout = 60 * time.Second
	maxErrorBody   = 64 * 1024
)

// Config configures the client.
type Config struct {
	// BaseURL is the analysis service root, e.g. https://analysis.example.com
	BaseURL string
	// Timeout bounds upload and patch calls. Analysis streams are bounded
	// only by the caller's context.
	Timeout time.Duration
	// RequestsPerSecond and Burst throttle outgoing requests; zero disables.
	RequestsPerSecond float64
	Burst             int
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client calls the analysis service.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient validates cfg and returns a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("backend base URL is required")
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL scheme: %s (only http/https allowed)", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("invalid base URL: missing host in %q", cfg.BaseURL)
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		httpClient: cfg.HTTPClient,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		}
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// BaseURL returns the normalized service root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// AnalyzeRequest is the body of an analysis call.
type AnalyzeRequest struct {
	Prompt        string             `json:"prompt"`
	History       []*chatlog.Message `json:"history"`
	UploadedFiles []upload.Metadata  `json:"uploaded_files"`
}

// Analyze starts an analysis and returns the NDJSON response body. The
// caller must close it.
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest) (io.ReadCloser, error) {
	ctx, span := observability.StartSpan(ctx, "backend.analyze", map[string]any{
		"history":  len(req.History),
		"files":    len(req.UploadedFiles),
		"base_url": c.baseURL,
	})
	defer span.End()

	if req.History == nil {
		req.History = []*chatlog.Message{}
	}
	if req.UploadedFiles == nil {
		req.UploadedFiles = []upload.Metadata{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.do(ctx, "analyze", http.MethodPost, analyzePath, "application/json", bytes.NewReader(body))
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	span.SetAttribute("http.status_code", resp.StatusCode)
	return resp.Body, nil
}

// Upload sends one file as multipart field "file" and returns the service's
// descriptor. The local name fills in when the service omits one.
func (c *Client) Upload(ctx context.Context, name string, content io.Reader) (upload.Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := observability.StartSpan(ctx, "backend.upload", map[string]any{"file": name})
	defer span.End()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", name)
		if err == nil {
			_, err = io.Copy(part, content)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	resp, err := c.do(ctx, "upload", http.MethodPost, uploadPath, mw.FormDataContentType(), pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		span.SetError(err)
		return upload.Descriptor{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		upload.Descriptor
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		err = &TransportError{Op: "upload", StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		span.SetError(err)
		return upload.Descriptor{}, err
	}
	if result.Error != "" {
		err := &TransportError{Op: "upload", StatusCode: resp.StatusCode, Message: result.Error}
		span.SetError(err)
		return upload.Descriptor{}, err
	}

	d := result.Descriptor
	if d.Name == "" {
		d.Name = name
	}
	return d, nil
}

// Patch submits an admin patch and returns the service's confirmation.
func (c *Client) Patch(ctx context.Context, password, patchCode string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := observability.StartSpan(ctx, "backend.patch", nil)
	defer span.End()

	body, err := json.Marshal(map[string]string{
		"password":  password,
		"patchCode": patchCode,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.do(ctx, "patch", http.MethodPost, patchPath, "application/json", bytes.NewReader(body))
	if err != nil {
		span.SetError(err)
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &TransportError{Op: "patch", StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return result.Message, nil
}

// Ping reports whether the service answers HTTP at all.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "ping", Err: err}
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return &TransportError{Op: "ping", StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return nil
}

// do sends a request and converts transport failures and non-2xx responses
// into *TransportError. On success the caller owns resp.Body.
func (c *Client) do(ctx context.Context, op, method, path, contentType string, body io.Reader) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Op: op, Err: fmt.Errorf("rate limit: %w", err)}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordBackendRequest(op, "error")
		return nil, &TransportError{Op: op, Err: err}
	}
	metrics.RecordBackendRequest(op, strconv.Itoa(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		return nil, errorFromResponse(op, resp)
	}
	return resp, nil
}

// errorFromResponse reads the {"error": "..."} body the service sends with
// non-2xx statuses, falling back to the raw text.
func errorFromResponse(op string, resp *http.Response) *TransportError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload struct {
		Error string `json:"error"`
	}
	msg := ""
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
	} else if text := strings.TrimSpace(string(raw)); text != "" {
		msg = text
	} else {
		msg = http.StatusText(resp.StatusCode)
	}

	log.Printf("[Backend] %s returned status %d: %s", op, resp.StatusCode, msg)
	return &TransportError{Op: op, StatusCode: resp.StatusCode, Message: msg}
}
