// Package client talks to the upscaler HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/api"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/retry"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/service"
)

// DefaultURL is used when no server is configured
const DefaultURL = "http://localhost:8000"

// APIError is a non-2xx response decoded from the error envelope
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
	if e.RequestID != "" {
		msg += " [request " + e.RequestID + "]"
	}
	return msg
}

// IsNotFound reports whether err is a 404 from the server
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is safe for concurrent use
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	retry   retry.Config
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTLS sets the transport TLS configuration
func WithTLS(cfg *tls.Config) Option {
	return func(c *Client) {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = cfg
		c.http.Transport = transport
	}
}

// WithRetry sets the backoff used for idempotent requests
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// New creates a client for baseURL; apiKey may be empty
func New(baseURL, apiKey string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 5 * time.Minute},
		retry:   retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode, Code: "HTTP_ERROR", Message: strings.TrimSpace(string(body))}
	var er api.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.ErrorCode != "" {
		apiErr.Code = er.ErrorCode
		apiErr.Message = er.ErrorMessage
		apiErr.RequestID = er.RequestID
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// do sends one request and decodes the envelope's data into out. It returns
// the envelope message.
func (c *Client) do(req *http.Request, out interface{}) (string, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", decodeError(resp)
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return "", fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return env.Message, nil
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
			return true
		}
		return false
	}
	return retry.IsRetryable(err)
}

// get performs an idempotent request with retries
func (c *Client) get(ctx context.Context, method, path string, out interface{}) (string, error) {
	var message string
	err := retry.Do(ctx, c.retry, func() error {
		req, err := c.newRequest(ctx, method, path, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		message, err = c.do(req, out)
		if err != nil && !retryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	return message, err
}

// Submit uploads an image. It is not retried so a job is never created twice.
func (c *Client) Submit(ctx context.Context, filename string, image io.Reader, params models.ProcessingParams) (*api.SubmitResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return nil, fmt.Errorf("failed to build form: %w", err)
	}
	if _, err := io.Copy(part, image); err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if params.Scale > 0 {
		mw.WriteField("scale", strconv.FormatFloat(params.Scale, 'f', -1, 64))
	}
	if params.TileSize > 0 {
		mw.WriteField("tile_size", strconv.Itoa(params.TileSize))
	}
	if params.Model != "" {
		mw.WriteField("model", params.Model)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to build form: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/upscale", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out api.SubmitResponse
	if _, err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitFile uploads the image at path
func (c *Client) SubmitFile(ctx context.Context, path string, params models.ProcessingParams) (*api.SubmitResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return c.Submit(ctx, path, f, params)
}

// Job fetches one job
func (c *Client) Job(ctx context.Context, id string) (models.JobView, error) {
	var view models.JobView
	_, err := c.get(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), &view)
	return view, err
}

// Wait polls a job every interval until it is terminal. onUpdate, when set,
// sees every poll.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration, onUpdate func(models.JobView)) (models.JobView, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		view, err := c.Job(ctx, id)
		if err != nil {
			return view, err
		}
		if onUpdate != nil {
			onUpdate(view)
		}
		if models.IsTerminalState(view.Status) {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Download streams a completed job's output to w and returns the server's
// suggested filename
func (c *Client) Download(ctx context.Context, id string, w io.Writer) (string, int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id)+"/result", nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Accept", "*/*")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("download %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", 0, decodeError(resp)
	}

	filename := "upscaled_" + id
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		filename = filepath.Base(params["filename"])
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return filename, n, fmt.Errorf("download %s: %w", id, err)
	}
	return filename, n, nil
}

// Cancel cancels a job and returns the server's message
func (c *Client) Cancel(ctx context.Context, id string) (models.JobView, string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(id)+"/cancel", nil)
	if err != nil {
		return models.JobView{}, "", err
	}
	var view models.JobView
	msg, err := c.do(req, &view)
	return view, msg, err
}

// Delete removes a job and its files
func (c *Client) Delete(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	_, err = c.do(req, nil)
	return err
}

// List returns jobs, optionally filtered by status
func (c *Client) List(ctx context.Context, status models.JobStatus) (api.JobListResponse, error) {
	path := "/v1/jobs"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out api.JobListResponse
	_, err := c.get(ctx, http.MethodGet, path, &out)
	return out, err
}

// Stats returns counts per status
func (c *Client) Stats(ctx context.Context) (models.Stats, error) {
	var out models.Stats
	_, err := c.get(ctx, http.MethodGet, "/v1/stats", &out)
	return out, err
}

// System returns pool, engine and host state
func (c *Client) System(ctx context.Context) (service.SystemStatus, error) {
	var out service.SystemStatus
	_, err := c.get(ctx, http.MethodGet, "/v1/system", &out)
	return out, err
}

// Reload asks the server to reload the engine
func (c *Client) Reload(ctx context.Context) (service.ReloadResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/system/engine/reload", nil)
	if err != nil {
		return service.ReloadResult{}, err
	}
	var out service.ReloadResult
	_, err = c.do(req, &out)
	return out, err
}

// Health returns the health report. A degraded server answers 503 with the
// same body, which is returned without error.
func (c *Client) Health(ctx context.Context) (service.HealthStatus, error) {
	var out service.HealthStatus
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return out, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return out, decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("failed to decode health: %w", err)
	}
	return out, nil
}
