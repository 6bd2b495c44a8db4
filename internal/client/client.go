// Package client is a typed Go client for the sandboxd HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/sandboxd/internal/capability"
	"github.com/seantiz/sandboxd/internal/model"
)

// DefaultBaseURL is used when New is given an empty base URL.
const DefaultBaseURL = "http://localhost:8080"

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sandboxd: %s (status %d)", e.Message, e.StatusCode)
}

// IsNotFound reports whether err is an API 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to one sandboxd server. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for baseURL. A nil httpClient uses one without a
// global timeout, since executions and output streams can run long.
func New(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// BaseURL returns the server root the client sends requests to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateRequest is the body of a context creation. Zero fields take the
// server defaults.
type CreateRequest struct {
	Type   string        `json:"type,omitempty"`
	ID     string        `json:"id,omitempty"`
	Config *model.Config `json:"config,omitempty"`
}

// ExecOptions are shared by code and command execution.
type ExecOptions struct {
	Timeout    time.Duration
	WorkingDir string
	Env        map[string]string
}

// CodeRequest runs a snippet. Language defaults to python on the server.
type CodeRequest struct {
	Code     string
	Language string
	ExecOptions
}

// CommandRequest runs a shell command line.
type CommandRequest struct {
	Command string
	ExecOptions
}

// ReadFileRequest reads one file.
type ReadFileRequest struct {
	Path     string `json:"path"`
	Encoding string `json:"encoding,omitempty"`
	Binary   bool   `json:"binary,omitempty"`
}

// WriteFileRequest writes Content to Path. Binary content is sent base64
// encoded; text content is sent as is.
type WriteFileRequest struct {
	Path       string
	Content    []byte
	Encoding   string
	Binary     bool
	CreateDirs bool
}

// BackendList is the response of Backends.
type BackendList struct {
	Backends []string `json:"backends"`
	Default  string   `json:"default"`
}

// SystemInfo describes the server host.
type SystemInfo struct {
	Hostname      string  `json:"hostname"`
	OS            string  `json:"os"`
	Platform      string  `json:"platform"`
	KernelVersion string  `json:"kernel_version"`
	CPUCount      int     `json:"cpu_count"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryTotal   uint64  `json:"memory_total"`
	MemoryUsed    uint64  `json:"memory_used"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Health is the response of Health.
type Health struct {
	Healthy        bool        `json:"healthy"`
	Version        string      `json:"version"`
	UptimeSeconds  float64     `json:"uptime"`
	ActiveContexts int         `json:"active_contexts"`
	Stats          model.Stats `json:"stats"`
	SystemInfo     SystemInfo  `json:"system_info"`
}

// ExecutionStats aggregates recorded executions.
type ExecutionStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByKind   map[string]int `json:"count_by_kind"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Stats is the response of Stats. Executions is nil when the server does
// not record history.
type Stats struct {
	model.Stats
	Executions *ExecutionStats `json:"executions,omitempty"`
}

// ExecutionPage is one page of a context's execution history.
type ExecutionPage struct {
	ContextID  string             `json:"context_id"`
	Executions []*model.Execution `json:"executions"`
	Total      int                `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

// Health fetches server health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Stats fetches context and execution statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Backends lists the backend types the server can create.
func (c *Client) Backends(ctx context.Context) (*BackendList, error) {
	var b BackendList
	if err := c.do(ctx, http.MethodGet, "/v1/backends", nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Capabilities lists every registered capability with its parameters.
func (c *Client) Capabilities(ctx context.Context) ([]capability.Info, error) {
	var infos []capability.Info
	if err := c.do(ctx, http.MethodGet, "/v1/capabilities", nil, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// CreateContext creates and starts a context.
func (c *Client) CreateContext(ctx context.Context, req CreateRequest) (*model.ContextInfo, error) {
	var resp struct {
		ID   string            `json:"id"`
		Info model.ContextInfo `json:"info"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/contexts", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Info, nil
}

// ListContexts lists contexts, optionally only those in status.
func (c *Client) ListContexts(ctx context.Context, status model.Status) ([]model.ContextInfo, error) {
	path := "/v1/contexts"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var resp struct {
		Contexts []model.ContextInfo `json:"contexts"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Contexts, nil
}

// GetContext fetches one context.
func (c *Client) GetContext(ctx context.Context, id string) (*model.ContextInfo, error) {
	var info model.ContextInfo
	if err := c.do(ctx, http.MethodGet, contextPath(id, ""), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DeleteContext deletes a context. It returns false when the server forgot
// the context but part of its teardown failed.
func (c *Client) DeleteContext(ctx context.Context, id string) (bool, error) {
	var resp struct {
		Deleted bool `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodDelete, contextPath(id, ""), nil, &resp); err != nil {
		return false, err
	}
	return resp.Deleted, nil
}

// StopContext stops a context without deleting it.
func (c *Client) StopContext(ctx context.Context, id string) (*model.ContextInfo, error) {
	var info model.ContextInfo
	if err := c.do(ctx, http.MethodPost, contextPath(id, "stop"), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ExecuteCode runs a code snippet in context id.
func (c *Client) ExecuteCode(ctx context.Context, id string, req CodeRequest) (*model.Outcome, error) {
	body := map[string]any{
		"code":     req.Code,
		"language": req.Language,
	}
	req.ExecOptions.into(body)
	return c.outcome(ctx, contextPath(id, "code"), body)
}

// ExecuteCommand runs a command line in context id.
func (c *Client) ExecuteCommand(ctx context.Context, id string, req CommandRequest) (*model.Outcome, error) {
	body := map[string]any{"command": req.Command}
	req.ExecOptions.into(body)
	return c.outcome(ctx, contextPath(id, "command"), body)
}

// ReadFile reads a file from context id. Binary content comes back base64
// encoded in the result's content field.
func (c *Client) ReadFile(ctx context.Context, id string, req ReadFileRequest) (*model.Outcome, error) {
	return c.outcome(ctx, contextPath(id, "files/read"), req)
}

// WriteFile writes a file into context id.
func (c *Client) WriteFile(ctx context.Context, id string, req WriteFileRequest) (*model.Outcome, error) {
	content := string(req.Content)
	if req.Binary {
		content = base64.StdEncoding.EncodeToString(req.Content)
	}
	return c.outcome(ctx, contextPath(id, "files/write"), map[string]any{
		"path":        req.Path,
		"content":     content,
		"encoding":    req.Encoding,
		"binary":      req.Binary,
		"create_dirs": req.CreateDirs,
	})
}

// ExecuteCapability runs the named capability in context id.
func (c *Client) ExecuteCapability(ctx context.Context, id, name string, params map[string]any) (*model.Outcome, error) {
	if params == nil {
		params = map[string]any{}
	}
	return c.outcome(ctx, contextPath(id, "capabilities/"+url.PathEscape(name)), map[string]any{"parameters": params})
}

// ListCapabilities lists the capabilities enabled in context id.
func (c *Client) ListCapabilities(ctx context.Context, id string) ([]string, error) {
	var resp struct {
		Capabilities []string `json:"tools"`
	}
	if err := c.do(ctx, http.MethodGet, contextPath(id, "capabilities"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Capabilities, nil
}

// Executions fetches a page of the execution history of context id.
func (c *Client) Executions(ctx context.Context, id string, limit, offset int) (*ExecutionPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := contextPath(id, "executions")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page ExecutionPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (o ExecOptions) into(body map[string]any) {
	if o.Timeout > 0 {
		body["timeout"] = o.Timeout.Seconds()
	}
	if o.WorkingDir != "" {
		body["working_dir"] = o.WorkingDir
	}
	if len(o.Env) > 0 {
		body["env_vars"] = o.Env
	}
}

func (c *Client) outcome(ctx context.Context, path string, body any) (*model.Outcome, error) {
	var o model.Outcome
	if err := c.do(ctx, http.MethodPost, path, body, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func contextPath(id, suffix string) string {
	p := "/v1/contexts/" + url.PathEscape(id)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

// do sends body as JSON and decodes a 2xx response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// send performs the request and turns non-2xx responses into *APIError.
// The caller closes the body of a successful response.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, decodeAPIError(resp)
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
	} else if msg := strings.TrimSpace(string(data)); msg != "" {
		apiErr.Message = msg
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
