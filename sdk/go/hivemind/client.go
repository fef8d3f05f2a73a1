package hivemind

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Pipelines that fan out to several providers can take a while, so it is longer
// than a typical REST call.
const DefaultHTTPTimeout = 90 * time.Second

// ErrTaskPending is returned by WaitTask when the context expires before the
// task reaches a terminal status.
var ErrTaskPending = errors.New("hivemind: task still pending")

// Client wraps the HTTP interactions with the HiveMind Copilot REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	apiKey      string
	accessToken string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithAPIKey sends the key in the X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = strings.TrimSpace(key) }
}

// WithAccessToken sends the token as a bearer credential.
func WithAccessToken(token string) Option {
	return func(c *Client) { c.accessToken = strings.TrimSpace(token) }
}

// NewClient instantiates a client for the API rooted at rawURL.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	c := &Client{baseURL: parsed, httpClient: &http.Client{Timeout: DefaultHTTPTimeout}}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// SetAccessToken replaces the bearer token used for subsequent calls.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = strings.TrimSpace(token)
}

// Execute runs a request synchronously and returns the merged response.
func (c *Client) Execute(ctx context.Context, kind, payload string, opts Options) (*Response, error) {
	body := map[string]any{"kind": kind, "payload": payload}
	if len(opts) > 0 {
		body["options"] = opts
	}
	var resp Response
	if err := c.post(ctx, "/api/v1/requests", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Generate asks the server to write code from a natural language prompt.
func (c *Client) Generate(ctx context.Context, prompt string, opts Options) (*Response, error) {
	return c.Execute(ctx, KindGenerate, prompt, opts)
}

// Analyze reviews a piece of code.
func (c *Client) Analyze(ctx context.Context, code string, opts Options) (*Response, error) {
	return c.Execute(ctx, KindAnalyze, code, opts)
}

// Audit runs the security audit pipeline on a contract.
func (c *Client) Audit(ctx context.Context, code string, opts Options) (*Response, error) {
	return c.Execute(ctx, KindAudit, code, opts)
}

// Chat sends a conversational message.
func (c *Client) Chat(ctx context.Context, message string, opts Options) (*Response, error) {
	return c.Execute(ctx, KindChat, message, opts)
}

// Docs searches the documentation corpus.
func (c *Client) Docs(ctx context.Context, query string, opts Options) (*Response, error) {
	return c.Execute(ctx, KindDocs, query, opts)
}

// Compile compiles Solidity source.
func (c *Client) Compile(ctx context.Context, code string, opts Options) (*Response, error) {
	return c.Execute(ctx, KindCompile, code, opts)
}

// SubmitTask enqueues a request for asynchronous execution.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (*Task, error) {
	var out Task
	if err := c.post(ctx, "/api/v1/tasks", submission, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask fetches a task by identifier.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var out Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasks returns tasks matching the filter.
func (c *Client) ListTasks(ctx context.Context, filter ListFilter) ([]Task, error) {
	q := url.Values{}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.Kind != "" {
		q.Set("kind", filter.Kind)
	}
	if !filter.Since.IsZero() {
		q.Set("since", strconv.FormatInt(filter.Since.Unix(), 10))
	}
	if !filter.Until.IsZero() {
		q.Set("until", strconv.FormatInt(filter.Until.Unix(), 10))
	}
	if filter.Ascending {
		q.Set("order", "asc")
	}
	if filter.Query != "" {
		q.Set("q", filter.Query)
	}
	var out []Task
	if err := c.get(ctx, "/api/v1/tasks", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TaskStats returns the aggregate task counters.
func (c *Client) TaskStats(ctx context.Context) (*TaskStats, error) {
	var out TaskStats
	if err := c.get(ctx, "/api/v1/tasks/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitTask polls until the task is terminal or ctx is done.
func (c *Client) WaitTask(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = interval
	policy.MaxInterval = 10 * interval
	policy.MaxElapsedTime = 0

	var last *Task
	op := func() error {
		t, err := c.GetTask(ctx, id)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
				return backoff.Permanent(err)
			}
			return err
		}
		last = t
		if !t.Terminal() {
			return ErrTaskPending
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		if last != nil && !last.Terminal() {
			return last, fmt.Errorf("%w: %v", ErrTaskPending, err)
		}
		return last, err
	}
	return last, nil
}

// OpenCollaboration asks a peer agent to review the given code outside of a
// pipeline. The returned session is pending; poll it with PollCollaboration.
func (c *Client) OpenCollaboration(ctx context.Context, req CollaborationRequest) (*Collaboration, error) {
	var out Collaboration
	if err := c.post(ctx, "/api/v1/collaborations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PollCollaboration returns the state of a peer session.
func (c *Client) PollCollaboration(ctx context.Context, sessionID string) (*Collaboration, error) {
	var out Collaboration
	if err := c.get(ctx, "/api/v1/collaborations/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health fetches the liveness report. It does not require credentials.
// An unavailable server answers 503 with a report, which is returned without error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	err := c.get(ctx, "/healthz", nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
		if jsonErr := json.Unmarshal([]byte(apiErr.Message), &out); jsonErr == nil && out.Status != "" {
			return &out, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.mu.RLock()
	apiKey, token := c.apiKey, c.accessToken
	c.mu.RUnlock()
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
