package hivemind

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, h http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, append([]Option{WithHTTPClient(srv.Client())}, opts...)...)
	require.NoError(t, err)
	return c
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	_, err := NewClient("localhost:8080")
	require.Error(t, err)
}

func TestExecuteSendsKindAndCredentials(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/requests", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "k1", r.Header.Get("X-API-Key"))

		var body struct {
			Kind    string         `json:"kind"`
			Payload string         `json:"payload"`
			Options map[string]any `json:"options"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, KindAudit, body.Kind)
		require.Equal(t, true, body.Options["generate_tests"])

		_ = json.NewEncoder(w).Encode(Response{
			RequestID: "r-1",
			Kind:      body.Kind,
			State:     "completed",
			Result:    Result{Summary: "no issues", Confidence: 0.8},
		})
	}), WithAPIKey("k1"))

	resp, err := c.Audit(context.Background(), "contract A {}", Options{"generate_tests": true})
	require.NoError(t, err)
	require.True(t, resp.Completed())
	require.Equal(t, "no issues", resp.Result.Summary)
}

func TestAPIErrorDecoding(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"code":"PIPELINE_FAILED","message":"step chat failed","metadata":{"step":"chat"}}`))
	}))

	_, err := c.Chat(context.Background(), "hi", nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	require.Equal(t, "PIPELINE_FAILED", apiErr.Code)
	require.Equal(t, "chat", apiErr.Metadata["step"])
	require.Contains(t, apiErr.Error(), "PIPELINE_FAILED")
}

func TestListTasksEncodesFilter(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/tasks", r.URL.Path)
		q := r.URL.Query()
		require.Equal(t, "5", q.Get("limit"))
		require.Equal(t, "failed", q.Get("status"))
		require.Equal(t, "asc", q.Get("order"))
		require.Equal(t, "100", q.Get("since"))
		require.Empty(t, q.Get("offset"))
		_ = json.NewEncoder(w).Encode([]Task{{ID: "t-1", Status: "failed"}})
	}), WithAccessToken("tok"))

	items, err := c.ListTasks(context.Background(), ListFilter{
		Limit:     5,
		Status:    "failed",
		Ascending: true,
		Since:     time.Unix(100, 0),
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestWaitTaskPollsUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/tasks/t-1", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		status := "running"
		if calls.Add(1) >= 3 {
			status = "succeeded"
		}
		_ = json.NewEncoder(w).Encode(Task{ID: "t-1", Status: status})
	}))
	c.SetAccessToken("tok")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := c.WaitTask(ctx, "t-1", 5*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "succeeded", task.Status)
	require.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestWaitTaskStopsOnNotFound(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"TASK_NOT_FOUND","message":"任务不存在"}`))
	}))

	_, err := c.WaitTask(context.Background(), "missing", time.Millisecond)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "TASK_NOT_FOUND", apiErr.Code)
	require.EqualValues(t, 1, calls.Load())
}

func TestWaitTaskTimesOut(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Task{ID: "t-2", Status: "pending"})
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	task, err := c.WaitTask(ctx, "t-2", 5*time.Millisecond)
	require.ErrorIs(t, err, ErrTaskPending)
	require.NotNil(t, task)
	require.Equal(t, "pending", task.Status)
}

func TestHealth(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/healthz", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"degraded","providers":{"groq":false,"ollama":true},"checked_at":"2026-01-02T03:04:05Z"}`))
	}))

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, "degraded", h.Status)
	require.False(t, h.Providers["groq"])
	require.True(t, h.Providers["ollama"])
}

func TestHealthUnavailableStillReturnsReport(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable","providers":{"groq":false}}`))
	}))

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, "unavailable", h.Status)
	require.False(t, h.Providers["groq"])
}

func TestOpenCollaboration(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/collaborations", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "contract A {}", body["code"])
		require.Equal(t, "0xabc", body["contract_address"])
		_, hasKind := body["kind"]
		require.False(t, hasKind)

		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"pending","session":{"session_id":"s-1","correlation_id":"c-1","counterparty":"auditor","state":"awaiting_reply"}}`))
	}))

	got, err := c.OpenCollaboration(context.Background(), CollaborationRequest{Code: "contract A {}", ContractAddress: "0xabc"})
	require.NoError(t, err)
	require.Equal(t, "pending", got.Status)
	require.Equal(t, "s-1", got.Session.ID)
	require.Equal(t, "c-1", got.Session.CorrelationID)
}
