package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"HiveMind-Copilot/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestInvokeSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "```solidity\ncontract A {}\n```"}}},
			"usage":   map[string]any{"total_tokens": 42},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{ID: "groq", APIKey: "test", BaseURL: srv.URL, CodeModel: "code-m", Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := client.Invoke(context.Background(), llm.Request{System: "sys", Prompt: "write", Purpose: llm.PurposeCode, MaxTokens: 64})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ProviderID != "groq" || res.TokensUsed != 42 || !strings.Contains(res.Text, "contract A") {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Raw) == 0 {
		t.Fatalf("raw payload should be kept")
	}
	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Body["model"] != "code-m" {
		t.Fatalf("code purpose should select code model, got %v", captured.Body["model"])
	}
	if captured.Body["max_tokens"] != float64(64) {
		t.Fatalf("max_tokens not forwarded: %v", captured.Body["max_tokens"])
	}
}

func TestInvokeFailureKinds(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		want    llm.ErrorKind
	}{
		{"rate limited", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "slow down", http.StatusTooManyRequests)
		}, llm.KindRateLimited},
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}, llm.KindUnavailable},
		{"bad request", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad", http.StatusBadRequest)
		}, llm.KindInvalidResponse},
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}, llm.KindInvalidResponse},
		{"empty choices", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}, llm.KindInvalidResponse},
		{"slow", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}, llm.KindTimeout},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			client, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL, Timeout: 100 * time.Millisecond})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			_, err = client.Invoke(context.Background(), llm.Request{Prompt: "hi"})
			if err == nil {
				t.Fatalf("expected failure")
			}
			if got := llm.KindOf(err); got != tc.want {
				t.Fatalf("kind=%s want %s (%v)", got, tc.want, err)
			}
		})
	}
}

func TestInvokeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, _ := NewClient(Config{APIKey: "k", BaseURL: url, Timeout: time.Second})
	_, err := client.Invoke(context.Background(), llm.Request{Prompt: "hi"})
	if llm.KindOf(err) != llm.KindUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestLocalRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "k", BaseURL: srv.URL, RateLimit: 0.001, Burst: 1})
	if _, err := client.Invoke(context.Background(), llm.Request{Prompt: "a"}); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}
	_, err := client.Invoke(context.Background(), llm.Request{Prompt: "b"})
	if llm.KindOf(err) != llm.KindRateLimited {
		t.Fatalf("expected rate limited, got %v", err)
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}
