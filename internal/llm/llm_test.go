package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	xerrors "HiveMind-Copilot/internal/errors"
)

func TestKindOfUnwrapsProviderError(t *testing.T) {
	err := fmt.Errorf("step generate: %w", NewError("groq", KindRateLimited, errors.New("429")))
	if KindOf(err) != KindRateLimited {
		t.Fatalf("unexpected kind: %s", KindOf(err))
	}
	if KindOf(errors.New("opaque")) != KindUnavailable {
		t.Fatalf("opaque errors should be treated as unavailable")
	}
}

func TestTransient(t *testing.T) {
	for _, kind := range []ErrorKind{KindTimeout, KindRateLimited, KindUnavailable} {
		if !NewError("p", kind, nil).Transient() {
			t.Fatalf("%s should be transient", kind)
		}
	}
	if NewError("p", KindInvalidResponse, nil).Transient() {
		t.Fatalf("invalid responses must not trigger fallback")
	}
	if Transient(fmt.Errorf("invoke: %w", NewError("p", KindInvalidResponse, nil))) {
		t.Fatalf("wrapped invalid response must not trigger fallback")
	}
	if !Transient(errors.New("connection reset")) || Transient(nil) {
		t.Fatalf("opaque errors are transient, nil is not")
	}
}

func TestTransportKindDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()
	if got := TransportKind(ctx, ctx.Err()); got != KindTimeout {
		t.Fatalf("expected timeout, got %s", got)
	}
	if got := TransportKind(context.Background(), errors.New("connection refused")); got != KindUnavailable {
		t.Fatalf("expected unavailable, got %s", got)
	}
}

func TestAsCoded(t *testing.T) {
	coded := AsCoded(NewError("ollama", KindTimeout, context.DeadlineExceeded))
	if coded.Code() != CodeProviderTimeout {
		t.Fatalf("unexpected code: %s", coded.Code())
	}
	if !xerrors.RetryableError(coded) {
		t.Fatalf("timeouts should be retryable")
	}
	if coded.Metadata()["kind"] != "timeout" {
		t.Fatalf("kind metadata missing: %v", coded.Metadata())
	}
}
