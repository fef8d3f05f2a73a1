package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapKeepsCodeAndCause(t *testing.T) {
	cause := stdErrors.New("boom")
	err := Wrap(CodeStorageFailure, cause, "写入任务失败", WithMetadata("table", "task_states"))

	if CodeOf(err) != CodeStorageFailure {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("cause should be reachable through Unwrap")
	}
	if got := err.Metadata()["table"]; got != "task_states" {
		t.Fatalf("unexpected metadata: %q", got)
	}
	err.Metadata()["table"] = "mutated"
	if got := err.Metadata()["table"]; got != "task_states" {
		t.Fatalf("metadata should be copied, got %q", got)
	}
	if !RetryableError(err) {
		t.Fatalf("storage failures are retryable by default")
	}
}

func TestOverridesBeatRegistry(t *testing.T) {
	err := New(CodeTimeout, "", WithRetryable(false), WithAlert(false), WithSeverity(SeverityInfo))
	if err.Retryable() || err.ShouldAlert() {
		t.Fatalf("overrides should disable retry and alert")
	}
	if err.Severity() != SeverityInfo {
		t.Fatalf("unexpected severity: %s", err.Severity())
	}
	if err.Message() != "operation timed out" {
		t.Fatalf("empty message should fall back to registry: %q", err.Message())
	}
}

func TestRegisterAndHasCode(t *testing.T) {
	const custom Code = "TEST_PROVIDER_QUOTA"
	Register(custom, Attributes{Message: "quota", Severity: SeverityWarning, Retryable: true, HTTPStatus: http.StatusTooManyRequests})

	inner := New(custom, "")
	outer := Wrap(CodeStorageFailure, fmt.Errorf("step: %w", inner), "执行失败")

	if !HasCode(outer, custom) {
		t.Fatalf("expected nested code to be found")
	}
	if CodeOf(outer) != CodeStorageFailure {
		t.Fatalf("CodeOf should return outermost code")
	}
	if HTTPStatusOf(custom) != http.StatusTooManyRequests {
		t.Fatalf("unexpected status: %d", HTTPStatusOf(custom))
	}

	found := false
	for _, code := range Registered() {
		if code == custom {
			found = true
		}
	}
	if !found {
		t.Fatalf("registered code missing from Registered()")
	}
}

func TestUnknownCodeFallsBack(t *testing.T) {
	attr := AttributesOf("NOPE")
	if attr.Message != "unknown error" {
		t.Fatalf("unexpected fallback: %+v", attr)
	}
	if HTTPStatusOf("NOPE") != http.StatusInternalServerError {
		t.Fatalf("unknown codes map to 500")
	}
	Register("TEST_NO_STATUS", Attributes{Message: "no status"})
	if HTTPStatusOf("TEST_NO_STATUS") != http.StatusInternalServerError {
		t.Fatalf("zero status should map to 500")
	}
	if SeverityOf(stdErrors.New("plain")) != SeverityCritical {
		t.Fatalf("plain errors are critical")
	}
	if SeverityOf(New(CodeNotFound, "")) != SeverityInfo {
		t.Fatalf("registered severity should apply")
	}
	if MessageOf(stdErrors.New("plain")) != "plain" {
		t.Fatalf("plain errors should keep their text")
	}
}

func TestFromContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := FromContext(ctx.Err(), "请求已取消"); got == nil || got.Code() != CodeCanceled {
		t.Fatalf("expected CANCELED, got %v", got)
	}

	deadline, stop := context.WithTimeout(context.Background(), 0)
	defer stop()
	<-deadline.Done()
	got := FromContext(fmt.Errorf("invoke: %w", deadline.Err()), "", WithMetadata("step", "audit"))
	if got == nil || got.Code() != CodeTimeout || got.Metadata()["step"] != "audit" {
		t.Fatalf("expected TIMEOUT with metadata, got %v", got)
	}

	if FromContext(stdErrors.New("other"), "") != nil {
		t.Fatalf("non-context errors should not convert")
	}
}
