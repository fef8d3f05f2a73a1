package task

import (
	"context"
	"testing"
	"time"

	"HiveMind-Copilot/internal/orchestrator"
)

// storeFactories 让同一组用例覆盖所有 Store 实现。
func storeFactories(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"sqlite": func() Store {
			store, err := NewSQLiteStore(":memory:")
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
}

func completedResponse(id string) *orchestrator.Response {
	return &orchestrator.Response{
		RequestID: id,
		Kind:      "chat",
		State:     orchestrator.StateCompleted,
		Result:    orchestrator.Result{Summary: "hello", Answer: "hello", Confidence: 0.7},
		Warnings:  []orchestrator.Warning{},
		Steps:     []orchestrator.StepReport{{Name: "chat", State: orchestrator.StepSucceeded}},
	}
}

func TestStoreLifecycle(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			ctx := context.Background()

			task := &Task{ID: "t1", Kind: "chat", Payload: "hi", Options: map[string]any{"max_tokens": float64(64)}, Status: StatusPending, MaxRetries: 2}
			if err := store.Create(ctx, task); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := store.Create(ctx, &Task{ID: "t1", Kind: "chat", Payload: "again", Status: StatusPending}); !IsTaskError(err, CodeTaskConflict) {
				t.Fatalf("expected conflict, got %v", err)
			}

			claimed, err := store.Claim(ctx, "t1")
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if claimed.Status != StatusRunning || claimed.Attempts != 1 {
				t.Fatalf("unexpected claimed task: %+v", claimed)
			}
			if claimed.Options["max_tokens"] != float64(64) {
				t.Fatalf("options not persisted: %+v", claimed.Options)
			}
			if _, err := store.Claim(ctx, "t1"); !IsTaskError(err, CodeTaskConflict) {
				t.Fatalf("expected running task to conflict, got %v", err)
			}

			if err := store.MarkFailed(ctx, "t1", "PROVIDER_TIMEOUT", "slow", false); err != nil {
				t.Fatalf("mark failed: %v", err)
			}
			retried, _ := store.Get(ctx, "t1")
			if retried.Status != StatusPending || retried.ErrorCode != "PROVIDER_TIMEOUT" {
				t.Fatalf("non-terminal failure should return to pending: %+v", retried)
			}

			if _, err := store.Claim(ctx, "t1"); err != nil {
				t.Fatalf("second claim: %v", err)
			}
			if err := store.MarkSucceeded(ctx, "t1", completedResponse("t1")); err != nil {
				t.Fatalf("mark succeeded: %v", err)
			}
			done, err := store.Get(ctx, "t1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if !done.Terminal() || done.Result == nil || done.Result.Result.Answer != "hello" || done.LastError != "" {
				t.Fatalf("unexpected completed task: %+v", done)
			}
			if _, err := store.Claim(ctx, "t1"); !IsTaskError(err, CodeTaskCompleted) {
				t.Fatalf("expected completed, got %v", err)
			}
			if _, err := store.Get(ctx, "missing"); !IsTaskError(err, CodeTaskNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestStoreExhaustsRetries(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			ctx := context.Background()
			if err := store.Create(ctx, &Task{ID: "x", Kind: "audit", Payload: "code", Status: StatusPending, MaxRetries: 1}); err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, err := store.Claim(ctx, "x"); err != nil {
				t.Fatalf("claim: %v", err)
			}
			if err := store.MarkFailed(ctx, "x", CodeTaskProcessing, "boom", false); err != nil {
				t.Fatalf("mark failed: %v", err)
			}
			if _, err := store.Claim(ctx, "x"); !IsTaskError(err, CodeTaskExhausted) {
				t.Fatalf("expected exhausted, got %v", err)
			}
		})
	}
}

func TestStoreListAndStats(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			ctx := context.Background()

			for _, task := range []*Task{
				{ID: "t1", Kind: "chat", Payload: "hello world", Status: StatusPending, MaxRetries: 3},
				{ID: "t2", Kind: "audit", Payload: "contract A {}", Status: StatusPending, MaxRetries: 3},
				{ID: "t3", Kind: "audit", Payload: "contract B {}", Status: StatusPending, MaxRetries: 3},
			} {
				if err := store.Create(ctx, task); err != nil {
					t.Fatalf("create %s: %v", task.ID, err)
				}
			}
			if err := store.MarkFailed(ctx, "t2", CodeTaskProcessing, "boom", true); err != nil {
				t.Fatalf("mark failed: %v", err)
			}
			if err := store.MarkSucceeded(ctx, "t3", completedResponse("t3")); err != nil {
				t.Fatalf("mark succeeded: %v", err)
			}

			all, err := store.List(ctx, ListOptions{})
			if err != nil {
				t.Fatalf("list all: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("expected 3 tasks, got %d", len(all))
			}

			failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
			if err != nil || len(failed) != 1 || failed[0].ID != "t2" {
				t.Fatalf("unexpected failed list: %+v, %v", failed, err)
			}
			audits, err := store.List(ctx, buildListOptions([]ListOption{WithKinds("AUDIT"), WithSortOrder(SortByUpdatedAsc)}))
			if err != nil || len(audits) != 2 {
				t.Fatalf("unexpected audit list: %+v, %v", audits, err)
			}
			withResult, err := store.List(ctx, buildListOptions([]ListOption{WithResultPresence(true)}))
			if err != nil || len(withResult) != 1 || withResult[0].ID != "t3" {
				t.Fatalf("unexpected result list: %+v, %v", withResult, err)
			}
			matched, err := store.List(ctx, buildListOptions([]ListOption{WithQuery("contract B")}))
			if err != nil || len(matched) != 1 || matched[0].ID != "t3" {
				t.Fatalf("unexpected query list: %+v, %v", matched, err)
			}
			page, err := store.List(ctx, buildListOptions([]ListOption{WithLimit(1), WithOffset(5)}))
			if err != nil || len(page) != 0 {
				t.Fatalf("expected empty page, got %+v, %v", page, err)
			}

			stats, err := store.Stats(ctx, ListOptions{})
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
				t.Fatalf("unexpected stats: %+v", stats)
			}
			if stats.NewestUpdatedAt < stats.OldestUpdatedAt || stats.OldestUpdatedAt == 0 {
				t.Fatalf("unexpected timestamps: %+v", stats)
			}
			if stats.ByKind["audit"] != 2 || stats.ByKind["chat"] != 1 {
				t.Fatalf("unexpected per-kind stats: %+v", stats.ByKind)
			}
			if rate := stats.FailureRate(); rate != 0.5 {
				t.Fatalf("expected failure rate 0.5, got %v", rate)
			}

			future, err := store.Stats(ctx, buildListOptions([]ListOption{WithUpdatedSince(time.Now().Add(time.Hour))}))
			if err != nil {
				t.Fatalf("stats future: %v", err)
			}
			if future.Total != 0 || future.NewestUpdatedAt != 0 || future.ByKind != nil {
				t.Fatalf("expected empty stats, got %+v", future)
			}
		})
	}
}
