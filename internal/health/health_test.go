package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"HiveMind-Copilot/internal/llm"
)

type pingAdapter struct {
	id    string
	err   error
	block bool
}

func (p pingAdapter) ID() string     { return p.id }
func (p pingAdapter) Tier() llm.Tier { return llm.TierHosted }

func (p pingAdapter) Invoke(context.Context, llm.Request) (*llm.Result, error) {
	return nil, errors.New("not used")
}

func (p pingAdapter) Ping(ctx context.Context) error {
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.err
}

func TestCheckAllHealthy(t *testing.T) {
	checker := NewChecker([]llm.Adapter{pingAdapter{id: "groq"}, pingAdapter{id: "ollama"}, nil},
		WithComponent("task_store", func(context.Context) error { return nil }))

	report := checker.Check(context.Background())
	require.Equal(t, StatusOK, report.Status)
	require.Equal(t, map[string]bool{"groq": true, "ollama": true}, report.Providers)
	require.Equal(t, map[string]bool{"task_store": true}, report.Components)
	require.Nil(t, report.Errors)
	require.Nil(t, report.Chain)
}

func TestCheckDegradedWhenFallbackDown(t *testing.T) {
	checker := NewChecker([]llm.Adapter{
		pingAdapter{id: "groq"},
		pingAdapter{id: "ollama", err: errors.New("connection refused")},
	})

	report := checker.Check(context.Background())
	require.Equal(t, StatusDegraded, report.Status)
	require.True(t, report.Providers["groq"])
	require.False(t, report.Providers["ollama"])
	require.Contains(t, report.Errors["ollama"], "connection refused")
}

func TestCheckUnavailableWhenNoProviderAnswers(t *testing.T) {
	checker := NewChecker([]llm.Adapter{
		pingAdapter{id: "groq", err: errors.New("401")},
		pingAdapter{id: "ollama", err: errors.New("connection refused")},
	}, WithComponent("task_store", func(context.Context) error { return nil }))

	report := checker.Check(context.Background())
	require.Equal(t, StatusUnavailable, report.Status)
	require.True(t, report.Components["task_store"])
	require.Len(t, report.Errors, 2)
}

func TestCheckTimeoutBoundsSlowCheck(t *testing.T) {
	checker := NewChecker([]llm.Adapter{pingAdapter{id: "slow", block: true}}, WithTimeout(50*time.Millisecond))

	start := time.Now()
	report := checker.Check(context.Background())
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, StatusUnavailable, report.Status)
	require.False(t, report.Providers["slow"])
}
