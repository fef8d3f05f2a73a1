package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"HiveMind-Copilot/internal/normalize"
)

func TestMergeOrdersSourcesAcrossSteps(t *testing.T) {
	results := []*normalize.CanonicalResult{
		{Summary: "kb", Confidence: 0.6, Sources: []normalize.Source{
			{Title: "Token service", URL: "https://docs.hedera.com/hts"},
			{Title: "Consensus", URL: "https://docs.hedera.com/hcs"},
		}},
		nil,
		{Summary: "answer", Confidence: 0.9, Sources: []normalize.Source{
			{Title: "Consensus (dup)", URL: "https://docs.hedera.com/hcs"},
			{Title: "Untitled note"},
		}},
		{Summary: "tie", Confidence: 0.6, Sources: []normalize.Source{
			{Title: "Smart contracts", URL: "https://docs.hedera.com/sc"},
			{Title: "Untitled note"},
		}},
	}

	out := merge(results)

	var titles []string
	for _, src := range out.Sources {
		titles = append(titles, src.Title)
	}
	require.Equal(t, []string{"Consensus (dup)", "Untitled note", "Token service", "Smart contracts"}, titles)
	require.InDelta(t, 0.7, out.Confidence, 1e-9)
	require.Equal(t, "kb\n\nanswer\n\ntie", out.Summary)
}

func TestMergeWithoutResults(t *testing.T) {
	out := merge([]*normalize.CanonicalResult{nil, nil})
	require.NotNil(t, out.Sources)
	require.Empty(t, out.Sources)
	require.Zero(t, out.Confidence)
}
