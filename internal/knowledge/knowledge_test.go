package knowledge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func titles(snippets []Snippet) []string {
	out := make([]string, 0, len(snippets))
	for _, s := range snippets {
		out = append(out, s.Title)
	}
	return out
}

func TestQueryRanksByKeywordHits(t *testing.T) {
	p := NewStaticProvider(DefaultSnippets(), 3)
	got := p.Query("How do I prevent reentrancy in a Solidity payable function?", 0)
	require.Len(t, got, 3)
	require.Equal(t, "Solidity Language Documentation", got[0].Title)
	require.Equal(t, "Solidity Security Considerations", got[1].Title)
	require.Equal(t, "HiveMind Copilot Guide", got[2].Title)
}

func TestQueryLimit(t *testing.T) {
	p := NewStaticProvider(DefaultSnippets(), 5)
	require.Len(t, p.Query("solidity erc20 token hardhat test", 2), 2)
	require.Equal(t, []string{"HiveMind Copilot Guide"}, titles(p.Query("unrelated question", 0)))

	var nilProvider *StaticProvider
	require.Nil(t, nilProvider.Query("x", 1))
}

func TestLoadYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "kb.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("- title: Gas\n  url: https://example.org/gas\n  keywords: [gas]\n"), 0o600))
	p, err := LoadStaticProvider(yamlPath, 2)
	require.NoError(t, err)
	got := p.Query("gas costs", 0)
	require.Len(t, got, 1)
	require.Equal(t, "https://example.org/gas", got[0].URL)

	jsonPath := filepath.Join(dir, "kb.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`[{"title":"Events","keywords":["event"]}]`), 0o600))
	p, err = LoadStaticProvider(jsonPath, 0)
	require.NoError(t, err)
	require.Len(t, p.Query("emit an event", 0), 1)

	_, err = LoadStaticProvider("", 1)
	require.Error(t, err)
}
