package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "HiveMind-Copilot/internal/errors"
)

func names(p Pipeline) []string {
	out := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		out = append(out, s.Name)
	}
	return out
}

func TestClassifyShapes(t *testing.T) {
	cases := []struct {
		kind  Kind
		opts  map[string]any
		steps []string
	}{
		{KindGenerate, nil, []string{"generate"}},
		{KindGenerate, map[string]any{"generate_tests": true}, []string{"generate", "tests"}},
		{KindAnalyze, map[string]any{"generate_tests": "true"}, []string{"analyze", "tests"}},
		{KindAudit, nil, []string{"static-audit", "ai-audit"}},
		{KindAudit, map[string]any{"collaborate": 1.0}, []string{"static-audit", "ai-audit", "collaborate"}},
		{KindChat, map[string]any{"unknown": "ignored"}, []string{"chat"}},
		{KindDocs, nil, []string{"docs"}},
		{KindCompile, map[string]any{"optimize": true}, []string{"compile"}},
		{KindCompile, map[string]any{"deploy": true}, []string{"compile", "deploy"}},
	}
	for _, tc := range cases {
		req, err := NewRequest(string(tc.kind), "payload", tc.opts)
		require.NoError(t, err)
		p, err := Classify(req)
		require.NoError(t, err, tc.kind)
		require.Equal(t, tc.steps, names(p), tc.kind)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	for _, kind := range Kinds() {
		a, _ := NewRequest(string(kind), "x", map[string]any{"generate_tests": true, "deploy": true})
		b, _ := NewRequest(string(kind), "y", map[string]any{"generate_tests": true, "deploy": true})
		pa, err := Classify(a)
		require.NoError(t, err)
		pb, err := Classify(b)
		require.NoError(t, err)

		ja, _ := json.Marshal(pa)
		jb, _ := json.Marshal(pb)
		require.JSONEq(t, string(ja), string(jb))
	}
}

func TestClassifyFatality(t *testing.T) {
	sole, _ := NewRequest("analyze", "code", nil)
	p, _ := Classify(sole)
	require.True(t, p.Steps[0].Fatal)

	withTests, _ := NewRequest("analyze", "code", map[string]any{"generate_tests": true})
	p, _ = Classify(withTests)
	require.False(t, p.Steps[0].Fatal)
	require.False(t, p.Steps[1].Fatal)

	compile, _ := NewRequest("compile", "code", map[string]any{"deploy": true})
	p, _ = Classify(compile)
	require.False(t, p.Steps[0].Fatal)
	require.Equal(t, "compile", p.Steps[1].DependsOn)
}

func TestClassifyUnsupportedKind(t *testing.T) {
	req, err := NewRequest("deploy-everything", "x", nil)
	require.NoError(t, err)
	_, err = Classify(req)
	require.Equal(t, CodeClassificationFailed, xerrors.CodeOf(err))
}

func TestNewRequestRejectsEmptyPayload(t *testing.T) {
	_, err := NewRequest("chat", "  ", nil)
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestParseOptionsCoercion(t *testing.T) {
	opts := ParseOptions(map[string]any{
		"optimize":       "yes",
		"optimizer_runs": "500",
		"max_tokens":     json.Number("256"),
		"max_results":    3.0,
		"deploy":         "1",
		"contract_name":  " Token ",
	})
	require.False(t, opts.Optimize, "yes is not a valid bool literal")
	require.Equal(t, 500, opts.OptimizerRuns)
	require.Equal(t, 256, opts.MaxTokens)
	require.Equal(t, 3, opts.MaxResults)
	require.True(t, opts.Deploy)
	require.Equal(t, "Token", opts.ContractName)

	require.Equal(t, DefaultOptimizerRuns, ParseOptions(map[string]any{"optimizer_runs": "many"}).OptimizerRuns)
}

func TestParseDeployOptions(t *testing.T) {
	opts := ParseOptions(map[string]any{
		"constructor_params": map[string]any{"owner": "0x00000000000000000000000000000000000000aa", "cap": json.Number("1000")},
		"gas_limit":          json.Number("2500000"),
		"initial_hbar":       "1.5",
	})
	require.JSONEq(t, `{"owner":"0x00000000000000000000000000000000000000aa","cap":1000}`, string(opts.ConstructorParams))
	require.Equal(t, uint64(2_500_000), opts.GasLimit)
	require.Equal(t, "1500000000000000000", opts.ValueWei)

	opts = ParseOptions(map[string]any{
		"constructor_args": []any{"a", 1.0},
		"gas_limit":        -5,
		"value_wei":        "42",
		"initial_hbar":     "9",
	})
	require.JSONEq(t, `["a",1]`, string(opts.ConstructorParams))
	require.Zero(t, opts.GasLimit)
	require.Equal(t, "42", opts.ValueWei, "value_wei wins over initial_hbar")

	opts = ParseOptions(map[string]any{"constructor_params": "oops", "value_wei": "0.5"})
	require.Nil(t, opts.ConstructorParams)
	require.Empty(t, opts.ValueWei)
}

func TestWaves(t *testing.T) {
	audit, _ := NewRequest("audit", "x", map[string]any{"collaborate": true})
	p, _ := Classify(audit)
	waves := p.Waves()
	require.Len(t, waves, 1)
	require.Len(t, waves[0], 3)

	gen, _ := NewRequest("generate", "x", map[string]any{"generate_tests": true})
	p, _ = Classify(gen)
	waves = p.Waves()
	require.Len(t, waves, 2)
	require.Equal(t, "generate", waves[0][0].Name)
	require.Equal(t, "tests", waves[1][0].Name)

	mixed := Pipeline{Steps: []Step{
		{Name: "a", Parallel: true},
		{Name: "b", Parallel: true, DependsOn: "a"},
		{Name: "c", Parallel: true},
	}}
	waves = mixed.Waves()
	require.Len(t, waves, 2)
	require.Equal(t, "a", waves[0][0].Name)
	require.Len(t, waves[1], 2)
}
