package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "hivemind.yaml", `
server:
  address: ":9090"
providers:
  primary:
    kind: openai
    api_key_env: TEST_HIVEMIND_KEY
  fallback:
    kind: ollama
orchestrator:
  timeout_seconds:
    audit: 45
knowledge:
  source: kb.json
`)
	t.Setenv("TEST_HIVEMIND_KEY", "secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address %s", cfg.Server.Address)
	}
	if cfg.Providers.Primary.ResolvedAPIKey() != "secret" {
		t.Fatalf("api key should come from env")
	}
	if cfg.PipelineTimeout("audit") != 45*time.Second || cfg.PipelineTimeout("chat") != 0 {
		t.Fatalf("unexpected pipeline timeouts")
	}
	if cfg.Knowledge.Source != filepath.Join(filepath.Dir(path), "kb.json") {
		t.Fatalf("knowledge source should be resolved relative to config: %s", cfg.Knowledge.Source)
	}
	if cfg.Collaboration.Driver != "memory" || cfg.Collaboration.ArchiveLimit != 1024 || cfg.Contracts.Compiler != "builtin" || cfg.TaskQueue.Workers != 2 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "hivemind.json", `{"providers":{"primary":{"kind":"ollama"}},"storage":{"task_store":{"driver":"sqlite","dsn":"file::memory:"}}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.TaskStore.Driver != "sqlite" {
		t.Fatalf("unexpected driver %s", cfg.Storage.TaskStore.Driver)
	}
	if cfg.Providers.Fallback.Kind != "" {
		t.Fatalf("explicit primary must not get a default fallback")
	}
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	path := writeFile(t, "bad.json", `{"providers":{"primary":{"kind":"magic"}},"task_queue":{"driver":"kafka"}}`)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "task_queue.driver") || !strings.Contains(err.Error(), "providers.primary.kind") {
		t.Fatalf("error should name every bad field: %v", err)
	}
}

func TestDefaultHasHostedAndLocalProviders(t *testing.T) {
	cfg := Default()
	if cfg.Providers.Primary.Kind != "openai" || cfg.Providers.Fallback.Kind != "ollama" {
		t.Fatalf("unexpected default providers: %+v", cfg.Providers)
	}
	if cfg.Providers.Primary.APIKeyEnv != "GROQ_API_KEY" {
		t.Fatalf("hosted provider should read GROQ_API_KEY")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestAuthSecretsFromEnv(t *testing.T) {
	t.Setenv("HM_KEYS", "k2, k3 ,")
	t.Setenv("HM_JWT", "from-env")
	a := AuthConfig{APIKeys: []string{"k1"}, APIKeysEnv: "HM_KEYS", JWTSecret: "inline", JWTSecretEnv: "HM_JWT"}
	if got := a.ResolvedAPIKeys(); strings.Join(got, "|") != "k1|k2|k3" {
		t.Fatalf("unexpected keys: %v", got)
	}
	if a.ResolvedJWTSecret() != "from-env" {
		t.Fatalf("env secret should win")
	}
	a.JWTSecretEnv = "HM_UNSET"
	if a.ResolvedJWTSecret() != "inline" {
		t.Fatalf("inline secret should be the fallback")
	}
}
