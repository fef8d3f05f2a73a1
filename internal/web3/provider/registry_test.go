package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"HiveMind-Copilot/internal/config"
)

func TestRegistrySimulatedChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte("chains:\n  devnet:\n    type: simulated\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	reg, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)

	client, err := reg.DefaultClient()
	if err != nil {
		t.Fatalf("default client: %v", err)
	}
	if client.Name() != "devnet" {
		t.Fatalf("unexpected default chain %s", client.Name())
	}
	snapshot, err := client.FetchChainSnapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.ChainID == "" {
		t.Fatalf("snapshot missing chain id")
	}
	if _, ok := reg.Client("mainnet"); ok {
		t.Fatalf("unknown chain should not resolve")
	}
}

func TestRegistryRequiresEndpoints(t *testing.T) {
	if _, err := NewRegistry(context.Background(), config.Web3Config{}); err == nil {
		t.Fatalf("expected error without any chain")
	}

	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte("chains:\n  devnet:\n    type: simulated\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path, DefaultChain: "ghost"}); err == nil {
		t.Fatalf("expected error for missing default chain")
	}
}
