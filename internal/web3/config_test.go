package web3

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadChainDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	content := `
chains:
  sepolia:
    rpc_url: https://rpc.sepolia.example
    description: public testnet
  devnet:
    type: simulated
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := defs.Names(); len(got) != 2 || got[0] != "devnet" || got[1] != "sepolia" {
		t.Fatalf("unexpected names %v", got)
	}
	if defs.Chains["sepolia"].Type != "evm" {
		t.Fatalf("type should default to evm")
	}
}

func TestLoadChainDefinitionsRequiresRPC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte("chains:\n  broken:\n    type: evm\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadChainDefinitions(path); err == nil {
		t.Fatalf("expected error for evm chain without rpc_url")
	}
	defs, err := LoadChainDefinitions("")
	if err != nil || len(defs.Chains) != 0 {
		t.Fatalf("empty path should give empty definitions")
	}
}
