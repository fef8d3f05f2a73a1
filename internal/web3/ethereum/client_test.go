package ethereum

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/ethereum/go-ethereum/params"
)

// 部署后把 1 字节运行时代码 0x00 写入链上。
const stopContractBin = "0x600160" + "0c" + "60003960016000f3" + "00"

func newSimulated(t *testing.T) (*simulated.Backend, *bind.TransactOpts) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, params.AllDevChainProtocolChanges.ChainID)
	if err != nil {
		t.Fatalf("new transactor: %v", err)
	}
	auth.GasLimit = 1_000_000

	sim := simulated.NewBackend(types.GenesisAlloc{
		auth.From: {Balance: new(big.Int).Mul(big.NewInt(10), big.NewInt(params.Ether))},
	})
	t.Cleanup(func() { _ = sim.Close() })
	return sim, auth
}

func TestDeployAndSnapshot(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sim, auth := newSimulated(t)
	client := NewSimulatedClient("devnet", sim)
	t.Cleanup(client.Close)

	res, err := client.DeployContract(ctx, auth, "[]", common.FromHex(stopContractBin))
	if err != nil {
		t.Fatalf("deploy contract: %v", err)
	}
	if res.ContractAddress == (common.Address{}) || res.Transaction == nil {
		t.Fatalf("unexpected deployment result: %+v", res)
	}

	code, err := sim.Client().CodeAt(ctx, res.ContractAddress, nil)
	if err != nil {
		t.Fatalf("code at: %v", err)
	}
	if len(code) != 1 {
		t.Fatalf("expected 1 byte of runtime code, got %x", code)
	}

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.Name != "devnet" || snapshot.ChainID != "0x"+params.AllDevChainProtocolChanges.ChainID.Text(16) {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	if snapshot.BlockNumber == "0x0" {
		t.Fatal("expected block number to advance after deployment")
	}
}

func TestDeployValidation(t *testing.T) {
	sim, auth := newSimulated(t)
	client := NewSimulatedClient("devnet", sim)

	if _, err := client.DeployContract(context.Background(), nil, "[]", []byte{0x00}); err == nil {
		t.Fatal("expected error without signer")
	}
	if _, err := client.DeployContract(context.Background(), auth, "[]", nil); err == nil {
		t.Fatal("expected error for empty bytecode")
	}
	if _, err := client.DeployContract(context.Background(), auth, "not-json", []byte{0x00}); err == nil {
		t.Fatal("expected error for malformed abi")
	}
}
