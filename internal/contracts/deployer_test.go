package contracts

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"

	xerrors "HiveMind-Copilot/internal/errors"
	"HiveMind-Copilot/internal/web3/ethereum"
)

func TestDeployBuiltinOutputOnSimulatedChain(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)

	sim := simulated.NewBackend(types.GenesisAlloc{
		from: {Balance: new(big.Int).Mul(big.NewInt(10), big.NewInt(params.Ether))},
	})
	t.Cleanup(func() { _ = sim.Close() })
	client := ethereum.NewSimulatedClient("devnet", sim)

	deployer, err := NewDeployer(client, hex.EncodeToString(crypto.FromECDSA(key)), 1_000_000)
	require.NoError(t, err)
	require.Equal(t, from, deployer.Address())

	compiled, err := NewBuiltinCompiler().Compile(context.Background(), CompileRequest{Code: vaultSource})
	require.NoError(t, err)
	require.True(t, compiled.Success)

	dep, err := deployer.Deploy(context.Background(), compiled, DeployParams{})
	require.NoError(t, err)
	require.Equal(t, "devnet", dep.Network)
	require.Equal(t, from.Hex(), dep.Deployer)

	code, err := sim.Client().CodeAt(context.Background(), common.HexToAddress(dep.ContractAddress), nil)
	require.NoError(t, err)
	// 运行时代码为 revert 序列加 32 字节指纹
	require.Len(t, code, 37)
}

const cappedSource = `pragma solidity ^0.8.20;

contract Capped {
    address public owner;
    uint256 public cap;
    bytes32 public tag;

    constructor(address initialOwner, uint256 initialCap, bytes32 label) payable {
        owner = initialOwner;
        cap = initialCap;
        tag = label;
    }
}
`

func newSimulatedDeployer(t *testing.T) (*Deployer, *simulated.Backend) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sim := simulated.NewBackend(types.GenesisAlloc{
		crypto.PubkeyToAddress(key.PublicKey): {Balance: new(big.Int).Mul(big.NewInt(10), big.NewInt(params.Ether))},
	})
	t.Cleanup(func() { _ = sim.Close() })
	deployer, err := NewDeployer(ethereum.NewSimulatedClient("devnet", sim), hex.EncodeToString(crypto.FromECDSA(key)), 1_000_000)
	require.NoError(t, err)
	return deployer, sim
}

func TestDeployEncodesConstructorArgs(t *testing.T) {
	deployer, sim := newSimulatedDeployer(t)
	compiled, err := NewBuiltinCompiler().Compile(context.Background(), CompileRequest{Code: cappedSource})
	require.NoError(t, err)
	require.True(t, compiled.Success, "errors: %v", compiled.Errors)

	owner := "0x00000000000000000000000000000000000000aa"
	dep, err := deployer.Deploy(context.Background(), compiled, DeployParams{
		ConstructorArgs: json.RawMessage(`{"initialOwner":"` + owner + `","initialCap":"1000000000000000000000","label":"0x686976656d696e64"}`),
		GasLimit:        900_000,
		Value:           big.NewInt(1234),
	})
	require.NoError(t, err)

	tx, _, err := sim.Client().TransactionByHash(context.Background(), common.HexToHash(dep.TransactionHash))
	require.NoError(t, err)
	require.Equal(t, uint64(900_000), tx.Gas())
	require.Equal(t, "1234", tx.Value().String())

	parsed, err := abi.JSON(bytes.NewReader(compiled.ABI))
	require.NoError(t, err)
	var label [32]byte
	copy(label[:], "hivemind")
	capWei, _ := new(big.Int).SetString("1000000000000000000000", 10)
	encoded, err := parsed.Constructor.Inputs.Pack(common.HexToAddress(owner), capWei, label)
	require.NoError(t, err)
	require.True(t, bytes.HasSuffix(tx.Data(), encoded), "constructor args must follow the init code")

	balance, err := sim.Client().BalanceAt(context.Background(), common.HexToAddress(dep.ContractAddress), nil)
	require.NoError(t, err)
	require.Equal(t, "1234", balance.String())
}

func TestDeployRejectsBadConstructorArgs(t *testing.T) {
	deployer, _ := newSimulatedDeployer(t)
	compiled, err := NewBuiltinCompiler().Compile(context.Background(), CompileRequest{Code: cappedSource})
	require.NoError(t, err)

	cases := map[string]string{
		"missing":       ``,
		"short":         `["0x00000000000000000000000000000000000000aa", 1]`,
		"bad address":   `["nope", 1, "0x00"]`,
		"negative uint": `["0x00000000000000000000000000000000000000aa", -1, "0x00"]`,
		"unknown name":  `{"initialOwner":"0x00000000000000000000000000000000000000aa","initialCap":1,"label":"0x00","extra":true}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := deployer.Deploy(context.Background(), compiled, DeployParams{ConstructorArgs: json.RawMessage(raw)})
			require.Equal(t, CodeDeployFailed, xerrors.CodeOf(err))
			coded, ok := xerrors.From(err)
			require.True(t, ok)
			require.False(t, coded.Retryable())
		})
	}
}

func TestCoerceArgTypes(t *testing.T) {
	mustType := func(s string) abi.Type {
		typ, err := abi.NewType(s, "", nil)
		require.NoError(t, err)
		return typ
	}

	v, err := coerceArg(mustType("uint8"), json.Number("255"))
	require.NoError(t, err)
	require.Equal(t, uint8(255), v)

	_, err = coerceArg(mustType("uint8"), json.Number("256"))
	require.Error(t, err)

	v, err = coerceArg(mustType("int64"), "-9")
	require.NoError(t, err)
	require.Equal(t, int64(-9), v)

	v, err = coerceArg(mustType("uint256"), "0xff")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(255), v)

	v, err = coerceArg(mustType("bool"), "true")
	require.NoError(t, err)
	require.Equal(t, true, v)

	v, err = coerceArg(mustType("address[]"), []any{"0x00000000000000000000000000000000000000aa"})
	require.NoError(t, err)
	require.Equal(t, []common.Address{common.HexToAddress("0xaa")}, v)

	v, err = coerceArg(mustType("uint16[2]"), []any{json.Number("1"), json.Number("2")})
	require.NoError(t, err)
	require.Equal(t, [2]uint16{1, 2}, v)

	_, err = coerceArg(mustType("uint16[2]"), []any{json.Number("1")})
	require.Error(t, err)

	v, err = coerceArg(mustType("bytes"), "0x0102")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, v)

	_, err = coerceArg(mustType("string"), 3.0)
	require.Error(t, err)
}

func TestDeployRejectsFailedCompile(t *testing.T) {
	key, _ := crypto.GenerateKey()
	sim := simulated.NewBackend(types.GenesisAlloc{})
	t.Cleanup(func() { _ = sim.Close() })

	deployer, err := NewDeployer(ethereum.NewSimulatedClient("devnet", sim), hex.EncodeToString(crypto.FromECDSA(key)), 0)
	require.NoError(t, err)

	_, err = deployer.Deploy(context.Background(), &CompileResult{Success: false}, DeployParams{})
	require.Equal(t, CodeDeployFailed, xerrors.CodeOf(err))

	_, err = NewDeployer(ethereum.NewSimulatedClient("devnet", sim), "zz", 0)
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}
