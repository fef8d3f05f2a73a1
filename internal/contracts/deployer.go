package contracts

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "HiveMind-Copilot/internal/errors"
	"HiveMind-Copilot/internal/web3"
)

// Deployer 使用固定私钥把编译产物部署到指定链。
type Deployer struct {
	client   web3.Client
	key      *ecdsa.PrivateKey
	gasLimit uint64
}

// NewDeployer 解析十六进制私钥并绑定链客户端。
func NewDeployer(client web3.Client, hexKey string, gasLimit uint64) (*Deployer, error) {
	if client == nil {
		return nil, errors.New("缺少链客户端")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "部署私钥格式错误")
	}
	return &Deployer{client: client, key: key, gasLimit: gasLimit}, nil
}

// Address 返回部署账户地址。
func (d *Deployer) Address() common.Address {
	return crypto.PubkeyToAddress(d.key.PublicKey)
}

// Deploy 部署一个成功的编译结果。构造参数按 ABI 中的构造函数签名转换，
// 数量或类型不符时直接失败且不可重试。
func (d *Deployer) Deploy(ctx context.Context, compiled *CompileResult, params DeployParams) (*Deployment, error) {
	if compiled == nil || !compiled.Success {
		return nil, xerrors.New(CodeDeployFailed, "没有可部署的编译结果", xerrors.WithRetryable(false))
	}
	if compiled.Bytecode == "" {
		return nil, xerrors.New(CodeDeployFailed, "编译结果不含字节码", xerrors.WithRetryable(false))
	}

	abiJSON := string(compiled.ABI)
	if abiJSON == "" {
		abiJSON = "[]"
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, xerrors.Wrap(CodeDeployFailed, err, "ABI 无法解析", xerrors.WithRetryable(false))
	}
	args, err := constructorArgs(parsed.Constructor.Inputs, params.ConstructorArgs)
	if err == nil {
		_, err = parsed.Pack("", args...)
	}
	if err != nil {
		return nil, xerrors.Wrap(CodeDeployFailed, err, "构造参数无效", xerrors.WithRetryable(false))
	}

	chainID, err := d.client.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(CodeDeployFailed, err, "")
	}
	auth, err := bind.NewKeyedTransactorWithChainID(d.key, chainID)
	if err != nil {
		return nil, xerrors.Wrap(CodeDeployFailed, err, "")
	}
	auth.GasLimit = d.gasLimit
	if params.GasLimit > 0 {
		auth.GasLimit = params.GasLimit
	}
	auth.Value = params.Value

	res, err := d.client.DeployContract(ctx, auth, abiJSON, common.FromHex(compiled.Bytecode), args...)
	if err != nil {
		return nil, xerrors.Wrap(CodeDeployFailed, err, "")
	}

	return &Deployment{
		Network:         d.client.Name(),
		ChainID:         "0x" + chainID.Text(16),
		ContractAddress: res.ContractAddress.Hex(),
		TransactionHash: res.Transaction.Hash().Hex(),
		Deployer:        auth.From.Hex(),
	}, nil
}
