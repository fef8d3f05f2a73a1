package contracts

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// initPrefix 把紧随其后的 37 字节运行时代码拷贝到内存并返回：
// PUSH1 0x25 DUP1 PUSH1 0x0b PUSH1 0 CODECOPY PUSH1 0 RETURN
const initPrefix = "0x602580600b6000396000f3"

// runtimeRevert 是 PUSH1 0 PUSH1 0 REVERT，后面追加 32 字节源码指纹。
const runtimeRevert = "60006000fd"

// BuiltinCompiler 在没有 solc 的环境中提供确定性的编译结果。
// 它执行源码校验并从声明推导 ABI（含 public 访问器与同源码内的继承成员），
// 字节码是一个部署后对任何调用都 revert 的占位合约，末尾带源码的 keccak256 指纹。
type BuiltinCompiler struct{}

// NewBuiltinCompiler 创建内置编译器。
func NewBuiltinCompiler() *BuiltinCompiler { return &BuiltinCompiler{} }

// Compile 实现 Compiler。
func (c *BuiltinCompiler) Compile(ctx context.Context, req CompileRequest) (*CompileResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := &CompileResult{Errors: []string{}, Warnings: []string{}}

	code := req.Code
	if strings.TrimSpace(code) == "" {
		res.Errors = append(res.Errors, "Empty contract code provided")
		return res, nil
	}
	clean := stripComments(code)

	if !strings.Contains(clean, "pragma solidity") {
		res.Warnings = append(res.Warnings, "No pragma solidity directive found")
	}
	decls := declarations(clean)
	if len(decls) == 0 {
		res.Errors = append(res.Errors, "No contract, interface, or library declaration found")
	}
	if strings.Count(clean, "{") != strings.Count(clean, "}") {
		res.Errors = append(res.Errors, "Mismatched braces in contract code")
	}
	if req.Optimize && req.OptimizerRuns <= 0 {
		res.Warnings = append(res.Warnings, "optimizer_runs must be positive, using 200")
	}
	if len(res.Errors) > 0 {
		return res, nil
	}

	target, err := selectDeclaration(decls, req.ContractName)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res, nil
	}
	res.ContractName = target.Name

	abiJSON, warnings, err := extractABI(target, decls, newTypeResolver(clean, decls))
	res.Warnings = append(res.Warnings, warnings...)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res, nil
	}
	res.ABI = abiJSON

	switch target.Kind {
	case "interface", "abstract contract":
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s %s has no deployable bytecode", target.Kind, target.Name))
	default:
		res.Bytecode = placeholderBytecode(code)
	}
	res.Success = true
	return res, nil
}

// selectDeclaration 优先使用请求中的名字，否则选最后一个可部署的定义。
func selectDeclaration(decls []declaration, name string) (declaration, error) {
	name = strings.TrimSpace(name)
	if name != "" {
		for _, d := range decls {
			if d.Name == name {
				return d, nil
			}
		}
		return declaration{}, fmt.Errorf("contract %s not found in source", name)
	}
	for i := len(decls) - 1; i >= 0; i-- {
		if decls[i].Kind == "contract" || decls[i].Kind == "library" {
			return decls[i], nil
		}
	}
	return decls[len(decls)-1], nil
}

func placeholderBytecode(source string) string {
	fingerprint := crypto.Keccak256([]byte(source))
	return initPrefix + runtimeRevert + strings.TrimPrefix(hexutil.Encode(fingerprint), "0x")
}
