package contracts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	xerrors "HiveMind-Copilot/internal/errors"
)

// SolcCompiler 调用本地 solc 可执行文件。
type SolcCompiler struct {
	path    string
	timeout time.Duration
}

// NewSolcCompiler 创建 solc 适配器，path 为空时从 PATH 中查找。
func NewSolcCompiler(path string, timeout time.Duration) *SolcCompiler {
	if strings.TrimSpace(path) == "" {
		path = "solc"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &SolcCompiler{path: path, timeout: timeout}
}

type combinedOutput struct {
	Contracts map[string]struct {
		ABI json.RawMessage `json:"abi"`
		Bin string          `json:"bin"`
	} `json:"contracts"`
}

// Compile 以 --combined-json 模式编译标准输入中的源码。
func (s *SolcCompiler) Compile(ctx context.Context, req CompileRequest) (*CompileResult, error) {
	res := &CompileResult{Errors: []string{}, Warnings: []string{}}
	if strings.TrimSpace(req.Code) == "" {
		res.Errors = append(res.Errors, "Empty contract code provided")
		return res, nil
	}

	args := []string{"--combined-json", "abi,bin"}
	if req.Optimize {
		runs := req.OptimizerRuns
		if runs <= 0 {
			runs = 200
		}
		args = append(args, "--optimize", "--optimize-runs", strconv.Itoa(runs))
	}
	args = append(args, "-")

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(callCtx, s.path, args...)
	cmd.Stdin = strings.NewReader(req.Code)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	diagnostics := splitDiagnostics(stderr.String())
	for _, d := range diagnostics {
		if strings.HasPrefix(d, "Warning") {
			res.Warnings = append(res.Warnings, d)
		} else {
			res.Errors = append(res.Errors, d)
		}
	}
	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			return nil, xerrors.Wrap(CodeCompileFailed, runErr, "无法执行 solc", xerrors.WithRetryable(true))
		}
		if len(res.Errors) == 0 {
			res.Errors = append(res.Errors, "solc exited with "+runErr.Error())
		}
		return res, nil
	}

	var out combinedOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("unreadable solc output: %v", err))
		return res, nil
	}
	if len(out.Contracts) == 0 {
		res.Errors = append(res.Errors, "No contract, interface, or library declaration found")
		return res, nil
	}

	key, err := pickContract(out, req.ContractName)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res, nil
	}
	entry := out.Contracts[key]
	res.ContractName = key[strings.LastIndex(key, ":")+1:]
	res.ABI = normalizeABI(entry.ABI)
	if entry.Bin != "" {
		res.Bytecode = "0x" + strings.TrimPrefix(entry.Bin, "0x")
	}
	res.Errors = res.Errors[:0]
	res.Success = true
	return res, nil
}

func pickContract(out combinedOutput, name string) (string, error) {
	keys := make([]string, 0, len(out.Contracts))
	for k := range out.Contracts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if name = strings.TrimSpace(name); name != "" {
		for _, k := range keys {
			if strings.HasSuffix(k, ":"+name) {
				return k, nil
			}
		}
		return "", fmt.Errorf("contract %s not found in source", name)
	}
	for i := len(keys) - 1; i >= 0; i-- {
		if out.Contracts[keys[i]].Bin != "" {
			return keys[i], nil
		}
	}
	return keys[len(keys)-1], nil
}

// normalizeABI 兼容旧版 solc 把 ABI 作为字符串输出的情况。
func normalizeABI(raw json.RawMessage) json.RawMessage {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return json.RawMessage(asString)
	}
	if len(raw) == 0 {
		return json.RawMessage("[]")
	}
	return raw
}

func splitDiagnostics(stderr string) []string {
	var out []string
	for _, block := range strings.Split(strings.TrimSpace(stderr), "\n\n") {
		block = strings.TrimSpace(block)
		if block != "" {
			out = append(out, block)
		}
	}
	return out
}
