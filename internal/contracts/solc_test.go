package contracts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "HiveMind-Copilot/internal/errors"
)

func fakeSolc(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "solc")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestSolcCompileParsesCombinedJSON(t *testing.T) {
	path := fakeSolc(t, `cat >/dev/null
echo "Warning: SPDX license identifier not provided" >&2
cat <<'EOF'
{"contracts":{"<stdin>:Lib":{"abi":[],"bin":""},"<stdin>:Token":{"abi":"[{\"type\":\"function\",\"name\":\"total\",\"inputs\":[],\"outputs\":[{\"name\":\"\",\"type\":\"uint256\"}],\"stateMutability\":\"view\"}]","bin":"6080"}}}
EOF
`)
	res, err := NewSolcCompiler(path, time.Second).Compile(context.Background(), CompileRequest{Code: "contract Token {}", Optimize: true})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "Token", res.ContractName)
	require.Equal(t, "0x6080", res.Bytecode)
	require.Contains(t, string(res.ABI), `"total"`)
	require.Len(t, res.Warnings, 1)
	require.Empty(t, res.Errors)
}

func TestSolcCompileErrors(t *testing.T) {
	path := fakeSolc(t, `cat >/dev/null
echo "Error: Expected ';' but got '}'" >&2
exit 1
`)
	res, err := NewSolcCompiler(path, time.Second).Compile(context.Background(), CompileRequest{Code: "contract X { uint a }"})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, []string{"Error: Expected ';' but got '}'"}, res.Errors)
}

func TestSolcMissingBinary(t *testing.T) {
	_, err := NewSolcCompiler(filepath.Join(t.TempDir(), "nope"), time.Second).Compile(context.Background(), CompileRequest{Code: "contract X {}"})
	require.Error(t, err)
	require.Equal(t, CodeCompileFailed, xerrors.CodeOf(err))
}
