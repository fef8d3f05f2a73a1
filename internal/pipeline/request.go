package pipeline

import (
	"encoding/json"
	"math/big"
	"strconv"
	"strings"

	"github.com/google/uuid"

	xerrors "HiveMind-Copilot/internal/errors"
)

// Kind 是入站请求的类别。
type Kind string

const (
	KindGenerate Kind = "generate"
	KindAnalyze  Kind = "analyze"
	KindAudit    Kind = "audit"
	KindChat     Kind = "chat"
	KindDocs     Kind = "docs"
	KindCompile  Kind = "compile"
)

// Kinds 返回所有受支持的请求类别。
func Kinds() []Kind {
	return []Kind{KindGenerate, KindAnalyze, KindAudit, KindChat, KindDocs, KindCompile}
}

// DefaultOptimizerRuns 与 solc 的默认值一致。
const DefaultOptimizerRuns = 200

// Options 是请求中被识别的开关，未识别的键被忽略。
type Options struct {
	GenerateTests bool   `json:"generate_tests,omitempty"`
	Optimize      bool   `json:"optimize,omitempty"`
	OptimizerRuns int    `json:"optimizer_runs,omitempty"`
	MaxTokens     int    `json:"max_tokens,omitempty"`
	MaxResults    int    `json:"max_results,omitempty"`
	ContractName  string `json:"contract_name,omitempty"`
	Language      string `json:"language,omitempty"`
	Context       string `json:"context,omitempty"`
	Deploy        bool   `json:"deploy,omitempty"`
	Collaborate   bool   `json:"collaborate,omitempty"`
	Counterparty  string `json:"counterparty,omitempty"`

	// 部署参数。ValueWei 为十进制字符串。
	ConstructorParams json.RawMessage `json:"constructor_params,omitempty"`
	GasLimit          uint64          `json:"gas_limit,omitempty"`
	ValueWei          string          `json:"value_wei,omitempty"`
}

// ParseOptions 从松散类型的映射中读取选项。无法转换的值回退为默认值。
func ParseOptions(raw map[string]any) Options {
	opts := Options{
		GenerateTests: boolOpt(raw, "generate_tests"),
		Optimize:      boolOpt(raw, "optimize"),
		OptimizerRuns: intOpt(raw, "optimizer_runs"),
		MaxTokens:     intOpt(raw, "max_tokens"),
		MaxResults:    intOpt(raw, "max_results"),
		ContractName:  stringOpt(raw, "contract_name"),
		Language:      stringOpt(raw, "language"),
		Context:       stringOpt(raw, "context"),
		Deploy:        boolOpt(raw, "deploy"),
		Collaborate:   boolOpt(raw, "collaborate"),
		Counterparty:  stringOpt(raw, "counterparty"),

		ConstructorParams: rawOpt(raw, "constructor_params", "constructor_args"),
		ValueWei:          valueOpt(raw),
	}
	if gas := intOpt(raw, "gas_limit"); gas > 0 {
		opts.GasLimit = uint64(gas)
	}
	if opts.OptimizerRuns <= 0 {
		opts.OptimizerRuns = DefaultOptimizerRuns
	}
	if opts.MaxTokens < 0 {
		opts.MaxTokens = 0
	}
	if opts.MaxResults < 0 {
		opts.MaxResults = 0
	}
	return opts
}

func boolOpt(raw map[string]any, key string) bool {
	switch v := raw[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	case float64:
		return v != 0
	case int:
		return v != 0
	case json.Number:
		f, err := v.Float64()
		return err == nil && f != 0
	default:
		return false
	}
}

func intOpt(raw map[string]any, key string) int {
	switch v := raw[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
		f, err := v.Float64()
		if err != nil {
			return 0
		}
		return int(f)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func stringOpt(raw map[string]any, key string) string {
	if v, ok := raw[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// rawOpt 保留数组或对象形式的值，按给定键的顺序取第一个。
func rawOpt(raw map[string]any, keys ...string) json.RawMessage {
	for _, key := range keys {
		switch v := raw[key].(type) {
		case []any, map[string]any:
			if b, err := json.Marshal(v); err == nil {
				return b
			}
		case json.RawMessage:
			return v
		}
	}
	return nil
}

// weiPerHbar 与 Hedera JSON-RPC 中转的 18 位精度一致。
var weiPerHbar = new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// valueOpt 读取 value_wei，缺省时按 initial_hbar 换算。负数与非整数 wei 被忽略。
func valueOpt(raw map[string]any) string {
	if v, ok := ratOpt(raw, "value_wei"); ok {
		if v.IsInt() && v.Sign() > 0 {
			return v.Num().String()
		}
		return ""
	}
	if v, ok := ratOpt(raw, "initial_hbar"); ok {
		v.Mul(v, weiPerHbar)
		if v.IsInt() && v.Sign() > 0 {
			return v.Num().String()
		}
	}
	return ""
}

func ratOpt(raw map[string]any, key string) (*big.Rat, bool) {
	var s string
	switch v := raw[key].(type) {
	case json.Number:
		s = v.String()
	case string:
		s = strings.TrimSpace(v)
	case float64:
		r := new(big.Rat).SetFloat64(v)
		return r, r != nil
	case int:
		return new(big.Rat).SetInt64(int64(v)), true
	default:
		return nil, false
	}
	r, ok := new(big.Rat).SetString(s)
	return r, ok
}

// Request 是一次开发者请求，构造后不再修改。
type Request struct {
	ID      string  `json:"id"`
	Kind    Kind    `json:"kind"`
	Payload string  `json:"payload"`
	Options Options `json:"options"`
}

// NewRequest 校验输入并生成带唯一 ID 的请求。类别在分类阶段校验。
func NewRequest(kind, payload string, raw map[string]any) (Request, error) {
	if strings.TrimSpace(payload) == "" {
		return Request{}, xerrors.New(xerrors.CodeInvalidArgument, "payload 不能为空")
	}
	return Request{
		ID:      uuid.NewString(),
		Kind:    Kind(strings.ToLower(strings.TrimSpace(kind))),
		Payload: payload,
		Options: ParseOptions(raw),
	}, nil
}
