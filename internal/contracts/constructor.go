package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DeployParams 是单次部署的可选参数。
type DeployParams struct {
	// ConstructorArgs 为 JSON 数组（按位置）或对象（按参数名）。
	ConstructorArgs json.RawMessage
	// GasLimit 为 0 时使用部署器默认值。
	GasLimit uint64
	// Value 为随部署转入的金额，单位 wei。
	Value *big.Int
}

var bigIntType = reflect.TypeOf((*big.Int)(nil))

// constructorArgs 把 JSON 形式的构造参数转换为 abi.Pack 接受的 Go 值。
func constructorArgs(inputs abi.Arguments, raw json.RawMessage) ([]any, error) {
	var decoded any
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&decoded); err != nil {
			return nil, fmt.Errorf("构造参数不是合法 JSON: %w", err)
		}
	}

	var values []any
	switch v := decoded.(type) {
	case nil:
	case []any:
		values = v
	case map[string]any:
		values = make([]any, len(inputs))
		for i, in := range inputs {
			val, ok := v[in.Name]
			if !ok {
				return nil, fmt.Errorf("缺少构造参数 %q", in.Name)
			}
			values[i] = val
		}
		if len(v) > len(inputs) {
			return nil, fmt.Errorf("构造函数只接受 %d 个参数，收到 %d 个", len(inputs), len(v))
		}
	default:
		return nil, fmt.Errorf("构造参数必须是数组或对象")
	}
	if len(values) != len(inputs) {
		return nil, fmt.Errorf("构造参数数量不匹配: 需要 %d 个，收到 %d 个", len(inputs), len(values))
	}

	out := make([]any, len(inputs))
	for i, in := range inputs {
		arg, err := coerceArg(in.Type, values[i])
		if err != nil {
			name := in.Name
			if name == "" {
				name = strconv.Itoa(i)
			}
			return nil, fmt.Errorf("构造参数 %s: %w", name, err)
		}
		out[i] = arg
	}
	return out, nil
}

func coerceArg(t abi.Type, v any) (any, error) {
	switch t.T {
	case abi.IntTy, abi.UintTy:
		n, err := bigArg(v)
		if err != nil {
			return nil, err
		}
		if t.T == abi.UintTy && n.Sign() < 0 {
			return nil, fmt.Errorf("%s 不能为负数", t)
		}
		bits := t.Size
		if t.T == abi.IntTy {
			bits--
		}
		if n.BitLen() > bits {
			return nil, fmt.Errorf("%s 溢出: %s", t, n)
		}
		target := t.GetType()
		if target == bigIntType {
			return n, nil
		}
		if t.T == abi.UintTy {
			return reflect.ValueOf(n.Uint64()).Convert(target).Interface(), nil
		}
		return reflect.ValueOf(n.Int64()).Convert(target).Interface(), nil

	case abi.BoolTy:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return strconv.ParseBool(b)
		}
		return nil, fmt.Errorf("需要布尔值，收到 %T", v)

	case abi.StringTy:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("需要字符串，收到 %T", v)
		}
		return s, nil

	case abi.AddressTy:
		s, ok := v.(string)
		if !ok || !common.IsHexAddress(s) {
			return nil, fmt.Errorf("不是合法地址: %v", v)
		}
		return common.HexToAddress(s), nil

	case abi.BytesTy:
		return hexArg(v)

	case abi.FixedBytesTy:
		b, err := hexArg(v)
		if err != nil {
			return nil, err
		}
		if len(b) > t.Size {
			return nil, fmt.Errorf("%s 最多 %d 字节，收到 %d 字节", t, t.Size, len(b))
		}
		arr := reflect.New(t.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr.Interface(), nil

	case abi.SliceTy, abi.ArrayTy:
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("%s 需要数组，收到 %T", t, v)
		}
		var out reflect.Value
		if t.T == abi.ArrayTy {
			if len(items) != t.Size {
				return nil, fmt.Errorf("%s 需要 %d 个元素，收到 %d 个", t, t.Size, len(items))
			}
			out = reflect.New(t.GetType()).Elem()
		} else {
			out = reflect.MakeSlice(t.GetType(), len(items), len(items))
		}
		for i, item := range items {
			elem, err := coerceArg(*t.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out.Index(i).Set(reflect.ValueOf(elem))
		}
		return out.Interface(), nil
	}
	return nil, fmt.Errorf("暂不支持 %s 类型的构造参数", t)
}

func bigArg(v any) (*big.Int, error) {
	var s string
	switch n := v.(type) {
	case json.Number:
		s = n.String()
	case string:
		s = strings.TrimSpace(n)
	case float64:
		if n != float64(int64(n)) {
			return nil, fmt.Errorf("需要整数，收到 %v", n)
		}
		return big.NewInt(int64(n)), nil
	case int:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	default:
		return nil, fmt.Errorf("需要整数，收到 %T", v)
	}
	out, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("需要整数，收到 %q", s)
	}
	return out, nil
}

func hexArg(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("需要 0x 开头的十六进制串，收到 %T", v)
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("十六进制串无效: %w", err)
	}
	return b, nil
}
