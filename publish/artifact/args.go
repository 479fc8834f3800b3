package artifact

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ConvertArgs converts command-line strings into the Go values go-ethereum's
// ABI packer expects for inputs. Scalars, bytes, fixed bytes and one level of
// arrays ("[a,b,c]") are supported; tuples are not.
func ConvertArgs(inputs abi.Arguments, args []string) ([]any, error) {
	if len(inputs) != len(args) {
		return nil, fmt.Errorf("expected %d arguments, got %d", len(inputs), len(args))
	}
	out := make([]any, len(args))
	for i, in := range inputs {
		v, err := convert(in.Type, args[i])
		if err != nil {
			label := in.Name
			if label == "" {
				label = strconv.Itoa(i)
			}
			return nil, fmt.Errorf("argument %s (%s): %w", label, in.Type.String(), err)
		}
		out[i] = v
	}
	return out, nil
}

func convert(t abi.Type, s string) (any, error) {
	s = strings.TrimSpace(s)
	switch t.T {
	case abi.StringTy:
		return s, nil
	case abi.AddressTy:
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return common.HexToAddress(s), nil
	case abi.BoolTy:
		return strconv.ParseBool(s)
	case abi.UintTy, abi.IntTy:
		return convertInteger(t, s)
	case abi.BytesTy:
		return decodeHex(s)
	case abi.FixedBytesTy:
		b, err := decodeHex(s)
		if err != nil {
			return nil, err
		}
		if len(b) > t.Size {
			return nil, fmt.Errorf("%d bytes do not fit bytes%d", len(b), t.Size)
		}
		rv := reflect.New(t.GetType()).Elem()
		reflect.Copy(rv, reflect.ValueOf(b))
		return rv.Interface(), nil
	case abi.SliceTy, abi.ArrayTy:
		return convertList(t, s)
	default:
		return nil, fmt.Errorf("unsupported type %s", t.String())
	}
}

func convertInteger(t abi.Type, s string) (any, error) {
	n, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}

	if t.T == abi.UintTy {
		if n.Sign() < 0 {
			return nil, fmt.Errorf("negative value %s for unsigned type", s)
		}
		if n.BitLen() > t.Size {
			return nil, fmt.Errorf("%s overflows uint%d", s, t.Size)
		}
	} else {
		limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
		minimum := new(big.Int).Neg(limit)
		if n.Cmp(minimum) < 0 || n.Cmp(limit) >= 0 {
			return nil, fmt.Errorf("%s overflows int%d", s, t.Size)
		}
	}

	goType := t.GetType()
	if goType == reflect.TypeOf((*big.Int)(nil)) {
		return n, nil
	}
	rv := reflect.New(goType).Elem()
	switch goType.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		rv.SetUint(n.Uint64())
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		rv.SetInt(n.Int64())
	default:
		return nil, fmt.Errorf("unexpected Go type %s for %s", goType, t.String())
	}
	return rv.Interface(), nil
}

func convertList(t abi.Type, s string) (any, error) {
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, fmt.Errorf("expected a list like [a,b], got %q", s)
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	var items []string
	if body != "" {
		items = strings.Split(body, ",")
	}
	if t.T == abi.ArrayTy && len(items) != t.Size {
		return nil, fmt.Errorf("expected %d elements, got %d", t.Size, len(items))
	}

	var rv reflect.Value
	if t.T == abi.ArrayTy {
		rv = reflect.New(t.GetType()).Elem()
	} else {
		rv = reflect.MakeSlice(t.GetType(), len(items), len(items))
	}
	for i, item := range items {
		v, err := convert(*t.Elem, item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		rv.Index(i).Set(reflect.ValueOf(v))
	}
	return rv.Interface(), nil
}

// decodeHex accepts hex with or without a 0x prefix.
func decodeHex(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return b, nil
}
