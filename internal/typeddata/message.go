package typeddata

import (
	"encoding/json"
	"fmt"
	gomath "math"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Normalize checks that message carries exactly the fields of schema and
// converts every value into the canonical form the hasher expects.
func Normalize(schema Schema, message map[string]any) (apitypes.TypedDataMessage, error) {
	declared := make(map[string]struct{}, len(schema.Fields))
	var missing []string
	for _, f := range schema.Fields {
		declared[f.Name] = struct{}{}
		if _, ok := message[f.Name]; !ok {
			missing = append(missing, f.Name)
		}
	}
	var extra []string
	for name := range message {
		if _, ok := declared[name]; !ok {
			extra = append(extra, name)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(extra)
		return nil, schemaMismatch(schema.Name, missing, extra)
	}

	out := make(apitypes.TypedDataMessage, len(schema.Fields))
	for _, f := range schema.Fields {
		v, err := normalizeValue(f.Type, message[f.Name])
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrInvalidFieldValue, schema.Name, f.Name, err)
		}
		out[f.Name] = v
	}
	return out, nil
}

func schemaMismatch(typeName string, missing, extra []string) error {
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing "+strings.Join(missing, ","))
	}
	if len(extra) > 0 {
		parts = append(parts, "unexpected "+strings.Join(extra, ","))
	}
	return fmt.Errorf("%w: %s: %s", ErrSchemaMismatch, typeName, strings.Join(parts, "; "))
}

func normalizeValue(fieldType string, value any) (any, error) {
	if bits, ok := uintBits(fieldType); ok {
		n, err := ParseUint(value, bits)
		if err != nil {
			return nil, err
		}
		return (*math.HexOrDecimal256)(n), nil
	}
	switch fieldType {
	case "address":
		addr, err := ParseAddress(value)
		if err != nil {
			return nil, err
		}
		return addr.Hex(), nil
	case "bool":
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
		}
		return nil, fmt.Errorf("expected a boolean, got %T", value)
	case "string":
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %T", value)
		}
		return s, nil
	case "bytes32":
		b, err := parseBytes32(value)
		if err != nil {
			return nil, err
		}
		return hexutil.Encode(b[:]), nil
	}
	return nil, fmt.Errorf("unsupported type %q", fieldType)
}

// ParseAddress accepts 0x-prefixed 20-byte hex strings or common.Address.
func ParseAddress(value any) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		if v == nil {
			return common.Address{}, fmt.Errorf("nil address")
		}
		return *v, nil
	case string:
		s := strings.TrimSpace(v)
		if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
			return common.Address{}, fmt.Errorf("address %q must be 0x-prefixed", v)
		}
		if !common.IsHexAddress(s) {
			return common.Address{}, fmt.Errorf("%q is not a 20-byte hex address", v)
		}
		return common.HexToAddress(s), nil
	}
	return common.Address{}, fmt.Errorf("expected an address, got %T", value)
}

// ParseUint accepts decimal or 0x-hex strings, json.Number, integral float64,
// Go integers and *big.Int, and checks the value fits in bits.
func ParseUint(value any, bits int) (*big.Int, error) {
	n, err := toBig(value)
	if err != nil {
		return nil, err
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("negative value %s", n)
	}
	if n.BitLen() > bits {
		return nil, fmt.Errorf("value %s overflows uint%d", n, bits)
	}
	return n, nil
}

func toBig(value any) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		if v == nil {
			return nil, fmt.Errorf("nil integer")
		}
		return new(big.Int).Set(v), nil
	case big.Int:
		return new(big.Int).Set(&v), nil
	case *math.HexOrDecimal256:
		if v == nil {
			return nil, fmt.Errorf("nil integer")
		}
		return new(big.Int).Set((*big.Int)(v)), nil
	case string:
		return parseIntString(v)
	case json.Number:
		return parseIntString(v.String())
	case float64:
		if v != gomath.Trunc(v) || gomath.IsInf(v, 0) || gomath.Abs(v) > 1<<53 {
			return nil, fmt.Errorf("number %v is not an exact integer; send it as a string", v)
		}
		return big.NewInt(int64(v)), nil
	case int:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	}
	return nil, fmt.Errorf("expected an integer, got %T", value)
}

func parseIntString(raw string) (*big.Int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("empty integer")
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	if base == 10 && strings.ContainsAny(s, "eE") {
		return parseExponentInt(raw, s)
	}
	n, ok := new(big.Int).SetString(s, base)
	if !ok {
		return nil, fmt.Errorf("%q is not an integer", raw)
	}
	return n, nil
}

// maxExponentDigits bounds 1e<exp> forms; uint256 tops out near 1e77.
const maxExponentDigits = 3

// parseExponentInt accepts scientific notation such as 1e18 or 2.5e6 when
// it denotes an exact integer.
func parseExponentInt(raw, s string) (*big.Int, error) {
	exp := s[strings.IndexAny(s, "eE")+1:]
	if len(strings.TrimLeft(exp, "+-")) > maxExponentDigits {
		return nil, fmt.Errorf("%q is out of range", raw)
	}
	f, _, err := big.ParseFloat(s, 10, 1024, big.ToZero)
	if err != nil || f.Acc() != big.Exact || !f.IsInt() {
		return nil, fmt.Errorf("%q is not an integer", raw)
	}
	n, acc := f.Int(nil)
	if acc != big.Exact {
		return nil, fmt.Errorf("%q is not an integer", raw)
	}
	return n, nil
}

func parseBytes32(value any) ([32]byte, error) {
	var out [32]byte
	switch v := value.(type) {
	case [32]byte:
		return v, nil
	case common.Hash:
		return v, nil
	case string:
		b, err := hexutil.Decode(strings.TrimSpace(v))
		if err != nil {
			return out, fmt.Errorf("invalid bytes32 hex: %v", err)
		}
		if len(b) != 32 {
			return out, fmt.Errorf("bytes32 has %d bytes", len(b))
		}
		copy(out[:], b)
		return out, nil
	}
	return out, fmt.Errorf("expected bytes32 hex, got %T", value)
}
