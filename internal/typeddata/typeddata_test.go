package typeddata

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEscrow = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

func testDomain(t *testing.T) Domain {
	t.Helper()
	d, err := NewDomain("MetaAggregatorEscrow", "1", big.NewInt(31337), testEscrow)
	require.NoError(t, err)
	return d
}

func releaseMessage() map[string]any {
	return map[string]any{
		"escrowAddress": testEscrow,
		"to":            "0x1234567890abcdef1234567890abcdef12345678",
		"token":         "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		"amount":        "1000000000000000000",
	}
}

func TestDomainSeparatorGolden(t *testing.T) {
	sep, err := DomainSeparator(testDomain(t))
	require.NoError(t, err)
	assert.Equal(t, "0xea5257b37204ef1dc2adbc326247d10a7345a8c0d983930b27b738902d91acc0", sep.Hex())
}

func TestReleaseHashGolden(t *testing.T) {
	d := testDomain(t)

	structHash, err := StructHash(d, ReleaseSchema, releaseMessage())
	require.NoError(t, err)
	assert.Equal(t, "0x984b50ebaaae683cc9d52353fa0997e7351a7bd5aefcd9059775d55f0d78068c", structHash.Hex())

	digest, err := Hash(d, ReleaseSchema, releaseMessage())
	require.NoError(t, err)
	assert.Equal(t, "0x2df58e118794db2d0406bcaf84090817d2ee6794d2df216e8d0d2f85fa039a1f", digest.Hex())
}

func TestNewDomainRequiresExplicitDeployment(t *testing.T) {
	_, err := NewDomain("MetaAggregatorEscrow", "1", nil, testEscrow)
	assert.ErrorIs(t, err, ErrInvalidDomain)

	_, err = NewDomain("MetaAggregatorEscrow", "1", big.NewInt(0), testEscrow)
	assert.ErrorIs(t, err, ErrInvalidDomain)

	_, err = NewDomain("MetaAggregatorEscrow", "1", big.NewInt(1), "")
	assert.ErrorIs(t, err, ErrInvalidDomain)

	_, err = NewDomain("MetaAggregatorEscrow", "1", big.NewInt(1), "0x0000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, ErrInvalidDomain)
}

func TestHashBindsChainAndContract(t *testing.T) {
	d := testDomain(t)
	base, err := Hash(d, ReleaseSchema, releaseMessage())
	require.NoError(t, err)

	otherChain := d
	otherChain.ChainID = big.NewInt(1)
	h1, err := Hash(otherChain, ReleaseSchema, releaseMessage())
	require.NoError(t, err)
	assert.NotEqual(t, base, h1)

	otherContract := d
	otherContract.VerifyingContract = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	h2, err := Hash(otherContract, ReleaseSchema, releaseMessage())
	require.NoError(t, err)
	assert.NotEqual(t, base, h2)
}

func TestHashIsFieldOrderSensitive(t *testing.T) {
	d := testDomain(t)
	base, err := Hash(d, ReleaseSchema, releaseMessage())
	require.NoError(t, err)

	reordered := Schema{Name: "Release", Fields: []Field{
		{Name: "to", Type: "address"},
		{Name: "escrowAddress", Type: "address"},
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint256"},
	}}
	h, err := Hash(d, reordered, releaseMessage())
	require.NoError(t, err)
	assert.NotEqual(t, base, h)
}

func TestNormalizeSchemaMismatch(t *testing.T) {
	msg := releaseMessage()
	delete(msg, "amount")
	_, err := Normalize(ReleaseSchema, msg)
	require.ErrorIs(t, err, ErrSchemaMismatch)
	assert.Contains(t, err.Error(), "missing amount")

	msg = releaseMessage()
	msg["memo"] = "hello"
	_, err = Normalize(ReleaseSchema, msg)
	require.ErrorIs(t, err, ErrSchemaMismatch)
	assert.Contains(t, err.Error(), "unexpected memo")
}

func TestNormalizeInvalidValues(t *testing.T) {
	cases := map[string]struct {
		field string
		value any
	}{
		"short address":       {"to", "0x1234"},
		"unprefixed address":  {"to", "1234567890abcdef1234567890abcdef12345678"},
		"numeric address":     {"to", 42},
		"negative amount":     {"amount", "-1"},
		"fractional amount":   {"amount", 1.5},
		"imprecise float":     {"amount", float64(1e18)},
		"garbage amount":      {"amount", "ten"},
		"overflow":            {"amount", "0x1" + "0000000000000000000000000000000000000000000000000000000000000000"},
		"fractional exponent": {"amount", json.Number("1.5e0")},
		"negative exponent":   {"amount", json.Number("1e-18")},
		"inexact mantissa":    {"amount", json.Number("1.0000000000000000000000000001e0")},
		"huge exponent":       {"amount", json.Number("1e100000")},
		"exponent overflow":   {"amount", json.Number("1e78")},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			msg := releaseMessage()
			msg[tc.field] = tc.value
			_, err := Normalize(ReleaseSchema, msg)
			assert.ErrorIs(t, err, ErrInvalidFieldValue)
		})
	}
}

func TestNormalizeAcceptsEquivalentEncodings(t *testing.T) {
	d := testDomain(t)
	want, err := Hash(d, ReleaseSchema, releaseMessage())
	require.NoError(t, err)

	for name, amount := range map[string]any{
		"hex":         "0xde0b6b3a7640000",
		"json number": json.Number("1000000000000000000"),
		"exponent":    json.Number("1e18"),
		"mantissa":    json.Number("0.1E19"),
		"string exp":  "1e+18",
		"big int":     new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
	} {
		t.Run(name, func(t *testing.T) {
			msg := releaseMessage()
			msg["amount"] = amount
			msg["to"] = common.HexToAddress("0x1234567890ABCDEF1234567890ABCDEF12345678")
			got, err := Hash(d, ReleaseSchema, msg)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestUintWidthIsEnforced(t *testing.T) {
	s := Schema{Name: "Flag", Fields: []Field{{Name: "side", Type: "uint8"}}}
	_, err := Normalize(s, map[string]any{"side": "255"})
	assert.NoError(t, err)
	_, err = Normalize(s, map[string]any{"side": "256"})
	assert.ErrorIs(t, err, ErrInvalidFieldValue)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"Order", "Release", "SwapOrder"}, r.Names())

	order, err := r.Lookup("Order")
	require.NoError(t, err)
	assert.Equal(t, "Order(address maker,address taker,uint256 amount,uint256 price,uint256 nonce,uint256 expiry)", order.Signature())

	swap, ok := r.Schema("SwapOrder")
	require.True(t, ok)
	assert.NotEqual(t, order.Signature(), swap.Signature())

	// Mutating a returned copy must not leak into the registry.
	order.Fields[0].Name = "owner"
	again, _ := r.Schema("Order")
	assert.Equal(t, "maker", again.Fields[0].Name)

	_, err = r.Lookup("Unknown")
	assert.True(t, errors.Is(err, ErrUnknownType))
}

func TestNewRegistryRejectsBadSchemas(t *testing.T) {
	_, err := NewRegistry(OrderSchema, OrderSchema)
	assert.Error(t, err)

	_, err = NewRegistry(Schema{Name: "EIP712Domain", Fields: []Field{{Name: "a", Type: "uint256"}}})
	assert.Error(t, err)

	_, err = NewRegistry(Schema{Name: "Bad", Fields: []Field{{Name: "a", Type: "int256"}}})
	assert.Error(t, err)

	_, err = NewRegistry(Schema{Name: "Dup", Fields: []Field{{Name: "a", Type: "uint256"}, {Name: "a", Type: "address"}}})
	assert.Error(t, err)

	_, err = NewRegistry(Schema{Name: "Empty"})
	assert.Error(t, err)
}
