package signer

import (
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/metaaggregator/escrowgate/internal/typeddata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known local devnet account #0; never funded outside a test chain.
const (
	testKeyHex  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	testEscrow  = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

	goldenReleaseSig = "0x9a95bd0e2dfa8f95d060c42e8fc178c2cdee1896beebe3edfb3edc3a746077ad0704f6ca23de1b42e61918b5cbd1e35084f9c447ef9cbfecee72f29e98fcb17b1b"
)

func testDomain(t testing.TB) typeddata.Domain {
	t.Helper()
	d, err := typeddata.NewDomain("MetaAggregatorEscrow", "1", big.NewInt(31337), testEscrow)
	require.NoError(t, err)
	return d
}

func releaseMessage() map[string]any {
	return map[string]any{
		"escrowAddress": testEscrow,
		"to":            "0x1234567890abcdef1234567890abcdef12345678",
		"token":         testAddress,
		"amount":        "1000000000000000000",
	}
}

func orderMessage(maker common.Address) map[string]any {
	return map[string]any{
		"maker":  maker.Hex(),
		"taker":  "0x0000000000000000000000000000000000000000",
		"amount": "1000000",
		"price":  "500000",
		"nonce":  "1",
		"expiry": "1800000000",
	}
}

func TestSigner_SignReleaseGolden(t *testing.T) {
	s, err := NewFromHex(testKeyHex)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddress), s.Address())

	sig, err := s.Sign(testDomain(t), typeddata.ReleaseSchema, releaseMessage())
	require.NoError(t, err)
	assert.Equal(t, goldenReleaseSig, sig.Hex())
	assert.Len(t, sig.Hex(), 132)

	valid, err := Verify(testDomain(t), typeddata.ReleaseSchema, releaseMessage(), sig.Hex(), testAddress)
	require.NoError(t, err)
	assert.True(t, valid)

	// Lower-case expected signer is the same address.
	valid, err = Verify(testDomain(t), typeddata.ReleaseSchema, releaseMessage(), sig.Hex(), strings.ToLower(testAddress))
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestSigner_Deterministic(t *testing.T) {
	s, err := NewFromHex("0x" + testKeyHex)
	require.NoError(t, err)
	a, err := s.Sign(testDomain(t), typeddata.OrderSchema, orderMessage(s.Address()))
	require.NoError(t, err)
	b, err := s.Sign(testDomain(t), typeddata.OrderSchema, orderMessage(s.Address()))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestVerify_RoundTripAndTamper(t *testing.T) {
	key, _ := crypto.GenerateKey()
	s, err := New(key)
	require.NoError(t, err)
	d := testDomain(t)

	msg := orderMessage(s.Address())
	sig, err := s.Sign(d, typeddata.OrderSchema, msg)
	require.NoError(t, err)

	valid, err := Verify(d, typeddata.OrderSchema, msg, sig.Hex(), s.Address().Hex())
	require.NoError(t, err)
	assert.True(t, valid)

	for field, value := range map[string]any{
		"maker":  "0x0000000000000000000000000000000000000001",
		"amount": "1000001",
		"price":  "499999",
		"nonce":  "2",
		"expiry": "1800000001",
	} {
		tampered := orderMessage(s.Address())
		tampered[field] = value
		valid, err := Verify(d, typeddata.OrderSchema, tampered, sig.Hex(), s.Address().Hex())
		require.NoError(t, err)
		assert.False(t, valid, "changed %s must not verify", field)
	}

	wrong := common.HexToAddress("0x0000000000000000000000000000000000000001")
	valid, err = Verify(d, typeddata.OrderSchema, msg, sig.Hex(), wrong.Hex())
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestVerify_DomainBinding(t *testing.T) {
	s, _ := NewFromHex(testKeyHex)
	d := testDomain(t)
	sig, err := s.Sign(d, typeddata.ReleaseSchema, releaseMessage())
	require.NoError(t, err)

	otherChain := d
	otherChain.ChainID = big.NewInt(1)
	valid, err := Verify(otherChain, typeddata.ReleaseSchema, releaseMessage(), sig.Hex(), testAddress)
	require.NoError(t, err)
	assert.False(t, valid)

	otherContract := d
	otherContract.VerifyingContract = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	valid, err = Verify(otherContract, typeddata.ReleaseSchema, releaseMessage(), sig.Hex(), testAddress)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestVerify_ReorderedSchemaInvalidates(t *testing.T) {
	s, _ := NewFromHex(testKeyHex)
	d := testDomain(t)
	sig, err := s.Sign(d, typeddata.ReleaseSchema, releaseMessage())
	require.NoError(t, err)

	reordered := typeddata.Schema{Name: "Release", Fields: []typeddata.Field{
		{Name: "escrowAddress", Type: "address"},
		{Name: "token", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "amount", Type: "uint256"},
	}}
	valid, err := Verify(d, reordered, releaseMessage(), sig.Hex(), testAddress)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestVerify_MalformedSignatureIsFalse(t *testing.T) {
	d := testDomain(t)
	for name, sig := range map[string]string{
		"truncated":    goldenReleaseSig[:100],
		"not hex":      "0xzz",
		"empty":        "",
		"no prefix":    strings.TrimPrefix(goldenReleaseSig, "0x"),
		"bad recovery": goldenReleaseSig[:130] + "05",
		"zeros":        hexutil.Encode(make([]byte, 65)),
	} {
		t.Run(name, func(t *testing.T) {
			valid, err := Verify(d, typeddata.ReleaseSchema, releaseMessage(), sig, testAddress)
			assert.NoError(t, err)
			assert.False(t, valid)
		})
	}

	valid, err := Verify(d, typeddata.ReleaseSchema, releaseMessage(), goldenReleaseSig, "not-an-address")
	assert.NoError(t, err)
	assert.False(t, valid)
}

func TestVerify_AcceptsZeroOneRecoveryID(t *testing.T) {
	raw, err := hexutil.Decode(goldenReleaseSig)
	require.NoError(t, err)
	raw[64] -= 27
	valid, err := Verify(testDomain(t), typeddata.ReleaseSchema, releaseMessage(), hexutil.Encode(raw), testAddress)
	require.NoError(t, err)
	assert.True(t, valid)
}

// highSTwin returns (r, n-s, flipped v): the same key recovers from it, but
// canonical ecrecover wrappers reject it.
func highSTwin(t *testing.T, sigHex string) []byte {
	t.Helper()
	raw, err := hexutil.Decode(sigHex)
	require.NoError(t, err)
	s := new(big.Int).SetBytes(raw[32:64])
	s.Sub(crypto.S256().Params().N, s)
	twin := make([]byte, 65)
	copy(twin, raw[:32])
	s.FillBytes(twin[32:64])
	twin[64] = 27 + 28 - raw[64]
	return twin
}

func TestVerify_RejectsHighS(t *testing.T) {
	twin := highSTwin(t, goldenReleaseSig)

	// The twin is a valid secp256k1 signature for the same key.
	digest, err := typeddata.Hash(testDomain(t), typeddata.ReleaseSchema, releaseMessage())
	require.NoError(t, err)
	recoverable := append([]byte(nil), twin...)
	recoverable[64] -= 27
	pub, err := crypto.SigToPub(digest.Bytes(), recoverable)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(testAddress), crypto.PubkeyToAddress(*pub))

	valid, err := Verify(testDomain(t), typeddata.ReleaseSchema, releaseMessage(), hexutil.Encode(twin), testAddress)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = Recover(testDomain(t), typeddata.ReleaseSchema, releaseMessage(), hexutil.Encode(twin))
	assert.ErrorIs(t, err, ErrMalformedSignature)
}

func TestSignAndVerify_SchemaMismatch(t *testing.T) {
	s, _ := NewFromHex(testKeyHex)
	msg := releaseMessage()
	delete(msg, "token")

	_, err := s.Sign(testDomain(t), typeddata.ReleaseSchema, msg)
	assert.ErrorIs(t, err, typeddata.ErrSchemaMismatch)

	_, err = Verify(testDomain(t), typeddata.ReleaseSchema, msg, goldenReleaseSig, testAddress)
	assert.ErrorIs(t, err, typeddata.ErrSchemaMismatch)
}

func TestRecover(t *testing.T) {
	addr, err := Recover(testDomain(t), typeddata.ReleaseSchema, releaseMessage(), goldenReleaseSig)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddress), addr)

	_, err = Recover(testDomain(t), typeddata.ReleaseSchema, releaseMessage(), "0x01")
	assert.ErrorIs(t, err, ErrMalformedSignature)
}

func TestSigner_InvalidKey(t *testing.T) {
	_, err := NewFromHex("")
	assert.ErrorIs(t, err, ErrSigningFailed)

	_, err = NewFromHex("not-a-key")
	assert.ErrorIs(t, err, ErrSigningFailed)
	assert.NotContains(t, err.Error(), "not-a-key")

	var empty Signer
	_, err = empty.SignDigest(common.Hash{1})
	assert.ErrorIs(t, err, ErrSigningFailed)
}

func TestSigner_RotateUnderConcurrentSigning(t *testing.T) {
	s, _ := NewFromHex(testKeyHex)
	d := testDomain(t)
	next, _ := crypto.GenerateKey()
	nextAddr := crypto.PubkeyToAddress(next.PublicKey)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sig, err := s.Sign(d, typeddata.ReleaseSchema, releaseMessage())
			if err != nil {
				errs <- err
				return
			}
			// Every signature comes from one of the two keys, never a mix.
			addr, err := Recover(d, typeddata.ReleaseSchema, releaseMessage(), sig.Hex())
			if err != nil {
				errs <- err
				return
			}
			if addr != common.HexToAddress(testAddress) && addr != nextAddr {
				errs <- assert.AnError
			}
		}()
	}
	require.NoError(t, s.Rotate(next))
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent sign failed: %v", err)
	}

	assert.Equal(t, nextAddr, s.Address())
	assert.Error(t, s.Rotate(nil))
}

func BenchmarkSignRelease(b *testing.B) {
	s, _ := NewFromHex(testKeyHex)
	d := testDomain(b)
	msg := releaseMessage()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = s.Sign(d, typeddata.ReleaseSchema, msg)
	}
}
