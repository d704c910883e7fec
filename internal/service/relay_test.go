package service

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/metaaggregator/escrowgate/internal/escrow"
	"github.com/metaaggregator/escrowgate/internal/model"
	"github.com/metaaggregator/escrowgate/internal/pkg/apperrors"
	"github.com/metaaggregator/escrowgate/internal/signer"
	"github.com/metaaggregator/escrowgate/internal/typeddata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKeyHex  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	testEscrow  = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testTo      = "0x1234567890abcdef1234567890abcdef12345678"

	goldenDigest     = "0x2df58e118794db2d0406bcaf84090817d2ee6794d2df216e8d0d2f85fa039a1f"
	goldenReleaseSig = "0x9a95bd0e2dfa8f95d060c42e8fc178c2cdee1896beebe3edfb3edc3a746077ad0704f6ca23de1b42e61918b5cbd1e35084f9c447ef9cbfecee72f29e98fcb17b1b"
)

func newTestRelay(t *testing.T, opts ...RelayOption) *RelayService {
	t.Helper()
	sgn, err := signer.NewFromHex(testKeyHex)
	require.NoError(t, err)
	domain, err := typeddata.NewDomain("MetaAggregatorEscrow", "1", big.NewInt(31337), testEscrow)
	require.NoError(t, err)
	svc, err := NewRelayService(sgn, typeddata.DefaultRegistry(), domain, opts...)
	require.NoError(t, err)
	return svc
}

func releaseMsg() map[string]any {
	return map[string]any{
		"escrowAddress": testEscrow,
		"to":            testTo,
		"token":         testAddress,
		"amount":        json.Number("1000000000000000000"),
	}
}

func TestRelay_SignGolden(t *testing.T) {
	svc := newTestRelay(t)
	resp, err := svc.Sign(context.Background(), model.SignRequest{PrimaryType: "Release", Message: releaseMsg()})
	require.NoError(t, err)
	assert.Equal(t, goldenReleaseSig, resp.Signature)
	assert.Equal(t, goldenDigest, resp.Digest)
	assert.Equal(t, testAddress, resp.Signer)
}

func TestRelay_SignDomainOverrides(t *testing.T) {
	svc := newTestRelay(t)
	ctx := context.Background()

	// Matching chain and contract are accepted.
	resp, err := svc.Sign(ctx, model.SignRequest{
		Domain:      &model.DomainInput{ChainID: json.Number("31337"), VerifyingContract: testEscrow},
		PrimaryType: "Release",
		Message:     releaseMsg(),
	})
	require.NoError(t, err)
	assert.Equal(t, goldenReleaseSig, resp.Signature)

	// Version bump changes the signature.
	resp, err = svc.Sign(ctx, model.SignRequest{
		Domain:      &model.DomainInput{Version: "2"},
		PrimaryType: "Release",
		Message:     releaseMsg(),
	})
	require.NoError(t, err)
	assert.NotEqual(t, goldenReleaseSig, resp.Signature)

	for name, in := range map[string]*model.DomainInput{
		"other chain":    {ChainID: json.Number("1")},
		"other contract": {VerifyingContract: "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"},
	} {
		_, err := svc.Sign(ctx, model.SignRequest{Domain: in, PrimaryType: "Release", Message: releaseMsg()})
		assert.True(t, apperrors.Is(err, apperrors.ErrInvalidRequest), name)
	}
}

func TestRelay_SignErrors(t *testing.T) {
	svc := newTestRelay(t)
	ctx := context.Background()

	_, err := svc.Sign(ctx, model.SignRequest{PrimaryType: "Unknown", Message: releaseMsg()})
	assert.True(t, apperrors.Is(err, apperrors.ErrSchemaMismatch))

	msg := releaseMsg()
	delete(msg, "token")
	_, err = svc.Sign(ctx, model.SignRequest{PrimaryType: "Release", Message: msg})
	assert.True(t, apperrors.Is(err, apperrors.ErrSchemaMismatch))

	msg = releaseMsg()
	msg["to"] = "0x1234"
	_, err = svc.Sign(ctx, model.SignRequest{PrimaryType: "Release", Message: msg})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidFieldValue))

	msg = releaseMsg()
	msg["amount"] = "-1"
	_, err = svc.Sign(ctx, model.SignRequest{PrimaryType: "Release", Message: msg})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidFieldValue))
}

func TestRelay_Verify(t *testing.T) {
	svc := newTestRelay(t)
	ctx := context.Background()

	resp, err := svc.Verify(ctx, model.VerifyRequest{
		PrimaryType:    "Release",
		Message:        releaseMsg(),
		Signature:      goldenReleaseSig,
		ExpectedSigner: testAddress,
	})
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	assert.Equal(t, model.VerifyMethodECDSA, resp.Method)
	assert.Equal(t, testAddress, resp.Recovered)

	// A full foreign domain is allowed for verification, and fails here.
	resp, err = svc.Verify(ctx, model.VerifyRequest{
		Domain:         &model.DomainInput{Name: "Other", Version: "1", ChainID: "1", VerifyingContract: testEscrow},
		PrimaryType:    "Release",
		Message:        releaseMsg(),
		Signature:      goldenReleaseSig,
		ExpectedSigner: testAddress,
	})
	require.NoError(t, err)
	assert.False(t, resp.Valid)

	resp, err = svc.Verify(ctx, model.VerifyRequest{
		PrimaryType:    "Release",
		Message:        releaseMsg(),
		Signature:      "0xdeadbeef",
		ExpectedSigner: testAddress,
	})
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Empty(t, resp.Recovered)
}

type stubContractVerifier struct {
	valid bool
	err   error
	calls int
}

func (s *stubContractVerifier) Verify(context.Context, common.Address, common.Hash, []byte) (bool, error) {
	s.calls++
	return s.valid, s.err
}

func TestRelay_VerifyFallsBackToEIP1271(t *testing.T) {
	wallet := "0x000000000000000000000000000000000000c0de"
	ctx := context.Background()
	req := model.VerifyRequest{
		PrimaryType:    "Release",
		Message:        releaseMsg(),
		Signature:      goldenReleaseSig,
		ExpectedSigner: wallet,
	}

	stub := &stubContractVerifier{valid: true}
	resp, err := newTestRelay(t, WithContractVerifier(stub)).Verify(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	assert.Equal(t, model.VerifyMethodEIP1271, resp.Method)
	assert.Equal(t, 1, stub.calls)

	// An ECDSA match never reaches the contract.
	stub = &stubContractVerifier{valid: false}
	req.ExpectedSigner = testAddress
	resp, err = newTestRelay(t, WithContractVerifier(stub)).Verify(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	assert.Equal(t, 0, stub.calls)

	stub = &stubContractVerifier{err: errors.New("rpc down")}
	req.ExpectedSigner = wallet
	_, err = newTestRelay(t, WithContractVerifier(stub)).Verify(ctx, req)
	assert.True(t, apperrors.Is(err, apperrors.ErrUpstream))
}

func TestRelay_BuildRelease(t *testing.T) {
	svc := newTestRelay(t)
	ctx := context.Background()

	resp, err := svc.BuildRelease(ctx, model.ReleaseRequest{To: testTo, Token: testAddress, Amount: "1000000000000000000"})
	require.NoError(t, err)
	assert.Equal(t, goldenReleaseSig, resp.Signature)
	assert.Equal(t, goldenDigest, resp.Digest)
	assert.Equal(t, "Release", resp.TypedData.PrimaryType)

	sig := hexutil.MustDecode(goldenReleaseSig)
	amount, _ := new(big.Int).SetString("1000000000000000000", 10)
	want, err := escrow.PackReleaseWithSignature(common.HexToAddress(testTo), common.HexToAddress(testAddress), amount, sig)
	require.NoError(t, err)
	assert.Equal(t, hexutil.Encode(want), resp.Calldata)

	decimals := int32(18)
	viaDecimal, err := svc.BuildRelease(ctx, model.ReleaseRequest{To: testTo, Token: testAddress, AmountDecimal: "1", Decimals: &decimals})
	require.NoError(t, err)
	assert.Equal(t, resp.Signature, viaDecimal.Signature)
	assert.Equal(t, "1000000000000000000", viaDecimal.Amount)
}

func TestRelay_BuildReleaseRejects(t *testing.T) {
	svc := newTestRelay(t)
	ctx := context.Background()
	six := int32(6)

	for name, req := range map[string]model.ReleaseRequest{
		"no amount":      {To: testTo, Token: testAddress},
		"both amounts":   {To: testTo, Token: testAddress, Amount: "1", AmountDecimal: "1", Decimals: &six},
		"no decimals":    {To: testTo, Token: testAddress, AmountDecimal: "1.5"},
		"too precise":    {To: testTo, Token: testAddress, AmountDecimal: "1.0000001", Decimals: &six},
		"negative":       {To: testTo, Token: testAddress, AmountDecimal: "-1", Decimals: &six},
		"bad recipient":  {To: "0x12", Token: testAddress, Amount: "1"},
		"bad raw amount": {To: testTo, Token: testAddress, Amount: "1.5"},
	} {
		_, err := svc.BuildRelease(ctx, req)
		require.Error(t, err, name)
		var appErr *apperrors.AppError
		require.ErrorAs(t, err, &appErr, name)
		assert.Equal(t, 400, appErr.HTTPStatus, name)
	}
}

type fakeReloader struct {
	sgn  *signer.Signer
	next string
	err  error
}

func (f *fakeReloader) Reload(context.Context) error {
	if f.err != nil {
		return f.err
	}
	key, err := signer.ParsePrivateKey(f.next)
	if err != nil {
		return err
	}
	return f.sgn.Rotate(key)
}

func TestRelay_RotateKey(t *testing.T) {
	_, err := newTestRelay(t).RotateKey(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrUnavailable))

	sgn, _ := signer.NewFromHex(testKeyHex)
	next, _ := crypto.GenerateKey()
	reloader := &fakeReloader{sgn: sgn, next: hexutil.Encode(crypto.FromECDSA(next))}
	domain, _ := typeddata.NewDomain("MetaAggregatorEscrow", "1", big.NewInt(31337), testEscrow)
	svc, err := NewRelayService(sgn, typeddata.DefaultRegistry(), domain, WithKeyReloader(reloader))
	require.NoError(t, err)

	resp, err := svc.RotateKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testAddress, resp.Previous)
	assert.Equal(t, crypto.PubkeyToAddress(next.PublicKey).Hex(), resp.Current)
	assert.Equal(t, resp.Current, svc.SignerInfo().Address)

	reloader.err = errors.New("kms denied")
	_, err = svc.RotateKey(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrConfiguration))
}

func TestRelay_SchemasAndSignerInfo(t *testing.T) {
	svc := newTestRelay(t)
	schemas := svc.Schemas()
	assert.Equal(t, "0xea5257b37204ef1dc2adbc326247d10a7345a8c0d983930b27b738902d91acc0", schemas.Domain.Separator)
	assert.Equal(t, "31337", schemas.Domain.ChainID)
	assert.Len(t, schemas.Schemas, 3)

	info := svc.SignerInfo()
	assert.Equal(t, testAddress, info.Address)
	assert.Equal(t, testEscrow, info.Domain.VerifyingContract)
}
