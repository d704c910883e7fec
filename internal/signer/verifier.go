package signer

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/metaaggregator/escrowgate/internal/typeddata"
)

var ErrRecoveryFailed = errors.New("signature recovery failed")

// Verify reports whether signature over message was produced by
// expectedSigner. Authenticity failures (bad hex, wrong length, mismatch)
// yield false with a nil error; only a malformed message shape errors.
func Verify(domain typeddata.Domain, schema typeddata.Schema, message map[string]any, signature, expectedSigner string) (bool, error) {
	digest, err := typeddata.Hash(domain, schema, message)
	if err != nil {
		return false, err
	}
	return VerifyDigest(digest, signature, expectedSigner), nil
}

func VerifyDigest(digest common.Hash, signature, expectedSigner string) bool {
	expectedSigner = strings.TrimSpace(expectedSigner)
	if !common.IsHexAddress(expectedSigner) {
		return false
	}
	sig, err := ParseSignature(signature)
	if err != nil {
		return false
	}
	recovered, err := RecoverDigest(digest, sig)
	if err != nil {
		return false
	}
	return recovered == common.HexToAddress(expectedSigner)
}

// Recover returns the address that signed message.
func Recover(domain typeddata.Domain, schema typeddata.Schema, message map[string]any, signature string) (common.Address, error) {
	digest, err := typeddata.Hash(domain, schema, message)
	if err != nil {
		return common.Address{}, err
	}
	sig, err := ParseSignature(signature)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverDigest(digest, sig)
}

// RecoverDigest only accepts canonical low-s signatures, matching the
// ecrecover wrappers escrow contracts use.
func RecoverDigest(digest common.Hash, sig Signature) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrMalformedSignature, len(sig))
	}
	raw := sig.recoveryForm()
	r := new(big.Int).SetBytes(raw[:32])
	sv := new(big.Int).SetBytes(raw[32:64])
	if !crypto.ValidateSignatureValues(raw[64], r, sv, true) {
		return common.Address{}, fmt.Errorf("%w: non-canonical signature values", ErrMalformedSignature)
	}
	pub, err := crypto.SigToPub(digest.Bytes(), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
