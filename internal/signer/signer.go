package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/metaaggregator/escrowgate/internal/typeddata"
)

var ErrSigningFailed = errors.New("signing failed")

type signingKey struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// Signer produces EIP-712 signatures with the currently loaded key. The key
// lives behind an atomic snapshot: Rotate swaps it for future calls while
// in-flight signs finish with the key they loaded.
type Signer struct {
	current atomic.Pointer[signingKey]
}

func New(key *ecdsa.PrivateKey) (*Signer, error) {
	s := &Signer{}
	if err := s.Rotate(key); err != nil {
		return nil, err
	}
	return s, nil
}

// NewFromHex parses a hex private key (with or without 0x).
func NewFromHex(privateKeyHex string) (*Signer, error) {
	key, err := ParsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return New(key)
}

func ParsePrivateKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if privateKeyHex == "" {
		return nil, fmt.Errorf("%w: private key is required", ErrSigningFailed)
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		// the parse error never echoes the input
		return nil, fmt.Errorf("%w: invalid private key", ErrSigningFailed)
	}
	return key, nil
}

// Rotate installs key for all subsequent signs.
func (s *Signer) Rotate(key *ecdsa.PrivateKey) error {
	if key == nil {
		return fmt.Errorf("%w: nil key", ErrSigningFailed)
	}
	s.current.Store(&signingKey{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	})
	return nil
}

func (s *Signer) Address() common.Address {
	k := s.current.Load()
	if k == nil {
		return common.Address{}
	}
	return k.address
}

// Sign hashes message under domain and schema and signs the digest.
// Identical inputs produce identical signatures (RFC6979 nonces).
func (s *Signer) Sign(domain typeddata.Domain, schema typeddata.Schema, message map[string]any) (Signature, error) {
	digest, err := typeddata.Hash(domain, schema, message)
	if err != nil {
		return nil, err
	}
	return s.SignDigest(digest)
}

// SignDigest signs a precomputed 32-byte typed-data digest.
func (s *Signer) SignDigest(digest common.Hash) (Signature, error) {
	sig, _, err := s.SignDigestWithAddress(digest)
	return sig, err
}

// SignDigestWithAddress also returns the address of the key that signed,
// which can differ from Address() once a rotation lands.
func (s *Signer) SignDigestWithAddress(digest common.Hash) (Signature, common.Address, error) {
	k := s.current.Load()
	if k == nil {
		return nil, common.Address{}, fmt.Errorf("%w: no key loaded", ErrSigningFailed)
	}
	sig, err := crypto.Sign(digest.Bytes(), k.key)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	// crypto.Sign yields v in {0,1}; contracts using ecrecover expect 27/28.
	sig[64] += 27
	return Signature(sig), k.address, nil
}
