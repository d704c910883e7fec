package signer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is r(32) || s(32) || v(1).
const SignatureLength = crypto.SignatureLength

var ErrMalformedSignature = errors.New("malformed signature")

// Signature is a 65-byte secp256k1 signature with v in {27, 28}.
type Signature []byte

func (s Signature) Hex() string {
	return hexutil.Encode(s)
}

func (s Signature) String() string {
	return s.Hex()
}

func (s Signature) MarshalText() ([]byte, error) {
	return []byte(s.Hex()), nil
}

func (s *Signature) UnmarshalText(text []byte) error {
	sig, err := ParseSignature(string(text))
	if err != nil {
		return err
	}
	*s = sig
	return nil
}

// ParseSignature decodes a 0x-prefixed hex signature. v may be 0/1 or 27/28;
// the result always carries 27/28.
func ParseSignature(raw string) (Signature, error) {
	b, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if len(b) != SignatureLength {
		return nil, fmt.Errorf("%w: length %d", ErrMalformedSignature, len(b))
	}
	switch b[64] {
	case 0, 1:
		b[64] += 27
	case 27, 28:
	default:
		return nil, fmt.Errorf("%w: recovery id %d", ErrMalformedSignature, b[64])
	}
	return Signature(b), nil
}

// recoveryForm returns a copy with v in {0, 1}, as crypto.SigToPub expects.
func (s Signature) recoveryForm() []byte {
	out := make([]byte, len(s))
	copy(out, s)
	if out[64] >= 27 {
		out[64] -= 27
	}
	return out
}
