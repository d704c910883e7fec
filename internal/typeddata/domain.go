package typeddata

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	ErrSchemaMismatch    = errors.New("schema mismatch")
	ErrInvalidFieldValue = errors.New("invalid field value")
	ErrInvalidDomain     = errors.New("invalid domain")
	ErrUnknownType       = errors.New("unknown primary type")
)

const domainTypeName = "EIP712Domain"

var domainFields = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// Domain scopes a signature to one escrow deployment on one chain.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// NewDomain builds a domain from explicit inputs. There is no default chain or
// contract: both must be supplied.
func NewDomain(name, version string, chainID *big.Int, verifyingContract string) (Domain, error) {
	verifyingContract = strings.TrimSpace(verifyingContract)
	if !common.IsHexAddress(verifyingContract) {
		return Domain{}, fmt.Errorf("%w: verifying contract %q is not an address", ErrInvalidDomain, verifyingContract)
	}
	d := Domain{
		Name:              name,
		Version:           version,
		VerifyingContract: common.HexToAddress(verifyingContract),
	}
	if chainID != nil {
		d.ChainID = new(big.Int).Set(chainID)
	}
	if err := d.Validate(); err != nil {
		return Domain{}, err
	}
	return d, nil
}

func (d Domain) Validate() error {
	switch {
	case d.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidDomain)
	case d.Version == "":
		return fmt.Errorf("%w: version is required", ErrInvalidDomain)
	case d.ChainID == nil || d.ChainID.Sign() <= 0:
		return fmt.Errorf("%w: chainId must be positive", ErrInvalidDomain)
	case d.ChainID.BitLen() > 256:
		return fmt.Errorf("%w: chainId exceeds uint256", ErrInvalidDomain)
	case d.VerifyingContract == (common.Address{}):
		return fmt.Errorf("%w: verifyingContract must not be the zero address", ErrInvalidDomain)
	}
	return nil
}

// WithNameVersion returns a copy with name/version replaced when non-empty.
func (d Domain) WithNameVersion(name, version string) Domain {
	out := d
	if out.ChainID != nil {
		out.ChainID = new(big.Int).Set(d.ChainID)
	}
	if name != "" {
		out.Name = name
	}
	if version != "" {
		out.Version = version
	}
	return out
}

func (d Domain) Equal(other Domain) bool {
	if d.Name != other.Name || d.Version != other.Version || d.VerifyingContract != other.VerifyingContract {
		return false
	}
	if d.ChainID == nil || other.ChainID == nil {
		return d.ChainID == other.ChainID
	}
	return d.ChainID.Cmp(other.ChainID) == 0
}

func (d Domain) apiDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(d.ChainID)),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// DomainSeparator returns hashStruct(EIP712Domain) for d.
func DomainSeparator(d Domain) (common.Hash, error) {
	if err := d.Validate(); err != nil {
		return common.Hash{}, err
	}
	td := apitypes.TypedData{
		Types:  apitypes.Types{domainTypeName: domainFields},
		Domain: d.apiDomain(),
	}
	sep, err := td.HashStruct(domainTypeName, td.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrInvalidDomain, err)
	}
	return common.BytesToHash(sep), nil
}
