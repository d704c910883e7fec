package typeddata

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// TypedData assembles the apitypes payload for message under schema and
// domain. The result is what a wallet's eth_signTypedData_v4 receives.
func TypedData(domain Domain, schema Schema, message map[string]any) (apitypes.TypedData, error) {
	if err := domain.Validate(); err != nil {
		return apitypes.TypedData{}, err
	}
	if err := schema.validate(); err != nil {
		return apitypes.TypedData{}, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	msg, err := Normalize(schema, message)
	if err != nil {
		return apitypes.TypedData{}, err
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			domainTypeName: domainFields,
			schema.Name:    schema.apiTypes(),
		},
		PrimaryType: schema.Name,
		Domain:      domain.apiDomain(),
		Message:     msg,
	}, nil
}

// Hash returns keccak256(0x19 0x01 || domainSeparator || hashStruct(message)).
func Hash(domain Domain, schema Schema, message map[string]any) (common.Hash, error) {
	td, err := TypedData(domain, schema, message)
	if err != nil {
		return common.Hash{}, err
	}
	return HashTypedData(td)
}

func HashTypedData(td apitypes.TypedData) (common.Hash, error) {
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrInvalidFieldValue, err)
	}
	return common.BytesToHash(digest), nil
}

// StructHash returns hashStruct(message) for the primary type.
func StructHash(domain Domain, schema Schema, message map[string]any) (common.Hash, error) {
	td, err := TypedData(domain, schema, message)
	if err != nil {
		return common.Hash{}, err
	}
	h, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrInvalidFieldValue, err)
	}
	return common.BytesToHash(h), nil
}
