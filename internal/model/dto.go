package model

import (
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/metaaggregator/escrowgate/internal/typeddata"
)

// DomainInput is an optional per-request domain. ChainID holds a decoded
// JSON number or string.
type DomainInput struct {
	Name              string `json:"name,omitempty"`
	Version           string `json:"version,omitempty"`
	ChainID           any    `json:"chainId,omitempty"`
	VerifyingContract string `json:"verifyingContract,omitempty"`
}

// SignRequest represents the incoming JSON body of POST /v1/sign
type SignRequest struct {
	Domain      *DomainInput   `json:"domain,omitempty"`
	PrimaryType string         `json:"primaryType" binding:"required"`
	Message     map[string]any `json:"message" binding:"required"`
}

type SignResponse struct {
	Signature   string `json:"signature"`
	Signer      string `json:"signer"`
	Digest      string `json:"digest"`
	PrimaryType string `json:"primaryType"`
}

type VerifyRequest struct {
	Domain         *DomainInput   `json:"domain,omitempty"`
	PrimaryType    string         `json:"primaryType" binding:"required"`
	Message        map[string]any `json:"message" binding:"required"`
	Signature      string         `json:"signature" binding:"required"`
	ExpectedSigner string         `json:"expectedSigner" binding:"required"`
}

const (
	VerifyMethodECDSA   = "ecdsa"
	VerifyMethodEIP1271 = "eip1271"
)

type VerifyResponse struct {
	Valid     bool   `json:"valid"`
	Recovered string `json:"recovered,omitempty"`
	Method    string `json:"method,omitempty"`
}

// ReleaseRequest asks the relay to authorize a payout from the escrow.
// Exactly one of Amount (base units) or AmountDecimal (token units, scaled
// by Decimals) is set.
type ReleaseRequest struct {
	To            string `json:"to" binding:"required"`
	Token         string `json:"token" binding:"required"`
	Amount        string `json:"amount,omitempty"`
	AmountDecimal string `json:"amount_decimal,omitempty"`
	Decimals      *int32 `json:"decimals,omitempty"`
}

type ReleaseResponse struct {
	Signature string             `json:"signature"`
	Signer    string             `json:"signer"`
	Digest    string             `json:"digest"`
	Amount    string             `json:"amount"`
	Calldata  string             `json:"calldata"`
	TypedData apitypes.TypedData `json:"typed_data"`
}

type DomainInfo struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           string `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
	Separator         string `json:"separator"`
}

type SchemasResponse struct {
	Domain  DomainInfo         `json:"domain"`
	Schemas []typeddata.Schema `json:"schemas"`
}

type SignerInfo struct {
	Address string     `json:"address"`
	Domain  DomainInfo `json:"domain"`
}

type RotateKeyResponse struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
}
