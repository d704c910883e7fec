package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/metaaggregator/escrowgate/internal/escrow"
	"github.com/metaaggregator/escrowgate/internal/model"
	"github.com/metaaggregator/escrowgate/internal/pkg/apperrors"
	"github.com/metaaggregator/escrowgate/internal/pkg/logger"
	"github.com/metaaggregator/escrowgate/internal/pkg/metrics"
	"github.com/metaaggregator/escrowgate/internal/signer"
	"github.com/metaaggregator/escrowgate/internal/typeddata"
	"github.com/shopspring/decimal"
)

// ContractVerifier checks signatures of smart-contract wallets.
type ContractVerifier interface {
	Verify(ctx context.Context, contract common.Address, digest common.Hash, signature []byte) (bool, error)
}

// KeyReloader fetches a fresh key and installs it on a signer.
type KeyReloader interface {
	Reload(ctx context.Context) error
}

type RelayService struct {
	signer   *signer.Signer
	registry *typeddata.Registry
	domain   typeddata.Domain
	contract ContractVerifier
	reloader KeyReloader
}

type RelayOption func(*RelayService)

func WithContractVerifier(v ContractVerifier) RelayOption {
	return func(s *RelayService) { s.contract = v }
}

func WithKeyReloader(r KeyReloader) RelayOption {
	return func(s *RelayService) { s.reloader = r }
}

func NewRelayService(sgn *signer.Signer, registry *typeddata.Registry, domain typeddata.Domain, opts ...RelayOption) (*RelayService, error) {
	if sgn == nil || registry == nil {
		return nil, fmt.Errorf("signer and registry are required")
	}
	if err := domain.Validate(); err != nil {
		return nil, err
	}
	svc := &RelayService{
		signer:   sgn,
		registry: registry,
		domain:   domain,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

func (s *RelayService) Domain() typeddata.Domain {
	return s.domain
}

func (s *RelayService) Sign(ctx context.Context, req model.SignRequest) (*model.SignResponse, error) {
	schema, err := s.registry.Lookup(req.PrimaryType)
	if err != nil {
		return nil, toAppError(err)
	}
	domain, err := s.signingDomain(req.Domain)
	if err != nil {
		metrics.SignaturesTotal.WithLabelValues(schema.Name, "rejected").Inc()
		return nil, err
	}

	digest, err := typeddata.Hash(domain, schema, req.Message)
	if err != nil {
		metrics.SignaturesTotal.WithLabelValues(schema.Name, "rejected").Inc()
		return nil, toAppError(err)
	}
	sig, addr, err := s.signer.SignDigestWithAddress(digest)
	if err != nil {
		metrics.SignaturesTotal.WithLabelValues(schema.Name, "error").Inc()
		return nil, toAppError(err)
	}
	metrics.SignaturesTotal.WithLabelValues(schema.Name, "ok").Inc()
	logger.Debug("Signed typed data", "primary_type", schema.Name, "digest", digest.Hex(), "signer", addr.Hex())

	return &model.SignResponse{
		Signature:   sig.Hex(),
		Signer:      addr.Hex(),
		Digest:      digest.Hex(),
		PrimaryType: schema.Name,
	}, nil
}

// Verify checks an ECDSA signature first and, when a contract verifier is
// configured and the expected signer has no matching key, asks the signer
// contract via ERC-1271.
func (s *RelayService) Verify(ctx context.Context, req model.VerifyRequest) (*model.VerifyResponse, error) {
	schema, err := s.registry.Lookup(req.PrimaryType)
	if err != nil {
		return nil, toAppError(err)
	}
	domain, err := s.verifyingDomain(req.Domain)
	if err != nil {
		return nil, err
	}
	digest, err := typeddata.Hash(domain, schema, req.Message)
	if err != nil {
		return nil, toAppError(err)
	}

	resp := &model.VerifyResponse{}
	expected := strings.TrimSpace(req.ExpectedSigner)
	sig, sigErr := signer.ParseSignature(req.Signature)
	if sigErr == nil {
		if recovered, err := signer.RecoverDigest(digest, sig); err == nil {
			resp.Recovered = recovered.Hex()
			if common.IsHexAddress(expected) && recovered == common.HexToAddress(expected) {
				resp.Valid = true
				resp.Method = model.VerifyMethodECDSA
			}
		}
	}

	if !resp.Valid && s.contract != nil && common.IsHexAddress(expected) {
		raw, decodeErr := hexutil.Decode(strings.TrimSpace(req.Signature))
		if decodeErr == nil {
			ok, err := s.contract.Verify(ctx, common.HexToAddress(expected), digest, raw)
			if err != nil {
				metrics.VerificationsTotal.WithLabelValues(schema.Name, "error").Inc()
				return nil, apperrors.New(apperrors.ErrUpstream, "contract signature check failed", err)
			}
			if ok {
				resp.Valid = true
				resp.Method = model.VerifyMethodEIP1271
			}
		}
	}

	result := "invalid"
	if resp.Valid {
		result = "valid"
	}
	metrics.VerificationsTotal.WithLabelValues(schema.Name, result).Inc()
	return resp, nil
}

// BuildRelease signs a Release for this escrow and returns calldata for
// releaseWithSignature.
func (s *RelayService) BuildRelease(ctx context.Context, req model.ReleaseRequest) (*model.ReleaseResponse, error) {
	to, err := typeddata.ParseAddress(req.To)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInvalidFieldValue, "to: "+err.Error(), err)
	}
	token, err := typeddata.ParseAddress(req.Token)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInvalidFieldValue, "token: "+err.Error(), err)
	}
	amount, err := releaseAmount(req)
	if err != nil {
		return nil, err
	}

	schema, err := s.registry.Lookup(typeddata.ReleaseSchema.Name)
	if err != nil {
		return nil, toAppError(err)
	}
	message := map[string]any{
		"escrowAddress": s.domain.VerifyingContract.Hex(),
		"to":            to.Hex(),
		"token":         token.Hex(),
		"amount":        amount,
	}
	td, err := typeddata.TypedData(s.domain, schema, message)
	if err != nil {
		return nil, toAppError(err)
	}
	digest, err := typeddata.HashTypedData(td)
	if err != nil {
		return nil, toAppError(err)
	}
	sig, addr, err := s.signer.SignDigestWithAddress(digest)
	if err != nil {
		metrics.SignaturesTotal.WithLabelValues(schema.Name, "error").Inc()
		return nil, toAppError(err)
	}
	calldata, err := escrow.PackReleaseWithSignature(to, token, amount, sig)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "failed to encode calldata", err)
	}
	metrics.SignaturesTotal.WithLabelValues(schema.Name, "ok").Inc()

	return &model.ReleaseResponse{
		Signature: sig.Hex(),
		Signer:    addr.Hex(),
		Digest:    digest.Hex(),
		Amount:    amount.String(),
		Calldata:  hexutil.Encode(calldata),
		TypedData: td,
	}, nil
}

func releaseAmount(req model.ReleaseRequest) (*big.Int, error) {
	raw := strings.TrimSpace(req.Amount)
	dec := strings.TrimSpace(req.AmountDecimal)
	switch {
	case raw != "" && dec != "":
		return nil, apperrors.NewInvalidRequest("set either amount or amount_decimal, not both")
	case raw != "":
		amount, err := typeddata.ParseUint(raw, 256)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrInvalidFieldValue, "amount: "+err.Error(), err)
		}
		return amount, nil
	case dec != "":
		if req.Decimals == nil || *req.Decimals < 0 || *req.Decimals > 77 {
			return nil, apperrors.NewInvalidRequest("amount_decimal requires decimals between 0 and 77")
		}
		d, err := decimal.NewFromString(dec)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrInvalidFieldValue, "amount_decimal is not a number", err)
		}
		scaled := d.Shift(*req.Decimals)
		if !scaled.Equal(scaled.Truncate(0)) {
			return nil, apperrors.New(apperrors.ErrInvalidFieldValue, "amount_decimal has more precision than the token decimals", nil)
		}
		amount := scaled.BigInt()
		if amount.Sign() < 0 || amount.BitLen() > 256 {
			return nil, apperrors.New(apperrors.ErrInvalidFieldValue, "amount_decimal is out of uint256 range", nil)
		}
		return amount, nil
	default:
		return nil, apperrors.NewInvalidRequest("amount or amount_decimal is required")
	}
}

func (s *RelayService) Schemas() *model.SchemasResponse {
	return &model.SchemasResponse{
		Domain:  s.domainInfo(),
		Schemas: s.registry.All(),
	}
}

func (s *RelayService) SignerInfo() *model.SignerInfo {
	return &model.SignerInfo{
		Address: s.signer.Address().Hex(),
		Domain:  s.domainInfo(),
	}
}

func (s *RelayService) RotateKey(ctx context.Context) (*model.RotateKeyResponse, error) {
	if s.reloader == nil {
		return nil, apperrors.New(apperrors.ErrUnavailable, "key rotation is not configured", nil)
	}
	previous := s.signer.Address()
	if err := s.reloader.Reload(ctx); err != nil {
		metrics.KeyRotations.WithLabelValues("error").Inc()
		return nil, apperrors.New(apperrors.ErrConfiguration, "failed to reload signer key", err)
	}
	metrics.KeyRotations.WithLabelValues("ok").Inc()
	current := s.signer.Address()
	logger.Info("Signer key rotated", "previous", previous.Hex(), "current", current.Hex())
	return &model.RotateKeyResponse{
		Previous: previous.Hex(),
		Current:  current.Hex(),
	}, nil
}

func (s *RelayService) domainInfo() model.DomainInfo {
	info := model.DomainInfo{
		Name:              s.domain.Name,
		Version:           s.domain.Version,
		ChainID:           s.domain.ChainID.String(),
		VerifyingContract: s.domain.VerifyingContract.Hex(),
	}
	if sep, err := typeddata.DomainSeparator(s.domain); err == nil {
		info.Separator = sep.Hex()
	}
	return info
}

// signingDomain returns the configured domain. A request may rename or
// re-version it, but never point the signature at another chain or
// contract.
func (s *RelayService) signingDomain(in *model.DomainInput) (typeddata.Domain, error) {
	if in == nil {
		return s.domain, nil
	}
	if in.ChainID != nil {
		chainID, err := typeddata.ParseUint(in.ChainID, 256)
		if err != nil {
			return typeddata.Domain{}, apperrors.New(apperrors.ErrInvalidFieldValue, "domain.chainId: "+err.Error(), err)
		}
		if chainID.Cmp(s.domain.ChainID) != 0 {
			return typeddata.Domain{}, apperrors.NewInvalidRequest(
				fmt.Sprintf("domain.chainId %s does not match the configured chain %s", chainID, s.domain.ChainID))
		}
	}
	if in.VerifyingContract != "" {
		addr, err := typeddata.ParseAddress(in.VerifyingContract)
		if err != nil {
			return typeddata.Domain{}, apperrors.New(apperrors.ErrInvalidFieldValue, "domain.verifyingContract: "+err.Error(), err)
		}
		if addr != s.domain.VerifyingContract {
			return typeddata.Domain{}, apperrors.NewInvalidRequest("domain.verifyingContract does not match the configured escrow")
		}
	}
	return s.domain.WithNameVersion(in.Name, in.Version), nil
}

// verifyingDomain allows any complete domain; missing parts fall back to
// the configured values.
func (s *RelayService) verifyingDomain(in *model.DomainInput) (typeddata.Domain, error) {
	if in == nil {
		return s.domain, nil
	}
	d := s.domain.WithNameVersion(in.Name, in.Version)
	if in.ChainID != nil {
		chainID, err := typeddata.ParseUint(in.ChainID, 256)
		if err != nil {
			return typeddata.Domain{}, apperrors.New(apperrors.ErrInvalidFieldValue, "domain.chainId: "+err.Error(), err)
		}
		d.ChainID = chainID
	}
	if in.VerifyingContract != "" {
		addr, err := typeddata.ParseAddress(in.VerifyingContract)
		if err != nil {
			return typeddata.Domain{}, apperrors.New(apperrors.ErrInvalidFieldValue, "domain.verifyingContract: "+err.Error(), err)
		}
		d.VerifyingContract = addr
	}
	if err := d.Validate(); err != nil {
		return typeddata.Domain{}, apperrors.New(apperrors.ErrInvalidRequest, err.Error(), err)
	}
	return d, nil
}

// toAppError maps domain sentinels onto the HTTP error taxonomy.
func toAppError(err error) error {
	var appErr *apperrors.AppError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, typeddata.ErrUnknownType):
		return apperrors.New(apperrors.ErrSchemaMismatch, err.Error(), err)
	case errors.Is(err, typeddata.ErrSchemaMismatch):
		return apperrors.New(apperrors.ErrSchemaMismatch, err.Error(), err)
	case errors.Is(err, typeddata.ErrInvalidFieldValue):
		return apperrors.New(apperrors.ErrInvalidFieldValue, err.Error(), err)
	case errors.Is(err, typeddata.ErrInvalidDomain):
		return apperrors.New(apperrors.ErrConfiguration, "configured domain is invalid", err)
	case errors.Is(err, signer.ErrSigningFailed):
		return apperrors.New(apperrors.ErrSigningFailed, "failed to sign typed data", err)
	default:
		return apperrors.New(apperrors.ErrInternal, "internal error", err)
	}
}
