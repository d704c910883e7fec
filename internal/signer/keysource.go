package signer

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

var ErrInvalidKeySource = errors.New("invalid key source")

const (
	sourceEnv    = "env"
	sourceFile   = "file"
	sourceAWSKMS = "awskms"
)

// KMSDecrypter is the slice of the AWS KMS client used to unwrap an
// encrypted signer key.
type KMSDecrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KeyResolver turns a secret-store reference into a private key. Accepted
// references:
//
//	env:NAME             hex key in environment variable NAME
//	file:/path/to/key    hex key in a file
//	awskms:<base64>      KMS ciphertext whose plaintext is the hex key
//
// A bare key literal is refused.
type KeyResolver struct {
	lookupEnv func(string) (string, bool)
	readFile  func(string) ([]byte, error)
	awsRegion string
	kmsKeyID  string

	mu  sync.Mutex
	kms KMSDecrypter
}

type ResolverOption func(*KeyResolver)

func WithKMSClient(client KMSDecrypter) ResolverOption {
	return func(r *KeyResolver) { r.kms = client }
}

func WithAWSRegion(region string) ResolverOption {
	return func(r *KeyResolver) { r.awsRegion = region }
}

// WithKMSKeyID pins awskms decryption to one key.
func WithKMSKeyID(keyID string) ResolverOption {
	return func(r *KeyResolver) { r.kmsKeyID = keyID }
}

func WithEnvLookup(fn func(string) (string, bool)) ResolverOption {
	return func(r *KeyResolver) { r.lookupEnv = fn }
}

func WithFileReader(fn func(string) ([]byte, error)) ResolverOption {
	return func(r *KeyResolver) { r.readFile = fn }
}

func NewKeyResolver(opts ...ResolverOption) *KeyResolver {
	r := &KeyResolver{
		lookupEnv: os.LookupEnv,
		readFile:  os.ReadFile,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ParseKeySource splits "scheme:location" and checks the scheme.
func ParseKeySource(ref string) (scheme, location string, err error) {
	ref = strings.TrimSpace(ref)
	scheme, location, ok := strings.Cut(ref, ":")
	if !ok || location == "" {
		return "", "", fmt.Errorf("%w: expected scheme:location", ErrInvalidKeySource)
	}
	switch scheme {
	case sourceEnv, sourceFile, sourceAWSKMS:
		return scheme, location, nil
	}
	return "", "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidKeySource, scheme)
}

func (r *KeyResolver) Resolve(ctx context.Context, ref string) (*ecdsa.PrivateKey, error) {
	scheme, location, err := ParseKeySource(ref)
	if err != nil {
		return nil, err
	}

	var material string
	switch scheme {
	case sourceEnv:
		val, ok := r.lookupEnv(location)
		if !ok || strings.TrimSpace(val) == "" {
			return nil, fmt.Errorf("%w: environment variable %s is not set", ErrInvalidKeySource, location)
		}
		material = val
	case sourceFile:
		data, err := r.readFile(location)
		if err != nil {
			return nil, fmt.Errorf("%w: read key file: %v", ErrInvalidKeySource, err)
		}
		material = string(data)
	case sourceAWSKMS:
		plaintext, err := r.decryptKMS(ctx, location)
		if err != nil {
			return nil, err
		}
		material = string(plaintext)
	}

	key, err := ParsePrivateKey(material)
	if err != nil {
		return nil, fmt.Errorf("%w: %s source does not hold a valid key", ErrInvalidKeySource, scheme)
	}
	return key, nil
}

func (r *KeyResolver) decryptKMS(ctx context.Context, encoded string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: awskms ciphertext is not base64", ErrInvalidKeySource)
	}
	client, err := r.kmsClient(ctx)
	if err != nil {
		return nil, err
	}
	in := &kms.DecryptInput{CiphertextBlob: blob}
	if r.kmsKeyID != "" {
		in.KeyId = aws.String(r.kmsKeyID)
	}
	out, err := client.Decrypt(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("%w: kms decrypt: %v", ErrInvalidKeySource, err)
	}
	return out.Plaintext, nil
}

func (r *KeyResolver) kmsClient(ctx context.Context) (KMSDecrypter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.kms != nil {
		return r.kms, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if r.awsRegion != "" {
		opts = append(opts, awsconfig.WithRegion(r.awsRegion))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidKeySource, err)
	}
	r.kms = kms.NewFromConfig(cfg)
	return r.kms, nil
}

// Reload resolves ref and rotates s onto the new key.
func (s *Signer) Reload(ctx context.Context, resolver *KeyResolver, ref string) error {
	key, err := resolver.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	return s.Rotate(key)
}

// SourceBinding ties a signer to the key source it was loaded from.
type SourceBinding struct {
	signer   *Signer
	resolver *KeyResolver
	ref      string
}

func (s *Signer) BindSource(resolver *KeyResolver, ref string) SourceBinding {
	return SourceBinding{signer: s, resolver: resolver, ref: ref}
}

func (b SourceBinding) Reload(ctx context.Context) error {
	return b.signer.Reload(ctx, b.resolver, b.ref)
}
