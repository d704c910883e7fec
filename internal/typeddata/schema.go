package typeddata

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Field is one member of a struct type. Order inside a Schema defines the
// encoding order and therefore the hash.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Schema struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// Built-in message kinds understood by the escrow contract.
var (
	ReleaseSchema = Schema{
		Name: "Release",
		Fields: []Field{
			{Name: "escrowAddress", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "token", Type: "address"},
			{Name: "amount", Type: "uint256"},
		},
	}

	OrderSchema = Schema{
		Name: "Order",
		Fields: []Field{
			{Name: "maker", Type: "address"},
			{Name: "taker", Type: "address"},
			{Name: "amount", Type: "uint256"},
			{Name: "price", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
			{Name: "expiry", Type: "uint256"},
		},
	}

	// SwapOrderSchema is the sell/buy token order shape. It is a separate
	// type from Order and hashes differently.
	SwapOrderSchema = Schema{
		Name: "SwapOrder",
		Fields: []Field{
			{Name: "maker", Type: "address"},
			{Name: "sellToken", Type: "address"},
			{Name: "buyToken", Type: "address"},
			{Name: "sellAmount", Type: "uint256"},
			{Name: "buyAmount", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
			{Name: "expiry", Type: "uint256"},
		},
	}
)

// Signature renders the EIP-712 encodeType string, e.g. "Release(address to,...)".
func (s Schema) Signature() string {
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		parts[i] = f.Type + " " + f.Name
	}
	return s.Name + "(" + strings.Join(parts, ",") + ")"
}

func (s Schema) clone() Schema {
	fields := make([]Field, len(s.Fields))
	copy(fields, s.Fields)
	return Schema{Name: s.Name, Fields: fields}
}

func (s Schema) apiTypes() []apitypes.Type {
	out := make([]apitypes.Type, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = apitypes.Type{Name: f.Name, Type: f.Type}
	}
	return out
}

func (s Schema) validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema name is required")
	}
	if s.Name == domainTypeName {
		return fmt.Errorf("schema name %q is reserved", s.Name)
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema %s has no fields", s.Name)
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema %s has a field without a name", s.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("schema %s declares field %q twice", s.Name, f.Name)
		}
		seen[f.Name] = struct{}{}
		if !supportedType(f.Type) {
			return fmt.Errorf("schema %s field %q has unsupported type %q", s.Name, f.Name, f.Type)
		}
	}
	return nil
}

func supportedType(t string) bool {
	switch t {
	case "address", "bool", "string", "bytes32":
		return true
	}
	_, ok := uintBits(t)
	return ok
}

// uintBits parses "uintN" into N.
func uintBits(t string) (int, bool) {
	if !strings.HasPrefix(t, "uint") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(t, "uint"))
	if err != nil || n < 8 || n > 256 || n%8 != 0 {
		return 0, false
	}
	return n, true
}

// Registry is the read-only set of message schemas for one deployment.
type Registry struct {
	schemas map[string]Schema
}

func NewRegistry(schemas ...Schema) (*Registry, error) {
	r := &Registry{schemas: make(map[string]Schema, len(schemas))}
	for _, s := range schemas {
		if err := s.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.schemas[s.Name]; dup {
			return nil, fmt.Errorf("schema %q registered twice", s.Name)
		}
		r.schemas[s.Name] = s.clone()
	}
	return r, nil
}

// DefaultRegistry holds Release, Order and SwapOrder.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(ReleaseSchema, OrderSchema, SwapOrderSchema)
	if err != nil {
		panic(err)
	}
	return r
}

// Schema returns a copy so callers cannot mutate the registry.
func (r *Registry) Schema(name string) (Schema, bool) {
	s, ok := r.schemas[name]
	if !ok {
		return Schema{}, false
	}
	return s.clone(), true
}

// Lookup is Schema with an ErrUnknownType error.
func (r *Registry) Lookup(name string) (Schema, error) {
	s, ok := r.Schema(name)
	if !ok {
		return Schema{}, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return s, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) All() []Schema {
	names := r.Names()
	out := make([]Schema, 0, len(names))
	for _, name := range names {
		out = append(out, r.schemas[name].clone())
	}
	return out
}
