package service

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var eip1271MagicValue = []byte{0x16, 0x26, 0xba, 0x7e}

const eip1271ABI = `[{"constant":true,"inputs":[{"name":"_hash","type":"bytes32"},{"name":"_signature","type":"bytes"}],"name":"isValidSignature","outputs":[{"name":"magicValue","type":"bytes4"}],"payable":false,"stateMutability":"view","type":"function"}]`

var parsedEIP1271 = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(eip1271ABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// EIP1271Verifier asks a smart-contract wallet whether it accepts a
// signature over a typed-data digest. Results are cached per
// (contract, digest, signature) for the configured TTL.
type EIP1271Verifier struct {
	caller   ethereum.ContractCaller
	mu       sync.Mutex
	cacheTTL time.Duration
	cache    map[string]cacheEntry
	timeout  time.Duration
	retries  int
	backoff  time.Duration
}

type cacheEntry struct {
	valid   bool
	expires time.Time
}

func NewEIP1271Verifier(caller ethereum.ContractCaller, ttl time.Duration, timeout time.Duration, retries int) *EIP1271Verifier {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &EIP1271Verifier{
		caller:   caller,
		cacheTTL: ttl,
		cache:    make(map[string]cacheEntry),
		timeout:  timeout,
		retries:  retries,
		backoff:  200 * time.Millisecond,
	}
}

func (v *EIP1271Verifier) Verify(ctx context.Context, contract common.Address, digest common.Hash, signature []byte) (bool, error) {
	if v.caller == nil {
		return false, fmt.Errorf("rpc client not configured")
	}
	cacheKey := v.cacheKey(contract, digest, signature)
	if hit, ok := v.cacheGet(cacheKey); ok {
		return hit, nil
	}

	data, err := parsedEIP1271.Pack("isValidSignature", [32]byte(digest), signature)
	if err != nil {
		return false, fmt.Errorf("failed to pack call data: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= v.retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, v.timeout)
		output, err := v.caller.CallContract(attemptCtx, ethereum.CallMsg{
			To:   &contract,
			Data: data,
		}, nil)
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("rpc call failed: %w", err)
			if !v.shouldRetry(ctx, attempt) {
				break
			}
			continue
		}
		// EOAs and non-conforming contracts return short or empty output.
		valid := len(output) >= 4 && bytes.Equal(output[:4], eip1271MagicValue)
		v.cacheSet(cacheKey, valid)
		return valid, nil
	}
	return false, lastErr
}

func (v *EIP1271Verifier) cacheKey(contract common.Address, digest common.Hash, signature []byte) string {
	return contract.Hex() + ":" + digest.Hex() + ":" + hexutil.Encode(signature)
}

func (v *EIP1271Verifier) cacheGet(key string) (bool, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	entry, ok := v.cache[key]
	if !ok {
		return false, false
	}
	if time.Now().After(entry.expires) {
		delete(v.cache, key)
		return false, false
	}
	return entry.valid, true
}

func (v *EIP1271Verifier) cacheSet(key string, valid bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache[key] = cacheEntry{
		valid:   valid,
		expires: time.Now().Add(v.cacheTTL),
	}
}

func (v *EIP1271Verifier) shouldRetry(ctx context.Context, attempt int) bool {
	if attempt >= v.retries {
		return false
	}
	timer := time.NewTimer(time.Duration(attempt+1) * v.backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
