// Package cache implements the Response Cache (spec §4.C): a
// content-addressed, at-most-once-compute cache over non-subscription
// JSON-RPC calls. It is advisory — misses are always safe, and it must not
// cache error responses or subscription-management methods.
package cache

import (
	"crypto/subtle"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/adred-codev/rpcmux/internal/jsonrpc"
)

// Key is a cache key. It is either 32 bytes (blake2b-256, the default) or 8
// bytes (64-bit XXH64 via xxhash, the fast mode from spec §6), encoded as a
// fixed-width string so it can key a Go map directly.
type Key string

// Hasher turns a canonicalised request body into a Key. Swapping the
// implementation is the "xxhash on/off" configuration flag from spec §6.
type Hasher interface {
	Hash(canonical []byte) Key
}

// Blake2bHasher is the default 256-bit strong-hash mode. blake2b is the
// nearest real ecosystem equivalent to the BLAKE3 hash used by the Rust
// source, present in the corpus via golang.org/x/crypto.
type Blake2bHasher struct{}

func (Blake2bHasher) Hash(canonical []byte) Key {
	sum := blake2b.Sum256(canonical)
	return Key(sum[:])
}

// XXHasher is the fast 64-bit mode, lower collision resistance, permissible
// only for single-process caches (spec §6).
type XXHasher struct{}

func (XXHasher) Hash(canonical []byte) Key {
	sum := xxhash.Sum64(canonical)
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(sum >> (8 * i))
	}
	return Key(b)
}

// KeyFor computes the cache key for a request, per the normalisation rule
// in spec §3/§4.C: the id field must not perturb the key.
func KeyFor(h Hasher, req jsonrpc.Request) (Key, error) {
	canon, err := jsonrpc.Canonicalize(req)
	if err != nil {
		return "", err
	}
	return h.Hash(canon), nil
}

// Store is the byte-addressable KV contract the cache is built over. The
// authoritative storage backing it is an external collaborator per spec §1;
// Memory is the in-process implementation used when none is configured.
type Store interface {
	Get(key Key) ([]byte, bool)
	Put(key Key, value []byte)
}

// Memory is a concurrency-safe in-process Store. Concurrent Get/Put on the
// same key may interleave; a Get racing a Put for the same key may observe
// either the prior miss or the new value, which spec §4.C explicitly
// permits.
type Memory struct {
	mu sync.RWMutex
	m  map[Key][]byte
}

// NewMemory builds an empty in-process Store.
func NewMemory() *Memory {
	return &Memory{m: make(map[Key][]byte)}
}

func (c *Memory) Get(key Key) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *Memory) Put(key Key, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	c.m[key] = cp
}

// Equal does a constant-time comparison of two keys, useful for tests that
// want to assert on key stability without caring about the underlying hash
// algorithm.
func Equal(a, b Key) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// nonCacheableMethods are subscription-management calls that must never be
// served from, or written to, the cache (spec §4.C).
var nonCacheableMethods = map[string]bool{
	"eth_subscribe":   true,
	"eth_unsubscribe": true,
}

// Cacheable reports whether a request/response pair is eligible for the
// cache: the method isn't subscription management and the response carries
// no "error" field.
func Cacheable(method string, rawResponse []byte) bool {
	if nonCacheableMethods[method] {
		return false
	}
	return !jsonrpc.IsError(rawResponse)
}
