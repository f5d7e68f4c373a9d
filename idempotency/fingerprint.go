package idempotency

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
)

// hashConstructors maps a fingerprint algorithm name to a constructor for a
// fresh hash.Hash, mirroring the named-algorithm dispatch used elsewhere in
// the service layer for configurable crypto primitives.
var hashConstructors = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha512": sha512.New,
	"sha1":   sha1.New,
}

// RegisterHash adds or overrides a fingerprint algorithm by name. Intended
// for hosts that want a non-default digest without forking the package.
func RegisterHash(name string, constructor func() hash.Hash) {
	hashConstructors[name] = constructor
}

// SupportsHash reports whether algorithm is a known fingerprint algorithm.
func SupportsHash(algorithm string) bool {
	_, ok := hashConstructors[algorithm]
	return ok
}

// Fingerprint computes the canonical hex digest of payload under the named
// algorithm, per spec.md §4.2. encoding/json already serializes
// map[string]interface{} keys in sorted order at every depth and preserves
// slice order, which is exactly the canonicalization spec.md calls for:
// two payloads whose maps differ only in key insertion order at any depth
// marshal to byte-identical JSON, while array element order is significant.
func Fingerprint(payload interface{}, algorithm string) (string, error) {
	ctor, ok := hashConstructors[algorithm]
	if !ok {
		return "", fmt.Errorf("idempotency: unknown fingerprint algorithm %q", algorithm)
	}

	serialized, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("idempotency: serialize payload: %w", err)
	}

	h := ctor()
	h.Write(serialized)
	return hex.EncodeToString(h.Sum(nil)), nil
}
