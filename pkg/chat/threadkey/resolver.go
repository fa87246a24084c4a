// Package threadkey derives canonical identifiers for unordered account pairs.
package threadkey

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/canopy-network/chatindex/pkg/chat/types"
)

// DefaultAddressPattern matches ledger addresses of the form U<digits>.
const DefaultAddressPattern = `^U[0-9]{1,25}$`

// publicKeyLen is the hex length of an ed25519 public key.
const publicKeyLen = 64

// Resolver validates addresses and builds thread keys.
type Resolver struct {
	pattern *regexp.Regexp
}

// New compiles pattern into a Resolver. An empty pattern uses DefaultAddressPattern.
func New(pattern string) (*Resolver, error) {
	if pattern == "" {
		pattern = DefaultAddressPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile address pattern %q: %w", pattern, err)
	}
	return &Resolver{pattern: re}, nil
}

// Default returns a Resolver using DefaultAddressPattern.
func Default() *Resolver {
	return &Resolver{pattern: regexp.MustCompile(DefaultAddressPattern)}
}

// ValidateAddress returns ErrInvalidAccount when address is empty or malformed.
func (r *Resolver) ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("%w: empty address", types.ErrInvalidAccount)
	}
	if strings.Contains(address, types.ThreadKeySeparator) || !r.pattern.MatchString(address) {
		return fmt.Errorf("%w: malformed address %q", types.ErrInvalidAccount, address)
	}
	return nil
}

// ValidatePublicKey accepts an empty key (unknown) or a 32-byte hex key.
func (r *Resolver) ValidatePublicKey(publicKey string) error {
	if publicKey == "" {
		return nil
	}
	if len(publicKey) != publicKeyLen {
		return fmt.Errorf("%w: public key must be %d hex chars", types.ErrInvalidAccount, publicKeyLen)
	}
	if _, err := hex.DecodeString(publicKey); err != nil {
		return fmt.Errorf("%w: public key is not hex", types.ErrInvalidAccount)
	}
	return nil
}

// Resolve returns the key of the pair {a, b}. Resolve(a, b) == Resolve(b, a).
func (r *Resolver) Resolve(a, b string) (types.ThreadKey, error) {
	if err := r.ValidateAddress(a); err != nil {
		return "", err
	}
	if err := r.ValidateAddress(b); err != nil {
		return "", err
	}
	if a == b {
		return "", fmt.Errorf("%w: %q cannot form a thread with itself", types.ErrInvalidAccount, a)
	}
	if b < a {
		a, b = b, a
	}
	return types.ThreadKey(a + types.ThreadKeySeparator + b), nil
}
