// Package dekcontainer implements the zero-on-drop container for a
// decrypted content-encryption key (spec §3 ContentProtection, §9
// "Decrypted key material"). A DEK is unwrapped once per deployment,
// lives only on the worker's stack/heap, and must never be copied or
// leaked into a log line.
package dekcontainer

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/device-update/agent-core/pkg/apis/deployment"
)

// DEK holds decrypted key bytes. The zero value is not usable; build
// one with Unwrap. Callers must call Release when done with the key
// (further calls are no-ops), and must not retain the byte slice
// returned by Bytes past Release.
type DEK struct {
	mu     sync.Mutex
	bytes  []byte
	zeroed bool
}

// Unwrap RSA-OAEP-decrypts cp's encrypted DEK using priv, the private
// half of a key anchored by the device's root-of-trust chain. Only
// RSA-OAEP with SHA-256 is supported; any other declared algorithm is
// rejected rather than guessed at.
func Unwrap(cp *deployment.ContentProtection, priv *rsa.PrivateKey, encryptedDEK []byte) (*DEK, error) {
	if cp.Algorithm != "RSA-OAEP-256" {
		return nil, fmt.Errorf("dekcontainer: unsupported content protection algorithm %q", cp.Algorithm)
	}
	plain, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, encryptedDEK, nil)
	if err != nil {
		return nil, fmt.Errorf("dekcontainer: unwrapping DEK: %w", err)
	}
	expected := cp.KeyLengthBits / 8
	if expected > 0 && len(plain) != expected {
		zero(plain)
		return nil, fmt.Errorf("dekcontainer: unwrapped DEK length %d does not match declared %d bits", len(plain), cp.KeyLengthBits)
	}
	return &DEK{bytes: plain}, nil
}

// Bytes returns the decrypted key material. The returned slice aliases
// the container's internal buffer; callers must not retain it past
// Release and must not copy it into a new allocation that outlives the
// container (that would defeat the zero-on-drop guarantee).
func (d *DEK) Bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.zeroed {
		return nil
	}
	return d.bytes
}

// Release zeroes the key material. Safe to call more than once.
func (d *DEK) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.zeroed {
		return
	}
	zero(d.bytes)
	d.zeroed = true
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
