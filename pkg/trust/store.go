// Package trust implements the root-key store of spec §4.3: loading,
// verifying, persisting, and anti-rollback-replacing the signed root
// key package that anchors every payload's trust chain.
//
// Signature verification is built on go-jose's JSON Web Key parsing
// (the same RSA-public-key JSON shape --kty/n/e/kid-- this package's
// Key type already uses) plus stdlib RSA-PKCS1v15/SHA256 verification
// for the "RS256" alg the package declares; atomic persistence is
// built on google/renameio, matching the teacher's own write-temp/
// fsync/rename idiom used for anything durable.
package trust

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/renameio/v2"
	"k8s.io/klog/v2"

	"github.com/device-update/agent-core/pkg/apis/rootkey"
)

// ErrMalformed is returned when a candidate package fails structural
// validation.
var ErrMalformed = fmt.Errorf("trust: malformed root key package")

// Load reads and parses the root key package at path. The package is
// structurally validated (every signature names a kid, every root key
// carries a modulus and exponent) but not verified against a trust
// anchor -- that is the caller's job via IsSignatureValid, since Load
// has no "current" package to verify against on first boot.
func Load(path string) (*rootkey.Package, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trust: read %s: %w", path, err)
	}
	return parse(raw)
}

func parse(raw []byte) (*rootkey.Package, error) {
	var envelope struct {
		Protected  json.RawMessage    `json:"protected"`
		Signatures []rootkey.Signature `json:"signatures"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var protected rootkey.Protected
	if err := json.Unmarshal(envelope.Protected, &protected); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(envelope.Signatures) == 0 {
		return nil, fmt.Errorf("%w: no signatures", ErrMalformed)
	}
	for _, sig := range envelope.Signatures {
		if sig.Kid == "" {
			return nil, fmt.Errorf("%w: signature missing kid", ErrMalformed)
		}
	}
	for _, rk := range protected.RootKeys {
		if rk.Kid == "" || rk.N == "" || rk.E == "" {
			return nil, fmt.Errorf("%w: root key missing kid/n/e", ErrMalformed)
		}
	}
	return &rootkey.Package{
		ProtectedRaw: []byte(envelope.Protected),
		Protected:    protected,
		Signatures:   envelope.Signatures,
	}, nil
}

// IsKeyDisabled reports whether keyId appears in pkg's disabled root
// key list (spec §4.3).
func IsKeyDisabled(pkg *rootkey.Package, keyID string) bool {
	return pkg.IsRootKeyDisabled(keyID)
}

// IsSignatureValid verifies sig over body using the root key sig.Kid
// names within pkg, provided that key is not disabled (§3 invariant
// 4, §4.3).
func IsSignatureValid(pkg *rootkey.Package, body []byte, sig rootkey.Signature) bool {
	if IsKeyDisabled(pkg, sig.Kid) {
		return false
	}
	rk := pkg.FindRootKey(sig.Kid)
	if rk == nil {
		return false
	}
	pub, err := toRSAPublicKey(*rk)
	if err != nil {
		klog.V(4).Infof("trust: root key %s is not a usable RSA key: %v", rk.Kid, err)
		return false
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(sig.Sig)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(body)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sigBytes); err != nil {
		return false
	}
	return true
}

// toRSAPublicKey decodes a Key's JWK-shaped n/e fields via go-jose's
// JSONWebKey unmarshaling, then extracts the *rsa.PublicKey.
func toRSAPublicKey(k rootkey.Key) (*rsa.PublicKey, error) {
	jwkJSON, err := json.Marshal(map[string]string{
		"kty": "RSA",
		"n":   k.N,
		"e":   k.E,
		"kid": k.Kid,
	})
	if err != nil {
		return nil, err
	}
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(jwkJSON); err != nil {
		return nil, fmt.Errorf("parsing JWK: %w", err)
	}
	pub, ok := jwk.Key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is not RSA")
	}
	return pub, nil
}

// WriteAtomically writes pkg to path via a temp file, fsync, and
// rename, so a crash mid-write never leaves a partially-written
// package on disk (used during rotation, §4.3).
func WriteAtomically(pkg *rootkey.Package, path string) error {
	envelope := struct {
		Protected  json.RawMessage     `json:"protected"`
		Signatures []rootkey.Signature `json:"signatures"`
	}{
		Protected:  pkg.ProtectedRaw,
		Signatures: pkg.Signatures,
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("trust: marshal package: %w", err)
	}
	return renameio.WriteFile(path, raw, 0o644)
}

// ReplaceIfNewer implements the anti-rollback rule (§4.3, §8): a
// candidate package only replaces current if its version is strictly
// greater AND its signature verifies under current's trust set. It
// returns the package that should now be considered current.
func ReplaceIfNewer(current, candidate *rootkey.Package) (*rootkey.Package, error) {
	if candidate.Protected.Version <= current.Protected.Version {
		return current, fmt.Errorf("trust: candidate version %d is not newer than current version %d",
			candidate.Protected.Version, current.Protected.Version)
	}
	if !anySignatureValid(current, candidate) {
		return current, fmt.Errorf("trust: candidate package signature does not verify under current trust set")
	}
	return candidate, nil
}

func anySignatureValid(trustAnchor, candidate *rootkey.Package) bool {
	for _, sig := range candidate.Signatures {
		if IsSignatureValid(trustAnchor, candidate.ProtectedRaw, sig) {
			return true
		}
	}
	return false
}
