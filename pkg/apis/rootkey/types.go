// Package rootkey defines the signed root-key package that anchors the
// trust chain (spec §3, §4.3).
package rootkey

// Key is one RSA public root or signing key carried in a package.
type Key struct {
	Kid     string `json:"kid"`
	KeyType string `json:"keyType"`
	N       string `json:"n"` // base64url modulus, JWK convention
	E       string `json:"e"` // base64url exponent, JWK convention
}

// Protected is the signed body of a Package.
type Protected struct {
	Version            int      `json:"version"`
	PublishedTime      int64    `json:"publishedTime"`
	DisabledRootKeys   []string `json:"disabledRootKeys"`
	DisabledSigningKeys []string `json:"disabledSigningKeys"`
	RootKeys           []Key    `json:"rootKeys"`
}

// Signature is one signature over the canonical JSON encoding of
// Protected, produced by a key identified by Kid.
type Signature struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Sig string `json:"sig"` // base64url
}

// Package is the signed JSON bundle delivered over the root-key-package
// channel (§6(c)) and persisted to disk by the Trust Store.
type Package struct {
	ProtectedRaw []byte      `json:"-"`
	Protected    Protected   `json:"protected"`
	Signatures   []Signature `json:"signatures"`
}

// IsRootKeyDisabled reports whether kid appears in the disabled list.
func (p *Package) IsRootKeyDisabled(kid string) bool {
	for _, d := range p.Protected.DisabledRootKeys {
		if d == kid {
			return true
		}
	}
	return false
}

// FindRootKey returns the root key with the given kid, or nil.
func (p *Package) FindRootKey(kid string) *Key {
	for i := range p.Protected.RootKeys {
		if p.Protected.RootKeys[i].Kid == kid {
			return &p.Protected.RootKeys[i]
		}
	}
	return nil
}
