//go:build !production

// This file is compiled in only for non-production builds (the
// "devtest" default), per spec §4.3 / §9(iii): it gives agents built
// for development and CI a self-contained, self-signed root key
// package so they can exercise the update pipeline without reaching a
// real signing service. A production build tags out this file
// entirely, so the binary never ships a built-in trust anchor.
package trust

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/device-update/agent-core/pkg/apis/rootkey"
)

const devTestKeyID = "devtest-root-1"

var (
	devKeyOnce sync.Once
	devKey     *rsa.PrivateKey
)

func devTestKey() *rsa.PrivateKey {
	devKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(fmt.Sprintf("trust: generating devtest root key: %v", err))
		}
		devKey = k
	})
	return devKey
}

// NewDevTestPackage returns a freshly generated, self-signed root key
// package suitable for use as the initial trust anchor in development
// and CI, at the given version.
func NewDevTestPackage(version int) *rootkey.Package {
	priv := devTestKey()
	pub := &priv.PublicKey

	protected := rootkey.Protected{
		Version:       version,
		PublishedTime: 0,
		RootKeys: []rootkey.Key{{
			Kid:     devTestKeyID,
			KeyType: "RSA",
			N:       base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:       base64.RawURLEncoding.EncodeToString(big64(pub.E)),
		}},
	}
	protectedRaw, err := json.Marshal(protected)
	if err != nil {
		panic(fmt.Sprintf("trust: marshaling devtest protected body: %v", err))
	}

	digest := sha256.Sum256(protectedRaw)
	sigBytes, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		panic(fmt.Sprintf("trust: signing devtest package: %v", err))
	}

	return &rootkey.Package{
		ProtectedRaw: protectedRaw,
		Protected:    protected,
		Signatures: []rootkey.Signature{{
			Alg: "RS256",
			Kid: devTestKeyID,
			Sig: base64.RawURLEncoding.EncodeToString(sigBytes),
		}},
	}
}

func big64(e int) []byte {
	b := make([]byte, 0, 4)
	for e > 0 {
		b = append([]byte{byte(e & 0xff)}, b...)
		e >>= 8
	}
	if len(b) == 0 {
		b = []byte{0}
	}
	return b
}
