//go:build production

package main

import (
	"fmt"

	"github.com/device-update/agent-core/pkg/apis/rootkey"
)

// seedTrustPackage always fails in production builds: spec §9(iii)
// specifies the built-in test root keys are active only under a
// non-production build flag, so a production agent with no root key
// package already provisioned on disk has no trust anchor to start
// from and must fail fast rather than fall back to a dev key.
func seedTrustPackage() (*rootkey.Package, error) {
	return nil, fmt.Errorf("no root key package present and this is a production build: provision one out of band")
}
