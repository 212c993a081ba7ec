//go:build !production

package main

import (
	"github.com/device-update/agent-core/pkg/apis/rootkey"
	"github.com/device-update/agent-core/pkg/trust"
)

// seedTrustPackage is only linked into non-production builds (spec
// §4.3, §9(iii)): when no root key package exists on disk yet, it
// seeds one from the compiled-in self-signed devtest anchor so the
// agent can exercise the pipeline without a real signing service. A
// production build tags this file out entirely and seedTrustPackage
// (in trust_bootstrap_production.go) always fails instead.
func seedTrustPackage() (*rootkey.Package, error) {
	return trust.NewDevTestPackage(1), nil
}
