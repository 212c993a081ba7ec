// Package agentcontext recasts the process-wide globals of the
// original implementation (spec §9: "Global singletons" --
// s_isShuttingDown, g_rootkey_util_context, s_DiagnosticsDeviceName)
// as explicit state threaded through the façade by borrow, instead of
// package-level mutable variables.
package agentcontext

import (
	"crypto/rsa"
	"sync/atomic"

	"github.com/device-update/agent-core/pkg/apis/rootkey"
)

// Context is the single process-wide state every core component is
// given a reference to. It owns no behavior of its own; it exists so
// that "is the agent shutting down" and "what's the currently trusted
// root key package" have one home instead of being package-level
// singletons.
type Context struct {
	shuttingDown atomic.Bool
	cancelFlag   atomic.Bool

	// currentWorkflowID is published by the workflow engine while a
	// deployment is in flight and reset to "" when it ends. The §4.6
	// tie-break (a) rejection itself is decided by the engine from its
	// own status, not from this field.
	currentWorkflowID atomic.Value // string

	trust atomic.Pointer[rootkey.Package]

	// contentProtectionKey unwraps a Deployment's ContentProtection DEK
	// (spec §3, §9 "Decrypted key material"). Provisioned out of band,
	// the same way the root key package is: this context just gives it
	// one shared-read home.
	contentProtectionKey atomic.Pointer[rsa.PrivateKey]
}

// New returns a Context with no workflow in flight and no trust
// package loaded yet.
func New() *Context {
	c := &Context{}
	c.currentWorkflowID.Store("")
	return c
}

// RequestShutdown flips the shutdown flag. Subsequent calls are
// no-ops. Uses sequentially consistent atomics so the flip is visible
// across the worker and transport goroutines without a separate lock
// (spec §4.2's "memory ordering that guarantees visibility").
func (c *Context) RequestShutdown() { c.shuttingDown.Store(true) }

// IsShuttingDown reports whether RequestShutdown has been called.
func (c *Context) IsShuttingDown() bool { return c.shuttingDown.Load() }

// RequestCancel sets the cancel flag (§5 cancellation semantics). The
// workflow engine sets it when it processes a Cancel and clears it when
// a deployment starts or ends. Handlers are not given this Context
// (handler.WorkflowView carries no cancel flag), so a running handler
// does not observe it.
func (c *Context) RequestCancel() { c.cancelFlag.Store(true) }

// ClearCancel resets the cancel flag, called when a new deployment
// starts.
func (c *Context) ClearCancel() { c.cancelFlag.Store(false) }

// IsCancelRequested reports whether a cancel is pending.
func (c *Context) IsCancelRequested() bool { return c.cancelFlag.Load() }

// CurrentWorkflowID returns the workflowId of the in-flight deployment,
// or "" if idle.
func (c *Context) CurrentWorkflowID() string {
	return c.currentWorkflowID.Load().(string)
}

// SetCurrentWorkflowID records the in-flight deployment's id. Pass ""
// when returning to Idle.
func (c *Context) SetCurrentWorkflowID(id string) {
	c.currentWorkflowID.Store(id)
}

// TrustPackage returns the currently trusted root key package, or nil
// if none has been loaded yet.
func (c *Context) TrustPackage() *rootkey.Package {
	return c.trust.Load()
}

// SetTrustPackage atomically swaps in a new trusted root key package
// (spec §5 "shared-read, updates replace them atomically by pointer
// swap").
func (c *Context) SetTrustPackage(pkg *rootkey.Package) {
	c.trust.Store(pkg)
}

// ContentProtectionKey returns the device's content-protection private
// key, or nil if none has been provisioned.
func (c *Context) ContentProtectionKey() *rsa.PrivateKey {
	return c.contentProtectionKey.Load()
}

// SetContentProtectionKey installs the device's content-protection
// private key, used to unwrap a Deployment's ContentProtection DEK.
func (c *Context) SetContentProtectionKey(key *rsa.PrivateKey) {
	c.contentProtectionKey.Store(key)
}
