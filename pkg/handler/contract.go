// Package handler implements the handler registry and download plugin
// layer of spec §4.5: resolving an updateType to a loaded Handler,
// watching the registration file for changes, and consulting the
// download plugin layer before falling back to direct download.
package handler

import (
	"context"

	"github.com/device-update/agent-core/pkg/apis/deployment"
)

// Outcome classifies the result of a handler operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// FailureKind names the specific way a handler operation failed, per
// the table in spec §4.5.
type FailureKind string

const (
	FailureNone               FailureKind = ""
	FailureDownloadFailed     FailureKind = "download-failed"
	FailureVerificationFailed FailureKind = "verification-failed"
	FailureBackupFailed       FailureKind = "backup-failed"
	FailureInstallFailed      FailureKind = "install-failed"
	FailureApplyFailed        FailureKind = "apply-failed"
	FailureRebootRequired     FailureKind = "reboot-required"
	FailureRestoreFailed      FailureKind = "restore-failed"
)

// InstalledState is IsInstalled's three-valued result.
type InstalledState string

const (
	Installed    InstalledState = "installed"
	NotInstalled InstalledState = "not-installed"
	Unknown      InstalledState = "unknown"
)

// Result is returned by every mutating Handler operation.
type Result struct {
	Outcome Outcome
	Failure FailureKind
	// Transient reports whether the failure should be retried under
	// the phase's retry policy (spec §4.6: "transient failure ->
	// retry") rather than failing the deployment outright ("fatal
	// failure -> Failed"). The same FailureKind can be either,
	// depending on the underlying cause -- a download can fail
	// transiently (network blip) or fatally (404, disk full) -- so the
	// distinction lives on the Result, not the kind.
	Transient bool
	// ExtendedCode is the extendedResultCode reported over the
	// outbound channel (spec.md:157,168). Fail derives a stable,
	// nonzero default from kind; a handler with a more specific
	// diagnostic code can override it directly on the returned Result.
	ExtendedCode int
	Message      string
}

func Success() Result { return Result{Outcome: OutcomeSuccess} }

// Fail builds a failed Result. transient selects which edge of spec
// §4.6's two-way failure branch the caller should take; ExtendedCode
// is seeded from kind and may be overridden by the caller for a more
// specific diagnostic code.
func Fail(kind FailureKind, transient bool, message string) Result {
	return Result{Outcome: OutcomeFailed, Failure: kind, Transient: transient, ExtendedCode: kind.ExtendedCode(), Message: message}
}

// ExtendedCode returns the stable nonzero extendedResultCode reported
// over the outbound channel for failures of this kind (spec.md:157,
// 168), so a failure report is distinguishable by cause even when the
// handler itself supplies no more specific diagnostic code.
func (k FailureKind) ExtendedCode() int {
	switch k {
	case FailureDownloadFailed:
		return 100
	case FailureVerificationFailed:
		return 101
	case FailureBackupFailed:
		return 102
	case FailureInstallFailed:
		return 103
	case FailureApplyFailed:
		return 104
	case FailureRebootRequired:
		return 105
	case FailureRestoreFailed:
		return 106
	default:
		return 0
	}
}

// WorkflowView is the read-only view of the in-progress deployment a
// Handler is given; it never exposes workflow engine internals, only
// what a handler needs to do its job.
type WorkflowView struct {
	WorkflowID        string
	UpdateType        string
	InstalledCriteria string
	SandboxDir        string
	Files             []deployment.FileEntity
	// Provider is the deployment's updateId.provider (spec §3), not
	// the updateType's handler-family prefix; the download plugin
	// layer uses it to key source cache lookups (spec §4.4).
	Provider string
}

// Handler is the per-updateType plugin contract (spec §4.5 table).
// Every method may block; callers invoke handlers from the single
// worker thread only.
type Handler interface {
	Download(ctx context.Context, wf WorkflowView) Result
	Backup(ctx context.Context, wf WorkflowView) Result
	Install(ctx context.Context, wf WorkflowView) Result
	Apply(ctx context.Context, wf WorkflowView) Result
	Cancel(ctx context.Context, wf WorkflowView) Result
	Restore(ctx context.Context, wf WorkflowView) Result
	IsInstalled(ctx context.Context, wf WorkflowView) InstalledState
}
