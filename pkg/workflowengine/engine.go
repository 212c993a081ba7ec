// Package workflowengine implements the state machine of spec §4.6:
// the heart of the core, driving a single deployment through its
// phases, invoking handlers, persisting a checkpoint before every
// reported side effect, and applying retry policy per phase.
//
// Handler invocations are routed through a per-updateType
// sony/gobreaker circuit breaker so a handler that fails the same way
// across repeated deployments trips the breaker and short-circuits
// straight to a fatal Failed transition, instead of re-running the
// same bounded in-deployment retry count against a handler that keeps
// failing the same way every time it is invoked.
package workflowengine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"k8s.io/klog/v2"

	"github.com/device-update/agent-core/pkg/aduerr"
	"github.com/device-update/agent-core/pkg/agentcontext"
	"github.com/device-update/agent-core/pkg/apis/deployment"
	"github.com/device-update/agent-core/pkg/apis/report"
	"github.com/device-update/agent-core/pkg/apis/workflow"
	"github.com/device-update/agent-core/pkg/dekcontainer"
	"github.com/device-update/agent-core/pkg/handler"
	"github.com/device-update/agent-core/pkg/metrics"
	"github.com/device-update/agent-core/pkg/persistence"
	"github.com/device-update/agent-core/pkg/retry"
)

// maxVerificationRetries bounds hash-mismatch retries before a
// download is given up on as fatal (spec §7 VerificationError,
// §8 scenario 3).
const maxVerificationRetries = 3

// HandlerResolver resolves an updateType to a Handler. Satisfied by
// *handler.Registry; a narrow interface so tests can substitute a
// static map instead of standing up a registration file.
type HandlerResolver interface {
	Resolve(updateType string) (handler.Handler, bool)
}

// Reporter is the outbound reported-properties channel of spec §6(b).
type Reporter interface {
	Report(ctx context.Context, props report.Properties) error
}

// Clock lets tests control NextAttemptAt / retry-due comparisons.
type Clock func() int64

// Engine drives the single in-flight deployment. At most one
// Deployment is ever active (spec §3 invariant 1); that invariant is
// enforced by StartDeployment checking the engine's own status, and
// the in-flight workflowId is published to agentcontext.Context.
type Engine struct {
	resolver HandlerResolver
	plugins  *handler.DownloadPlugins
	store    *persistence.Store
	actx     *agentcontext.Context
	reporter Reporter
	sandboxRoot string
	now      Clock

	mu       sync.Mutex
	status   workflow.Status
	current  *deployment.Deployment

	breakers   map[string]*gobreaker.CircuitBreaker
	breakersMu sync.Mutex
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithClock overrides the engine's time source; tests use this to
// make retry-due comparisons deterministic.
func WithClock(now Clock) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an Engine. sandboxRoot is the base of the per-deployment
// download sandboxes (spec §6 filesystem layout,
// /var/lib/adu/downloads/<workflowId>/).
func New(resolver HandlerResolver, plugins *handler.DownloadPlugins, store *persistence.Store, actx *agentcontext.Context, reporter Reporter, sandboxRoot string, opts ...Option) *Engine {
	e := &Engine{
		resolver:    resolver,
		plugins:     plugins,
		store:       store,
		actx:        actx,
		reporter:    reporter,
		sandboxRoot: sandboxRoot,
		now:         func() int64 { return time.Now().Unix() },
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resume reads the persisted checkpoint at startup (spec §4.7). If
// none exists the engine starts Idle. If the persisted state is
// ApplyStarted with SystemRebootState=rebooting, it re-evaluates
// IsInstalled against the persisted installedCriteria (§4.6 tie-break
// b, §8 scenario 4) without re-running Download/Install.
func (e *Engine) Resume(ctx context.Context) error {
	status, ok, err := e.store.Deserialize()
	if err != nil {
		return aduerr.New(aduerr.KindConfig, err)
	}
	if !ok {
		e.mu.Lock()
		e.status = workflow.Status{WorkflowStep: workflow.Idle}
		e.mu.Unlock()
		return nil
	}

	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
	e.actx.SetCurrentWorkflowID(status.WorkflowID)

	if status.WorkflowStep == workflow.ApplyStarted && status.SystemRebootState == workflow.RebootStateRebooting {
		return e.driveFromCurrentState(ctx)
	}
	return nil
}

// StartDeployment implements spec §4.6's entry transition and §4.6
// tie-break (a): a distinct workflowId while non-Idle is rejected; the
// same workflowId is an idempotent no-op.
func (e *Engine) StartDeployment(ctx context.Context, d deployment.Deployment) (accepted bool, err error) {
	if d.WorkflowID == "" {
		d.WorkflowID = uuid.NewString()
		klog.V(2).Infof("workflowengine: cloud omitted workflowId, generated %s", d.WorkflowID)
	}

	e.mu.Lock()
	inFlight := e.status.WorkflowStep != workflow.Idle && e.status.WorkflowStep != ""
	sameID := inFlight && e.status.WorkflowID == d.WorkflowID
	e.mu.Unlock()

	if inFlight && !sameID {
		klog.Warningf("workflowengine: rejecting deployment %s, %s already in progress", d.WorkflowID, e.status.WorkflowID)
		return false, nil
	}
	if sameID {
		klog.V(2).Infof("workflowengine: deployment %s already in progress, ignoring duplicate", d.WorkflowID)
		return true, nil
	}

	e.mu.Lock()
	e.current = &d
	e.status = workflow.Status{
		WorkflowStep:      workflow.DeploymentInProgress,
		WorkflowID:        d.WorkflowID,
		UpdateType:        d.UpdateType,
		InstalledCriteria: d.InstalledCriteria,
		ExpectedUpdateID:  d.UpdateID.String(),
		WorkFolder:        filepath.Join(e.sandboxRoot, d.WorkflowID),
	}
	e.mu.Unlock()
	e.actx.SetCurrentWorkflowID(d.WorkflowID)
	e.actx.ClearCancel()

	if err := e.persistAndReport(ctx, nil); err != nil {
		return true, err
	}
	return true, e.driveFromCurrentState(ctx)
}

// Cancel implements spec §4.6 Cancel and §5's cancellation semantics:
// cooperative, via the shared cancel flag, except that a reboot
// request already persisted is not cancellable.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	e.mu.Lock()
	matches := e.status.WorkflowID == workflowID
	terminal := e.status.WorkflowStep.IsTerminal() || e.status.WorkflowStep == workflow.Idle
	rebooting := e.status.WorkflowStep == workflow.ApplyStarted && e.status.SystemRebootState == workflow.RebootStateRebooting
	e.mu.Unlock()

	if !matches || terminal {
		return nil
	}
	if rebooting {
		klog.V(2).Infof("workflowengine: cancel of %s ignored, reboot already persisted", workflowID)
		return nil
	}

	e.actx.RequestCancel()
	h, ok := e.currentHandler()
	if ok {
		h.Cancel(ctx, e.currentView())
	}
	return e.finishTerminal(ctx, workflow.Cancelled, resultForError(aduerr.KindCancelRequested, "cancelled"), nil)
}

// Tick implements spec §4.8: drives time-based retries by comparing
// the persisted NextAttemptAt to now.
func (e *Engine) Tick(ctx context.Context) error {
	e.mu.Lock()
	step := e.status.WorkflowStep
	due := e.status.NextAttemptAt
	e.mu.Unlock()

	if step == workflow.Idle || step.IsTerminal() {
		return nil
	}
	if due > e.now() {
		return nil
	}
	return e.driveFromCurrentState(ctx)
}

// driveFromCurrentState runs phases forward until the workflow reaches
// Idle, a retry wait, or a persisted reboot request.
func (e *Engine) driveFromCurrentState(ctx context.Context) error {
	for {
		e.mu.Lock()
		step := e.status.WorkflowStep
		e.mu.Unlock()

		if e.actx.IsShuttingDown() {
			return nil
		}

		var again bool
		var err error
		switch step {
		case workflow.DeploymentInProgress:
			again, err = e.stepCheckInstalled(ctx)
		case workflow.DownloadStarted:
			again, err = e.stepDownload(ctx)
		case workflow.DownloadSucceeded:
			again, err = e.advanceTo(ctx, workflow.InstallStarted)
		case workflow.InstallStarted:
			again, err = e.stepInstall(ctx)
		case workflow.InstallSucceeded:
			again, err = e.advanceTo(ctx, workflow.ApplyStarted)
		case workflow.ApplyStarted:
			again, err = e.stepApply(ctx)
		case workflow.Failed, workflow.Cancelled:
			return nil
		default:
			return nil
		}
		if err != nil {
			return err
		}
		if !again {
			return nil
		}
	}
}

func (e *Engine) stepCheckInstalled(ctx context.Context) (again bool, err error) {
	h, ok := e.currentHandler()
	if !ok {
		return false, e.finishTerminal(ctx, workflow.Failed, resultForError(aduerr.KindHandler, "no handler for "+e.status.UpdateType), nil)
	}
	state := h.IsInstalled(ctx, e.currentView())
	if state == handler.Installed {
		return false, e.finishTerminal(ctx, workflow.ApplySucceeded, workflow.Result{}, e.updateIDForReport())
	}
	return true, e.advanceToNoCheck(ctx, workflow.DownloadStarted)
}

func (e *Engine) stepDownload(ctx context.Context) (again bool, err error) {
	h, ok := e.currentHandler()
	if !ok {
		return false, e.finishTerminal(ctx, workflow.Failed, resultForError(aduerr.KindHandler, "no handler"), nil)
	}
	d := e.currentDeployment()
	sandboxDir := e.status.WorkFolder
	if err := os.MkdirAll(sandboxDir, 0o755); err != nil {
		return false, e.finishTerminal(ctx, workflow.Failed, resultForError(aduerr.KindConfig, err.Error()), nil)
	}

	outcome := e.callBreaker(d.UpdateType, "download", func() handler.Result {
		return e.downloadAllFiles(ctx, h, d, sandboxDir)
	})

	if outcome.Outcome == handler.OutcomeSuccess {
		if d.ContentProtection != nil {
			if err := e.unwrapContentProtectionDEK(d.ContentProtection); err != nil {
				return e.handlePhaseFailure(ctx, handler.Fail(handler.FailureVerificationFailed, aduerr.IsTransient(err), err.Error()), retry.NetworkPolicy, maxVerificationRetries)
			}
		}
		if err := e.transition(ctx, workflow.DownloadSucceeded, workflow.Result{}); err != nil {
			return false, err
		}
		return true, nil
	}
	return e.handlePhaseFailure(ctx, outcome, retry.NetworkPolicy, maxVerificationRetries)
}

// unwrapContentProtectionDEK decrypts a Deployment's content-protection
// DEK using the device's provisioned private key and immediately
// releases it (spec §9 "decrypted DEK is kept only in memory and
// zeroed on release"). The core's obligation ends at making the key
// available; using it to decrypt a handler's specific payload format
// is handler-specific, the same way the delta patch algorithm is
// (spec §1 Non-goal).
func (e *Engine) unwrapContentProtectionDEK(cp *deployment.ContentProtection) error {
	key := e.actx.ContentProtectionKey()
	if key == nil {
		return aduerr.Newf(aduerr.KindConfig, "content-protected deployment but no content-protection key is provisioned")
	}
	encryptedDEK, err := base64.StdEncoding.DecodeString(cp.EncryptedDEK)
	if err != nil {
		return aduerr.New(aduerr.KindConfig, fmt.Errorf("decoding encrypted DEK: %w", err))
	}
	dek, err := dekcontainer.Unwrap(cp, key, encryptedDEK)
	if err != nil {
		return aduerr.New(aduerr.KindTrust, err)
	}
	defer dek.Release()
	klog.V(4).Infof("workflowengine: unwrapped %d-byte content-protection DEK", len(dek.Bytes()))
	return nil
}

// downloadAllFiles consults the download plugin layer per file first
// (spec §4.5), falls back to the handler's direct download for any
// file the plugins did not handle, then hash-verifies every file
// (spec §3 invariant 3) before the phase is allowed to succeed.
func (e *Engine) downloadAllFiles(ctx context.Context, h handler.Handler, d *deployment.Deployment, sandboxDir string) handler.Result {
	view := e.currentView()
	var needsDirect bool
	for i, f := range d.Files {
		if f.DownloadHandlerID == "" {
			needsDirect = true
			continue
		}
		plugin, ok := e.plugins.Resolve(f.DownloadHandlerID)
		if !ok {
			needsDirect = true
			continue
		}
		outcome, err := plugin.ProcessUpdate(ctx, view, i, sandboxDir)
		switch outcome {
		case handler.DownloadHandled:
			continue
		case handler.DownloadFallback:
			needsDirect = true
		case handler.DownloadFailed:
			return handler.Fail(handler.FailureDownloadFailed, true, fmt.Sprintf("plugin %s: %v", f.DownloadHandlerID, err))
		}
	}

	if needsDirect {
		if res := h.Download(ctx, view); res.Outcome != handler.OutcomeSuccess {
			return res
		}
	}

	for _, f := range d.Files {
		if err := verifyFileHash(sandboxDir, f); err != nil {
			os.Remove(filepath.Join(sandboxDir, f.TargetFilename))
			return handler.Fail(handler.FailureVerificationFailed, true, err.Error())
		}
	}
	return handler.Success()
}

// verifyFileHash checks the bytes at sandboxDir/f.TargetFilename
// against f's declared hashes (spec §3 invariant 3). Only the
// "sha256" hash type is checked: entries of other types are skipped,
// the first sha256 entry decides the result, and a file with no
// sha256 entry fails closed.
func verifyFileHash(sandboxDir string, f deployment.FileEntity) error {
	path := filepath.Join(sandboxDir, f.TargetFilename)
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening downloaded file %s: %w", f.TargetFilename, err)
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return fmt.Errorf("hashing %s: %w", f.TargetFilename, err)
	}
	sum := h.Sum(nil)

	for _, declared := range f.Hashes {
		if declared.Type != "sha256" {
			continue
		}
		want, err := base64.StdEncoding.DecodeString(declared.ValueBase64)
		if err != nil {
			return fmt.Errorf("decoding declared hash for %s: %w", f.TargetFilename, err)
		}
		if bytes.Equal(sum, want) {
			return nil
		}
		return fmt.Errorf("hash mismatch for %s", f.TargetFilename)
	}
	return fmt.Errorf("no supported declared hash for %s", f.TargetFilename)
}

func (e *Engine) stepInstall(ctx context.Context) (again bool, err error) {
	h, ok := e.currentHandler()
	if !ok {
		return false, e.finishTerminal(ctx, workflow.Failed, resultForError(aduerr.KindHandler, "no handler"), nil)
	}
	view := e.currentView()
	res := e.callBreaker(e.status.UpdateType, "install", func() handler.Result {
		return h.Install(ctx, view)
	})
	if res.Outcome == handler.OutcomeSuccess {
		if err := e.transition(ctx, workflow.InstallSucceeded, workflow.Result{}); err != nil {
			return false, err
		}
		return true, nil
	}
	return e.handlePhaseFailure(ctx, res, retry.NetworkPolicy, maxVerificationRetries)
}

func (e *Engine) stepApply(ctx context.Context) (again bool, err error) {
	h, ok := e.currentHandler()
	if !ok {
		return false, e.finishTerminal(ctx, workflow.Failed, resultForError(aduerr.KindHandler, "no handler"), nil)
	}

	e.mu.Lock()
	status := e.status
	e.mu.Unlock()
	if status.SystemRebootState == workflow.RebootStateRebooting {
		return e.stepApplyPostReboot(ctx, h, e.viewFor(status))
	}

	view := e.currentView()

	backup := e.callBreaker(e.status.UpdateType, "backup", func() handler.Result {
		return h.Backup(ctx, view)
	})
	if backup.Outcome != handler.OutcomeSuccess {
		return false, e.finishTerminal(ctx, workflow.Failed, resultFromHandler(backup), nil)
	}

	res := e.callBreaker(e.status.UpdateType, "apply", func() handler.Result {
		return h.Apply(ctx, view)
	})

	switch {
	case res.Outcome == handler.OutcomeSuccess:
		return e.finishApplySucceeded(ctx)
	case res.Failure == handler.FailureRebootRequired:
		e.mu.Lock()
		e.status.SystemRebootState = workflow.RebootStateRebooting
		e.mu.Unlock()
		return false, e.persistAndReport(ctx, nil)
	default:
		h.Restore(ctx, view)
		return false, e.finishTerminal(ctx, workflow.Failed, resultFromHandler(res), nil)
	}
}

// stepApplyPostReboot implements spec §4.6 tie-break (b): after a
// system reboot (SystemRebootState=rebooting, persisted by the
// reboot-required branch above), the machine re-evaluates IsInstalled
// against the persisted installedCriteria instead of re-running Apply.
// A not-installed result is retried under RebootPolicy -- a reboot
// loop is expensive to repeat, so this is deliberately more
// conservative than the download/install retry policies -- before the
// deployment is given up on as fatal.
func (e *Engine) stepApplyPostReboot(ctx context.Context, h handler.Handler, view handler.WorkflowView) (again bool, err error) {
	state := h.IsInstalled(ctx, view)
	if state == handler.Installed {
		e.mu.Lock()
		e.status.SystemRebootState = workflow.RebootStateNone
		expected := e.status.ExpectedUpdateID
		e.mu.Unlock()
		var updateID *deployment.UpdateId
		if parts := strings.SplitN(expected, "/", 3); len(parts) == 3 {
			updateID = &deployment.UpdateId{Provider: parts[0], Name: parts[1], Version: parts[2]}
		} else if expected != "" {
			updateID = &deployment.UpdateId{Version: expected}
		}
		return false, e.finishTerminal(ctx, workflow.ApplySucceeded, workflow.Result{}, updateID)
	}
	return e.handlePhaseFailure(ctx, handler.Fail(handler.FailureInstallFailed, true, "not installed after reboot"), retry.RebootPolicy, maxVerificationRetries)
}

// finishApplySucceeded runs any nested Steps depth-first (SPEC_FULL.md
// §3 addition) before the parent deployment is allowed to report
// ApplySucceeded, so a step's fatal failure still fails the parent
// before any success is ever reported.
func (e *Engine) finishApplySucceeded(ctx context.Context) (bool, error) {
	d := e.currentDeployment()
	if len(d.Steps) > 0 {
		if err := e.runStepsDepthFirst(ctx, d.Steps); err != nil {
			h, ok := e.currentHandler()
			if ok {
				h.Restore(ctx, e.currentView())
			}
			return false, e.finishTerminal(ctx, workflow.Failed, resultForError(aduerr.KindHandler, err.Error()), nil)
		}
	}
	if e.plugins != nil {
		e.plugins.NotifyAll(ctx, e.currentView())
	}
	return false, e.finishTerminal(ctx, workflow.ApplySucceeded, workflow.Result{}, e.updateIDForReport())
}

// runStepsDepthFirst applies SPEC_FULL.md's Steps addition: each step
// is driven through its own Download/Install/Apply using its own
// updateType's handler; a step's nested Steps are applied before the
// step itself is considered complete. The first failing step stops
// the walk and its error becomes the parent's fatal failure.
func (e *Engine) runStepsDepthFirst(ctx context.Context, steps []deployment.Deployment) error {
	for _, step := range steps {
		h, ok := e.resolver.Resolve(step.UpdateType)
		if !ok {
			return fmt.Errorf("no handler for step updateType %s", step.UpdateType)
		}
		sandboxDir := filepath.Join(e.status.WorkFolder, "steps", step.WorkflowID)
		if err := os.MkdirAll(sandboxDir, 0o755); err != nil {
			return err
		}
		view := handler.WorkflowView{
			WorkflowID:        step.WorkflowID,
			UpdateType:        step.UpdateType,
			InstalledCriteria: step.InstalledCriteria,
			SandboxDir:        sandboxDir,
			Files:             step.Files,
			Provider:          step.UpdateID.Provider,
		}
		if state := h.IsInstalled(ctx, view); state == handler.Installed {
			continue
		}
		if res := e.downloadAllFiles(ctx, h, &step, sandboxDir); res.Outcome != handler.OutcomeSuccess {
			return fmt.Errorf("step %s download: %s", step.WorkflowID, res.Message)
		}
		if res := h.Install(ctx, view); res.Outcome != handler.OutcomeSuccess {
			return fmt.Errorf("step %s install: %s", step.WorkflowID, res.Message)
		}
		if res := h.Apply(ctx, view); res.Outcome != handler.OutcomeSuccess {
			return fmt.Errorf("step %s apply: %s", step.WorkflowID, res.Message)
		}
		if len(step.Steps) > 0 {
			if err := e.runStepsDepthFirst(ctx, step.Steps); err != nil {
				return err
			}
		}
	}
	return nil
}

// handlePhaseFailure classifies a failed handler.Result per spec §4.6's
// two-way failure branch: res.Transient=false routes straight to
// Failed without consuming a retry slot (KindHandler's own doc: "the
// handler's extended result" decides retry-vs-fatal, not the caller
// guessing from the kind alone); res.Transient=true is retried under
// policy, up to maxRetries, before it too becomes fatal.
func (e *Engine) handlePhaseFailure(ctx context.Context, res handler.Result, policy retry.Policy, maxRetries int) (again bool, err error) {
	e.mu.Lock()
	updateType := e.status.UpdateType
	phase := string(e.status.WorkflowStep)
	e.mu.Unlock()

	if !res.Transient {
		klog.Warningf("workflowengine: %s/%s: fatal handler failure (%s): %s", updateType, phase, res.Failure, res.Message)
		return false, e.finishTerminal(ctx, workflow.Failed, resultFromHandler(res), nil)
	}

	e.mu.Lock()
	e.status.RetryCount++
	count := e.status.RetryCount
	e.mu.Unlock()
	metrics.ObserveRetry(updateType, phase)

	if count > maxRetries {
		return false, e.finishTerminal(ctx, workflow.Failed, resultFromHandler(res), nil)
	}

	next := retry.NextAttemptAt(count, policy)
	e.mu.Lock()
	e.status.NextAttemptAt = next
	e.status.LastResult = resultFromHandler(res)
	e.mu.Unlock()
	return false, e.persist()
}

// resultFromHandler converts a failed handler.Result into the
// reported workflow.Result shape: ResultCode is a generic nonzero
// failure marker, ExtendedResultCode carries the handler's specific
// diagnostic code so a failure report is distinguishable by cause
// instead of always reading as code 0 (spec.md:157,168).
func resultFromHandler(res handler.Result) workflow.Result {
	return workflow.Result{ResultCode: -1, ExtendedResultCode: res.ExtendedCode, Message: res.Message}
}

// resultForError builds a workflow.Result for an engine-internal
// failure that has no handler.Result of its own (no handler resolved,
// a sandbox directory that could not be created, a cancellation) --
// see aduerr.Kind.ExtendedCode.
func resultForError(kind aduerr.Kind, message string) workflow.Result {
	return workflow.Result{ResultCode: -1, ExtendedResultCode: kind.ExtendedCode(), Message: message}
}

// advanceTo transitions to next without re-running the prior phase's
// check and resets the retry counter (§4.6 tie-break c).
func (e *Engine) advanceTo(ctx context.Context, next workflow.State) (bool, error) {
	if err := e.transition(ctx, next, workflow.Result{}); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) advanceToNoCheck(ctx context.Context, next workflow.State) error {
	return e.transition(ctx, next, workflow.Result{})
}

// transition persists the new state before the caller's subsequent
// side effect is allowed to run (spec §5 ordering guarantee), then
// reports it, and resets the per-phase retry counter.
func (e *Engine) transition(ctx context.Context, next workflow.State, result workflow.Result) error {
	e.mu.Lock()
	e.status.WorkflowStep = next
	e.status.LastResult = result
	e.status.RetryCount = 0
	e.status.NextAttemptAt = 0
	e.mu.Unlock()
	metrics.ObserveState(next)
	return e.persistAndReport(ctx, nil)
}

func (e *Engine) persist() error {
	e.mu.Lock()
	status := e.status
	e.mu.Unlock()
	return e.store.Serialize(status)
}

// persistAndReport writes the checkpoint, then reports it over the
// outbound channel. Persistence happens fully before the report call
// is even attempted, satisfying spec §5's "persistence write happens-
// before the subsequent side effect observed by the cloud."
func (e *Engine) persistAndReport(ctx context.Context, installedUpdateID *deployment.UpdateId) error {
	if err := e.persist(); err != nil {
		return err
	}
	e.mu.Lock()
	props := report.Properties{
		WorkflowID:         e.status.WorkflowID,
		State:              e.status.WorkflowStep,
		ResultCode:         e.status.LastResult.ResultCode,
		ExtendedResultCode: e.status.LastResult.ExtendedResultCode,
		InstalledUpdateID:  installedUpdateID,
	}
	e.mu.Unlock()
	if e.reporter == nil {
		return nil
	}
	if err := e.reporter.Report(ctx, props); err != nil {
		klog.Errorf("workflowengine: reporting %s for %s: %v", props.State, props.WorkflowID, err)
		return err
	}
	return nil
}

// finishTerminal transitions to a terminal state, reports it, reports
// a final Idle, deletes the checkpoint, and releases the single-
// in-flight-deployment slot.
func (e *Engine) finishTerminal(ctx context.Context, state workflow.State, result workflow.Result, installedUpdateID *deployment.UpdateId) error {
	e.mu.Lock()
	e.status.WorkflowStep = state
	e.status.LastResult = result
	e.mu.Unlock()
	metrics.ObserveState(state)
	if err := e.persistAndReport(ctx, installedUpdateID); err != nil {
		return err
	}

	e.mu.Lock()
	e.status = workflow.Status{WorkflowStep: workflow.Idle}
	e.current = nil
	e.mu.Unlock()
	metrics.ObserveState(workflow.Idle)
	e.actx.SetCurrentWorkflowID("")
	e.actx.ClearCancel()

	if err := e.store.Delete(); err != nil {
		klog.Errorf("workflowengine: deleting checkpoint: %v", err)
	}
	if e.reporter == nil {
		return nil
	}
	return e.reporter.Report(ctx, report.Properties{State: workflow.Idle})
}

func (e *Engine) updateIDForReport() *deployment.UpdateId {
	d := e.currentDeployment()
	if d == nil {
		return nil
	}
	return &d.UpdateID
}

func (e *Engine) currentDeployment() *deployment.Deployment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

func (e *Engine) currentHandler() (handler.Handler, bool) {
	e.mu.Lock()
	updateType := e.status.UpdateType
	e.mu.Unlock()
	return e.resolver.Resolve(updateType)
}

func (e *Engine) currentView() handler.WorkflowView {
	e.mu.Lock()
	defer e.mu.Unlock()
	var files []deployment.FileEntity
	var provider string
	if e.current != nil {
		files = e.current.Files
		provider = e.current.UpdateID.Provider
	}
	return handler.WorkflowView{
		WorkflowID:        e.status.WorkflowID,
		UpdateType:        e.status.UpdateType,
		InstalledCriteria: e.status.InstalledCriteria,
		SandboxDir:        e.status.WorkFolder,
		Files:             files,
		Provider:          provider,
	}
}

func (e *Engine) viewFor(status workflow.Status) handler.WorkflowView {
	return handler.WorkflowView{
		WorkflowID:        status.WorkflowID,
		UpdateType:        status.UpdateType,
		InstalledCriteria: status.InstalledCriteria,
		SandboxDir:        status.WorkFolder,
	}
}

// breakerFor returns (creating if needed) the circuit breaker guarding
// handler invocations of updateType for the named phase. Each
// updateType/phase pair gets its own breaker so a tripped apply
// breaker doesn't block an unrelated install retry.
func (e *Engine) breakerFor(updateType, phase string) *gobreaker.CircuitBreaker {
	name := updateType + "/" + phase
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()
	if cb, ok := e.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			klog.Warningf("workflowengine: circuit breaker %s: %s -> %s", name, from, to)
		},
	})
	e.breakers[name] = cb
	return cb
}

// callBreaker executes call through updateType/phase's circuit
// breaker. A tripped breaker is reported back as a fatal handler
// failure so the caller's normal failure path (no further retries)
// applies: the breaker's effect is cross-deployment (five consecutive
// invocations failing across however many deployments trips it), not
// a replacement for the in-deployment retry bound handlePhaseFailure
// already enforces.
func (e *Engine) callBreaker(updateType, phase string, call func() handler.Result) handler.Result {
	cb := e.breakerFor(updateType, phase)
	out, err := cb.Execute(func() (interface{}, error) {
		res := call()
		if res.Outcome != handler.OutcomeSuccess {
			return res, fmt.Errorf("%s", res.Message)
		}
		return res, nil
	})
	var result handler.Result
	if err != nil {
		if out == nil {
			// The breaker itself rejected the call (open/half-open),
			// not the handler -- it already gave up after repeated
			// consecutive failures, so there is nothing left to gain
			// from yet another retry.
			result = handler.Fail(handler.FailureKind(phase+"-failed"), false, err.Error())
		} else {
			result = out.(handler.Result)
		}
	} else {
		result = out.(handler.Result)
	}
	metrics.ObserveHandlerInvocation(updateType, phase, string(result.Outcome))
	return result
}
