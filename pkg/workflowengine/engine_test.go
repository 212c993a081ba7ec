package workflowengine

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/device-update/agent-core/pkg/agentcontext"
	"github.com/device-update/agent-core/pkg/apis/deployment"
	"github.com/device-update/agent-core/pkg/apis/report"
	"github.com/device-update/agent-core/pkg/apis/workflow"
	"github.com/device-update/agent-core/pkg/handler"
	"github.com/device-update/agent-core/pkg/persistence"
)

type fakeHandler struct {
	installed handler.InstalledState
	downloads map[string][]byte // targetFilename -> bytes the handler writes on Download
	download  handler.Result
	install   handler.Result
	backup    handler.Result
	apply     handler.Result

	calls []string
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		installed: handler.NotInstalled,
		downloads: map[string][]byte{},
		download:  handler.Success(),
		install:   handler.Success(),
		backup:    handler.Success(),
		apply:     handler.Success(),
	}
}

func (f *fakeHandler) Download(ctx context.Context, wf handler.WorkflowView) handler.Result {
	f.calls = append(f.calls, "Download")
	if f.download.Outcome != handler.OutcomeSuccess {
		return f.download
	}
	for name, content := range f.downloads {
		if err := os.WriteFile(filepath.Join(wf.SandboxDir, name), content, 0o644); err != nil {
			return handler.Fail(handler.FailureDownloadFailed, true, err.Error())
		}
	}
	return handler.Success()
}
func (f *fakeHandler) Backup(ctx context.Context, wf handler.WorkflowView) handler.Result {
	f.calls = append(f.calls, "Backup")
	return f.backup
}
func (f *fakeHandler) Install(ctx context.Context, wf handler.WorkflowView) handler.Result {
	f.calls = append(f.calls, "Install")
	return f.install
}
func (f *fakeHandler) Apply(ctx context.Context, wf handler.WorkflowView) handler.Result {
	f.calls = append(f.calls, "Apply")
	return f.apply
}
func (f *fakeHandler) Cancel(ctx context.Context, wf handler.WorkflowView) handler.Result {
	f.calls = append(f.calls, "Cancel")
	return handler.Success()
}
func (f *fakeHandler) Restore(ctx context.Context, wf handler.WorkflowView) handler.Result {
	f.calls = append(f.calls, "Restore")
	return handler.Success()
}
func (f *fakeHandler) IsInstalled(ctx context.Context, wf handler.WorkflowView) handler.InstalledState {
	f.calls = append(f.calls, "IsInstalled")
	return f.installed
}

type fakeResolver map[string]handler.Handler

func (r fakeResolver) Resolve(updateType string) (handler.Handler, bool) {
	h, ok := r[updateType]
	return h, ok
}

type fakeReporter struct {
	reported []report.Properties
}

func (r *fakeReporter) Report(ctx context.Context, props report.Properties) error {
	r.reported = append(r.reported, props)
	return nil
}

func (r *fakeReporter) states() []workflow.State {
	states := make([]workflow.State, len(r.reported))
	for i, p := range r.reported {
		states[i] = p.State
	}
	return states
}

func sha256B64(b []byte) string {
	sum := sha256.Sum256(b)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func fileWithHash(name string, content []byte) (deployment.FileEntity, []byte) {
	return deployment.FileEntity{
		FileID:         "f1",
		TargetFilename: name,
		DownloadURI:    "https://example.invalid/" + name,
		Hashes: []deployment.HashEntry{
			{Type: "sha256", ValueBase64: sha256B64(content)},
		},
	}, content
}

func newTestEngine(t *testing.T, resolver fakeResolver) (*Engine, *fakeReporter) {
	t.Helper()
	store := persistence.New(filepath.Join(t.TempDir(), "workflow_state.json"))
	actx := agentcontext.New()
	reporter := &fakeReporter{}
	plugins := handler.NewDownloadPlugins(nil)
	e := New(resolver, plugins, store, actx, reporter, t.TempDir(), WithClock(func() int64 { return math.MaxInt64 }))
	return e, reporter
}

func TestEngine_HappyPathSwupdate(t *testing.T) {
	content := []byte("swupdate-payload-bytes")
	file, _ := fileWithHash("update.bin", content)

	h := newFakeHandler()
	h.downloads[file.TargetFilename] = content

	e, reporter := newTestEngine(t, fakeResolver{"microsoft/swupdate:1": h})

	d := deployment.Deployment{
		WorkflowID:        "w1",
		UpdateType:        "microsoft/swupdate:1",
		InstalledCriteria: "1.0.2",
		UpdateID:          deployment.UpdateId{Provider: "ms", Name: "fw", Version: "1.0.2"},
		Files:             []deployment.FileEntity{file},
	}

	accepted, err := e.StartDeployment(context.Background(), d)
	require.NoError(t, err)
	require.True(t, accepted)

	require.Equal(t, []workflow.State{
		workflow.DeploymentInProgress,
		workflow.DownloadStarted,
		workflow.DownloadSucceeded,
		workflow.InstallStarted,
		workflow.InstallSucceeded,
		workflow.ApplyStarted,
		workflow.ApplySucceeded,
		workflow.Idle,
	}, reporter.states())

	last := reporter.reported[len(reporter.reported)-2]
	require.Equal(t, workflow.ApplySucceeded, last.State)
	require.NotNil(t, last.InstalledUpdateID)
	require.Equal(t, "1.0.2", last.InstalledUpdateID.Version)
}

func TestEngine_IdempotentReapplySkipsHandlerMutations(t *testing.T) {
	h := newFakeHandler()
	h.installed = handler.Installed

	e, reporter := newTestEngine(t, fakeResolver{"microsoft/swupdate:1": h})
	d := deployment.Deployment{
		WorkflowID:        "w2",
		UpdateType:        "microsoft/swupdate:1",
		InstalledCriteria: "1.0.2",
	}

	accepted, err := e.StartDeployment(context.Background(), d)
	require.NoError(t, err)
	require.True(t, accepted)

	require.Equal(t, []workflow.State{
		workflow.DeploymentInProgress,
		workflow.ApplySucceeded,
		workflow.Idle,
	}, reporter.states())

	for _, call := range h.calls {
		require.NotEqual(t, "Download", call)
		require.NotEqual(t, "Install", call)
		require.NotEqual(t, "Apply", call)
	}
}

func TestEngine_HashMismatchRetriesThenFails(t *testing.T) {
	content := []byte("correct-bytes")
	file, _ := fileWithHash("update.bin", content)

	h := newFakeHandler()
	h.downloads[file.TargetFilename] = []byte("wrong-bytes-entirely")

	e, reporter := newTestEngine(t, fakeResolver{"microsoft/swupdate:1": h})
	d := deployment.Deployment{
		WorkflowID: "w3",
		UpdateType: "microsoft/swupdate:1",
		Files:      []deployment.FileEntity{file},
	}

	_, err := e.StartDeployment(context.Background(), d)
	require.NoError(t, err)

	// One attempt already ran inside StartDeployment; three more Ticks
	// exhaust maxVerificationRetries and land on Failed.
	for i := 0; i < maxVerificationRetries; i++ {
		require.NoError(t, e.Tick(context.Background()))
	}

	states := reporter.states()
	require.Equal(t, workflow.Failed, states[len(states)-2])
	require.Equal(t, workflow.Idle, states[len(states)-1])
}

func TestEngine_RejectsDistinctWorkflowIDWhileInProgress(t *testing.T) {
	first := deployment.Deployment{WorkflowID: "w4", UpdateType: "microsoft/swupdate:1"}
	second := deployment.Deployment{WorkflowID: "w5", UpdateType: "microsoft/swupdate:1"}

	// A handler whose Download always fails transiently parks the
	// workflow in DownloadStarted awaiting retry, so it stays in
	// flight long enough to observe the rejection of a second, distinct
	// workflowId (spec §3 invariant, §8 scenario).
	h := newFakeHandler()
	h.download = handler.Fail(handler.FailureDownloadFailed, true, "transient")
	e, _ := newTestEngine(t, fakeResolver{"microsoft/swupdate:1": h})

	accepted, err := e.StartDeployment(context.Background(), first)
	require.NoError(t, err)
	require.True(t, accepted)

	accepted, err = e.StartDeployment(context.Background(), second)
	require.NoError(t, err)
	require.False(t, accepted)

	accepted, err = e.StartDeployment(context.Background(), first)
	require.NoError(t, err)
	require.True(t, accepted)
}

func TestEngine_DeltaReuseViaDownloadPlugin(t *testing.T) {
	content := []byte("reconstructed-from-cache")
	file, _ := fileWithHash("update.bin", content)
	file.DownloadHandlerID = "delta-handler"
	file.RelatedFiles = []deployment.RelatedFile{{
		SourceHash: deployment.HashEntry{Type: "sha256", ValueBase64: sha256B64([]byte("source"))},
		HandlerID:  "delta-handler",
	}}

	h := newFakeHandler()
	// Download must never be called: the plugin handles the file.
	h.download = handler.Fail(handler.FailureDownloadFailed, true, "should not be called")

	plugin := &fakeDownloadPlugin{content: content}
	store := persistence.New(filepath.Join(t.TempDir(), "workflow_state.json"))
	actx := agentcontext.New()
	reporter := &fakeReporter{}
	plugins := handler.NewDownloadPlugins(map[string]handler.DownloadPlugin{"delta-handler": plugin})
	e := New(fakeResolver{"microsoft/swupdate:1": h}, plugins, store, actx, reporter, t.TempDir(), WithClock(func() int64 { return math.MaxInt64 }))

	d := deployment.Deployment{
		WorkflowID: "w6",
		UpdateType: "microsoft/swupdate:1",
		Files:      []deployment.FileEntity{file},
	}
	accepted, err := e.StartDeployment(context.Background(), d)
	require.NoError(t, err)
	require.True(t, accepted)

	require.True(t, plugin.called)
	for _, call := range h.calls {
		require.NotEqual(t, "Download", call)
	}
	require.Equal(t, workflow.Idle, reporter.states()[len(reporter.states())-1])
	require.Equal(t, workflow.ApplySucceeded, reporter.states()[len(reporter.states())-2])
}

type fakeDownloadPlugin struct {
	content []byte
	called  bool
}

func (p *fakeDownloadPlugin) ProcessUpdate(ctx context.Context, wf handler.WorkflowView, file int, sandboxDir string) (handler.DownloadOutcome, error) {
	p.called = true
	name := wf.Files[file].TargetFilename
	if err := os.WriteFile(filepath.Join(sandboxDir, name), p.content, 0o644); err != nil {
		return handler.DownloadFailed, err
	}
	return handler.DownloadHandled, nil
}

func (p *fakeDownloadPlugin) OnUpdateWorkflowCompleted(ctx context.Context, wf handler.WorkflowView) {}

func TestEngine_UnwrapsContentProtectionDEKOnDownload(t *testing.T) {
	content := []byte("swupdate-payload-bytes")
	file, _ := fileWithHash("update.bin", content)

	h := newFakeHandler()
	h.downloads[file.TargetFilename] = content

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	dek := make([]byte, 32)
	encryptedDEK, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &priv.PublicKey, dek, nil)
	require.NoError(t, err)

	store := persistence.New(filepath.Join(t.TempDir(), "workflow_state.json"))
	actx := agentcontext.New()
	actx.SetContentProtectionKey(priv)
	reporter := &fakeReporter{}
	plugins := handler.NewDownloadPlugins(nil)
	e := New(fakeResolver{"microsoft/swupdate:1": h}, plugins, store, actx, reporter, t.TempDir(), WithClock(func() int64 { return math.MaxInt64 }))

	d := deployment.Deployment{
		WorkflowID: "w8",
		UpdateType: "microsoft/swupdate:1",
		Files:      []deployment.FileEntity{file},
		ContentProtection: &deployment.ContentProtection{
			EncryptedDEK:  base64.StdEncoding.EncodeToString(encryptedDEK),
			Algorithm:     "RSA-OAEP-256",
			KeyLengthBits: 256,
		},
	}

	accepted, err := e.StartDeployment(context.Background(), d)
	require.NoError(t, err)
	require.True(t, accepted)
	require.Equal(t, workflow.Idle, reporter.states()[len(reporter.states())-1])
}

func TestEngine_ContentProtectionWithoutProvisionedKeyFails(t *testing.T) {
	content := []byte("swupdate-payload-bytes")
	file, _ := fileWithHash("update.bin", content)

	h := newFakeHandler()
	h.downloads[file.TargetFilename] = content

	e, reporter := newTestEngine(t, fakeResolver{"microsoft/swupdate:1": h})

	d := deployment.Deployment{
		WorkflowID: "w9",
		UpdateType: "microsoft/swupdate:1",
		Files:      []deployment.FileEntity{file},
		ContentProtection: &deployment.ContentProtection{
			EncryptedDEK: base64.StdEncoding.EncodeToString([]byte("not-actually-encrypted")),
		},
	}

	accepted, err := e.StartDeployment(context.Background(), d)
	require.NoError(t, err)
	require.True(t, accepted)

	for i := 0; i < maxVerificationRetries; i++ {
		require.NoError(t, e.Tick(context.Background()))
	}

	states := reporter.states()
	require.Contains(t, states, workflow.Failed)
}

func TestEngine_ResumeAfterRebootRequiredApply(t *testing.T) {
	h := newFakeHandler()
	h.installed = handler.Installed

	path := filepath.Join(t.TempDir(), "workflow_state.json")
	store := persistence.New(path)
	require.NoError(t, store.Serialize(workflow.Status{
		WorkflowStep:      workflow.ApplyStarted,
		SystemRebootState: workflow.RebootStateRebooting,
		WorkflowID:        "w7",
		UpdateType:        "microsoft/swupdate:1",
		InstalledCriteria: "2.0.0",
		ExpectedUpdateID:  "ms/fw/2.0.0",
	}))

	actx := agentcontext.New()
	reporter := &fakeReporter{}
	plugins := handler.NewDownloadPlugins(nil)
	e := New(fakeResolver{"microsoft/swupdate:1": h}, plugins, store, actx, reporter, t.TempDir())

	require.NoError(t, e.Resume(context.Background()))
	require.Equal(t, []workflow.State{workflow.ApplySucceeded, workflow.Idle}, reporter.states())
}

func TestEngine_FatalInstallFailureSkipsRetryAndReportsExtendedCode(t *testing.T) {
	content := []byte("swupdate-payload-bytes")
	file, _ := fileWithHash("update.bin", content)

	h := newFakeHandler()
	h.downloads[file.TargetFilename] = content
	h.install = handler.Fail(handler.FailureInstallFailed, false, "incompatible package")

	e, reporter := newTestEngine(t, fakeResolver{"microsoft/swupdate:1": h})
	d := deployment.Deployment{
		WorkflowID: "w-fatal-install",
		UpdateType: "microsoft/swupdate:1",
		Files:      []deployment.FileEntity{file},
	}

	accepted, err := e.StartDeployment(context.Background(), d)
	require.NoError(t, err)
	require.True(t, accepted)

	states := reporter.states()
	require.Equal(t, workflow.Failed, states[len(states)-2])
	require.Equal(t, workflow.Idle, states[len(states)-1])

	installCalls := 0
	for _, call := range h.calls {
		if call == "Install" {
			installCalls++
		}
	}
	require.Equal(t, 1, installCalls, "a fatal failure must not be retried")

	reported := reporter.reported
	require.Equal(t, handler.FailureInstallFailed.ExtendedCode(), reported[len(reported)-2].ExtendedResultCode)
	require.NotEqual(t, 0, reported[len(reported)-2].ResultCode)
}

func TestEngine_BackupRunsBeforeApplyAndFatalBackupFailureSkipsApply(t *testing.T) {
	h := newFakeHandler()
	h.installed = handler.NotInstalled
	h.apply = handler.Fail(handler.FailureApplyFailed, false, "should never run")
	h.backup = handler.Fail(handler.FailureBackupFailed, false, "no restore point available")

	e, reporter := newTestEngine(t, fakeResolver{"microsoft/swupdate:1": h})
	d := deployment.Deployment{WorkflowID: "w-backup-fail", UpdateType: "microsoft/swupdate:1"}

	accepted, err := e.StartDeployment(context.Background(), d)
	require.NoError(t, err)
	require.True(t, accepted)

	states := reporter.states()
	require.Equal(t, workflow.Failed, states[len(states)-2])

	for _, call := range h.calls {
		require.NotEqual(t, "Apply", call, "Apply must not run once Backup has failed")
	}
	require.Contains(t, h.calls, "Backup")
}

func TestEngine_BackupRunsBeforeApplyOnSuccess(t *testing.T) {
	h := newFakeHandler()
	h.installed = handler.NotInstalled

	e, reporter := newTestEngine(t, fakeResolver{"microsoft/swupdate:1": h})
	d := deployment.Deployment{WorkflowID: "w-backup-ok", UpdateType: "microsoft/swupdate:1"}

	accepted, err := e.StartDeployment(context.Background(), d)
	require.NoError(t, err)
	require.True(t, accepted)
	require.Equal(t, workflow.Idle, reporter.states()[len(reporter.states())-1])

	var backupIdx, applyIdx = -1, -1
	for i, call := range h.calls {
		if call == "Backup" {
			backupIdx = i
		}
		if call == "Apply" {
			applyIdx = i
		}
	}
	require.GreaterOrEqual(t, backupIdx, 0)
	require.GreaterOrEqual(t, applyIdx, 0)
	require.Less(t, backupIdx, applyIdx, "Backup must run before Apply")
}

func TestEngine_PostRebootNotInstalledRetriesUnderRebootPolicyThenFails(t *testing.T) {
	h := newFakeHandler()
	h.installed = handler.NotInstalled

	path := filepath.Join(t.TempDir(), "workflow_state.json")
	store := persistence.New(path)
	require.NoError(t, store.Serialize(workflow.Status{
		WorkflowStep:      workflow.ApplyStarted,
		SystemRebootState: workflow.RebootStateRebooting,
		WorkflowID:        "w-reboot-fail",
		UpdateType:        "microsoft/swupdate:1",
		InstalledCriteria: "2.0.0",
	}))

	actx := agentcontext.New()
	reporter := &fakeReporter{}
	plugins := handler.NewDownloadPlugins(nil)
	e := New(fakeResolver{"microsoft/swupdate:1": h}, plugins, store, actx, reporter, t.TempDir(),
		WithClock(func() int64 { return math.MaxInt64 }))

	require.NoError(t, e.Resume(context.Background()))
	for i := 0; i < maxVerificationRetries; i++ {
		require.NoError(t, e.Tick(context.Background()))
	}

	states := reporter.states()
	require.Equal(t, workflow.Failed, states[len(states)-2])
	require.Equal(t, workflow.Idle, states[len(states)-1])

	isInstalledCalls := 0
	for _, call := range h.calls {
		if call == "IsInstalled" {
			isInstalledCalls++
		}
	}
	require.Equal(t, maxVerificationRetries+1, isInstalledCalls)
}
