package workflowengine

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/device-update/agent-core/pkg/agentcontext"
	"github.com/device-update/agent-core/pkg/apis/deployment"
	"github.com/device-update/agent-core/pkg/apis/workflow"
	"github.com/device-update/agent-core/pkg/handler"
	"github.com/device-update/agent-core/pkg/persistence"
)

func TestWorkflowEngineSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Workflow Engine Suite")
}

var _ = Describe("Engine", func() {
	var (
		h        *fakeHandler
		e        *Engine
		reporter *fakeReporter
		tempDir  string
	)

	BeforeEach(func() {
		By("wiring an engine over a single swupdate handler")
		tempDir = GinkgoT().TempDir()
		h = newFakeHandler()

		store := persistence.New(filepath.Join(tempDir, "workflow_state.json"))
		actx := agentcontext.New()
		reporter = &fakeReporter{}
		plugins := handler.NewDownloadPlugins(nil)
		e = New(fakeResolver{"microsoft/swupdate:1": h}, plugins, store, actx, reporter, tempDir,
			WithClock(func() int64 { return math.MaxInt64 }))
	})

	Context("when a deployment with no files is accepted", func() {
		It("walks straight through install and apply to Idle", func() {
			h.installed = handler.NotInstalled

			d := deployment.Deployment{
				WorkflowID:        "w-suite-1",
				UpdateType:        "microsoft/swupdate:1",
				InstalledCriteria: "1.0.0",
			}

			accepted, err := e.StartDeployment(context.Background(), d)
			Expect(err).NotTo(HaveOccurred())
			Expect(accepted).To(BeTrue())

			Expect(reporter.states()).To(Equal([]workflow.State{
				workflow.DeploymentInProgress,
				workflow.DownloadStarted,
				workflow.DownloadSucceeded,
				workflow.InstallStarted,
				workflow.InstallSucceeded,
				workflow.ApplyStarted,
				workflow.ApplySucceeded,
				workflow.Idle,
			}))
		})
	})

	Context("when a second, distinct workflow arrives mid-flight", func() {
		It("is rejected until the in-flight workflow terminates", func() {
			h.download = handler.Fail(handler.FailureDownloadFailed, true, "transient")

			first := deployment.Deployment{WorkflowID: "w-suite-2", UpdateType: "microsoft/swupdate:1"}
			second := deployment.Deployment{WorkflowID: "w-suite-3", UpdateType: "microsoft/swupdate:1"}

			accepted, err := e.StartDeployment(context.Background(), first)
			Expect(err).NotTo(HaveOccurred())
			Expect(accepted).To(BeTrue())

			accepted, err = e.StartDeployment(context.Background(), second)
			Expect(err).NotTo(HaveOccurred())
			Expect(accepted).To(BeFalse())
		})
	})
})
