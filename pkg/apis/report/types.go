// Package report defines the outbound reported-properties shape (§6(b)).
package report

import (
	"github.com/device-update/agent-core/pkg/apis/deployment"
	"github.com/device-update/agent-core/pkg/apis/workflow"
)

// Properties is what the façade publishes to the cloud after every
// state transition, once persistence has been fsynced to disk.
type Properties struct {
	WorkflowID         string               `json:"workflowId"`
	State              workflow.State       `json:"state"`
	ResultCode         int                  `json:"resultCode"`
	ExtendedResultCode int                  `json:"extendedResultCode"`
	InstalledUpdateID  *deployment.UpdateId `json:"installedUpdateId,omitempty"`
}
