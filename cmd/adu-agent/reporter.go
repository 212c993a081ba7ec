package main

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/device-update/agent-core/pkg/apis/report"
)

// logReporter is a stand-in for the cloud transport's outbound
// reported-properties channel (spec §6(b)), which is an external
// collaborator out of scope for this core (spec §1). It satisfies
// workflowengine.Reporter so the engine can be wired up and run
// end-to-end without a real cloud connection; a production deployment
// replaces this with the device-twin-style transport binding.
type logReporter struct{}

func (logReporter) Report(_ context.Context, props report.Properties) error {
	klog.Infof("report: workflow=%s state=%s resultCode=%d extendedResultCode=%d installedUpdateId=%v",
		props.WorkflowID, props.State, props.ResultCode, props.ExtendedResultCode, props.InstalledUpdateID)
	return nil
}
