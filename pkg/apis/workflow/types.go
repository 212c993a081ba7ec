// Package workflow defines the states and reported shapes of the
// workflow state machine (spec §3, §4.6).
package workflow

// State is one of the canonical workflow states.
type State string

const (
	Idle                 State = "Idle"
	DeploymentInProgress State = "DeploymentInProgress"
	DownloadStarted      State = "DownloadStarted"
	DownloadSucceeded    State = "DownloadSucceeded"
	InstallStarted       State = "InstallStarted"
	InstallSucceeded     State = "InstallSucceeded"
	ApplyStarted         State = "ApplyStarted"
	ApplySucceeded       State = "ApplySucceeded"
	Failed               State = "Failed"
	Cancelled            State = "Cancelled"
)

// IsTerminal reports whether a state ends the deployment (modulo the
// final report + transition back to Idle).
func (s State) IsTerminal() bool {
	switch s {
	case ApplySucceeded, Failed, Cancelled:
		return true
	default:
		return false
	}
}

// RebootState tracks whether the device is expected to, or has,
// rebooted as part of an Apply.
type RebootState string

const (
	RebootStateNone     RebootState = ""
	RebootStateRebooting RebootState = "rebooting"
)

// AgentRestartState tracks whether the agent process itself restarted
// mid-workflow (as opposed to a system reboot).
type AgentRestartState string

const (
	AgentRestartStateNone     AgentRestartState = ""
	AgentRestartStateRestarted AgentRestartState = "restarted"
)

// Result is the outcome of a handler invocation or an internal
// decision, independent of the handler-specific extended code.
type Result struct {
	ResultCode         int    `json:"resultCode"`
	ExtendedResultCode int    `json:"extendedResultCode"`
	Message            string `json:"message,omitempty"`
}

// Status is the full in-memory and on-disk state of the single active
// workflow.
type Status struct {
	WorkflowStep      State             `json:"workflowStep"`
	LastResult        Result            `json:"lastResult"`
	ReportedState     State             `json:"reportedState"`
	SystemRebootState RebootState       `json:"systemRebootState"`
	AgentRestartState AgentRestartState `json:"agentRestartState"`
	ExpectedUpdateID  string            `json:"expectedUpdateId"`
	WorkflowID        string            `json:"workflowId"`
	UpdateType        string            `json:"updateType"`
	InstalledCriteria string            `json:"installedCriteria"`
	WorkFolder        string            `json:"workFolder"`
	RetryCount        int               `json:"retryCount"`
	NextAttemptAt     int64             `json:"nextAttemptAt"`
	// ReportingJSON is the last payload reported over the outbound
	// channel, kept for crash-recovery re-report (§5 ordering
	// guarantee).
	ReportingJSON string `json:"reportingJson,omitempty"`
}
