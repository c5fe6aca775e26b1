package models

// Outcome values reported for a handled message.
const (
	OutcomeCreated    = "created"
	OutcomeDeleted    = "deleted"
	OutcomeSkipped    = "skipped"
	OutcomeIgnored    = "ignored"
	OutcomeFailed     = "failed"
	OutcomeDeadLetter = "deadlettered"
)

// OutcomeEvent is published after each message is handled.
type OutcomeEvent struct {
	Event      string `json:"event"`
	InstanceID string `json:"instance_id,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
	VMName     string `json:"vm_name,omitempty"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	Time       int64  `json:"time"`
}
