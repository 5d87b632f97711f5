package provision

import (
	"time"

	"github.com/reindeer/friedn-agent/internal/failure"
)

// Phase is what the UI shows.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseWaiting Phase = "waiting"
	PhaseSuccess Phase = "success"
	PhaseFailure Phase = "failure"
)

// Status messages.
const (
	MessageWaiting     = "Hold a tag near the device"
	MessageSuccess     = "Tag written successfully"
	MessageProvisioned = "A friedn tag is set up."
)

// Status is one snapshot of the provisioning flow.
type Status struct {
	Phase   Phase  `json:"phase"`
	Message string `json:"message,omitempty"`
	// Reason is the failure kind when Phase is PhaseFailure.
	Reason        string    `json:"reason,omitempty"`
	Session       string    `json:"session"`
	HasWrittenTag bool      `json:"hasWrittenTag"`
	TagUID        string    `json:"tagUid,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Failed reports whether the status is a failure of the given kind.
func (s Status) Failed(kind failure.Kind) bool {
	return s.Phase == PhaseFailure && s.Reason == kind.String()
}

func idleStatus(hasWritten bool) Status {
	if hasWritten {
		return Status{Phase: PhaseSuccess, Message: MessageProvisioned, HasWrittenTag: true}
	}
	return Status{Phase: PhaseIdle}
}

func failureStatus(kind failure.Kind) Status {
	return Status{Phase: PhaseFailure, Message: kind.Message(), Reason: kind.String()}
}
