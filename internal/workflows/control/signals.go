package control

import "time"

// Signal and query names for run control
const (
	SignalCancel      = "cancel_v1"
	QueryControlState = "control_state_v1"
)

// CancelRequest is sent when cancelling a run
type CancelRequest struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}

// WorkflowControlState tracks cancellation for query handlers
type WorkflowControlState struct {
	IsCancelled  bool      `json:"is_cancelled"`
	CancelledAt  time.Time `json:"cancelled_at,omitempty"`
	CancelReason string    `json:"cancel_reason,omitempty"`
	CancelledBy  string    `json:"cancelled_by,omitempty"`
	// Checkpoint is the stage boundary at which cancellation was observed.
	Checkpoint string `json:"checkpoint,omitempty"`
}
