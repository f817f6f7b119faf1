package control

import (
	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/workflow"
)

// SignalHandler receives the cancel signal of a run. Cancellation is
// cooperative: the coordinator polls it at stage boundaries, and the stage in
// flight (if any) has its activity context cancelled so long stages can stop
// dispatching new work.
type SignalHandler struct {
	State  *WorkflowControlState
	Logger log.Logger

	// inflight cancels the context of the running stage. Temporal workflows
	// are cooperatively scheduled, so no locking is needed.
	inflight workflow.CancelFunc
}

// Setup registers the cancel signal channel and the control query.
func (h *SignalHandler) Setup(ctx workflow.Context) {
	h.State = &WorkflowControlState{}

	_ = workflow.SetQueryHandler(ctx, QueryControlState, func() (WorkflowControlState, error) {
		return *h.State, nil
	})

	cancelCh := workflow.GetSignalChannel(ctx, SignalCancel)
	workflow.Go(ctx, func(gCtx workflow.Context) {
		for {
			var req CancelRequest
			if more := cancelCh.Receive(gCtx, &req); !more {
				return
			}
			h.handleCancel(gCtx, req)
		}
	})
}

func (h *SignalHandler) handleCancel(ctx workflow.Context, req CancelRequest) {
	if h.State.IsCancelled {
		if h.Logger != nil {
			h.Logger.Debug("Already cancelled, ignoring")
		}
		return
	}
	h.State.IsCancelled = true
	h.State.CancelledAt = workflow.Now(ctx)
	h.State.CancelReason = req.Reason
	h.State.CancelledBy = req.RequestedBy
	if h.Logger != nil {
		h.Logger.Info("Cancel requested", "reason", req.Reason, "requested_by", req.RequestedBy)
	}
	if h.inflight != nil {
		h.inflight()
	}
}

// StageContext derives a cancellable context for one stage. The returned
// release func must be called when the stage settles.
func (h *SignalHandler) StageContext(ctx workflow.Context) (workflow.Context, func()) {
	stageCtx, cancel := workflow.WithCancel(ctx)
	h.inflight = cancel
	return stageCtx, func() {
		h.inflight = nil
		cancel()
	}
}

// CheckPoint reports whether the run must stop at this stage boundary.
func (h *SignalHandler) CheckPoint(ctx workflow.Context, checkpoint string) bool {
	if h.State == nil {
		return false
	}
	// Yield so that a signal delivered in the same task is processed first.
	_ = workflow.Sleep(ctx, 0)
	if h.State.IsCancelled && h.State.Checkpoint == "" {
		h.State.Checkpoint = checkpoint
	}
	return h.State.IsCancelled
}

// IsCancelled returns true if the run has been cancelled
func (h *SignalHandler) IsCancelled() bool {
	return h.State != nil && h.State.IsCancelled
}
