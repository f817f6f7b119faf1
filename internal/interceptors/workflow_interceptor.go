package interceptors

import (
	"net/http"

	"go.temporal.io/sdk/activity"

	"github.com/Abby263/docugen/internal/tracing"
)

// Headers attached to every gateway request made from inside an activity.
const (
	HeaderWorkflowID = "X-Workflow-ID"
	HeaderRunID      = "X-Run-ID"
	HeaderStage      = "X-Docugen-Stage"
)

// WorkflowHTTPRoundTripper tags outgoing gateway requests with the workflow
// execution and activity that issued them, plus the W3C traceparent.
type WorkflowHTTPRoundTripper struct {
	base http.RoundTripper
}

// NewWorkflowHTTPRoundTripper wraps base, defaulting to http.DefaultTransport.
func NewWorkflowHTTPRoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &WorkflowHTTPRoundTripper{base: base}
}

// RoundTrip implements http.RoundTripper.
func (w *WorkflowHTTPRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	func() {
		// activity.GetInfo panics outside an activity (CLI, tests).
		defer func() { _ = recover() }()
		info := activity.GetInfo(req.Context())
		if info.WorkflowExecution.ID != "" {
			req.Header.Set(HeaderWorkflowID, info.WorkflowExecution.ID)
			req.Header.Set(HeaderRunID, info.WorkflowExecution.RunID)
			req.Header.Set(HeaderStage, info.ActivityType.Name)
		}
	}()
	tracing.InjectTraceparent(req.Context(), req)
	return w.base.RoundTrip(req)
}
