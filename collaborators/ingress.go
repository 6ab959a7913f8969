package collaborators

import "context"

// Ingress documents the contract an HTTP layer would satisfy: a webhook
// endpoint validating an HMAC-SHA256 signature against changed-file
// payloads, and REST endpoints for execution submission/cancellation.
// Not implemented here — out of core scope per spec.md §1/§6.4. Kept as
// an interface so a future webhook/REST server can be wired against the
// bus without the core depending on any HTTP framework.
type Ingress interface {
	// EnqueueTestGenerationRequest is called once a webhook heuristically
	// decides the changed files affect UI, enqueuing TEST_GENERATION_REQUEST.
	EnqueueTestGenerationRequest(ctx context.Context, changedFiles []string) error

	// EnqueueExecutionRequest enqueues EXECUTION_REQUEST from a REST
	// execution-submission call.
	EnqueueExecutionRequest(ctx context.Context, payload map[string]interface{}) error

	// EnqueueExecutionCancel enqueues EXECUTION_CANCEL for executionID.
	EnqueueExecutionCancel(ctx context.Context, executionID string) error
}
