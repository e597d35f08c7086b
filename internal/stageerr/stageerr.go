// Package stageerr defines the sentinel error kinds shared across stagehand's
// pipeline stages, and a small classifier so callers at the HTTP boundary can
// map any wrapped error back to a stable kind without string matching.
package stageerr

import "errors"

// Sentinel errors. Every package wraps these with fmt.Errorf("%w: ...") rather
// than minting new error values, so errors.Is works end to end from the
// trigger endpoint down to the data plane.
var (
	// ErrTenantNotFound means the tenant registry has no entry for the given
	// id or slug.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrTenantDegraded means the tenant's data-plane pool is unreachable and
	// the request was rejected rather than risking a partial write.
	ErrTenantDegraded = errors.New("tenant degraded")

	// ErrAgentNotFound means the agent registry has no entry for the given
	// tenant+slug and the tenant has no default agent.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrInvalidDispatch means a dispatch request failed validation (unknown
	// provider, missing room name, malformed job description).
	ErrInvalidDispatch = errors.New("invalid dispatch")

	// ErrDispatchFailed means a session could not be dispatched: the media
	// plane failed to create the room or mint a token, the tenant's dispatch
	// rate limit rejected it, or the worker supervisor could not bring a
	// worker to the Ready state after exhausting retries.
	ErrDispatchFailed = errors.New("dispatch failed")

	// ErrCredentialsExpired means a tenant's media-plane or provider
	// credentials are on the known-expired list; the dispatch is rejected
	// before any network call so the operator rotates them instead of the
	// request burning a retry budget against a guaranteed 401.
	ErrCredentialsExpired = errors.New("credentials expired")

	// ErrContextAssemblyFailed means every retrieval stage of the context
	// assembler failed for a turn; this is distinct from partial degradation,
	// which still returns a (smaller) ContextBundle.
	ErrContextAssemblyFailed = errors.New("context assembly failed")

	// ErrTurnWriteFailed means the turn store could not durably record a
	// turn after its compensating delete.
	ErrTurnWriteFailed = errors.New("turn write failed")

	// ErrGatewayUnavailable means every configured embedding/rerank backend
	// failed or had an open circuit breaker.
	ErrGatewayUnavailable = errors.New("gateway unavailable")
)

// Kind is a stable, externally meaningful classification of an error,
// independent of the wrapping chain that produced it.
type Kind string

const (
	KindUnknown            Kind = "unknown"
	KindTenantNotFound     Kind = "tenant_not_found"
	KindTenantDegraded     Kind = "tenant_degraded"
	KindAgentNotFound      Kind = "agent_not_found"
	KindInvalidDispatch    Kind = "invalid_dispatch"
	KindDispatchFailed     Kind = "dispatch_failed"
	KindCredentialsExpired Kind = "credentials_expired"
	KindContextAssembly    Kind = "context_assembly_failed"
	KindTurnWriteFailed    Kind = "turn_write_failed"
	KindGatewayUnavailable Kind = "gateway_unavailable"
)

// Classify maps err to its Kind by walking the errors.Is chain against the
// known sentinels. It returns KindUnknown for errors not rooted in this
// package, e.g. context.DeadlineExceeded surfacing directly.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrTenantNotFound):
		return KindTenantNotFound
	case errors.Is(err, ErrTenantDegraded):
		return KindTenantDegraded
	case errors.Is(err, ErrAgentNotFound):
		return KindAgentNotFound
	case errors.Is(err, ErrInvalidDispatch):
		return KindInvalidDispatch
	case errors.Is(err, ErrDispatchFailed):
		return KindDispatchFailed
	case errors.Is(err, ErrCredentialsExpired):
		return KindCredentialsExpired
	case errors.Is(err, ErrContextAssemblyFailed):
		return KindContextAssembly
	case errors.Is(err, ErrTurnWriteFailed):
		return KindTurnWriteFailed
	case errors.Is(err, ErrGatewayUnavailable):
		return KindGatewayUnavailable
	default:
		return KindUnknown
	}
}

// HTTPStatus returns the status code the trigger endpoint should use for a
// given Kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindTenantNotFound, KindAgentNotFound:
		return 404
	case KindInvalidDispatch:
		return 400
	case KindTenantDegraded, KindGatewayUnavailable, KindCredentialsExpired:
		return 503
	case KindDispatchFailed, KindContextAssembly, KindTurnWriteFailed:
		return 502
	default:
		return 500
	}
}
