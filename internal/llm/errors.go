package llm

import "fmt"

// Kind classifies a backend failure. The orchestrator never retries on any
// of these; rate limits in particular are surfaced to the user as-is.
type Kind string

const (
	KindAuth        Kind = "auth"
	KindRateLimited Kind = "rate_limited"
	KindUnavailable Kind = "unavailable"
	KindUnknown     Kind = "unknown"
)

// BackendError is the single failure type the generation backend surfaces.
// Message is safe to show to the user; for KindUnknown it carries the raw
// backend message for diagnostics.
type BackendError struct {
	Kind    Kind
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("generation backend: %s: %s", e.Kind, e.Message)
}
