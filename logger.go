package felk

import "context"

// Record is anything the Logger capability can persist: one identity, one
// document.
type Record interface {
	UniqueID() string
	Document() map[string]any
}

// WriteResult is the opaque acknowledgment returned by a backend write.
type WriteResult struct {
	StatusCode int
	Result     string
	Raw        []byte
}

// Logger persists a fully populated record to some backend, keyed by the
// record's unique id. Implementations are stateless across calls and own no
// backend connection; the client handle is injected at construction.
// Failure containment is the caller's contract, not the Logger's: Write
// always reports its error.
type Logger interface {
	Write(ctx context.Context, rec Record) (WriteResult, error)
}
