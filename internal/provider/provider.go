// Package provider defines the narrow inference capability the relay
// consumes. Concrete adapters live in subpackages; the relay never sees
// anything beyond this interface.
package provider

import (
	"context"

	"github.com/thedanheller/remote-brain/internal/protocol"
)

// Sink receives the streamed outcome of one generation. OnChunk fires zero
// or more times, in order. Exactly one of OnEnd or OnError follows, except
// when the request was cancelled through Abort: then the caller owns the
// terminal and the provider stays silent.
type Sink interface {
	OnChunk(text string)
	OnEnd()
	OnError(code protocol.ErrorCode, message string)
}

// GenerateRequest identifies one generation.
type GenerateRequest struct {
	RequestID string
	Model     string
	Prompt    string
}

// Provider is the capability contract for inference engines.
//
// Generate blocks until the stream has finished and the terminal callback
// has been delivered; a non-nil return means no terminal was delivered and
// the caller must synthesize one. Abort cancels a previously started
// generation and reports whether a cancellation was dispatched; once it
// returns true, no further OnChunk for that request will be delivered.
type Provider interface {
	Health(ctx context.Context) error
	Generate(ctx context.Context, req GenerateRequest, sink Sink) error
	Abort(requestID string) bool
}
