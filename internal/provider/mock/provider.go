// Package mock provides a scriptable test double for the provider
// capability: fixed chunk scripts, forced terminal errors, and stalls that
// only an abort or cancellation can end.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/thedanheller/remote-brain/internal/protocol"
	"github.com/thedanheller/remote-brain/internal/provider"
)

// Provider is a test double implementing provider.Provider.
type Provider struct {
	HealthErr  error
	GenerateFn func(ctx context.Context, req provider.GenerateRequest, sink provider.Sink) error

	// Script for the default Generate: emit Chunks (with ChunkDelay between
	// them), then finish with ErrorCode/ErrorMessage if set, OnEnd otherwise.
	// Stall blocks after the chunks until abort or context cancellation.
	Chunks       []string
	ChunkDelay   time.Duration
	ErrorCode    protocol.ErrorCode
	ErrorMessage string
	Stall        bool

	mu       sync.Mutex
	inflight map[string]chan struct{}
	aborted  []string
}

func (p *Provider) Health(ctx context.Context) error {
	return p.HealthErr
}

func (p *Provider) Generate(ctx context.Context, req provider.GenerateRequest, sink provider.Sink) error {
	if p.GenerateFn != nil {
		return p.GenerateFn(ctx, req, sink)
	}

	abortCh := p.register(req.RequestID)
	defer p.unregister(req.RequestID)

	for _, chunk := range p.Chunks {
		select {
		case <-abortCh:
			return nil
		case <-ctx.Done():
			sink.OnError(protocol.CodeGenerationAborted, "generation cancelled")
			return nil
		case <-time.After(p.ChunkDelay):
		}
		sink.OnChunk(chunk)
	}

	if p.Stall {
		select {
		case <-abortCh:
			return nil
		case <-ctx.Done():
			sink.OnError(protocol.CodeGenerationAborted, "generation cancelled")
			return nil
		}
	}

	if p.ErrorCode != "" {
		sink.OnError(p.ErrorCode, p.ErrorMessage)
		return nil
	}
	sink.OnEnd()
	return nil
}

func (p *Provider) Abort(requestID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborted = append(p.aborted, requestID)
	ch, ok := p.inflight[requestID]
	if !ok {
		return false
	}
	delete(p.inflight, requestID)
	close(ch)
	return true
}

// AbortedIDs returns every request id Abort was called with.
func (p *Provider) AbortedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.aborted...)
}

func (p *Provider) register(requestID string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight == nil {
		p.inflight = make(map[string]chan struct{})
	}
	ch := make(chan struct{})
	p.inflight[requestID] = ch
	return ch
}

func (p *Provider) unregister(requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, requestID)
}
