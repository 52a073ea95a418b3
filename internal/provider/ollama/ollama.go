// Package ollama adapts a local Ollama server to the provider capability.
// Generations stream NDJSON from /api/generate; transport and HTTP failures
// are mapped onto the wire error taxonomy here, never in the relay.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/thedanheller/remote-brain/internal/protocol"
	"github.com/thedanheller/remote-brain/internal/provider"
)

// chunkIdleTimeout is the maximum silence between provider-side byte reads
// before the generation is cancelled with TIMEOUT_NO_RESPONSE.
const chunkIdleTimeout = 30 * time.Second

// Provider implements provider.Provider against an Ollama HTTP endpoint.
type Provider struct {
	client    *http.Client
	baseURL   string
	chunkIdle time.Duration
	logger    *zap.Logger

	mu       sync.Mutex
	inflight map[string]*generation
}

type generation struct {
	cancel    context.CancelFunc
	userAbort atomic.Bool
}

// NewProvider constructs an Ollama provider. The timeout bounds connection
// establishment and response headers, not stream duration.
func NewProvider(baseURL string, timeout time.Duration, logger *zap.Logger) *Provider {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:11434"
	}
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Provider{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
				ResponseHeaderTimeout: timeout,
			},
		},
		baseURL:   strings.TrimRight(baseURL, "/"),
		chunkIdle: chunkIdleTimeout,
		logger:    logger,
		inflight:  make(map[string]*generation),
	}
}

// Health probes /api/version to confirm the engine is contactable.
func (p *Provider) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	res, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable at %s: %w", p.baseURL, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama health probe: status %d", res.StatusCode)
	}
	return nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

// Generate streams one completion. Every outcome is delivered through the
// sink except a user abort, whose terminal the relay session owns; the
// non-nil error return is reserved for requests that never started.
func (p *Provider) Generate(ctx context.Context, req provider.GenerateRequest, sink provider.Sink) error {
	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	gen := &generation{cancel: cancel}
	if err := p.track(req.RequestID, gen); err != nil {
		return err
	}
	defer p.untrack(req.RequestID)

	payload, err := json.Marshal(generateRequest{Model: req.Model, Prompt: req.Prompt, Stream: true})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(genCtx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	res, err := p.client.Do(httpReq)
	if err != nil {
		if gen.userAbort.Load() {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			sink.OnError(protocol.CodeGenerationAborted, "generation cancelled")
			return nil
		}
		sink.OnError(protocol.CodeOllamaNotFound, fmt.Sprintf("ollama unreachable at %s", p.baseURL))
		return nil
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		sink.OnError(mapHTTPError(res.StatusCode, string(body)), strings.TrimSpace(string(body)))
		return nil
	}

	// The watchdog cancels the request itself; the relay only sees the
	// terminal callback. Reset on any byte read, not only delivered chunks.
	var timedOut atomic.Bool
	idle := time.AfterFunc(p.chunkIdle, func() {
		timedOut.Store(true)
		cancel()
	})
	defer idle.Stop()

	scanner := bufio.NewScanner(&idleResetReader{r: res.Body, timer: idle, d: p.chunkIdle})
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk generateResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			p.logger.Debug("skipping malformed stream line", zap.String("request_id", req.RequestID))
			continue
		}

		if chunk.Error != "" {
			sink.OnError(mapStreamError(chunk.Error), chunk.Error)
			return nil
		}
		if chunk.Response != "" {
			sink.OnChunk(chunk.Response)
		}
		if chunk.Done {
			sink.OnEnd()
			return nil
		}
	}

	switch {
	case gen.userAbort.Load():
		return nil
	case timedOut.Load():
		sink.OnError(protocol.CodeTimeoutNoResponse, fmt.Sprintf("no data from ollama for %s", p.chunkIdle))
	case genCtx.Err() != nil:
		sink.OnError(protocol.CodeGenerationAborted, "generation cancelled")
	case scanner.Err() != nil:
		sink.OnError(protocol.CodeGenerationFailed, fmt.Sprintf("stream read: %v", scanner.Err()))
	default:
		sink.OnError(protocol.CodeGenerationFailed, "stream ended before completion")
	}
	return nil
}

// Abort cancels an in-flight generation. Reports whether a cancellation was
// dispatched; unknown ids are a no-op.
func (p *Provider) Abort(requestID string) bool {
	p.mu.Lock()
	gen, ok := p.inflight[requestID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	gen.userAbort.Store(true)
	gen.cancel()
	return true
}

func (p *Provider) track(requestID string, gen *generation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inflight[requestID]; exists {
		return fmt.Errorf("request %s already in flight", requestID)
	}
	p.inflight[requestID] = gen
	return nil
}

func (p *Provider) untrack(requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, requestID)
}

func mapHTTPError(status int, body string) protocol.ErrorCode {
	if status == http.StatusNotFound || strings.Contains(body, "not found") {
		return protocol.CodeOllamaModelNotAvailable
	}
	return protocol.CodeGenerationFailed
}

func mapStreamError(msg string) protocol.ErrorCode {
	if strings.Contains(msg, "not found") {
		return protocol.CodeOllamaModelNotAvailable
	}
	return protocol.CodeGenerationFailed
}

// idleResetReader arms the chunk-idle watchdog on every successful read.
type idleResetReader struct {
	r     io.Reader
	timer *time.Timer
	d     time.Duration
}

func (r *idleResetReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.d)
	}
	return n, err
}

// Model describes one locally available model.
type Model struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
}

type modelsResponse struct {
	Models []Model `json:"models"`
}

// Models lists the models the local engine holds, for select-model and doctor.
func (p *Provider) Models(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	res, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list models: status %d", res.StatusCode)
	}

	var out modelsResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	return out.Models, nil
}
