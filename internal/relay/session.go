package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/thedanheller/remote-brain/internal/protocol"
	"github.com/thedanheller/remote-brain/internal/provider"
)

type sessionState int

const (
	stateAwaitingInfoFlush sessionState = iota
	stateIdle
	stateGenerating
	stateClosed
)

const (
	// infoFlushTimeout bounds the initial server_info write; a peer that
	// cannot drain it is treated as unreachable.
	infoFlushTimeout = 5 * time.Second

	// outboundQueueSize bounds the per-session write queue. A peer that
	// stops draining loses the session, never individual frames.
	outboundQueueSize = 64

	readBufferSize = 4096
)

// Session drives the protocol state machine for one attached peer. All
// outbound frames funnel through a single writer goroutine; inbound frames
// are processed strictly in arrival order on the read goroutine.
type Session struct {
	conn   net.Conn
	relay  *Relay
	logger *zap.Logger
	dec    *protocol.Decoder

	ctx    context.Context
	cancel context.CancelFunc

	out    chan []byte
	closed chan struct{}

	mu       sync.Mutex
	state    sessionState
	activeID string
	started  time.Time

	closeOnce sync.Once
}

func newSession(conn net.Conn, r *Relay) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:   conn,
		relay:  r,
		logger: r.logger.With(zap.String("peer", conn.RemoteAddr().String())),
		dec:    protocol.NewDecoder(),
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, outboundQueueSize),
		closed: make(chan struct{}),
		state:  stateAwaitingInfoFlush,
	}
}

// run owns the session lifecycle: server_info first, then the write and
// read loops until the socket dies.
func (s *Session) run() {
	info := protocol.NewServerInfo(s.relay.hostName, s.relay.model, s.relay.statusNow())
	frame, err := protocol.Marshal(info)
	if err != nil {
		s.logger.Error("encode server_info", zap.Error(err))
		s.Close()
		return
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(infoFlushTimeout))
	if _, err := s.conn.Write(frame); err != nil {
		s.logger.Info("server_info flush failed, destroying peer", zap.Error(err))
		s.relay.metrics.RecordTransportError("info_flush")
		s.Close()
		return
	}
	_ = s.conn.SetWriteDeadline(time.Time{})

	s.mu.Lock()
	s.state = stateIdle
	s.mu.Unlock()

	go s.writeLoop()
	s.readLoop()
}

func (s *Session) writeLoop() {
	for {
		select {
		case frame := <-s.out:
			if _, err := s.conn.Write(frame); err != nil {
				s.logger.Debug("outbound write failed", zap.Error(err))
				s.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			frames, derr := s.dec.Write(buf[:n])
			if errors.Is(derr, protocol.ErrBufferOverflow) {
				s.logger.Warn("inbound buffer overflow, discarding")
				s.relay.metrics.RecordTransportError("buffer_overflow")
			}
			for _, raw := range frames {
				s.dispatch(raw)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("peer read failed", zap.Error(err))
			}
			s.Close()
			return
		}
	}
}

func (s *Session) dispatch(raw []byte) {
	msg, err := protocol.Validate(raw)
	if err != nil {
		var verr *protocol.ValidationError
		requestID := ""
		reason := "malformed message"
		if errors.As(err, &verr) {
			requestID = verr.RequestID
			reason = verr.Reason
		}
		s.logger.Debug("invalid inbound frame", zap.String("reason", reason))
		s.send(protocol.NewError(protocol.CodeBadMessage, reason, requestID))
		return
	}

	switch msg.Type {
	case protocol.TypeChatStart:
		payload := msg.Payload.(protocol.ChatStartPayload)
		s.handleChatStart(msg.RequestID, payload.Prompt)
	case protocol.TypeAbort:
		s.handleAbort(msg.RequestID)
	default:
		// host-directed frames only; anything else from a peer is ignored
		s.logger.Debug("ignoring frame", zap.String("type", string(msg.Type)))
	}
}

func (s *Session) handleChatStart(requestID, prompt string) {
	if !s.relay.gate.Acquire(requestID) {
		s.send(protocol.NewError(protocol.CodeModelBusy, "another generation is in progress", requestID))
		return
	}

	s.mu.Lock()
	s.activeID = requestID
	s.state = stateGenerating
	s.started = time.Now()
	s.mu.Unlock()

	s.relay.notifyStatus()
	s.logger.Info("generation started", zap.String("request_id", requestID))

	go s.runGeneration(requestID, prompt)
}

// runGeneration is the generation task. Generate's return is the join
// handle: a non-nil error means no terminal was delivered through the sink
// and one is synthesized here.
func (s *Session) runGeneration(requestID, prompt string) {
	sink := &sessionSink{session: s, requestID: requestID}
	err := s.relay.provider.Generate(s.ctx, provider.GenerateRequest{
		RequestID: requestID,
		Model:     s.relay.model,
		Prompt:    prompt,
	}, sink)
	if err != nil {
		s.logger.Error("generation failed to start", zap.String("request_id", requestID), zap.Error(err))
		sink.OnError(protocol.CodeGenerationFailed, err.Error())
	}
}

func (s *Session) handleAbort(requestID string) {
	s.mu.Lock()
	active := s.activeID
	s.mu.Unlock()

	if active != requestID {
		// stale abort: the request already terminated or was never ours
		s.logger.Debug("ignoring abort for inactive request", zap.String("request_id", requestID))
		return
	}

	if s.relay.provider.Abort(requestID) {
		if s.finish(requestID, protocol.NewChatEnd(requestID, protocol.FinishAbort)) {
			s.logger.Info("generation aborted by peer", zap.String("request_id", requestID))
			s.relay.metrics.RecordRequest(string(protocol.FinishAbort), s.sinceStart())
		}
	}
}

// finish completes the active request exactly once: the terminal frame is
// enqueued before the gate is released, so no new chat_start can begin
// writing ahead of it. Reports false when the request already finished.
func (s *Session) finish(requestID string, terminal protocol.Message) bool {
	s.mu.Lock()
	if s.activeID != requestID {
		s.mu.Unlock()
		return false
	}
	s.activeID = ""
	if s.state == stateGenerating {
		s.state = stateIdle
	}
	s.mu.Unlock()

	s.send(terminal)
	s.relay.gate.Release(requestID)
	s.relay.notifyStatus()
	return true
}

// send enqueues one frame on the single-writer queue. A full queue means
// the peer stopped draining: the session is destroyed rather than frames
// silently dropped.
func (s *Session) send(msg protocol.Message) {
	frame, err := protocol.Marshal(msg)
	if err != nil {
		s.logger.Error("encode frame", zap.Error(err))
		return
	}

	select {
	case <-s.closed:
	case s.out <- frame:
	default:
		s.logger.Warn("outbound queue overflow, destroying session")
		s.relay.metrics.RecordTransportError("queue_overflow")
		s.Close()
	}
}

// Close tears the session down: abort any in-flight generation, release
// the gate, destroy the socket. No frames are written. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		active := s.activeID
		s.activeID = ""
		s.state = stateClosed
		s.mu.Unlock()

		if active != "" {
			_ = s.relay.provider.Abort(active)
			s.relay.gate.Release(active)
		}

		s.cancel()
		close(s.closed)
		_ = s.conn.Close()
		s.relay.detach(s)
	})
}

// ActiveRequestID returns this session's in-flight request, if any.
func (s *Session) ActiveRequestID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID, s.activeID != ""
}

// Done is closed when the session has fully torn down.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

func (s *Session) sinceStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

// sessionSink adapts provider callbacks onto the session's outbound path.
// Callbacks arriving after the request finished locally (a user abort won
// the race) are dropped, preserving terminal uniqueness.
type sessionSink struct {
	session   *Session
	requestID string
}

func (k *sessionSink) OnChunk(text string) {
	s := k.session
	s.mu.Lock()
	active := s.activeID == k.requestID
	s.mu.Unlock()
	if !active {
		return
	}
	s.send(protocol.NewChatChunk(k.requestID, text))
	s.relay.metrics.RecordChunk()
}

func (k *sessionSink) OnEnd() {
	s := k.session
	if s.finish(k.requestID, protocol.NewChatEnd(k.requestID, protocol.FinishStop)) {
		s.logger.Info("generation complete", zap.String("request_id", k.requestID))
		s.relay.metrics.RecordRequest(string(protocol.FinishStop), s.sinceStart())
	}
}

func (k *sessionSink) OnError(code protocol.ErrorCode, message string) {
	s := k.session
	if !s.finish(k.requestID, protocol.NewError(code, message, k.requestID)) {
		return
	}
	s.logger.Warn("generation failed",
		zap.String("request_id", k.requestID),
		zap.String("code", string(code)),
		zap.String("message", message))
	s.relay.metrics.RecordRequest("error", s.sinceStart())
	s.relay.metrics.RecordProviderFailure(string(code))
	if code == protocol.CodeOllamaNotFound {
		s.relay.escalateUnreachable(message)
	}
}
