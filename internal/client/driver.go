// Package client implements the peer-side protocol driver: prompt
// submission, chunk collection, the inbound silence timer, and user abort.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/thedanheller/remote-brain/internal/protocol"
)

// chunkTimeout is the maximum silence between chunks of the active request
// before a synthetic TIMEOUT_NO_RESPONSE terminal is surfaced.
const chunkTimeout = 30 * time.Second

var (
	ErrEmptyPrompt    = errors.New("client: prompt is empty")
	ErrPromptTooLarge = fmt.Errorf("client: prompt exceeds %d bytes", protocol.MaxPromptBytes)
	ErrRequestActive  = errors.New("client: a request is already active")
	ErrClosed         = errors.New("client: connection closed")
)

// EventKind discriminates driver events.
type EventKind int

const (
	// EventHostInfo carries the host's server_info.
	EventHostInfo EventKind = iota
	// EventChunk carries one text delta for the active request.
	EventChunk
	// EventTerminal closes the active request: a finish reason, or an
	// error code for error terminals (including the synthetic timeout).
	EventTerminal
	// EventClosed reports that the transport is gone.
	EventClosed
)

// Event is one driver-surfaced occurrence.
type Event struct {
	Kind         EventKind
	Host         protocol.ServerInfoPayload
	RequestID    string
	Text         string
	FinishReason protocol.FinishReason
	Code         protocol.ErrorCode
	Message      string
}

// Driver mirrors the host's peer session from the client side. At most one
// request is active at a time; events are delivered in order on Events().
type Driver struct {
	conn   net.Conn
	logger *zap.Logger
	dec    *protocol.Decoder
	events chan Event

	// chunkTimeout is overridable before the first request (tests).
	chunkTimeout time.Duration

	mu       sync.Mutex
	activeID string
	timer    *time.Timer

	writeMu sync.Mutex

	evMu     sync.Mutex
	evClosed bool

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps an established peer socket and starts consuming frames.
func New(conn net.Conn, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Driver{
		conn:         conn,
		logger:       logger,
		dec:          protocol.NewDecoder(),
		events:       make(chan Event, 64),
		chunkTimeout: chunkTimeout,
		closed:       make(chan struct{}),
	}
	go d.readLoop()
	return d
}

// Events delivers driver events until the channel closes with the
// transport.
func (d *Driver) Events() <-chan Event {
	return d.events
}

// SendChatStart validates the prompt locally, assigns a request id, writes
// the frame, and arms the silence timer. Returns the request id.
func (d *Driver) SendChatStart(prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}
	if len(prompt) > protocol.MaxPromptBytes {
		return "", ErrPromptTooLarge
	}

	d.mu.Lock()
	if d.activeID != "" {
		d.mu.Unlock()
		return "", ErrRequestActive
	}
	requestID := protocol.NewRequestID()
	d.activeID = requestID
	d.timer = time.AfterFunc(d.chunkTimeout, func() { d.onTimeout(requestID) })
	d.mu.Unlock()

	if err := d.write(protocol.NewChatStart(requestID, prompt)); err != nil {
		d.clearActive(requestID)
		return "", err
	}
	return requestID, nil
}

// SendAbort cancels the active request. Local state clears immediately; a
// terminal that still arrives from the host is treated as benign.
func (d *Driver) SendAbort() error {
	d.mu.Lock()
	requestID := d.activeID
	d.mu.Unlock()
	if requestID == "" {
		return nil
	}

	err := d.write(protocol.NewAbort(requestID))
	d.clearActive(requestID)
	return err
}

// Active reports the in-flight request id, if any.
func (d *Driver) Active() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeID, d.activeID != ""
}

// Close severs the transport and ends the event stream.
func (d *Driver) Close() {
	d.closeOnce.Do(func() {
		close(d.closed)
		_ = d.conn.Close()
	})
}

func (d *Driver) write(msg protocol.Message) error {
	frame, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	select {
	case <-d.closed:
		return ErrClosed
	default:
	}
	if _, err := d.conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (d *Driver) readLoop() {
	defer func() {
		d.evMu.Lock()
		d.evClosed = true
		close(d.events)
		d.evMu.Unlock()
	}()

	buf := make([]byte, 4096)
	for {
		n, err := d.conn.Read(buf)
		if n > 0 {
			frames, derr := d.dec.Write(buf[:n])
			if errors.Is(derr, protocol.ErrBufferOverflow) {
				d.logger.Warn("inbound buffer overflow, discarding")
			}
			for _, raw := range frames {
				d.handleFrame(raw)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				d.logger.Debug("host read failed", zap.Error(err))
			}
			d.Close()
			d.deliver(Event{Kind: EventClosed, Code: protocol.CodeHostDisconnected, Message: "connection to host lost"})
			return
		}
	}
}

func (d *Driver) handleFrame(raw []byte) {
	msg, err := protocol.Validate(raw)
	if err != nil {
		d.logger.Debug("discarding invalid frame from host", zap.Error(err))
		return
	}

	switch msg.Type {
	case protocol.TypeServerInfo:
		info := msg.Payload.(protocol.ServerInfoPayload)
		d.deliver(Event{Kind: EventHostInfo, Host: info})

	case protocol.TypeChatChunk:
		payload := msg.Payload.(protocol.ChatChunkPayload)
		if !d.touchActive(msg.RequestID) {
			d.logger.Debug("chunk for inactive request", zap.String("request_id", msg.RequestID))
			return
		}
		d.deliver(Event{Kind: EventChunk, RequestID: msg.RequestID, Text: payload.Text})

	case protocol.TypeChatEnd:
		payload := msg.Payload.(protocol.ChatEndPayload)
		if !d.clearActive(msg.RequestID) {
			// benign: terminal for a request we already abandoned
			d.logger.Debug("terminal for inactive request", zap.String("request_id", msg.RequestID))
			return
		}
		d.deliver(Event{Kind: EventTerminal, RequestID: msg.RequestID, FinishReason: payload.FinishReason})

	case protocol.TypeError:
		payload := msg.Payload.(protocol.ErrorPayload)
		if msg.RequestID != "" {
			if !d.clearActive(msg.RequestID) {
				d.logger.Debug("error terminal for inactive request", zap.String("request_id", msg.RequestID))
				return
			}
			d.deliver(Event{
				Kind:         EventTerminal,
				RequestID:    msg.RequestID,
				FinishReason: protocol.FinishError,
				Code:         payload.Code,
				Message:      payload.Message,
			})
			return
		}
		// session-scoped error (e.g. refused at the peer cap)
		d.deliver(Event{Kind: EventTerminal, FinishReason: protocol.FinishError, Code: payload.Code, Message: payload.Message})

	default:
		d.logger.Debug("ignoring frame", zap.String("type", string(msg.Type)))
	}
}

// onTimeout surfaces a synthetic timeout terminal. The transport is left
// alive; reconnecting is the user's decision.
func (d *Driver) onTimeout(requestID string) {
	if !d.clearActive(requestID) {
		return
	}
	d.logger.Warn("no response from host", zap.String("request_id", requestID))
	d.deliver(Event{
		Kind:         EventTerminal,
		RequestID:    requestID,
		FinishReason: protocol.FinishError,
		Code:         protocol.CodeTimeoutNoResponse,
		Message:      fmt.Sprintf("no data from host for %s", d.chunkTimeout),
	})
}

// touchActive reports whether requestID is active and resets the silence
// timer if so.
func (d *Driver) touchActive(requestID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activeID != requestID {
		return false
	}
	if d.timer != nil {
		d.timer.Reset(d.chunkTimeout)
	}
	return true
}

// clearActive clears the active request if it matches, stopping the timer.
func (d *Driver) clearActive(requestID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activeID != requestID {
		return false
	}
	d.activeID = ""
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	return true
}

func (d *Driver) deliver(ev Event) {
	d.evMu.Lock()
	defer d.evMu.Unlock()
	if d.evClosed {
		return
	}
	select {
	case d.events <- ev:
	default:
		d.logger.Warn("event queue full, dropping event")
	}
}
