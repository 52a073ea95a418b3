// Package protocol implements the newline-delimited JSON wire protocol
// spoken between a host and its peers: the message schema, the structural
// validator, and the streaming frame codec.
package protocol

// MessageType identifies the kind of frame on the wire.
type MessageType string

const (
	// TypeServerInfo is sent by the host once per peer session, before any
	// other frame on that session.
	TypeServerInfo MessageType = "server_info"

	// TypeChatStart is sent by a client to request a generation.
	TypeChatStart MessageType = "chat_start"

	// TypeChatChunk carries one streamed text delta from the host.
	TypeChatChunk MessageType = "chat_chunk"

	// TypeChatEnd closes a request on the wire.
	TypeChatEnd MessageType = "chat_end"

	// TypeAbort is sent by a client to cancel an in-flight generation.
	TypeAbort MessageType = "abort"

	// TypeError carries an error, request-scoped when request_id is set.
	TypeError MessageType = "error"
)

// Status is the gate state announced in server_info.
type Status string

const (
	StatusReady Status = "ready"
	StatusBusy  Status = "busy"
)

// FinishReason closes a request in chat_end.
type FinishReason string

const (
	FinishStop  FinishReason = "stop"
	FinishAbort FinishReason = "abort"
	FinishError FinishReason = "error"
)

// ErrorCode is the closed taxonomy of wire-visible error codes.
type ErrorCode string

const (
	// Connection errors.
	CodeInvalidServerID  ErrorCode = "INVALID_SERVER_ID"
	CodeConnectFailed    ErrorCode = "CONNECT_FAILED"
	CodeHostOffline      ErrorCode = "HOST_OFFLINE"
	CodeHostDisconnected ErrorCode = "HOST_DISCONNECTED"
	CodeUserDisconnected ErrorCode = "USER_DISCONNECTED"

	// Provider errors.
	CodeOllamaNotFound          ErrorCode = "OLLAMA_NOT_FOUND"
	CodeOllamaModelNotAvailable ErrorCode = "OLLAMA_MODEL_NOT_AVAILABLE"
	CodeModelBusy               ErrorCode = "MODEL_BUSY"
	CodeGenerationFailed        ErrorCode = "GENERATION_FAILED"
	CodeGenerationAborted       ErrorCode = "GENERATION_ABORTED"

	// Protocol errors.
	CodeBadMessage         ErrorCode = "BAD_MESSAGE"
	CodeUnsupportedVersion ErrorCode = "UNSUPPORTED_VERSION"
	CodeTimeoutNoResponse  ErrorCode = "TIMEOUT_NO_RESPONSE"
)

// MaxPromptBytes bounds the UTF-8 byte length of a chat_start prompt.
const MaxPromptBytes = 8192

// Message is the parsed protocol frame. Payload holds the variant's typed
// payload struct (by value); dispatch on Type and assert accordingly.
type Message struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Payload   any         `json:"payload,omitempty"`
}

// ServerInfoPayload announces host identity and gate state at attach time.
type ServerInfoPayload struct {
	HostName string `json:"host_name"`
	Model    string `json:"model"`
	Status   Status `json:"status"`
}

// ChatStartPayload carries the prompt for a new generation.
type ChatStartPayload struct {
	Prompt string `json:"prompt"`
}

// ChatChunkPayload carries one text delta. Text may be empty when the
// provider emits empty deltas; consumers concatenate in order.
type ChatChunkPayload struct {
	Text string `json:"text"`
}

// ChatEndPayload is terminal for a request.
type ChatEndPayload struct {
	FinishReason FinishReason `json:"finish_reason"`
}

// AbortPayload is an empty record; only the envelope's request_id matters.
type AbortPayload struct{}

// ErrorPayload carries a stable code plus a human-readable message.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewServerInfo builds the session-opening frame.
func NewServerInfo(hostName, model string, status Status) Message {
	return Message{
		Type:    TypeServerInfo,
		Payload: ServerInfoPayload{HostName: hostName, Model: model, Status: status},
	}
}

// NewChatStart builds a generation request frame.
func NewChatStart(requestID, prompt string) Message {
	return Message{
		Type:      TypeChatStart,
		RequestID: requestID,
		Payload:   ChatStartPayload{Prompt: prompt},
	}
}

// NewChatChunk builds one streamed delta frame.
func NewChatChunk(requestID, text string) Message {
	return Message{
		Type:      TypeChatChunk,
		RequestID: requestID,
		Payload:   ChatChunkPayload{Text: text},
	}
}

// NewChatEnd builds the terminal frame for a request.
func NewChatEnd(requestID string, reason FinishReason) Message {
	return Message{
		Type:      TypeChatEnd,
		RequestID: requestID,
		Payload:   ChatEndPayload{FinishReason: reason},
	}
}

// NewAbort builds a cancellation frame for an in-flight request.
func NewAbort(requestID string) Message {
	return Message{
		Type:      TypeAbort,
		RequestID: requestID,
		Payload:   AbortPayload{},
	}
}

// NewError builds an error frame; requestID may be empty for
// session-scoped errors.
func NewError(code ErrorCode, message, requestID string) Message {
	return Message{
		Type:      TypeError,
		RequestID: requestID,
		Payload:   ErrorPayload{Code: code, Message: message},
	}
}
