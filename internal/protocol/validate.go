package protocol

import (
	"encoding/json"
	"fmt"
)

// ValidationError reports a structurally invalid frame. It carries the
// offender's request id when one could be determined, so the receiver can
// scope the resulting BAD_MESSAGE frame.
type ValidationError struct {
	RequestID string
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.RequestID == "" {
		return fmt.Sprintf("invalid message: %s", e.Reason)
	}
	return fmt.Sprintf("invalid message (request %s): %s", e.RequestID, e.Reason)
}

// envelope is the wire shape before payload typing.
type envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

// Wire shapes with pointer fields so absent and empty can be told apart.
type serverInfoWire struct {
	HostName *string `json:"host_name"`
	Model    *string `json:"model"`
	Status   *string `json:"status"`
}

type chatStartWire struct {
	Prompt *string `json:"prompt"`
}

type chatChunkWire struct {
	Text *string `json:"text"`
}

type chatEndWire struct {
	FinishReason *string `json:"finish_reason"`
}

type errorWire struct {
	Code    *string `json:"code"`
	Message *string `json:"message"`
}

// Validate turns a raw frame into a typed Message. It is a pure function:
// no I/O, no session state. Failures return a *ValidationError; the caller
// answers with BAD_MESSAGE and keeps the session alive.
func Validate(raw json.RawMessage) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, &ValidationError{Reason: "frame is not an object with string fields"}
	}

	fail := func(reason string) (Message, error) {
		return Message{}, &ValidationError{RequestID: env.RequestID, Reason: reason}
	}

	switch MessageType(env.Type) {
	case TypeServerInfo:
		var w serverInfoWire
		if err := json.Unmarshal(env.Payload, &w); err != nil {
			return fail("server_info payload malformed")
		}
		if w.HostName == nil || w.Model == nil || w.Status == nil {
			return fail("server_info payload missing fields")
		}
		switch Status(*w.Status) {
		case StatusReady, StatusBusy:
		default:
			return fail(fmt.Sprintf("unknown status %q", *w.Status))
		}
		return Message{
			Type:      TypeServerInfo,
			RequestID: env.RequestID,
			Payload:   ServerInfoPayload{HostName: *w.HostName, Model: *w.Model, Status: Status(*w.Status)},
		}, nil

	case TypeChatStart:
		if env.RequestID == "" {
			return fail("chat_start requires request_id")
		}
		var w chatStartWire
		if err := json.Unmarshal(env.Payload, &w); err != nil {
			return fail("chat_start payload malformed")
		}
		if w.Prompt == nil {
			return fail("chat_start payload missing prompt")
		}
		if len(*w.Prompt) > MaxPromptBytes {
			return fail(fmt.Sprintf("prompt exceeds %d bytes", MaxPromptBytes))
		}
		return Message{
			Type:      TypeChatStart,
			RequestID: env.RequestID,
			Payload:   ChatStartPayload{Prompt: *w.Prompt},
		}, nil

	case TypeChatChunk:
		if env.RequestID == "" {
			return fail("chat_chunk requires request_id")
		}
		var w chatChunkWire
		if err := json.Unmarshal(env.Payload, &w); err != nil {
			return fail("chat_chunk payload malformed")
		}
		if w.Text == nil {
			return fail("chat_chunk payload missing text")
		}
		return Message{
			Type:      TypeChatChunk,
			RequestID: env.RequestID,
			Payload:   ChatChunkPayload{Text: *w.Text},
		}, nil

	case TypeChatEnd:
		if env.RequestID == "" {
			return fail("chat_end requires request_id")
		}
		var w chatEndWire
		if err := json.Unmarshal(env.Payload, &w); err != nil {
			return fail("chat_end payload malformed")
		}
		if w.FinishReason == nil {
			return fail("chat_end payload missing finish_reason")
		}
		switch FinishReason(*w.FinishReason) {
		case FinishStop, FinishAbort, FinishError:
		default:
			return fail(fmt.Sprintf("unknown finish_reason %q", *w.FinishReason))
		}
		return Message{
			Type:      TypeChatEnd,
			RequestID: env.RequestID,
			Payload:   ChatEndPayload{FinishReason: FinishReason(*w.FinishReason)},
		}, nil

	case TypeAbort:
		if env.RequestID == "" {
			return fail("abort requires request_id")
		}
		return Message{Type: TypeAbort, RequestID: env.RequestID, Payload: AbortPayload{}}, nil

	case TypeError:
		var w errorWire
		if err := json.Unmarshal(env.Payload, &w); err != nil {
			return fail("error payload malformed")
		}
		if w.Code == nil || w.Message == nil {
			return fail("error payload missing fields")
		}
		// Codes outside the known taxonomy pass through: peers surface them
		// as opaque with the original message.
		return Message{
			Type:      TypeError,
			RequestID: env.RequestID,
			Payload:   ErrorPayload{Code: ErrorCode(*w.Code), Message: *w.Message},
		}, nil

	default:
		return fail(fmt.Sprintf("unknown type %q", env.Type))
	}
}
