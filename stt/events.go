package stt

import "encoding/json"

// Kind classifies an inbound transport event.
type Kind int

const (
	// KindTranscript carries partial or final recognized text.
	KindTranscript Kind = iota
	// KindError is an advisory condition reported by the backend.
	KindError
	// KindProtocol is a malformed inbound message. The connection
	// stays open.
	KindProtocol
	// KindClosed reports the end of the connection. It is delivered
	// exactly once, last, with Err carrying the cause (nil for a
	// clean close).
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindTranscript:
		return "transcript"
	case KindError:
		return "error"
	case KindProtocol:
		return "protocol"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one inbound transport message, delivered in receipt order on
// a single channel.
type Event struct {
	Kind Kind

	// Text is the recognized text for KindTranscript.
	Text string

	// Message is the backend's message for KindError and KindProtocol.
	Message string

	// Err is the close cause for KindClosed.
	Err error
}

type serverMessage struct {
	Text  *string `json:"text"`
	Error *string `json:"error"`
}

// parseMessage classifies one text payload from the backend.
func parseMessage(data []byte) Event {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err == nil {
		if msg.Text != nil {
			return Event{Kind: KindTranscript, Text: *msg.Text}
		}
		if msg.Error != nil {
			return Event{Kind: KindError, Message: *msg.Error}
		}
	}
	return Event{Kind: KindProtocol, Message: "failed to parse message"}
}
