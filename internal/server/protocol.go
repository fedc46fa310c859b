package server

import (
	"fmt"

	"github.com/battlewatch/tracker/internal/tracker"
)

// ProtocolVersion is the websocket envelope version. Both sides reject
// envelopes carrying any other version.
const ProtocolVersion = 1

// Websocket message types.
const (
	// MessageAssign carries newly leased batches to a worker.
	MessageAssign = "assign"
	// MessageResult carries one completed batch payload from a worker.
	MessageResult = "result"
	// MessageDone tells a worker that all work is complete.
	MessageDone = "done"
)

// Envelope is the versioned frame exchanged over /wswork.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	Batches []tracker.Batch `json:"batches,omitempty"`
	Result  *tracker.Result `json:"result,omitempty"`
}

func assignEnvelope(batches []tracker.Batch) Envelope {
	return Envelope{V: ProtocolVersion, Type: MessageAssign, Batches: batches}
}

func doneEnvelope() Envelope {
	return Envelope{V: ProtocolVersion, Type: MessageDone}
}

func (e Envelope) validate() error {
	if e.V != ProtocolVersion {
		return fmt.Errorf("unsupported protocol version %d", e.V)
	}
	switch e.Type {
	case MessageResult:
		if e.Result == nil {
			return fmt.Errorf("%s message is missing its payload", MessageResult)
		}
	case MessageAssign, MessageDone:
	default:
		return fmt.Errorf("unknown message type %q", e.Type)
	}
	return nil
}
