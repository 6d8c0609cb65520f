package ws

import (
	"encoding/json"
	"time"

	"github.com/parley-ai/parley/pkg/models"
)

// Server → client frame types.
const (
	FrameTypeConnectionEstablished = "connection_established"
	FrameTypeEvent                 = "event"
	FrameTypePong                  = "pong"
	FrameTypeStatus                = "status"
	FrameTypeError                 = "error"
)

// Client → server frame types.
const (
	FrameTypeInitialize = "initialize"
	FrameTypeInterrupt  = "interrupt"
	FrameTypePing       = "ping"
)

// Frame is the envelope of every WebSocket message in both directions.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewFrame builds an outgoing frame around a JSON-encodable payload.
func NewFrame(frameType string, data any) (*Frame, error) {
	f := &Frame{Type: frameType, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		f.Data = raw
	}
	return f, nil
}

// InitializeRequest is the data payload of an initialize frame: one
// generation request.
type InitializeRequest struct {
	ChatID  string        `json:"chat_id"`
	Task    string        `json:"task,omitempty"`
	ModelID string        `json:"model_id,omitempty"`
	Parts   []models.Part `json:"parts,omitempty"`
	Content string        `json:"content,omitempty"` // shorthand for a single text part
}

// InterruptRequest is the data payload of an interrupt frame.
type InterruptRequest struct {
	ChatID string `json:"chat_id"`
}

// ErrorData is the data payload of a server error frame.
type ErrorData struct {
	Error      string `json:"error"`
	ErrorType  string `json:"error_type,omitempty"`
	Details    any    `json:"details,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
	Sequence   int64  `json:"sequence,omitempty"`
}
