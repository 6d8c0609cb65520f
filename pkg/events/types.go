// Package events implements the streaming event pipeline core: the canonical
// event union, structural classification of vendor SDK payloads, and the
// Event Processor that sequences, deduplicates, and publishes events.
//
// ════════════════════════════════════════════════════════════════
// Response Streaming Lifecycle
// ════════════════════════════════════════════════════════════════
//
// Every model response is identified by a response_id and travels one broker
// channel ("response:{response_id}"). A well-formed stream looks like:
//
//	response_start  {chat_id, request_id, model_id}
//	content         {content: "...", content_block_index, block_sequence}   (repeated)
//	tool_call       {tool_name, tool_id} then partial JSON fragments        (optional)
//	tool_return     {tool_name, tool_id, result}                            (optional)
//	response_end    {status: "completed", usage: {...}}
//
// Fragments belonging to one logical output block share a
// content_block_index and are ordered by block_sequence; the aggregation
// pass compacts each block into a single typed message part before the
// durable write.
//
// Two flags control routing:
//
//	emit:    fan the event out to subscribed clients via the broker
//	persist: the event contributes to the stored message
//
// status events are emit-only (progress notifications, never persisted).
// Tool-use binding events produced by classification are persist-only: they
// carry the (tool_id → tool_name) identity for a block but are not
// user-visible.
//
// response_end and error are terminal: after one is processed and the
// response is cleaned up, no further events are accepted for that
// response_id.
//
// ════════════════════════════════════════════════════════════════
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags the canonical event union. The wire field is
// __event_type__.
type EventType string

const (
	EventTypeResponseStart EventType = "response_start"
	EventTypeContent       EventType = "content"
	EventTypeReasoning     EventType = "reasoning"
	EventTypeToolCall      EventType = "tool_call"
	EventTypeToolReturn    EventType = "tool_return"
	EventTypeDocument      EventType = "document"
	EventTypeCitation      EventType = "citation"
	EventTypeStatus        EventType = "status"
	EventTypeMetadata      EventType = "metadata"
	EventTypeResponseEnd   EventType = "response_end"
	EventTypeError         EventType = "error"
)

// Terminal statuses carried by response_end events.
const (
	ResponseStatusCompleted = "completed"
	ResponseStatusError     = "error"
)

// Error kinds carried by error events (error_type field).
const (
	ErrorTypeValidation = "validation_error"
	ErrorTypeAgent      = "agent_error"
	ErrorTypeStore      = "store_error"
	ErrorTypeBroker     = "broker_error"
	ErrorTypeInternal   = "internal_error"
)

// ResponseChannel returns the broker channel carrying one response's events.
// Format: "response:{response_id}"
func ResponseChannel(responseID string) string {
	return "response:" + responseID
}

// Event is the canonical streaming event. One flat struct carries the
// envelope plus the union of variant fields; the Type tag decides which
// fields are meaningful.
type Event struct {
	Type       EventType `json:"__event_type__"`
	ResponseID string    `json:"response_id"`
	Sequence   int64     `json:"sequence"`  // assigned by the processor; -1 = unassigned
	Timestamp  time.Time `json:"timestamp"` // RFC3339Nano UTC
	Emit       bool      `json:"emit"`
	Persist    bool      `json:"persist"`

	ContentBlockIndex *int `json:"content_block_index,omitempty"` // groups fragments of one output block
	BlockSequence     *int `json:"block_sequence,omitempty"`      // intra-block order

	// response_start
	RequestID string `json:"request_id,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
	ModelID   string `json:"model_id,omitempty"`
	ParentID  string `json:"parent_id,omitempty"`
	Task      string `json:"task,omitempty"`

	// content / reasoning
	Content         string `json:"content,omitempty"`
	Signature       string `json:"signature,omitempty"`
	RedactedContent []byte `json:"redacted_content,omitempty"`

	// tool_call / tool_return
	ToolName         string         `json:"tool_name,omitempty"`
	ToolID           string         `json:"tool_id,omitempty"`
	ToolArgs         map[string]any `json:"tool_args,omitempty"`
	ToolArgsFragment string         `json:"tool_args_fragment,omitempty"` // partial JSON, merged by aggregation
	Result           any            `json:"result,omitempty"`

	// document / citation
	DocumentID string `json:"document_id,omitempty"`
	Title      string `json:"title,omitempty"`
	Pointer    string `json:"pointer,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	PageCount  int    `json:"page_count,omitempty"`
	WordCount  int    `json:"word_count,omitempty"`
	Text       string `json:"text,omitempty"`
	Page       *int   `json:"page,omitempty"`
	Section    string `json:"section,omitempty"`
	CitationID string `json:"citation_id,omitempty"`

	// status / response_end / error
	Status    string         `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	ErrorType string         `json:"error_type,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Usage     map[string]any `json:"usage,omitempty"`

	// metadata
	Metadata map[string]any `json:"metadata,omitempty"`
}

func newEvent(t EventType, responseID string) *Event {
	return &Event{
		Type:       t,
		ResponseID: responseID,
		Sequence:   -1,
		Emit:       true,
		Persist:    true,
	}
}

// NewResponseStartEvent marks the beginning of a response.
func NewResponseStartEvent(responseID, requestID, chatID, modelID, parentID, task string) *Event {
	e := newEvent(EventTypeResponseStart, responseID)
	e.RequestID = requestID
	e.ChatID = chatID
	e.ModelID = modelID
	e.ParentID = parentID
	e.Task = task
	return e
}

// NewContentEvent carries one streaming text fragment.
func NewContentEvent(responseID, text string) *Event {
	e := newEvent(EventTypeContent, responseID)
	e.Content = text
	return e
}

// NewReasoningEvent carries one chain-of-thought fragment.
func NewReasoningEvent(responseID, text string) *Event {
	e := newEvent(EventTypeReasoning, responseID)
	e.Content = text
	e.Text = text
	return e
}

// NewToolCallEvent announces a tool invocation with its full arguments.
func NewToolCallEvent(responseID, toolName, toolID string, args map[string]any) *Event {
	e := newEvent(EventTypeToolCall, responseID)
	e.ToolName = toolName
	e.ToolID = toolID
	e.ToolArgs = args
	return e
}

// NewToolCallFragment carries a partial JSON slice of streamed tool
// arguments. Aggregation concatenates and parses the fragments of a block.
func NewToolCallFragment(responseID, fragment string) *Event {
	e := newEvent(EventTypeToolCall, responseID)
	e.ToolArgsFragment = fragment
	return e
}

// NewToolReturnEvent carries the result of a completed tool call.
func NewToolReturnEvent(responseID, toolName, toolID string, result any) *Event {
	e := newEvent(EventTypeToolReturn, responseID)
	e.ToolName = toolName
	e.ToolID = toolID
	e.Result = result
	return e
}

// NewDocumentEvent references a retrieved document.
func NewDocumentEvent(responseID, documentID, title, pointer, mimeType string) *Event {
	e := newEvent(EventTypeDocument, responseID)
	e.DocumentID = documentID
	e.Title = title
	e.Pointer = pointer
	e.MimeType = mimeType
	return e
}

// NewCitationEvent carries a cited passage.
func NewCitationEvent(responseID, documentID, text string, page *int) *Event {
	e := newEvent(EventTypeCitation, responseID)
	e.DocumentID = documentID
	e.Text = text
	e.Page = page
	return e
}

// NewStatusEvent is a streaming-only progress notification. Never persisted.
func NewStatusEvent(responseID, status, message string) *Event {
	e := newEvent(EventTypeStatus, responseID)
	e.Status = status
	e.Message = message
	e.Persist = false
	return e
}

// NewMetadataEvent merges out-of-band info (usage counters and friends) into
// the response state.
func NewMetadataEvent(responseID string, metadata map[string]any) *Event {
	e := newEvent(EventTypeMetadata, responseID)
	e.Metadata = metadata
	return e
}

// NewResponseEndEvent terminates a response with "completed" or "error".
func NewResponseEndEvent(responseID, status string, usage map[string]any) *Event {
	e := newEvent(EventTypeResponseEnd, responseID)
	e.Status = status
	e.Usage = usage
	return e
}

// NewErrorEvent reports a fault on the stream. Terminal.
func NewErrorEvent(responseID, errorType, message string, details map[string]any) *Event {
	e := newEvent(EventTypeError, responseID)
	e.ErrorType = errorType
	e.Message = message
	e.Details = details
	return e
}

// WithBlock attaches block grouping to the event and returns it, for
// chained construction.
func (e *Event) WithBlock(index, blockSequence int) *Event {
	e.ContentBlockIndex = &index
	e.BlockSequence = &blockSequence
	return e
}

// Terminal reports whether the event ends its response.
func (e *Event) Terminal() bool {
	return e.Type == EventTypeResponseEnd || e.Type == EventTypeError
}

// UnmarshalJSON decodes an event, defaulting the sequence to unassigned when
// the field is absent (0 is a valid assigned sequence).
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	a := alias{Sequence: -1}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = Event(a)
	return nil
}

// ToWebSocket renders the event for the client frame payload: the wire
// fields without the internal routing flags.
func (e *Event) ToWebSocket() map[string]any {
	data, err := json.Marshal(e)
	if err != nil {
		return map[string]any{"__event_type__": string(e.Type), "response_id": e.ResponseID}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"__event_type__": string(e.Type), "response_id": e.ResponseID}
	}
	delete(out, "emit")
	delete(out, "persist")
	return out
}

// Encode serializes the event for the broker wire: JSON with the
// __event_type__ discriminator.
func Encode(e *Event) ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("cannot encode event without a type")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", e.Type, err)
	}
	return data, nil
}

// Decode deserializes a broker payload back to the canonical variant.
// Unknown event types are rejected.
func Decode(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	if !knownEventType(e.Type) {
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	return &e, nil
}

func knownEventType(t EventType) bool {
	switch t {
	case EventTypeResponseStart, EventTypeContent, EventTypeReasoning,
		EventTypeToolCall, EventTypeToolReturn, EventTypeDocument,
		EventTypeCitation, EventTypeStatus, EventTypeMetadata,
		EventTypeResponseEnd, EventTypeError:
		return true
	}
	return false
}
