package events

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/parley-ai/parley/pkg/models"
)

// Publisher fans serialized events out on a named channel. Satisfied by the
// broker implementations.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Processor normalizes, sequences, deduplicates, and routes agent events,
// accumulating per-response state and publishing emittable events to the
// broker. One Processor serves every response owned by its worker process.
type Processor struct {
	publisher Publisher

	mu        sync.Mutex
	responses map[string]*responseState
}

// NewProcessor creates a Processor publishing through the given broker.
func NewProcessor(publisher Publisher) *Processor {
	return &Processor{
		publisher: publisher,
		responses: make(map[string]*responseState),
	}
}

// Process accepts one raw agent event: either a canonical *Event or a
// loosely shaped map from an SDK stream. It returns the canonical event that
// was recorded and published, or nil when the input was dropped (missing
// response_id, duplicate, internal signal).
//
// Process never returns an error: faults inside reduction are converted into
// a synthesized error event at the same stream position so the client stream
// and the durable message stay coherent; broker failures are logged and do
// not undo local state.
func (p *Processor) Process(ctx context.Context, raw any) *Event {
	e, err := p.coerce(raw)
	if err != nil {
		slog.Warn("Dropped malformed agent event", "error", err)
		return nil
	}
	if e == nil {
		return nil
	}
	if e.ResponseID == "" {
		slog.Warn("Dropped event without response_id", "event_type", e.Type)
		return nil
	}

	st := p.state(e.ResponseID)
	st.mu.Lock()

	if st.closed {
		st.mu.Unlock()
		slog.Warn("Dropped event for terminated response",
			"response_id", e.ResponseID, "event_type", e.Type)
		return nil
	}

	// Structurally identified events are checked before consuming a
	// sequence number so a suppressed duplicate leaves no gap.
	stableKey, stable := stableDedupKey(e)
	if stable {
		if _, dup := st.seen[stableKey]; dup {
			st.mu.Unlock()
			slog.Warn("Suppressed duplicate event",
				"response_id", e.ResponseID, "event_type", e.Type, "dedup_key", stableKey)
			return nil
		}
		st.seen[stableKey] = struct{}{}
	}

	assignOrder(st, e, stable)

	if !stable {
		key := fmt.Sprintf("%s|q:%d", e.Type, e.Sequence)
		if _, dup := st.seen[key]; dup {
			st.mu.Unlock()
			slog.Warn("Suppressed duplicate event",
				"response_id", e.ResponseID, "event_type", e.Type, "dedup_key", key)
			return nil
		}
		st.seen[key] = struct{}{}
	}

	if err := p.reduce(st, e); err != nil {
		e = p.synthesizeError(st, e, err)
	}
	if e.Terminal() {
		st.closed = true
	}
	st.mu.Unlock()

	if e.Emit {
		p.publish(ctx, e)
	}
	return e
}

// coerce turns the accepted input forms into a canonical event. A nil event
// with nil error means the input was an internal signal.
func (p *Processor) coerce(raw any) (*Event, error) {
	switch v := raw.(type) {
	case *Event:
		return v, nil
	case Event:
		return &v, nil
	case map[string]any:
		return Classify(v)
	default:
		return nil, fmt.Errorf("unsupported event input %T", raw)
	}
}

func (p *Processor) state(responseID string) *responseState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.responses[responseID]
	if !ok {
		st = newResponseState()
		p.responses[responseID] = st
	}
	return st
}

// StateSnapshot returns a copy of the accumulated message state for a
// response, if the response is known to this processor.
func (p *Processor) StateSnapshot(responseID string) (MessageState, bool) {
	p.mu.Lock()
	st, ok := p.responses[responseID]
	p.mu.Unlock()
	if !ok {
		return MessageState{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.msg.clone(), true
}

// Cleanup frees the state for a response. Call after the terminal event has
// been delivered and the durable write finished.
func (p *Processor) Cleanup(responseID string) {
	p.mu.Lock()
	delete(p.responses, responseID)
	p.mu.Unlock()
}

// assignOrder gives the event its stream position: a fresh sequence when
// unassigned, the next block_sequence for its content block, and a
// timestamp. Pre-assigned sequences advance the counter so later
// assignments stay strictly increasing. A structurally identified event
// whose pre-assigned sequence is already taken (two variants at the same
// block coordinates) moves to the next free one; sequence-keyed events keep
// theirs so exact replays still collapse in the dedup pass.
func assignOrder(st *responseState, e *Event, stable bool) {
	_, taken := st.seqUsed[e.Sequence]
	if e.Sequence < 0 || (stable && taken) {
		e.Sequence = st.nextSeq
	}
	if e.Sequence >= st.nextSeq {
		st.nextSeq = e.Sequence + 1
	}
	st.seqUsed[e.Sequence] = struct{}{}
	if e.ContentBlockIndex != nil && e.BlockSequence == nil {
		idx := *e.ContentBlockIndex
		bs := st.blockSeqs[idx]
		e.BlockSequence = &bs
		st.blockSeqs[idx] = bs + 1
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// stableDedupKey builds a key from structurally stable identity only:
// explicit block coordinates, or tool identity for non-fragment tool events.
// Events with neither are keyed by sequence after assignment (replay
// protection only).
func stableDedupKey(e *Event) (string, bool) {
	switch {
	case e.ContentBlockIndex != nil && e.BlockSequence != nil:
		return fmt.Sprintf("%s|b:%d|s:%d|t:%s",
			e.Type, *e.ContentBlockIndex, *e.BlockSequence, e.ToolID), true
	case e.ToolID != "" && e.ToolArgsFragment == "" &&
		(e.Type == EventTypeToolCall || e.Type == EventTypeToolReturn):
		idx := "-"
		if e.ContentBlockIndex != nil {
			idx = fmt.Sprintf("%d", *e.ContentBlockIndex)
		}
		return fmt.Sprintf("%s|t:%s|b:%s", e.Type, e.ToolID, idx), true
	}
	return "", false
}

// reduce dispatches the event to its variant's state mutation. Runs under
// the response mutex; must not perform I/O. Panics are recovered and
// surfaced as errors.
func (p *Processor) reduce(st *responseState, e *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reducer panic on %s: %v\n%s", e.Type, r, debug.Stack())
		}
	}()

	switch e.Type {
	case EventTypeResponseStart:
		st.msg.Status = "in_progress"
		st.msg.ModelID = e.ModelID
		st.msg.ModelName = e.ModelID

	case EventTypeContent:
		if strings.TrimSpace(e.Content) == "" {
			return nil
		}
		st.msg.Parts = append(st.msg.Parts, models.NewTextPart(e.Content))

	case EventTypeReasoning:
		text := e.Content
		if text == "" {
			text = e.Text
		}
		if strings.TrimSpace(text) == "" {
			return nil
		}
		st.msg.Parts = append(st.msg.Parts, models.NewReasoningPart(text, e.Signature, e.RedactedContent))

	case EventTypeToolCall:
		p.bindTool(st, e)
		part := models.NewToolCallPart(e.ToolName, e.ToolID, e.ToolArgs)
		if e.ToolArgsFragment != "" {
			part.Metadata = map[string]any{"tool_args_fragment": e.ToolArgsFragment}
		}
		st.msg.Parts = append(st.msg.Parts, part)

	case EventTypeToolReturn:
		st.msg.Parts = append(st.msg.Parts, models.NewToolReturnPart(e.ToolName, e.ToolID, e.Result))

	case EventTypeDocument:
		st.msg.Parts = append(st.msg.Parts, models.NewDocumentPart(e.DocumentID, e.Title, e.Pointer, e.MimeType))

	case EventTypeCitation:
		st.msg.Parts = append(st.msg.Parts, models.NewCitationPart(e.DocumentID, e.Text, e.Page, e.Section, e.CitationID))

	case EventTypeMetadata:
		for k, v := range e.Metadata {
			if k == "usage" {
				if usage, ok := v.(map[string]any); ok {
					st.msg.Usage = deepMerge(st.msg.Usage, usage)
					continue
				}
			}
			if sub, ok := v.(map[string]any); ok {
				if cur, ok := st.msg.Metadata[k].(map[string]any); ok {
					st.msg.setMetadata(k, deepMerge(cur, sub))
					continue
				}
			}
			st.msg.setMetadata(k, v)
		}

	case EventTypeStatus:
		st.msg.Status = e.Status
		st.msg.setMetadata("status_message", e.Message)

	case EventTypeResponseEnd:
		st.msg.Status = e.Status
		st.msg.Usage = deepMerge(st.msg.Usage, e.Usage)

	case EventTypeError:
		st.msg.Status = "error"
		st.msg.setMetadata("error", map[string]any{
			"type":    e.ErrorType,
			"message": e.Message,
			"details": e.Details,
		})

	default:
		return fmt.Errorf("no reducer for event type %q", e.Type)
	}
	return nil
}

// bindTool records or applies the (tool_id → tool_name) binding for the
// event's content block so argument fragments resolve to their call.
func (p *Processor) bindTool(st *responseState, e *Event) {
	if e.ContentBlockIndex == nil {
		return
	}
	idx := *e.ContentBlockIndex
	if e.ToolID != "" && e.ToolName != "" {
		st.bindings[idx] = toolBinding{name: e.ToolName, id: e.ToolID}
		return
	}
	if b, ok := st.bindings[idx]; ok {
		if e.ToolName == "" {
			e.ToolName = b.name
		}
		if e.ToolID == "" {
			e.ToolID = b.id
		}
	}
}

// synthesizeError replaces a failed event with an error event at the same
// stream position. The original event type travels in details.event_type.
func (p *Processor) synthesizeError(st *responseState, failed *Event, cause error) *Event {
	slog.Error("Event reduction failed",
		"response_id", failed.ResponseID, "event_type", failed.Type, "error", cause)

	errEvent := NewErrorEvent(failed.ResponseID, ErrorTypeInternal,
		fmt.Sprintf("event processing failed: %v", cause),
		map[string]any{"event_type": string(failed.Type)})
	errEvent.Sequence = failed.Sequence
	errEvent.Timestamp = time.Now().UTC()

	// The error reducer only writes plain map entries; it cannot fail.
	st.msg.Status = "error"
	st.msg.setMetadata("error", map[string]any{
		"type":    errEvent.ErrorType,
		"message": errEvent.Message,
		"details": errEvent.Details,
	})
	return errEvent
}

func (p *Processor) publish(ctx context.Context, e *Event) {
	data, err := Encode(e)
	if err != nil {
		slog.Error("Failed to encode event for publish",
			"response_id", e.ResponseID, "event_type", e.Type, "error", err)
		return
	}
	if err := p.publisher.Publish(ctx, ResponseChannel(e.ResponseID), data); err != nil {
		slog.Error("Failed to publish event",
			"response_id", e.ResponseID, "event_type", e.Type,
			"sequence", e.Sequence, "error", err)
	}
}
