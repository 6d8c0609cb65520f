package events

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Vendor stop reasons that terminate a response. Other stop reasons (e.g.
// tool_use) mean the agent loop continues and produce no event.
var terminalStopReasons = map[string]bool{
	"end_turn":         true,
	"stop_sequence":    true,
	"max_tokens":       true,
	"content_filtered": true,
}

// Classify converts a loosely shaped SDK event map into its canonical
// variant. The map is recognized by key presence: streaming deltas, block
// starts, stop markers, exceptions, and agent-loop signals each have a
// well-known shape. Returns (nil, nil) for internal signals that produce no
// pipeline event.
//
// Maps already carrying an __event_type__ tag are decoded directly.
func Classify(m map[string]any) (*Event, error) {
	if _, ok := m["__event_type__"]; ok {
		data, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("failed to re-encode tagged event map: %w", err)
		}
		return Decode(data)
	}

	responseID := str(m, "response_id")

	if e, ok, err := classifyException(responseID, m); ok {
		return e, err
	}

	if ev, ok := subMap(m, "event"); ok {
		if e, matched, err := classifyException(responseID, ev); matched {
			return e, err
		}
		return classifySDKEvent(responseID, ev)
	}

	// Agent-loop signals: no user-visible event, but metrics may carry
	// token usage worth folding into the response state.
	if metrics, ok := subMap(m, "event_loop_metrics"); ok {
		if usage := extractUsage(metrics); usage != nil {
			e := NewMetadataEvent(responseID, map[string]any{"usage": usage})
			e.Emit = false
			return e, nil
		}
		return nil, nil
	}
	if _, ok := m["init_event_loop"]; ok {
		return nil, nil
	}

	return nil, nil
}

func classifySDKEvent(responseID string, ev map[string]any) (*Event, error) {
	if cbd, ok := subMap(ev, "contentBlockDelta"); ok {
		return classifyBlockDelta(responseID, cbd)
	}

	if cbs, ok := subMap(ev, "contentBlockStart"); ok {
		start, ok := subMap(cbs, "start")
		if !ok {
			return nil, nil
		}
		toolUse, ok := subMap(start, "toolUse")
		if !ok {
			return nil, nil
		}
		// Binding event: associates tool_id with tool_name for the block.
		// Persisted so aggregation derives the call identity from it, but
		// never shown to clients.
		e := NewToolCallEvent(responseID, str(toolUse, "name"), str(toolUse, "toolUseId"), nil)
		e.Emit = false
		applyBlockIndex(e, cbs)
		return e, nil
	}

	if ms, ok := subMap(ev, "messageStop"); ok {
		reason := str(ms, "stopReason")
		if terminalStopReasons[reason] {
			e := NewResponseEndEvent(responseID, ResponseStatusCompleted, nil)
			e.Details = map[string]any{"stop_reason": reason}
			return e, nil
		}
		return nil, nil
	}

	if md, ok := subMap(ev, "metadata"); ok {
		if usage := extractUsage(md); usage != nil {
			e := NewMetadataEvent(responseID, map[string]any{"usage": usage})
			e.Emit = false
			return e, nil
		}
		return nil, nil
	}

	// messageStart, contentBlockStop and anything else: structural noise.
	return nil, nil
}

func classifyBlockDelta(responseID string, cbd map[string]any) (*Event, error) {
	delta, ok := subMap(cbd, "delta")
	if !ok {
		return nil, nil
	}

	if text, ok := delta["text"].(string); ok {
		e := NewContentEvent(responseID, text)
		applyBlockIndex(e, cbd)
		return e, nil
	}

	if toolUse, ok := subMap(delta, "toolUse"); ok {
		if input, ok := toolUse["input"].(string); ok {
			e := NewToolCallFragment(responseID, input)
			applyBlockIndex(e, cbd)
			return e, nil
		}
		return nil, nil
	}

	if rc, ok := subMap(delta, "reasoningContent"); ok {
		e := NewReasoningEvent(responseID, str(rc, "text"))
		e.Signature = str(rc, "signature")
		if enc, ok := rc["redactedContent"].(string); ok && enc != "" {
			if raw, err := base64.StdEncoding.DecodeString(enc); err == nil {
				e.RedactedContent = raw
			} else {
				e.RedactedContent = []byte(enc)
			}
		}
		applyBlockIndex(e, cbd)
		return e, nil
	}

	return nil, nil
}

// classifyException matches any key ending in "Exception". The matched key
// becomes the error type.
func classifyException(responseID string, m map[string]any) (*Event, bool, error) {
	for key, val := range m {
		if !strings.HasSuffix(key, "Exception") {
			continue
		}
		message := ""
		details := map[string]any{}
		switch v := val.(type) {
		case map[string]any:
			message = str(v, "message")
			details = v
		case string:
			message = v
		default:
			message = fmt.Sprint(v)
		}
		if message == "" {
			message = key
		}
		return NewErrorEvent(responseID, key, message, details), true, nil
	}
	return nil, false, nil
}

// extractUsage pulls a token-usage map out of a metadata or metrics payload
// and normalizes the vendor camelCase counter names.
func extractUsage(m map[string]any) map[string]any {
	usage, ok := subMap(m, "usage")
	if !ok {
		usage, ok = subMap(m, "accumulated_usage")
	}
	if !ok {
		return nil
	}
	out := make(map[string]any, len(usage))
	for k, v := range usage {
		switch k {
		case "inputTokens":
			out["input_tokens"] = v
		case "outputTokens":
			out["output_tokens"] = v
		case "totalTokens":
			out["total_tokens"] = v
		default:
			out[k] = v
		}
	}
	return out
}

func applyBlockIndex(e *Event, m map[string]any) {
	if idx, ok := intAt(m, "contentBlockIndex"); ok {
		e.ContentBlockIndex = &idx
	}
}

func subMap(m map[string]any, key string) (map[string]any, bool) {
	v, ok := m[key].(map[string]any)
	return v, ok
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// intAt reads an integer that may arrive as int, int64, float64 or
// json.Number depending on the decoder that produced the map.
func intAt(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), true
		}
	}
	return 0, false
}
