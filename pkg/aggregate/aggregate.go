// Package aggregate compacts the fragmented events buffered during one
// response into the final set of typed message parts.
//
// Events are grouped by content_block_index; within a block, events of the
// same variant reduce to exactly one part by a variant-specific rule
// (concatenation for text, fragment merging for tool arguments, joining for
// citations). Events without a block index land in a loose bucket ordered by
// sequence. Part construction never fails: a part that cannot satisfy its
// declared variant degrades to a text part with the error recorded in part
// metadata.
package aggregate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/models"
)

// looseBlock keys the bucket for events without a content_block_index.
const looseBlock = -1

// Compact reduces the ordered raw events of one response into final parts.
// Applying it to an already compact event list reproduces the same parts.
func Compact(evts []*events.Event) []models.Part {
	groups := make(map[int][]*events.Event)
	for _, e := range evts {
		idx := looseBlock
		if e.ContentBlockIndex != nil {
			idx = *e.ContentBlockIndex
		}
		groups[idx] = append(groups[idx], e)
	}

	var built []builtPart
	for _, group := range groups {
		sortByStreamOrder(group)
		built = append(built, reduceGroup(group)...)
	}

	// Stream order across blocks: each part is anchored at the sequence of
	// its first contributing event.
	sort.SliceStable(built, func(i, j int) bool { return built[i].anchor < built[j].anchor })

	parts := make([]models.Part, 0, len(built))
	for _, b := range built {
		parts = append(parts, validated(b.part))
	}
	return parts
}

type builtPart struct {
	part   models.Part
	anchor int64 // sequence of the first contributing event
}

// reduceGroup compacts one block (or the loose bucket) into at most one part
// per variant.
func reduceGroup(group []*events.Event) []builtPart {
	byVariant := make(map[events.EventType][]*events.Event)
	var variantOrder []events.EventType
	for _, e := range group {
		if _, seen := byVariant[e.Type]; !seen {
			variantOrder = append(variantOrder, e.Type)
		}
		byVariant[e.Type] = append(byVariant[e.Type], e)
	}

	var out []builtPart
	for _, variant := range variantOrder {
		items := byVariant[variant]
		part, ok := reduceVariant(variant, items)
		if !ok {
			continue
		}
		out = append(out, builtPart{part: part, anchor: items[0].Sequence})
	}
	return out
}

func reduceVariant(variant events.EventType, items []*events.Event) (models.Part, bool) {
	switch variant {
	case events.EventTypeContent:
		return reduceContent(items)
	case events.EventTypeReasoning:
		return reduceReasoning(items)
	case events.EventTypeToolCall:
		return reduceToolCall(items)
	case events.EventTypeToolReturn:
		return takeFirstToolReturn(items)
	case events.EventTypeDocument:
		return takeFirstDocument(items)
	case events.EventTypeCitation:
		return reduceCitation(items)
	default:
		// status is streaming-only; lifecycle and metadata variants carry
		// no part content. Unknown variants are ignored.
		return models.Part{}, false
	}
}

// reduceContent concatenates text fragments in stream order. Empty fragments
// are dropped; a block of only empty fragments produces no part.
func reduceContent(items []*events.Event) (models.Part, bool) {
	var b strings.Builder
	for _, e := range items {
		if strings.TrimSpace(e.Content) == "" {
			continue
		}
		b.WriteString(e.Content)
	}
	if b.Len() == 0 {
		return models.Part{}, false
	}
	p := models.NewTextPart(b.String())
	p.Timestamp = items[0].Timestamp
	return p, true
}

// reduceReasoning joins fragments with line breaks; the signature and
// redacted bytes come from the last event carrying them.
func reduceReasoning(items []*events.Event) (models.Part, bool) {
	var texts []string
	var signature string
	var redacted []byte
	for _, e := range items {
		text := e.Content
		if text == "" {
			text = e.Text
		}
		if strings.TrimSpace(text) != "" {
			texts = append(texts, text)
		}
		if e.Signature != "" {
			signature = e.Signature
		}
		if len(e.RedactedContent) > 0 {
			redacted = e.RedactedContent
		}
	}
	if len(texts) == 0 && signature == "" && len(redacted) == 0 {
		return models.Part{}, false
	}
	p := models.NewReasoningPart(strings.Join(texts, "\n"), signature, redacted)
	p.Timestamp = items[0].Timestamp
	return p, true
}

// reduceToolCall derives the call identity from the first event of the block
// and merges the argument stream: raw fragments are concatenated and parsed
// as JSON, falling back to {"input": raw} when the result is not an object;
// full-object arguments take the last one seen.
func reduceToolCall(items []*events.Event) (models.Part, bool) {
	toolName := items[0].ToolName
	toolID := items[0].ToolID
	for _, e := range items {
		if toolName == "" && e.ToolName != "" {
			toolName = e.ToolName
		}
		if toolID == "" && e.ToolID != "" {
			toolID = e.ToolID
		}
	}

	var fragments strings.Builder
	var lastObject map[string]any
	for _, e := range items {
		if e.ToolArgsFragment != "" {
			fragments.WriteString(e.ToolArgsFragment)
		}
		if e.ToolArgs != nil {
			lastObject = e.ToolArgs
		}
	}

	args := lastObject
	if fragments.Len() > 0 {
		raw := fragments.String()
		var parsed map[string]any
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			args = parsed
		} else {
			args = map[string]any{"input": raw}
		}
	}

	p := models.NewToolCallPart(toolName, toolID, args)
	p.Timestamp = items[0].Timestamp
	return p, true
}

func takeFirstToolReturn(items []*events.Event) (models.Part, bool) {
	e := items[0]
	p := models.NewToolReturnPart(e.ToolName, e.ToolID, e.Result)
	p.Timestamp = e.Timestamp
	return p, true
}

func takeFirstDocument(items []*events.Event) (models.Part, bool) {
	e := items[0]
	p := models.NewDocumentPart(e.DocumentID, e.Title, e.Pointer, e.MimeType)
	p.PageCount = e.PageCount
	p.WordCount = e.WordCount
	p.Timestamp = e.Timestamp
	return p, true
}

// reduceCitation joins text fragments with spaces and fills in identity:
// the document id from the first event carrying one, the citation id from
// the first event carrying one or a content-derived stable id, page and
// section from the first events carrying them.
func reduceCitation(items []*events.Event) (models.Part, bool) {
	var texts []string
	var documentID, citationID, section string
	var page *int
	for _, e := range items {
		if strings.TrimSpace(e.Text) != "" {
			texts = append(texts, e.Text)
		}
		if documentID == "" && e.DocumentID != "" {
			documentID = e.DocumentID
		}
		if citationID == "" && e.CitationID != "" {
			citationID = e.CitationID
		}
		if section == "" && e.Section != "" {
			section = e.Section
		}
		if page == nil && e.Page != nil {
			page = e.Page
		}
	}

	text := strings.Join(texts, " ")
	if documentID == "" {
		documentID = models.UnknownDocumentID
	}
	if citationID == "" {
		citationID = stableCitationID(documentID, text)
	}

	p := models.NewCitationPart(documentID, text, page, section, citationID)
	p.Timestamp = items[0].Timestamp
	return p, true
}

// stableCitationID derives a deterministic id so re-aggregation of the same
// events reproduces the same part.
func stableCitationID(documentID, text string) string {
	sum := sha256.Sum256([]byte(documentID + "\x00" + text))
	return "cit-" + hex.EncodeToString(sum[:8])
}

// validated enforces the declared variant; a part that fails degrades to a
// text part describing the failure instead of aborting the response.
func validated(p models.Part) models.Part {
	err := p.Validate()
	if err == nil {
		return p
	}
	content := p.Content
	if content == "" {
		content = fmt.Sprintf("[%s part could not be reconstructed]", p.PartKind)
	}
	fallback := models.NewTextPart(content)
	fallback.Timestamp = p.Timestamp
	fallback.Metadata = map[string]any{
		"error":     err.Error(),
		"part_kind": string(p.PartKind),
	}
	return fallback
}

// sortByStreamOrder orders events by (sequence, block_sequence).
func sortByStreamOrder(evts []*events.Event) {
	sort.SliceStable(evts, func(i, j int) bool {
		if evts[i].Sequence != evts[j].Sequence {
			return evts[i].Sequence < evts[j].Sequence
		}
		return blockSeq(evts[i]) < blockSeq(evts[j])
	})
}

func blockSeq(e *events.Event) int {
	if e.BlockSequence == nil {
		return 0
	}
	return *e.BlockSequence
}
