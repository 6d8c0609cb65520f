package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PartKind discriminates the typed variants of a message part.
type PartKind string

const (
	PartKindText       PartKind = "text"
	PartKindReasoning  PartKind = "reasoning"
	PartKindToolCall   PartKind = "tool_call"
	PartKindToolReturn PartKind = "tool_return"
	PartKindImage      PartKind = "image"
	PartKindDocument   PartKind = "document"
	PartKindCitation   PartKind = "citation"
)

// UnknownDocumentID is recorded when a citation arrives without a document
// reference.
const UnknownDocumentID = "unknown"

// Part is one typed element of a message. The wire encoding is a
// discriminated union keyed by part_kind; only the fields belonging to the
// declared kind are populated.
type Part struct {
	PartKind  PartKind       `json:"part_kind"`
	Content   string         `json:"content"` // display text, non-empty after normalization
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`

	// reasoning
	Signature       string `json:"signature,omitempty"`
	RedactedContent []byte `json:"redacted_content,omitempty"` // base64 in JSON

	// tool_call / tool_return
	ToolName string         `json:"tool_name,omitempty"`
	ToolID   string         `json:"tool_id,omitempty"`
	ToolArgs map[string]any `json:"tool_args,omitempty"`
	Result   any            `json:"result,omitempty"`

	// image / document
	FileID    string `json:"file_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Pointer   string `json:"pointer,omitempty"`
	Title     string `json:"title,omitempty"`
	PageCount int    `json:"page_count,omitempty"`
	WordCount int    `json:"word_count,omitempty"`

	// citation
	DocumentID string `json:"document_id,omitempty"`
	Text       string `json:"text,omitempty"` // raw cited passage
	Page       *int   `json:"page,omitempty"`
	Section    string `json:"section,omitempty"`
	CitationID string `json:"citation_id,omitempty"`
}

// NewTextPart creates a text part. Empty content is the caller's problem;
// use Validate before persisting.
func NewTextPart(content string) Part {
	return Part{
		PartKind:  PartKindText,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// NewReasoningPart creates a reasoning part from a chain-of-thought fragment.
func NewReasoningPart(text, signature string, redacted []byte) Part {
	return Part{
		PartKind:        PartKindReasoning,
		Content:         text,
		Signature:       signature,
		RedactedContent: redacted,
		Timestamp:       time.Now().UTC(),
	}
}

// NewToolCallPart creates a tool_call part. Content is a short display label
// derived from the tool name when not provided by the caller.
func NewToolCallPart(toolName, toolID string, args map[string]any) Part {
	return Part{
		PartKind:  PartKindToolCall,
		Content:   "[Tool call: " + toolName + "]",
		ToolName:  toolName,
		ToolID:    toolID,
		ToolArgs:  args,
		Timestamp: time.Now().UTC(),
	}
}

// NewToolReturnPart creates a tool_return part.
func NewToolReturnPart(toolName, toolID string, result any) Part {
	return Part{
		PartKind:  PartKindToolReturn,
		Content:   "[Tool result: " + toolName + "]",
		ToolName:  toolName,
		ToolID:    toolID,
		Result:    result,
		Timestamp: time.Now().UTC(),
	}
}

// NewImagePart creates an image part referencing an uploaded file.
func NewImagePart(fileID, userID, mimeType string, width, height int) Part {
	p := Part{
		PartKind:  PartKindImage,
		FileID:    fileID,
		UserID:    userID,
		MimeType:  mimeType,
		Width:     width,
		Height:    height,
		Timestamp: time.Now().UTC(),
	}
	p.Content = imageDisplay(fileID)
	return p
}

// NewDocumentPart creates a document reference part.
func NewDocumentPart(fileID, title, pointer, mimeType string) Part {
	p := Part{
		PartKind:  PartKindDocument,
		FileID:    fileID,
		Title:     title,
		Pointer:   pointer,
		MimeType:  mimeType,
		Timestamp: time.Now().UTC(),
	}
	p.Content = documentDisplay(title, fileID)
	return p
}

// NewCitationPart creates a citation part with text and content kept
// consistent. A missing document id falls back to UnknownDocumentID; missing
// text and content both receive defaults so construction never fails.
func NewCitationPart(documentID, text string, page *int, section, citationID string) Part {
	p := Part{
		PartKind:   PartKindCitation,
		DocumentID: documentID,
		Text:       text,
		Page:       page,
		Section:    section,
		CitationID: citationID,
		Timestamp:  time.Now().UTC(),
	}
	p.syncCitation()
	return p
}

// Validate reports whether the part satisfies the requirements of its
// declared kind.
func (p *Part) Validate() error {
	switch p.PartKind {
	case PartKindText, PartKindReasoning:
		if p.Content == "" {
			return fmt.Errorf("%s part requires non-empty content", p.PartKind)
		}
	case PartKindToolCall, PartKindToolReturn:
		if p.ToolName == "" {
			return fmt.Errorf("%s part requires tool_name", p.PartKind)
		}
	case PartKindImage:
		if p.FileID == "" {
			return fmt.Errorf("image part requires file_id")
		}
	case PartKindDocument:
		if p.FileID == "" {
			return fmt.Errorf("document part requires file_id")
		}
	case PartKindCitation:
		if p.Text == "" || p.Content == "" {
			return fmt.Errorf("citation part requires both text and content")
		}
	default:
		return fmt.Errorf("unknown part_kind %q", p.PartKind)
	}
	return nil
}

// UnmarshalJSON decodes a part and normalizes it: display defaults are
// filled in, citation text/content are derived from each other when one is
// missing, and an unknown part_kind degrades to a text part carrying the
// original tag in metadata (legacy data reconstruction).
func (p *Part) UnmarshalJSON(data []byte) error {
	type alias Part
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = Part(a)
	p.Normalize()
	return nil
}

// Normalize fills display defaults and repairs citation consistency. It runs
// automatically on JSON decode; other decoders call it after unmarshaling.
func (p *Part) Normalize() {
	switch p.PartKind {
	case PartKindText, PartKindReasoning, PartKindToolCall, PartKindToolReturn:
		// nothing derived
	case PartKindImage:
		if p.Content == "" {
			p.Content = imageDisplay(p.FileID)
		}
	case PartKindDocument:
		if p.Content == "" {
			p.Content = documentDisplay(p.Title, p.FileID)
		}
	case PartKindCitation:
		p.syncCitation()
	default:
		p.setMetadata("error", fmt.Sprintf("unknown part_kind %q", p.PartKind))
		p.PartKind = PartKindText
		if p.Content == "" {
			p.Content = p.Text
		}
	}
}

// syncCitation enforces the citation consistency rule: text and content are
// both non-empty and agree. Either side can be reconstructed from the other.
func (p *Part) syncCitation() {
	if p.Text == "" && p.Content != "" {
		doc, page, text, ok := parseCitationContent(p.Content)
		if ok {
			p.Text = text
			if p.DocumentID == "" {
				p.DocumentID = doc
			}
			if p.Page == nil {
				p.Page = page
			}
		} else {
			p.Text = p.Content
		}
	}
	if p.DocumentID == "" {
		p.DocumentID = UnknownDocumentID
	}
	if p.Text == "" {
		p.Text = "citation text unavailable"
	}
	if p.Content == "" {
		p.Content = FormatCitation(p.DocumentID, p.Page, p.Text)
	}
}

func (p *Part) setMetadata(key string, value any) {
	if p.Metadata == nil {
		p.Metadata = make(map[string]any)
	}
	p.Metadata[key] = value
}

// FormatCitation renders the display form of a citation:
// "[Citation from {doc} (page N)]: {text}". The page clause is omitted when
// the page is unknown.
func FormatCitation(documentID string, page *int, text string) string {
	if page != nil {
		return fmt.Sprintf("[Citation from %s (page %d)]: %s", documentID, *page, text)
	}
	return fmt.Sprintf("[Citation from %s]: %s", documentID, text)
}

const citationPrefix = "[Citation from "

// parseCitationContent recovers (document_id, page, text) from a formatted
// citation display string. Returns ok=false when the string does not carry
// the expected prefix.
func parseCitationContent(content string) (doc string, page *int, text string, ok bool) {
	if !strings.HasPrefix(content, citationPrefix) {
		return "", nil, "", false
	}
	rest := content[len(citationPrefix):]
	idx := strings.Index(rest, "]: ")
	if idx < 0 {
		return "", nil, "", false
	}
	head := rest[:idx]
	text = rest[idx+3:]
	if i := strings.LastIndex(head, " (page "); i >= 0 && strings.HasSuffix(head, ")") {
		if n, err := strconv.Atoi(head[i+len(" (page ") : len(head)-1]); err == nil {
			return head[:i], &n, text, true
		}
	}
	return head, nil, text, true
}

func imageDisplay(fileID string) string {
	return "[Image: " + fileID + "]"
}

func documentDisplay(title, fileID string) string {
	if title != "" {
		return "[Document: " + title + "]"
	}
	return "[Document: " + fileID + "]"
}
