// Package agent abstracts the asynchronous event source that produces one
// model response. The pipeline treats a source as opaque: it consumes raw
// events (canonical variants or loosely shaped SDK maps) until the channel
// closes, and the event processor normalizes whatever arrives.
package agent

import (
	"context"

	"github.com/parley-ai/parley/pkg/models"
)

// Request describes one generation: which chat it belongs to, what triggered
// it, and what the model should do.
type Request struct {
	ResponseID string
	ChatID     string
	ParentID   string // request message that triggered this response
	UserID     string
	ModelID    string
	Task       string
	Parts      []models.Part     // the user's message parts
	History    []*models.Message // prior conversation, oldest first
}

// Source produces the raw event stream of one response. The returned channel
// carries *events.Event values or map[string]any SDK payloads and is closed
// when the stream ends — with or without a terminal event. Cancelling ctx
// must stop the stream promptly.
type Source interface {
	Stream(ctx context.Context, req Request) (<-chan any, error)
}
