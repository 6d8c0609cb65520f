package events

import (
	"sync"
	"time"

	"github.com/parley-ai/parley/pkg/models"
)

// MessageState is the in-flight accumulation for one response: what the
// durable writer reads when the terminal event arrives. Parts hold one entry
// per accepted fragment; compaction into final parts happens in the
// aggregation pass, not here.
type MessageState struct {
	Status    string         `json:"status"`
	Parts     []models.Part  `json:"parts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Usage     map[string]any `json:"usage,omitempty"`
	ModelName string         `json:"model_name,omitempty"`
	ModelID   string         `json:"model_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (s *MessageState) clone() MessageState {
	out := *s
	out.Parts = append([]models.Part(nil), s.Parts...)
	out.Metadata = deepCopyMap(s.Metadata)
	out.Usage = deepCopyMap(s.Usage)
	return out
}

func (s *MessageState) setMetadata(key string, value any) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	s.Metadata[key] = value
}

// toolBinding is the (tool_id → tool_name) association established by a
// block-start event, used to enrich argument fragments in the same block.
type toolBinding struct {
	name string
	id   string
}

// responseState owns everything the processor tracks for one response_id.
// All fields are guarded by mu; reducers run under it and perform no I/O.
type responseState struct {
	mu        sync.Mutex
	nextSeq   int64
	seqUsed   map[int64]struct{} // sequences already handed out on this stream
	blockSeqs map[int]int        // next block_sequence per content block
	seen      map[string]struct{}
	bindings  map[int]toolBinding
	msg       MessageState
	closed    bool // terminal event processed; no further events accepted
}

func newResponseState() *responseState {
	return &responseState{
		seqUsed:   make(map[int64]struct{}),
		blockSeqs: make(map[int]int),
		seen:      make(map[string]struct{}),
		bindings:  make(map[int]toolBinding),
		msg: MessageState{
			Status:    "pending",
			Parts:     []models.Part{},
			Timestamp: time.Now().UTC(),
		},
	}
}

// deepMerge merges src into dst recursively: nested maps merge key-wise,
// scalars overwrite. Returns dst (allocated when nil).
func deepMerge(dst, src map[string]any) map[string]any {
	if src == nil {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if cur, ok := dst[k].(map[string]any); ok {
				dst[k] = deepMerge(cur, sub)
				continue
			}
			dst[k] = deepMerge(nil, sub)
			continue
		}
		dst[k] = v
	}
	return dst
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return deepMerge(make(map[string]any, len(m)), m)
}
