package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/parley-ai/parley/pkg/models"
)

// BedrockAPI is the slice of the Bedrock runtime client the source uses.
type BedrockAPI interface {
	ConverseStream(ctx context.Context, in *bedrockruntime.ConverseStreamInput, opts ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Bedrock streams model output via the ConverseStream API, translating each
// stream member into the vendor map shape the event classifier recognizes
// (contentBlockStart/Delta, messageStop, metadata, exceptions).
type Bedrock struct {
	client         BedrockAPI
	defaultModelID string
}

// NewBedrock creates a source over the given client. defaultModelID is used
// when a request names no model.
func NewBedrock(client BedrockAPI, defaultModelID string) *Bedrock {
	return &Bedrock{client: client, defaultModelID: defaultModelID}
}

// Stream opens the model stream and converts members until it ends. The
// returned channel closes when the vendor stream does; stream faults surface
// as exception-shaped maps so they become error events downstream.
func (b *Bedrock) Stream(ctx context.Context, req Request) (<-chan any, error) {
	modelID := req.ModelID
	if modelID == "" {
		modelID = b.defaultModelID
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(modelID),
		Messages: convertHistory(req),
	}
	if req.Task != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.Task},
		}
	}

	out, err := b.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to open model stream for %s: %w", modelID, err)
	}

	ch := make(chan any)
	go b.pump(ctx, req.ResponseID, out, ch)
	return ch, nil
}

func (b *Bedrock) pump(ctx context.Context, responseID string, out *bedrockruntime.ConverseStreamOutput, ch chan<- any) {
	defer close(ch)
	stream := out.GetStream()
	defer func() {
		if err := stream.Close(); err != nil {
			slog.Warn("Failed to close model stream", "response_id", responseID, "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case member, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					send(ctx, ch, exceptionPayload(responseID, err))
				}
				return
			}
			if payload := convertMember(responseID, member); payload != nil {
				if !send(ctx, ch, payload) {
					return
				}
			}
		}
	}
}

func send(ctx context.Context, ch chan<- any, payload map[string]any) bool {
	select {
	case ch <- payload:
		return true
	case <-ctx.Done():
		return false
	}
}

// convertMember renders one stream member as the map shape the classifier
// expects. Members carrying nothing the pipeline cares about return nil.
func convertMember(responseID string, member brtypes.ConverseStreamOutput) map[string]any {
	switch ev := member.(type) {
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		toolUse, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse)
		if !ok {
			return nil
		}
		return wrap(responseID, "contentBlockStart", map[string]any{
			"contentBlockIndex": blockIndex(ev.Value.ContentBlockIndex),
			"start": map[string]any{
				"toolUse": map[string]any{
					"toolUseId": aws.ToString(toolUse.Value.ToolUseId),
					"name":      aws.ToString(toolUse.Value.Name),
				},
			},
		})

	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		delta := convertDelta(ev.Value.Delta)
		if delta == nil {
			return nil
		}
		return wrap(responseID, "contentBlockDelta", map[string]any{
			"contentBlockIndex": blockIndex(ev.Value.ContentBlockIndex),
			"delta":             delta,
		})

	case *brtypes.ConverseStreamOutputMemberMessageStop:
		return wrap(responseID, "messageStop", map[string]any{
			"stopReason": string(ev.Value.StopReason),
		})

	case *brtypes.ConverseStreamOutputMemberMetadata:
		if ev.Value.Usage == nil {
			return nil
		}
		return wrap(responseID, "metadata", map[string]any{
			"usage": map[string]any{
				"inputTokens":  int(aws.ToInt32(ev.Value.Usage.InputTokens)),
				"outputTokens": int(aws.ToInt32(ev.Value.Usage.OutputTokens)),
				"totalTokens":  int(aws.ToInt32(ev.Value.Usage.TotalTokens)),
			},
		})

	default:
		// messageStart, contentBlockStop: structural noise.
		return nil
	}
}

func convertDelta(delta brtypes.ContentBlockDelta) map[string]any {
	switch d := delta.(type) {
	case *brtypes.ContentBlockDeltaMemberText:
		return map[string]any{"text": d.Value}

	case *brtypes.ContentBlockDeltaMemberToolUse:
		if d.Value.Input == nil {
			return nil
		}
		return map[string]any{"toolUse": map[string]any{"input": *d.Value.Input}}

	case *brtypes.ContentBlockDeltaMemberReasoningContent:
		rc := map[string]any{}
		switch r := d.Value.(type) {
		case *brtypes.ReasoningContentBlockDeltaMemberText:
			rc["text"] = r.Value
		case *brtypes.ReasoningContentBlockDeltaMemberSignature:
			rc["signature"] = r.Value
		case *brtypes.ReasoningContentBlockDeltaMemberRedactedContent:
			rc["redactedContent"] = base64.StdEncoding.EncodeToString(r.Value)
		default:
			return nil
		}
		return map[string]any{"reasoningContent": rc}

	default:
		return nil
	}
}

func wrap(responseID, key string, payload map[string]any) map[string]any {
	return map[string]any{
		"response_id": responseID,
		"event":       map[string]any{key: payload},
	}
}

func exceptionPayload(responseID string, err error) map[string]any {
	return map[string]any{
		"response_id":               responseID,
		"ModelStreamErrorException": map[string]any{"message": err.Error()},
	}
}

func blockIndex(idx *int32) int {
	return int(aws.ToInt32(idx))
}

// convertHistory renders the conversation for the Converse API: prior
// messages first, then the new request parts as the final user turn. Only
// displayable text travels to the model.
func convertHistory(req Request) []brtypes.Message {
	msgs := make([]brtypes.Message, 0, len(req.History)+1)
	for _, m := range req.History {
		role := brtypes.ConversationRoleUser
		if m.Kind == models.MessageKindResponse {
			role = brtypes.ConversationRoleAssistant
		}
		content := textBlocks(m.Parts)
		if len(content) == 0 {
			continue
		}
		msgs = append(msgs, brtypes.Message{Role: role, Content: content})
	}
	if content := textBlocks(req.Parts); len(content) > 0 {
		msgs = append(msgs, brtypes.Message{Role: brtypes.ConversationRoleUser, Content: content})
	}
	return msgs
}

func textBlocks(parts []models.Part) []brtypes.ContentBlock {
	var blocks []brtypes.ContentBlock
	for _, p := range parts {
		switch p.PartKind {
		case models.PartKindText, models.PartKindDocument, models.PartKindCitation:
			if p.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: p.Content})
			}
		}
	}
	return blocks
}

var _ Source = (*Bedrock)(nil)
