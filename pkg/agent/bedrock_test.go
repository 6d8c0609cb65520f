package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/models"
)

// classify runs a converted member payload through the event classifier, the
// way the pipeline consumes it.
func classify(t *testing.T, payload map[string]any) *events.Event {
	t.Helper()
	e, err := events.Classify(payload)
	require.NoError(t, err)
	return e
}

func TestConvertTextDelta(t *testing.T) {
	member := &brtypes.ConverseStreamOutputMemberContentBlockDelta{
		Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(1),
			Delta:             &brtypes.ContentBlockDeltaMemberText{Value: "hello"},
		},
	}

	payload := convertMember("resp-1", member)
	require.NotNil(t, payload)

	e := classify(t, payload)
	require.NotNil(t, e)
	assert.Equal(t, events.EventTypeContent, e.Type)
	assert.Equal(t, "resp-1", e.ResponseID)
	assert.Equal(t, "hello", e.Content)
	require.NotNil(t, e.ContentBlockIndex)
	assert.Equal(t, 1, *e.ContentBlockIndex)
}

func TestConvertToolUseStartAndInput(t *testing.T) {
	start := &brtypes.ConverseStreamOutputMemberContentBlockStart{
		Value: brtypes.ContentBlockStartEvent{
			ContentBlockIndex: aws.Int32(2),
			Start: &brtypes.ContentBlockStartMemberToolUse{
				Value: brtypes.ToolUseBlockStart{
					ToolUseId: aws.String("tool-1"),
					Name:      aws.String("get_weather"),
				},
			},
		},
	}

	e := classify(t, convertMember("resp-1", start))
	require.NotNil(t, e)
	assert.Equal(t, events.EventTypeToolCall, e.Type)
	assert.Equal(t, "get_weather", e.ToolName)
	assert.Equal(t, "tool-1", e.ToolID)
	assert.False(t, e.Emit)

	input := &brtypes.ConverseStreamOutputMemberContentBlockDelta{
		Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(2),
			Delta: &brtypes.ContentBlockDeltaMemberToolUse{
				Value: brtypes.ToolUseBlockDelta{Input: aws.String(`{"city":"Brno"}`)},
			},
		},
	}

	e = classify(t, convertMember("resp-1", input))
	require.NotNil(t, e)
	assert.Equal(t, events.EventTypeToolCall, e.Type)
	assert.Equal(t, `{"city":"Brno"}`, e.ToolArgsFragment)
}

func TestConvertReasoningDeltas(t *testing.T) {
	text := &brtypes.ConverseStreamOutputMemberContentBlockDelta{
		Value: brtypes.ContentBlockDeltaEvent{
			Delta: &brtypes.ContentBlockDeltaMemberReasoningContent{
				Value: &brtypes.ReasoningContentBlockDeltaMemberText{Value: "thinking"},
			},
		},
	}
	e := classify(t, convertMember("resp-1", text))
	require.NotNil(t, e)
	assert.Equal(t, events.EventTypeReasoning, e.Type)
	assert.Equal(t, "thinking", e.Content)

	redacted := &brtypes.ConverseStreamOutputMemberContentBlockDelta{
		Value: brtypes.ContentBlockDeltaEvent{
			Delta: &brtypes.ContentBlockDeltaMemberReasoningContent{
				Value: &brtypes.ReasoningContentBlockDeltaMemberRedactedContent{Value: []byte("opaque")},
			},
		},
	}
	e = classify(t, convertMember("resp-1", redacted))
	require.NotNil(t, e)
	assert.Equal(t, []byte("opaque"), e.RedactedContent)
}

func TestConvertMessageStop(t *testing.T) {
	stop := &brtypes.ConverseStreamOutputMemberMessageStop{
		Value: brtypes.MessageStopEvent{StopReason: brtypes.StopReasonEndTurn},
	}
	e := classify(t, convertMember("resp-1", stop))
	require.NotNil(t, e)
	assert.Equal(t, events.EventTypeResponseEnd, e.Type)
	assert.Equal(t, events.ResponseStatusCompleted, e.Status)

	// tool_use stop means the agent loop continues.
	toolStop := &brtypes.ConverseStreamOutputMemberMessageStop{
		Value: brtypes.MessageStopEvent{StopReason: brtypes.StopReasonToolUse},
	}
	e = classify(t, convertMember("resp-1", toolStop))
	assert.Nil(t, e)
}

func TestConvertMetadataUsage(t *testing.T) {
	md := &brtypes.ConverseStreamOutputMemberMetadata{
		Value: brtypes.ConverseStreamMetadataEvent{
			Usage: &brtypes.TokenUsage{
				InputTokens:  aws.Int32(100),
				OutputTokens: aws.Int32(40),
				TotalTokens:  aws.Int32(140),
			},
		},
	}
	e := classify(t, convertMember("resp-1", md))
	require.NotNil(t, e)
	assert.Equal(t, events.EventTypeMetadata, e.Type)
	usage, ok := e.Metadata["usage"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 100, usage["input_tokens"])

	// Metadata without usage is dropped before the channel.
	empty := &brtypes.ConverseStreamOutputMemberMetadata{Value: brtypes.ConverseStreamMetadataEvent{}}
	assert.Nil(t, convertMember("resp-1", empty))
}

func TestConvertStructuralNoiseIsDropped(t *testing.T) {
	start := &brtypes.ConverseStreamOutputMemberMessageStart{
		Value: brtypes.MessageStartEvent{Role: brtypes.ConversationRoleAssistant},
	}
	assert.Nil(t, convertMember("resp-1", start))

	blockStop := &brtypes.ConverseStreamOutputMemberContentBlockStop{
		Value: brtypes.ContentBlockStopEvent{ContentBlockIndex: aws.Int32(0)},
	}
	assert.Nil(t, convertMember("resp-1", blockStop))
}

func TestExceptionPayloadBecomesTerminalError(t *testing.T) {
	e := classify(t, exceptionPayload("resp-1", errors.New("connection reset")))
	require.NotNil(t, e)
	assert.Equal(t, events.EventTypeError, e.Type)
	assert.Equal(t, "ModelStreamErrorException", e.ErrorType)
	assert.Equal(t, "connection reset", e.Message)
	assert.True(t, e.Terminal())
}

func TestConvertHistory(t *testing.T) {
	req := Request{
		Parts: []models.Part{models.NewTextPart("and today?")},
		History: []*models.Message{
			{
				Kind:  models.MessageKindRequest,
				Parts: []models.Part{models.NewTextPart("what was yesterday's weather?")},
			},
			{
				Kind: models.MessageKindResponse,
				Parts: []models.Part{
					models.NewTextPart("It rained."),
					models.NewToolCallPart("get_weather", "tool-1", nil), // not displayable
				},
			},
			{
				Kind:  models.MessageKindResponse,
				Parts: []models.Part{}, // empty turns are skipped
			},
		},
	}

	msgs := convertHistory(req)
	require.Len(t, msgs, 3)
	assert.Equal(t, brtypes.ConversationRoleUser, msgs[0].Role)
	assert.Equal(t, brtypes.ConversationRoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].Content, 1, "tool parts do not travel to the model")
	assert.Equal(t, brtypes.ConversationRoleUser, msgs[2].Role)

	text, ok := msgs[2].Content[0].(*brtypes.ContentBlockMemberText)
	require.True(t, ok)
	assert.Equal(t, "and today?", text.Value)
}

func TestScriptedSourceReplaysEvents(t *testing.T) {
	src := NewScripted(
		events.NewContentEvent("resp-1", "a"),
		events.NewContentEvent("resp-1", "b"),
	)

	ch, err := src.Stream(context.Background(), Request{ResponseID: "resp-1"})
	require.NoError(t, err)

	var got []any
	for e := range ch {
		got = append(got, e)
	}
	assert.Len(t, got, 2)
}
