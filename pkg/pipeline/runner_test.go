package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/broker"
	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/store"
)

type runnerFixture struct {
	runner    *Runner
	processor *events.Processor
	store     *store.Memory
	broker    *broker.Memory
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	f := &runnerFixture{
		store:  store.NewMemory(),
		broker: broker.NewMemory(),
	}
	f.processor = events.NewProcessor(f.broker)
	f.runner = NewRunner(f.processor, f.store)
	return f
}

func baseRequest(responseID string) agent.Request {
	return agent.Request{
		ResponseID: responseID,
		ChatID:     "chat-1",
		ModelID:    "model-a",
	}
}

func TestRunHelloWorld(t *testing.T) {
	f := newRunnerFixture(t)

	source := agent.NewScripted(
		events.NewContentEvent("resp-1", "Hello"),
		events.NewContentEvent("resp-1", ", world!"),
		events.NewResponseEndEvent("resp-1", events.ResponseStatusCompleted, map[string]any{"total_tokens": 5}),
	)

	msg, err := f.runner.Run(context.Background(), baseRequest("resp-1"), source)
	require.NoError(t, err)
	assert.Equal(t, "resp-1", msg.MessageID)
	assert.Equal(t, models.MessageStatusComplete, msg.Status)
	require.Len(t, msg.Parts, 1)
	assert.Equal(t, "Hello, world!", msg.Parts[0].Content)
	assert.Equal(t, 5, msg.Usage["total_tokens"])

	// The stored copy matches.
	stored, err := f.store.GetMessage(context.Background(), "chat-1", "resp-1")
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusComplete, stored.Status)
	require.Len(t, stored.Parts, 1)
	assert.Equal(t, "Hello, world!", stored.Parts[0].Content)

	// Processor state is released after the run.
	_, ok := f.processor.StateSnapshot("resp-1")
	assert.False(t, ok)
}

func TestRunToolCallWithStreamedArguments(t *testing.T) {
	f := newRunnerFixture(t)

	binding := events.NewToolCallEvent("resp-1", "get_weather", "tool-1", nil)
	binding.Emit = false

	source := agent.NewScripted(
		events.NewContentEvent("resp-1", "Let me check.").WithBlock(0, 0),
		binding.WithBlock(1, 0),
		events.NewToolCallFragment("resp-1", `{"city":`).WithBlock(1, 1),
		events.NewToolCallFragment("resp-1", `"Brno"}`).WithBlock(1, 2),
		events.NewToolReturnEvent("resp-1", "get_weather", "tool-1", "sunny"),
		events.NewContentEvent("resp-1", "It is sunny.").WithBlock(2, 0),
		events.NewResponseEndEvent("resp-1", events.ResponseStatusCompleted, nil),
	)

	msg, err := f.runner.Run(context.Background(), baseRequest("resp-1"), source)
	require.NoError(t, err)
	require.Len(t, msg.Parts, 4)

	assert.Equal(t, "Let me check.", msg.Parts[0].Content)
	assert.Equal(t, models.PartKindToolCall, msg.Parts[1].PartKind)
	assert.Equal(t, "get_weather", msg.Parts[1].ToolName)
	assert.Equal(t, map[string]any{"city": "Brno"}, msg.Parts[1].ToolArgs)
	assert.Equal(t, models.PartKindToolReturn, msg.Parts[2].PartKind)
	assert.Equal(t, "It is sunny.", msg.Parts[3].Content)
}

func TestRunDuplicateEventsProduceCleanMessage(t *testing.T) {
	f := newRunnerFixture(t)

	source := agent.NewScripted(
		events.NewContentEvent("resp-1", "once").WithBlock(0, 0),
		events.NewContentEvent("resp-1", "once").WithBlock(0, 0), // replay
		events.NewResponseEndEvent("resp-1", events.ResponseStatusCompleted, nil),
	)

	msg, err := f.runner.Run(context.Background(), baseRequest("resp-1"), source)
	require.NoError(t, err)
	require.Len(t, msg.Parts, 1)
	assert.Equal(t, "once", msg.Parts[0].Content)
}

func TestRunSourceWithoutTerminalEvent(t *testing.T) {
	f := newRunnerFixture(t)

	// Subscribe before the run so the synthesized end is observable.
	sub, err := f.broker.Subscribe(context.Background(), events.ResponseChannel("resp-1"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	source := agent.NewScripted(events.NewContentEvent("resp-1", "unfinished"))

	msg, err := f.runner.Run(context.Background(), baseRequest("resp-1"), source)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusComplete, msg.Status)
	require.Len(t, msg.Parts, 1)

	// The stream still closed with a response_end for clients.
	var sawEnd bool
	for i := 0; i < 10 && !sawEnd; i++ {
		payload, err := sub.GetMessage(context.Background(), 100*time.Millisecond)
		require.NoError(t, err)
		if payload == nil {
			continue
		}
		e, err := events.Decode(payload)
		require.NoError(t, err)
		sawEnd = e.Type == events.EventTypeResponseEnd
	}
	assert.True(t, sawEnd, "a synthesized response_end must be published")
}

func TestRunCancellationStoresPartialMessage(t *testing.T) {
	f := newRunnerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	source := &blockingSource{
		first:     events.NewContentEvent("resp-1", "partial answer"),
		delivered: make(chan struct{}),
	}
	go func() {
		<-source.delivered
		cancel()
	}()

	msg, err := f.runner.Run(ctx, baseRequest("resp-1"), source)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusUserStopped, msg.Status)
	require.Len(t, msg.Parts, 1)
	assert.Equal(t, "partial answer", msg.Parts[0].Content)

	stored, err := f.store.GetMessage(context.Background(), "chat-1", "resp-1")
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusUserStopped, stored.Status)
}

func TestRunAgentErrorTerminatesWithErrorStatus(t *testing.T) {
	f := newRunnerFixture(t)

	source := agent.NewScripted(
		events.NewContentEvent("resp-1", "partial"),
		map[string]any{
			"response_id":               "resp-1",
			"modelStreamErrorException": map[string]any{"message": "stream broke"},
		},
	)

	msg, err := f.runner.Run(context.Background(), baseRequest("resp-1"), source)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusError, msg.Status)
	require.Len(t, msg.Parts, 1, "content before the fault survives")
	require.NotNil(t, msg.Metadata)
	assert.Contains(t, msg.Metadata, "error")
}

func TestRunSourceStartFailure(t *testing.T) {
	f := newRunnerFixture(t)

	msg, err := f.runner.Run(context.Background(), baseRequest("resp-1"), &failingSource{})
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusError, msg.Status)

	stored, err := f.store.GetMessage(context.Background(), "chat-1", "resp-1")
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusError, stored.Status)
}

func TestRunRequiresResponseID(t *testing.T) {
	f := newRunnerFixture(t)
	_, err := f.runner.Run(context.Background(), agent.Request{ChatID: "chat-1"}, agent.NewScripted())
	assert.Error(t, err)
}

func TestRunCompletesParentRequestMessage(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	parent := models.NewRequestMessage("req-1", "chat-1", "user-1", []models.Part{models.NewTextPart("hi")})
	require.NoError(t, f.store.PutMessage(ctx, parent))

	req := baseRequest("resp-1")
	req.ParentID = "req-1"
	source := agent.NewScripted(
		events.NewContentEvent("resp-1", "hello"),
		events.NewResponseEndEvent("resp-1", events.ResponseStatusCompleted, nil),
	)
	_, err := f.runner.Run(ctx, req, source)
	require.NoError(t, err)

	updated, err := f.store.GetMessage(ctx, "chat-1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusComplete, updated.Status)
}

// blockingSource emits one event, signals delivery, then blocks until
// cancelled.
type blockingSource struct {
	first     *events.Event
	delivered chan struct{}
}

func (s *blockingSource) Stream(ctx context.Context, _ agent.Request) (<-chan any, error) {
	ch := make(chan any)
	go func() {
		defer close(ch)
		select {
		case ch <- s.first:
			close(s.delivered)
		case <-ctx.Done():
			return
		}
		<-ctx.Done()
	}()
	return ch, nil
}

type failingSource struct{}

func (f *failingSource) Stream(context.Context, agent.Request) (<-chan any, error) {
	return nil, errors.New("backend unreachable")
}
