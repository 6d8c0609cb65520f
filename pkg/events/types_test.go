package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseChannel(t *testing.T) {
	tests := []struct {
		name       string
		responseID string
		want       string
	}{
		{
			name:       "formats response channel correctly",
			responseID: "abc-123",
			want:       "response:abc-123",
		},
		{
			name:       "handles UUID format",
			responseID: "550e8400-e29b-41d4-a716-446655440000",
			want:       "response:550e8400-e29b-41d4-a716-446655440000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResponseChannel(tt.responseID))
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := NewContentEvent("resp-1", "hello").WithBlock(0, 3)
	e.Sequence = 7

	data, err := Encode(e)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"__event_type__":"content"`)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, EventTypeContent, decoded.Type)
	assert.Equal(t, "resp-1", decoded.ResponseID)
	assert.Equal(t, int64(7), decoded.Sequence)
	assert.Equal(t, "hello", decoded.Content)
	require.NotNil(t, decoded.ContentBlockIndex)
	assert.Equal(t, 0, *decoded.ContentBlockIndex)
	require.NotNil(t, decoded.BlockSequence)
	assert.Equal(t, 3, *decoded.BlockSequence)
	assert.True(t, decoded.Emit)
	assert.True(t, decoded.Persist)
}

func TestEncodeRejectsUntypedEvent(t *testing.T) {
	_, err := Encode(&Event{ResponseID: "resp-1"})
	assert.Error(t, err)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"__event_type__":"telepathy","response_id":"resp-1"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")
}

func TestDecodeDefaultsSequenceUnassigned(t *testing.T) {
	decoded, err := Decode([]byte(`{"__event_type__":"content","response_id":"resp-1","content":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), decoded.Sequence, "absent sequence must decode as unassigned, not 0")

	decoded, err = Decode([]byte(`{"__event_type__":"content","response_id":"resp-1","sequence":0}`))
	require.NoError(t, err)
	assert.Equal(t, int64(0), decoded.Sequence, "explicit 0 is a valid assigned sequence")
}

func TestTerminal(t *testing.T) {
	assert.True(t, NewResponseEndEvent("r", ResponseStatusCompleted, nil).Terminal())
	assert.True(t, NewErrorEvent("r", ErrorTypeAgent, "boom", nil).Terminal())
	assert.False(t, NewContentEvent("r", "x").Terminal())
	assert.False(t, NewStatusEvent("r", "working", "").Terminal())
}

func TestStatusEventsAreNotPersisted(t *testing.T) {
	e := NewStatusEvent("resp-1", "tool_running", "searching docs")
	assert.True(t, e.Emit)
	assert.False(t, e.Persist)
}

func TestToWebSocketStripsRoutingFlags(t *testing.T) {
	e := NewContentEvent("resp-1", "hello")
	e.Sequence = 2

	out := e.ToWebSocket()
	assert.Equal(t, "content", out["__event_type__"])
	assert.Equal(t, "resp-1", out["response_id"])
	assert.Equal(t, "hello", out["content"])
	assert.NotContains(t, out, "emit")
	assert.NotContains(t, out, "persist")

	// The frame payload must survive JSON re-encoding.
	_, err := json.Marshal(out)
	require.NoError(t, err)
}
