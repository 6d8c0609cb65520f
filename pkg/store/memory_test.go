package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/models"
)

func TestMemory_PutGetMessage(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	msg := models.NewResponsePlaceholder("resp-1", "chat-1", "req-1", "model-a")
	msg.Parts = []models.Part{models.NewTextPart("hello")}
	msg.Status = models.MessageStatusComplete
	require.NoError(t, s.PutMessage(ctx, msg))

	got, err := s.GetMessage(ctx, "chat-1", "resp-1")
	require.NoError(t, err)
	assert.Equal(t, "resp-1", got.MessageID)
	assert.Equal(t, "chat-1", got.ChatID)
	assert.Equal(t, "req-1", got.ParentID)
	assert.Equal(t, models.MessageStatusComplete, got.Status)
	require.Len(t, got.Parts, 1)
	assert.Equal(t, "hello", got.Parts[0].Content)
}

func TestMemory_GetMessage_NotFound(t *testing.T) {
	s := NewMemory()

	_, err := s.GetMessage(context.Background(), "chat-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_Validation(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	err := s.PutMessage(ctx, &models.Message{MessageID: "m1"})
	assert.True(t, IsValidationError(err))

	_, err = s.GetMessage(ctx, "", "m1")
	assert.True(t, IsValidationError(err))

	_, err = s.ListChatMessages(ctx, "")
	assert.True(t, IsValidationError(err))
}

func TestMemory_UpdateMessageStatus(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	msg := models.NewRequestMessage("req-1", "chat-1", "user-1", []models.Part{models.NewTextPart("hi")})
	require.NoError(t, s.PutMessage(ctx, msg))

	require.NoError(t, s.UpdateMessageStatus(ctx, "chat-1", "req-1", models.MessageStatusComplete))

	got, err := s.GetMessage(ctx, "chat-1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusComplete, got.Status)
}

func TestMemory_ListChatMessages_Ordered(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"m-b", "m-a", "m-c"} {
		msg := models.NewRequestMessage(id, "chat-1", "user-1", []models.Part{models.NewTextPart(id)})
		msg.Timestamp = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.PutMessage(ctx, msg))
	}
	// A different chat must not leak into the listing.
	other := models.NewRequestMessage("m-x", "chat-2", "user-1", []models.Part{models.NewTextPart("x")})
	require.NoError(t, s.PutMessage(ctx, other))

	msgs, err := s.ListChatMessages(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m-b", msgs[0].MessageID)
	assert.Equal(t, "m-a", msgs[1].MessageID)
	assert.Equal(t, "m-c", msgs[2].MessageID)
}

func TestMemory_ListMessagesByParent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	req := models.NewRequestMessage("req-1", "chat-1", "user-1", []models.Part{models.NewTextPart("q")})
	require.NoError(t, s.PutMessage(ctx, req))

	resp := models.NewResponsePlaceholder("resp-1", "chat-1", "req-1", "model-a")
	require.NoError(t, s.PutMessage(ctx, resp))

	children, err := s.ListMessagesByParent(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "resp-1", children[0].MessageID)
}

func TestMemory_PutGetChat(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	chat := &models.Chat{
		ChatID:    "chat-1",
		UserID:    "user-1",
		Title:     "first conversation",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.PutChat(ctx, chat))

	got, err := s.GetChat(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "first conversation", got.Title)

	_, err = s.GetChat(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
