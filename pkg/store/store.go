// Package store persists conversation data in a single-table key-value
// layout. Messages live under PK="MESSAGE#{chat_id}" / SK="MESSAGE#{message_id}",
// chat metadata under PK="CHAT#{chat_id}" / SK="METADATA". Secondary access
// paths ride global indexes: by user (UserDataIndex), by entity type
// (GlobalResourceIndex), and by parent message (MessageHierarchyIndex).
//
// Writes retry transient failures with exponential backoff and jitter;
// exhaustion surfaces ErrUnavailable and leaves the caller's state intact.
package store

import (
	"context"
	"time"

	"github.com/parley-ai/parley/pkg/models"
)

// Entity types discriminating rows in the table and the global index.
const (
	EntityTypeMessage = "MESSAGE"
	EntityTypeChat    = "CHAT"
)

// Index names.
const (
	UserDataIndex         = "UserDataIndex"
	GlobalResourceIndex   = "GlobalResourceIndex"
	MessageHierarchyIndex = "MessageHierarchyIndex"
)

// Store is the durable persistence surface of the pipeline.
type Store interface {
	PutMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, chatID, messageID string) (*models.Message, error)
	UpdateMessageStatus(ctx context.Context, chatID, messageID string, status models.MessageStatus) error
	ListChatMessages(ctx context.Context, chatID string) ([]*models.Message, error)
	ListMessagesByParent(ctx context.Context, parentID string) ([]*models.Message, error)

	PutChat(ctx context.Context, chat *models.Chat) error
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)
}

func messagePK(chatID string) string     { return "MESSAGE#" + chatID }
func messageSK(messageID string) string  { return "MESSAGE#" + messageID }
func chatPK(chatID string) string        { return "CHAT#" + chatID }
func userPK(userID string) string        { return "USER#" + userID }
func globalPK(entityType string) string  { return "RESOURCE_TYPE#" + entityType }
func parentPK(parentID string) string    { return "PARENT#" + parentID }

const chatMetadataSK = "METADATA"

// entitySK builds the "{EntityType}#{timestamp}#{id}" sort key shared by the
// user and hierarchy indexes.
func entitySK(entityType string, ts time.Time, id string) string {
	return entityType + "#" + formatTime(ts) + "#" + id
}

// createdAtSK builds the "CREATED_AT#{timestamp}#{id}" sort key of the
// global index.
func createdAtSK(ts time.Time, id string) string {
	return "CREATED_AT#" + formatTime(ts) + "#" + id
}

// formatTime renders the canonical stored timestamp: ISO-8601 UTC.
func formatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}
