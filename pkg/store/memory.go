package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/parley-ai/parley/pkg/models"
)

// Memory is an in-process Store for tests and local development. It keeps the
// same single-table shape as the DynamoDB implementation: rows keyed by
// (PK, SK) with the message serialized as a JSON document, so reads exercise
// the same normalization path.
type Memory struct {
	mu   sync.RWMutex
	rows map[string]memoryRow // "PK|SK" → row
}

type memoryRow struct {
	pk        string
	sk        string
	parentPK  string
	createdAt string
	document  []byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string]memoryRow)}
}

func rowKey(pk, sk string) string { return pk + "|" + sk }

func (m *Memory) PutMessage(_ context.Context, msg *models.Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	doc, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message %s: %w", msg.MessageID, err)
	}

	row := memoryRow{
		pk:        messagePK(msg.ChatID),
		sk:        messageSK(msg.MessageID),
		createdAt: formatTime(msg.Timestamp),
		document:  doc,
	}
	if msg.ParentID != "" {
		row.parentPK = parentPK(msg.ParentID)
	}

	m.mu.Lock()
	m.rows[rowKey(row.pk, row.sk)] = row
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetMessage(_ context.Context, chatID, messageID string) (*models.Message, error) {
	if chatID == "" {
		return nil, NewValidationError("chat_id", "must not be empty")
	}
	if messageID == "" {
		return nil, NewValidationError("message_id", "must not be empty")
	}

	m.mu.RLock()
	row, ok := m.rows[rowKey(messagePK(chatID), messageSK(messageID))]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("message %s in chat %s: %w", messageID, chatID, ErrNotFound)
	}
	return decodeMessage(row.document)
}

// UpdateMessageStatus flips the status under one critical section so a
// concurrent writer cannot slip between the read and the write.
func (m *Memory) UpdateMessageStatus(_ context.Context, chatID, messageID string, status models.MessageStatus) error {
	if chatID == "" {
		return NewValidationError("chat_id", "must not be empty")
	}
	if messageID == "" {
		return NewValidationError("message_id", "must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := rowKey(messagePK(chatID), messageSK(messageID))
	row, ok := m.rows[key]
	if !ok {
		return fmt.Errorf("message %s in chat %s: %w", messageID, chatID, ErrNotFound)
	}
	msg, err := decodeMessage(row.document)
	if err != nil {
		return err
	}
	msg.Status = status
	doc, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message %s: %w", messageID, err)
	}
	row.document = doc
	m.rows[key] = row
	return nil
}

func (m *Memory) ListChatMessages(_ context.Context, chatID string) ([]*models.Message, error) {
	if chatID == "" {
		return nil, NewValidationError("chat_id", "must not be empty")
	}
	return m.collect(func(row memoryRow) bool {
		return row.pk == messagePK(chatID)
	})
}

func (m *Memory) ListMessagesByParent(_ context.Context, parentID string) ([]*models.Message, error) {
	if parentID == "" {
		return nil, NewValidationError("parent_id", "must not be empty")
	}
	return m.collect(func(row memoryRow) bool {
		return row.parentPK == parentPK(parentID)
	})
}

func (m *Memory) PutChat(_ context.Context, chat *models.Chat) error {
	if chat.ChatID == "" {
		return NewValidationError("chat_id", "must not be empty")
	}
	doc, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("failed to serialize chat %s: %w", chat.ChatID, err)
	}

	row := memoryRow{
		pk:        chatPK(chat.ChatID),
		sk:        chatMetadataSK,
		createdAt: formatTime(chat.CreatedAt),
		document:  doc,
	}
	m.mu.Lock()
	m.rows[rowKey(row.pk, row.sk)] = row
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetChat(_ context.Context, chatID string) (*models.Chat, error) {
	if chatID == "" {
		return nil, NewValidationError("chat_id", "must not be empty")
	}

	m.mu.RLock()
	row, ok := m.rows[rowKey(chatPK(chatID), chatMetadataSK)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}

	var chat models.Chat
	if err := json.Unmarshal(row.document, &chat); err != nil {
		return nil, fmt.Errorf("failed to deserialize chat %s: %w", chatID, err)
	}
	return &chat, nil
}

// collect gathers matching rows in sort-key order, mirroring an ascending
// table query.
func (m *Memory) collect(match func(memoryRow) bool) ([]*models.Message, error) {
	m.mu.RLock()
	var rows []memoryRow
	for _, row := range m.rows {
		if match(row) {
			rows = append(rows, row)
		}
	}
	m.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].createdAt != rows[j].createdAt {
			return rows[i].createdAt < rows[j].createdAt
		}
		return rows[i].sk < rows[j].sk
	})

	msgs := make([]*models.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := decodeMessage(row.document)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func decodeMessage(doc []byte) (*models.Message, error) {
	var msg models.Message
	if err := json.Unmarshal(doc, &msg); err != nil {
		return nil, fmt.Errorf("failed to deserialize message: %w", err)
	}
	return &msg, nil
}

var _ Store = (*Memory)(nil)
