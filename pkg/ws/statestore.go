package ws

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ephemeral session-state TTLs. Connection records outlive every legitimate
// session; chat mappings and generation markers expire on their own if a
// worker dies before cleaning up.
const (
	ConnectionTTL = 24 * time.Hour
	ChatMapTTL    = time.Hour
	GenerationTTL = time.Hour
)

// ConnectionRecord is the stored view of one WebSocket connection.
type ConnectionRecord struct {
	CreatedAt    time.Time
	LastActivity time.Time
	ActiveChats  []string
}

// StateStore keeps the ephemeral WebSocket session records shared across
// workers: connection liveness, chat-to-connection routing, and active
// generation markers. Failures here never break in-memory operation; callers
// log and continue.
type StateStore interface {
	PutConnection(ctx context.Context, connectionID string, rec ConnectionRecord) error
	TouchConnection(ctx context.Context, connectionID string, lastActivity time.Time) error
	SetActiveChats(ctx context.Context, connectionID string, chats []string) error
	DeleteConnection(ctx context.Context, connectionID string) error

	MapChatConnection(ctx context.Context, chatID, connectionID string) error
	ChatConnection(ctx context.Context, chatID string) (string, error)
	DeleteChatConnection(ctx context.Context, chatID string) error

	TrackGeneration(ctx context.Context, chatID, messageID string) error
	ActiveGeneration(ctx context.Context, chatID string) (string, error)
	ClearGeneration(ctx context.Context, chatID string) error
}

func connKey(connectionID string) string { return "ws:conn:" + connectionID }
func chatKey(chatID string) string       { return "ws:chat:" + chatID + ":connection" }
func genKey(chatID string) string        { return "ws:gen:" + chatID }

// RedisState stores session records in Redis with per-key TTLs.
type RedisState struct {
	client *redis.Client
}

// NewRedisState wraps an existing Redis client.
func NewRedisState(client *redis.Client) *RedisState {
	return &RedisState{client: client}
}

func (s *RedisState) PutConnection(ctx context.Context, connectionID string, rec ConnectionRecord) error {
	key := connKey(connectionID)
	fields := map[string]any{
		"created_at":    rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		"last_activity": rec.LastActivity.UTC().Format(time.RFC3339Nano),
		"active_chats":  strings.Join(rec.ActiveChats, ","),
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("failed to store connection %s: %w", connectionID, err)
	}
	if err := s.client.Expire(ctx, key, ConnectionTTL).Err(); err != nil {
		return fmt.Errorf("failed to set TTL on connection %s: %w", connectionID, err)
	}
	return nil
}

func (s *RedisState) TouchConnection(ctx context.Context, connectionID string, lastActivity time.Time) error {
	key := connKey(connectionID)
	if err := s.client.HSet(ctx, key, "last_activity", lastActivity.UTC().Format(time.RFC3339Nano)).Err(); err != nil {
		return fmt.Errorf("failed to touch connection %s: %w", connectionID, err)
	}
	// Refresh the TTL so an active connection never ages out.
	if err := s.client.Expire(ctx, key, ConnectionTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh TTL on connection %s: %w", connectionID, err)
	}
	return nil
}

func (s *RedisState) SetActiveChats(ctx context.Context, connectionID string, chats []string) error {
	if err := s.client.HSet(ctx, connKey(connectionID), "active_chats", strings.Join(chats, ",")).Err(); err != nil {
		return fmt.Errorf("failed to update active chats for %s: %w", connectionID, err)
	}
	return nil
}

func (s *RedisState) DeleteConnection(ctx context.Context, connectionID string) error {
	if err := s.client.Del(ctx, connKey(connectionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete connection %s: %w", connectionID, err)
	}
	return nil
}

func (s *RedisState) MapChatConnection(ctx context.Context, chatID, connectionID string) error {
	if err := s.client.Set(ctx, chatKey(chatID), connectionID, ChatMapTTL).Err(); err != nil {
		return fmt.Errorf("failed to map chat %s to connection: %w", chatID, err)
	}
	return nil
}

func (s *RedisState) ChatConnection(ctx context.Context, chatID string) (string, error) {
	val, err := s.client.Get(ctx, chatKey(chatID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up connection for chat %s: %w", chatID, err)
	}
	return val, nil
}

func (s *RedisState) DeleteChatConnection(ctx context.Context, chatID string) error {
	if err := s.client.Del(ctx, chatKey(chatID)).Err(); err != nil {
		return fmt.Errorf("failed to delete chat mapping %s: %w", chatID, err)
	}
	return nil
}

func (s *RedisState) TrackGeneration(ctx context.Context, chatID, messageID string) error {
	if err := s.client.Set(ctx, genKey(chatID), messageID, GenerationTTL).Err(); err != nil {
		return fmt.Errorf("failed to track generation for chat %s: %w", chatID, err)
	}
	return nil
}

func (s *RedisState) ActiveGeneration(ctx context.Context, chatID string) (string, error) {
	val, err := s.client.Get(ctx, genKey(chatID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up generation for chat %s: %w", chatID, err)
	}
	return val, nil
}

func (s *RedisState) ClearGeneration(ctx context.Context, chatID string) error {
	if err := s.client.Del(ctx, genKey(chatID)).Err(); err != nil {
		return fmt.Errorf("failed to clear generation for chat %s: %w", chatID, err)
	}
	return nil
}

var _ StateStore = (*RedisState)(nil)

// MemoryState is an in-process StateStore for tests and single-node
// development. TTLs are honored lazily on read.
type MemoryState struct {
	mu          sync.Mutex
	connections map[string]ConnectionRecord
	values      map[string]memoryValue // chat mappings and generation markers
}

type memoryValue struct {
	val       string
	expiresAt time.Time
}

// NewMemoryState creates an empty in-memory state store.
func NewMemoryState() *MemoryState {
	return &MemoryState{
		connections: make(map[string]ConnectionRecord),
		values:      make(map[string]memoryValue),
	}
}

func (s *MemoryState) PutConnection(_ context.Context, connectionID string, rec ConnectionRecord) error {
	s.mu.Lock()
	s.connections[connectionID] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryState) TouchConnection(_ context.Context, connectionID string, lastActivity time.Time) error {
	s.mu.Lock()
	if rec, ok := s.connections[connectionID]; ok {
		rec.LastActivity = lastActivity
		s.connections[connectionID] = rec
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryState) SetActiveChats(_ context.Context, connectionID string, chats []string) error {
	s.mu.Lock()
	if rec, ok := s.connections[connectionID]; ok {
		rec.ActiveChats = chats
		s.connections[connectionID] = rec
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryState) DeleteConnection(_ context.Context, connectionID string) error {
	s.mu.Lock()
	delete(s.connections, connectionID)
	s.mu.Unlock()
	return nil
}

// Connection returns the stored record, for tests.
func (s *MemoryState) Connection(connectionID string) (ConnectionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.connections[connectionID]
	return rec, ok
}

func (s *MemoryState) MapChatConnection(_ context.Context, chatID, connectionID string) error {
	s.setValue(chatKey(chatID), connectionID, ChatMapTTL)
	return nil
}

func (s *MemoryState) ChatConnection(_ context.Context, chatID string) (string, error) {
	return s.getValue(chatKey(chatID)), nil
}

func (s *MemoryState) DeleteChatConnection(_ context.Context, chatID string) error {
	s.delValue(chatKey(chatID))
	return nil
}

func (s *MemoryState) TrackGeneration(_ context.Context, chatID, messageID string) error {
	s.setValue(genKey(chatID), messageID, GenerationTTL)
	return nil
}

func (s *MemoryState) ActiveGeneration(_ context.Context, chatID string) (string, error) {
	return s.getValue(genKey(chatID)), nil
}

func (s *MemoryState) ClearGeneration(_ context.Context, chatID string) error {
	s.delValue(genKey(chatID))
	return nil
}

func (s *MemoryState) setValue(key, val string, ttl time.Duration) {
	s.mu.Lock()
	s.values[key] = memoryValue{val: val, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
}

func (s *MemoryState) getValue(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok || time.Now().After(v.expiresAt) {
		delete(s.values, key)
		return ""
	}
	return v.val
}

func (s *MemoryState) delValue(key string) {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
}

var _ StateStore = (*MemoryState)(nil)
