// Package ws owns the client-facing side of the streaming pipeline: the
// WebSocket session manager, the client wire protocol, and the ephemeral
// session-state records shared across workers.
//
// Each worker process has one Manager. Connections register with it on
// upgrade; generations bind connections to responses; a listener goroutine
// per subscribed response bridges broker frames to every bound client.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/broker"
	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/models"
)

// pollTimeout bounds each broker poll so listener goroutines stay responsive
// to cancellation.
const pollTimeout = time.Second

// unsubscribeTimeout bounds the broker round-trip when the last subscriber
// leaves a response.
const unsubscribeTimeout = 5 * time.Second

// StartGenerationRequest asks the pipeline for one model response.
type StartGenerationRequest struct {
	ChatID  string
	UserID  string
	ModelID string
	Task    string
	Parts   []models.Part
}

// GenerationStarter is the pipeline surface the manager drives on behalf of
// clients: initialize starts a generation, interrupt cancels one.
type GenerationStarter interface {
	StartGeneration(ctx context.Context, req StartGenerationRequest) (responseID string, err error)
	StopGeneration(chatID string) bool
}

// Subscriber forwards one response's frames to one client. Identity is
// pointer identity; the same Subscriber must be passed to unsubscribe.
type Subscriber struct {
	send func(frameType string, data any) error
}

// NewSubscriber wraps a client-send callback.
func NewSubscriber(send func(frameType string, data any) error) *Subscriber {
	return &Subscriber{send: send}
}

// Connection is one client WebSocket with its session state.
type Connection struct {
	ID   string
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes frame writes; coder/websocket allows one writer.
	writeMu sync.Mutex

	mu            sync.Mutex
	activeChats   map[string]struct{}
	lastActivity  time.Time
	subscriptions map[string]*Subscriber // response_id → subscriber
}

func (c *Connection) chatList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	chats := make([]string, 0, len(c.activeChats))
	for chat := range c.activeChats {
		chats = append(chats, chat)
	}
	return chats
}

// responseSub tracks one response observed from the broker: its subscriber
// set, the listener goroutine, the broker handle, and the accumulated content
// cache used to catch late subscribers up.
type responseSub struct {
	subscribers map[*Subscriber]struct{}
	handle      broker.Subscription
	cancel      context.CancelFunc
	done        chan struct{}

	cacheMu sync.Mutex
	cache   strings.Builder
}

func (rs *responseSub) appendCache(text string) {
	rs.cacheMu.Lock()
	rs.cache.WriteString(text)
	rs.cacheMu.Unlock()
}

func (rs *responseSub) cached() string {
	rs.cacheMu.Lock()
	defer rs.cacheMu.Unlock()
	return rs.cache.String()
}

// Manager owns every WebSocket connection of this worker and the per-response
// subscriptions bridging broker channels to clients.
type Manager struct {
	broker broker.PubSub
	state  StateStore

	starter   GenerationStarter
	starterMu sync.RWMutex

	writeTimeout time.Duration

	mu          sync.RWMutex
	connections map[string]*Connection

	subMu     sync.Mutex
	responses map[string]*responseSub
}

// NewManager creates a Manager over the given broker and state store.
func NewManager(pubsub broker.PubSub, state StateStore, writeTimeout time.Duration) *Manager {
	return &Manager{
		broker:       pubsub,
		state:        state,
		writeTimeout: writeTimeout,
		connections:  make(map[string]*Connection),
		responses:    make(map[string]*responseSub),
	}
}

// SetStarter wires the generation pipeline. Called once during startup after
// both sides exist.
func (m *Manager) SetStarter(s GenerationStarter) {
	m.starterMu.Lock()
	m.starter = s
	m.starterMu.Unlock()
}

// Connect records a new connection and writes its session record. The
// returned Connection is owned by the caller's read loop.
func (m *Manager) Connect(parentCtx context.Context, connectionID string, conn *websocket.Conn) *Connection {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:            connectionID,
		conn:          conn,
		ctx:           ctx,
		cancel:        cancel,
		activeChats:   make(map[string]struct{}),
		lastActivity:  time.Now().UTC(),
		subscriptions: make(map[string]*Subscriber),
	}

	m.mu.Lock()
	m.connections[connectionID] = c
	m.mu.Unlock()

	if err := m.state.PutConnection(ctx, connectionID, ConnectionRecord{
		CreatedAt:    c.lastActivity,
		LastActivity: c.lastActivity,
		ActiveChats:  []string{},
	}); err != nil {
		slog.Warn("Failed to store connection record", "connection_id", connectionID, "error", err)
	}

	slog.Info("WebSocket connected", "connection_id", connectionID)
	return c
}

// Disconnect releases every resource bound to the connection: its response
// subscriptions, its chat mappings and generation markers, and its session
// record. In-flight sends may be lost.
func (m *Manager) Disconnect(ctx context.Context, connectionID string) {
	m.mu.Lock()
	c, ok := m.connections[connectionID]
	delete(m.connections, connectionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	subs := make(map[string]*Subscriber, len(c.subscriptions))
	for id, sub := range c.subscriptions {
		subs[id] = sub
	}
	c.subscriptions = make(map[string]*Subscriber)
	chats := make([]string, 0, len(c.activeChats))
	for chat := range c.activeChats {
		chats = append(chats, chat)
	}
	c.mu.Unlock()

	for responseID, sub := range subs {
		m.UnsubscribeFromResponse(ctx, responseID, sub)
	}
	for _, chat := range chats {
		if err := m.state.DeleteChatConnection(ctx, chat); err != nil {
			slog.Warn("Failed to delete chat mapping", "chat_id", chat, "error", err)
		}
		if err := m.state.ClearGeneration(ctx, chat); err != nil {
			slog.Warn("Failed to clear generation marker", "chat_id", chat, "error", err)
		}
	}
	if err := m.state.DeleteConnection(ctx, connectionID); err != nil {
		slog.Warn("Failed to delete connection record", "connection_id", connectionID, "error", err)
	}

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	slog.Info("WebSocket disconnected", "connection_id", connectionID)
}

// RegisterChat binds a chat to the connection and writes the reverse mapping
// used for cross-worker routing.
func (m *Manager) RegisterChat(ctx context.Context, connectionID, chatID string) error {
	c := m.connection(connectionID)
	if c == nil {
		return fmt.Errorf("unknown connection %s", connectionID)
	}

	c.mu.Lock()
	c.activeChats[chatID] = struct{}{}
	c.mu.Unlock()

	if err := m.state.SetActiveChats(ctx, connectionID, c.chatList()); err != nil {
		slog.Warn("Failed to update active chats", "connection_id", connectionID, "error", err)
	}
	if err := m.state.MapChatConnection(ctx, chatID, connectionID); err != nil {
		slog.Warn("Failed to map chat to connection", "chat_id", chatID, "error", err)
	}
	return nil
}

// TrackGeneration marks a generation active for the chat.
func (m *Manager) TrackGeneration(ctx context.Context, chatID, messageID string) {
	if err := m.state.TrackGeneration(ctx, chatID, messageID); err != nil {
		slog.Warn("Failed to track generation", "chat_id", chatID, "error", err)
	}
}

// StopGeneration clears the active-generation marker for the chat.
func (m *Manager) StopGeneration(ctx context.Context, chatID string) {
	if err := m.state.ClearGeneration(ctx, chatID); err != nil {
		slog.Warn("Failed to clear generation marker", "chat_id", chatID, "error", err)
	}
}

// UpdateHeartbeat refreshes the connection's activity timestamp.
func (m *Manager) UpdateHeartbeat(ctx context.Context, connectionID string) {
	c := m.connection(connectionID)
	if c == nil {
		return
	}
	now := time.Now().UTC()
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
	if err := m.state.TouchConnection(ctx, connectionID, now); err != nil {
		slog.Warn("Failed to touch connection record", "connection_id", connectionID, "error", err)
	}
}

// SubscribeToResponse adds a subscriber for a response. The first subscriber
// opens the broker subscription and starts the listener goroutine; every new
// subscriber receives a connection_established frame, plus a status catch-up
// frame when content has already streamed, before its first event frame.
func (m *Manager) SubscribeToResponse(ctx context.Context, responseID string, sub *Subscriber) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	rs, ok := m.responses[responseID]
	if !ok {
		handle, err := m.broker.Subscribe(ctx, events.ResponseChannel(responseID))
		if err != nil {
			return fmt.Errorf("failed to open broker subscription for %s: %w", responseID, err)
		}
		listenCtx, cancel := context.WithCancel(context.Background())
		rs = &responseSub{
			subscribers: make(map[*Subscriber]struct{}),
			handle:      handle,
			cancel:      cancel,
			done:        make(chan struct{}),
		}
		m.responses[responseID] = rs
		go m.listen(listenCtx, responseID, rs)
	}

	// Acknowledge and catch up before registering: the listener only sees
	// the subscriber once it is in the set, so no event frame can overtake
	// the acknowledgment.
	if err := sub.send(FrameTypeConnectionEstablished, map[string]string{"response_id": responseID}); err != nil {
		slog.Warn("Failed to confirm subscription", "response_id", responseID, "error", err)
	}
	if cached := rs.cached(); cached != "" {
		if err := sub.send(FrameTypeStatus, map[string]string{
			"status":  "catch_up",
			"message": cached,
		}); err != nil {
			slog.Warn("Failed to send catch-up frame", "response_id", responseID, "error", err)
		}
	}
	rs.subscribers[sub] = struct{}{}
	return nil
}

// UnsubscribeFromResponse removes a subscriber; the last one out cancels the
// listener, closes the broker handle, and waits for the listener to exit.
func (m *Manager) UnsubscribeFromResponse(ctx context.Context, responseID string, sub *Subscriber) {
	m.removeSubscriber(ctx, responseID, sub, true)
}

// removeSubscriber implements unsubscription. wait must be false when called
// from the listener goroutine itself, which cannot wait for its own exit.
func (m *Manager) removeSubscriber(ctx context.Context, responseID string, sub *Subscriber, wait bool) {
	m.subMu.Lock()
	rs, ok := m.responses[responseID]
	if !ok {
		m.subMu.Unlock()
		return
	}
	delete(rs.subscribers, sub)
	last := len(rs.subscribers) == 0
	if last {
		delete(m.responses, responseID)
	}
	m.subMu.Unlock()

	if !last {
		return
	}

	rs.cancel()
	unsubCtx, cancel := context.WithTimeout(ctx, unsubscribeTimeout)
	defer cancel()
	if err := rs.handle.Unsubscribe(unsubCtx); err != nil {
		slog.Warn("Failed to unsubscribe broker channel", "response_id", responseID, "error", err)
	}
	if err := rs.handle.Close(); err != nil {
		slog.Warn("Failed to close broker subscription", "response_id", responseID, "error", err)
	}
	if wait {
		<-rs.done
	}
}

// SendMessage sends one framed message to a connection and refreshes its
// heartbeat.
func (m *Manager) SendMessage(ctx context.Context, connectionID, frameType string, data any) error {
	c := m.connection(connectionID)
	if c == nil {
		return fmt.Errorf("unknown connection %s", connectionID)
	}
	if err := m.sendFrame(c, frameType, data); err != nil {
		return err
	}
	m.UpdateHeartbeat(ctx, connectionID)
	return nil
}

// SendEventToResponseClients delivers one event to every subscriber of the
// response. A failing subscriber is dropped and logged; peers are unaffected.
func (m *Manager) SendEventToResponseClients(responseID string, e *events.Event) {
	m.subMu.Lock()
	rs, ok := m.responses[responseID]
	if !ok {
		m.subMu.Unlock()
		return
	}
	// Cache before snapshotting the subscriber set: a subscriber added after
	// this point reads the content from the cache instead.
	if e.Type == events.EventTypeContent {
		rs.appendCache(e.Content)
	}
	subs := make([]*Subscriber, 0, len(rs.subscribers))
	for s := range rs.subscribers {
		subs = append(subs, s)
	}
	m.subMu.Unlock()

	payload := e.ToWebSocket()
	for _, s := range subs {
		if err := s.send(FrameTypeEvent, payload); err != nil {
			slog.Warn("Dropping failed subscriber",
				"response_id", responseID, "sequence", e.Sequence, "error", err)
			m.removeSubscriber(context.Background(), responseID, s, false)
		}
	}
}

// ActiveConnections returns the count of connections on this worker.
func (m *Manager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount lets tests poll subscription state instead of sleeping.
func (m *Manager) subscriberCount(responseID string) int {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	rs, ok := m.responses[responseID]
	if !ok {
		return 0
	}
	return len(rs.subscribers)
}

// Shutdown disconnects every connection. Listener goroutines exit as their
// last subscribers drop.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Disconnect(ctx, id)
	}
}

// listen bridges one response's broker channel to its subscribers until
// cancelled or closed. Polls with a short timeout; unexpected errors are
// logged and the loop continues.
func (m *Manager) listen(ctx context.Context, responseID string, rs *responseSub) {
	defer close(rs.done)
	for {
		payload, err := rs.handle.GetMessage(ctx, pollTimeout)
		if err != nil {
			if errors.Is(err, broker.ErrClosed) || ctx.Err() != nil {
				return
			}
			slog.Error("Broker receive error", "response_id", responseID, "error", err)
			continue
		}
		if payload == nil {
			continue
		}
		e, err := events.Decode(payload)
		if err != nil {
			slog.Warn("Dropped undecodable broker frame", "response_id", responseID, "error", err)
			continue
		}
		m.SendEventToResponseClients(responseID, e)
	}
}

// HandleConnection runs the lifecycle of one client WebSocket. Called by the
// HTTP handler after upgrade; blocks until the connection closes.
func (m *Manager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connectionID := uuid.New().String()
	c := m.Connect(parentCtx, connectionID, conn)
	defer m.Disconnect(context.Background(), connectionID)

	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Invalid WebSocket frame", "connection_id", connectionID, "error", err)
			continue
		}
		m.handleClientFrame(c, &frame)
	}
}

// handleClientFrame dispatches one client frame.
func (m *Manager) handleClientFrame(c *Connection, frame *Frame) {
	switch frame.Type {
	case FrameTypePing:
		if err := m.SendMessage(c.ctx, c.ID, FrameTypePong, nil); err != nil {
			slog.Warn("Failed to send pong", "connection_id", c.ID, "error", err)
		}

	case FrameTypeInitialize:
		m.handleInitialize(c, frame)

	case FrameTypeInterrupt:
		m.handleInterrupt(c, frame)

	default:
		m.sendError(c, fmt.Sprintf("unknown frame type %q", frame.Type), "validation_error")
	}
}

// handleInitialize starts a generation for the connection and implicitly
// subscribes it to the new response.
func (m *Manager) handleInitialize(c *Connection, frame *Frame) {
	var req InitializeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		m.sendError(c, "malformed initialize payload", "validation_error")
		return
	}
	if req.ChatID == "" {
		m.sendError(c, "chat_id is required", "validation_error")
		return
	}
	if len(req.Parts) == 0 && req.Content != "" {
		req.Parts = []models.Part{models.NewTextPart(req.Content)}
	}

	m.starterMu.RLock()
	starter := m.starter
	m.starterMu.RUnlock()
	if starter == nil {
		m.sendError(c, "generation is not available", "internal_error")
		return
	}

	if err := m.RegisterChat(c.ctx, c.ID, req.ChatID); err != nil {
		m.sendError(c, "failed to register chat", "internal_error")
		return
	}

	responseID, err := starter.StartGeneration(c.ctx, StartGenerationRequest{
		ChatID:  req.ChatID,
		ModelID: req.ModelID,
		Task:    req.Task,
		Parts:   req.Parts,
	})
	if err != nil {
		slog.Error("Failed to start generation",
			"connection_id", c.ID, "chat_id", req.ChatID, "error", err)
		m.sendError(c, "failed to start generation", "agent_error")
		return
	}

	m.TrackGeneration(c.ctx, req.ChatID, responseID)

	sub := NewSubscriber(func(frameType string, data any) error {
		return m.sendFrame(c, frameType, data)
	})
	c.mu.Lock()
	c.subscriptions[responseID] = sub
	c.mu.Unlock()

	if err := m.SubscribeToResponse(c.ctx, responseID, sub); err != nil {
		slog.Error("Failed to subscribe to response",
			"connection_id", c.ID, "response_id", responseID, "error", err)
		m.sendError(c, "failed to subscribe to response", "broker_error")
	}
}

// handleInterrupt cancels the active generation for a chat.
func (m *Manager) handleInterrupt(c *Connection, frame *Frame) {
	var req InterruptRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.ChatID == "" {
		m.sendError(c, "malformed interrupt payload", "validation_error")
		return
	}

	m.starterMu.RLock()
	starter := m.starter
	m.starterMu.RUnlock()

	stopped := false
	if starter != nil {
		stopped = starter.StopGeneration(req.ChatID)
	}
	m.StopGeneration(c.ctx, req.ChatID)

	status := "interrupted"
	if !stopped {
		status = "no_active_generation"
	}
	if err := m.sendFrame(c, FrameTypeStatus, map[string]string{
		"status":  status,
		"chat_id": req.ChatID,
	}); err != nil {
		slog.Warn("Failed to confirm interrupt", "connection_id", c.ID, "error", err)
	}
}

func (m *Manager) sendError(c *Connection, message, errorType string) {
	if err := m.sendFrame(c, FrameTypeError, ErrorData{Error: message, ErrorType: errorType}); err != nil {
		slog.Warn("Failed to send error frame", "connection_id", c.ID, "error", err)
	}
}

// sendFrame writes one framed message with the write timeout. Writes are
// serialized per connection so frame order matches enqueue order.
func (m *Manager) sendFrame(c *Connection, frameType string, data any) error {
	frame, err := NewFrame(frameType, data)
	if err != nil {
		return fmt.Errorf("failed to build %s frame: %w", frameType, err)
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", frameType, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, payload)
}

func (m *Manager) connection(connectionID string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connections[connectionID]
}
