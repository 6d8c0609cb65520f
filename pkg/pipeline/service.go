package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/store"
	"github.com/parley-ai/parley/pkg/ws"
)

var (
	// ErrGenerationActive rejects a second generation on a chat that already
	// has one running.
	ErrGenerationActive = errors.New("a generation is already active for this chat")

	// ErrShuttingDown rejects new generations during graceful shutdown.
	ErrShuttingDown = errors.New("service is shutting down")
)

// activeGeneration tracks one running generation for interrupt and shutdown.
type activeGeneration struct {
	responseID string
	cancel     context.CancelFunc
}

// Service runs generations: it owns the per-process registry of active
// responses and implements the session manager's GenerationStarter surface.
type Service struct {
	runner *Runner
	source agent.Source
	store  store.Store

	mu           sync.Mutex
	active       map[string]activeGeneration // chat_id → running generation
	shuttingDown bool
	wg           sync.WaitGroup
}

// NewService creates a Service running generations against the given source.
func NewService(runner *Runner, source agent.Source, st store.Store) *Service {
	return &Service{
		runner: runner,
		source: source,
		store:  st,
		active: make(map[string]activeGeneration),
	}
}

// StartGeneration persists the request message, registers the generation,
// and runs it in the background. Returns the response id immediately; the
// generation outlives the caller's connection — disconnects release only
// connection resources, the response still writes durably.
func (s *Service) StartGeneration(ctx context.Context, req ws.StartGenerationRequest) (string, error) {
	if req.ChatID == "" {
		return "", store.NewValidationError("chat_id", "must not be empty")
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return "", ErrShuttingDown
	}
	if _, busy := s.active[req.ChatID]; busy {
		s.mu.Unlock()
		return "", ErrGenerationActive
	}
	// Reserve the chat before any I/O so concurrent initializes cannot race
	// past the busy check.
	responseID := uuid.New().String()
	genCtx, cancel := context.WithCancel(context.Background())
	s.active[req.ChatID] = activeGeneration{responseID: responseID, cancel: cancel}
	s.mu.Unlock()

	requestID, err := s.prepare(ctx, req)
	if err != nil {
		s.unregister(req.ChatID)
		cancel()
		return "", err
	}

	history, err := s.store.ListChatMessages(ctx, req.ChatID)
	if err != nil {
		slog.Warn("Failed to load chat history, generating without it",
			"chat_id", req.ChatID, "error", err)
		history = nil
	}

	genReq := agent.Request{
		ResponseID: responseID,
		ChatID:     req.ChatID,
		ParentID:   requestID,
		UserID:     req.UserID,
		ModelID:    req.ModelID,
		Task:       req.Task,
		Parts:      req.Parts,
		History:    history,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.unregister(req.ChatID)
		defer cancel()
		if _, err := s.runner.Run(genCtx, genReq, s.source); err != nil {
			slog.Error("Generation failed",
				"response_id", responseID, "chat_id", req.ChatID, "error", err)
		}
	}()

	slog.Info("Generation started",
		"response_id", responseID, "chat_id", req.ChatID, "model_id", req.ModelID)
	return responseID, nil
}

// StopGeneration cancels the active generation for a chat. Reports whether
// one was running.
func (s *Service) StopGeneration(chatID string) bool {
	s.mu.Lock()
	gen, ok := s.active[chatID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	slog.Info("Interrupting generation", "chat_id", chatID, "response_id", gen.responseID)
	gen.cancel()
	return true
}

// ActiveResponseID returns the response currently generating for a chat, if
// any.
func (s *Service) ActiveResponseID(chatID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.active[chatID]
	return gen.responseID, ok
}

// ActiveCount returns the number of running generations.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown stops intake, cancels every active generation (each still runs
// its terminal path and writes durably), and waits for them up to the
// context deadline.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	for chatID, gen := range s.active {
		slog.Info("Cancelling generation for shutdown",
			"chat_id", chatID, "response_id", gen.responseID)
		gen.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out with %d generations still running", s.ActiveCount())
	}
}

// prepare ensures the chat exists and writes the pending request message.
// Returns the request message id.
func (s *Service) prepare(ctx context.Context, req ws.StartGenerationRequest) (string, error) {
	if _, err := s.store.GetChat(ctx, req.ChatID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("failed to load chat %s: %w", req.ChatID, err)
		}
		now := time.Now().UTC()
		chat := &models.Chat{
			ChatID:    req.ChatID,
			UserID:    req.UserID,
			Title:     chatTitle(req),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.PutChat(ctx, chat); err != nil {
			return "", fmt.Errorf("failed to create chat %s: %w", req.ChatID, err)
		}
	}

	if len(req.Parts) == 0 {
		// Interrupt-free regeneration requests carry no new user message.
		return "", nil
	}

	requestID := uuid.New().String()
	msg := models.NewRequestMessage(requestID, req.ChatID, req.UserID, req.Parts)
	if err := s.store.PutMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("failed to persist request message: %w", err)
	}
	return requestID, nil
}

func (s *Service) unregister(chatID string) {
	s.mu.Lock()
	delete(s.active, chatID)
	s.mu.Unlock()
}

// chatTitle derives a first-message title the way chat UIs expect: the task
// or the first text part, truncated.
func chatTitle(req ws.StartGenerationRequest) string {
	title := req.Task
	if title == "" {
		for _, p := range req.Parts {
			if p.PartKind == models.PartKindText && p.Content != "" {
				title = p.Content
				break
			}
		}
	}
	if len(title) > 80 {
		title = title[:77] + "..."
	}
	return title
}

var _ ws.GenerationStarter = (*Service)(nil)
